//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package wal

// DirKind tells where a segment was read from.
type DirKind uint8

const (
	DirWork DirKind = iota
	DirArchive
)

func (d DirKind) String() string {
	if d == DirArchive {
		return "archive"
	}
	return "work"
}

// FailurePolicy decides what iterators do when they run into a corrupt
// record.
type FailurePolicy uint8

const (
	// PolicyDefault fails on archived segments, which are expected to be
	// complete, and tolerates damaged work segments, whose tail may have been
	// cut off by a crash.
	PolicyDefault FailurePolicy = iota
	PolicyFail
	PolicyTolerate
)

func (p FailurePolicy) Resolve(dir DirKind) FailurePolicy {
	if p != PolicyDefault {
		return p
	}
	if dir == DirArchive {
		return PolicyFail
	}
	return PolicyTolerate
}

func (p FailurePolicy) String() string {
	switch p {
	case PolicyFail:
		return "fail"
	case PolicyTolerate:
		return "tolerate"
	default:
		return "default"
	}
}
