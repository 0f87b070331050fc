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

package tracing

import "context"

// TracePath identifies a traceable codepath. Used to gate span creation.
type TracePath int

const (
	PathCheckpoint TracePath = iota
	PathRecovery
	PathWAL
	PathBackup
)

// Flags controls which codepaths create spans for a given operation.
// Injected into context at the entry point, read by StartSpan.
type Flags struct {
	Checkpoint bool
	Recovery   bool
	WAL        bool
	Backup     bool
}

func AllEnabled() Flags {
	return Flags{Checkpoint: true, Recovery: true, WAL: true, Backup: true}
}

type flagsKey struct{}

// WithFlags injects tracing flags into the context.
// Call this once at the entry point, e.g. when the node is opened.
func WithFlags(ctx context.Context, f Flags) context.Context {
	return context.WithValue(ctx, flagsKey{}, f)
}

func getFlags(ctx context.Context) Flags {
	f, _ := ctx.Value(flagsKey{}).(Flags)
	return f
}

func (f Flags) isEnabled(path TracePath) bool {
	switch path {
	case PathCheckpoint:
		return f.Checkpoint
	case PathRecovery:
		return f.Recovery
	case PathWAL:
		return f.WAL
	case PathBackup:
		return f.Backup
	default:
		return false
	}
}
