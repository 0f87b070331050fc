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

import "fmt"

// Pointer addresses a record within the log. Pointers are ordered by segment
// and then by offset, Length is the full size of the record on disk.
type Pointer struct {
	Segment uint64
	Offset  uint32
	Length  uint32
}

// IsZero reports whether p points nowhere. Real records never start at
// offset zero since every segment begins with its header.
func (p Pointer) IsZero() bool {
	return p.Offset == 0
}

func (p Pointer) Compare(other Pointer) int {
	switch {
	case p.Segment < other.Segment:
		return -1
	case p.Segment > other.Segment:
		return 1
	case p.Offset < other.Offset:
		return -1
	case p.Offset > other.Offset:
		return 1
	default:
		return 0
	}
}

func (p Pointer) Less(other Pointer) bool {
	return p.Compare(other) < 0
}

// End is the offset right after the record.
func (p Pointer) End() uint32 {
	return p.Offset + p.Length
}

func (p Pointer) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

// SegmentStart points at the first record of the segment.
func SegmentStart(index uint64) Pointer {
	return Pointer{Segment: index, Offset: segmentHeaderLen}
}
