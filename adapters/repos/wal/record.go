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

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/weaviate/gridstore/entities/pages"
)

type RecordType uint8

// A zero type byte marks the end of the written part of a segment.
const (
	PageDeltaRecordType RecordType = iota + 1
	PageSnapshotRecordType
	CheckpointRecordType
	PartitionDestroyRecordType
	CustomRecordType
	SwitchSegmentRecordType
	BatchRecordType
)

func (t RecordType) String() string {
	switch t {
	case PageDeltaRecordType:
		return "page_delta"
	case PageSnapshotRecordType:
		return "page_snapshot"
	case CheckpointRecordType:
		return "checkpoint"
	case PartitionDestroyRecordType:
		return "partition_destroy"
	case CustomRecordType:
		return "custom"
	case SwitchSegmentRecordType:
		return "switch_segment"
	case BatchRecordType:
		return "batch"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record is one of the record kinds of this package.
type Record interface {
	Type() RecordType
	payloadSize() int
	encodePayload(buf []byte)
}

// PageDeltaRecord is a physical update of a byte range within a page.
type PageDeltaRecord struct {
	PageID pages.FullPageID
	Offset uint32
	Data   []byte
}

func (r *PageDeltaRecord) Type() RecordType { return PageDeltaRecordType }

func (r *PageDeltaRecord) payloadSize() int { return pages.IDSize + 8 + len(r.Data) }

func (r *PageDeltaRecord) encodePayload(buf []byte) {
	pages.PutID(buf, r.PageID)
	binary.LittleEndian.PutUint32(buf[pages.IDSize:], r.Offset)
	binary.LittleEndian.PutUint32(buf[pages.IDSize+4:], uint32(len(r.Data)))
	copy(buf[pages.IDSize+8:], r.Data)
}

// PageSnapshotRecord carries the full image of a page.
type PageSnapshotRecord struct {
	PageID pages.FullPageID
	Image  []byte
}

func (r *PageSnapshotRecord) Type() RecordType { return PageSnapshotRecordType }

func (r *PageSnapshotRecord) payloadSize() int { return pages.IDSize + 4 + len(r.Image) }

func (r *PageSnapshotRecord) encodePayload(buf []byte) {
	pages.PutID(buf, r.PageID)
	binary.LittleEndian.PutUint32(buf[pages.IDSize:], uint32(len(r.Image)))
	copy(buf[pages.IDSize+4:], r.Image)
}

// CheckpointRecord marks the begin of a checkpoint. Replay of the pages
// flushed by that checkpoint starts right at it.
type CheckpointRecord struct {
	ID   uint64
	UUID uuid.UUID
}

func (r *CheckpointRecord) Type() RecordType { return CheckpointRecordType }

func (r *CheckpointRecord) payloadSize() int { return 8 + 16 }

func (r *CheckpointRecord) encodePayload(buf []byte) {
	binary.LittleEndian.PutUint64(buf, r.ID)
	copy(buf[8:], r.UUID[:])
}

// AllPartitions as PartitionID destroys every partition of the group.
const AllPartitions = ^uint16(0)

type PartitionDestroyRecord struct {
	GroupID     uint32
	PartitionID uint16
}

func (r *PartitionDestroyRecord) Type() RecordType { return PartitionDestroyRecordType }

func (r *PartitionDestroyRecord) payloadSize() int { return 6 }

func (r *PartitionDestroyRecord) encodePayload(buf []byte) {
	binary.LittleEndian.PutUint32(buf, r.GroupID)
	binary.LittleEndian.PutUint16(buf[4:], r.PartitionID)
}

// CustomRecord carries an opaque payload for consumers outside of the
// storage core, told apart by Tag.
type CustomRecord struct {
	Tag     uint16
	Payload []byte
}

func (r *CustomRecord) Type() RecordType { return CustomRecordType }

func (r *CustomRecord) payloadSize() int { return 2 + len(r.Payload) }

func (r *CustomRecord) encodePayload(buf []byte) {
	binary.LittleEndian.PutUint16(buf, r.Tag)
	copy(buf[2:], r.Payload)
}

// SwitchSegmentRecord is the last record of every sealed segment.
type SwitchSegmentRecord struct{}

func (r *SwitchSegmentRecord) Type() RecordType { return SwitchSegmentRecordType }

func (r *SwitchSegmentRecord) payloadSize() int { return 0 }

func (r *SwitchSegmentRecord) encodePayload(buf []byte) {}

// BatchRecord announces that the next Count records belong to one
// operation. Replay applies them only if all of them were logged.
type BatchRecord struct {
	Count uint32
}

func (r *BatchRecord) Type() RecordType { return BatchRecordType }

func (r *BatchRecord) payloadSize() int { return 4 }

func (r *BatchRecord) encodePayload(buf []byte) {
	binary.LittleEndian.PutUint32(buf, r.Count)
}

func decodePayload(t RecordType, payload []byte) (Record, error) {
	switch t {
	case PageDeltaRecordType:
		if len(payload) < pages.IDSize+8 {
			return nil, errors.Errorf("page delta payload of %d bytes", len(payload))
		}
		n := binary.LittleEndian.Uint32(payload[pages.IDSize+4:])
		if int(n) != len(payload)-pages.IDSize-8 {
			return nil, errors.Errorf("page delta announces %d bytes, has %d",
				n, len(payload)-pages.IDSize-8)
		}
		return &PageDeltaRecord{
			PageID: pages.ReadID(payload),
			Offset: binary.LittleEndian.Uint32(payload[pages.IDSize:]),
			Data:   copyBytes(payload[pages.IDSize+8:]),
		}, nil

	case PageSnapshotRecordType:
		if len(payload) < pages.IDSize+4 {
			return nil, errors.Errorf("page snapshot payload of %d bytes", len(payload))
		}
		n := binary.LittleEndian.Uint32(payload[pages.IDSize:])
		if int(n) != len(payload)-pages.IDSize-4 {
			return nil, errors.Errorf("page snapshot announces %d bytes, has %d",
				n, len(payload)-pages.IDSize-4)
		}
		return &PageSnapshotRecord{
			PageID: pages.ReadID(payload),
			Image:  copyBytes(payload[pages.IDSize+4:]),
		}, nil

	case CheckpointRecordType:
		if len(payload) != 24 {
			return nil, errors.Errorf("checkpoint payload of %d bytes", len(payload))
		}
		r := &CheckpointRecord{ID: binary.LittleEndian.Uint64(payload)}
		copy(r.UUID[:], payload[8:])
		return r, nil

	case PartitionDestroyRecordType:
		if len(payload) != 6 {
			return nil, errors.Errorf("partition destroy payload of %d bytes", len(payload))
		}
		return &PartitionDestroyRecord{
			GroupID:     binary.LittleEndian.Uint32(payload),
			PartitionID: binary.LittleEndian.Uint16(payload[4:]),
		}, nil

	case CustomRecordType:
		if len(payload) < 2 {
			return nil, errors.Errorf("custom payload of %d bytes", len(payload))
		}
		return &CustomRecord{
			Tag:     binary.LittleEndian.Uint16(payload),
			Payload: copyBytes(payload[2:]),
		}, nil

	case SwitchSegmentRecordType:
		if len(payload) != 0 {
			return nil, errors.Errorf("switch segment payload of %d bytes", len(payload))
		}
		return &SwitchSegmentRecord{}, nil

	case BatchRecordType:
		if len(payload) != 4 {
			return nil, errors.Errorf("batch payload of %d bytes", len(payload))
		}
		return &BatchRecord{Count: binary.LittleEndian.Uint32(payload)}, nil

	default:
		return nil, errors.Errorf("unknown record type %d", uint8(t))
	}
}

// payloads may point into a mapped segment which is unmapped once the
// iterator moves on
func copyBytes(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
