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

// Package pages defines how pages are addressed and how the page header is
// laid out. Page Memory, the Page Store and the WAL all agree on it.
package pages

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the part of every page reserved for the header:
	// crc32 (4) | flags (4) | generation (8)
	HeaderSize = 16

	DefaultPageSize = 4096
	MinPageSize     = 256
	MaxPageSize     = 64 * 1024

	// IDSize is the encoded size of a FullPageID
	IDSize = 10
)

const (
	crcOffset        = 0
	flagsOffset      = 4
	generationOffset = 8
)

var ErrChecksumMismatch = errors.New("page checksum mismatch")

// PartitionKey identifies a single page file.
type PartitionKey struct {
	GroupID     uint32
	PartitionID uint16
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%d/%d", k.GroupID, k.PartitionID)
}

// FullPageID addresses a page across the whole node.
type FullPageID struct {
	GroupID     uint32
	PartitionID uint16
	PageIdx     uint32
}

func (id FullPageID) Partition() PartitionKey {
	return PartitionKey{GroupID: id.GroupID, PartitionID: id.PartitionID}
}

func (id FullPageID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.GroupID, id.PartitionID, id.PageIdx)
}

// Less orders page ids by file and then by position within the file, which
// is the order in which checkpoints write them.
func (id FullPageID) Less(other FullPageID) bool {
	if id.GroupID != other.GroupID {
		return id.GroupID < other.GroupID
	}
	if id.PartitionID != other.PartitionID {
		return id.PartitionID < other.PartitionID
	}
	return id.PageIdx < other.PageIdx
}

func PutID(buf []byte, id FullPageID) {
	binary.LittleEndian.PutUint32(buf[0:4], id.GroupID)
	binary.LittleEndian.PutUint16(buf[4:6], id.PartitionID)
	binary.LittleEndian.PutUint32(buf[6:10], id.PageIdx)
}

func ReadID(buf []byte) FullPageID {
	return FullPageID{
		GroupID:     binary.LittleEndian.Uint32(buf[0:4]),
		PartitionID: binary.LittleEndian.Uint16(buf[4:6]),
		PageIdx:     binary.LittleEndian.Uint32(buf[6:10]),
	}
}

func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return errors.Errorf("page size must be a power of two between %d and %d, got %d",
			MinPageSize, MaxPageSize, size)
	}
	return nil
}

func Checksum(page []byte) uint32 {
	return crc32.ChecksumIEEE(page[flagsOffset:])
}

func SetChecksum(page []byte) {
	binary.LittleEndian.PutUint32(page[crcOffset:], Checksum(page))
}

// VerifyChecksum accepts pages which were never written (all zero) as well
// as pages whose stored crc matches their content.
func VerifyChecksum(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[crcOffset:])
	if stored == 0 && isZero(page) {
		return nil
	}
	if actual := Checksum(page); actual != stored {
		return errors.Wrapf(ErrChecksumMismatch, "stored %08x, computed %08x", stored, actual)
	}
	return nil
}

func Generation(page []byte) uint64 {
	return binary.LittleEndian.Uint64(page[generationOffset:])
}

// SetGeneration stamps the id of the checkpoint which flushed the page.
func SetGeneration(page []byte, gen uint64) {
	binary.LittleEndian.PutUint64(page[generationOffset:], gen)
}

func Flags(page []byte) uint32 {
	return binary.LittleEndian.Uint32(page[flagsOffset:])
}

func SetFlags(page []byte, flags uint32) {
	binary.LittleEndian.PutUint32(page[flagsOffset:], flags)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
