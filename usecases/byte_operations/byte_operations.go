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

// Package byte_operations provides helper functions to (un-) marshal values from or into a buffer
package byte_operations

import (
	"encoding/binary"
	"errors"
)

const (
	uint16Len = 2
	uint32Len = 4
	uint64Len = 8
)

// ByteOperations reads and writes little endian values at Position. Callers
// check Remaining first, the helpers panic on a buffer overrun.
type ByteOperations struct {
	Position uint64
	Buffer   []byte
}

func (bo *ByteOperations) Remaining() uint64 {
	if bo.Position >= uint64(len(bo.Buffer)) {
		return 0
	}
	return uint64(len(bo.Buffer)) - bo.Position
}

func (bo *ByteOperations) ReadUint64() uint64 {
	bo.Position += uint64Len
	return binary.LittleEndian.Uint64(bo.Buffer[bo.Position-uint64Len : bo.Position])
}

func (bo *ByteOperations) ReadUint32() uint32 {
	bo.Position += uint32Len
	return binary.LittleEndian.Uint32(bo.Buffer[bo.Position-uint32Len : bo.Position])
}

func (bo *ByteOperations) ReadUint16() uint16 {
	bo.Position += uint16Len
	return binary.LittleEndian.Uint16(bo.Buffer[bo.Position-uint16Len : bo.Position])
}

func (bo *ByteOperations) ReadUint8() uint8 {
	bo.Position += 1
	return bo.Buffer[bo.Position-1]
}

// ReadBytesFromBufferWithUint32LengthIndicator returns a subslice of the
// buffer, not a copy.
func (bo *ByteOperations) ReadBytesFromBufferWithUint32LengthIndicator() []byte {
	bo.Position += uint32Len
	bufLen := uint64(binary.LittleEndian.Uint32(bo.Buffer[bo.Position-uint32Len : bo.Position]))

	bo.Position += bufLen
	return bo.Buffer[bo.Position-bufLen : bo.Position]
}

func (bo *ByteOperations) WriteUint64(value uint64) {
	bo.Position += uint64Len
	binary.LittleEndian.PutUint64(bo.Buffer[bo.Position-uint64Len:bo.Position], value)
}

func (bo *ByteOperations) WriteUint32(value uint32) {
	bo.Position += uint32Len
	binary.LittleEndian.PutUint32(bo.Buffer[bo.Position-uint32Len:bo.Position], value)
}

func (bo *ByteOperations) WriteUint16(value uint16) {
	bo.Position += uint16Len
	binary.LittleEndian.PutUint16(bo.Buffer[bo.Position-uint16Len:bo.Position], value)
}

func (bo *ByteOperations) WriteUint8(b uint8) {
	bo.Buffer[bo.Position] = b
	bo.Position += 1
}

// Writes a uint32 length indicator about the buffer that's about to follow,
// then writes the buffer itself
func (bo *ByteOperations) CopyBytesToBufferWithUint32LengthIndicator(copyBytes []byte) error {
	lenCopyBytes := uint32(len(copyBytes))
	bo.Position += uint32Len
	binary.LittleEndian.PutUint32(bo.Buffer[bo.Position-uint32Len:bo.Position], lenCopyBytes)
	bo.Position += uint64(lenCopyBytes)
	numCopiedBytes := copy(bo.Buffer[bo.Position-uint64(lenCopyBytes):bo.Position], copyBytes)
	if numCopiedBytes != int(lenCopyBytes) {
		return errors.New("could not copy data into buffer")
	}
	return nil
}
