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

package message

import (
	"encoding/binary"

	"github.com/weaviate/gridstore/usecases/byte_operations"
)

// Reader keeps the progress of a single message across buffers. Reset it
// before reading the next message.
type Reader struct {
	bo    byte_operations.ByteOperations
	state int
}

func NewReader() *Reader {
	return &Reader{}
}

// SetBuffer continues reading from buf.
func (r *Reader) SetBuffer(buf []byte) {
	r.bo = byte_operations.ByteOperations{Buffer: buf}
}

// Consumed is the number of bytes read from the current buffer.
func (r *Reader) Consumed() int {
	return int(r.bo.Position)
}

// State is the index of the next field to read.
func (r *Reader) State() int {
	return r.state
}

func (r *Reader) IncrementState() {
	r.state++
}

func (r *Reader) Reset() {
	r.state = 0
}

func (r *Reader) ReadType() (Type, bool) {
	if r.bo.Remaining() < typeLen {
		return 0, false
	}
	return Type(r.bo.ReadUint16()), true
}

func (r *Reader) ReadInt64() (int64, bool) {
	if r.bo.Remaining() < int64Len {
		return 0, false
	}
	return int64(r.bo.ReadUint64()), true
}

func (r *Reader) ReadBool() (bool, bool) {
	if r.bo.Remaining() < boolLen {
		return false, false
	}
	return r.bo.ReadUint8() != 0, true
}

func (r *Reader) ReadString() (string, bool) {
	if r.bo.Remaining() < uint32Len {
		return "", false
	}
	start := r.bo.Position
	n := uint64(binary.LittleEndian.Uint32(r.bo.Buffer[start:]))
	if r.bo.Remaining() < uint32Len+n {
		return "", false
	}
	return string(r.bo.ReadBytesFromBufferWithUint32LengthIndicator()), true
}
