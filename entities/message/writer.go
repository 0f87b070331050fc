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
	"github.com/weaviate/gridstore/usecases/byte_operations"
)

const (
	typeLen   = 2
	int64Len  = 8
	boolLen   = 1
	uint32Len = 4
)

// Writer keeps the progress of a single message across buffers. Reset it
// before writing the next message.
type Writer struct {
	bo            byte_operations.ByteOperations
	headerWritten bool
	state         int
}

func NewWriter() *Writer {
	return &Writer{}
}

// SetBuffer continues writing into buf.
func (w *Writer) SetBuffer(buf []byte) {
	w.bo = byte_operations.ByteOperations{Buffer: buf}
}

// Written is the number of bytes written into the current buffer.
func (w *Writer) Written() int {
	return int(w.bo.Position)
}

func (w *Writer) HeaderWritten() bool {
	return w.headerWritten
}

// WriteHeader writes the type tag, a no-op once it was written.
func (w *Writer) WriteHeader(t Type) bool {
	if w.headerWritten {
		return true
	}
	if w.bo.Remaining() < typeLen {
		return false
	}
	w.bo.WriteUint16(uint16(t))
	w.headerWritten = true
	return true
}

// State is the index of the next field to write.
func (w *Writer) State() int {
	return w.state
}

func (w *Writer) IncrementState() {
	w.state++
}

func (w *Writer) Reset() {
	w.headerWritten = false
	w.state = 0
}

func (w *Writer) WriteInt64(v int64) bool {
	if w.bo.Remaining() < int64Len {
		return false
	}
	w.bo.WriteUint64(uint64(v))
	return true
}

func (w *Writer) WriteBool(v bool) bool {
	if w.bo.Remaining() < boolLen {
		return false
	}
	b := uint8(0)
	if v {
		b = 1
	}
	w.bo.WriteUint8(b)
	return true
}

func (w *Writer) WriteString(s string) bool {
	if w.bo.Remaining() < uint64(uint32Len+len(s)) {
		return false
	}
	// cannot fail, the space was checked
	_ = w.bo.CopyBytesToBufferWithUint32LengthIndicator([]byte(s))
	return true
}
