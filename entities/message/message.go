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

// Package message implements a framed binary format whose writes and reads
// can stop at any field boundary when the transport buffer is full or
// drained, and resume with the next buffer.
//
// A message is its type tag (u16) followed by its fields in a fixed order.
// Fields are never split across buffers, so every buffer must be able to
// hold the largest field.
package message

import (
	"github.com/pkg/errors"
)

type Type uint16

type Message interface {
	Type() Type
	// WriteTo writes the remaining fields into w. Returns false if the
	// buffer of w is full, the write continues with the next buffer.
	WriteTo(w *Writer) bool
	// ReadFrom reads the remaining fields from r. Returns false if the
	// buffer of r is drained, the read continues with the next buffer.
	ReadFrom(r *Reader) bool
}

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrDuplicateType = errors.New("message type already registered")
)

// Factory creates empty messages by type tag.
type Factory struct {
	constructors map[Type]func() Message
}

func NewFactory() *Factory {
	return &Factory{constructors: map[Type]func() Message{}}
}

func (f *Factory) Register(t Type, constructor func() Message) error {
	if _, ok := f.constructors[t]; ok {
		return errors.Wrapf(ErrDuplicateType, "type %d", t)
	}
	f.constructors[t] = constructor
	return nil
}

func (f *Factory) Create(t Type) (Message, error) {
	constructor, ok := f.constructors[t]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "type %d", t)
	}
	return constructor(), nil
}

// Marshal writes the whole message into a single buffer.
func Marshal(msg Message) []byte {
	w := NewWriter()
	var out []byte
	chunk := make([]byte, 256)
	for {
		w.SetBuffer(chunk)
		done := msg.WriteTo(w)
		out = append(out, chunk[:w.Written()]...)
		if done {
			return out
		}
		if w.Written() == 0 {
			// a single field does not fit
			chunk = make([]byte, 2*len(chunk))
		}
	}
}
