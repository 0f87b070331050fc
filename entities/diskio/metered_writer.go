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

package diskio

import (
	"io"
)

type MeteredWriterCallback func(written int64)

type MeteredWriter struct {
	w  io.Writer
	cb MeteredWriterCallback
}

func (m *MeteredWriter) Write(p []byte) (n int, err error) {
	n, err = m.w.Write(p)
	if n > 0 && m.cb != nil {
		m.cb(int64(n))
	}

	return
}

func NewMeteredWriter(w io.Writer, cb MeteredWriterCallback) *MeteredWriter {
	return &MeteredWriter{
		w:  w,
		cb: cb,
	}
}

type MeteredWriterAt struct {
	w  io.WriterAt
	cb MeteredWriterCallback
}

func (m *MeteredWriterAt) WriteAt(p []byte, off int64) (n int, err error) {
	n, err = m.w.WriteAt(p, off)
	if n > 0 && m.cb != nil {
		m.cb(int64(n))
	}
	return
}

func NewMeteredWriterAt(w io.WriterAt, cb MeteredWriterCallback) *MeteredWriterAt {
	return &MeteredWriterAt{w: w, cb: cb}
}
