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

// Decoder turns a stream of arbitrarily fragmented chunks into messages. It
// holds the state of one connection and is not safe for concurrent use.
type Decoder struct {
	factory *Factory
	reader  *Reader
	current Message
	// bytes of a field which was split across chunks
	pending []byte
}

func NewDecoder(factory *Factory) *Decoder {
	return &Decoder{factory: factory, reader: NewReader()}
}

// Feed decodes chunk and returns the messages completed by it.
func (d *Decoder) Feed(chunk []byte) ([]Message, error) {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
	}
	d.reader.SetBuffer(buf)

	var out []Message
	for {
		if d.current == nil {
			t, ok := d.reader.ReadType()
			if !ok {
				break
			}
			msg, err := d.factory.Create(t)
			if err != nil {
				d.pending = nil
				return out, err
			}
			d.current = msg
			d.reader.Reset()
		}

		if !d.current.ReadFrom(d.reader) {
			break
		}
		out = append(out, d.current)
		d.current = nil
	}

	d.pending = append([]byte(nil), buf[d.reader.Consumed():]...)
	return out, nil
}

// Partial reports whether a message was started but not finished.
func (d *Decoder) Partial() bool {
	return d.current != nil || len(d.pending) > 0
}
