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

package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/gridstore/entities/message"
)

func TestFinishMessage_Wire(t *testing.T) {
	msg := &FinishMessage{BackupID: 0x0102030405060708, Success: true}
	raw := message.Marshal(msg)

	assert.Equal(t, []byte{
		160, 0,
		8, 7, 6, 5, 4, 3, 2, 1,
		1,
	}, raw)
}

func TestFinishMessage_ByteByByte(t *testing.T) {
	f := message.NewFactory()
	require.NoError(t, RegisterMessages(f))
	d := message.NewDecoder(f)

	raw := message.Marshal(&FinishMessage{BackupID: -5, Success: false})
	var got []message.Message
	for i := range raw {
		out, err := d.Feed(raw[i : i+1])
		require.NoError(t, err)
		got = append(got, out...)
	}

	require.Len(t, got, 1)
	assert.Equal(t, &FinishMessage{BackupID: -5, Success: false}, got[0])
}

func TestFinishMessage_ResumedWrite(t *testing.T) {
	msg := &FinishMessage{BackupID: 11, Success: true}
	w := message.NewWriter()

	// room for the header only
	buf := make([]byte, 3)
	w.SetBuffer(buf)
	require.False(t, msg.WriteTo(w))
	assert.Equal(t, 2, w.Written())
	out := append([]byte(nil), buf[:w.Written()]...)

	buf = make([]byte, 8)
	w.SetBuffer(buf)
	require.False(t, msg.WriteTo(w))
	assert.Equal(t, 8, w.Written())
	out = append(out, buf...)

	w.SetBuffer(buf)
	require.True(t, msg.WriteTo(w))
	out = append(out, buf[:w.Written()]...)

	assert.Equal(t, message.Marshal(msg), out)
}
