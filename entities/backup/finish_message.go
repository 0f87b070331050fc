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
	"fmt"

	"github.com/weaviate/gridstore/entities/message"
)

// FinishMessageType tags FinishMessage on the wire.
const FinishMessageType message.Type = 160

// FinishMessage tells the coordinator of a backup whether the sending node
// completed its local part.
type FinishMessage struct {
	BackupID int64
	Success  bool
}

func (m *FinishMessage) Type() message.Type {
	return FinishMessageType
}

func (m *FinishMessage) WriteTo(w *message.Writer) bool {
	if !w.WriteHeader(m.Type()) {
		return false
	}

	switch w.State() {
	case 0:
		if !w.WriteInt64(m.BackupID) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 1:
		if !w.WriteBool(m.Success) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (m *FinishMessage) ReadFrom(r *message.Reader) bool {
	switch r.State() {
	case 0:
		id, ok := r.ReadInt64()
		if !ok {
			return false
		}
		m.BackupID = id
		r.IncrementState()
		fallthrough
	case 1:
		success, ok := r.ReadBool()
		if !ok {
			return false
		}
		m.Success = success
		r.IncrementState()
	}
	return true
}

func (m *FinishMessage) String() string {
	return fmt.Sprintf("FinishMessage[backupId=%d, success=%v]", m.BackupID, m.Success)
}

// RegisterMessages adds the messages of this package to f.
func RegisterMessages(f *message.Factory) error {
	return f.Register(FinishMessageType, func() message.Message { return &FinishMessage{} })
}
