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

package storagestate

import (
	"errors"
	"sync"
)

const (
	StatusRecovering Status = "RECOVERING"
	StatusReady      Status = "READY"
	StatusReadOnly   Status = "READONLY"
	StatusFailed     Status = "FAILED"
	StatusShutdown   Status = "SHUTDOWN"
)

var (
	ErrStatusReadOnly   = errors.New("store is read-only")
	ErrStatusNotReady   = errors.New("store is not ready to accept operations")
	ErrInvalidStatus    = errors.New("invalid storage status")
	ErrInvalidStatusHop = errors.New("invalid storage status transition")
)

type Status string

func (s Status) String() string {
	return string(s)
}

func ValidateStatus(in string) (status Status, err error) {
	switch in {
	case string(StatusRecovering):
		status = StatusRecovering
	case string(StatusReady):
		status = StatusReady
	case string(StatusReadOnly):
		status = StatusReadOnly
	case string(StatusFailed):
		status = StatusFailed
	case string(StatusShutdown):
		status = StatusShutdown
	default:
		err = ErrInvalidStatus
	}

	return
}

// allowed transitions; a node which failed recovery never becomes ready
var transitions = map[Status][]Status{
	StatusRecovering: {StatusReady, StatusFailed, StatusShutdown},
	StatusReady:      {StatusReadOnly, StatusShutdown},
	StatusReadOnly:   {StatusReady, StatusShutdown},
	StatusFailed:     {StatusShutdown},
}

// Tracker holds the status of a node. The zero value is not usable, use
// NewTracker.
type Tracker struct {
	sync.RWMutex
	status Status
}

func NewTracker() *Tracker {
	return &Tracker{status: StatusRecovering}
}

func (t *Tracker) Get() Status {
	t.RLock()
	defer t.RUnlock()
	return t.status
}

func (t *Tracker) Set(next Status) error {
	t.Lock()
	defer t.Unlock()

	if t.status == next {
		return nil
	}
	for _, allowed := range transitions[t.status] {
		if allowed == next {
			t.status = next
			return nil
		}
	}
	return ErrInvalidStatusHop
}

// CheckReadable returns an error unless the node serves reads.
func (t *Tracker) CheckReadable() error {
	switch t.Get() {
	case StatusReady, StatusReadOnly:
		return nil
	default:
		return ErrStatusNotReady
	}
}

// CheckWritable returns an error unless the node accepts mutations.
func (t *Tracker) CheckWritable() error {
	switch t.Get() {
	case StatusReady:
		return nil
	case StatusReadOnly:
		return ErrStatusReadOnly
	default:
		return ErrStatusNotReady
	}
}
