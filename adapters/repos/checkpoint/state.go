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

package checkpoint

import (
	"sync"
	"time"
)

type State int32

const (
	StateIdle State = iota
	StateBegin
	StateCollecting
	StateWriting
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateBegin:
		return "BEGIN"
	case StateCollecting:
		return "COLLECTING"
	case StateWriting:
		return "WRITING"
	case StateEnd:
		return "END"
	default:
		return "IDLE"
	}
}

// Progress tracks a requested checkpoint until it finished.
type Progress struct {
	reason string
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	entry   Entry
	err     error
	elapsed time.Duration
}

func newProgress(reason string) *Progress {
	return &Progress{reason: reason, done: make(chan struct{})}
}

func (p *Progress) Reason() string {
	return p.reason
}

// Done is closed once the checkpoint completed or failed.
func (p *Progress) Done() <-chan struct{} {
	return p.done
}

// Err is valid after Done was closed.
func (p *Progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.err
}

// Entry is the finished checkpoint, valid after Done was closed without
// error.
func (p *Progress) Entry() Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.entry
}

func (p *Progress) finish(entry Entry, err error, elapsed time.Duration) {
	p.once.Do(func() {
		p.mu.Lock()
		p.entry, p.err, p.elapsed = entry, err, elapsed
		p.mu.Unlock()
		close(p.done)
	})
}
