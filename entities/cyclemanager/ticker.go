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

package cyclemanager

import (
	"sync"
	"time"
)

// CycleTicker drives a CycleManager. CycleExecuted lets tickers adapt to
// whether the previous cycle did any work.
type CycleTicker interface {
	Start()
	Stop()
	C() <-chan time.Time
	CycleExecuted(executed bool)
}

type fixedTicker struct {
	sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	c        chan time.Time
	done     chan struct{}
}

// NewFixedTicker ticks every interval regardless of the cycle outcome. A
// non-positive interval produces a ticker which never fires.
func NewFixedTicker(interval time.Duration) CycleTicker {
	if interval <= 0 {
		return newNoopTicker()
	}
	return &fixedTicker{
		interval: interval,
		c:        make(chan time.Time, 1),
	}
}

func (t *fixedTicker) Start() {
	t.Lock()
	defer t.Unlock()

	if t.ticker != nil {
		return
	}
	t.ticker = time.NewTicker(t.interval)
	t.done = make(chan struct{})
	go t.forward(t.ticker, t.done)
}

func (t *fixedTicker) forward(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case tick := <-ticker.C:
			select {
			case t.c <- tick:
			default:
			}
		}
	}
}

func (t *fixedTicker) Stop() {
	t.Lock()
	defer t.Unlock()

	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.done)
	t.ticker = nil
}

func (t *fixedTicker) C() <-chan time.Time {
	return t.c
}

func (t *fixedTicker) CycleExecuted(executed bool) {}

type noopTicker struct {
	c chan time.Time
}

func newNoopTicker() CycleTicker {
	return &noopTicker{c: make(chan time.Time)}
}

func (t *noopTicker) Start()                      {}
func (t *noopTicker) Stop()                       {}
func (t *noopTicker) C() <-chan time.Time         { return t.c }
func (t *noopTicker) CycleExecuted(executed bool) {}
