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
	"context"
	"sync"

	"github.com/pkg/errors"
)

type (
	// indicates whether the owning cycle manager was asked to stop, long
	// running callbacks should check it and return early
	ShouldAbortCallback func() bool
	// return value indicates whether actual work was done in the cycle
	CycleCallback func(shouldAbort ShouldAbortCallback) bool
)

type CycleManager interface {
	Start()
	Stop(ctx context.Context) chan bool
	StopAndWait(ctx context.Context) error
	Running() bool
}

type cycleManager struct {
	sync.RWMutex

	callback    CycleCallback
	cycleTicker CycleTicker
	running     bool
	stopSignal  chan struct{}

	stopContexts []context.Context
	stopResults  []chan bool
}

// NewManager runs callback on every tick of cycleTicker once started.
func NewManager(cycleTicker CycleTicker, callback CycleCallback) CycleManager {
	return &cycleManager{
		callback:    callback,
		cycleTicker: cycleTicker,
		stopSignal:  make(chan struct{}, 1),
	}
}

// Starts instance, does not block
// Does nothing if instance is already started
func (c *cycleManager) Start() {
	c.Lock()
	defer c.Unlock()

	if c.running {
		return
	}

	go func() {
		c.cycleTicker.Start()
		defer c.cycleTicker.Stop()

		for {
			if c.isStopRequested() {
				c.Lock()
				if c.shouldStop() {
					c.handleStopRequest(true)
					c.Unlock()
					return
				}
				c.handleStopRequest(false)
				c.Unlock()
				continue
			}
			c.cycleTicker.CycleExecuted(c.callback(c.shouldAbortCycle))
		}
	}()

	c.running = true
}

// Stop does not block, the returned channel yields whether the instance was
// stopped. A stop request whose every context expired before being handled
// leaves the instance running.
func (c *cycleManager) Stop(ctx context.Context) chan bool {
	c.Lock()
	defer c.Unlock()

	stopResult := make(chan bool, 1)
	if !c.running {
		stopResult <- true
		close(stopResult)
		return stopResult
	}

	if len(c.stopContexts) == 0 {
		c.stopSignal <- struct{}{}
	}
	c.stopContexts = append(c.stopContexts, ctx)
	c.stopResults = append(c.stopResults, stopResult)

	return stopResult
}

func (c *cycleManager) StopAndWait(ctx context.Context) error {
	stop := c.Stop(ctx)

	select {
	case <-ctx.Done():
		// stop may have been handled at the same time
		select {
		case stopped := <-stop:
			if stopped {
				return nil
			}
		default:
		}
		return ctx.Err()
	case stopped := <-stop:
		if !stopped {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.New("failed to stop cycle")
		}
	}
	return nil
}

func (c *cycleManager) Running() bool {
	c.RLock()
	defer c.RUnlock()

	return c.running
}

func (c *cycleManager) shouldStop() bool {
	for _, ctx := range c.stopContexts {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

func (c *cycleManager) shouldAbortCycle() bool {
	c.RLock()
	defer c.RUnlock()

	return c.shouldStop()
}

func (c *cycleManager) isStopRequested() bool {
	select {
	case <-c.stopSignal:
	case <-c.cycleTicker.C():
		// stop has priority in case both were ready
		select {
		case <-c.stopSignal:
		default:
			return false
		}
	}
	return true
}

func (c *cycleManager) handleStopRequest(stopped bool) {
	for _, stopResult := range c.stopResults {
		stopResult <- stopped
		close(stopResult)
	}
	c.running = !stopped
	c.stopContexts = nil
	c.stopResults = nil
}

func NewNoop() CycleManager {
	return &noopCycleManager{}
}

type noopCycleManager struct {
	running bool
}

func (c *noopCycleManager) Start() {
	c.running = true
}

func (c *noopCycleManager) Stop(ctx context.Context) chan bool {
	ch := make(chan bool, 1)
	if c.running && ctx.Err() != nil {
		ch <- false
	} else {
		c.running = false
		ch <- true
	}
	close(ch)
	return ch
}

func (c *noopCycleManager) StopAndWait(ctx context.Context) error {
	if <-c.Stop(ctx) {
		return nil
	}
	return ctx.Err()
}

func (c *noopCycleManager) Running() bool {
	return c.running
}
