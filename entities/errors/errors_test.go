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

package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorGroupWrapper(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("returns first error", func(t *testing.T) {
		eg := NewErrorGroupWrapper(logger)
		eg.Go(func() error { return nil })
		eg.Go(func() error { return errors.New("boom") })
		require.EqualError(t, eg.Wait(), "boom")
	})

	t.Run("turns panics into errors", func(t *testing.T) {
		eg := NewErrorGroupWrapper(logger, "page", 7)
		eg.Go(func() error { panic("unexpected") })
		err := eg.Wait()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected")
	})

	t.Run("respects limit", func(t *testing.T) {
		eg := NewErrorGroupWrapper(logger)
		eg.SetLimit(2)
		var running, maxRunning int32
		for i := 0; i < 10; i++ {
			eg.Go(func() error {
				cur := atomic.AddInt32(&running, 1)
				for {
					prev := atomic.LoadInt32(&maxRunning)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}
		require.NoError(t, eg.Wait())
		assert.LessOrEqual(t, maxRunning, int32(2))
	})

	t.Run("context is cancelled on failure", func(t *testing.T) {
		eg, ctx := NewErrorGroupWithContextWrapper(logger, context.Background())
		eg.Go(func() error { return errors.New("first") })
		eg.Go(func() error {
			<-ctx.Done()
			return nil
		})
		require.EqualError(t, eg.Wait(), "first")
	})
}

func TestTransient(t *testing.T) {
	err := NewOutOfMemory("page memory exhausted")
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(errors.New("disk on fire")))
}

func TestGoWrapperRecovers(t *testing.T) {
	logger, hook := test.NewNullLogger()
	done := make(chan struct{})
	GoWrapper(func() {
		defer close(done)
		panic("in background")
	}, logger)
	<-done

	assert.Eventually(t, func() bool {
		return hook.LastEntry() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "in background", hook.LastEntry().Data["panic"])
}
