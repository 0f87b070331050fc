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
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/gridstore/adapters/repos/pagemem"
	"github.com/weaviate/gridstore/adapters/repos/pagestore"
	"github.com/weaviate/gridstore/adapters/repos/wal"
	enterrors "github.com/weaviate/gridstore/entities/errors"
	"github.com/weaviate/gridstore/entities/pages"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

const testPageSize = 512

// failingStore fails writes while fail is set. Writes wait for gate to be
// closed if it is set.
type failingStore struct {
	*pagestore.Store
	fail    atomic.Bool
	writes  atomic.Int32
	gate    chan struct{}
	entered chan struct{}
}

func (f *failingStore) Write(id pages.FullPageID, page []byte) error {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}
	if f.fail.Load() {
		return errors.New("disk on fire")
	}
	f.writes.Add(1)
	return f.Store.Write(id, page)
}

type testEnv struct {
	wal     *wal.Manager
	store   *failingStore
	mem     *pagemem.PageMemory
	meta    *MetaStore
	cp      *Checkpointer
	metrics *monitoring.PrometheusMetrics
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	return newTestEnvWithMemory(t, cfg, 1024, nil)
}

func newTestEnvWithMemory(t *testing.T, cfg Config, maxPages int, gate chan struct{}) *testEnv {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	metrics := monitoring.NewPrometheusMetrics(prometheus.NewPedanticRegistry())

	w, err := wal.Open(wal.Config{
		Dirs: wal.Dirs{
			Work:    filepath.Join(dir, "wal"),
			Archive: filepath.Join(dir, "wal", "archive"),
		},
		Mode:         wal.ModeFsync,
		SegmentSize:  8192,
		WorkSegments: 4,
	}, logger, metrics)
	require.NoError(t, err)

	ps, err := pagestore.New(filepath.Join(dir, "pages"), testPageSize, logger, metrics)
	require.NoError(t, err)
	store := &failingStore{Store: ps, gate: gate, entered: make(chan struct{}, 1)}

	mem, err := pagemem.New(ps, pagemem.Config{MaxPages: maxPages, Segments: 4}, logger, metrics)
	require.NoError(t, err)

	meta := openTestMeta(t, dir)

	cp, err := New(context.Background(), cfg, w, mem, store, meta, logger, metrics)
	require.NoError(t, err)

	env := &testEnv{wal: w, store: store, mem: mem, meta: meta, cp: cp, metrics: metrics}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, cp.Shutdown(ctx, false))
		require.NoError(t, w.Close(ctx))
		require.NoError(t, meta.Close())
		require.NoError(t, ps.Close())
	})
	return env
}

func pageID(idx uint32) pages.FullPageID {
	return pages.FullPageID{GroupID: 3, PartitionID: 1, PageIdx: idx}
}

// update logs and applies a one byte change the way the node does.
func (e *testEnv) update(t *testing.T, id pages.FullPageID, value byte) {
	e.mem.CheckpointReadLock()
	defer e.mem.CheckpointReadUnlock()

	_, err := e.wal.Append(&wal.PageDeltaRecord{PageID: id, Offset: pages.HeaderSize, Data: []byte{value}})
	require.NoError(t, err)
	require.NoError(t, e.mem.ApplyDelta(id, pages.HeaderSize, []byte{value}))
}

func (e *testEnv) stored(t *testing.T, id pages.FullPageID) []byte {
	buf := make([]byte, testPageSize)
	require.NoError(t, e.store.Read(id, buf))
	return buf
}

func TestCheckpointer_WritesDirtyPages(t *testing.T) {
	env := newTestEnv(t, Config{WriterThreads: 3, HistorySize: 2})
	ctx := context.Background()

	// more pages than one write batch
	for i := uint32(0); i < 150; i++ {
		env.update(t, pageID(i), byte(i+1))
	}
	require.Equal(t, 150, env.mem.DirtyCount())

	require.NoError(t, env.cp.WaitForCheckpoint(ctx, "test"))

	assert.Equal(t, StateIdle, env.cp.State())
	assert.Zero(t, env.mem.DirtyCount())
	assert.Equal(t, int32(150), env.store.writes.Load())

	last := env.cp.LastCheckpoint()
	require.NotNil(t, last)
	assert.True(t, last.Completed)
	assert.Equal(t, 150, last.Pages)
	assert.Equal(t, "test", last.Reason)

	for i := uint32(0); i < 150; i++ {
		page := env.stored(t, pageID(i))
		assert.Equal(t, byte(i+1), page[pages.HeaderSize])
		assert.Equal(t, last.ID, pages.Generation(page))
	}

	persisted, err := env.meta.Latest()
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, last.ID, persisted.ID)
	assert.Equal(t, last.Pointer, persisted.Pointer)

	assert.Equal(t, float64(150), testutil.ToFloat64(env.metrics.CheckpointPagesWritten))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(env.metrics.Checkpoints.WithLabelValues("completed")))

	t.Run("checkpoint record is in the log", func(t *testing.T) {
		it, err := env.wal.Iterator(last.Pointer, wal.PolicyFail)
		require.NoError(t, err)
		defer it.Close()

		require.True(t, it.Next())
		rec, ok := it.Record().(*wal.CheckpointRecord)
		require.True(t, ok)
		assert.Equal(t, last.ID, rec.ID)
		assert.Equal(t, last.UUID, rec.UUID)
	})

	t.Run("only pages changed since are written again", func(t *testing.T) {
		env.update(t, pageID(7), 99)
		require.NoError(t, env.cp.WaitForCheckpoint(ctx, "test"))

		assert.Equal(t, int32(151), env.store.writes.Load())
		assert.Equal(t, byte(99), env.stored(t, pageID(7))[pages.HeaderSize])
		assert.Equal(t, last.ID+1, env.cp.LastCheckpoint().ID)
	})

	t.Run("history is pruned", func(t *testing.T) {
		require.NoError(t, env.cp.WaitForCheckpoint(ctx, "test"))
		all, err := env.meta.All()
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestCheckpointer_FailureKeepsPagesDirty(t *testing.T) {
	env := newTestEnv(t, Config{WriterThreads: 2})
	ctx := context.Background()

	for i := uint32(0); i < 10; i++ {
		env.update(t, pageID(i), 1)
	}

	env.store.fail.Store(true)
	err := env.cp.WaitForCheckpoint(ctx, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	assert.Equal(t, StateIdle, env.cp.State())
	assert.Equal(t, 10, env.mem.DirtyCount())
	assert.Nil(t, env.cp.LastCheckpoint())
	latest, err := env.meta.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(env.metrics.Checkpoints.WithLabelValues("failed")))

	env.store.fail.Store(false)
	require.NoError(t, env.cp.WaitForCheckpoint(ctx, "test"))
	assert.Zero(t, env.mem.DirtyCount())
	for i := uint32(0); i < 10; i++ {
		assert.Equal(t, byte(1), env.stored(t, pageID(i))[pages.HeaderSize])
	}
}

func TestCheckpointer_ForcedWhileDisabled(t *testing.T) {
	env := newTestEnv(t, Config{Disabled: true})
	assert.False(t, env.cp.Enabled())

	env.update(t, pageID(1), 5)
	require.NoError(t, env.cp.WaitForCheckpoint(context.Background(), "test"))
	assert.Equal(t, byte(5), env.stored(t, pageID(1))[pages.HeaderSize])

	env.cp.EnableCheckpoints(true)
	assert.True(t, env.cp.Enabled())
}

func TestCheckpointer_Background(t *testing.T) {
	t.Run("forced", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.cp.Start()

		env.update(t, pageID(1), 5)
		p := env.cp.ForceCheckpoint("test")
		select {
		case <-p.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("checkpoint did not finish")
		}
		require.NoError(t, p.Err())
		assert.Equal(t, "test", p.Reason())
		assert.Equal(t, 1, p.Entry().Pages)
	})

	t.Run("periodic", func(t *testing.T) {
		env := newTestEnv(t, Config{Frequency: 10 * time.Millisecond})
		env.cp.Start()

		env.update(t, pageID(1), 5)
		assert.Eventually(t, func() bool {
			last := env.cp.LastCheckpoint()
			return last != nil && last.Reason == ReasonTimeout
		}, 10*time.Second, 10*time.Millisecond)
	})

	t.Run("final checkpoint on shutdown", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.cp.Start()

		env.update(t, pageID(2), 8)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, env.cp.Shutdown(ctx, true))

		last := env.cp.LastCheckpoint()
		require.NotNil(t, last)
		assert.Equal(t, ReasonShutdown, last.Reason)
		assert.Equal(t, byte(8), env.stored(t, pageID(2))[pages.HeaderSize])
	})
}

func TestCheckpointer_RunExclusive(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.cp.Start()

	release := make(chan struct{})
	entered := make(chan struct{})
	go env.cp.RunExclusive(func() error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	p := env.cp.ForceCheckpoint("test")
	select {
	case <-p.Done():
		t.Fatal("checkpoint ran during exclusive section")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("checkpoint did not finish")
	}
	require.NoError(t, p.Err())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "BEGIN", StateBegin.String())
	assert.Equal(t, "COLLECTING", StateCollecting.String())
	assert.Equal(t, "WRITING", StateWriting.String())
	assert.Equal(t, "END", StateEnd.String())
}

func TestCheckpointer_PageBeingWrittenIsNotEvicted(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnvWithMemory(t, Config{WriterThreads: 1, HistorySize: 2}, 2, gate)
	ctx := context.Background()

	env.update(t, pageID(0), 7)

	done := make(chan error, 1)
	go func() { done <- env.cp.WaitForCheckpoint(ctx, "test") }()

	select {
	case <-env.store.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("checkpoint did not start writing")
	}

	// page 0 is clean now but its image is not stored yet, it must not make
	// room for other pages
	other, err := env.mem.Acquire(pageID(1))
	require.NoError(t, err)
	_, err = env.mem.Get(pageID(2))
	require.ErrorIs(t, err, enterrors.OutOfMemory)
	other.Release()

	page, err := env.mem.Get(pageID(0))
	require.NoError(t, err)
	assert.Equal(t, byte(7), page[pages.HeaderSize])

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, byte(7), env.stored(t, pageID(0))[pages.HeaderSize])
}
