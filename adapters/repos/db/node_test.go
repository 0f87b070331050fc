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

package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/gridstore/adapters/repos/wal"
	"github.com/weaviate/gridstore/entities/pages"
	"github.com/weaviate/gridstore/entities/storagestate"
	"github.com/weaviate/gridstore/usecases/config"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Persistence.DataPath = t.TempDir()
	cfg.Persistence.PageSize = 1024
	cfg.Persistence.Partitions = 4
	cfg.WAL.Mode = config.WALModeFsync
	cfg.WAL.SegmentSize = 128 * 1024
	cfg.WAL.WorkSegments = 2
	cfg.Checkpoint.Frequency = time.Hour
	cfg.Checkpoint.Disabled = true
	cfg.PageMemory.MaxPages = 4096
	return cfg
}

func openNode(t *testing.T, cfg config.Config, opts ...Option) *Node {
	t.Helper()
	logger, _ := test.NewNullLogger()
	metrics := monitoring.NewPrometheusMetrics(prometheus.NewPedanticRegistry())
	n, err := Open(context.Background(), cfg, logger, metrics, opts...)
	require.Nil(t, err)
	return n
}

// crash closes the files of the node without a final checkpoint.
func crash(t *testing.T, n *Node) {
	t.Helper()
	ctx := context.Background()
	require.Nil(t, n.checkpointer.Shutdown(ctx, false))
	require.Nil(t, n.wal.Close(ctx))
	require.Nil(t, n.meta.Close())
	require.Nil(t, n.store.Close())
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%04d", i))
}

func value(i int) []byte {
	return []byte(strings.Repeat(fmt.Sprintf("value-%d;", i), i%40+1))
}

func TestNode_RestartAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	const count = 320

	n := openNode(t, cfg)
	assert.Equal(t, storagestate.StatusReady, n.Status())
	c, err := n.Cache("test")
	require.Nil(t, err)

	for i := 0; i < count; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
	}

	n.EnableCheckpoints(true)
	require.Nil(t, n.WaitForCheckpoint(ctx))
	n.EnableCheckpoints(false)
	require.NotNil(t, n.Stats().LastCheckpoint)
	assert.Equal(t, 0, n.Stats().DirtyPages)

	size, err := c.Size(ctx)
	require.Nil(t, err)
	assert.Equal(t, count, size)
	require.Nil(t, n.Shutdown(ctx))
	assert.Equal(t, storagestate.StatusShutdown, n.Status())

	n = openNode(t, cfg)
	defer n.Shutdown(ctx)
	c, err = n.Cache("test")
	require.Nil(t, err)

	size, err = c.Size(ctx)
	require.Nil(t, err)
	assert.Equal(t, count, size)
	for i := 0; i < count; i++ {
		got, ok, err := c.Get(ctx, key(i))
		require.Nil(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, value(i), got)
	}
}

func TestNode_RecoversWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	n := openNode(t, cfg)
	c, err := n.Cache("test")
	require.Nil(t, err)
	for i := 0; i < 100; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
	}
	for i := 0; i < 100; i += 2 {
		removed, err := c.Remove(ctx, key(i))
		require.Nil(t, err)
		assert.True(t, removed)
	}
	crash(t, n)

	n = openNode(t, cfg)
	defer n.Shutdown(ctx)
	assert.Nil(t, n.Recovery().Checkpoint)
	assert.Greater(t, n.Recovery().Applied, 0)

	c, err = n.Cache("test")
	require.Nil(t, err)
	size, err := c.Size(ctx)
	require.Nil(t, err)
	assert.Equal(t, 50, size)

	for i := 0; i < 100; i++ {
		got, ok, err := c.Get(ctx, key(i))
		require.Nil(t, err)
		if i%2 == 0 {
			assert.False(t, ok, "key %d", i)
			continue
		}
		require.True(t, ok, "key %d", i)
		assert.Equal(t, value(i), got)
	}
}

func TestNode_RecoversAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	n := openNode(t, cfg)
	c, err := n.Cache("test")
	require.Nil(t, err)
	for i := 0; i < 50; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
	}
	require.Nil(t, n.WaitForCheckpoint(ctx))
	for i := 50; i < 80; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
	}
	require.Nil(t, c.Put(ctx, key(0), []byte("updated")))
	crash(t, n)

	n = openNode(t, cfg)
	defer n.Shutdown(ctx)
	require.NotNil(t, n.Recovery().Checkpoint)

	c, err = n.Cache("test")
	require.Nil(t, err)
	size, err := c.Size(ctx)
	require.Nil(t, err)
	assert.Equal(t, 80, size)

	got, ok, err := c.Get(ctx, key(0))
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), got)
}

func TestNode_CompressesArchivedSegments(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.WAL.CompressionEnabled = true

	n := openNode(t, cfg)
	defer n.Shutdown(ctx)
	c, err := n.Cache("large")
	require.Nil(t, err)

	big := []byte(strings.Repeat("0123456789abcdef", 64*1024))
	for i := 0; i < 3 && n.ArchivedSegments() == 0; i++ {
		require.Nil(t, c.Put(ctx, []byte("big"), big))
		removed, err := c.Remove(ctx, []byte("big"))
		require.Nil(t, err)
		require.True(t, removed)
	}

	require.Eventually(t, func() bool {
		return n.ArchivedSegments() > 0
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		matches, err := filepath.Glob(filepath.Join(cfg.Persistence.WALArchivePath(), "*.wal.zst"))
		return err == nil && len(matches) > 0
	}, 10*time.Second, 10*time.Millisecond)

	require.Nil(t, c.Put(ctx, []byte("big"), big))
	got, ok, err := c.Get(ctx, []byte("big"))
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, big, got)
}

func TestNode_PartitionOverride(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	pinned := func(key []byte) (uint16, bool) {
		if strings.HasPrefix(string(key), "p3-") {
			return 3, true
		}
		return 0, false
	}
	n := openNode(t, cfg, WithPartitionOverride(pinned))
	defer n.Shutdown(ctx)

	c, err := n.Cache("pinned")
	require.Nil(t, err)
	for i := 0; i < 20; i++ {
		require.Nil(t, c.Put(ctx, []byte(fmt.Sprintf("p3-%d", i)), value(i)))
	}
	require.Nil(t, n.WaitForCheckpoint(ctx))

	keys, err := n.store.Partitions(c.group)
	require.Nil(t, err)
	assert.Equal(t, []pages.PartitionKey{{GroupID: c.group, PartitionID: 3}}, keys)

	assert.Equal(t, uint16(3), n.partitions.Partition([]byte("p3-x")))
	assert.Equal(t, NewMurmurPartitions(4).Partition([]byte("other")),
		n.partitions.Partition([]byte("other")))
}

func TestNode_DestroyCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	n := openNode(t, cfg)
	c, err := n.Cache("doomed")
	require.Nil(t, err)
	kept, err := n.Cache("kept")
	require.Nil(t, err)
	for i := 0; i < 40; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
		require.Nil(t, kept.Put(ctx, key(i), value(i)))
	}
	require.Nil(t, n.WaitForCheckpoint(ctx))
	for i := 40; i < 60; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
	}

	require.Nil(t, n.DestroyCache(ctx, "doomed"))
	_, _, err = c.Get(ctx, key(1))
	assert.ErrorIs(t, err, ErrCacheDestroyed)
	keys, err := n.store.Partitions(c.group)
	require.Nil(t, err)
	assert.Empty(t, keys)

	t.Run("recreated cache is empty", func(t *testing.T) {
		again, err := n.Cache("doomed")
		require.Nil(t, err)
		size, err := again.Size(ctx)
		require.Nil(t, err)
		assert.Equal(t, 0, size)
	})

	crash(t, n)
	n = openNode(t, cfg)
	defer n.Shutdown(ctx)

	again, err := n.Cache("doomed")
	require.Nil(t, err)
	size, err := again.Size(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, size)

	kept, err = n.Cache("kept")
	require.Nil(t, err)
	size, err = kept.Size(ctx)
	require.Nil(t, err)
	assert.Equal(t, 40, size)
}

func TestNode_Stats(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, testConfig(t))
	defer n.Shutdown(ctx)

	c, err := n.Cache("test")
	require.Nil(t, err)
	require.Nil(t, c.Put(ctx, []byte("a"), []byte("b")))

	stats := n.Stats()
	assert.Equal(t, storagestate.StatusReady, stats.Status)
	assert.Equal(t, uint64(0), stats.ActiveSegment)
	assert.Greater(t, stats.LoadedPages, 0)
	assert.Greater(t, stats.DirtyPages, 0)
	assert.Nil(t, stats.LastCheckpoint)
}

func TestNode_CacheStats(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, testConfig(t))
	defer n.Shutdown(ctx)

	c, err := n.Cache("test")
	require.Nil(t, err)
	for i := 0; i < 50; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
	}
	require.Nil(t, n.WaitForCheckpoint(ctx))

	stats, err := n.CacheStats("test")
	require.Nil(t, err)
	assert.Equal(t, "test", stats.Name)
	assert.Greater(t, stats.Partitions, 0)
	assert.LessOrEqual(t, stats.Partitions, 4)
	assert.GreaterOrEqual(t, stats.StoredPages, uint64(stats.Partitions))

	stats, err = n.CacheStats("unknown")
	require.Nil(t, err)
	assert.Zero(t, stats.Partitions)
	assert.Zero(t, stats.StoredPages)
}

// tearPage overwrites the second half of a stored page as an interrupted
// write would leave it. Returns false if the page was never stored.
func tearPage(t *testing.T, cfg config.Config, id pages.FullPageID) bool {
	pageSize := int64(cfg.Persistence.PageSize)
	path := filepath.Join(cfg.Persistence.PageStorePath(),
		fmt.Sprintf("grp-%d", id.GroupID), fmt.Sprintf("part-%d.bin", id.PartitionID))
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	require.Nil(t, err)

	header := info.Size() % pageSize
	offset := header + int64(id.PageIdx)*pageSize
	if offset+pageSize > info.Size() {
		return false
	}
	garbage := make([]byte, pageSize/2)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o666)
	require.Nil(t, err)
	defer f.Close()
	_, err = f.WriteAt(garbage, offset+pageSize/2)
	require.Nil(t, err)
	return true
}

func TestNode_RecoversTornPages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	n := openNode(t, cfg)
	c, err := n.Cache("test")
	require.Nil(t, err)
	for i := 0; i < 50; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i)))
	}
	require.Nil(t, n.WaitForCheckpoint(ctx))
	for i := 0; i < 10; i++ {
		require.Nil(t, c.Put(ctx, key(i), value(i+1)))
	}
	// the pages a checkpoint running at the crash would have been writing
	dirty := n.mem.DirtyPages()
	require.NotEmpty(t, dirty)
	crash(t, n)

	torn := 0
	for _, id := range dirty {
		if tearPage(t, cfg, id) {
			torn++
		}
	}
	require.Greater(t, torn, 0)

	n = openNode(t, cfg)
	defer n.Shutdown(ctx)
	assert.Equal(t, storagestate.StatusReady, n.Status())
	require.NotNil(t, n.Recovery().Checkpoint)

	c, err = n.Cache("test")
	require.Nil(t, err)
	for i := 0; i < 50; i++ {
		want := value(i)
		if i < 10 {
			want = value(i + 1)
		}
		got, ok, err := c.Get(ctx, key(i))
		require.Nil(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, want, got)
	}
}

func TestNode_DiscardsTornOperation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	n := openNode(t, cfg)
	c, err := n.Cache("test")
	require.Nil(t, err)
	require.Nil(t, c.Put(ctx, key(1), value(1)))
	require.Nil(t, c.Put(ctx, key(2), value(2)))
	before := n.wal.Last()
	removed, err := c.Remove(ctx, key(1))
	require.Nil(t, err)
	require.True(t, removed)
	dirs := n.wal.Dirs()
	crash(t, n)

	// keep the batch header and the first change of the remove only
	logger, _ := test.NewNullLogger()
	it, err := wal.NewIterator(dirs, before, wal.PolicyFail, logger, nil)
	require.Nil(t, err)
	var count uint32
	var cut wal.Pointer
	for it.Next() {
		if batch, ok := it.Record().(*wal.BatchRecord); ok {
			count = batch.Count
			continue
		}
		if count > 0 {
			cut = it.Pointer()
			break
		}
	}
	require.Nil(t, it.Err())
	require.Nil(t, it.Close())
	require.GreaterOrEqual(t, count, uint32(2))
	require.Nil(t, os.Truncate(
		filepath.Join(dirs.Work, fmt.Sprintf("%016d.wal", cut.Segment)), int64(cut.End())))

	n = openNode(t, cfg)
	defer n.Shutdown(ctx)
	assert.Equal(t, 1, n.Recovery().Discarded)

	c, err = n.Cache("test")
	require.Nil(t, err)
	got, ok, err := c.Get(ctx, key(1))
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, value(1), got)
	size, err := c.Size(ctx)
	require.Nil(t, err)
	assert.Equal(t, 2, size)

	// the node keeps logging after the discarded batch
	require.Nil(t, c.Put(ctx, key(3), value(3)))
}

func TestNode_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PageMemory.MaxPages = 1
	logger, _ := test.NewNullLogger()

	_, err := Open(context.Background(), cfg, logger, nil)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "maxPages")

	_, err = os.Stat(cfg.Persistence.WALPath())
	assert.True(t, os.IsNotExist(err))
}
