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

package recovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/gridstore/adapters/repos/checkpoint"
	"github.com/weaviate/gridstore/adapters/repos/pagemem"
	"github.com/weaviate/gridstore/adapters/repos/pagestore"
	"github.com/weaviate/gridstore/adapters/repos/wal"
	"github.com/weaviate/gridstore/entities/pages"
	"github.com/weaviate/gridstore/entities/storagestate"
)

const testPageSize = 512

type node struct {
	t      *testing.T
	dir    string
	logger *logrus.Logger
	hook   *test.Hook

	wal   *wal.Manager
	store *pagestore.Store
	mem   *pagemem.PageMemory
	meta  *checkpoint.MetaStore
	state *storagestate.Tracker
}

func walConfig(dir string) wal.Config {
	return wal.Config{
		Dirs: wal.Dirs{
			Work:    filepath.Join(dir, "wal"),
			Archive: filepath.Join(dir, "wal", "archive"),
		},
		Mode:         wal.ModeFsync,
		SegmentSize:  1024,
		WorkSegments: 4,
	}
}

// startNode opens every component on dir, without recovering.
func startNode(t *testing.T, dir string) *node {
	return startNodeWithMemory(t, dir, 1024)
}

func startNodeWithMemory(t *testing.T, dir string, maxPages int) *node {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	n := &node{t: t, dir: dir, logger: logger, hook: hook, state: storagestate.NewTracker()}

	var err error
	n.wal, err = wal.Open(walConfig(dir), logger, nil)
	require.NoError(t, err)
	n.store, err = pagestore.New(filepath.Join(dir, "pages"), testPageSize, logger, nil)
	require.NoError(t, err)
	n.mem, err = pagemem.New(n.store, pagemem.Config{MaxPages: maxPages}, logger, nil)
	require.NoError(t, err)
	n.meta, err = checkpoint.OpenMetaStore(filepath.Join(dir, checkpoint.MetaFileName), logger)
	require.NoError(t, err)
	return n
}

// crash closes the files, dirty pages are lost.
func (n *node) crash() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(n.t, n.wal.Close(ctx))
	require.NoError(n.t, n.store.Close())
	require.NoError(n.t, n.meta.Close())
}

func (n *node) coordinator() *Coordinator {
	return New(walConfig(n.dir).Dirs, n.meta, n.mem, n.store, n.state, n.logger, nil)
}

func (n *node) update(id pages.FullPageID, offset int, data []byte) {
	n.mem.CheckpointReadLock()
	defer n.mem.CheckpointReadUnlock()

	_, err := n.wal.Append(&wal.PageDeltaRecord{PageID: id, Offset: uint32(offset), Data: data})
	require.NoError(n.t, err)
	require.NoError(n.t, n.mem.ApplyDelta(id, offset, data))
}

func (n *node) checkpoint() checkpoint.Entry {
	cp, err := checkpoint.New(context.Background(), checkpoint.Config{WriterThreads: 2},
		n.wal, n.mem, n.store, n.meta, n.logger, nil)
	require.NoError(n.t, err)
	require.NoError(n.t, cp.WaitForCheckpoint(context.Background(), "test"))
	return *cp.LastCheckpoint()
}

func (n *node) page(id pages.FullPageID) []byte {
	buf, err := n.mem.Get(id)
	require.NoError(n.t, err)
	return buf
}

func pageID(idx uint32) pages.FullPageID {
	return pages.FullPageID{GroupID: 1, PartitionID: 0, PageIdx: idx}
}

func value(i int) []byte {
	return []byte(fmt.Sprintf("value-%04d", i))
}

func TestRecovery_WithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	for i := 0; i < 20; i++ {
		n.update(pageID(uint32(i%5)), pages.HeaderSize+10*(i/5), value(i))
	}
	n.crash()

	n = startNode(t, dir)
	defer n.crash()
	res, err := n.coordinator().Run(context.Background())
	require.NoError(t, err)

	assert.Nil(t, res.Checkpoint)
	assert.True(t, res.From.IsZero())
	assert.Equal(t, 20, res.Applied)
	assert.Empty(t, res.Gaps)
	assert.Equal(t, storagestate.StatusReady, n.state.Get())

	for i := 0; i < 20; i++ {
		off := pages.HeaderSize + 10*(i/5)
		assert.Equal(t, value(i), n.page(pageID(uint32(i%5)))[off:off+10])
	}
}

func TestRecovery_FromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	for i := 0; i < 10; i++ {
		n.update(pageID(uint32(i)), pages.HeaderSize, value(i))
	}
	entry := n.checkpoint()
	for i := 10; i < 15; i++ {
		n.update(pageID(uint32(i)), pages.HeaderSize, value(i))
	}
	// overwrite a page flushed by the checkpoint
	n.update(pageID(3), pages.HeaderSize, value(99))
	n.crash()

	n = startNode(t, dir)
	defer n.crash()
	res, err := n.coordinator().Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, entry.ID, res.Checkpoint.ID)
	assert.Equal(t, entry.Pointer, res.From)
	assert.Equal(t, 6, res.Applied)
	assert.True(t, res.From.Less(res.Last))

	for i := 0; i < 15; i++ {
		want := value(i)
		if i == 3 {
			want = value(99)
		}
		assert.Equal(t, want, n.page(pageID(uint32(i)))[pages.HeaderSize:pages.HeaderSize+10], "page %d", i)
	}
}

func TestRecovery_Idempotent(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	for i := 0; i < 10; i++ {
		n.update(pageID(uint32(i%3)), pages.HeaderSize+i, []byte{byte(i)})
	}
	n.checkpoint()
	for i := 0; i < 10; i++ {
		n.update(pageID(uint32(i%4)), pages.HeaderSize+2*i, []byte{byte(100 + i), byte(i)})
	}
	n.crash()

	recovered := func() [][]byte {
		n := startNode(t, dir)
		defer n.crash()
		_, err := n.coordinator().Run(context.Background())
		require.NoError(t, err)

		var out [][]byte
		for i := uint32(0); i < 4; i++ {
			out = append(out, n.page(pageID(i)))
		}
		return out
	}

	first := recovered()
	assert.Equal(t, first, recovered())
}

func TestRecovery_IgnoresIncompleteCheckpoint(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	n.update(pageID(0), pages.HeaderSize, value(1))
	entry := n.checkpoint()
	n.update(pageID(0), pages.HeaderSize, value(2))

	// begin marker without end marker
	require.NoError(t, n.meta.Begin(checkpoint.Entry{ID: entry.ID + 1, Pointer: n.wal.Last()}))
	n.crash()

	n = startNode(t, dir)
	defer n.crash()
	res, err := n.coordinator().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, entry.ID, res.Checkpoint.ID)
	assert.Equal(t, value(2), n.page(pageID(0))[pages.HeaderSize:pages.HeaderSize+10])

	all, err := n.meta.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	var warned bool
	for _, e := range n.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "ignoring checkpoint" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRecovery_MissingSegment(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	for i := 0; i < 60; i++ {
		n.update(pageID(uint32(i%5)), pages.HeaderSize, make([]byte, 100))
	}
	require.Greater(t, n.wal.ActiveSegment(), uint64(4))
	n.crash()

	cfg := walConfig(dir)
	name := fmt.Sprintf("%016d.wal", 3)
	for _, path := range []string{
		filepath.Join(cfg.Work, name),
		filepath.Join(cfg.Archive, name),
		filepath.Join(cfg.Archive, name+".zst"),
	} {
		if err := os.Remove(path); err != nil {
			require.True(t, os.IsNotExist(err))
		}
	}

	n = startNode(t, dir)
	defer n.crash()
	_, err := n.coordinator().Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, wal.ErrSegmentMissing)
	assert.Equal(t, storagestate.StatusFailed, n.state.Get())
}

func TestRecovery_TornTail(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	for i := 0; i < 3; i++ {
		n.update(pageID(uint32(i)), pages.HeaderSize, value(i))
	}
	last := n.wal.Last()
	end := last.End()
	n.crash()

	// a record header whose payload never made it to disk
	torn := make([]byte, 20)
	torn[0] = byte(wal.PageDeltaRecordType)
	binary.LittleEndian.PutUint64(torn[1:], last.Segment)
	binary.LittleEndian.PutUint32(torn[9:], end)
	binary.LittleEndian.PutUint32(torn[13:], 4000)
	f, err := os.OpenFile(filepath.Join(walConfig(dir).Work, fmt.Sprintf("%016d.wal", last.Segment)),
		os.O_WRONLY, 0o666)
	require.NoError(t, err)
	_, err = f.WriteAt(torn, int64(end))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// opening the wal would cut the torn record off, read the files as
	// they were left behind
	logger, _ := test.NewNullLogger()
	store, err := pagestore.New(filepath.Join(dir, "pages"), testPageSize, logger, nil)
	require.NoError(t, err)
	defer store.Close()
	mem, err := pagemem.New(store, pagemem.Config{MaxPages: 64}, logger, nil)
	require.NoError(t, err)
	meta, err := checkpoint.OpenMetaStore(filepath.Join(dir, checkpoint.MetaFileName), logger)
	require.NoError(t, err)
	defer meta.Close()

	res, err := New(walConfig(dir).Dirs, meta, mem, store, storagestate.NewTracker(), logger, nil).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, wal.DirWork, res.Gaps[0].Dir)
	assert.Equal(t, end, res.Gaps[0].Pointer.Offset)
}

func TestRecovery_CustomAndDestroyRecords(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	dropped := pages.FullPageID{GroupID: 7, PartitionID: 1}
	n.update(dropped, pages.HeaderSize, value(1))
	n.update(pageID(0), pages.HeaderSize, value(2))
	_, err := n.wal.Append(&wal.PartitionDestroyRecord{GroupID: 7, PartitionID: wal.AllPartitions})
	require.NoError(t, err)
	_, err = n.wal.Append(&wal.CustomRecord{Tag: 1, Payload: []byte("handled")})
	require.NoError(t, err)
	_, err = n.wal.Append(&wal.CustomRecord{Tag: 2, Payload: []byte("unknown")})
	require.NoError(t, err)
	n.crash()

	n = startNode(t, dir)
	defer n.crash()
	var handled [][]byte
	c := n.coordinator()
	c.RegisterHandler(1, func(ptr wal.Pointer, rec *wal.CustomRecord) error {
		handled = append(handled, rec.Payload)
		return nil
	})
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("handled")}, handled)
	assert.Equal(t, 4, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, make([]byte, 10), n.page(dropped)[pages.HeaderSize:pages.HeaderSize+10])
	assert.Equal(t, value(2), n.page(pageID(0))[pages.HeaderSize:pages.HeaderSize+10])
}

func TestRecovery_HandlerErrorFailsNode(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	_, err := n.wal.Append(&wal.CustomRecord{Tag: 1})
	require.NoError(t, err)
	n.crash()

	n = startNode(t, dir)
	defer n.crash()
	c := n.coordinator()
	c.RegisterHandler(1, func(wal.Pointer, *wal.CustomRecord) error {
		return assert.AnError
	})
	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, storagestate.StatusFailed, n.state.Get())
}

func delta(idx uint32, i int) wal.Record {
	return &wal.PageDeltaRecord{PageID: pageID(idx), Offset: pages.HeaderSize, Data: value(i)}
}

func TestRecovery_DiscardsIncompleteBatches(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	_, err := n.wal.AppendBatch([]wal.Record{delta(0, 1), delta(1, 1)})
	require.NoError(t, err)

	// a batch cut short by a crash, followed by a complete one
	_, err = n.wal.Append(&wal.BatchRecord{Count: 3})
	require.NoError(t, err)
	_, err = n.wal.Append(delta(2, 2))
	require.NoError(t, err)
	_, err = n.wal.AppendBatch([]wal.Record{delta(3, 3)})
	require.NoError(t, err)

	// cut short at the end of the log
	_, err = n.wal.Append(&wal.BatchRecord{Count: 2})
	require.NoError(t, err)
	_, err = n.wal.Append(delta(4, 4))
	require.NoError(t, err)
	n.crash()

	n = startNode(t, dir)
	defer n.crash()
	res, err := n.coordinator().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 2, res.Discarded)
	assert.Equal(t, value(1), n.page(pageID(0))[pages.HeaderSize:pages.HeaderSize+10])
	assert.Equal(t, value(1), n.page(pageID(1))[pages.HeaderSize:pages.HeaderSize+10])
	assert.Equal(t, make([]byte, 10), n.page(pageID(2))[pages.HeaderSize:pages.HeaderSize+10])
	assert.Equal(t, value(3), n.page(pageID(3))[pages.HeaderSize:pages.HeaderSize+10])
	assert.Equal(t, make([]byte, 10), n.page(pageID(4))[pages.HeaderSize:pages.HeaderSize+10])
}

func TestRecovery_BatchInterruptedByOtherRecord(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	_, err := n.wal.Append(&wal.BatchRecord{Count: 2})
	require.NoError(t, err)
	_, err = n.wal.Append(delta(0, 1))
	require.NoError(t, err)
	_, err = n.wal.Append(&wal.CustomRecord{Tag: 9})
	require.NoError(t, err)
	_, err = n.wal.Append(delta(1, 2))
	require.NoError(t, err)
	n.crash()

	n = startNode(t, dir)
	defer n.crash()
	res, err := n.coordinator().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, make([]byte, 10), n.page(pageID(0))[pages.HeaderSize:pages.HeaderSize+10])
	assert.Equal(t, value(2), n.page(pageID(1))[pages.HeaderSize:pages.HeaderSize+10])
}

func TestRecovery_FlushesWhenPageMemoryIsFull(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)
	for i := 0; i < 40; i++ {
		n.update(pageID(uint32(i)), pages.HeaderSize, value(i))
	}
	n.crash()

	n = startNodeWithMemory(t, dir, 16)
	defer n.crash()
	res, err := n.coordinator().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 40, res.Applied)
	assert.Equal(t, 32, res.Flushed)
	assert.Equal(t, storagestate.StatusReady, n.state.Get())
	for i := 0; i < 40; i++ {
		assert.Equal(t, value(i), n.page(pageID(uint32(i)))[pages.HeaderSize:pages.HeaderSize+10])
	}
}
