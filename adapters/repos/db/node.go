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

// Package db wires the page store, page memory, WAL, checkpoints and
// recovery into a node serving persistent caches.
package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/gridstore/adapters/repos/checkpoint"
	"github.com/weaviate/gridstore/adapters/repos/pagemem"
	"github.com/weaviate/gridstore/adapters/repos/pagestore"
	"github.com/weaviate/gridstore/adapters/repos/recovery"
	"github.com/weaviate/gridstore/adapters/repos/wal"
	"github.com/weaviate/gridstore/entities/storagestate"
	"github.com/weaviate/gridstore/usecases/config"
	"github.com/weaviate/gridstore/usecases/monitoring"
	"github.com/weaviate/gridstore/usecases/tracing"
)

const ReasonUserRequest = "user request"

type Node struct {
	cfg     config.Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	state   *storagestate.Tracker

	pageSize   int
	partitions PartitionFunc

	store        *pagestore.Store
	mem          *pagemem.PageMemory
	wal          *wal.Manager
	meta         *checkpoint.MetaStore
	checkpointer *checkpoint.Checkpointer
	recovered    *recovery.Result

	mu     sync.Mutex
	caches map[string]*Cache
	groups map[uint32]string
}

// Open starts a node on cfg.Persistence.DataPath. The log is replayed
// before Open returns, a node whose recovery fails is not returned.
func Open(ctx context.Context, cfg config.Config, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics, opts ...Option,
) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if cfg.Tracing.Enabled {
		ctx = tracing.WithFlags(ctx, tracing.AllEnabled())
	}

	n := &Node{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		state:      storagestate.NewTracker(),
		pageSize:   cfg.Persistence.PageSize,
		partitions: NewMurmurPartitions(uint16(cfg.Persistence.Partitions)),
		caches:     map[string]*Cache{},
		groups:     map[uint32]string{},
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := n.open(ctx); err != nil {
		n.state.Set(storagestate.StatusFailed)
		if closeErr := n.close(ctx); closeErr != nil {
			logger.WithField("action", "node_open").WithError(closeErr).
				Warn("close components after failed start")
		}
		return nil, err
	}
	return n, nil
}

func (n *Node) open(ctx context.Context) error {
	p := n.cfg.Persistence

	var err error
	if n.store, err = pagestore.New(p.PageStorePath(), p.PageSize, n.logger, n.metrics); err != nil {
		return err
	}
	if n.mem, err = pagemem.New(n.store, pagemem.Config{
		MaxPages:       n.cfg.PageMemory.MaxPages,
		DirtyThreshold: n.cfg.PageMemory.DirtyPagesThreshold,
	}, n.logger, n.metrics); err != nil {
		return err
	}

	mode, err := wal.ParseMode(n.cfg.WAL.Mode)
	if err != nil {
		return err
	}
	if n.wal, err = wal.Open(wal.Config{
		Dirs:           wal.Dirs{Work: p.WALPath(), Archive: p.WALArchivePath()},
		Mode:           mode,
		SegmentSize:    n.cfg.WAL.SegmentSize,
		WorkSegments:   n.cfg.WAL.WorkSegments,
		Compression:    n.cfg.WAL.CompressionEnabled,
		MaxArchiveSize: n.cfg.WAL.MaxArchiveSize,
		FlushFrequency: n.cfg.WAL.FlushFrequency,
	}, n.logger, n.metrics); err != nil {
		return err
	}

	if err := os.MkdirAll(p.MetaPath(), 0o777); err != nil {
		return errors.Wrapf(err, "create %s", p.MetaPath())
	}
	if n.meta, err = checkpoint.OpenMetaStore(
		filepath.Join(p.MetaPath(), checkpoint.MetaFileName), n.logger); err != nil {
		return err
	}

	rec := recovery.New(n.wal.Dirs(), n.meta, n.mem, n.store, n.state, n.logger, n.metrics)
	if n.recovered, err = rec.Run(ctx); err != nil {
		return errors.Wrap(err, "recover")
	}

	if n.checkpointer, err = checkpoint.New(ctx, checkpoint.Config{
		Frequency:     n.cfg.Checkpoint.Frequency,
		WriterThreads: n.cfg.Checkpoint.WriterThreads,
		HistorySize:   n.cfg.Checkpoint.HistorySize,
		Disabled:      n.cfg.Checkpoint.Disabled,
	}, n.wal, n.mem, n.store, n.meta, n.logger, n.metrics); err != nil {
		return err
	}
	n.mem.SetDirtyThresholdCallback(n.checkpointer.RequestOnDirtyPages)
	n.checkpointer.Start()

	n.logger.WithFields(logrus.Fields{
		"action":     "node_open",
		"path":       p.DataPath,
		"partitions": n.partitions.Count(),
		"recovered":  n.recovered.Applied,
	}).Info("node is ready")
	return nil
}

// Cache returns the cache called name, creating it on first use.
func (n *Node) Cache(name string) (*Cache, error) {
	if err := n.state.CheckReadable(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.caches[name]; ok {
		return c, nil
	}
	c := newCache(n, name)
	if other, ok := n.groups[c.group]; ok {
		return nil, errors.Errorf("cache %q collides with cache %q, choose another name", name, other)
	}
	n.caches[name] = c
	n.groups[c.group] = name
	return c, nil
}

// DestroyCache removes the cache and all of its pages. It is logged before
// any file is removed, so recovery repeats it.
func (n *Node) DestroyCache(ctx context.Context, name string) error {
	if err := n.state.CheckWritable(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.caches[name]
	if !ok {
		// persisted by an earlier run
		c = newCache(n, name)
	}
	c.Lock()
	defer c.Unlock()
	c.destroyed = true
	delete(n.caches, name)
	delete(n.groups, c.group)

	return n.checkpointer.RunExclusive(func() error {
		n.mem.CheckpointReadLock()
		ptr, err := n.wal.Append(&wal.PartitionDestroyRecord{GroupID: c.group, PartitionID: wal.AllPartitions})
		n.mem.CheckpointReadUnlock()
		if err != nil {
			return errors.Wrapf(err, "log destroy of cache %q", name)
		}
		if err := n.wal.Flush(ptr); err != nil {
			return errors.Wrapf(err, "log destroy of cache %q", name)
		}

		dropped := n.mem.DropGroup(c.group)
		n.logger.WithFields(logrus.Fields{
			"action": "destroy_cache",
			"cache":  name,
			"pages":  dropped,
		}).Info("cache destroyed")
		return n.store.DropGroup(c.group)
	})
}

// EnableCheckpoints toggles periodic checkpoints, e.g. to keep the page
// store untouched while it is copied. Forced checkpoints still run.
func (n *Node) EnableCheckpoints(enabled bool) {
	n.checkpointer.EnableCheckpoints(enabled)
}

// WaitForCheckpoint forces a checkpoint and waits for it to complete.
func (n *Node) WaitForCheckpoint(ctx context.Context) error {
	return n.checkpointer.WaitForCheckpoint(ctx, ReasonUserRequest)
}

func (n *Node) ArchivedSegments() int {
	return n.wal.ArchivedSegments()
}

func (n *Node) Status() storagestate.Status {
	return n.state.Get()
}

// Recovery describes the replay which ran on Open.
func (n *Node) Recovery() *recovery.Result {
	return n.recovered
}

type Stats struct {
	Status           storagestate.Status
	ActiveSegment    uint64
	ArchivedSegments int
	ArchiveSize      int64
	LoadedPages      int
	DirtyPages       int
	CheckpointState  checkpoint.State
	LastCheckpoint   *checkpoint.Entry
}

func (n *Node) Stats() Stats {
	return Stats{
		Status:           n.state.Get(),
		ActiveSegment:    n.wal.ActiveSegment(),
		ArchivedSegments: n.wal.ArchivedSegments(),
		ArchiveSize:      n.wal.ArchiveSize(),
		LoadedPages:      n.mem.Loaded(),
		DirtyPages:       n.mem.DirtyCount(),
		CheckpointState:  n.checkpointer.State(),
		LastCheckpoint:   n.checkpointer.LastCheckpoint(),
	}
}

// CacheStats describes what the page store holds of a cache, including
// caches persisted by earlier runs which were not opened yet.
type CacheStats struct {
	Name       string
	Partitions int
	// page slots spanned by the partition files
	StoredPages uint64
}

func (n *Node) CacheStats(name string) (CacheStats, error) {
	out := CacheStats{Name: name}
	keys, err := n.store.Partitions(groupID(name))
	if err != nil {
		return out, errors.Wrapf(err, "stats of cache %q", name)
	}
	out.Partitions = len(keys)
	for _, key := range keys {
		count, err := n.store.PageCount(key)
		if err != nil {
			return out, errors.Wrapf(err, "stats of cache %q", name)
		}
		out.StoredPages += uint64(count)
	}
	return out, nil
}

// maxTxPages bounds the pages a single operation may pin.
func (n *Node) maxTxPages() int {
	return n.cfg.PageMemory.MaxPages / 2
}

// Shutdown writes a final checkpoint and closes all files.
func (n *Node) Shutdown(ctx context.Context) error {
	if err := n.state.Set(storagestate.StatusShutdown); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return n.close(ctx)
}

func (n *Node) close(ctx context.Context) error {
	var result *multierror.Error
	if n.checkpointer != nil {
		result = multierror.Append(result, n.checkpointer.Shutdown(ctx, n.recovered != nil))
	}
	if n.wal != nil {
		result = multierror.Append(result, n.wal.Close(ctx))
	}
	if n.meta != nil {
		result = multierror.Append(result, n.meta.Close())
	}
	if n.store != nil {
		result = multierror.Append(result, n.store.Close())
	}
	return result.ErrorOrNil()
}
