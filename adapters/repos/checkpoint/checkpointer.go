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

// Package checkpoint periodically writes the dirty pages of page memory to
// the page store, which bounds how much of the WAL recovery has to replay.
package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weaviate/gridstore/adapters/repos/pagemem"
	"github.com/weaviate/gridstore/adapters/repos/wal"
	"github.com/weaviate/gridstore/entities/cyclemanager"
	enterrors "github.com/weaviate/gridstore/entities/errors"
	"github.com/weaviate/gridstore/entities/pages"
	"github.com/weaviate/gridstore/usecases/monitoring"
	"github.com/weaviate/gridstore/usecases/tracing"
)

const (
	ReasonTimeout    = "timeout"
	ReasonDirtyPages = "too many dirty pages"
	ReasonShutdown   = "node stop"

	// pages copied per writer before the WAL is flushed and the copies are
	// written
	writeBatchSize = 64
)

type WAL interface {
	Append(r wal.Record) (wal.Pointer, error)
	Flush(upTo wal.Pointer) error
	Release(upTo wal.Pointer) error
}

type PageMemory interface {
	PageSize() int
	CheckpointWriteLock()
	CheckpointWriteUnlock()
	CollectDirtyPages() []pages.FullPageID
	CopyPage(id pages.FullPageID, dst []byte) (*pagemem.Page, bool)
	Redirty(ids []pages.FullPageID)
	NextEpoch()
}

type PageStore interface {
	Write(id pages.FullPageID, page []byte) error
	Sync() error
}

type Config struct {
	Frequency     time.Duration
	WriterThreads int
	HistorySize   int
	Disabled      bool
}

type Checkpointer struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	wal   WAL
	mem   PageMemory
	store PageStore
	meta  *MetaStore

	// held for a whole checkpoint run
	runLock sync.Mutex
	state   atomic.Int32
	enabled atomic.Bool
	nextID  uint64
	last    atomic.Pointer[Entry]

	mu        sync.Mutex
	requested *Progress
	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	started   bool

	cycle cyclemanager.CycleManager
	// for spans of background checkpoints
	ctx context.Context
}

func New(ctx context.Context, cfg Config, w WAL, mem PageMemory, store PageStore, meta *MetaStore,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) (*Checkpointer, error) {
	if cfg.WriterThreads <= 0 {
		cfg.WriterThreads = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1
	}

	nextID, err := meta.NextID()
	if err != nil {
		return nil, err
	}
	last, err := meta.Latest()
	if err != nil {
		return nil, err
	}

	c := &Checkpointer{
		cfg:     cfg,
		logger:  logger.WithField("component", "checkpointer"),
		metrics: metrics,
		wal:     w,
		mem:     mem,
		store:   store,
		meta:    meta,
		nextID:  nextID,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		cycle:   cyclemanager.NewNoop(),
		ctx:     ctx,
	}
	if last != nil {
		c.last.Store(last)
	}
	c.enabled.Store(!cfg.Disabled)
	if cfg.Frequency > 0 {
		c.cycle = cyclemanager.NewManager(cyclemanager.NewFixedTicker(cfg.Frequency), c.onTimeout)
	}
	return c, nil
}

// Start runs checkpoints in the background until Shutdown.
func (c *Checkpointer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	c.started = true

	enterrors.GoWrapper(func() {
		defer close(c.stopped)
		for {
			select {
			case <-c.stop:
				return
			case <-c.wake:
				c.runRequested()
			}
		}
	}, c.logger)
	c.cycle.Start()
}

// EnableCheckpoints toggles periodic checkpoints. Checkpoints already
// running finish, forced ones run regardless.
func (c *Checkpointer) EnableCheckpoints(enabled bool) {
	c.enabled.Store(enabled)
	c.logger.WithField("action", "enable_checkpoints").
		Infof("checkpoints enabled: %v", enabled)
}

func (c *Checkpointer) Enabled() bool {
	return c.enabled.Load()
}

func (c *Checkpointer) State() State {
	return State(c.state.Load())
}

// LastCheckpoint is the newest completed checkpoint, nil if there is none.
func (c *Checkpointer) LastCheckpoint() *Entry {
	return c.last.Load()
}

// ForceCheckpoint requests a checkpoint which starts after this call, so
// it covers every change made before it.
func (c *Checkpointer) ForceCheckpoint(reason string) *Progress {
	c.mu.Lock()
	if c.requested == nil {
		c.requested = newProgress(reason)
	}
	p := c.requested
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return p
}

// WaitForCheckpoint forces a checkpoint and waits for it. With the
// background loop not running the checkpoint is run by the caller.
func (c *Checkpointer) WaitForCheckpoint(ctx context.Context, reason string) error {
	p := c.ForceCheckpoint(reason)

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.runRequested()
	}

	select {
	case <-p.Done():
		return p.Err()
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "wait for checkpoint (%s)", reason)
	}
}

// RequestOnDirtyPages is the callback for page memory running full.
func (c *Checkpointer) RequestOnDirtyPages() {
	c.ForceCheckpoint(ReasonDirtyPages)
}

func (c *Checkpointer) onTimeout(shouldAbort cyclemanager.ShouldAbortCallback) bool {
	if !c.enabled.Load() {
		return false
	}
	c.ForceCheckpoint(ReasonTimeout)
	return true
}

// RunExclusive runs fn while no checkpoint is running.
func (c *Checkpointer) RunExclusive(fn func() error) error {
	c.runLock.Lock()
	defer c.runLock.Unlock()

	return fn()
}

func (c *Checkpointer) runRequested() {
	c.runLock.Lock()
	defer c.runLock.Unlock()

	c.mu.Lock()
	p := c.requested
	c.requested = nil
	c.mu.Unlock()
	if p == nil {
		return
	}

	start := time.Now()
	entry, err := c.checkpoint(c.ctx, p.reason)
	p.finish(entry, err, time.Since(start))
}

// checkpoint runs BEGIN, COLLECTING, WRITING and END. Must be called with
// runLock held.
func (c *Checkpointer) checkpoint(ctx context.Context, reason string) (entry Entry, err error) {
	start := time.Now()
	id := c.nextID
	c.nextID++

	ctx, span := tracing.StartSpan(ctx, tracing.PathCheckpoint, "checkpoint",
		attribute.Int64("checkpoint.id", int64(id)),
		attribute.String("checkpoint.reason", reason))
	defer func() { span.End(err) }()

	logger := c.logger.WithFields(logrus.Fields{
		"action":        "checkpoint",
		"checkpoint_id": id,
		"reason":        reason,
	})
	defer c.setState(StateIdle)

	entry = Entry{ID: id, UUID: uuid.New(), Reason: reason, Started: start}

	phase := time.Now()
	c.setState(StateBegin)
	c.mem.CheckpointWriteLock()
	entry.Pointer, err = c.wal.Append(&wal.CheckpointRecord{ID: id, UUID: entry.UUID})
	if err != nil {
		c.mem.CheckpointWriteUnlock()
		c.failed(logger, err)
		return entry, errors.Wrap(err, "append checkpoint record")
	}
	if err = c.meta.Begin(entry); err != nil {
		c.mem.CheckpointWriteUnlock()
		c.failed(logger, err)
		return entry, err
	}
	c.mem.NextEpoch()

	c.setState(StateCollecting)
	dirty := c.mem.CollectDirtyPages()
	c.mem.CheckpointWriteUnlock()
	c.metrics.TrackCheckpointPhase(StateBegin.String(), phase)

	if err = c.wal.Flush(entry.Pointer); err != nil {
		c.mem.Redirty(dirty)
		c.failed(logger, err)
		return entry, errors.Wrap(err, "flush wal")
	}

	phase = time.Now()
	c.setState(StateWriting)
	written, err := c.writePages(ctx, id, dirty)
	if err == nil {
		err = c.store.Sync()
	}
	if err != nil {
		// pages written so far stay, replay from the previous checkpoint
		// reproduces their content
		c.mem.Redirty(dirty)
		c.failed(logger, err)
		return entry, errors.Wrap(err, "write pages")
	}
	c.metrics.TrackCheckpointPhase(StateWriting.String(), phase)
	c.metrics.TrackCheckpointPages(written)

	c.setState(StateEnd)
	entry.Pages = written
	entry.Finished = time.Now()
	entry.Completed = true
	if err = c.meta.Complete(entry); err != nil {
		c.mem.Redirty(dirty)
		c.failed(logger, err)
		return entry, err
	}
	completed := entry
	c.last.Store(&completed)
	c.metrics.TrackCheckpoint("completed")

	if releaseErr := c.wal.Release(entry.Pointer); releaseErr != nil {
		logger.WithError(releaseErr).Warn("release wal after checkpoint")
	}
	if _, pruneErr := c.meta.PruneHistory(c.cfg.HistorySize); pruneErr != nil {
		logger.WithError(pruneErr).Warn("prune checkpoint history")
	}

	logger.WithFields(logrus.Fields{
		"pages":   written,
		"pointer": entry.Pointer.String(),
		"took":    time.Since(start),
	}).Debug("checkpoint finished")
	return entry, nil
}

func (c *Checkpointer) failed(logger logrus.FieldLogger, err error) {
	c.metrics.TrackCheckpoint("failed")
	logger.WithField("state", c.State().String()).WithError(err).
		Error("checkpoint failed, collected pages stay dirty")
}

// writePages copies and writes the collected pages with WriterThreads
// writers. Every batch of copies is only written after the WAL was flushed
// past them, as a copy can contain changes made after COLLECTING.
func (c *Checkpointer) writePages(ctx context.Context, id uint64, dirty []pages.FullPageID) (int, error) {
	var written atomic.Int64
	eg, ctx := enterrors.NewErrorGroupWithContextWrapper(c.logger, ctx)
	eg.SetLimit(c.cfg.WriterThreads)

	pageSize := c.mem.PageSize()
	for start := 0; start < len(dirty); start += writeBatchSize {
		end := start + writeBatchSize
		if end > len(dirty) {
			end = len(dirty)
		}
		batch := dirty[start:end]

		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			buf := make([]byte, len(batch)*pageSize)
			copied := make([]*pagemem.Page, 0, len(batch))
			for _, pageID := range batch {
				page := buf[len(copied)*pageSize : (len(copied)+1)*pageSize]
				h, ok := c.mem.CopyPage(pageID, page)
				if !ok {
					// group dropped in the meantime
					continue
				}
				pages.SetGeneration(page, id)
				copied = append(copied, h)
			}

			flushed := 0
			defer func() {
				for _, h := range copied[flushed:] {
					h.Flushed(false)
				}
			}()
			if err := c.wal.Flush(wal.Pointer{}); err != nil {
				return errors.Wrap(err, "flush wal before writing pages")
			}
			for i, h := range copied {
				err := c.store.Write(h.ID(), buf[i*pageSize:(i+1)*pageSize])
				h.Flushed(err == nil)
				flushed++
				if err != nil {
					return errors.Wrapf(err, "write page %s", h.ID())
				}
			}
			written.Add(int64(len(copied)))
			return nil
		}, batch[0])
	}

	err := eg.Wait()
	return int(written.Load()), err
}

func (c *Checkpointer) setState(s State) {
	c.state.Store(int32(s))
}

// Shutdown stops periodic checkpoints, runs a final one unless disabled by
// final=false and stops the background loop.
func (c *Checkpointer) Shutdown(ctx context.Context, final bool) error {
	if err := c.cycle.StopAndWait(ctx); err != nil {
		return errors.Wrap(err, "stop checkpoint cycle")
	}

	var err error
	if final {
		err = c.WaitForCheckpoint(ctx, ReasonShutdown)
	}

	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()
	if started {
		close(c.stop)
		select {
		case <-c.stopped:
		case <-ctx.Done():
			if err == nil {
				err = errors.Wrap(ctx.Err(), "stop checkpointer")
			}
		}
	}
	return err
}
