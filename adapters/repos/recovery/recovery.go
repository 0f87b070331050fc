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

// Package recovery rebuilds page memory after a restart by replaying the
// WAL from the newest complete checkpoint.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weaviate/gridstore/adapters/repos/checkpoint"
	"github.com/weaviate/gridstore/adapters/repos/pagemem"
	"github.com/weaviate/gridstore/adapters/repos/wal"
	enterrors "github.com/weaviate/gridstore/entities/errors"
	"github.com/weaviate/gridstore/entities/pages"
	"github.com/weaviate/gridstore/entities/storagestate"
	"github.com/weaviate/gridstore/usecases/monitoring"
	"github.com/weaviate/gridstore/usecases/tracing"
)

// records between two context checks
const ctxCheckInterval = 1024

// CustomRecordHandler applies a custom record during replay.
type CustomRecordHandler func(ptr wal.Pointer, rec *wal.CustomRecord) error

type PageMemory interface {
	PageSize() int
	ApplyDelta(id pages.FullPageID, offset int, data []byte) error
	ApplySnapshot(id pages.FullPageID, image []byte) error
	DropGroup(groupID uint32) int
	DropPartition(key pages.PartitionKey) int
	CollectDirtyPages() []pages.FullPageID
	CopyPage(id pages.FullPageID, dst []byte) (*pagemem.Page, bool)
}

type PageStore interface {
	Write(id pages.FullPageID, page []byte) error
	Sync() error
	DropGroup(groupID uint32) error
	DropPartition(key pages.PartitionKey) error
}

// Result summarizes a recovery run.
type Result struct {
	// Checkpoint replay started at, nil if the log was replayed from its
	// start
	Checkpoint *checkpoint.Entry
	From       wal.Pointer
	// Last is the pointer of the last record replayed
	Last    wal.Pointer
	Applied int
	// Skipped counts records without effect on pages, e.g. custom records
	// without a handler
	Skipped int
	// Discarded counts records of batches which were not logged completely
	Discarded int
	// Flushed counts pages written to the page store to make room in page
	// memory during replay
	Flushed int
	Gaps    []wal.Gap
	Took    time.Duration
}

// batch collects the records of a batch until all of them were read.
type batch struct {
	ptr     wal.Pointer
	count   int
	ptrs    []wal.Pointer
	records []wal.Record
}

type Coordinator struct {
	dirs    wal.Dirs
	meta    *checkpoint.MetaStore
	mem     PageMemory
	store   PageStore
	state   *storagestate.Tracker
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	handlers map[uint16]CustomRecordHandler
}

func New(dirs wal.Dirs, meta *checkpoint.MetaStore, mem PageMemory, store PageStore,
	state *storagestate.Tracker, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) *Coordinator {
	return &Coordinator{
		dirs:     dirs,
		meta:     meta,
		mem:      mem,
		store:    store,
		state:    state,
		logger:   logger.WithField("component", "recovery"),
		metrics:  metrics,
		handlers: map[uint16]CustomRecordHandler{},
	}
}

// RegisterHandler routes custom records with the tag to h. Must be called
// before Run.
func (c *Coordinator) RegisterHandler(tag uint16, h CustomRecordHandler) {
	c.handlers[tag] = h
}

// Run replays the log into page memory. On success the node is marked
// ready, on any error it is marked failed and must not serve requests.
func (c *Coordinator) Run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracing.PathRecovery, "recovery")
	defer func() { span.End(err) }()

	res, err = c.run(ctx)
	if err != nil {
		c.logger.WithField("action", "recovery").WithError(err).
			Error("recovery failed, node stays offline")
		if stateErr := c.state.Set(storagestate.StatusFailed); stateErr != nil {
			c.logger.WithError(stateErr).Warn("mark node failed")
		}
		return res, err
	}

	res.Took = time.Since(start)
	c.metrics.TrackRecovery(start)
	span.SetAttributes(
		attribute.Int("recovery.applied", res.Applied),
		attribute.Int("recovery.gaps", len(res.Gaps)))

	fields := logrus.Fields{
		"action":    "recovery",
		"from":      res.From.String(),
		"last":      res.Last.String(),
		"applied":   res.Applied,
		"skipped":   res.Skipped,
		"discarded": res.Discarded,
		"flushed":   res.Flushed,
		"gaps":      len(res.Gaps),
		"took":      res.Took,
	}
	if res.Checkpoint != nil {
		fields["checkpoint_id"] = res.Checkpoint.ID
	}
	c.logger.WithFields(fields).Info("recovery finished")

	if err = c.state.Set(storagestate.StatusReady); err != nil {
		return res, errors.Wrap(err, "mark node ready")
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context) (*Result, error) {
	incomplete, err := c.meta.PruneIncomplete()
	if err != nil {
		return nil, err
	}
	for _, e := range incomplete {
		c.logger.WithFields(logrus.Fields{
			"action":        "recovery",
			"checkpoint_id": e.ID,
			"reason":        e.Reason,
		}).WithError(checkpoint.ErrIncompleteCheckpoint).Warn("ignoring checkpoint")
	}

	latest, err := c.meta.Latest()
	if err != nil {
		return nil, err
	}

	res := &Result{Checkpoint: latest}
	if latest != nil {
		res.From = latest.Pointer
	}

	it, err := wal.NewIterator(c.dirs, res.From, wal.PolicyDefault, c.logger, c.metrics)
	if err != nil {
		return res, err
	}
	defer it.Close()

	var generation uint64
	if latest != nil {
		generation = latest.ID
	}

	var pending *batch
	gaps := 0
	first := true
	for n := 0; it.Next(); n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return res, errors.Wrap(err, "recovery interrupted")
			}
		}

		ptr, rec := it.Pointer(), it.Record()
		if first {
			first = false
			if err := c.verifyStart(latest, ptr, rec); err != nil {
				return res, err
			}
			if latest != nil {
				// the checkpoint's own record
				res.Last = ptr
				continue
			}
		}
		if len(it.Gaps()) != gaps {
			gaps = len(it.Gaps())
			c.discard(res, pending, "gap in wal")
			pending = nil
		}

		switch r := rec.(type) {
		case *wal.SwitchSegmentRecord:
			continue

		case *wal.BatchRecord:
			c.discard(res, pending, "batch started before previous completed")
			pending = nil
			if r.Count > 0 {
				pending = &batch{ptr: ptr, count: int(r.Count)}
			}
			continue

		case *wal.PageDeltaRecord, *wal.PageSnapshotRecord:
			if pending == nil {
				break
			}
			pending.ptrs = append(pending.ptrs, ptr)
			pending.records = append(pending.records, rec)
			if len(pending.records) < pending.count {
				continue
			}
			for i := range pending.records {
				if err := c.replay(res, pending.ptrs[i], pending.records[i], generation); err != nil {
					return res, err
				}
			}
			pending = nil
			continue

		default:
			c.discard(res, pending, "batch interrupted")
			pending = nil
		}

		if err := c.replay(res, ptr, rec, generation); err != nil {
			return res, err
		}
	}
	res.Gaps = it.Gaps()
	if err := it.Err(); err != nil {
		return res, errors.Wrap(err, "read wal")
	}
	c.discard(res, pending, "batch incomplete at end of wal")

	if first && latest != nil {
		return res, &wal.CorruptRecordError{
			Pointer: latest.Pointer,
			Type:    wal.CheckpointRecordType,
			Reason:  fmt.Sprintf("record of checkpoint %d not found", latest.ID),
		}
	}
	return res, nil
}

// replay applies a record, flushing replayed pages to the page store once
// if page memory is exhausted.
func (c *Coordinator) replay(res *Result, ptr wal.Pointer, rec wal.Record, generation uint64) error {
	applied, err := c.apply(ptr, rec)
	if err != nil && enterrors.IsTransient(err) {
		var flushed int
		if flushed, err = c.flush(generation); err != nil {
			return errors.Wrapf(err, "make room to replay %s record at %s", rec.Type(), ptr)
		}
		res.Flushed += flushed
		applied, err = c.apply(ptr, rec)
	}
	if err != nil {
		return errors.Wrapf(err, "replay %s record at %s", rec.Type(), ptr)
	}
	if applied {
		res.Applied++
	} else {
		res.Skipped++
	}
	res.Last = ptr
	c.metrics.TrackRecoveredRecord(rec.Type().String())
	return nil
}

// flush writes every dirty page to the page store. Replaying from the same
// checkpoint on top of these pages yields the same result.
func (c *Coordinator) flush(generation uint64) (int, error) {
	dirty := c.mem.CollectDirtyPages()
	buf := make([]byte, c.mem.PageSize())
	written := 0
	for _, id := range dirty {
		h, ok := c.mem.CopyPage(id, buf)
		if !ok {
			continue
		}
		pages.SetGeneration(buf, generation)
		err := c.store.Write(id, buf)
		h.Flushed(err == nil)
		if err != nil {
			return written, errors.Wrapf(err, "write page %s", id)
		}
		written++
	}
	if err := c.store.Sync(); err != nil {
		return written, err
	}
	c.logger.WithFields(logrus.Fields{
		"action": "recovery_flush",
		"pages":  written,
	}).Debug("page memory full, flushed replayed pages")
	return written, nil
}

func (c *Coordinator) discard(res *Result, b *batch, reason string) {
	if b == nil {
		return
	}
	res.Discarded += len(b.records)
	c.logger.WithFields(logrus.Fields{
		"action":  "recovery",
		"batch":   b.ptr.String(),
		"records": len(b.records),
		"count":   b.count,
	}).Warn("discarding incomplete batch: " + reason)
}

// verifyStart checks the first record replayed. Replay from a checkpoint
// starts at its record, replay without one at the very first segment.
func (c *Coordinator) verifyStart(latest *checkpoint.Entry, ptr wal.Pointer, rec wal.Record) error {
	if latest == nil {
		if ptr.Segment != 0 {
			return &wal.SegmentMissingError{Segment: 0}
		}
		return nil
	}

	cp, ok := rec.(*wal.CheckpointRecord)
	if !ok || ptr != latest.Pointer || cp.ID != latest.ID || cp.UUID != latest.UUID {
		return &wal.CorruptRecordError{
			Pointer: ptr,
			Type:    rec.Type(),
			Reason:  fmt.Sprintf("expected record of checkpoint %d at %s", latest.ID, latest.Pointer),
		}
	}
	return nil
}

// apply replays a single record. Returns false for records without effect.
func (c *Coordinator) apply(ptr wal.Pointer, rec wal.Record) (bool, error) {
	switch r := rec.(type) {
	case *wal.PageDeltaRecord:
		return true, c.mem.ApplyDelta(r.PageID, int(r.Offset), r.Data)

	case *wal.PageSnapshotRecord:
		return true, c.mem.ApplySnapshot(r.PageID, r.Image)

	case *wal.PartitionDestroyRecord:
		if r.PartitionID == wal.AllPartitions {
			c.mem.DropGroup(r.GroupID)
			return true, c.store.DropGroup(r.GroupID)
		}
		key := pages.PartitionKey{GroupID: r.GroupID, PartitionID: r.PartitionID}
		c.mem.DropPartition(key)
		return true, c.store.DropPartition(key)

	case *wal.CustomRecord:
		h, ok := c.handlers[r.Tag]
		if !ok {
			c.logger.WithField("action", "recovery").WithField("tag", r.Tag).
				Debug("no handler for custom record")
			return false, nil
		}
		return true, h(ptr, r)

	default:
		// checkpoints which never completed
		return false, nil
	}
}
