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

package wal

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/gridstore/entities/diskio"
	enterrors "github.com/weaviate/gridstore/entities/errors"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

type sealedSegment struct {
	index uint64
	size  int64
}

// archiver copies sealed segments to the archive directory, optionally
// compresses them and hands archived work files back to the writer for
// reuse. All of its state is guarded by its mutex, changes are broadcast
// on cond.
type archiver struct {
	sync.Mutex
	cond *sync.Cond

	dirs         Dirs
	compress     bool
	maxWorkFiles int
	logger       logrus.FieldLogger
	metrics      *monitoring.PrometheusMetrics

	pending     []sealedSegment
	compressing []uint64
	busy        map[uint64]bool
	reusable    []uint64
	workFiles   int
	archived    map[uint64]int64
	stopping    bool
	abandoned   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newArchiver(dirs Dirs, compress bool, maxWorkFiles int, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) *archiver {
	ctx, cancel := context.WithCancel(context.Background())
	a := &archiver{
		dirs:         dirs,
		compress:     compress,
		maxWorkFiles: maxWorkFiles,
		logger:       logger,
		metrics:      metrics,
		busy:         map[uint64]bool{},
		archived:     map[uint64]int64{},
		ctx:          ctx,
		cancel:       cancel,
	}
	a.cond = sync.NewCond(&a.Mutex)
	return a
}

func (a *archiver) start() {
	a.wg.Add(1)
	enterrors.GoWrapper(func() {
		defer a.wg.Done()
		a.archiveLoop()
	}, a.logger)

	if a.compress {
		a.wg.Add(1)
		enterrors.GoWrapper(func() {
			defer a.wg.Done()
			a.compressLoop()
		}, a.logger)
	}
}

// stop lets both loops drain their queues. Once ctx expires pending work is
// abandoned, it is picked up again on the next open.
func (a *archiver) stop(ctx context.Context) error {
	a.Lock()
	a.stopping = true
	a.cond.Broadcast()
	a.Unlock()

	done := make(chan struct{})
	enterrors.GoWrapper(func() {
		a.wg.Wait()
		close(done)
	}, a.logger)

	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return errors.Wrap(ctx.Err(), "wait for archiver")
	}
}

func (a *archiver) enqueue(seg sealedSegment) {
	a.Lock()
	defer a.Unlock()

	a.pending = append(a.pending, seg)
	a.busy[seg.index] = true
	a.cond.Broadcast()
}

// takeWorkFile returns an archived work file to recycle, or reuse=false if
// a new file may be created. Blocks while all work files wait for the
// archiver.
func (a *archiver) takeWorkFile() (index uint64, reuse bool, err error) {
	a.Lock()
	defer a.Unlock()

	for {
		if len(a.reusable) > 0 {
			index = a.reusable[0]
			a.reusable = a.reusable[1:]
			return index, true, nil
		}
		if a.workFiles < a.maxWorkFiles {
			a.workFiles++
			return 0, false, nil
		}
		if a.stopping {
			return 0, false, ErrClosed
		}
		a.logger.WithField("action", "wal_rotate").
			Debug("all work segments wait for archiving, blocking writer")
		a.cond.Wait()
	}
}

func (a *archiver) archiveLoop() {
	for {
		a.Lock()
		for len(a.pending) == 0 && !a.stopping {
			a.cond.Wait()
		}
		if len(a.pending) == 0 {
			a.Unlock()
			return
		}
		seg := a.pending[0]
		a.Unlock()

		op := func() error {
			return a.archiveSegment(seg)
		}
		notify := func(err error, _ time.Duration) {
			a.logger.WithError(err).WithField("segment", seg.index).
				Error("archive wal segment, retrying")
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithMaxElapsedTime(0)), a.ctx), notify); err != nil {
			a.logger.WithError(err).WithField("segment", seg.index).
				Warn("archiving abandoned, segment is archived on next open")
			a.Lock()
			a.abandoned = true
			a.cond.Broadcast()
			a.Unlock()
			return
		}

		a.Lock()
		a.pending = a.pending[1:]
		a.reusable = append(a.reusable, seg.index)
		a.archived[seg.index] = seg.size
		if a.compress {
			a.compressing = append(a.compressing, seg.index)
		} else {
			delete(a.busy, seg.index)
		}
		a.cond.Broadcast()
		count, size := a.archiveStatsLocked()
		a.Unlock()

		a.metrics.SetArchive(count, size)
	}
}

func (a *archiver) archiveSegment(seg sealedSegment) error {
	src := filepath.Join(a.dirs.Work, segmentName(seg.index))
	dst := filepath.Join(a.dirs.Archive, segmentName(seg.index))
	tmp := dst + tmpExt

	in, err := os.Open(src)
	if err != nil {
		return ioErrorf(err, "open sealed segment %d", seg.index)
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return ioErrorf(err, "create archive copy of segment %d", seg.index)
	}
	if _, err := io.CopyN(out, in, seg.size); err != nil {
		out.Close()
		return ioErrorf(err, "copy segment %d", seg.index)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return ioErrorf(err, "fsync archive copy of segment %d", seg.index)
	}
	if err := out.Close(); err != nil {
		return ioErrorf(err, "close archive copy of segment %d", seg.index)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return ioErrorf(err, "rename archive copy of segment %d", seg.index)
	}
	if err := diskio.Fsync(a.dirs.Archive); err != nil {
		return ioErrorf(err, "fsync archive dir")
	}

	a.logger.WithFields(logrus.Fields{
		"action":  "wal_archive",
		"segment": seg.index,
		"path":    dst,
	}).Debug("archived wal segment")
	return nil
}

func (a *archiver) compressLoop() {
	for {
		a.Lock()
		for len(a.compressing) == 0 && !a.stopping {
			a.cond.Wait()
		}
		if a.ctx.Err() != nil {
			a.Unlock()
			return
		}
		if len(a.compressing) == 0 {
			// the archive loop may still add work while draining
			if a.archiveLoopDone() {
				a.Unlock()
				return
			}
			a.cond.Wait()
			a.Unlock()
			continue
		}
		index := a.compressing[0]
		a.Unlock()

		size, err := a.compressSegment(index)
		if err != nil {
			// the plain copy stays valid, compression is retried on next open
			a.logger.WithError(err).WithField("segment", index).
				Error("compress archived wal segment")
		}

		a.Lock()
		a.compressing = a.compressing[1:]
		delete(a.busy, index)
		if err == nil {
			if _, ok := a.archived[index]; ok {
				a.archived[index] = size
			}
		}
		a.cond.Broadcast()
		count, total := a.archiveStatsLocked()
		a.Unlock()

		if err == nil {
			a.metrics.TrackSegmentCompressed()
		}
		a.metrics.SetArchive(count, total)
	}
}

// must be called with the lock held
func (a *archiver) archiveLoopDone() bool {
	return a.stopping && (len(a.pending) == 0 || a.abandoned)
}

// compressSegment replaces the plain archived copy with a zstd compressed
// one. The plain copy is only removed once the compressed file was read
// back and matched the original content.
func (a *archiver) compressSegment(index uint64) (int64, error) {
	plain := filepath.Join(a.dirs.Archive, segmentName(index))
	final := filepath.Join(a.dirs.Archive, compressedName(index))
	tmp := final + tmpExt

	src, err := os.ReadFile(plain)
	if err != nil {
		return 0, ioErrorf(err, "read archived segment %d", index)
	}

	out, err := os.Create(tmp)
	if err != nil {
		return 0, ioErrorf(err, "create compressed segment %d", index)
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		return 0, errors.Wrap(err, "create zstd encoder")
	}
	if _, err := enc.Write(src); err != nil {
		enc.Close()
		out.Close()
		return 0, ioErrorf(err, "compress segment %d", index)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return 0, ioErrorf(err, "finish compressed segment %d", index)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, ioErrorf(err, "fsync compressed segment %d", index)
	}
	if err := out.Close(); err != nil {
		return 0, ioErrorf(err, "close compressed segment %d", index)
	}

	check, err := readCompressed(tmp, nil)
	if err != nil {
		os.Remove(tmp)
		return 0, errors.Wrapf(err, "verify compressed segment %d", index)
	}
	if !bytes.Equal(check.data, src) {
		os.Remove(tmp)
		return 0, errors.Errorf("compressed segment %d does not match its source", index)
	}

	if err := os.Rename(tmp, final); err != nil {
		return 0, ioErrorf(err, "rename compressed segment %d", index)
	}
	if err := diskio.Fsync(a.dirs.Archive); err != nil {
		return 0, ioErrorf(err, "fsync archive dir")
	}
	if err := os.Remove(plain); err != nil {
		return 0, ioErrorf(err, "remove plain archived segment %d", index)
	}

	info, err := os.Stat(final)
	if err != nil {
		return 0, ioErrorf(err, "stat compressed segment %d", index)
	}
	return info.Size(), nil
}

// truncate deletes the oldest archived segments below upTo while the
// archive is larger than maxSize. Segments still being archived or
// compressed are kept.
func (a *archiver) truncate(upTo uint64, maxSize int64) (int, error) {
	a.Lock()
	defer a.Unlock()

	_, total := a.archiveStatsLocked()
	if maxSize <= 0 || total <= maxSize {
		return 0, nil
	}

	indexes := make([]uint64, 0, len(a.archived))
	for index := range a.archived {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	removed := 0
	for _, index := range indexes {
		if total <= maxSize || index >= upTo {
			break
		}
		if a.busy[index] {
			continue
		}
		for _, name := range []string{segmentName(index), compressedName(index)} {
			if err := os.Remove(filepath.Join(a.dirs.Archive, name)); err != nil && !os.IsNotExist(err) {
				return removed, ioErrorf(err, "remove archived segment %d", index)
			}
		}
		total -= a.archived[index]
		delete(a.archived, index)
		a.dropReusableLocked(index)
		removed++
	}

	if removed > 0 {
		if err := diskio.Fsync(a.dirs.Archive); err != nil {
			return removed, ioErrorf(err, "fsync archive dir")
		}
		count, size := a.archiveStatsLocked()
		a.metrics.SetArchive(count, size)
	}
	return removed, nil
}

// dropReusableLocked removes the work copy of a truncated segment so that
// the log never appears to restart below a hole.
func (a *archiver) dropReusableLocked(index uint64) {
	for i, candidate := range a.reusable {
		if candidate != index {
			continue
		}
		if err := os.Remove(filepath.Join(a.dirs.Work, segmentName(index))); err != nil && !os.IsNotExist(err) {
			a.logger.WithError(err).WithField("segment", index).
				Warn("remove work copy of truncated segment")
			return
		}
		a.reusable = append(a.reusable[:i], a.reusable[i+1:]...)
		a.workFiles--
		a.cond.Broadcast()
		return
	}
}

func (a *archiver) archiveStatsLocked() (int, int64) {
	var size int64
	for _, s := range a.archived {
		size += s
	}
	return len(a.archived), size
}

func (a *archiver) stats() (int, int64) {
	a.Lock()
	defer a.Unlock()

	return a.archiveStatsLocked()
}

// cleanTemporary removes half written archive copies of a crashed run.
func cleanTemporary(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ioErrorf(err, "list %s", dir)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), tmpExt) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return ioErrorf(err, "remove %s", entry.Name())
			}
		}
	}
	return nil
}
