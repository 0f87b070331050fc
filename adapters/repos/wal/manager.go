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

// Package wal is the write-ahead log: records are appended to bounded
// segments, sealed segments are archived and optionally compressed, and
// iterators replay the log from any pointer.
package wal

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/gridstore/entities/cyclemanager"
	"github.com/weaviate/gridstore/entities/diskio"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

// replaced in tests
var fsync = (*os.File).Sync

type Mode uint8

const (
	// ModeLogOnly hands every record to the OS, Flush makes it durable
	ModeLogOnly Mode = iota
	// ModeFsync makes every record durable before Append returns
	ModeFsync
	// ModeBackground additionally fsyncs periodically
	ModeBackground
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "log_only":
		return ModeLogOnly, nil
	case "fsync":
		return ModeFsync, nil
	case "background":
		return ModeBackground, nil
	default:
		return 0, errors.Errorf("unknown wal mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeFsync:
		return "fsync"
	case ModeBackground:
		return "background"
	default:
		return "log_only"
	}
}

type Config struct {
	Dirs
	Mode           Mode
	SegmentSize    int64
	WorkSegments   int
	Compression    bool
	MaxArchiveSize int64
	FlushFrequency time.Duration
}

func (c Config) validate() error {
	if c.Work == "" || c.Archive == "" {
		return errors.New("work and archive dir must be set")
	}
	if c.SegmentSize < segmentHeaderLen+2*switchRecordLen || c.SegmentSize > 1<<32-1 {
		return errors.Errorf("invalid segment size %d", c.SegmentSize)
	}
	if c.WorkSegments < 2 {
		return errors.Errorf("at least two work segments required, got %d", c.WorkSegments)
	}
	return nil
}

type Manager struct {
	// serializes appends, flushes and rotation
	sync.Mutex

	cfg     Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	active      *os.File
	activeIndex uint64
	offset      uint32
	synced      uint32
	last        Pointer
	closed      bool

	archiver   *archiver
	flushCycle cyclemanager.CycleManager
}

// Open resumes the log found in the configured directories or starts a new
// one. The tail of the last work segment is truncated to its last complete
// record, sealed segments which were not archived yet are queued again.
func Open(cfg Config, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Work, cfg.Archive} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, ioErrorf(err, "create %s", dir)
		}
	}
	if err := cleanTemporary(cfg.Archive); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger.WithField("component", "wal"),
		metrics:    metrics,
		flushCycle: cyclemanager.NewNoop(),
	}
	m.archiver = newArchiver(cfg.Dirs, cfg.Compression, cfg.WorkSegments, m.logger, metrics)

	if err := m.resume(); err != nil {
		if m.active != nil {
			m.active.Close()
		}
		return nil, err
	}

	m.archiver.start()
	if cfg.Mode == ModeBackground {
		m.flushCycle = cyclemanager.NewManager(
			cyclemanager.NewFixedTicker(cfg.FlushFrequency), m.backgroundFlush)
		m.flushCycle.Start()
	}

	count, size := m.archiver.stats()
	metrics.SetArchive(count, size)
	m.logger.WithFields(logrus.Fields{
		"action":  "wal_open",
		"segment": m.activeIndex,
		"offset":  m.offset,
		"mode":    cfg.Mode.String(),
	}).Info("wal opened")
	return m, nil
}

func (m *Manager) resume() error {
	work, err := listSegments(m.cfg.Work)
	if err != nil {
		return err
	}
	archive, err := listSegments(m.cfg.Archive)
	if err != nil {
		return err
	}

	a := m.archiver
	for index, compressed := range archive {
		plain := filepath.Join(m.cfg.Archive, segmentName(index))
		zst := filepath.Join(m.cfg.Archive, compressedName(index))
		if !compressed {
			if exists, _ := diskio.FileExists(zst); exists {
				// crashed after the compressed copy was completed
				if err := os.Remove(plain); err != nil {
					return ioErrorf(err, "remove plain segment %d", index)
				}
				compressed = true
			}
		}
		path := plain
		if compressed {
			path = zst
		}
		info, err := os.Stat(path)
		if err != nil {
			return ioErrorf(err, "stat archived segment %d", index)
		}
		a.archived[index] = info.Size()
		if !compressed && m.cfg.Compression {
			a.compressing = append(a.compressing, index)
			a.busy[index] = true
		}
	}
	sort.Slice(a.compressing, func(i, j int) bool { return a.compressing[i] < a.compressing[j] })

	if len(work) == 0 {
		next := uint64(0)
		for index := range archive {
			if index >= next {
				next = index + 1
			}
		}
		a.workFiles = 1
		return m.createSegment(next)
	}

	indexes := make([]uint64, 0, len(work))
	for index := range work {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	a.workFiles = len(indexes)

	last := indexes[len(indexes)-1]
	for _, index := range indexes[:len(indexes)-1] {
		if _, ok := a.archived[index]; ok {
			a.reusable = append(a.reusable, index)
			continue
		}
		end, _, err := scanSegment(filepath.Join(m.cfg.Work, segmentName(index)), index)
		if err != nil {
			return err
		}
		a.pending = append(a.pending, sealedSegment{index: index, size: int64(end)})
		a.busy[index] = true
	}

	return m.resumeActive(last)
}

// resumeActive continues writing the last work segment, or seals it if it
// already ends with a switch record.
func (m *Manager) resumeActive(index uint64) error {
	path := filepath.Join(m.cfg.Work, segmentName(index))
	end, lastPtr, err := scanSegment(path, index)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return ioErrorf(err, "open segment %d", index)
	}
	if end < segmentHeaderLen {
		if _, err := f.WriteAt(encodeSegmentHeader(index), 0); err != nil {
			f.Close()
			return ioErrorf(err, "write header of segment %d", index)
		}
		end = segmentHeaderLen
	}
	if err := f.Truncate(int64(end)); err != nil {
		f.Close()
		return ioErrorf(err, "truncate segment %d", index)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioErrorf(err, "fsync segment %d", index)
	}

	m.active, m.activeIndex, m.offset, m.synced = f, index, end, end
	m.last = lastPtr.ptr

	if lastPtr.typ == SwitchSegmentRecordType {
		f.Close()
		m.active = nil
		m.archiver.pending = append(m.archiver.pending, sealedSegment{index: index, size: int64(end)})
		m.archiver.busy[index] = true
		return m.openNext()
	}

	if end > segmentHeaderLen {
		m.logger.WithFields(logrus.Fields{
			"action":  "wal_resume",
			"segment": index,
			"offset":  end,
		}).Debug("resuming active segment")
	}
	return nil
}

type lastRecord struct {
	ptr Pointer
	typ RecordType
}

// scanSegment returns the end of the last complete record of a work
// segment, or zero if its header is unusable.
func scanSegment(path string, index uint64) (uint32, lastRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, lastRecord{}, ioErrorf(err, "read segment %d", index)
	}
	if headerIndex, err := parseSegmentHeader(data); err != nil || headerIndex != index {
		return 0, lastRecord{}, nil
	}

	var last lastRecord
	offset := uint32(segmentHeaderLen)
	for {
		res := parseRecord(data, index, offset)
		if res.outcome != parsedRecord {
			return offset, last, nil
		}
		last = lastRecord{ptr: res.ptr, typ: res.typ}
		offset += res.ptr.Length
		if res.typ == SwitchSegmentRecordType {
			return offset, last, nil
		}
	}
}

// Append writes the record and returns where it was written. Safe for
// concurrent use, pointers are handed out in append order.
func (m *Manager) Append(r Record) (Pointer, error) {
	return m.append([]Record{r})
}

// AppendBatch writes a BatchRecord followed by records without interleaving
// appends of other callers and returns where the batch starts. In ModeFsync
// the whole batch is made durable with a single fsync.
func (m *Manager) AppendBatch(records []Record) (Pointer, error) {
	if len(records) == 0 {
		return Pointer{}, nil
	}
	batch := make([]Record, 0, len(records)+1)
	batch = append(batch, &BatchRecord{Count: uint32(len(records))})
	return m.append(append(batch, records...))
}

func (m *Manager) append(records []Record) (Pointer, error) {
	sizes := make([]int, len(records))
	for i, r := range records {
		sizes[i] = recordLen(r)
		if int64(sizes[i]+switchRecordLen) > m.cfg.SegmentSize-segmentHeaderLen {
			return Pointer{}, errors.Wrapf(ErrRecordTooLarge, "%s record of %d bytes", r.Type(), sizes[i])
		}
	}

	m.Lock()
	defer m.Unlock()

	if m.closed {
		return Pointer{}, ErrClosed
	}
	if m.active == nil {
		// a previous rotation failed after sealing
		if err := m.openNext(); err != nil {
			return Pointer{}, err
		}
	}

	var first Pointer
	for i, r := range records {
		if int64(m.offset)+int64(sizes[i])+switchRecordLen > m.cfg.SegmentSize {
			if err := m.rotate(); err != nil {
				return Pointer{}, err
			}
		}
		ptr, err := m.write(r, sizes[i])
		if err != nil {
			return Pointer{}, err
		}
		if i == 0 {
			first = ptr
		}
	}

	if m.cfg.Mode == ModeFsync {
		if err := m.syncActive(); err != nil {
			return Pointer{}, err
		}
	}
	for i, r := range records {
		m.metrics.TrackWALAppend(r.Type().String(), sizes[i])
	}
	return first, nil
}

// must be called with the lock held
func (m *Manager) write(r Record, size int) (Pointer, error) {
	ptr := Pointer{Segment: m.activeIndex, Offset: m.offset, Length: uint32(size)}
	if _, err := m.active.WriteAt(encodeRecord(ptr, r), int64(ptr.Offset)); err != nil {
		return Pointer{}, ioErrorf(err, "write %s record at %s", r.Type(), ptr)
	}
	m.offset += ptr.Length
	m.last = ptr
	return ptr, nil
}

// rotate seals the active segment and continues in a fresh one. Must be
// called with the lock held. Once the switch record is written the segment
// is sealed even if it cannot be synced or closed, the next append then
// continues in a fresh segment.
func (m *Manager) rotate() error {
	if _, err := m.write(&SwitchSegmentRecord{}, switchRecordLen); err != nil {
		return err
	}
	syncErr := m.syncActive()
	closeErr := m.active.Close()
	m.active = nil

	m.archiver.enqueue(sealedSegment{index: m.activeIndex, size: int64(m.offset)})
	m.metrics.TrackSegmentRotation()
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return ioErrorf(closeErr, "close segment %d", m.activeIndex)
	}
	return m.openNext()
}

// openNext makes activeIndex+1 the active segment, recycling an archived
// work file if one is available.
func (m *Manager) openNext() error {
	next := m.activeIndex + 1

	reuseIndex, reuse, err := m.archiver.takeWorkFile()
	if err != nil {
		return err
	}
	if !reuse {
		return m.createSegment(next)
	}

	from := filepath.Join(m.cfg.Work, segmentName(reuseIndex))
	to := filepath.Join(m.cfg.Work, segmentName(next))
	if err := os.Rename(from, to); err != nil {
		return ioErrorf(err, "recycle segment %d as %d", reuseIndex, next)
	}
	f, err := os.OpenFile(to, os.O_RDWR, 0o666)
	if err != nil {
		return ioErrorf(err, "open recycled segment %d", next)
	}
	return m.activate(f, next)
}

func (m *Manager) createSegment(index uint64) error {
	path := filepath.Join(m.cfg.Work, segmentName(index))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return ioErrorf(err, "create segment %d", index)
	}
	return m.activate(f, index)
}

// activate writes the header and makes f the active segment. A recycled
// file keeps the bytes of its previous life beyond the header, they are
// told apart by the position embedded in every record.
func (m *Manager) activate(f *os.File, index uint64) error {
	if _, err := f.WriteAt(encodeSegmentHeader(index), 0); err != nil {
		f.Close()
		return ioErrorf(err, "write header of segment %d", index)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioErrorf(err, "fsync segment %d", index)
	}
	if err := diskio.Fsync(m.cfg.Work); err != nil {
		f.Close()
		return ioErrorf(err, "fsync wal dir")
	}

	m.active, m.activeIndex = f, index
	m.offset, m.synced = segmentHeaderLen, segmentHeaderLen
	return nil
}

// must be called with the lock held
func (m *Manager) syncActive() error {
	if m.active == nil || m.synced == m.offset {
		return nil
	}
	start := time.Now()
	if err := fsync(m.active); err != nil {
		return ioErrorf(err, "fsync segment %d", m.activeIndex)
	}
	m.synced = m.offset
	m.metrics.TrackWALFsync(start)
	return nil
}

// Flush makes every record up to and including upTo durable. A zero upTo
// flushes everything appended so far.
func (m *Manager) Flush(upTo Pointer) error {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return ErrClosed
	}
	if !upTo.IsZero() {
		// sealed segments were synced on rotation
		if upTo.Segment < m.activeIndex {
			return nil
		}
		if upTo.Segment == m.activeIndex && upTo.End() <= m.synced {
			return nil
		}
	}
	return m.syncActive()
}

func (m *Manager) backgroundFlush(shouldAbort cyclemanager.ShouldAbortCallback) bool {
	m.Lock()
	defer m.Unlock()

	if m.closed || m.synced == m.offset {
		return false
	}
	if err := m.syncActive(); err != nil {
		m.logger.WithError(err).WithField("action", "wal_background_flush").
			Error("background fsync failed")
		return false
	}
	return true
}

// Release tells the log that nothing below upTo is needed for recovery
// anymore. Archived segments below it are deleted while the archive exceeds
// its configured size.
func (m *Manager) Release(upTo Pointer) error {
	removed, err := m.archiver.truncate(upTo.Segment, m.cfg.MaxArchiveSize)
	if removed > 0 {
		m.logger.WithFields(logrus.Fields{
			"action":  "wal_truncate_archive",
			"segment": upTo.Segment,
			"removed": removed,
		}).Info("truncated wal archive")
	}
	return err
}

// Iterator replays the log starting at from, see NewIterator.
func (m *Manager) Iterator(from Pointer, policy FailurePolicy) (*Iterator, error) {
	return NewIterator(m.cfg.Dirs, from, policy, m.logger, m.metrics)
}

// Last is the pointer of the most recently appended record.
func (m *Manager) Last() Pointer {
	m.Lock()
	defer m.Unlock()

	return m.last
}

func (m *Manager) ActiveSegment() uint64 {
	m.Lock()
	defer m.Unlock()

	return m.activeIndex
}

func (m *Manager) ArchivedSegments() int {
	count, _ := m.archiver.stats()
	return count
}

func (m *Manager) ArchiveSize() int64 {
	_, size := m.archiver.stats()
	return size
}

func (m *Manager) Dirs() Dirs {
	return m.cfg.Dirs
}

// Close flushes the active segment and waits for the archiver to drain
// until ctx expires.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.flushCycle.StopAndWait(ctx); err != nil {
		return errors.Wrap(err, "stop background flush")
	}

	m.Lock()
	if m.closed {
		m.Unlock()
		return nil
	}
	m.closed = true
	err := m.syncActive()
	if m.active != nil {
		if closeErr := m.active.Close(); closeErr != nil && err == nil {
			err = ioErrorf(closeErr, "close segment %d", m.activeIndex)
		}
	}
	m.Unlock()

	if stopErr := m.archiver.stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}
