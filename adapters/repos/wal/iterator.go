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
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/gridstore/usecases/monitoring"
)

// Iterator walks the log in pointer order. It is finite and cannot be
// restarted, Close must be called once done.
//
//	it, err := w.Iterator(from, wal.PolicyDefault)
//	for it.Next() {
//		apply(it.Pointer(), it.Record())
//	}
//	err = it.Err()
type Iterator struct {
	dirs    Dirs
	policy  FailurePolicy
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	// highest segment index known when the iterator was created, anything
	// missing below it is a hole in the log
	highest uint64

	seg      *segmentData
	offset   uint32
	reloaded bool
	// set after yielding a switch record
	switchPending bool

	record Record
	ptr    Pointer
	gaps   []Gap
	err    error
	done   bool
}

// NewIterator reads the log from dirs without a running writer, e.g. for
// offline inspection. A zero from starts at the oldest segment available.
func NewIterator(dirs Dirs, from Pointer, policy FailurePolicy,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) (*Iterator, error) {
	work, err := listSegments(dirs.Work)
	if err != nil {
		return nil, err
	}
	archive, err := listSegments(dirs.Archive)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		dirs:    dirs,
		policy:  policy,
		logger:  logger.WithField("action", "wal_iterate"),
		metrics: metrics,
	}

	lowest, found := uint64(0), false
	for _, set := range []map[uint64]bool{work, archive} {
		for index := range set {
			if !found || index < lowest {
				lowest = index
			}
			if !found || index > it.highest {
				it.highest = index
			}
			found = true
		}
	}
	if !found {
		it.done = true
		return it, nil
	}

	start, offset := lowest, uint32(segmentHeaderLen)
	if !from.IsZero() {
		start, offset = from.Segment, from.Offset
		if start > it.highest {
			it.done = true
			return it, nil
		}
	}

	if err := it.openSegment(start); err != nil {
		it.fail(err)
		return it, nil
	}
	if it.seg == nil {
		it.fail(&SegmentMissingError{Segment: start})
		return it, nil
	}
	if offset > uint32(segmentHeaderLen) {
		it.offset = offset
	}
	return it, nil
}

func (it *Iterator) openSegment(index uint64) error {
	if it.seg != nil {
		it.seg.close()
		it.seg = nil
	}
	seg, err := openSegment(it.dirs, index, it.metrics)
	if err != nil {
		return err
	}
	it.seg = seg
	it.offset = segmentHeaderLen
	it.reloaded = false
	return nil
}

func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.switchPending {
		it.switchPending = false
		if !it.advance() {
			return false
		}
	}

	for {
		if it.offset == segmentHeaderLen {
			if headerIndex, err := parseSegmentHeader(it.seg.data); err != nil || headerIndex != it.seg.index {
				reason := "invalid segment header"
				if err != nil {
					reason = err.Error()
				}
				if !it.corrupt(Pointer{Segment: it.seg.index}, 0, reason) {
					return false
				}
				continue
			}
		}

		res := parseRecord(it.seg.data, it.seg.index, it.offset)
		switch res.outcome {
		case parsedRecord:
			it.record, it.ptr = res.record, res.ptr
			it.offset += res.ptr.Length
			if res.typ == SwitchSegmentRecordType {
				it.switchPending = true
			}
			return true

		case parsedEnd:
			if !it.segmentEnded(res.ptr) {
				return false
			}

		case parsedCorrupt:
			if !it.corrupt(res.ptr, res.typ, res.reason) {
				return false
			}
		}
	}
}

// advance moves to the segment after the current one. Returns false if
// the log ends or the iterator failed.
func (it *Iterator) advance() bool {
	next := it.seg.index + 1
	if err := it.openSegment(next); err != nil {
		it.fail(err)
		return false
	}
	if it.seg != nil {
		return true
	}

	if next <= it.highest {
		it.fail(&SegmentMissingError{Segment: next})
		return false
	}
	it.finish()
	return false
}

// segmentEnded handles a segment without further records. Returns true
// if iteration continues.
func (it *Iterator) segmentEnded(ptr Pointer) bool {
	if !it.nextExists() {
		it.finish()
		return false
	}

	// the writer may have appended and sealed the segment since it was
	// opened, look at it once more
	if !it.reloaded {
		index, offset := it.seg.index, it.offset
		if err := it.openSegment(index); err != nil {
			it.fail(err)
			return false
		}
		if it.seg == nil {
			it.fail(&SegmentMissingError{Segment: index})
			return false
		}
		it.offset, it.reloaded = offset, true
		return true
	}

	return it.corrupt(ptr, 0, "sealed segment ends without switch record")
}

func (it *Iterator) nextExists() bool {
	next := it.seg.index + 1
	for _, path := range []string{
		filepath.Join(it.dirs.Work, segmentName(next)),
		filepath.Join(it.dirs.Archive, segmentName(next)),
		filepath.Join(it.dirs.Archive, compressedName(next)),
	} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// corrupt applies the failure policy. Returns true if iteration continues.
func (it *Iterator) corrupt(ptr Pointer, typ RecordType, reason string) bool {
	dir := it.seg.dir
	if it.policy.Resolve(dir) == PolicyFail {
		it.fail(&CorruptRecordError{Pointer: ptr, Type: typ, Reason: reason})
		return false
	}

	gap := Gap{Pointer: ptr, Dir: dir, Reason: reason}
	it.gaps = append(it.gaps, gap)
	it.metrics.TrackToleratedGap()
	it.logger.WithFields(logrus.Fields{
		"segment": ptr.Segment,
		"offset":  ptr.Offset,
		"dir":     dir.String(),
	}).Warnf("skipping rest of wal segment: %s", reason)

	if !it.nextExists() {
		it.finish()
		return false
	}
	return it.advance()
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.finish()
}

func (it *Iterator) finish() {
	it.done = true
	it.record = nil
	if it.seg != nil {
		it.seg.close()
		it.seg = nil
	}
}

func (it *Iterator) Record() Record {
	return it.record
}

func (it *Iterator) Pointer() Pointer {
	return it.ptr
}

func (it *Iterator) Err() error {
	return it.err
}

// Gaps lists the corruption skipped so far under PolicyTolerate.
func (it *Iterator) Gaps() []Gap {
	return it.gaps
}

func (it *Iterator) Close() error {
	if it.seg == nil {
		return nil
	}
	err := it.seg.close()
	it.seg = nil
	it.done = true
	return err
}
