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

// Package pagemem caches pages in memory, tracks which of them are dirty and
// hands consistent copies of dirty pages to checkpoints.
package pagemem

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/gridstore/entities/errors"
	"github.com/weaviate/gridstore/entities/pages"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

const DefaultSegments = 16

// PageStore is the backing storage pages are loaded from.
type PageStore interface {
	Read(id pages.FullPageID, buf []byte) error
	PageSize() int
}

type Config struct {
	MaxPages int
	Segments int
	// DirtyThreshold is the share of MaxPages which may be dirty before
	// OnDirtyThreshold is called
	DirtyThreshold float64
	// OnDirtyThreshold must not block, it is called from mutating paths
	OnDirtyThreshold func()
}

type PageMemory struct {
	store    PageStore
	pageSize int
	logger   logrus.FieldLogger
	metrics  *monitoring.PrometheusMetrics

	segments []*segment
	// held shared by mutators for the duration of WAL append plus page
	// mutation, held exclusively by checkpoints while they begin and
	// collect the dirty set
	checkpointLock sync.RWMutex

	maxPages         int
	dirtyThreshold   int64
	onDirtyThreshold func()

	loaded     atomic.Int64
	dirtyPages atomic.Int64
	// advanced by every checkpoint begin, see Page.ImageLogged
	epoch atomic.Uint64
}

func New(store PageStore, cfg Config, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*PageMemory, error) {
	if cfg.MaxPages <= 0 {
		return nil, errors.Errorf("max pages must be positive, got %d", cfg.MaxPages)
	}
	if cfg.Segments <= 0 {
		cfg.Segments = DefaultSegments
	}
	if cfg.DirtyThreshold <= 0 || cfg.DirtyThreshold > 1 {
		cfg.DirtyThreshold = 0.75
	}

	pm := &PageMemory{
		store:            store,
		pageSize:         store.PageSize(),
		logger:           logger.WithField("component", "page_memory"),
		metrics:          metrics,
		segments:         make([]*segment, cfg.Segments),
		maxPages:         cfg.MaxPages,
		dirtyThreshold:   int64(float64(cfg.MaxPages) * cfg.DirtyThreshold),
		onDirtyThreshold: cfg.OnDirtyThreshold,
	}
	for i := range pm.segments {
		pm.segments[i] = newSegment()
	}
	pm.epoch.Store(1)
	return pm, nil
}

func (pm *PageMemory) PageSize() int {
	return pm.pageSize
}

// SetDirtyThresholdCallback replaces the callback, it is used to wire the
// checkpointer which is created after page memory.
func (pm *PageMemory) SetDirtyThresholdCallback(fn func()) {
	pm.onDirtyThreshold = fn
}

func (pm *PageMemory) segmentFor(id pages.FullPageID) *segment {
	h := uint64(id.GroupID)*0x9e3779b1 ^ uint64(id.PartitionID)<<20 ^ uint64(id.PageIdx)*0x85ebca6b
	return pm.segments[h%uint64(len(pm.segments))]
}

// Acquire pins the page, loading it from the page store if it is not
// resident. Fails with a transient out of memory error if the page would
// need to be loaded but no resident page can be evicted.
func (pm *PageMemory) Acquire(id pages.FullPageID) (*Page, error) {
	return pm.acquire(id, func(buf []byte) error {
		if err := pm.store.Read(id, buf); err != nil {
			return errors.Wrapf(err, "load page %s", id)
		}
		return nil
	})
}

// acquire pins the page and fills a page which is not resident with init.
func (pm *PageMemory) acquire(id pages.FullPageID, init func(buf []byte) error) (*Page, error) {
	seg := pm.segmentFor(id)
	seg.Lock()
	defer seg.Unlock()

	if p, ok := seg.pages[id]; ok {
		p.pins.Add(1)
		return &Page{mem: pm, page: p}, nil
	}

	if pm.loaded.Load() >= int64(pm.maxPages) {
		if !pm.evict(seg) {
			pm.requestCheckpoint()
			return nil, enterrors.NewOutOfMemory(
				"page memory exhausted: all resident pages are dirty or pinned")
		}
	}

	p := &page{id: id, buf: make([]byte, pm.pageSize)}
	if err := init(p.buf); err != nil {
		return nil, err
	}
	p.pins.Add(1)
	seg.pages[id] = p
	pm.loaded.Add(1)
	pm.metrics.SetPageMemory(int(pm.loaded.Load()), int(pm.dirtyPages.Load()))

	return &Page{mem: pm, page: p}, nil
}

// evict frees one slot. The segment of the page being acquired is locked by
// the caller, other segments are only tried without blocking.
func (pm *PageMemory) evict(locked *segment) bool {
	if locked.evictOne() {
		pm.evicted()
		return true
	}
	for _, seg := range pm.segments {
		if seg == locked || !seg.TryLock() {
			continue
		}
		ok := seg.evictOne()
		seg.Unlock()
		if ok {
			pm.evicted()
			return true
		}
	}
	return false
}

func (pm *PageMemory) evicted() {
	pm.loaded.Add(-1)
	pm.metrics.TrackEviction()
}

// Get returns a copy of the page.
func (pm *PageMemory) Get(id pages.FullPageID) ([]byte, error) {
	h, err := pm.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	out := make([]byte, pm.pageSize)
	h.Read(func(buf []byte) { copy(out, buf) })
	return out, nil
}

// Put mutates the page in place and marks it dirty.
func (pm *PageMemory) Put(id pages.FullPageID, mutate func(buf []byte) error) error {
	h, err := pm.Acquire(id)
	if err != nil {
		return err
	}
	defer h.Release()

	return h.Write(mutate)
}

// ApplyDelta copies data into the page at offset.
func (pm *PageMemory) ApplyDelta(id pages.FullPageID, offset int, data []byte) error {
	if offset < pages.HeaderSize || offset+len(data) > pm.pageSize {
		return errors.Errorf("delta [%d, %d) outside of page %s", offset, offset+len(data), id)
	}
	return pm.Put(id, func(buf []byte) error {
		copy(buf[offset:], data)
		return nil
	})
}

// ApplySnapshot replaces the page content with a full image. A page which
// is not resident is not read from the page store, its stored copy may be
// torn.
func (pm *PageMemory) ApplySnapshot(id pages.FullPageID, image []byte) error {
	if len(image) != pm.pageSize {
		return errors.Errorf("snapshot of %d bytes for page %s, page size %d",
			len(image), id, pm.pageSize)
	}
	h, err := pm.acquire(id, func(buf []byte) error { return nil })
	if err != nil {
		return err
	}
	defer h.Release()

	return h.Write(func(buf []byte) error {
		copy(buf, image)
		return nil
	})
}

// NextEpoch is called by a checkpoint right after its begin record was
// logged, while mutators are locked out.
func (pm *PageMemory) NextEpoch() {
	pm.epoch.Add(1)
}

func (pm *PageMemory) markDirty(p *page) {
	if !p.dirty.CompareAndSwap(false, true) {
		return
	}
	seg := pm.segmentFor(p.id)
	seg.Lock()
	seg.dirty[p.id] = struct{}{}
	seg.Unlock()

	if dirty := pm.dirtyPages.Add(1); dirty >= pm.dirtyThreshold {
		pm.requestCheckpoint()
	}
}

func (pm *PageMemory) requestCheckpoint() {
	if pm.onDirtyThreshold != nil {
		pm.onDirtyThreshold()
	}
}

// DirtyPages lists the pages which are dirty and not collected by a running
// checkpoint yet.
func (pm *PageMemory) DirtyPages() []pages.FullPageID {
	var out []pages.FullPageID
	for _, seg := range pm.segments {
		seg.Lock()
		for id := range seg.dirty {
			out = append(out, id)
		}
		seg.Unlock()
	}
	sortIDs(out)
	return out
}

func (pm *PageMemory) DirtyCount() int {
	return int(pm.dirtyPages.Load())
}

func (pm *PageMemory) Loaded() int {
	return int(pm.loaded.Load())
}

// CollectDirtyPages atomically takes over the dirty set of every segment.
// The pages stay flagged dirty, and therefore resident, until CopyPage
// clears them. Callers hold the checkpoint write lock.
func (pm *PageMemory) CollectDirtyPages() []pages.FullPageID {
	var out []pages.FullPageID
	for _, seg := range pm.segments {
		for id := range seg.swapDirty() {
			out = append(out, id)
		}
	}
	sortIDs(out)
	pm.metrics.SetPageMemory(int(pm.loaded.Load()), int(pm.dirtyPages.Load()))
	return out
}

// CopyPage copies a collected page into dst and clears its dirty flag. Any
// mutation after the copy marks the page dirty again. The page stays pinned
// until the caller hands the outcome of writing the copy to Page.Flushed,
// so it is not evicted while the page store still holds an older image.
// Returns false if the page is not resident anymore, i.e. its group was
// dropped.
func (pm *PageMemory) CopyPage(id pages.FullPageID, dst []byte) (*Page, bool) {
	seg := pm.segmentFor(id)
	seg.Lock()
	p, ok := seg.pages[id]
	if ok {
		p.pins.Add(1)
	}
	seg.Unlock()
	if !ok {
		return nil, false
	}

	p.Lock()
	copy(dst, p.buf)
	if p.dirty.CompareAndSwap(true, false) {
		pm.dirtyPages.Add(-1)
	}
	p.Unlock()
	return &Page{mem: pm, page: p}, true
}

// Redirty returns pages of an abandoned checkpoint into the dirty set.
func (pm *PageMemory) Redirty(ids []pages.FullPageID) {
	for _, id := range ids {
		seg := pm.segmentFor(id)
		seg.Lock()
		p, ok := seg.pages[id]
		if ok {
			seg.dirty[id] = struct{}{}
			if p.dirty.CompareAndSwap(false, true) {
				pm.dirtyPages.Add(1)
			}
		}
		seg.Unlock()
	}
}

// DropGroup forgets every page of the group without flushing them.
func (pm *PageMemory) DropGroup(groupID uint32) int {
	return pm.drop(func(id pages.FullPageID) bool { return id.GroupID == groupID })
}

// DropPartition forgets every page of a single partition.
func (pm *PageMemory) DropPartition(key pages.PartitionKey) int {
	return pm.drop(func(id pages.FullPageID) bool { return id.Partition() == key })
}

func (pm *PageMemory) drop(match func(id pages.FullPageID) bool) int {
	dropped := 0
	for _, seg := range pm.segments {
		seg.Lock()
		for id, p := range seg.pages {
			if !match(id) {
				continue
			}
			delete(seg.pages, id)
			delete(seg.dirty, id)
			if p.dirty.CompareAndSwap(true, false) {
				pm.dirtyPages.Add(-1)
			}
			pm.loaded.Add(-1)
			dropped++
		}
		seg.Unlock()
	}
	pm.metrics.SetPageMemory(int(pm.loaded.Load()), int(pm.dirtyPages.Load()))
	return dropped
}

func (pm *PageMemory) CheckpointReadLock() {
	pm.checkpointLock.RLock()
}

func (pm *PageMemory) CheckpointReadUnlock() {
	pm.checkpointLock.RUnlock()
}

func (pm *PageMemory) CheckpointWriteLock() {
	pm.checkpointLock.Lock()
}

func (pm *PageMemory) CheckpointWriteUnlock() {
	pm.checkpointLock.Unlock()
}

func sortIDs(ids []pages.FullPageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
