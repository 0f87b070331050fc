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

package pagemem

import (
	"sync"
	"sync/atomic"

	"github.com/weaviate/gridstore/entities/pages"
)

type page struct {
	sync.RWMutex
	id  pages.FullPageID
	buf []byte
	// dirty is set by the first mutation after the page was last copied by
	// a checkpoint and cleared by that copy
	dirty atomic.Bool
	// pinned pages are never evicted, pins are taken under the segment lock
	pins atomic.Int32
	// epoch in which a full image of the page was logged
	logged atomic.Uint64
}

// Page is a pinned handle to a resident page. It must be released.
type Page struct {
	mem      *PageMemory
	page     *page
	released atomic.Bool
}

func (h *Page) ID() pages.FullPageID {
	return h.page.id
}

// Read runs fn with shared access to the whole page including its header.
// fn must not retain buf.
func (h *Page) Read(fn func(buf []byte)) {
	h.page.RLock()
	defer h.page.RUnlock()

	fn(h.page.buf)
}

// Write runs fn with exclusive access to the page and marks it dirty unless
// fn fails. The caller must have logged the change to the WAL before.
func (h *Page) Write(fn func(buf []byte) error) error {
	h.page.Lock()
	defer h.page.Unlock()

	if err := fn(h.page.buf); err != nil {
		return err
	}
	h.mem.markDirty(h.page)
	return nil
}

// ImageLogged reports whether a full image of the page was logged since
// the last checkpoint began. Until then changes must be logged as images,
// the stored copy may be torn by an unfinished checkpoint.
func (h *Page) ImageLogged() bool {
	return h.page.logged.Load() == h.mem.epoch.Load()
}

func (h *Page) SetImageLogged() {
	h.page.logged.Store(h.mem.epoch.Load())
}

// Flushed ends the write of a page copied by CopyPage and releases it. A
// page whose write failed is dirty again.
func (h *Page) Flushed(written bool) {
	if !written {
		h.mem.markDirty(h.page)
	}
	h.Release()
}

func (h *Page) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.page.pins.Add(-1)
	}
}
