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

	"github.com/weaviate/gridstore/entities/pages"
)

// segment is one shard of the page table. Each shard tracks its own dirty
// set so that collecting dirty pages is a swap per shard.
type segment struct {
	sync.Mutex
	pages map[pages.FullPageID]*page
	dirty map[pages.FullPageID]struct{}
}

func newSegment() *segment {
	return &segment{
		pages: map[pages.FullPageID]*page{},
		dirty: map[pages.FullPageID]struct{}{},
	}
}

// evictOne drops an arbitrary clean and unpinned page. Must be called with
// the segment lock held.
func (s *segment) evictOne() bool {
	for id, p := range s.pages {
		if p.pins.Load() > 0 || p.dirty.Load() {
			continue
		}
		delete(s.pages, id)
		return true
	}
	return false
}

func (s *segment) swapDirty() map[pages.FullPageID]struct{} {
	s.Lock()
	defer s.Unlock()

	collected := s.dirty
	s.dirty = make(map[pages.FullPageID]struct{}, len(collected))
	return collected
}
