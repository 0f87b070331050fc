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

package db

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/weaviate/gridstore/adapters/repos/pagemem"
	"github.com/weaviate/gridstore/adapters/repos/wal"
	"github.com/weaviate/gridstore/entities/pages"
)

type pageWrite struct {
	id     pages.FullPageID
	offset int
	data   []byte
}

// tx plans the page changes of one cache operation on copies of the pages
// and applies them at commit. Nothing is logged or applied before every
// page involved is pinned, so a failed operation leaves no trace.
type tx struct {
	mem    *pagemem.PageMemory
	pages  map[pages.FullPageID][]byte
	writes []pageWrite
}

func newTx(mem *pagemem.PageMemory) *tx {
	return &tx{mem: mem, pages: map[pages.FullPageID][]byte{}}
}

func (t *tx) page(id pages.FullPageID) ([]byte, error) {
	if buf, ok := t.pages[id]; ok {
		return buf, nil
	}
	buf, err := t.mem.Get(id)
	if err != nil {
		return nil, err
	}
	t.pages[id] = buf
	return buf, nil
}

func (t *tx) u32(id pages.FullPageID, offset int) (uint32, error) {
	buf, err := t.page(id)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[offset:]), nil
}

func (t *tx) u16(id pages.FullPageID, offset int) (uint16, error) {
	buf, err := t.page(id)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[offset:]), nil
}

func (t *tx) bytes(id pages.FullPageID, offset, length int) ([]byte, error) {
	buf, err := t.page(id)
	if err != nil {
		return nil, err
	}
	return buf[offset : offset+length], nil
}

func (t *tx) putBytes(id pages.FullPageID, offset int, data []byte) error {
	buf, err := t.page(id)
	if err != nil {
		return err
	}
	if offset < pages.HeaderSize || offset+len(data) > len(buf) {
		return errors.Errorf("write [%d, %d) outside of page %s", offset, offset+len(data), id)
	}
	copy(buf[offset:], data)
	t.writes = append(t.writes, pageWrite{id: id, offset: offset, data: data})
	return nil
}

func (t *tx) putU32(id pages.FullPageID, offset int, v uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	return t.putBytes(id, offset, data)
}

func (t *tx) putU16(id pages.FullPageID, offset int, v uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, v)
	return t.putBytes(id, offset, data)
}

// commit logs the planned writes as one batch and applies them. A page
// changed for the first time since the last checkpoint began is logged as
// a full image, replay must not depend on its stored copy which that
// checkpoint may leave torn. The caller holds the checkpoint read lock.
func (t *tx) commit(log *wal.Manager) error {
	if len(t.writes) == 0 {
		return nil
	}

	handles := make(map[pages.FullPageID]*pagemem.Page, len(t.pages))
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()
	for _, w := range t.writes {
		if _, ok := handles[w.id]; ok {
			continue
		}
		h, err := t.mem.Acquire(w.id)
		if err != nil {
			return err
		}
		handles[w.id] = h
	}

	asImage := map[pages.FullPageID]bool{}
	records := make([]wal.Record, 0, len(t.writes))
	for _, w := range t.writes {
		image, seen := asImage[w.id]
		if !seen {
			image = !handles[w.id].ImageLogged()
			asImage[w.id] = image
			if image {
				records = append(records, &wal.PageSnapshotRecord{PageID: w.id, Image: t.pages[w.id]})
			}
		}
		if !image {
			records = append(records, delta(w))
		}
	}
	if _, err := log.AppendBatch(records); err != nil {
		return errors.Wrap(err, "log page changes")
	}

	for id, image := range asImage {
		if !image {
			continue
		}
		h := handles[id]
		h.SetImageLogged()
		if err := h.Write(func(buf []byte) error {
			copy(buf, t.pages[id])
			return nil
		}); err != nil {
			return err
		}
	}
	for _, w := range t.writes {
		if asImage[w.id] {
			continue
		}
		if err := handles[w.id].Write(func(buf []byte) error {
			copy(buf[w.offset:], w.data)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func delta(w pageWrite) *wal.PageDeltaRecord {
	return &wal.PageDeltaRecord{PageID: w.id, Offset: uint32(w.offset), Data: w.data}
}
