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
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/weaviate/gridstore/adapters/repos/checkpoint"
	enterrors "github.com/weaviate/gridstore/entities/errors"
)

// attempts of an operation which ran out of page memory, each one after a
// checkpoint freed dirty pages
const oomRetries = 3

var (
	ErrCacheDestroyed = errors.New("cache was destroyed")
	ErrKeyTooLarge    = errors.New("key does not fit into a page")
	ErrValueTooLarge  = errors.New("value does not fit into page memory")
	ErrEmptyKey       = errors.New("key must not be empty")
	errCorruptChain   = errors.New("page chain does not terminate")
)

// Cache is a persistent key value map. Every mutation is logged to the WAL
// before it changes a page.
type Cache struct {
	name  string
	group uint32
	node  *Node

	// write locked while the cache is destroyed
	sync.RWMutex
	destroyed bool
	// one per partition, serializes the operations on its pages
	partitionLocks []sync.Mutex
}

func newCache(node *Node, name string) *Cache {
	return &Cache{
		name:           name,
		group:          groupID(name),
		node:           node,
		partitionLocks: make([]sync.Mutex, node.partitions.Count()),
	}
}

func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) layout(partition uint16) partitionLayout {
	return partitionLayout{group: c.group, partition: partition, pageSize: c.node.pageSize}
}

func (c *Cache) Put(ctx context.Context, key, value []byte) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	l := c.layout(c.node.partitions.Partition(key))
	if l.pagesFor(len(key), len(value))+bucketPages+1 > c.node.maxTxPages() {
		return errors.Wrapf(ErrValueTooLarge, "%d bytes", len(value))
	}

	return c.mutate(ctx, l, func(t *tx) error {
		if _, err := removeEntry(t, l, key); err != nil {
			return err
		}
		return insertEntry(t, l, key, value)
	})
}

// Remove reports whether the key was present.
func (c *Cache) Remove(ctx context.Context, key []byte) (bool, error) {
	if err := c.checkKey(key); err != nil {
		return false, err
	}
	l := c.layout(c.node.partitions.Partition(key))

	var removed bool
	err := c.mutate(ctx, l, func(t *tx) error {
		var err error
		removed, err = removeEntry(t, l, key)
		return err
	})
	return removed, err
}

func (c *Cache) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := c.checkKey(key); err != nil {
		return nil, false, err
	}
	l := c.layout(c.node.partitions.Partition(key))

	var (
		value []byte
		found bool
	)
	err := c.read(ctx, l, func(t *tx) error {
		_, entry, err := lookup(t, l, key)
		if err != nil || entry == 0 {
			return err
		}
		found = true
		value, err = readValue(t, l, entry)
		return err
	})
	return value, found, err
}

// Size counts the entries of all partitions.
func (c *Cache) Size(ctx context.Context) (int, error) {
	total := 0
	for p := uint16(0); p < c.node.partitions.Count(); p++ {
		l := c.layout(p)
		err := c.read(ctx, l, func(t *tx) error {
			count, err := t.u32(l.page(metaPage), metaCount)
			total += int(count)
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (c *Cache) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > c.layout(0).maxKeyLen() {
		return errors.Wrapf(ErrKeyTooLarge, "%d bytes", len(key))
	}
	return nil
}

func (c *Cache) read(ctx context.Context, l partitionLayout, fn func(t *tx) error) error {
	return c.withRetry(ctx, func() error {
		c.RLock()
		defer c.RUnlock()
		if c.destroyed {
			return errors.Wrap(ErrCacheDestroyed, c.name)
		}
		if err := c.node.state.CheckReadable(); err != nil {
			return err
		}

		lock := &c.partitionLocks[l.partition]
		lock.Lock()
		defer lock.Unlock()

		return fn(newTx(c.node.mem))
	})
}

func (c *Cache) mutate(ctx context.Context, l partitionLayout, fn func(t *tx) error) error {
	return c.withRetry(ctx, func() error {
		c.RLock()
		defer c.RUnlock()
		if c.destroyed {
			return errors.Wrap(ErrCacheDestroyed, c.name)
		}
		if err := c.node.state.CheckWritable(); err != nil {
			return err
		}

		lock := &c.partitionLocks[l.partition]
		lock.Lock()
		defer lock.Unlock()

		c.node.mem.CheckpointReadLock()
		defer c.node.mem.CheckpointReadUnlock()

		t := newTx(c.node.mem)
		if err := fn(t); err != nil {
			return err
		}
		return t.commit(c.node.wal)
	})
}

// withRetry runs op again after a checkpoint if page memory is exhausted.
// op must not hold any lock a checkpoint needs while waiting.
func (c *Cache) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < oomRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = op()
		if !enterrors.IsTransient(err) {
			return err
		}
		if cpErr := c.node.checkpointer.WaitForCheckpoint(ctx, checkpoint.ReasonDirtyPages); cpErr != nil {
			return errors.Wrap(cpErr, "free page memory")
		}
	}
	return err
}

// lookup finds the entry of key. Returns the entry before it in its bucket
// and the entry itself, 0 for none.
func lookup(t *tx, l partitionLayout, key []byte) (uint32, uint32, error) {
	slotPage, slotOffset := l.slot(key)
	cur, err := t.u32(slotPage, slotOffset)
	if err != nil {
		return 0, 0, err
	}
	limit, err := t.u32(l.page(metaPage), metaNextPage)
	if err != nil {
		return 0, 0, err
	}

	prev := uint32(0)
	for steps := uint32(0); cur != 0; steps++ {
		if steps > limit {
			return 0, 0, errors.Wrapf(errCorruptChain, "bucket of partition %d", l.partition)
		}
		id := l.page(cur)
		keyLen, err := t.u16(id, entryKeyLen)
		if err != nil {
			return 0, 0, err
		}
		if int(keyLen) == len(key) {
			stored, err := t.bytes(id, entryData, int(keyLen))
			if err != nil {
				return 0, 0, err
			}
			if bytes.Equal(stored, key) {
				return prev, cur, nil
			}
		}
		prev = cur
		if cur, err = t.u32(id, entryNext); err != nil {
			return 0, 0, err
		}
	}
	return 0, 0, nil
}

// chain lists the entry page and its overflow pages.
func chain(t *tx, l partitionLayout, entry uint32) ([]uint32, error) {
	limit, err := t.u32(l.page(metaPage), metaNextPage)
	if err != nil {
		return nil, err
	}
	out := []uint32{entry}
	next, err := t.u32(l.page(entry), entryOverflow)
	for err == nil && next != 0 {
		if uint32(len(out)) > limit {
			return nil, errors.Wrapf(errCorruptChain, "entry at page %d", entry)
		}
		out = append(out, next)
		next, err = t.u32(l.page(next), overflowNext)
	}
	return out, err
}

func readValue(t *tx, l partitionLayout, entry uint32) ([]byte, error) {
	id := l.page(entry)
	keyLen, err := t.u16(id, entryKeyLen)
	if err != nil {
		return nil, err
	}
	valueLen, err := t.u32(id, entryValueLen)
	if err != nil {
		return nil, err
	}
	chainPages, err := chain(t, l, entry)
	if err != nil {
		return nil, err
	}

	value := make([]byte, 0, valueLen)
	for i, idx := range chainPages {
		start := overflowData
		if i == 0 {
			start = entryData + int(keyLen)
		}
		n := l.pageSize - start
		if rest := int(valueLen) - len(value); rest < n {
			n = rest
		}
		part, err := t.bytes(l.page(idx), start, n)
		if err != nil {
			return nil, err
		}
		value = append(value, part...)
	}
	if len(value) != int(valueLen) {
		return nil, errors.Wrapf(errCorruptChain, "entry at page %d holds %d of %d bytes",
			entry, len(value), valueLen)
	}
	return value, nil
}

func removeEntry(t *tx, l partitionLayout, key []byte) (bool, error) {
	prev, entry, err := lookup(t, l, key)
	if err != nil || entry == 0 {
		return false, err
	}
	next, err := t.u32(l.page(entry), entryNext)
	if err != nil {
		return false, err
	}
	if prev == 0 {
		slotPage, slotOffset := l.slot(key)
		err = t.putU32(slotPage, slotOffset, next)
	} else {
		err = t.putU32(l.page(prev), entryNext, next)
	}
	if err != nil {
		return false, err
	}

	chainPages, err := chain(t, l, entry)
	if err != nil {
		return false, err
	}
	meta := l.page(metaPage)
	freeHead, err := t.u32(meta, metaFreeHead)
	if err != nil {
		return false, err
	}
	for _, idx := range chainPages {
		if err := t.putU32(l.page(idx), freeNext, freeHead); err != nil {
			return false, err
		}
		freeHead = idx
	}
	if err := t.putU32(meta, metaFreeHead, freeHead); err != nil {
		return false, err
	}
	return true, addCount(t, l, -1)
}

func insertEntry(t *tx, l partitionLayout, key, value []byte) error {
	n := l.pagesFor(len(key), len(value))
	chainPages := make([]uint32, n)
	for i := range chainPages {
		idx, err := allocPage(t, l)
		if err != nil {
			return err
		}
		chainPages[i] = idx
	}

	slotPage, slotOffset := l.slot(key)
	head, err := t.u32(slotPage, slotOffset)
	if err != nil {
		return err
	}

	entry := l.page(chainPages[0])
	overflow := uint32(0)
	if n > 1 {
		overflow = chainPages[1]
	}
	first := l.pageSize - entryData - len(key)
	if first > len(value) {
		first = len(value)
	}
	for _, write := range []func() error{
		func() error { return t.putU32(entry, entryNext, head) },
		func() error { return t.putU32(entry, entryOverflow, overflow) },
		func() error { return t.putU16(entry, entryKeyLen, uint16(len(key))) },
		func() error { return t.putU32(entry, entryValueLen, uint32(len(value))) },
		func() error { return t.putBytes(entry, entryData, key) },
		func() error { return t.putBytes(entry, entryData+len(key), value[:first]) },
	} {
		if err := write(); err != nil {
			return err
		}
	}

	rest := value[first:]
	for i := 1; i < n; i++ {
		id := l.page(chainPages[i])
		next := uint32(0)
		if i+1 < n {
			next = chainPages[i+1]
		}
		chunk := l.pageSize - overflowData
		if chunk > len(rest) {
			chunk = len(rest)
		}
		if err := t.putU32(id, overflowNext, next); err != nil {
			return err
		}
		if err := t.putBytes(id, overflowData, rest[:chunk]); err != nil {
			return err
		}
		rest = rest[chunk:]
	}

	if err := t.putU32(slotPage, slotOffset, chainPages[0]); err != nil {
		return err
	}
	return addCount(t, l, 1)
}

func allocPage(t *tx, l partitionLayout) (uint32, error) {
	meta := l.page(metaPage)
	free, err := t.u32(meta, metaFreeHead)
	if err != nil {
		return 0, err
	}
	if free != 0 {
		next, err := t.u32(l.page(free), freeNext)
		if err != nil {
			return 0, err
		}
		return free, t.putU32(meta, metaFreeHead, next)
	}

	next, err := t.u32(meta, metaNextPage)
	if err != nil {
		return 0, err
	}
	if next == 0 {
		next = firstDataPage
	}
	return next, t.putU32(meta, metaNextPage, next+1)
}

func addCount(t *tx, l partitionLayout, delta int) error {
	meta := l.page(metaPage)
	count, err := t.u32(meta, metaCount)
	if err != nil {
		return err
	}
	return t.putU32(meta, metaCount, uint32(int(count)+delta))
}
