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
	"github.com/weaviate/gridstore/entities/pages"
)

// Every cache partition is a hash table spread over pages:
//
//	page 0               meta: next unused page | free list head | entry count
//	pages 1..bucketPages bucket heads, one u32 page index per bucket
//	further pages        entries, their overflow pages and free pages
//
// An entry page starts with the next entry of its bucket, the first
// overflow page, the key and value lengths, followed by the key and the
// beginning of the value. Overflow pages hold the next overflow page and
// more of the value. Free pages link to the next free page. Page index 0
// terminates every chain.
const (
	metaPage      = 0
	bucketPages   = 4
	firstDataPage = 1 + bucketPages

	metaNextPage = pages.HeaderSize
	metaFreeHead = metaNextPage + 4
	metaCount    = metaFreeHead + 4

	entryNext     = pages.HeaderSize
	entryOverflow = entryNext + 4
	entryKeyLen   = entryOverflow + 4
	entryValueLen = entryKeyLen + 2
	entryData     = entryValueLen + 4

	overflowNext = pages.HeaderSize
	overflowData = overflowNext + 4

	freeNext = pages.HeaderSize

	slotLen = 4
)

type partitionLayout struct {
	group     uint32
	partition uint16
	pageSize  int
}

func (l partitionLayout) page(idx uint32) pages.FullPageID {
	return pages.FullPageID{GroupID: l.group, PartitionID: l.partition, PageIdx: idx}
}

func (l partitionLayout) slotsPerPage() uint32 {
	return uint32((l.pageSize - pages.HeaderSize) / slotLen)
}

func (l partitionLayout) buckets() uint32 {
	return bucketPages * l.slotsPerPage()
}

// slot locates the head pointer of the bucket of key.
func (l partitionLayout) slot(key []byte) (pages.FullPageID, int) {
	b := bucketHash(key) % l.buckets()
	perPage := l.slotsPerPage()
	return l.page(1 + b/perPage), pages.HeaderSize + slotLen*int(b%perPage)
}

func (l partitionLayout) maxKeyLen() int {
	return l.pageSize - entryData
}

// pagesFor is the number of pages an entry occupies.
func (l partitionLayout) pagesFor(keyLen, valueLen int) int {
	first := l.pageSize - entryData - keyLen
	if valueLen <= first {
		return 1
	}
	perOverflow := l.pageSize - overflowData
	return 1 + (valueLen-first+perOverflow-1)/perOverflow
}
