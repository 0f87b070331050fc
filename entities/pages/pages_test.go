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

package pages

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDEncoding(t *testing.T) {
	id := FullPageID{GroupID: 0xdeadbeef, PartitionID: 1023, PageIdx: 77}
	buf := make([]byte, IDSize)
	PutID(buf, id)
	assert.Equal(t, id, ReadID(buf))
	assert.Equal(t, PartitionKey{GroupID: 0xdeadbeef, PartitionID: 1023}, id.Partition())
}

func TestIDOrdering(t *testing.T) {
	ids := []FullPageID{
		{GroupID: 2, PartitionID: 0, PageIdx: 1},
		{GroupID: 1, PartitionID: 3, PageIdx: 0},
		{GroupID: 1, PartitionID: 1, PageIdx: 9},
		{GroupID: 1, PartitionID: 1, PageIdx: 2},
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	assert.Equal(t, []FullPageID{
		{GroupID: 1, PartitionID: 1, PageIdx: 2},
		{GroupID: 1, PartitionID: 1, PageIdx: 9},
		{GroupID: 1, PartitionID: 3, PageIdx: 0},
		{GroupID: 2, PartitionID: 0, PageIdx: 1},
	}, ids)
}

func TestChecksum(t *testing.T) {
	page := make([]byte, DefaultPageSize)
	require.NoError(t, VerifyChecksum(page), "fresh page is valid")

	copy(page[HeaderSize:], "some content")
	SetGeneration(page, 12)
	require.ErrorIs(t, VerifyChecksum(page), ErrChecksumMismatch)

	SetChecksum(page)
	require.NoError(t, VerifyChecksum(page))
	assert.Equal(t, uint64(12), Generation(page))

	page[100] ^= 0xff
	require.ErrorIs(t, VerifyChecksum(page), ErrChecksumMismatch)
}

func TestValidatePageSize(t *testing.T) {
	require.NoError(t, ValidatePageSize(4096))
	require.NoError(t, ValidatePageSize(MinPageSize))
	require.Error(t, ValidatePageSize(1000))
	require.Error(t, ValidatePageSize(128))
	require.Error(t, ValidatePageSize(1<<20))
}
