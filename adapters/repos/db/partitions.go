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
	"github.com/spaolacci/murmur3"
)

// PartitionFunc maps a key to the partition holding it.
type PartitionFunc interface {
	Partition(key []byte) uint16
	Count() uint16
}

type murmurPartitions struct {
	count uint16
}

// NewMurmurPartitions spreads keys evenly over count partitions.
func NewMurmurPartitions(count uint16) PartitionFunc {
	if count == 0 {
		count = 1
	}
	return murmurPartitions{count: count}
}

func (m murmurPartitions) Partition(key []byte) uint16 {
	return uint16(murmur3.Sum64(key) % uint64(m.count))
}

func (m murmurPartitions) Count() uint16 {
	return m.count
}

// overridePartitions asks override first and falls back to base for keys
// the override does not place.
type overridePartitions struct {
	base     PartitionFunc
	override func(key []byte) (uint16, bool)
}

func (o overridePartitions) Partition(key []byte) uint16 {
	if p, ok := o.override(key); ok {
		return p % o.base.Count()
	}
	return o.base.Partition(key)
}

func (o overridePartitions) Count() uint16 {
	return o.base.Count()
}

type Option func(n *Node)

// WithPartitionOverride pins keys to partitions. Keys for which override
// reports false keep their default partition.
func WithPartitionOverride(override func(key []byte) (uint16, bool)) Option {
	return func(n *Node) {
		n.partitions = overridePartitions{base: n.partitions, override: override}
	}
}

// groupID derives the page group of a cache from its name.
func groupID(name string) uint32 {
	return murmur3.Sum32([]byte(name))
}

func bucketHash(key []byte) uint32 {
	return murmur3.Sum32WithSeed(key, 0x5eed)
}
