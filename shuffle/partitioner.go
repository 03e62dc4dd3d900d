// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"github.com/spaolacci/murmur3"
)

// A Partitioner maps record keys to consumer partitions. Partitioners
// must be deterministic: the same key always maps to the same
// partition for a given partition count.
type Partitioner interface {
	Partition(key string, n int) int
}

// HashPartitioner partitions keys by their murmur3 hash.
type HashPartitioner struct {
	// Seed is the hash seed. Producers of the same shuffle must
	// use the same seed.
	Seed uint32
}

// Partition implements Partitioner.
func (h HashPartitioner) Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32WithSeed([]byte(key), h.Seed) % uint32(n))
}

// PartitionerFunc adapts a function to a Partitioner.
type PartitionerFunc func(key string, n int) int

// Partition implements Partitioner.
func (f PartitionerFunc) Partition(key string, n int) int { return f(key, n) }
