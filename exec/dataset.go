// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/bndl-go/bndl/cache"
	"github.com/bndl-go/bndl/shuffle"
)

// A Dataset is a node of the lineage graph: a partitioned
// collection of records computed by Op from its dependencies.
// Datasets are built by the user-facing API and compiled into jobs
// by Compile.
type Dataset struct {
	// ID identifies the dataset. It keys cache entries, and so must
	// be stable across jobs that reuse a cached dataset.
	ID string
	// Op is the operation computing the dataset.
	Op Op
	// Deps are the dataset's dependencies, in the order in which
	// their readers are passed to the op.
	Deps []Dep
	// NumPartition is the number of partitions. Zero means the count
	// is inherited from a narrow dependency, or, for sources,
	// produced by Partitions.
	NumPartition int
	// Partitions, if set on a source dataset, lazily enumerates its
	// partitions. Stage tasks are created as partitions are emitted.
	Partitions func(ctx context.Context, emit func(partition int)) error
	// Cache marks the dataset's partitions to be kept in the cache
	// of the worker that computes them, in the given tier.
	Cache bool
	Tier  cache.Tier
	// Deterministic datasets produce the same records every time a
	// partition is computed. Failed computations of deterministic
	// datasets are retried.
	Deterministic bool
	// Workers restricts the workers on which the dataset may be
	// computed to those whose names match one of the glob patterns.
	Workers []string
}

func (d *Dataset) String() string {
	return d.ID
}

// A Dep is a dependency on a dataset. Narrow dependencies read the
// same partition of the dependency; shuffle dependencies read the
// records of every partition of the dependency that hash to the
// consumer's partition.
type Dep struct {
	Dataset *Dataset
	Shuffle bool
	// Order is the order of records within each shuffle block.
	Order shuffle.Order
	// Combine names an aggregator used to combine records by key on
	// the producer side of a shuffle.
	Combine string
}

// Barrier returns a dataset with the contents of ds whose partitions
// are all materialized before any partition of a successor is
// computed.
func Barrier(ds *Dataset) *Dataset {
	return &Dataset{
		ID:            ds.ID + "~barrier",
		Op:            Op{Kind: OpBarrier},
		Deps:          []Dep{{Dataset: ds}},
		NumPartition:  ds.NumPartition,
		Deterministic: ds.Deterministic,
	}
}
