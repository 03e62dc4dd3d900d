// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"

	"github.com/bndl-go/bndl/sliceio"
	"github.com/bndl-go/bndl/sortio"
)

// Merge returns the consumer-side view of a set of block readers of
// one consumer partition. Blocks written with an aggregator are
// combined: by a key-ordered reduction when the blocks are sorted by
// key, and by hashing otherwise. Sorted blocks are merged in order.
// Otherwise the blocks are concatenated.
func Merge(ctx context.Context, readers []sliceio.Reader, order Order, agg *Aggregator) (sliceio.Reader, error) {
	switch {
	case agg != nil && order == OrderByKey:
		return sortio.Reduce(readers, agg.Combine), nil
	case agg != nil && order == OrderByValue:
		return sortio.SortReader(ctx, "", DefaultSpillThreshold, sortio.ByValue,
			Aggregate(sliceio.MultiReader(readers...), agg, true))
	case agg != nil:
		return Aggregate(sliceio.MultiReader(readers...), agg, true), nil
	case order != Unordered:
		return sortio.NewMergeReader(ctx, order.Less(), readers)
	default:
		return sliceio.MultiReader(readers...), nil
	}
}
