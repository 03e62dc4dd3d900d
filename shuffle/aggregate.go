// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"

	"github.com/bndl-go/bndl/sliceio"
)

// An Aggregator folds the values of records that share a key. Create
// turns a value into an accumulator, Merge folds a value into an
// accumulator, and Combine folds two accumulators. Only Combine is
// required: a nil Create is the identity, and a nil Merge is
// Combine(acc, Create(value)).
type Aggregator struct {
	Create  func(value []byte) []byte
	Merge   func(acc, value []byte) []byte
	Combine func(a, b []byte) []byte
}

func (a *Aggregator) create(v []byte) []byte {
	if a.Create == nil {
		return v
	}
	return a.Create(v)
}

func (a *Aggregator) merge(acc, v []byte) []byte {
	if a.Merge == nil {
		return a.Combine(acc, a.create(v))
	}
	return a.Merge(acc, v)
}

// accumulator is a hash table of accumulators that remembers the
// order in which keys were first seen.
type accumulator struct {
	agg  *Aggregator
	accs map[string][]byte
	keys []string
	size int
}

func newAccumulator(agg *Aggregator) *accumulator {
	return &accumulator{agg: agg, accs: make(map[string][]byte)}
}

// add folds a raw value into the accumulator for key.
func (a *accumulator) add(key string, value []byte) {
	acc, ok := a.accs[key]
	if !ok {
		a.keys = append(a.keys, key)
		acc = a.agg.create(value)
		a.size += len(key) + 16
	} else {
		a.size -= len(acc)
		acc = a.agg.merge(acc, value)
	}
	a.size += len(acc)
	a.accs[key] = acc
}

// combine folds an accumulator into the accumulator for key.
func (a *accumulator) combine(key string, value []byte) {
	acc, ok := a.accs[key]
	if !ok {
		a.keys = append(a.keys, key)
		acc = value
		a.size += len(key) + 16
	} else {
		a.size -= len(acc)
		acc = a.agg.Combine(acc, value)
	}
	a.size += len(acc)
	a.accs[key] = acc
}

// drain returns the accumulated records in first-seen key order and
// resets the accumulator.
func (a *accumulator) drain() []sliceio.Record {
	records := make([]sliceio.Record, len(a.keys))
	for i, k := range a.keys {
		records[i] = sliceio.Record{Key: k, Value: a.accs[k]}
	}
	a.accs = make(map[string][]byte)
	a.keys = nil
	a.size = 0
	return records
}

// Aggregate returns a reader of one record per distinct key of r,
// with values folded by agg. If combined is true, the values of r
// are accumulators (as written by a combining Writer) and are folded
// with Combine; otherwise they are raw values folded with
// Create and Merge. Aggregate hashes keys rather than sorting them;
// the output follows the order in which keys first appear.
func Aggregate(r sliceio.Reader, agg *Aggregator, combined bool) sliceio.Reader {
	var out sliceio.Reader
	return sliceio.FuncReader(func(ctx context.Context, buf []sliceio.Record) (int, error) {
		if out == nil {
			acc := newAccumulator(agg)
			in := make([]sliceio.Record, sliceio.SpillBatchSize)
			for {
				n, err := r.Read(ctx, in)
				for _, rec := range in[:n] {
					if combined {
						acc.combine(rec.Key, rec.Value)
					} else {
						acc.add(rec.Key, rec.Value)
					}
				}
				if err == sliceio.EOF {
					break
				}
				if err != nil {
					return 0, err
				}
			}
			out = sliceio.RecordReader(acc.drain())
		}
		return out.Read(ctx, buf)
	})
}
