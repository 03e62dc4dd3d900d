// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"container/heap"
	"context"

	"github.com/bndl-go/bndl/sliceio"
)

type reduceReader struct {
	readers []sliceio.Reader
	combine func(a, b []byte) []byte
	err     error
	heap    *RecordBufferHeap
}

// Reduce returns a Reader that merges and reduces a set of readers
// sorted by key. Values of records with equal keys are folded with
// combine; the output contains one record per distinct key, in key
// order.
func Reduce(readers []sliceio.Reader, combine func(a, b []byte) []byte) sliceio.Reader {
	return &reduceReader{
		readers: readers,
		combine: combine,
	}
}

func (r *reduceReader) Read(ctx context.Context, out []sliceio.Record) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.heap == nil {
		r.heap, r.err = newHeap(ctx, ByKey, r.readers)
		if r.err != nil {
			return 0, r.err
		}
	}
	var n int
	for n < len(out) && len(r.heap.Buffers) > 0 {
		// Fold every record sharing the smallest key. A reader may
		// contain several records with the same key.
		rec := r.heap.Buffers[0].Head()
		first := true
		for len(r.heap.Buffers) > 0 && r.heap.Buffers[0].Head().Key == rec.Key {
			buf := r.heap.Buffers[0]
			if first {
				first = false
			} else {
				rec.Value = r.combine(rec.Value, buf.Head().Value)
			}
			buf.Index++
			if buf.Index < buf.Len {
				heap.Fix(r.heap, 0)
				continue
			}
			switch err := buf.Fill(ctx); {
			case err == sliceio.EOF:
				heap.Remove(r.heap, 0)
			case err != nil:
				r.err = err
				return n, err
			default:
				heap.Fix(r.heap, 0)
			}
		}
		out[n] = rec
		n++
	}
	if len(r.heap.Buffers) == 0 {
		r.err = sliceio.EOF
		return n, sliceio.EOF
	}
	return n, nil
}
