// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sortio provides facilities for sorting record streams
// and merging and reducing sorted record streams.
package sortio

import (
	"bytes"
	"container/heap"
	"context"
	"sort"

	"github.com/bndl-go/bndl/sliceio"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
)

// Less reports whether record a sorts before record b.
type Less func(a, b sliceio.Record) bool

// ByKey orders records by key.
func ByKey(a, b sliceio.Record) bool { return a.Key < b.Key }

// ByValue orders records by value, breaking ties by key.
func ByValue(a, b sliceio.Record) bool {
	if c := bytes.Compare(a.Value, b.Value); c != 0 {
		return c < 0
	}
	return a.Key < b.Key
}

// Sort sorts records in place, keeping equal records in their
// original order.
func Sort(records []sliceio.Record, less Less) {
	sort.SliceStable(records, func(i, j int) bool { return less(records[i], records[j]) })
}

// IsSorted reports whether records are sorted by less.
func IsSorted(records []sliceio.Record, less Less) bool {
	return sort.SliceIsSorted(records, func(i, j int) bool { return less(records[i], records[j]) })
}

// SortReader sorts a Reader by the provided ordering. SortReader
// buffers up to spillTarget bytes of records in memory; larger
// inputs are sorted in runs that are spilled into dir and merged on
// read.
func SortReader(ctx context.Context, dir string, spillTarget int, less Less, r sliceio.Reader) (sliceio.Reader, error) {
	var (
		buf     []sliceio.Record
		size    int
		spiller *sliceio.Spiller
		chunk   = make([]sliceio.Record, sliceio.SpillBatchSize)
	)
	for {
		n, err := r.Read(ctx, chunk)
		if err != nil && err != sliceio.EOF {
			return nil, err
		}
		for _, rec := range chunk[:n] {
			buf = append(buf, rec)
			size += rec.Size()
		}
		eof := err == sliceio.EOF
		if size >= spillTarget || (eof && spiller != nil) {
			if spiller == nil {
				if spiller, err = sliceio.NewSpiller(dir, "sorter"); err != nil {
					return nil, err
				}
			}
			Sort(buf, less)
			n, err := spiller.Spill(buf)
			if err != nil {
				spiller.Cleanup()
				return nil, err
			}
			log.Debug.Printf("sortio: spilled %s (%d records)", data.Size(n), len(buf))
			buf, size = nil, 0
		}
		if eof {
			break
		}
	}
	if spiller == nil {
		Sort(buf, less)
		return sliceio.RecordReader(buf), nil
	}
	readers, err := spiller.Readers()
	if err != nil {
		spiller.Cleanup()
		return nil, err
	}
	// The files are unlinked but stay readable through their open
	// descriptors.
	if err := spiller.Cleanup(); err != nil {
		log.Error.Printf("sortio: cleanup %s: %v", spiller.Dir(), err)
	}
	rs := make([]sliceio.Reader, len(readers))
	for i := range readers {
		rs[i] = readers[i]
	}
	return NewMergeReader(ctx, less, rs)
}

// A RecordBuffer is a buffered window over a reader. The buffer is
// filled from the reader, and maintains a current index and length.
type RecordBuffer struct {
	// Records is the buffer into which new data are read. The buffer
	// is always allocated externally and must be nonempty.
	Records []sliceio.Record
	// Reader is the reader from which the buffer is filled.
	sliceio.Reader
	// Index, Len is current index and length of the buffer.
	Index, Len int
	// Source is the position of the reader among its siblings. It
	// breaks ties so that merges are stable.
	Source int
}

// Head returns the buffer's current record.
func (b *RecordBuffer) Head() sliceio.Record {
	return b.Records[b.Index]
}

// Fill (re-) fills the RecordBuffer when it's empty. An error
// is returned if the underlying reader returns an error.
// EOF is returned if no more data are available.
func (b *RecordBuffer) Fill(ctx context.Context) error {
	if b.Index != b.Len {
		panic("RecordBuffer.Fill: fill on nonempty buffer")
	}
	var err error
	b.Len, err = b.Reader.Read(ctx, b.Records)
	if err != nil && err != sliceio.EOF {
		return err
	}
	if err == sliceio.EOF && b.Len > 0 {
		err = nil
	}
	b.Index = 0
	if b.Len == 0 && err == nil {
		err = sliceio.EOF
	}
	return err
}

// RecordBufferHeap implements a heap of RecordBuffers, ordered by
// their head records.
type RecordBufferHeap struct {
	Buffers []*RecordBuffer
	Order   Less
}

func (h *RecordBufferHeap) Len() int { return len(h.Buffers) }
func (h *RecordBufferHeap) Less(i, j int) bool {
	a, b := h.Buffers[i].Head(), h.Buffers[j].Head()
	switch {
	case h.Order(a, b):
		return true
	case h.Order(b, a):
		return false
	}
	return h.Buffers[i].Source < h.Buffers[j].Source
}
func (h *RecordBufferHeap) Swap(i, j int) {
	h.Buffers[i], h.Buffers[j] = h.Buffers[j], h.Buffers[i]
}

// Push pushes a RecordBuffer onto the heap.
func (h *RecordBufferHeap) Push(x interface{}) {
	h.Buffers = append(h.Buffers, x.(*RecordBuffer))
}

// Pop removes the RecordBuffer with the smallest head from the heap.
func (h *RecordBufferHeap) Pop() interface{} {
	n := len(h.Buffers)
	elem := h.Buffers[n-1]
	h.Buffers = h.Buffers[:n-1]
	return elem
}

func newHeap(ctx context.Context, less Less, readers []sliceio.Reader) (*RecordBufferHeap, error) {
	h := &RecordBufferHeap{
		Buffers: make([]*RecordBuffer, 0, len(readers)),
		Order:   less,
	}
	for i := range readers {
		buf := &RecordBuffer{
			Reader:  readers[i],
			Records: make([]sliceio.Record, sliceio.SpillBatchSize),
			Source:  i,
		}
		switch err := buf.Fill(ctx); {
		case err == sliceio.EOF:
			// No data. Skip.
		case err != nil:
			return nil, err
		default:
			h.Buffers = append(h.Buffers, buf)
		}
	}
	heap.Init(h)
	return h, nil
}

// MergeReader merges multiple (sorted) readers into a
// single sorted reader.
type mergeReader struct {
	err  error
	heap *RecordBufferHeap
}

// NewMergeReader returns a new Reader that is sorted by less. The
// readers to be merged must already be sorted by less.
func NewMergeReader(ctx context.Context, less Less, readers []sliceio.Reader) (sliceio.Reader, error) {
	h, err := newHeap(ctx, less, readers)
	if err != nil {
		return nil, err
	}
	return &mergeReader{heap: h}, nil
}

// Read implements Reader.
func (m *mergeReader) Read(ctx context.Context, out []sliceio.Record) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	var n int
	for n < len(out) && len(m.heap.Buffers) > 0 {
		buf := m.heap.Buffers[0]
		out[n] = buf.Head()
		n++
		buf.Index++
		if buf.Index == buf.Len {
			if err := buf.Fill(ctx); err != nil && err != sliceio.EOF {
				m.err = err
				return 0, err
			} else if err == sliceio.EOF {
				heap.Remove(m.heap, 0)
			} else {
				heap.Fix(m.heap, 0)
			}
		} else {
			heap.Fix(m.heap, 0)
		}
	}
	if len(m.heap.Buffers) == 0 {
		m.err = sliceio.EOF
		return n, sliceio.EOF
	}
	return n, nil
}
