// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bndl-go/bndl/sliceio"
	"github.com/bndl-go/bndl/sortio"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// DefaultSpillThreshold is the default number of bytes a block may
// buffer in memory before it is spilled.
const DefaultSpillThreshold = 64 << 20

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Partitioner assigns records to consumers. The zero value is a
	// HashPartitioner with seed 0.
	Partitioner Partitioner
	// Order is the order of records within each block.
	Order Order
	// Aggregator, if non-nil, combines the records of each block
	// by key before they are written.
	Aggregator *Aggregator
	// SpillThreshold is the number of buffered bytes above which a
	// block is spilled to disk. Zero means DefaultSpillThreshold.
	SpillThreshold int
}

// pending is the in-memory buffer of a single block.
type pending struct {
	records []sliceio.Record
	size    int
	acc     *accumulator
	runs    []string
	n       int64
	bytes   int64
}

// A Writer splits a producer task's output into one block per
// consumer partition. Blocks become visible in the store only once
// the writer is closed; a writer that is discarded leaves no trace.
type Writer struct {
	store    *Store
	id       ID
	producer int
	opts     WriterOptions

	blocks   []pending
	dir      string
	seq      int
	spilled  int
	closed   bool
	scratchb bytes.Buffer
}

// NewWriter returns a writer of producer's blocks of the shuffle id
// with numConsumers consumer partitions.
func (s *Store) NewWriter(id ID, producer, numConsumers int, opts WriterOptions) *Writer {
	if opts.Partitioner == nil {
		opts.Partitioner = HashPartitioner{}
	}
	if opts.SpillThreshold <= 0 {
		opts.SpillThreshold = DefaultSpillThreshold
	}
	w := &Writer{
		store:    s,
		id:       id,
		producer: producer,
		opts:     opts,
		blocks:   make([]pending, numConsumers),
	}
	if opts.Aggregator != nil {
		for i := range w.blocks {
			w.blocks[i].acc = newAccumulator(opts.Aggregator)
		}
	}
	return w
}

// Write implements sliceio.Writer. Each record is routed to the
// block of the consumer chosen by the partitioner.
func (w *Writer) Write(ctx context.Context, records []sliceio.Record) error {
	if w.closed {
		return errors.E(errors.Invalid, "shuffle: write to closed writer")
	}
	n := len(w.blocks)
	for _, rec := range records {
		c := w.opts.Partitioner.Partition(rec.Key, n)
		if c < 0 || c >= n {
			return errors.E(errors.Invalid, fmt.Sprintf("shuffle %s: partitioner returned %d for %d partitions", w.id, c, n))
		}
		b := &w.blocks[c]
		var size int
		if b.acc != nil {
			b.acc.add(rec.Key, rec.Value)
			size = b.acc.size
		} else {
			b.records = append(b.records, rec)
			b.size += rec.Size()
			size = b.size
		}
		if size >= w.opts.SpillThreshold {
			if err := w.spill(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// drain returns the buffered records of block c, sorted if required.
func (w *Writer) drain(c int) []sliceio.Record {
	b := &w.blocks[c]
	var records []sliceio.Record
	if b.acc != nil {
		records = b.acc.drain()
	} else {
		records = b.records
		b.records, b.size = nil, 0
	}
	if less := w.opts.Order.Less(); less != nil {
		sortio.Sort(records, less)
	}
	return records
}

func (w *Writer) spill(c int) error {
	if w.dir == "" {
		dir, err := os.MkdirTemp(w.store.dir, fmt.Sprintf("%s-s%d-p%d-", w.id.Job, w.id.Stage, w.producer))
		if err != nil {
			return err
		}
		w.dir = dir
	}
	records := w.drain(c)
	path := filepath.Join(w.dir, fmt.Sprintf("c%05d-%06d", c, w.seq))
	w.seq++
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := sliceio.NewEncoder(f)
	for len(records) > 0 {
		n := sliceio.SpillBatchSize
		if len(records) < n {
			n = len(records)
		}
		if err := enc.Encode(records[:n]); err != nil {
			f.Close()
			return err
		}
		b := &w.blocks[c]
		b.n += int64(n)
		records = records[n:]
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	b := &w.blocks[c]
	b.runs = append(b.runs, path)
	b.bytes += info.Size()
	w.spilled++
	log.Debug.Printf("shuffle %s: producer %d spilled block %d run %d (%s)", w.id, w.producer, c, len(b.runs), data.Size(info.Size()))
	return nil
}

// Spilled returns the number of runs spilled so far.
func (w *Writer) Spilled() int { return w.spilled }

// Close flushes every block and commits them to the store. Every
// consumer partition gets a block, possibly empty, so that the
// enumeration of a shuffle's blocks does not depend on the data.
func (w *Writer) Close(ctx context.Context) (map[int]*Block, error) {
	if w.closed {
		return nil, errors.E(errors.Invalid, "shuffle: writer already closed")
	}
	w.closed = true
	var (
		blocks = make(map[int]*Block, len(w.blocks))
		list   = make([]*Block, 0, len(w.blocks))
	)
	for c := range w.blocks {
		records := w.drain(c)
		b := &w.blocks[c]
		block := &Block{
			ID:       BlockID{Shuffle: w.id, Producer: w.producer, Consumer: c},
			Order:    w.opts.Order,
			Combined: w.opts.Aggregator != nil,
			runs:     b.runs,
			Records:  b.n + int64(len(records)),
			Size:     b.bytes,
		}
		if len(records) > 0 {
			w.scratchb.Reset()
			if err := sliceio.NewEncoder(&w.scratchb).Encode(records); err != nil {
				w.Discard()
				return nil, err
			}
			block.mem = append([]byte(nil), w.scratchb.Bytes()...)
			block.Size += int64(len(block.mem))
		}
		blocks[c] = block
		list = append(list, block)
	}
	w.store.commit(list, w.dir)
	return blocks, nil
}

// Discard abandons the writer and removes its spill files.
func (w *Writer) Discard() {
	w.closed = true
	w.blocks = nil
	if w.dir != "" {
		if err := os.RemoveAll(w.dir); err != nil {
			log.Error.Printf("shuffle %s: discard %s: %v", w.id, w.dir, err)
		}
	}
}
