// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sliceio

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SpillBatchSize determines the amount of batching used in each
// spill file. A single read of a spill file produces this many
// records. SpillBatchSize then trades off memory footprint for
// encoding size.
const SpillBatchSize = defaultChunksize

// A Spiller manages a set of spill files in a private directory.
// Spill files are named by sequence number so that Readers always
// enumerates them in the order in which they were spilled.
type Spiller struct {
	dir string

	mu  sync.Mutex
	seq int
}

// NewSpiller creates and returns a new spiller backed by a temporary
// directory. If parent is empty, the system temporary directory is
// used.
func NewSpiller(parent, name string) (*Spiller, error) {
	dir, err := ioutil.TempDir(parent, fmt.Sprintf("spiller-%s-", name))
	if err != nil {
		return nil, err
	}
	return &Spiller{dir: dir}, nil
}

// Dir returns the spiller's directory.
func (s *Spiller) Dir() string { return s.dir }

// Spill spills the provided records to a new file in the spiller.
// Spill returns the file's encoded size, or an error. The records
// are encoded in batches of SpillBatchSize.
func (s *Spiller) Spill(records []Record) (int, error) {
	s.mu.Lock()
	name := filepath.Join(s.dir, fmt.Sprintf("%08d", s.seq))
	s.seq++
	s.mu.Unlock()
	f, err := os.Create(name)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := NewEncoder(w)
	for len(records) > 0 {
		n := SpillBatchSize
		if m := len(records); m < n {
			n = m
		}
		if err := enc.Encode(records[:n]); err != nil {
			f.Close()
			return 0, err
		}
		records = records[n:]
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return int(size), nil
}

// Len returns the number of spill files written so far.
func (s *Spiller) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Readers returns a reader for each spill file, in spill order.
// Repeated calls return the same enumeration.
func (s *Spiller) Readers() ([]ReadCloser, error) {
	f, err := os.Open(s.dir)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	readers := make([]ReadCloser, len(names))
	for i := range names {
		f, err := os.Open(filepath.Join(s.dir, names[i]))
		if err != nil {
			for j := 0; j < i; j++ {
				readers[j].Close()
			}
			return nil, err
		}
		readers[i] = &ClosingReader{NewDecodingReader(f), f}
	}
	return readers, nil
}

// Cleanup removes the spiller's temporary files. It is safe to call
// Cleanup after Readers(), but before reading is done.
func (s *Spiller) Cleanup() error {
	return os.RemoveAll(s.dir)
}
