// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle implements the exchange of partitioned task
// output between dependent stages. Producers split their output into
// one block per consumer partition, optionally sorted and combined,
// spilling blocks to disk when they grow past a threshold. Blocks
// are kept in a per-worker Store from which consumers read them.
package shuffle

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"sync"

	"github.com/bndl-go/bndl/sliceio"
	"github.com/bndl-go/bndl/sortio"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// ID identifies a shuffle: the output of one stage of one job.
type ID struct {
	Job   string
	Stage int
}

func (id ID) String() string {
	return fmt.Sprintf("%s/s%d", id.Job, id.Stage)
}

// A BlockID addresses a single block of a shuffle.
type BlockID struct {
	Shuffle  ID
	Producer int
	Consumer int
}

func (b BlockID) String() string {
	return fmt.Sprintf("%s/p%d/c%d", b.Shuffle, b.Producer, b.Consumer)
}

// Order is the order of records within a block.
type Order int

const (
	// Unordered blocks keep records in production order.
	Unordered Order = iota
	// OrderByKey sorts records by key.
	OrderByKey
	// OrderByValue sorts records by value.
	OrderByValue
)

// Less returns the record ordering for o, or nil if o is Unordered.
func (o Order) Less() sortio.Less {
	switch o {
	case OrderByKey:
		return sortio.ByKey
	case OrderByValue:
		return sortio.ByValue
	default:
		return nil
	}
}

func (o Order) String() string {
	switch o {
	case Unordered:
		return "unordered"
	case OrderByKey:
		return "key"
	case OrderByValue:
		return "value"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// A Block is a committed shuffle block: zero or more spilled runs
// followed by an in-memory run. Blocks are immutable.
type Block struct {
	ID       BlockID
	Order    Order
	Combined bool
	Records  int64
	Size     int64

	runs []string
	mem  []byte
}

// Spilled tells how many runs of the block were spilled to disk.
func (b *Block) Spilled() int { return len(b.runs) }

// directory is the block directory of a single shuffle.
type directory struct {
	mu     sync.RWMutex
	blocks map[BlockID]*Block
	dirs   []string
}

// Store holds the shuffle blocks produced on a worker. Each shuffle
// has its own block directory with its own reader/writer lock, so
// that committing blocks of one shuffle does not stall reads of
// another.
type Store struct {
	dir string

	mu       sync.RWMutex
	shuffles map[ID]*directory
}

// NewStore returns a store that spills blocks under dir. If dir is
// empty, a temporary directory is created.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		var err error
		if dir, err = ioutil.TempDir("", "shuffle-"); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	return &Store{dir: dir, shuffles: make(map[ID]*directory)}, nil
}

func (s *Store) directory(id ID, create bool) *directory {
	s.mu.RLock()
	d := s.shuffles[id]
	s.mu.RUnlock()
	if d != nil || !create {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d = s.shuffles[id]; d == nil {
		d = &directory{blocks: make(map[BlockID]*Block)}
		s.shuffles[id] = d
	}
	return d
}

// commit installs the blocks of a producer. The producer's blocks
// are replaced wholesale when a retried attempt commits again.
func (s *Store) commit(blocks []*Block, spillDir string) {
	if len(blocks) == 0 {
		return
	}
	d := s.directory(blocks[0].ID.Shuffle, true)
	d.mu.Lock()
	for _, b := range blocks {
		d.blocks[b.ID] = b
	}
	if spillDir != "" {
		d.dirs = append(d.dirs, spillDir)
	}
	d.mu.Unlock()
}

// Block returns the metadata of a block.
func (s *Store) Block(id BlockID) (*Block, error) {
	d := s.directory(id.Shuffle, false)
	if d == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("shuffle block %s", id))
	}
	d.mu.RLock()
	b := d.blocks[id]
	d.mu.RUnlock()
	if b == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("shuffle block %s", id))
	}
	return b, nil
}

// Open returns a reader of the block's records. Runs of sorted
// blocks are merged; runs of unsorted blocks are concatenated.
// Spilled runs are opened eagerly, so the returned reader stays
// valid even if the shuffle is removed while it is being read.
func (s *Store) Open(ctx context.Context, id BlockID) (sliceio.ReadCloser, error) {
	b, err := s.Block(id)
	if err != nil {
		return nil, err
	}
	var (
		readers = make([]sliceio.Reader, 0, len(b.runs)+1)
		closers []sliceio.ReadCloser
	)
	for _, path := range b.runs {
		f, err := os.Open(path)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, errors.E(errors.NotExist, fmt.Sprintf("shuffle block %s: open run", id), err)
		}
		c := &sliceio.ClosingReader{Reader: sliceio.NewDecodingReader(f), Closer: f}
		closers = append(closers, c)
		readers = append(readers, c)
	}
	if len(b.mem) > 0 {
		readers = append(readers, sliceio.NewDecodingReader(bytes.NewReader(b.mem)))
	}
	var r sliceio.Reader
	if less := b.Order.Less(); less != nil && len(readers) > 1 {
		if r, err = sortio.NewMergeReader(ctx, less, readers); err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, err
		}
	} else {
		r = sliceio.MultiReader(readers...)
	}
	return &blockReader{Reader: r, closers: closers}, nil
}

type blockReader struct {
	sliceio.Reader
	closers []sliceio.ReadCloser
}

func (b *blockReader) Close() error {
	var err error
	for _, c := range b.closers {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	b.closers = nil
	return err
}

// Parts returns the blocks of a shuffle ordered by producer and then
// consumer. Repeated calls return the same enumeration for the same
// set of committed blocks.
func (s *Store) Parts(id ID) []BlockID {
	d := s.directory(id, false)
	if d == nil {
		return nil
	}
	d.mu.RLock()
	ids := make([]BlockID, 0, len(d.blocks))
	for bid := range d.blocks {
		ids = append(ids, bid)
	}
	d.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Producer != ids[j].Producer {
			return ids[i].Producer < ids[j].Producer
		}
		return ids[i].Consumer < ids[j].Consumer
	})
	return ids
}

// Remove drops every block of the shuffles matched by match and
// deletes their spill files. Readers already opened keep working.
func (s *Store) Remove(match func(ID) bool) {
	var removed []*directory
	s.mu.Lock()
	for id, d := range s.shuffles {
		if match(id) {
			removed = append(removed, d)
			delete(s.shuffles, id)
		}
	}
	s.mu.Unlock()
	for _, d := range removed {
		d.mu.Lock()
		dirs := d.dirs
		d.blocks, d.dirs = nil, nil
		d.mu.Unlock()
		for _, dir := range dirs {
			if err := os.RemoveAll(dir); err != nil {
				log.Error.Printf("shuffle: remove %s: %v", dir, err)
			}
		}
	}
}

// RemoveJob drops every shuffle of the job.
func (s *Store) RemoveJob(job string) {
	s.Remove(func(id ID) bool { return id.Job == job })
}

// Close removes every shuffle and the store's directory.
func (s *Store) Close() error {
	s.Remove(func(ID) bool { return true })
	return os.RemoveAll(s.dir)
}
