// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cache implements the partition cache consulted by workers
// before recomputing a partition. Entries are keyed by (dataset,
// partition), are immutable once committed, and live either in
// memory or on local disk.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bndl-go/bndl/sliceio"
	"github.com/bndl-go/bndl/stats"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Tier is the storage tier of a cache entry.
type Tier int

const (
	// Memory stores the encoded partition in process memory.
	Memory Tier = iota
	// Disk stores the encoded partition in a local file.
	Disk
)

func (t Tier) String() string {
	switch t {
	case Memory:
		return "memory"
	case Disk:
		return "disk"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Key names a cached partition.
type Key struct {
	Dataset   string
	Partition int
}

func (k Key) String() string {
	return fmt.Sprintf("%s[%d]", k.Dataset, k.Partition)
}

type entry struct {
	tier    Tier
	records int64
	size    int64
	data    []byte
	path    string
}

// Manager is a cache of materialized partitions. The key space is
// guarded by a single reader/writer lock: lookups proceed
// concurrently, while commits and invalidations are exclusive.
// Entries are installed only once fully written, so lookups never
// observe partial values.
type Manager struct {
	dir   string
	stats *stats.Map

	mu      sync.RWMutex
	entries map[Key]*entry
	seq     int
}

// New returns a new Manager that stores disk-tier entries under
// dir. If dir is empty, a temporary directory is created.
func New(dir string) (*Manager, error) {
	if dir == "" {
		var err error
		if dir, err = ioutil.TempDir("", "cache-"); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	return &Manager{
		dir:     dir,
		stats:   stats.NewMap(),
		entries: make(map[Key]*entry),
	}, nil
}

// Stats returns the manager's counters.
func (m *Manager) Stats() stats.Values {
	vals := m.stats.Snapshot()
	m.mu.RLock()
	var mem, disk int64
	for _, e := range m.entries {
		switch e.tier {
		case Memory:
			mem += e.size
		case Disk:
			disk += e.size
		}
	}
	vals["entries"] = int64(len(m.entries))
	m.mu.RUnlock()
	vals["memory_bytes"] = mem
	vals["disk_bytes"] = disk
	return vals
}

// A Partition is a cache hit. Its records are read through Reader.
// A disk-tier partition holds its file open from lookup time, so it
// remains readable even if the entry is invalidated concurrently.
type Partition struct {
	Key
	Tier    Tier
	Records int64
	Size    int64

	data []byte
	file file.File
}

// Reader returns a reader of the partition's records. Reader may be
// called at most once for disk-tier partitions; the partition's file
// is closed once the reader is exhausted or closed.
func (p *Partition) Reader(ctx context.Context) sliceio.ReadCloser {
	if p.file == nil {
		return &sliceio.ClosingReader{Reader: sliceio.NewDecodingReader(bytes.NewReader(p.data))}
	}
	f := p.file
	p.file = nil
	return &sliceio.ClosingReader{
		Reader: sliceio.NewDecodingReader(f.Reader(ctx)),
		Closer: fileCloser{ctx, f},
	}
}

// Release releases the resources held by a partition that will not
// be read.
func (p *Partition) Release(ctx context.Context) {
	if p.file == nil {
		return
	}
	if err := p.file.Close(ctx); err != nil {
		log.Error.Printf("cache %s: close: %v", p.Key, err)
	}
	p.file = nil
}

type fileCloser struct {
	ctx  context.Context
	file file.File
}

func (f fileCloser) Close() error { return f.file.Close(f.ctx) }

// Get looks up the partition with the provided key. Get returns
// false on a miss.
func (m *Manager) Get(ctx context.Context, dataset string, partition int) (*Partition, bool) {
	key := Key{dataset, partition}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.entries[key]
	if e == nil {
		m.stats.Int("misses").Add(1)
		return nil, false
	}
	p := &Partition{Key: key, Tier: e.tier, Records: e.records, Size: e.size, data: e.data}
	if e.tier == Disk {
		f, err := file.Open(ctx, e.path)
		if err != nil {
			log.Error.Printf("cache %s: open %s: %v; treating as miss", key, e.path, err)
			m.stats.Int("misses").Add(1)
			return nil, false
		}
		p.file = f
	}
	m.stats.Int("hits").Add(1)
	return p, true
}

// Contains tells whether the key is cached.
func (m *Manager) Contains(dataset string, partition int) bool {
	m.mu.RLock()
	_, ok := m.entries[Key{dataset, partition}]
	m.mu.RUnlock()
	return ok
}

// Keys returns the cached keys of a dataset, ordered by partition.
func (m *Manager) Keys(dataset string) []Key {
	m.mu.RLock()
	var keys []Key
	for k := range m.entries {
		if k.Dataset == dataset {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Partition < keys[j].Partition })
	return keys
}

// Put stores records as the cached value of (dataset, partition).
// If the key is already cached, Put returns an error of kind
// errors.Exists and the cached value is left unchanged.
func (m *Manager) Put(ctx context.Context, dataset string, partition int, records []sliceio.Record, tier Tier) error {
	w, err := m.Create(ctx, dataset, partition, tier)
	if err != nil {
		return err
	}
	if err := w.Write(ctx, records); err != nil {
		w.Discard(ctx)
		return err
	}
	return w.Commit(ctx)
}

// A Writer populates a cache entry. The entry becomes visible only
// when the writer is committed.
type Writer struct {
	m       *Manager
	key     Key
	tier    Tier
	records int64

	buf  bytes.Buffer
	file file.File
	path string
	enc  *sliceio.Encoder
}

// Create returns a writer for the entry (dataset, partition).
func (m *Manager) Create(ctx context.Context, dataset string, partition int, tier Tier) (*Writer, error) {
	key := Key{dataset, partition}
	if m.Contains(dataset, partition) {
		return nil, errors.E(errors.Exists, fmt.Sprintf("cache %s", key))
	}
	w := &Writer{m: m, key: key, tier: tier}
	switch tier {
	case Memory:
		w.enc = sliceio.NewEncoder(&w.buf)
	case Disk:
		m.mu.Lock()
		m.seq++
		w.path = filepath.Join(m.dir, url.PathEscape(dataset), fmt.Sprintf("p%04d-%d", partition, m.seq))
		m.mu.Unlock()
		if err := os.MkdirAll(filepath.Dir(w.path), 0777); err != nil {
			return nil, err
		}
		f, err := file.Create(ctx, w.path)
		if err != nil {
			return nil, err
		}
		w.file = f
		w.enc = sliceio.NewEncoder(f.Writer(ctx))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cache %s: invalid tier %v", key, tier))
	}
	return w, nil
}

// Write implements sliceio.Writer.
func (w *Writer) Write(ctx context.Context, records []sliceio.Record) error {
	w.records += int64(len(records))
	return w.enc.Encode(records)
}

// Discard abandons the writer; nothing is installed.
func (w *Writer) Discard(ctx context.Context) {
	if w.file != nil {
		w.file.Discard(ctx)
		w.file = nil
	}
}

// Commit installs the written entry. If a concurrent writer
// committed the same key first, Commit discards this writer's data
// and returns an error of kind errors.Exists.
func (w *Writer) Commit(ctx context.Context) error {
	e := &entry{tier: w.tier, records: w.records}
	if w.file != nil {
		if err := w.file.Close(ctx); err != nil {
			return err
		}
		w.file = nil
		info, err := file.Stat(ctx, w.path)
		if err != nil {
			return err
		}
		e.path = w.path
		e.size = info.Size()
	} else {
		e.data = w.buf.Bytes()
		e.size = int64(len(e.data))
	}
	w.m.mu.Lock()
	if _, ok := w.m.entries[w.key]; ok {
		w.m.mu.Unlock()
		if e.path != "" {
			if err := file.Remove(ctx, e.path); err != nil {
				log.Error.Printf("cache %s: remove %s: %v", w.key, e.path, err)
			}
		}
		return errors.E(errors.Exists, fmt.Sprintf("cache %s", w.key))
	}
	w.m.entries[w.key] = e
	w.m.mu.Unlock()
	w.m.stats.Int("puts").Add(1)
	log.Debug.Printf("cache %s: stored %d records (%s, %s)", w.key, e.records, data.Size(e.size), e.tier)
	return nil
}

// Invalidate removes every cached partition of the dataset.
// Readers obtained before the call are unaffected.
func (m *Manager) Invalidate(ctx context.Context, dataset string) {
	m.remove(ctx, func(k Key) bool { return k.Dataset == dataset })
}

// InvalidatePartition removes a single cached partition.
func (m *Manager) InvalidatePartition(ctx context.Context, dataset string, partition int) {
	key := Key{dataset, partition}
	m.remove(ctx, func(k Key) bool { return k == key })
}

func (m *Manager) remove(ctx context.Context, match func(Key) bool) {
	var paths []string
	m.mu.Lock()
	for k, e := range m.entries {
		if !match(k) {
			continue
		}
		delete(m.entries, k)
		if e.path != "" {
			paths = append(paths, e.path)
		}
	}
	m.mu.Unlock()
	for _, path := range paths {
		if err := file.Remove(ctx, path); err != nil {
			log.Error.Printf("cache: remove %s: %v", path, err)
		}
	}
}

// Close drops every entry and removes the manager's directory.
func (m *Manager) Close(ctx context.Context) error {
	m.remove(ctx, func(Key) bool { return true })
	return os.RemoveAll(m.dir)
}
