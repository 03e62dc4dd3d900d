// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
)

// partitionKey names a stored stage partition.
type partitionKey struct {
	Job       string
	Stage     int
	Partition int
}

func (k partitionKey) String() string {
	return fmt.Sprintf("%s/s%d/p%d", k.Job, k.Stage, k.Partition)
}

// sliceInfo stores metadata for a stored partition.
type sliceInfo struct {
	// Size is the raw, encoded byte size of the stored partition.
	Size int64
	// Records contains the number of records in the stored partition.
	Records int64
}

// A writeCommitter represents a committable write stream into a store.
type writeCommitter interface {
	io.Writer
	// Commit commits the written data to storage. The caller should
	// provide the number of records written as metadata.
	Commit(ctx context.Context, records int64) error
	// Discard discards the writer; it will not be committed.
	Discard(ctx context.Context) error
}

// Store holds the encoded outputs of store-output stages, keyed by
// job, stage and partition.
type Store interface {
	// Create returns a writer that populates data for the given
	// partition. The data is not available to Open until the
	// writer has been committed.
	Create(ctx context.Context, key partitionKey) (writeCommitter, error)

	// Open returns a ReadCloser from which the stored contents of the
	// partition can be read. If the partition is not stored, an error
	// with kind errors.NotExist is returned. The offset specifies the
	// byte position from which to read.
	Open(ctx context.Context, key partitionKey, offset int64) (io.ReadCloser, error)

	// Stat returns metadata for the stored partition.
	Stat(ctx context.Context, key partitionKey) (sliceInfo, error)

	// Discard removes a stored partition.
	Discard(ctx context.Context, key partitionKey) error

	// Remove removes every partition stored for the job.
	Remove(ctx context.Context, job string) error
}

// memoryStore is a store implementation that maintains in-memory
// buffers of task output.
type memoryStore struct {
	mu    sync.Mutex
	parts map[partitionKey]memoryPart
}

type memoryPart struct {
	data  []byte
	count int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{parts: make(map[partitionKey]memoryPart)}
}

func (m *memoryStore) get(key partitionKey) (memoryPart, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[key]
	return p, ok
}

func (m *memoryStore) put(key partitionKey, p []byte, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parts[key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("partition %s already stored", key))
	}
	if p == nil {
		p = []byte{}
	}
	m.parts[key] = memoryPart{p, count}
	return nil
}

type memoryWriter struct {
	bytes.Buffer
	key   partitionKey
	store *memoryStore
}

func (*memoryWriter) Discard(context.Context) error {
	return nil
}

func (m *memoryWriter) Commit(ctx context.Context, count int64) error {
	return m.store.put(m.key, m.Buffer.Bytes(), count)
}

func (m *memoryStore) Create(ctx context.Context, key partitionKey) (writeCommitter, error) {
	if _, ok := m.get(key); ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %s", key))
	}
	return &memoryWriter{key: key, store: m}, nil
}

func (m *memoryStore) Open(ctx context.Context, key partitionKey, offset int64) (io.ReadCloser, error) {
	p, ok := m.get(key)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("open %s", key))
	}
	if int64(len(p.data)) < offset {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("open %s: seeked to %d, data size %d", key, offset, len(p.data)))
	}
	return ioutil.NopCloser(bytes.NewReader(p.data[offset:])), nil
}

func (m *memoryStore) Stat(ctx context.Context, key partitionKey) (sliceInfo, error) {
	p, ok := m.get(key)
	if !ok {
		return sliceInfo{}, errors.E(errors.NotExist, fmt.Sprintf("stat %s", key))
	}
	return sliceInfo{Size: int64(len(p.data)), Records: p.count}, nil
}

func (m *memoryStore) Discard(ctx context.Context, key partitionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parts[key]; !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("discard %s", key))
	}
	delete(m.parts, key)
	return nil
}

func (m *memoryStore) Remove(ctx context.Context, job string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.parts {
		if key.Job == job {
			delete(m.parts, key)
		}
	}
	return nil
}

// fileStore is a store implementation that keeps partitions in
// files under a prefix; any URL supported by package file may be
// used. A partition is stored at "{Prefix}/{job}/s{stage}/p{partition}",
// followed by its 8-byte record count.
type fileStore struct {
	Prefix string

	mu    sync.Mutex
	paths map[string]map[string]bool
}

func newFileStore(prefix string) *fileStore {
	return &fileStore{Prefix: prefix, paths: make(map[string]map[string]bool)}
}

func (s *fileStore) path(key partitionKey) string {
	return file.Join(s.Prefix, key.Job, fmt.Sprintf("s%03d", key.Stage), fmt.Sprintf("p%03d", key.Partition))
}

type fileWriter struct {
	file.File
	io.Writer
	ctx   context.Context
	path  string
	store *fileStore
	key   partitionKey
}

func (w *fileWriter) Close() error {
	return closeFile(w.ctx, w.File)
}

func (w *fileWriter) Commit(ctx context.Context, count int64) (err error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(count))
	if _, err = w.Write(b[:]); err != nil {
		fileio.CloseAndReport(w, &err)
		return err
	}
	if err = closeFile(ctx, w.File); err != nil {
		return err
	}
	w.store.mu.Lock()
	if w.store.paths[w.key.Job] == nil {
		w.store.paths[w.key.Job] = make(map[string]bool)
	}
	w.store.paths[w.key.Job][w.path] = true
	w.store.mu.Unlock()
	return nil
}

func (w *fileWriter) Discard(ctx context.Context) error {
	w.File.Discard(ctx)
	return nil
}

func (s *fileStore) Create(ctx context.Context, key partitionKey) (writeCommitter, error) {
	path := s.path(key)
	if _, err := file.Stat(ctx, path); err == nil {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %s", key))
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	return &fileWriter{File: f, Writer: f.Writer(ctx), ctx: ctx, path: path, store: s, key: key}, nil
}

func (s *fileStore) Open(ctx context.Context, key partitionKey, offset int64) (io.ReadCloser, error) {
	f, err := file.Open(ctx, s.path(key))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat(ctx)
	if err != nil {
		fileio.CloseAndReport(&fileIOCloser{ctx: ctx, file: f}, &err)
		return nil, err
	}
	if size := info.Size() - 8; size < offset {
		err = errors.E(errors.Invalid, fmt.Sprintf("open %s: seeked to %d, data size %d", key, offset, size))
		fileio.CloseAndReport(&fileIOCloser{ctx: ctx, file: f}, &err)
		return nil, err
	}
	r := f.Reader(ctx)
	if n, err := r.Seek(offset, io.SeekStart); err != nil || n != offset {
		if err == nil {
			err = errors.E(errors.Invalid, fmt.Sprintf("seeked to %d, got %d", offset, n))
		}
		fileio.CloseAndReport(&fileIOCloser{ctx: ctx, file: f}, &err)
		return nil, err
	}
	return &fileIOCloser{
		Reader: io.LimitReader(r, info.Size()-8-offset),
		ctx:    ctx,
		file:   f,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, key partitionKey) (info sliceInfo, err error) {
	f, err := file.Open(ctx, s.path(key))
	if err != nil {
		return sliceInfo{}, err
	}
	defer fileio.CloseAndReport(&fileIOCloser{ctx: ctx, file: f}, &err)
	rs := f.Reader(ctx)
	n, err := rs.Seek(-8, io.SeekEnd)
	if err != nil {
		return sliceInfo{}, err
	}
	var b [8]byte
	if _, err := io.ReadFull(rs, b[:]); err != nil {
		return sliceInfo{}, err
	}
	return sliceInfo{
		Size:    n,
		Records: int64(binary.LittleEndian.Uint64(b[:])),
	}, nil
}

func (s *fileStore) Discard(ctx context.Context, key partitionKey) error {
	path := s.path(key)
	if err := file.Remove(ctx, path); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.paths[key.Job], path)
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Remove(ctx context.Context, job string) error {
	s.mu.Lock()
	paths := s.paths[job]
	delete(s.paths, job)
	s.mu.Unlock()
	var err error
	for path := range paths {
		if e := file.Remove(ctx, path); e != nil && err == nil {
			err = e
		}
	}
	return err
}

type fileIOCloser struct {
	io.Reader
	ctx  context.Context
	file file.File
}

func (f *fileIOCloser) Close() error {
	return closeFile(f.ctx, f.file)
}

type closeNoSyncer interface {
	CloseNoSync(context.Context) error
}

// closeFile closes the provided file. It avoids syncing if the
// implementation supports it.
func closeFile(ctx context.Context, f file.File) error {
	if closer, ok := f.(closeNoSyncer); ok {
		return closer.CloseNoSync(ctx)
	}
	return f.Close(ctx)
}
