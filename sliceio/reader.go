// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sliceio provides the record type moved through the engine
// together with lazy readers, a checksummed stream codec, and spill
// files.
package sliceio

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
)

// DefaultChunksize is the default size used for I/O vectors within the
// sliceio package.
const defaultChunksize = 1024

// EOF is the error returned by Reader.Read when no more data is
// available. EOF is intended as a sentinel error: it signals a
// graceful end of output. If output terminates unexpectedly, a
// different error should be returned.
var EOF = errors.New("EOF")

// A Record is a single keyed record. Partitioners and aggregators
// operate over the key; the value is opaque to the engine.
type Record struct {
	Key   string
	Value []byte
}

// Size returns the approximate in-memory footprint of the record,
// used to enforce spill thresholds.
func (r Record) Size() int {
	return len(r.Key) + len(r.Value) + 16
}

// A Reader represents a stateful stream of records. Each call to
// Read reads the next set of available records. Readers are lazy and
// not restartable: once a record has been returned, reading again
// requires a fresh reader.
type Reader interface {
	// Read reads up to len(out) records into out. Read returns the
	// number of records read, or an error. When no more records are
	// available, Read returns EOF. Read may return EOF when n > 0. In
	// this case, n records were read, but no more are available.
	//
	// Read should not be called concurrently.
	Read(ctx context.Context, out []Record) (int, error)
}

// A ReadCloser groups a Reader with a Close method.
type ReadCloser interface {
	Reader
	io.Closer
}

type multiReader struct {
	q   []Reader
	err error
}

// MultiReader returns a Reader that's the logical concatenation of
// the provided input readers. Once every underlying Reader has
// returned EOF, Read will return EOF, too. Non-EOF errors are
// returned immediately.
func MultiReader(readers ...Reader) Reader {
	return &multiReader{q: readers}
}

func (m *multiReader) Read(ctx context.Context, out []Record) (n int, err error) {
	if m.err != nil {
		return 0, m.err
	}
	for len(m.q) > 0 {
		n, err := m.q[0].Read(ctx, out)
		switch {
		case err == EOF:
			err = nil
			m.q = m.q[1:]
			if n > 0 {
				return n, nil
			}
		case err != nil:
			m.err = err
			return n, err
		case n > 0:
			return n, err
		}
	}
	return 0, EOF
}

// Close closes any remaining underlying readers that implement
// io.Closer.
func (m *multiReader) Close() error {
	var err error
	for _, r := range m.q {
		if c, ok := r.(io.Closer); ok {
			if e := c.Close(); e != nil && err == nil {
				err = e
			}
		}
	}
	m.q = nil
	return err
}

type recordReader struct {
	records []Record
}

// RecordReader returns a Reader that reads the provided records
// to completion.
func RecordReader(records []Record) Reader {
	return &recordReader{records}
}

func (r *recordReader) Read(ctx context.Context, out []Record) (int, error) {
	n := copy(out, r.records)
	r.records = r.records[n:]
	if len(r.records) == 0 {
		return n, EOF
	}
	return n, nil
}

// ReadAll reads all records from reader r. ReadAll is not tuned for
// performance; it is used for small partitions and in tests.
func ReadAll(ctx context.Context, r Reader) ([]Record, error) {
	var (
		all []Record
		buf = make([]Record, defaultChunksize)
	)
	for {
		n, err := r.Read(ctx, buf)
		all = append(all, buf[:n]...)
		if err == EOF {
			return all, nil
		}
		if err != nil {
			return all, err
		}
	}
}

// ReadFull reads the full length of out. ReadFull reads short
// only on EOF.
func ReadFull(ctx context.Context, r Reader, out []Record) (n int, err error) {
	for n < len(out) {
		m, err := r.Read(ctx, out[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// An errReader is a reader that only returns errors.
type errReader struct{ Err error }

// ErrReader returns a reader that returns the provided error
// on every call to read. ErrReader panics if err is nil.
func ErrReader(err error) Reader {
	if err == nil {
		panic("nil error")
	}
	return &errReader{err}
}

func (e errReader) Read(ctx context.Context, out []Record) (int, error) {
	return 0, e.Err
}

// A ClosingReader closes the provided io.Closer when Read returns
// any error.
type ClosingReader struct {
	Reader
	io.Closer
}

// Read implements sliceio.Reader.
func (c *ClosingReader) Read(ctx context.Context, out []Record) (int, error) {
	n, err := c.Reader.Read(ctx, out)
	if err != nil && c.Closer != nil {
		c.Closer.Close()
		c.Closer = nil
	}
	return n, err
}

// Close closes the underlying closer if it has not already been
// closed by Read.
func (c *ClosingReader) Close() error {
	if c.Closer == nil {
		return nil
	}
	err := c.Closer.Close()
	c.Closer = nil
	return err
}

// EmptyReader returns an EOF.
type EmptyReader struct{}

func (EmptyReader) Read(ctx context.Context, out []Record) (int, error) {
	return 0, EOF
}

// A FuncReader adapts a function to a Reader.
type FuncReader func(ctx context.Context, out []Record) (int, error)

// Read implements Reader.
func (f FuncReader) Read(ctx context.Context, out []Record) (int, error) {
	return f(ctx, out)
}

// Close closes r if it implements io.Closer.
func Close(r Reader) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
