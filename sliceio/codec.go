// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sliceio

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
)

// An Encoder manages transmission of records through an underlying
// io.Writer. The stream is a sequence of checksummed record batches
// that can be read back by a decoding reader.
type Encoder struct {
	enc *gob.Encoder
	crc hash.Hash32
}

// NewEncoder returns a a new Encoder that streams records into the
// provided writer.
func NewEncoder(w io.Writer) *Encoder {
	crc := crc32.NewIEEE()
	return &Encoder{
		enc: gob.NewEncoder(io.MultiWriter(w, crc)),
		crc: crc,
	}
}

// Write implements Writer.
func (e *Encoder) Write(ctx context.Context, records []Record) error {
	return e.Encode(records)
}

// Encode encodes a batch of records and writes the encoded output
// into the encoder's writer. Empty batches are skipped.
func (e *Encoder) Encode(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	e.crc.Reset()
	if err := e.enc.Encode(len(records)); err != nil {
		return err
	}
	if err := e.enc.Encode(records); err != nil {
		return err
	}
	return e.enc.Encode(e.crc.Sum32())
}

// DecodingReader provides a Reader on top of a stream of batches
// written by an Encoder.
type decodingReader struct {
	dec *gob.Decoder
	crc hash.Hash32
	buf []Record
	err error
}

// NewDecodingReader returns a new Reader that decodes records from
// the provided stream. Since records are streamed in batches, the
// decoding reader buffers records until they are read by the
// consumer.
func NewDecodingReader(r io.Reader) Reader {
	// We need to compute checksums by inspecting the underlying
	// bytestream, however, gob uses whether the reader implements
	// io.ByteReader as a proxy for whether the passed reader is
	// buffered. io.TeeReader does not implement io.ByteReader, and thus
	// gob.Decoder will insert a buffered reader leaving us without
	// means of synchronizing stream positions, required for
	// checksumming. Instead we fake an implementation of io.ByteReader,
	// and take over the responsibility of ensuring that IO is buffered.
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	r = io.TeeReader(r, crc)
	return &decodingReader{dec: gob.NewDecoder(readerByteReader{Reader: r}), crc: crc}
}

func (d *decodingReader) Read(ctx context.Context, out []Record) (n int, err error) {
	if d.err != nil {
		return 0, d.err
	}
	for len(d.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		d.crc.Reset()
		var size int
		if d.err = d.dec.Decode(&size); d.err != nil {
			if d.err == io.EOF {
				d.err = EOF
			}
			return 0, d.err
		}
		var batch []Record
		if d.err = d.dec.Decode(&batch); d.err != nil {
			if d.err == io.EOF {
				d.err = errors.E(errors.Integrity, "truncated record stream")
			}
			return 0, d.err
		}
		sum := d.crc.Sum32()
		var decoded uint32
		if d.err = d.dec.Decode(&decoded); d.err != nil {
			return 0, d.err
		}
		if sum != decoded {
			d.err = errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, decoded))
			return 0, d.err
		}
		if len(batch) != size {
			d.err = errors.E(errors.Integrity, fmt.Sprintf("batch declared %d records, decoded %d", size, len(batch)))
			return 0, d.err
		}
		d.buf = batch
	}
	n = copy(out, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

// readerByteReader is used to provide an (invalid) implementation of
// io.ByteReader to gob.Encoder. See comment in NewDecodingReader
// for details.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}

// A Writer is a sink for record batches.
type Writer interface {
	// Write writes records to an underlying data stream. It returns a
	// non-nil error if there is a problem writing, and records may
	// have been partially written.
	Write(ctx context.Context, records []Record) error
}

// Copy writes every record from r into w, returning the number of
// records copied.
func Copy(ctx context.Context, w Writer, r Reader) (int64, error) {
	var (
		n   int64
		buf = make([]Record, defaultChunksize)
	)
	for {
		m, err := r.Read(ctx, buf)
		if m > 0 {
			if werr := w.Write(ctx, buf[:m]); werr != nil {
				return n, werr
			}
			n += int64(m)
		}
		if err == EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}
