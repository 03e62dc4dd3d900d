// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"time"

	"github.com/bndl-go/bndl/sliceio"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// fetchChunksize is the maximum number of records returned by a
// single fetch.
const fetchChunksize = 4096

// maxFetchRetries is the number of consecutive transient failures
// after which a fetch gives up.
const maxFetchRetries = 5

var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// A fetcher reads chunks of stored partitions and shuffle blocks
// from workers.
type fetcher interface {
	Fetch(ctx context.Context, worker string, req FetchRequest) (*FetchReply, error)
}

// fetchReader reads a partition or block from a worker in chunks.
// Transient failures are retried from the record offset at which the
// last successful chunk ended, so that no record is read twice.
type fetchReader struct {
	fetcher fetcher
	worker  string
	req     FetchRequest

	buf     []sliceio.Record
	eof     bool
	retries int
	err     error
}

func newFetchReader(f fetcher, worker string, req FetchRequest) *fetchReader {
	if req.Max == 0 {
		req.Max = fetchChunksize
	}
	req.Reader = uuid.NewString()
	return &fetchReader{fetcher: f, worker: worker, req: req}
}

func (r *fetchReader) Read(ctx context.Context, out []sliceio.Record) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			r.err = sliceio.EOF
			return 0, r.err
		}
		if r.retries > 0 {
			log.Printf("fetch %s from %s: retrying(%d) from offset %d",
				r.req.key(), r.worker, r.retries, r.req.Offset)
		}
		reply, err := r.fetcher.Fetch(ctx, r.worker, r.req)
		if err != nil {
			if !errors.Is(errors.Timeout, err) && !errors.Is(errors.Net, err) {
				r.err = err
				return 0, err
			}
			log.Error.Printf("fetch %s from %s: error (%d) at offset %d: %v",
				r.req.key(), r.worker, r.retries, r.req.Offset, err)
			r.retries++
			if r.retries > maxFetchRetries {
				r.err = err
				return 0, err
			}
			if werr := retry.Wait(ctx, retryPolicy, r.retries-1); werr != nil {
				r.err = werr
				return 0, werr
			}
			continue
		}
		r.retries = 0
		r.buf = reply.Records
		r.eof = reply.EOF
		r.req.Offset += int64(len(reply.Records))
	}
	n := copy(out, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
