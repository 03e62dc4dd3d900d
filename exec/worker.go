// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/bndl-go/bndl/cache"
	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/bndl-go/bndl/stats"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
)

// maxParallelOpens is the number of shuffle blocks a task opens
// concurrently.
const maxParallelOpens = 8

// RemoteFetch fetches a chunk of a partition or block from the
// worker described by src.
type RemoteFetch func(ctx context.Context, src Source, req FetchRequest) (*FetchReply, error)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Name is the worker's name as known to its peers.
	Name string
	// Slots is the number of tasks the worker runs concurrently.
	// Zero means runtime.NumCPU().
	Slots int
	// Store holds the outputs of store-output stages. Nil means an
	// in-memory store.
	Store Store
	// Shuffles holds shuffle blocks.
	Shuffles *shuffle.Store
	// Cache is the worker's partition cache. Nil disables caching.
	Cache *cache.Manager
	// SpillThreshold is passed to shuffle writers.
	SpillThreshold int
	// Remote fetches data held by other workers.
	Remote RemoteFetch
}

// A Worker runs task attempts and serves the data they produce. Its
// methods are exposed as rmi methods by Register.
type Worker struct {
	name           string
	funcs          *Funcs
	store          Store
	shuffles       *shuffle.Store
	cache          *cache.Manager
	spillThreshold int
	remote         RemoteFetch
	slots          *limiter.Limiter
	stats          *stats.Map

	released once.Map

	mu      sync.Mutex
	cond    *ctxsync.Cond
	running map[string]int
	gone    map[string]bool
	cursors map[string]*cursor
}

// cursor is a reader of a partition or block kept open between
// consecutive fetches by the same reader.
type cursor struct {
	job    string
	offset int64
	reader sliceio.ReadCloser
}

// NewWorker returns a new worker running the functions in funcs.
func NewWorker(funcs *Funcs, config WorkerConfig) *Worker {
	if config.Slots <= 0 {
		config.Slots = runtime.NumCPU()
	}
	if config.Store == nil {
		config.Store = newMemoryStore()
	}
	w := &Worker{
		name:           config.Name,
		funcs:          funcs,
		store:          config.Store,
		shuffles:       config.Shuffles,
		cache:          config.Cache,
		spillThreshold: config.SpillThreshold,
		remote:         config.Remote,
		slots:          limiter.New(),
		stats:          stats.NewMap(),
		running:        make(map[string]int),
		gone:           make(map[string]bool),
		cursors:        make(map[string]*cursor),
	}
	w.cond = ctxsync.NewCond(&w.mu)
	w.slots.Release(config.Slots)
	return w
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// begin registers a running task of the job. It returns false if the
// job has been released.
func (w *Worker) begin(job string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gone[job] {
		return false
	}
	w.running[job]++
	return true
}

func (w *Worker) end(job string) {
	w.mu.Lock()
	if w.running[job]--; w.running[job] == 0 {
		delete(w.running, job)
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Run runs a task attempt. Failures of the task's user functions are
// returned in the reply's Failure, so that they keep their dataset
// and partition attribution; all other failures are returned as
// errors.
func (w *Worker) Run(ctx context.Context, req *TaskRequest) (reply *TaskReply, err error) {
	if err := w.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.slots.Release(1)
	if !w.begin(req.Job) {
		return nil, errors.E(errors.Canceled, fmt.Sprintf("task %s: job released", req))
	}
	defer w.end(req.Job)
	w.stats.Int("tasks").Add(1)
	start := time.Now()
	log.Debug.Printf("task %s attempt %d: start", req, req.Attempt)

	e := &evaluation{req: req, funcs: w.funcs, cache: w.cache}
	e.inputs = func(ctx context.Context, i int) (sliceio.Reader, error) {
		r, closers, err := w.openInput(ctx, req, i)
		e.closers = append(e.closers, closers...)
		return r, err
	}
	defer e.close(context.Background())

	scope := new(metrics.Scope)
	ctx = metrics.ScopedContext(ctx, scope)
	reply = &TaskReply{Metrics: scope}
	out, err := e.evaluate(ctx)
	if err == nil {
		switch req.Output.Kind {
		case OutputStore:
			err = w.writeStore(ctx, req, out, reply)
		case OutputShuffle:
			err = w.writeShuffle(ctx, req, out, reply)
		default:
			err = errors.E(errors.NotSupported, fmt.Sprintf("output kind %d", req.Output.Kind))
		}
	}
	if err != nil {
		w.stats.Int("failures").Add(1)
		if te, ok := asExecutionError(err); ok {
			log.Error.Printf("task %s attempt %d: %v", req, req.Attempt, te)
			return &TaskReply{Failure: failure(te)}, nil
		}
		log.Error.Printf("task %s attempt %d: %v", req, req.Attempt, err)
		return nil, err
	}
	reply.Cached = e.cachedDatasets()
	w.stats.Int("write").Add(reply.Records)
	w.stats.Int("bytes").Add(reply.Bytes)
	log.Debug.Printf("task %s attempt %d: %d records (%s) in %s",
		req, req.Attempt, reply.Records, data.Size(reply.Bytes), time.Since(start))
	return reply, nil
}

func (w *Worker) writeStore(ctx context.Context, req *TaskRequest, out sliceio.Reader, reply *TaskReply) error {
	key := partitionKey{req.Job, req.Stage, req.Partition}
	wc, err := w.store.Create(ctx, key)
	if errors.Is(errors.Exists, err) {
		// An earlier attempt that was given up on completed after all.
		if err = w.store.Discard(ctx, key); err == nil {
			wc, err = w.store.Create(ctx, key)
		}
	}
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(wc)
	n, err := sliceio.Copy(ctx, sliceio.NewEncoder(buf), out)
	if err == nil {
		err = buf.Flush()
	}
	if err != nil {
		if derr := wc.Discard(ctx); derr != nil {
			log.Error.Printf("task %s: discard: %v", req, derr)
		}
		return err
	}
	if err := wc.Commit(ctx, n); err != nil {
		return err
	}
	info, err := w.store.Stat(ctx, key)
	if err != nil {
		return err
	}
	reply.Records, reply.Bytes = n, info.Size
	return nil
}

func (w *Worker) writeShuffle(ctx context.Context, req *TaskRequest, out sliceio.Reader, reply *TaskReply) error {
	opts := shuffle.WriterOptions{
		Order:          req.Output.Order,
		SpillThreshold: w.spillThreshold,
	}
	if req.Output.Combine != "" {
		agg, err := w.funcs.aggregator(req.Output.Combine)
		if err != nil {
			return err
		}
		opts.Aggregator = agg
	}
	sw := w.shuffles.NewWriter(shuffle.ID{Job: req.Job, Stage: req.Stage}, req.Partition, req.Output.NumConsumers, opts)
	if _, err := sliceio.Copy(ctx, sw, out); err != nil {
		sw.Discard()
		return err
	}
	blocks, err := sw.Close(ctx)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		reply.Records += b.Records
		reply.Bytes += b.Size
	}
	reply.Spilled = sw.Spilled()
	w.stats.Int("spills").Add(int64(reply.Spilled))
	return nil
}

// openInput opens the i'th input of the task. It returns the input's
// reader together with the readers that must be closed once the task
// is done.
func (w *Worker) openInput(ctx context.Context, req *TaskRequest, i int) (sliceio.Reader, []sliceio.Reader, error) {
	in, srcs := req.Inputs[i], req.Sources[i]
	read := w.stats.Int("read")
	switch in.Kind {
	case InputPartition:
		if len(srcs) != 1 {
			return nil, nil, errors.E(errors.Unavailable, fmt.Sprintf("task %s: input %d has %d sources", req, i, len(srcs)))
		}
		key := partitionKey{req.Job, in.Stage, req.Partition}
		var r sliceio.Reader
		if srcs[0].Worker == w.name {
			rc, err := w.openPartition(ctx, key)
			if err != nil {
				return nil, nil, errors.E(errors.Unavailable, fmt.Sprintf("open input %s", key), err)
			}
			r = rc
		} else {
			r = newFetchReader(w.sourceFetcher(srcs[0]), srcs[0].Worker, FetchRequest{
				Kind:      FetchPartition,
				Job:       req.Job,
				Stage:     in.Stage,
				Partition: req.Partition,
			})
		}
		r = &inputReader{&statsReader{r, read}, key.String()}
		return r, []sliceio.Reader{r}, nil
	case InputShuffle:
		readers := make([]sliceio.Reader, len(srcs))
		err := traverse.Limit(maxParallelOpens).Each(len(srcs), func(j int) error {
			src := srcs[j]
			id := shuffle.BlockID{
				Shuffle:  shuffle.ID{Job: req.Job, Stage: in.Stage},
				Producer: src.Partition,
				Consumer: req.Partition,
			}
			var r sliceio.Reader
			if src.Worker == w.name {
				rc, err := w.shuffles.Open(ctx, id)
				if err != nil {
					return errors.E(errors.Unavailable, fmt.Sprintf("open input %s", id), err)
				}
				r = rc
			} else {
				r = newFetchReader(w.sourceFetcher(src), src.Worker, FetchRequest{
					Kind:      FetchBlock,
					Job:       req.Job,
					Stage:     in.Stage,
					Partition: src.Partition,
					Consumer:  req.Partition,
				})
			}
			readers[j] = &inputReader{&statsReader{r, read}, id.String()}
			return nil
		})
		closers := make([]sliceio.Reader, 0, len(readers))
		for _, r := range readers {
			if r != nil {
				closers = append(closers, r)
			}
		}
		if err != nil {
			return nil, closers, err
		}
		r, err := mergeInput(ctx, w.funcs, in, readers)
		return r, closers, err
	default:
		return nil, nil, errors.E(errors.NotSupported, fmt.Sprintf("input kind %d", in.Kind))
	}
}

func (w *Worker) openPartition(ctx context.Context, key partitionKey) (sliceio.ReadCloser, error) {
	rc, err := w.store.Open(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	return &sliceio.ClosingReader{Reader: sliceio.NewDecodingReader(rc), Closer: rc}, nil
}

// sourceFetcher returns a fetcher of data held by src.
func (w *Worker) sourceFetcher(src Source) fetcher {
	return fetcherFunc(func(ctx context.Context, _ string, req FetchRequest) (*FetchReply, error) {
		if w.remote == nil {
			return nil, errors.E(errors.NotSupported, fmt.Sprintf("worker %s cannot reach %s", w.name, src.Worker))
		}
		return w.remote(ctx, src, req)
	})
}

type fetcherFunc func(ctx context.Context, worker string, req FetchRequest) (*FetchReply, error)

func (f fetcherFunc) Fetch(ctx context.Context, worker string, req FetchRequest) (*FetchReply, error) {
	return f(ctx, worker, req)
}

// Fetch returns the next chunk of a stored partition or shuffle
// block, starting at the requested record offset.
func (w *Worker) Fetch(ctx context.Context, req FetchRequest) (*FetchReply, error) {
	if req.Max <= 0 {
		req.Max = fetchChunksize
	}
	key := req.key()
	w.mu.Lock()
	c := w.cursors[key]
	delete(w.cursors, key)
	gone := w.gone[req.Job]
	w.mu.Unlock()
	if gone {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("fetch %s: job released", key))
	}
	if c != nil && c.offset != req.Offset {
		c.reader.Close()
		c = nil
	}
	if c == nil {
		var err error
		if c, err = w.openCursor(ctx, req); err != nil {
			return nil, err
		}
	}
	buf := make([]sliceio.Record, req.Max)
	n, err := sliceio.ReadFull(ctx, c.reader, buf)
	c.offset += int64(n)
	reply := &FetchReply{Records: buf[:n]}
	switch {
	case err == sliceio.EOF:
		reply.EOF = true
		c.reader.Close()
	case err != nil:
		c.reader.Close()
		return nil, err
	default:
		w.mu.Lock()
		w.cursors[key] = c
		w.mu.Unlock()
	}
	w.stats.Int("served").Add(int64(n))
	return reply, nil
}

// openCursor opens the data named by req and skips to its offset.
// The reader outlives the request, so it is not bound to its context.
func (w *Worker) openCursor(ctx context.Context, req FetchRequest) (*cursor, error) {
	var (
		r   sliceio.ReadCloser
		err error
	)
	switch req.Kind {
	case FetchPartition:
		r, err = w.openPartition(context.Background(), partitionKey{req.Job, req.Stage, req.Partition})
	case FetchBlock:
		r, err = w.shuffles.Open(context.Background(), shuffle.BlockID{
			Shuffle:  shuffle.ID{Job: req.Job, Stage: req.Stage},
			Producer: req.Partition,
			Consumer: req.Consumer,
		})
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("fetch kind %d", req.Kind))
	}
	if err != nil {
		return nil, err
	}
	c := &cursor{job: req.Job, reader: r}
	if req.Offset > 0 {
		skip := make([]sliceio.Record, defaultChunksize)
		for c.offset < req.Offset {
			m := int64(len(skip))
			if left := req.Offset - c.offset; left < m {
				m = left
			}
			n, err := sliceio.ReadFull(ctx, r, skip[:m])
			c.offset += int64(n)
			if err != nil && (err != sliceio.EOF || c.offset < req.Offset) {
				r.Close()
				if err == sliceio.EOF {
					err = errors.E(errors.Invalid, fmt.Sprintf("fetch %s: offset %d past end %d", req.key(), req.Offset, c.offset))
				}
				return nil, err
			}
		}
	}
	return c, nil
}

// Blocks returns the blocks of a shuffle held by the worker, in a
// stable order.
func (w *Worker) Blocks(ctx context.Context, req BlocksRequest) ([]shuffle.BlockID, error) {
	return w.shuffles.Parts(shuffle.ID{Job: req.Job, Stage: req.Stage}), nil
}

// Release drops the job's stored partitions, shuffle blocks and open
// cursors, once the job's running tasks have finished. Tasks of a
// released job are refused. Release is idempotent.
func (w *Worker) Release(ctx context.Context, job string) error {
	w.mu.Lock()
	w.gone[job] = true
	w.mu.Unlock()
	err := w.released.Do(job, func() error {
		w.mu.Lock()
		for w.running[job] > 0 {
			if err := w.cond.Wait(ctx); err != nil {
				w.mu.Unlock()
				return err
			}
		}
		var cursors []*cursor
		for key, c := range w.cursors {
			if c.job == job {
				cursors = append(cursors, c)
				delete(w.cursors, key)
			}
		}
		w.mu.Unlock()
		for _, c := range cursors {
			c.reader.Close()
		}
		w.shuffles.RemoveJob(job)
		if err := w.store.Remove(ctx, job); err != nil {
			return err
		}
		log.Printf("worker %s: released job %s", w.name, job)
		return nil
	})
	if err != nil {
		w.released.Forget(job)
	}
	return err
}

// Uncache removes cached partitions of a dataset.
func (w *Worker) Uncache(ctx context.Context, req UncacheRequest) error {
	if w.cache == nil {
		return nil
	}
	if req.Partition < 0 {
		w.cache.Invalidate(ctx, req.Dataset)
	} else {
		w.cache.InvalidatePartition(ctx, req.Dataset, req.Partition)
	}
	return nil
}

// Stats returns the worker's counters, including those of its cache.
func (w *Worker) Stats(ctx context.Context) (stats.Values, error) {
	vals := w.stats.Snapshot()
	if w.cache != nil {
		for k, v := range w.cache.Stats() {
			vals["cache."+k] = v
		}
	}
	return vals, nil
}
