// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the execution engine: compilation of
// lineage graphs into jobs of stages and tasks, the scheduler that
// runs them on a pool of workers, the worker runtime, and the
// session that ties them together over the rmi transport.
package exec

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/bndl-go/bndl/cache"
	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/bndl-go/bndl/stats"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

const defaultChunksize = 1024

// An evaluation computes the output reader of one task attempt by
// evaluating the steps of its pipeline. Readers are built lazily:
// no record is computed until the output is read.
type evaluation struct {
	req    *TaskRequest
	funcs  *Funcs
	cache  *cache.Manager
	inputs func(ctx context.Context, i int) (sliceio.Reader, error)

	// cached are the datasets available in the cache for the task's
	// partition once the evaluation completes.
	cached  map[string]bool
	tees    []*cacheTee
	closers []sliceio.Reader
}

// evaluate returns the reader of the last step of the pipeline.
func (e *evaluation) evaluate(ctx context.Context) (sliceio.Reader, error) {
	must.Truef(len(e.req.Pipeline) > 0, "task %s has an empty pipeline", e.req)
	e.cached = make(map[string]bool)
	return e.step(ctx, len(e.req.Pipeline)-1)
}

// step returns a reader of step i. Cached steps are read from the
// cache when present, skipping every step upstream of them; on a miss
// they are computed and written through to the cache.
func (e *evaluation) step(ctx context.Context, i int) (sliceio.Reader, error) {
	step := e.req.Pipeline[i]
	if step.Cache && e.cache != nil {
		if p, ok := e.cache.Get(ctx, step.Dataset, e.req.Partition); ok {
			log.Debug.Printf("task %s: cache hit for %s (%d records)", e.req, step.Dataset, p.Records)
			e.cached[step.Dataset] = true
			r := p.Reader(ctx)
			e.closers = append(e.closers, r)
			return r, nil
		}
	}
	deps := make([]sliceio.Reader, len(step.Deps))
	for j, dep := range step.Deps {
		var err error
		if dep.Step >= 0 {
			must.Truef(dep.Step < i, "step %d depends on later step %d", i, dep.Step)
			deps[j], err = e.step(ctx, dep.Step)
		} else {
			deps[j], err = e.inputs(ctx, dep.Input)
		}
		if err != nil {
			return nil, err
		}
	}
	r, err := e.apply(ctx, step, deps)
	if err != nil {
		return nil, err
	}
	if step.Cache && e.cache != nil {
		r = e.tee(ctx, step, r)
	}
	return r, nil
}

// apply applies the step's op to the readers of its dependencies.
func (e *evaluation) apply(ctx context.Context, step Step, deps []sliceio.Reader) (r sliceio.Reader, err error) {
	fail := func(err error) error {
		if ctx.Err() != nil {
			return err
		}
		return &TaskExecutionError{Dataset: step.Dataset, Partition: e.req.Partition, Err: err}
	}
	defer func() {
		if v := recover(); v != nil {
			err = fail(errors.E(errors.Fatal, fmt.Sprintf("panic: %v\n%s", v, debug.Stack())))
		}
	}()
	switch step.Op.Kind {
	case OpSource:
		fn, err := e.funcs.source(step.Op.Func)
		if err != nil {
			return nil, err
		}
		r, err = fn(ctx, e.req.Partition, step.Op.Args)
		if err != nil {
			return nil, fail(err)
		}
	case OpMap:
		fn, err := e.funcs.mapper(step.Op.Func)
		if err != nil {
			return nil, err
		}
		r = &mapReader{fn: fn, args: step.Op.Args, in: deps[0]}
	case OpUser:
		fn, err := e.funcs.user(step.Op.Func)
		if err != nil {
			return nil, err
		}
		r, err = fn(ctx, e.req.Partition, step.Op.Args, deps)
		if err != nil {
			return nil, fail(err)
		}
	case OpShuffleRead, OpAggregate, OpBarrier:
		// Shuffle inputs are merged and aggregated as they are opened.
		return deps[0], nil
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("op %s", step.Op))
	}
	if r == nil {
		r = sliceio.EmptyReader{}
	}
	return &execReader{Reader: r, dataset: step.Dataset, partition: e.req.Partition}, nil
}

// tee returns a reader of r that also writes r's records to a new
// cache entry, committed once r is read to completion.
func (e *evaluation) tee(ctx context.Context, step Step, r sliceio.Reader) sliceio.Reader {
	w, err := e.cache.Create(ctx, step.Dataset, e.req.Partition, step.Tier)
	if err != nil {
		if !errors.Is(errors.Exists, err) {
			log.Error.Printf("task %s: cache %s: %v", e.req, step.Dataset, err)
		}
		return r
	}
	t := &cacheTee{Reader: r, w: w, eval: e, dataset: step.Dataset}
	e.tees = append(e.tees, t)
	return t
}

// close releases the evaluation's resources. Cache entries that were
// not read to completion are discarded.
func (e *evaluation) close(ctx context.Context) {
	for _, t := range e.tees {
		t.discard(ctx)
	}
	for _, r := range e.closers {
		if err := sliceio.Close(r); err != nil {
			log.Error.Printf("task %s: close: %v", e.req, err)
		}
	}
}

// cachedDatasets returns the datasets cached for the task's partition.
func (e *evaluation) cachedDatasets() []string {
	var ds []string
	for _, step := range e.req.Pipeline {
		if e.cached[step.Dataset] {
			ds = append(ds, step.Dataset)
		}
	}
	return ds
}

type cacheTee struct {
	sliceio.Reader
	w       *cache.Writer
	eval    *evaluation
	dataset string
	err     error
	done    bool
}

func (t *cacheTee) Read(ctx context.Context, out []sliceio.Record) (int, error) {
	n, err := t.Reader.Read(ctx, out)
	if t.done {
		return n, err
	}
	if t.err == nil && n > 0 {
		t.err = t.w.Write(ctx, out[:n])
	}
	switch {
	case err == sliceio.EOF && t.err == nil:
		t.done = true
		switch cerr := t.w.Commit(ctx); {
		case cerr == nil, errors.Is(errors.Exists, cerr):
			t.eval.cached[t.dataset] = true
		default:
			log.Error.Printf("task %s: commit cache %s: %v", t.eval.req, t.dataset, cerr)
		}
	case err != nil:
		t.discard(ctx)
	}
	return n, err
}

func (t *cacheTee) discard(ctx context.Context) {
	if t.done {
		return
	}
	t.done = true
	t.w.Discard(ctx)
}

// mapReader applies a MapFunc to every record of its input.
type mapReader struct {
	fn   MapFunc
	args []byte
	in   sliceio.Reader

	buf     []sliceio.Record
	pending []sliceio.Record
	eof     bool
}

func (m *mapReader) Read(ctx context.Context, out []sliceio.Record) (int, error) {
	if m.buf == nil {
		m.buf = make([]sliceio.Record, defaultChunksize)
	}
	emit := func(rec sliceio.Record) { m.pending = append(m.pending, rec) }
	for len(m.pending) == 0 {
		if m.eof {
			return 0, sliceio.EOF
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := m.in.Read(ctx, m.buf)
		if err != nil && err != sliceio.EOF {
			return 0, err
		}
		m.eof = err == sliceio.EOF
		for _, rec := range m.buf[:n] {
			if ferr := m.fn(ctx, m.args, rec, emit); ferr != nil {
				return 0, ferr
			}
		}
	}
	n := copy(out, m.pending)
	m.pending = m.pending[n:]
	if len(m.pending) == 0 {
		m.pending = nil
	}
	return n, nil
}

// execReader attributes the errors and panics of a user function's
// reader to the dataset and partition being computed. Errors of the
// function's inputs and cancellation pass through unchanged.
type execReader struct {
	sliceio.Reader
	dataset   string
	partition int
}

func (r *execReader) Read(ctx context.Context, out []sliceio.Record) (n int, err error) {
	defer func() {
		if v := recover(); v != nil {
			n, err = 0, &TaskExecutionError{
				Dataset:   r.dataset,
				Partition: r.partition,
				Err:       errors.E(errors.Fatal, fmt.Sprintf("panic: %v\n%s", v, debug.Stack())),
			}
		}
	}()
	n, err = r.Reader.Read(ctx, out)
	if err == nil || err == sliceio.EOF || ctx.Err() != nil {
		return n, err
	}
	if _, ok := asExecutionError(err); ok || errors.Is(errors.Unavailable, err) {
		return n, err
	}
	return n, &TaskExecutionError{Dataset: r.dataset, Partition: r.partition, Err: err}
}

// inputReader marks the errors of a task input as errors.Unavailable:
// they are failures to obtain data produced elsewhere, not failures
// of the task's own computation.
type inputReader struct {
	sliceio.Reader
	what string
}

func (r *inputReader) Read(ctx context.Context, out []sliceio.Record) (int, error) {
	n, err := r.Reader.Read(ctx, out)
	if err == nil || err == sliceio.EOF || ctx.Err() != nil {
		return n, err
	}
	return n, errors.E(errors.Unavailable, fmt.Sprintf("read input %s", r.what), err)
}

func (r *inputReader) Close() error {
	return sliceio.Close(r.Reader)
}

// statsReader counts the records read through it.
type statsReader struct {
	reader  sliceio.Reader
	numRead *stats.Int
}

func (s *statsReader) Read(ctx context.Context, out []sliceio.Record) (int, error) {
	n, err := s.reader.Read(ctx, out)
	s.numRead.Add(int64(n))
	return n, err
}

func (s *statsReader) Close() error {
	return sliceio.Close(s.reader)
}

// mergeInput combines the readers of a shuffle input's blocks.
func mergeInput(ctx context.Context, funcs *Funcs, in Input, readers []sliceio.Reader) (sliceio.Reader, error) {
	if in.Aggregator == "" {
		return shuffle.Merge(ctx, readers, in.Order, nil)
	}
	agg, err := funcs.aggregator(in.Aggregator)
	if err != nil {
		return nil, err
	}
	if in.Combined {
		return shuffle.Merge(ctx, readers, in.Order, agg)
	}
	r, err := shuffle.Merge(ctx, readers, in.Order, nil)
	if err != nil {
		return nil, err
	}
	return shuffle.Aggregate(r, agg, false), nil
}
