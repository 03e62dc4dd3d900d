// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"

	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/grailbio/base/errors"
)

// A JobHandle is the caller's view of a submitted job.
type JobHandle struct {
	sched *Scheduler
	job   *Job
	done  chan struct{}

	mu       sync.Mutex
	state    JobState
	err      error
	results  []Source
	snapshot JobSnapshot
	closed   bool
}

func newJobHandle(s *Scheduler, job *Job) *JobHandle {
	return &JobHandle{
		sched: s,
		job:   job,
		done:  make(chan struct{}),
		state: JobPending,
	}
}

func (h *JobHandle) complete(state JobState, err error, results []Source, snap JobSnapshot) {
	h.mu.Lock()
	h.state, h.err, h.results, h.snapshot = state, err, results, snap
	h.mu.Unlock()
	close(h.done)
}

// ID returns the job's ID.
func (h *JobHandle) ID() string { return h.job.ID }

// Done returns a channel that is closed when the job completes.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait waits for the job to complete and returns its error, if any.
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the job's state.
func (h *JobHandle) State() JobState {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.state
	default:
	}
	if j, ok := h.sched.Snapshot().Job(h.job.ID); ok {
		return j.State
	}
	return JobPending
}

// Err returns the error of a failed job: a *TaskError naming the
// task that exhausted its attempts, or the reason the job could not
// be placed. Cancelled jobs have no error; their state is
// JobCancelled.
func (h *JobHandle) Err() error {
	select {
	case <-h.done:
	default:
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel cancels the job.
func (h *JobHandle) Cancel() {
	h.sched.Cancel(h.job)
}

// Snapshot returns the job's most recent snapshot.
func (h *JobHandle) Snapshot() JobSnapshot {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.snapshot
	default:
	}
	j, _ := h.sched.Snapshot().Job(h.job.ID)
	return j
}

// Scope returns the merged metrics of the job's tasks. Only the
// successful attempt of each task contributes.
func (h *JobHandle) Scope() *metrics.Scope {
	scope := h.Snapshot().Metrics
	if scope == nil {
		scope = new(metrics.Scope)
	}
	return scope
}

// Result waits for the job to succeed and returns a reader of its
// records: the partitions of the root dataset, in partition order.
func (h *JobHandle) Result(ctx context.Context) (sliceio.Reader, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == JobCancelled {
		return nil, errors.E(errors.Canceled, "exec: job "+h.job.ID+" cancelled")
	}
	if h.closed {
		return nil, errors.E(errors.Invalid, "exec: job "+h.job.ID+" is closed")
	}
	readers := make([]sliceio.Reader, len(h.results))
	for i, src := range h.results {
		readers[i] = newFetchReader(h.sched.dispatcher, src.Worker, FetchRequest{
			Kind:      FetchPartition,
			Job:       h.job.ID,
			Stage:     h.job.Final().ID,
			Partition: src.Partition,
		})
	}
	return sliceio.MultiReader(readers...), nil
}

// Close releases the job's partitions and shuffle blocks on every
// worker. A running job is cancelled first.
func (h *JobHandle) Close() {
	h.mu.Lock()
	closed := h.closed
	h.closed = true
	h.mu.Unlock()
	if !closed {
		h.sched.send(closeEvent{h.job})
	}
}
