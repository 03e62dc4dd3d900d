// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
)

// traceEvent is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type traceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// WriteTrace writes the task attempts of a completed job to w in
// Chrome's event tracing format, viewable with chrome://tracing. Each
// worker is rendered as a process, and concurrent attempts on a
// worker are assigned their own (virtual) threads.
func (h *JobHandle) WriteTrace(w io.Writer) error {
	select {
	case <-h.done:
	default:
		return errors.E(errors.Invalid, "exec: job "+h.job.ID+" has not completed")
	}
	return json.NewEncoder(w).Encode(struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{jobTrace(h.job)})
}

type traceAttempt struct {
	task    *Task
	attempt *TaskAttempt
}

// jobTrace renders the attempts of the job's tasks as complete ("X")
// events. Attempts that never ended are dropped.
func jobTrace(job *Job) []traceEvent {
	var (
		first     time.Time
		byWorker  = make(map[string][]traceAttempt)
		workers   []string
		numEvents int
	)
	for _, stage := range job.Stages {
		for _, task := range stage.Tasks {
			for _, a := range task.Attempts {
				if a.End.IsZero() {
					continue
				}
				if first.IsZero() || a.Start.Before(first) {
					first = a.Start
				}
				if _, ok := byWorker[a.Worker]; !ok {
					workers = append(workers, a.Worker)
				}
				byWorker[a.Worker] = append(byWorker[a.Worker], traceAttempt{task, a})
				numEvents++
			}
		}
	}
	sort.Strings(workers)
	events := make([]traceEvent, 0, numEvents+len(workers))
	for i, worker := range workers {
		pid := i + 1
		events = append(events, traceEvent{
			Pid:  pid,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": worker},
		})
		attempts := byWorker[worker]
		sort.SliceStable(attempts, func(i, j int) bool {
			return attempts[i].attempt.Start.Before(attempts[j].attempt.Start)
		})
		var (
			pool tidPool
			ends = make(map[int]time.Time)
		)
		for _, ta := range attempts {
			a := ta.attempt
			for tid, end := range ends {
				if !end.After(a.Start) {
					pool.Release(tid)
					delete(ends, tid)
				}
			}
			tid := pool.Acquire()
			ends[tid] = a.End
			dur := a.End.Sub(a.Start).Microseconds()
			if dur == 0 {
				dur = 1
			}
			args := map[string]interface{}{
				"attempt": a.Number,
				"outcome": a.Outcome.String(),
			}
			if a.Err != nil {
				args["error"] = a.Err.Error()
			}
			events = append(events, traceEvent{
				Pid:  pid,
				Tid:  tid,
				Ts:   a.Start.Sub(first).Microseconds(),
				Ph:   "X",
				Dur:  dur,
				Name: ta.task.String(),
				Cat:  "task",
				Args: args,
			})
		}
	}
	return events
}

// tidPool is a pool of (virtual) thread IDs assigned to trace events,
// so that concurrent events are shown on their own rows. The indexes
// of the slice are the allocated Tids; their values indicate whether
// the Tid is available.
type tidPool []bool

// Acquire acquires an available thread ID from pool p. Thread IDs are
// sequential and 1-indexed, preserving 0 for events without meaningful
// thread IDs.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	tid := len(*p)
	*p = append(*p, false)
	return tid + 1
}

// Release makes tid, previously returned by Acquire, available again.
func (p tidPool) Release(tid int) {
	if p[tid-1] {
		panic("releasing unallocated tid")
	}
	p[tid-1] = true
}
