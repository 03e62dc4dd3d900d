// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bndl-go/bndl/cache"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// eligible tells whether a worker name matches the stage's worker
// patterns. Stages without patterns may run anywhere.
func eligible(st *Stage, name string) bool {
	if len(st.Workers) == 0 {
		return true
	}
	for _, pat := range st.Workers {
		ok, err := doublestar.Match(pat, name)
		if err != nil {
			log.Error.Printf("exec: stage %s: bad worker pattern %q: %v", st, pat, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// pick selects a worker for task t, or returns nil if no suitable
// worker has a free slot. Workers hosting more of the task's inputs,
// or caching more of its datasets, are preferred; ties go to the
// least loaded worker. An error is returned when the task can never
// be placed on the current set of workers.
func (s *Scheduler) pick(js *jobState, t *Task) (*workerState, error) {
	var candidates []*workerState
	for _, w := range s.workers {
		if w.Slots > 0 && eligible(t.Stage, w.Name) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		if len(s.workers) > 0 && len(t.Stage.Workers) > 0 {
			return nil, errors.E(errors.Unavailable,
				fmt.Sprintf("exec: no worker matches %s", strings.Join(t.Stage.Workers, ", ")))
		}
		return nil, nil
	}
	if t.exclude != "" {
		others := candidates[:0:0]
		for _, w := range candidates {
			if w.Name != t.exclude {
				others = append(others, w)
			}
		}
		switch {
		case len(others) > 0:
			candidates = others
		case t.strict:
			return nil, errors.E(errors.Unavailable,
				fmt.Sprintf("exec: %s cannot run on any worker other than %s", t, t.exclude), t.err)
		}
	}
	var (
		best      *workerState
		bestScore int
	)
	for _, w := range candidates {
		// A worker whose loss is not yet processed is skipped, so that
		// a task excluded from it waits rather than returning to it.
		if w.free() <= 0 || !s.live(w.Name) {
			continue
		}
		score := s.locality(t, w.Name)
		if best == nil || better(w, score, best, bestScore) {
			best, bestScore = w, score
		}
	}
	return best, nil
}

// live tells whether the dispatcher considers the named worker
// reachable. Dispatchers without liveness information treat every
// known worker as live.
func (s *Scheduler) live(name string) bool {
	if l, ok := s.dispatcher.(Liveness); ok {
		return l.Live(name)
	}
	return true
}

func better(w *workerState, score int, best *workerState, bestScore int) bool {
	if score != bestScore {
		return score > bestScore
	}
	// Compare load as the fraction of busy slots.
	if l, r := w.running*best.Slots, best.running*w.Slots; l != r {
		return l < r
	}
	return w.Name < best.Name
}

// locality scores how much of task t's input and cached data the
// named worker already holds.
func (s *Scheduler) locality(t *Task, worker string) int {
	var score int
	st := t.Stage
	for _, in := range st.Inputs {
		for _, pt := range st.job.Stages[in.Stage].Tasks {
			if pt.Worker != worker {
				continue
			}
			if in.Kind == InputShuffle || pt.Partition == t.Partition {
				score++
			}
		}
	}
	for _, step := range st.Pipeline {
		if step.Cache && s.cached[cache.Key{Dataset: step.Dataset, Partition: t.Partition}][worker] {
			// Cache hits skip every upstream step.
			score += len(st.Pipeline)
		}
	}
	return score
}
