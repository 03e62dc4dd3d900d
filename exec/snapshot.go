// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"time"

	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/stats"
)

// A Snapshot is an immutable view of the scheduler's state. The
// scheduler publishes a new snapshot after every state change;
// snapshots may be read concurrently without synchronization.
type Snapshot struct {
	Time    time.Time
	Jobs    []JobSnapshot
	Workers []WorkerSnapshot
}

// Job returns the snapshot of the job with the given ID.
func (s *Snapshot) Job(id string) (JobSnapshot, bool) {
	if s == nil {
		return JobSnapshot{}, false
	}
	for _, j := range s.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobSnapshot{}, false
}

// JobSnapshot is the state of a job.
type JobSnapshot struct {
	ID     string
	State  JobState
	Err    string
	Stages []StageSnapshot
	// Metrics merges the metrics of the successful attempt of every
	// task. Outputs that were recomputed count once.
	Metrics *metrics.Scope
}

// StageSnapshot is the state of a stage.
type StageSnapshot struct {
	ID      int
	Name    string
	State   StageState
	Barrier bool
	Sealed  bool
	// Parents are the IDs of the stages this stage reads.
	Parents []int
	// Tasks counts the stage's tasks by state.
	Tasks    [maxTaskState]int
	Attempts int
	// Durations summarizes the running times of successful attempts.
	Durations stats.Summary
}

// WorkerSnapshot is the state of a worker.
type WorkerSnapshot struct {
	Name    string
	Addr    string
	Slots   int
	Running int
}
