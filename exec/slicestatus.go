// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
)

// stateCounts counts the tasks of a stage in the states that we
// display in status.
type stateCounts struct {
	idle      int32
	running   int32
	done      int32
	error     int32
	cancelled int32
}

// Adds n to the count for state. n may be negative.
func (c *stateCounts) add(state TaskState, n int32) {
	switch state {
	case TaskInit, TaskWaiting:
		c.idle += n
	case TaskRunning:
		c.running += n
	case TaskOk:
		c.done += n
	case TaskErr:
		c.error += n
	case TaskCancelled:
		c.cancelled += n
	default:
		log.Panicf("unhandled task state: %v", state)
	}
}

func (c stateCounts) total() int32 {
	return c.idle + c.running + c.done + c.error + c.cancelled
}

// printTo prints the counts of c to t.
func (c stateCounts) printTo(t *status.Task) {
	if t == nil {
		return
	}
	if c.error > 0 || c.cancelled > 0 {
		// Provide a more detailed view if there are tasks that failed or
		// were cancelled.
		t.Printf("tasks idle/running/done/error(cancelled): %d/%d/%d/%d(%d)",
			c.idle, c.running, c.done, c.error, c.cancelled)
		return
	}
	t.Printf("tasks idle/running/done: %d/%d/%d", c.idle, c.running, c.done)
}

// jobStatus maintains the status group of a job: one status task
// per stage, updated as the scheduler changes task states.
type jobStatus struct {
	group  *status.Group
	stages map[*Stage]*status.Task
}

func newJobStatus(s *status.Status, job *Job) *jobStatus {
	js := &jobStatus{stages: make(map[*Stage]*status.Task)}
	if s == nil {
		return js
	}
	js.group = s.Groupf("job %s", job.ID)
	js.group.Printf("stages: %d", len(job.Stages))
	return js
}

// stage returns the status task of stage st, starting it if needed.
func (js *jobStatus) stage(st *Stage) *status.Task {
	if js.group == nil {
		return nil
	}
	t := js.stages[st]
	if t == nil {
		t = js.group.Start(st.String())
		js.stages[st] = t
	}
	return t
}

// done finishes the job's status group.
func (js *jobStatus) done(job *Job) {
	if js.group == nil {
		return
	}
	for _, t := range js.stages {
		t.Done()
	}
	js.group.Printf("stages: %d; %s", len(job.Stages), job.State)
}
