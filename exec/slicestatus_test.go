// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"strings"
	"testing"

	"github.com/bndl-go/bndl/stats"
	"github.com/grailbio/base/status"
	"pgregory.net/rapid"
)

func newTestJobState(t *testing.T, st *status.Status, job *Job) *jobState {
	t.Helper()
	js := &jobState{job: job, stats: make(map[*Stage]*stageStats), status: newJobStatus(st, job)}
	for _, stage := range job.Stages {
		js.stats[stage] = &stageStats{durations: stats.NewDurations()}
	}
	return js
}

// TestStageAccounting verifies that the per-stage task counts kept
// by the scheduler track arbitrary sequences of task state changes.
func TestStageAccounting(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		job, err := Compile(nums("nums", 1))
		if err != nil {
			rt.Fatal(err)
		}
		var (
			s     = new(Scheduler)
			st    status.Status
			js    = newTestJobState(t, &st, job)
			stage = job.Stages[0]
			n     = rapid.IntRange(1, 20).Draw(rt, "tasks")
		)
		stage.byPartition = make(map[int]*Task)
		for p := 0; p < n; p++ {
			s.addTask(js, stage, p)
		}
		changes := rapid.IntRange(0, 100).Draw(rt, "changes")
		for i := 0; i < changes; i++ {
			task := stage.Tasks[rapid.IntRange(0, n-1).Draw(rt, "task")]
			state := TaskState(rapid.IntRange(int(TaskWaiting), int(maxTaskState)-1).Draw(rt, "state"))
			s.setState(js, task, state)
		}
		var (
			want   [maxTaskState]int
			counts stateCounts
		)
		for _, task := range stage.Tasks {
			want[task.State]++
			counts.add(task.State, 1)
		}
		if got := js.stats[stage].counts; got != want {
			rt.Errorf("got %v, want %v", got, want)
		}
		if got, want := counts.total(), int32(n); got != want {
			rt.Errorf("got %v, want %v", got, want)
		}
		if got, want := counts.done, int32(want[TaskOk]); got != want {
			rt.Errorf("got %v, want %v", got, want)
		}
		if got, want := counts.idle, int32(want[TaskInit]+want[TaskWaiting]); got != want {
			rt.Errorf("got %v, want %v", got, want)
		}
	})
}

func TestJobStatus(t *testing.T) {
	var st status.Status
	job, err := Compile(sum("sum", nums("nums", 3), 2))
	if err != nil {
		t.Fatal(err)
	}
	s := new(Scheduler)
	js := newTestJobState(t, &st, job)
	stage := job.Stages[0]
	stage.byPartition = make(map[int]*Task)
	for p := 0; p < 3; p++ {
		s.addTask(js, stage, p)
	}
	s.setState(js, stage.Tasks[0], TaskRunning)
	s.setState(js, stage.Tasks[1], TaskOk)

	groups := st.Groups()
	if got, want := len(groups), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	tasks := groups[0].Tasks()
	if got, want := len(tasks), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := tasks[0].Value().Status, "tasks idle/running/done: 1/1/1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	s.setState(js, stage.Tasks[2], TaskErr)
	if got, want := tasks[0].Value().Status, "tasks idle/running/done/error(cancelled): 0/1/1/1(0)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	job.State = JobFailed
	js.status.done(job)
	if got := groups[0].Value().Status; !strings.HasSuffix(got, "FAILED") {
		t.Errorf("got %q, want FAILED status", got)
	}
}

func TestJobStatusNil(t *testing.T) {
	job, err := Compile(nums("nums", 1))
	if err != nil {
		t.Fatal(err)
	}
	js := newJobStatus(nil, job)
	if js.stage(job.Stages[0]) != nil {
		t.Error("expected no status task")
	}
	js.done(job)
}
