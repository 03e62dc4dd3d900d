// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	goerrors "errors"
	"fmt"
	"time"
)

// A Job is a compiled lineage graph: a DAG of stages, ordered so that
// every stage follows its parents.
type Job struct {
	ID     string
	Stages []*Stage
	State  JobState

	root *Dataset
	err  error
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s", j.ID)
}

// Final returns the stage computing the job's root dataset.
func (j *Job) Final() *Stage {
	return j.Stages[len(j.Stages)-1]
}

// A Stage is a set of tasks, one per partition, that run the same
// pipeline of narrowly dependent datasets. Stages are separated by
// shuffles and barriers.
type Stage struct {
	ID      int
	Parents []*Stage
	// Tasks is populated incrementally when the stage starts; Sealed
	// is set once every task has been added.
	Tasks  []*Task
	Sealed bool
	State  StageState

	Pipeline []Step
	Inputs   []Input
	Output   Output
	// Barrier stages have no tasks; they only gate their children.
	Barrier bool
	// Workers are the glob patterns restricting where the stage's
	// tasks may run.
	Workers []string

	job      *Job
	root     *Dataset
	children []*Stage
	// partitioning determines how the stage's tasks are enumerated.
	numPartition int
	generator    *Dataset
	from         *Stage
	byPartition  map[int]*Task
}

func (s *Stage) String() string {
	return fmt.Sprintf("%s/s%d(%s)", s.job.ID, s.ID, s.root)
}

// Step returns the pipeline step computing the named dataset.
func (s *Stage) step(dataset string) (Step, bool) {
	for _, step := range s.Pipeline {
		if step.Dataset == dataset {
			return step, true
		}
	}
	return Step{}, false
}

// A Task computes one partition of a stage.
type Task struct {
	Stage     *Stage
	Partition int
	State     TaskState
	Attempts  []*TaskAttempt
	// Worker hosts the output of the successful attempt.
	Worker string
	Reply  TaskReply

	err error
	// exclude is the worker that failed the last attempt; strict
	// exclusions are never relaxed.
	exclude string
	strict  bool
	// cancel abandons the in-flight attempt.
	cancel func()
}

func (t *Task) String() string {
	return fmt.Sprintf("%s/s%d/p%d", t.Stage.job.ID, t.Stage.ID, t.Partition)
}

// Pipeline returns the steps run by the task.
func (t *Task) Pipeline() []Step { return t.Stage.Pipeline }

// Inputs returns the inputs read by the task.
func (t *Task) Inputs() []Input { return t.Stage.Inputs }

// Output returns the description of the task's output.
func (t *Task) Output() Output { return t.Stage.Output }

// Err returns the error of the last failed attempt.
func (t *Task) Err() error { return t.err }

// attempt returns the in-flight attempt, or nil.
func (t *Task) attempt() *TaskAttempt {
	if n := len(t.Attempts); n > 0 && t.Attempts[n-1].Outcome == AttemptRunning {
		return t.Attempts[n-1]
	}
	return nil
}

// failures counts the attempts that count against the retry budget.
func (t *Task) failures() int {
	var n int
	for _, a := range t.Attempts {
		if a.counted {
			n++
		}
	}
	return n
}

// A TaskAttempt is one execution of a task on a worker.
type TaskAttempt struct {
	Number  int
	Worker  string
	Start   time.Time
	End     time.Time
	Outcome Outcome
	Err     error

	counted bool
}

// Duration returns the attempt's running time.
func (a *TaskAttempt) Duration() time.Duration {
	if a.End.IsZero() {
		return time.Since(a.Start)
	}
	return a.End.Sub(a.Start)
}

// TaskError is the error of a failed job: it names the task whose
// attempts were exhausted, the worker of its last attempt, and the
// last attempt's error.
type TaskError struct {
	Stage     int
	Partition int
	Attempts  int
	Worker    string
	Err       error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("stage %d partition %d failed after %d attempt(s) (last on %s): %v",
		e.Stage, e.Partition, e.Attempts, e.Worker, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error { return e.Err }

// TaskExecutionError is the error of a user function, attributed to
// the dataset and partition being computed.
type TaskExecutionError struct {
	Dataset   string
	Partition int
	Err       error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("dataset %s partition %d: %v", e.Dataset, e.Partition, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskExecutionError) Unwrap() error { return e.Err }

// asExecutionError extracts the TaskExecutionError from err.
func asExecutionError(err error) (*TaskExecutionError, bool) {
	var te *TaskExecutionError
	if goerrors.As(err, &te) {
		return te, true
	}
	return nil, false
}
