// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "fmt"

// JobState is the state of a job.
type JobState int

const (
	// JobPending jobs have been submitted but have no running stage.
	JobPending JobState = iota
	// JobRunning jobs have at least one running stage.
	JobRunning
	// JobSucceeded jobs completed every stage.
	JobSucceeded
	// JobFailed jobs had a task exhaust its attempts, or could not
	// be placed.
	JobFailed
	// JobCancelled jobs were cancelled by the user.
	JobCancelled
)

var jobStates = [...]string{
	JobPending:   "PENDING",
	JobRunning:   "RUNNING",
	JobSucceeded: "SUCCEEDED",
	JobFailed:    "FAILED",
	JobCancelled: "CANCELLED",
}

func (s JobState) String() string {
	if int(s) < len(jobStates) {
		return jobStates[s]
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// Done tells whether the state is terminal.
func (s JobState) Done() bool {
	return s >= JobSucceeded
}

// StageState is the state of a stage.
type StageState int

const (
	// StagePending stages wait for their parents.
	StagePending StageState = iota
	// StageRunning stages have runnable or running tasks.
	StageRunning
	// StageSucceeded stages are sealed and every task is TaskOk.
	StageSucceeded
	// StageFailed stages have a task in TaskErr.
	StageFailed
)

var stageStates = [...]string{
	StagePending:   "PENDING",
	StageRunning:   "RUNNING",
	StageSucceeded: "SUCCEEDED",
	StageFailed:    "FAILED",
}

func (s StageState) String() string {
	if int(s) < len(stageStates) {
		return stageStates[s]
	}
	return fmt.Sprintf("StageState(%d)", int(s))
}

// TaskState represents the runtime state of a Task. TaskState
// values are defined so that their magnitudes correspond with
// task progression.
type TaskState int

const (
	// TaskInit is the initial state of a task: its stage has not yet
	// started.
	TaskInit TaskState = iota
	// TaskWaiting tasks are runnable but have not been assigned a
	// worker.
	TaskWaiting
	// TaskRunning tasks have an in-flight attempt.
	TaskRunning
	// TaskOk indicates that a task has successfully completed;
	// the task's output is available to dependent tasks.
	//
	// All TaskState values greater than TaskOk indicate task
	// errors.
	TaskOk
	// TaskErr tasks exhausted their attempts or failed permanently.
	TaskErr
	// TaskCancelled tasks belong to a cancelled or failed job.
	TaskCancelled

	maxTaskState
)

var taskStates = [...]string{
	TaskInit:      "INIT",
	TaskWaiting:   "WAITING",
	TaskRunning:   "RUNNING",
	TaskOk:        "OK",
	TaskErr:       "ERROR",
	TaskCancelled: "CANCELLED",
}

// String returns the task's state as an upper-case string.
func (s TaskState) String() string {
	if int(s) < len(taskStates) {
		return taskStates[s]
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Outcome is the outcome of a single task attempt.
type Outcome int

const (
	// AttemptRunning attempts are in flight.
	AttemptRunning Outcome = iota
	// AttemptSucceeded attempts produced the task's output.
	AttemptSucceeded
	// AttemptFailed attempts returned an error or lost their worker.
	AttemptFailed
	// AttemptTimedOut attempts did not answer within the call timeout.
	AttemptTimedOut
	// AttemptCancelled attempts were abandoned.
	AttemptCancelled
)

var outcomes = [...]string{
	AttemptRunning:   "RUNNING",
	AttemptSucceeded: "SUCCEEDED",
	AttemptFailed:    "FAILED",
	AttemptTimedOut:  "TIMEDOUT",
	AttemptCancelled: "CANCELLED",
}

func (o Outcome) String() string {
	if int(o) < len(outcomes) {
		return outcomes[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}
