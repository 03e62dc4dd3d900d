// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	goerrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestTaskAttempts(t *testing.T) {
	job, err := Compile(nums("nums", 1))
	if err != nil {
		t.Fatal(err)
	}
	task := &Task{Stage: job.Final(), Partition: 0}
	if task.attempt() != nil {
		t.Error("unexpected attempt")
	}
	task.Attempts = []*TaskAttempt{
		{Number: 1, Outcome: AttemptFailed, counted: true},
		{Number: 2, Outcome: AttemptFailed},
		{Number: 3, Outcome: AttemptTimedOut, counted: true},
		{Number: 4, Outcome: AttemptRunning, Start: time.Now()},
	}
	if got, want := task.failures(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := task.attempt(), task.Attempts[3]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if d := task.attempt().Duration(); d < 0 {
		t.Errorf("negative duration %v", d)
	}
	if got, want := task.String(), job.ID+"/s0/p0"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTaskError(t *testing.T) {
	cause := errors.E(errors.Timeout, "deadline exceeded")
	err := error(&TaskError{Stage: 1, Partition: 2, Attempts: 3, Worker: "w", Err: cause})
	if got, want := err.Error(), "stage 1 partition 2 failed after 3 attempt(s) (last on w)"; !strings.HasPrefix(got, want) {
		t.Errorf("got %v, want prefix %v", got, want)
	}
	if got, want := goerrors.Unwrap(err), cause; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	exec := &TaskExecutionError{Dataset: "d", Partition: 4, Err: errors.E(errors.Invalid, "bad input")}
	err = &TaskError{Err: exec}
	te, ok := asExecutionError(err)
	if !ok {
		t.Fatal("expected execution error")
	}
	if got, want := te, exec; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFailure(t *testing.T) {
	exec := &TaskExecutionError{Dataset: "d", Partition: 4, Err: errors.E(errors.Invalid, "bad input")}
	f := failure(exec)
	if got, want := f.Kind, errors.Invalid; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	err := f.Err()
	if got, want := err.Dataset, "d"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := err.Partition, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !errors.Is(errors.Invalid, err.Err) {
		t.Errorf("got %v, want invalid", err.Err)
	}
	if !strings.Contains(err.Error(), "bad input") {
		t.Errorf("message lost: %v", err)
	}
}

func TestStates(t *testing.T) {
	for _, c := range []struct {
		got, want string
	}{
		{JobCancelled.String(), "CANCELLED"},
		{StageSucceeded.String(), "SUCCEEDED"},
		{TaskOk.String(), "OK"},
		{AttemptTimedOut.String(), "TIMEDOUT"},
		{TaskState(42).String(), "TaskState(42)"},
	} {
		if c.got != c.want {
			t.Errorf("got %v, want %v", c.got, c.want)
		}
	}
	if JobRunning.Done() || !JobFailed.Done() {
		t.Error("wrong terminal states")
	}
}
