// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	goerrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/google/go-cmp/cmp"
	"github.com/grailbio/base/errors"
)

// fakeDispatcher runs tasks by calling run. Partitions are "stored"
// as single records naming the stage and partition.
type fakeDispatcher struct {
	run func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error)

	mu       sync.Mutex
	runs     []string
	released map[string][]string
}

func (d *fakeDispatcher) Run(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
	d.mu.Lock()
	d.runs = append(d.runs, fmt.Sprintf("%s:s%d/p%d", worker, req.Stage, req.Partition))
	d.mu.Unlock()
	if d.run == nil {
		return &TaskReply{Records: 1}, nil
	}
	return d.run(ctx, worker, req)
}

func (d *fakeDispatcher) Fetch(ctx context.Context, worker string, req FetchRequest) (*FetchReply, error) {
	return &FetchReply{
		Records: []sliceio.Record{{Key: fmt.Sprintf("s%d/p%d", req.Stage, req.Partition), Value: []byte(worker)}},
		EOF:     true,
	}, nil
}

func (d *fakeDispatcher) Release(ctx context.Context, worker string, job string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released == nil {
		d.released = make(map[string][]string)
	}
	d.released[job] = append(d.released[job], worker)
	return nil
}

func (d *fakeDispatcher) numRuns(stage int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	suffix := fmt.Sprintf(":s%d/", stage)
	for _, r := range d.runs {
		if strings.Contains(r, suffix) {
			n++
		}
	}
	return n
}

func source(id string, n int) *Dataset {
	return &Dataset{ID: id, Op: Op{Kind: OpSource, Func: "src"}, NumPartition: n, Deterministic: true}
}

func mapped(id string, dep *Dataset) *Dataset {
	return &Dataset{ID: id, Op: Op{Kind: OpMap, Func: "map"}, Deps: []Dep{{Dataset: dep}}, Deterministic: true}
}

func aggregated(id string, dep *Dataset, n int) *Dataset {
	return &Dataset{
		ID:            id,
		Op:            Op{Kind: OpAggregate, Func: "sum"},
		Deps:          []Dep{{Dataset: dep, Shuffle: true, Combine: "sum"}},
		NumPartition:  n,
		Deterministic: true,
	}
}

func compileJob(t *testing.T, root *Dataset) *Job {
	t.Helper()
	job, err := Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func newTestScheduler(t *testing.T, d Dispatcher, workers ...WorkerInfo) *Scheduler {
	t.Helper()
	s := NewScheduler(d, 0, nil)
	t.Cleanup(s.Shutdown)
	for _, w := range workers {
		s.WorkerJoined(w)
	}
	return s
}

// cause returns the error underlying a task error.
func cause(err error) error {
	var terr *TaskError
	if goerrors.As(err, &terr) {
		return terr.Err
	}
	return err
}

func runJob(t *testing.T, s *Scheduler, job *Job) (*JobHandle, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := s.Submit(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatalf("job %s did not complete: %+v", job.ID, s.Snapshot())
	}
	return h, h.Err()
}

func TestSchedulerRun(t *testing.T) {
	d := new(fakeDispatcher)
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 2}, WorkerInfo{Name: "b", Slots: 2})
	job := compileJob(t, mapped("m", source("src", 4)))
	h, err := runJob(t, s, job)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := h.State(), JobSucceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	final := job.Final()
	if got, want := len(final.Tasks), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, task := range final.Tasks {
		if got, want := task.State, TaskOk; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
		if got, want := len(task.Attempts), 1; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
		if got, want := task.Attempts[0].Outcome, AttemptSucceeded; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
	}
	snap := h.Snapshot()
	if got, want := snap.Stages[0].Tasks[TaskOk], 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := snap.Stages[0].Durations.Count, int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	r, err := h.Result(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	records, err := sliceio.ReadAll(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}
	if diff := cmp.Diff([]string{"s0/p0", "s0/p1", "s0/p2", "s0/p3"}, keys); diff != "" {
		t.Errorf("result keys (-want +got):\n%s", diff)
	}
}

func TestSchedulerSlots(t *testing.T) {
	var (
		running, max int32
		d            = new(fakeDispatcher)
	)
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return &TaskReply{}, nil
	}
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 3})
	if _, err := runJob(t, s, compileJob(t, source("src", 20))); err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt32(&max), int32(3); got > want {
		t.Errorf("got %v concurrent tasks, want at most %v", got, want)
	}
}

func TestSchedulerTransient(t *testing.T) {
	d := new(fakeDispatcher)
	var failed sync.Map
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		if _, ok := failed.LoadOrStore(req.Partition, true); !ok {
			return nil, errors.E(errors.Net, "connection reset")
		}
		return &TaskReply{}, nil
	}
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 4}, WorkerInfo{Name: "b", Slots: 4})
	job := compileJob(t, source("src", 4))
	if _, err := runJob(t, s, job); err != nil {
		t.Fatal(err)
	}
	for _, task := range job.Final().Tasks {
		if got, want := len(task.Attempts), 2; got != want {
			t.Fatalf("%s: got %v, want %v", task, got, want)
		}
		first, second := task.Attempts[0], task.Attempts[1]
		if got, want := first.Outcome, AttemptFailed; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
		if first.Worker == second.Worker {
			t.Errorf("%s: retried on the worker that failed it (%s)", task, first.Worker)
		}
	}
}

func TestSchedulerGiveUp(t *testing.T) {
	d := new(fakeDispatcher)
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		if req.Partition == 2 {
			return nil, errors.E(errors.Timeout, "slow")
		}
		return &TaskReply{}, nil
	}
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 1}, WorkerInfo{Name: "b", Slots: 1})
	job := compileJob(t, source("src", 4))
	h, err := runJob(t, s, job)
	if err == nil {
		t.Fatal("expected error")
	}
	if got, want := h.State(), JobFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var terr *TaskError
	if !goerrors.As(err, &terr) {
		t.Fatalf("got %T, want *TaskError", err)
	}
	if got, want := terr.Partition, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := terr.Attempts, DefaultMaxAttempts; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !errors.Is(errors.Timeout, terr.Err) {
		t.Errorf("got %v, want timeout", terr.Err)
	}
	for _, a := range job.Final().Tasks[2].Attempts {
		if got, want := a.Outcome, AttemptTimedOut; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSchedulerExecutionError(t *testing.T) {
	for _, deterministic := range []bool{true, false} {
		d := new(fakeDispatcher)
		var calls int32
		d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return &TaskReply{Failure: &Failure{Dataset: "src", Partition: req.Partition, Message: "bad record"}}, nil
			}
			return &TaskReply{}, nil
		}
		s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 1}, WorkerInfo{Name: "b", Slots: 1})
		src := source("src", 1)
		src.Deterministic = deterministic
		_, err := runJob(t, s, compileJob(t, src))
		if deterministic {
			if err != nil {
				t.Errorf("deterministic: %v", err)
			}
			continue
		}
		var terr *TaskExecutionError
		if !goerrors.As(err, &terr) {
			t.Fatalf("got %v, want *TaskExecutionError", err)
		}
		if got, want := terr.Dataset, "src"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := atomic.LoadInt32(&calls), int32(1); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSchedulerStrictExclusion(t *testing.T) {
	d := new(fakeDispatcher)
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		return nil, errors.E(errors.Integrity, errors.Fatal, "corrupt payload")
	}
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 1})
	job := compileJob(t, source("src", 1))
	_, err := runJob(t, s, job)
	if err == nil {
		t.Fatal("expected error")
	}
	if got, want := len(job.Final().Tasks[0].Attempts), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSchedulerWorkerLost(t *testing.T) {
	d := new(fakeDispatcher)
	var (
		s      *Scheduler
		once   sync.Once
		killed = make(chan struct{})
	)
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		if worker == "a" {
			once.Do(func() {
				s.WorkerLost("a", errors.E(errors.Net, "missed heartbeats"))
				close(killed)
			})
			<-ctx.Done()
			return nil, ctx.Err()
		}
		<-killed
		return &TaskReply{}, nil
	}
	s = newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 1})
	job := compileJob(t, source("src", 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := s.Submit(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-killed:
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
	s.WorkerJoined(WorkerInfo{Name: "b", Slots: 1})
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	task := job.Final().Tasks[0]
	if got, want := len(task.Attempts), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := task.Attempts[0].Outcome, AttemptFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !errors.Is(errors.Net, task.Attempts[0].Err) {
		t.Errorf("got %v, want net error", task.Attempts[0].Err)
	}
	if got, want := task.Worker, "b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// liveDispatcher is a fakeDispatcher that reports worker liveness.
type liveDispatcher struct {
	fakeDispatcher
	dead sync.Map
}

func (d *liveDispatcher) Live(worker string) bool {
	_, dead := d.dead.Load(worker)
	return !dead
}

// TestSchedulerDeadWorkerNotRelaxed fails a task on a worker whose
// connection dropped before its loss is reported: the retry must wait
// for another worker instead of relaxing the exclusion back onto the
// dead one.
func TestSchedulerDeadWorkerNotRelaxed(t *testing.T) {
	d := new(liveDispatcher)
	failed := make(chan struct{})
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		if worker == "a" {
			d.dead.Store("a", true)
			close(failed)
			return nil, errors.E(errors.Net, "connection reset")
		}
		return &TaskReply{}, nil
	}
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 1})
	job := compileJob(t, source("src", 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := s.Submit(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	<-failed
	time.Sleep(50 * time.Millisecond)
	if got, want := d.numRuns(0), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	s.WorkerJoined(WorkerInfo{Name: "b", Slots: 1})
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	task := job.Final().Tasks[0]
	if got, want := len(task.Attempts), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := task.Attempts[0].Worker, "a"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := task.Attempts[0].Outcome, AttemptFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := task.Attempts[1].Worker, "b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := task.Attempts[1].Outcome, AttemptSucceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestSchedulerRecompute loses a worker holding shuffle output while
// the consuming stage runs: the lost output must be recomputed.
func TestSchedulerRecompute(t *testing.T) {
	d := new(fakeDispatcher)
	var (
		s    *Scheduler
		once sync.Once
	)
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		if req.Stage == 1 {
			lost := false
			once.Do(func() {
				s.WorkerLost("b", errors.E(errors.Net, "gone"))
				lost = true
			})
			if lost {
				return nil, errors.E(errors.Unavailable, "read input: connection refused")
			}
		}
		return &TaskReply{}, nil
	}
	s = newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 2}, WorkerInfo{Name: "b", Slots: 2})
	job := compileJob(t, aggregated("agg", source("src", 2), 2))
	if got, want := len(job.Stages), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := runJob(t, s, job); err != nil {
		t.Fatal(err)
	}
	if got, want := d.numRuns(0), 3; got != want {
		t.Errorf("got %v producer runs, want %v", got, want)
	}
	for _, task := range job.Stages[0].Tasks {
		if got, want := task.Worker, "a"; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
	}
	for _, task := range job.Final().Tasks {
		if got, want := task.State, TaskOk; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
	}
}

func TestSchedulerCancel(t *testing.T) {
	d := new(fakeDispatcher)
	started := make(chan struct{}, 4)
	cancelled := make(chan struct{}, 4)
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		started <- struct{}{}
		<-ctx.Done()
		cancelled <- struct{}{}
		return nil, ctx.Err()
	}
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 4})
	job := compileJob(t, source("src", 4))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := s.Submit(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		<-started
	}
	h.Cancel()
	// Cancelled jobs surface no error, only their state.
	if err := h.Wait(ctx); err != nil {
		t.Errorf("got %v, want nil", err)
	}
	if got, want := h.State(), JobCancelled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 0; i < 4; i++ {
		select {
		case <-cancelled:
		case <-ctx.Done():
			t.Fatal("attempt was not cancelled")
		}
	}
	for _, task := range job.Final().Tasks {
		if got, want := task.State, TaskCancelled; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
	}
	if _, err := h.Result(ctx); !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want canceled", err)
	}
}

func TestSchedulerRequiredWorkers(t *testing.T) {
	d := new(fakeDispatcher)
	src := source("src", 4)
	src.Workers = []string{"gpu-*"}

	s := newTestScheduler(t, d, WorkerInfo{Name: "cpu-1", Slots: 4})
	_, err := runJob(t, s, compileJob(t, src))
	if !errors.Is(errors.Unavailable, cause(err)) {
		t.Errorf("got %v, want unavailable", err)
	}

	s = newTestScheduler(t, d, WorkerInfo{Name: "cpu-1", Slots: 4}, WorkerInfo{Name: "gpu-1", Slots: 1})
	job := compileJob(t, src)
	if _, err := runJob(t, s, job); err != nil {
		t.Fatal(err)
	}
	for _, task := range job.Final().Tasks {
		if got, want := task.Worker, "gpu-1"; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
	}
}

func TestSchedulerPopulate(t *testing.T) {
	d := new(fakeDispatcher)
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 2})
	src := &Dataset{
		ID: "gen",
		Op: Op{Kind: OpSource, Func: "src"},
		Partitions: func(ctx context.Context, emit func(int)) error {
			for p := 9; p >= 0; p-- {
				emit(p)
				time.Sleep(time.Millisecond)
			}
			return nil
		},
	}
	job := compileJob(t, mapped("m", src))
	h, err := runJob(t, s, job)
	if err != nil {
		t.Fatal(err)
	}
	var parts []int
	for _, task := range job.Final().Tasks {
		parts = append(parts, task.Partition)
	}
	sort.Ints(parts)
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, parts); diff != "" {
		t.Errorf("partitions (-want +got):\n%s", diff)
	}
	r, err := h.Result(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	records, err := sliceio.ReadAll(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := records[0].Key, "s0/p0"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSchedulerPopulateError(t *testing.T) {
	s := newTestScheduler(t, new(fakeDispatcher), WorkerInfo{Name: "a", Slots: 2})
	src := &Dataset{
		ID: "gen",
		Op: Op{Kind: OpSource, Func: "src"},
		Partitions: func(ctx context.Context, emit func(int)) error {
			emit(0)
			return errors.E(errors.NotExist, "listing failed")
		},
	}
	_, err := runJob(t, s, compileJob(t, src))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestSchedulerRelease(t *testing.T) {
	d := new(fakeDispatcher)
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 1}, WorkerInfo{Name: "b", Slots: 1})
	job := compileJob(t, source("src", 2))
	h, err := runJob(t, s, job)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()
	deadline := time.Now().Add(10 * time.Second)
	for {
		d.mu.Lock()
		workers := append([]string(nil), d.released[job.ID]...)
		d.mu.Unlock()
		sort.Strings(workers)
		_, ok := s.Snapshot().Job(job.ID)
		if !ok && cmp.Equal(workers, []string{"a", "b"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job released on %v; in snapshot: %v", workers, ok)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var attemptRecords = metrics.NewCounter("exec.test.attempt-records")

// TestSchedulerMetrics merges the metrics of successful attempts into
// the job. The metrics reported by failed attempts are dropped.
func TestSchedulerMetrics(t *testing.T) {
	d := new(fakeDispatcher)
	var failed sync.Map
	d.run = func(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
		scope := new(metrics.Scope)
		attemptRecords.Incr(scope, 10)
		if _, ok := failed.LoadOrStore(req.Partition, true); !ok && req.Partition%2 == 0 {
			attemptRecords.Incr(scope, 1000)
			return &TaskReply{
				Failure: &Failure{Dataset: "src", Partition: req.Partition, Message: "flaky"},
				Metrics: scope,
			}, nil
		}
		return &TaskReply{Metrics: scope}, nil
	}
	s := newTestScheduler(t, d, WorkerInfo{Name: "a", Slots: 2}, WorkerInfo{Name: "b", Slots: 2})
	job := compileJob(t, source("src", 4))
	h, err := runJob(t, s, job)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range job.Final().Tasks {
		want := 1
		if task.Partition%2 == 0 {
			want = 2
		}
		if got := len(task.Attempts); got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
	}
	if got, want := attemptRecords.Value(h.Scope()), int64(40); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := h.Snapshot().Metrics.Values()["exec.test.attempt-records"], int64(40); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
