// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bndl-go/bndl/cache"
	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/stats"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
)

// DefaultMaxAttempts is the default number of failed attempts after
// which a task, and its job, fail.
const DefaultMaxAttempts = 3

// WorkerInfo describes a worker known to the scheduler.
type WorkerInfo struct {
	Name  string
	Addr  string
	Slots int
}

// A Dispatcher carries out the scheduler's requests on workers.
// Its methods are called from their own goroutines and may block.
type Dispatcher interface {
	// Run runs a task attempt on the named worker.
	Run(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error)
	// Fetch reads a chunk of a stored partition from the named worker.
	Fetch(ctx context.Context, worker string, req FetchRequest) (*FetchReply, error)
	// Release tells the named worker to drop the job's partitions
	// and shuffle blocks.
	Release(ctx context.Context, worker string, job string) error
}

// Liveness is implemented by dispatchers that know the connection
// state of their workers ahead of membership events. Tasks are not
// placed on workers that are not live.
type Liveness interface {
	Live(worker string) bool
}

// Scheduler assigns the tasks of submitted jobs to workers. All job,
// stage, task and worker state is owned by a single loop goroutine;
// task dispatches, stage populations and membership changes are
// delivered to it as events. The loop performs no I/O itself.
type Scheduler struct {
	dispatcher  Dispatcher
	maxAttempts int
	status      *status.Status

	events  chan interface{}
	quit    chan struct{}
	stopped chan struct{}

	snapshot atomic.Value

	// The following are owned by the loop.
	workers map[string]*workerState
	jobs    []*jobState
	cached  map[cache.Key]map[string]bool
}

type workerState struct {
	WorkerInfo
	running int
}

func (w *workerState) free() int {
	return w.Slots - w.running
}

// stageStats are the loop's per-stage accounting.
type stageStats struct {
	counts    [maxTaskState]int
	attempts  int
	durations *stats.Durations
}

type jobState struct {
	job    *Job
	handle *JobHandle
	ctx    context.Context
	cancel context.CancelFunc
	status *jobStatus
	stats  map[*Stage]*stageStats
}

type (
	submitEvent struct{ js *jobState }
	cancelEvent struct{ job *Job }
	closeEvent  struct{ job *Job }
	joinEvent   struct{ info WorkerInfo }
	lostEvent   struct {
		name string
		err  error
	}
	populateEvent struct {
		js         *jobState
		stage      *Stage
		partitions []int
		sealed     bool
		err        error
	}
	attemptEvent struct {
		js      *jobState
		task    *Task
		attempt *TaskAttempt
		reply   *TaskReply
		err     error
	}
)

// NewScheduler returns a new scheduler that runs tasks through the
// provided dispatcher, allowing maxAttempts failed attempts per task.
// If st is non-nil, job progress is reported to it.
func NewScheduler(d Dispatcher, maxAttempts int, st *status.Status) *Scheduler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	s := &Scheduler{
		dispatcher:  d,
		maxAttempts: maxAttempts,
		status:      st,
		events:      make(chan interface{}, 128),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		workers:     make(map[string]*workerState),
		cached:      make(map[cache.Key]map[string]bool),
	}
	s.snapshot.Store(&Snapshot{Time: time.Now()})
	go s.loop()
	return s
}

// send delivers an event to the loop. Events sent after the
// scheduler is shut down are dropped.
func (s *Scheduler) send(e interface{}) {
	select {
	case s.events <- e:
	case <-s.quit:
	}
}

// Submit submits a compiled job for execution. The job is cancelled
// if ctx is done before the job completes.
func (s *Scheduler) Submit(ctx context.Context, job *Job) (*JobHandle, error) {
	select {
	case <-s.quit:
		return nil, errors.E(errors.Unavailable, "exec: scheduler is shut down")
	default:
	}
	if len(job.Stages) == 0 {
		return nil, errors.E(errors.Invalid, "exec: job has no stages")
	}
	h := newJobHandle(s, job)
	jctx, cancel := context.WithCancel(context.Background())
	js := &jobState{
		job:    job,
		handle: h,
		ctx:    jctx,
		cancel: cancel,
		stats:  make(map[*Stage]*stageStats),
	}
	for _, st := range job.Stages {
		js.stats[st] = &stageStats{durations: stats.NewDurations()}
	}
	stop := context.AfterFunc(ctx, func() { s.Cancel(job) })
	go func() {
		<-h.Done()
		stop()
	}()
	s.send(submitEvent{js})
	return h, nil
}

// Cancel cancels the job. Running attempts are abandoned and the
// job's state becomes JobCancelled. Cancelling a completed job has
// no effect.
func (s *Scheduler) Cancel(job *Job) {
	s.send(cancelEvent{job})
}

// WorkerJoined makes a worker available to run tasks.
func (s *Scheduler) WorkerJoined(info WorkerInfo) {
	s.send(joinEvent{info})
}

// WorkerLost tells the scheduler that a worker is gone: its
// in-flight attempts fail, and the outputs it hosted for running
// jobs are recomputed.
func (s *Scheduler) WorkerLost(name string, err error) {
	s.send(lostEvent{name, err})
}

// Snapshot returns the most recently published snapshot.
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snapshot.Load().(*Snapshot)
}

// Shutdown cancels every job and stops the scheduler.
func (s *Scheduler) Shutdown() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.stopped
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		select {
		case e := <-s.events:
			s.handle(e)
		case <-s.quit:
			for _, js := range append([]*jobState(nil), s.jobs...) {
				if !js.job.State.Done() {
					s.finish(js, JobCancelled, nil)
				}
			}
			s.publish()
			return
		}
		s.schedule()
		s.publish()
	}
}

func (s *Scheduler) handle(e interface{}) {
	switch e := e.(type) {
	case submitEvent:
		s.submit(e.js)
	case cancelEvent:
		if js := s.lookup(e.job); js != nil && !js.job.State.Done() {
			log.Printf("exec: cancelling %s", js.job)
			s.finish(js, JobCancelled, nil)
		}
	case closeEvent:
		if js := s.lookup(e.job); js != nil {
			if !js.job.State.Done() {
				s.finish(js, JobCancelled, nil)
			}
			s.release(js)
		}
	case joinEvent:
		if w := s.workers[e.info.Name]; w != nil {
			// A suspect worker answered again.
			w.WorkerInfo = e.info
			break
		}
		log.Printf("exec: worker %s (%s) joined with %d slots", e.info.Name, e.info.Addr, e.info.Slots)
		s.workers[e.info.Name] = &workerState{WorkerInfo: e.info}
	case lostEvent:
		s.lose(e.name, e.err)
	case populateEvent:
		s.populate(e)
	case attemptEvent:
		s.complete(e)
	default:
		log.Panicf("exec: unknown scheduler event %T", e)
	}
}

func (s *Scheduler) lookup(job *Job) *jobState {
	for _, js := range s.jobs {
		if js.job == job {
			return js
		}
	}
	return nil
}

func (s *Scheduler) submit(js *jobState) {
	js.job.State = JobPending
	js.status = newJobStatus(s.status, js.job)
	s.jobs = append(s.jobs, js)
	log.Printf("exec: submitted %s with %d stages", js.job, len(js.job.Stages))
	s.startStages(js)
}

// ready tells whether every parent of the stage has succeeded.
func (st *Stage) ready() bool {
	for _, p := range st.Parents {
		if p.State != StageSucceeded {
			return false
		}
	}
	return true
}

// startStages starts every pending stage whose parents have
// succeeded.
func (s *Scheduler) startStages(js *jobState) {
	for _, st := range js.job.Stages {
		if js.job.State.Done() {
			return
		}
		if st.State == StagePending && st.ready() {
			s.start(js, st)
		}
	}
}

// start starts a stage and populates its tasks. Tasks of stages with
// a known partition count are added at once; generated partitions
// are added as the stage's generator emits them.
func (s *Scheduler) start(js *jobState, st *Stage) {
	st.State = StageRunning
	js.job.State = JobRunning
	st.byPartition = make(map[int]*Task)
	switch {
	case st.Barrier:
		st.Sealed = true
	case st.numPartition > 0:
		for p := 0; p < st.numPartition; p++ {
			s.addTask(js, st, p)
		}
		st.Sealed = true
	case st.from != nil:
		for _, t := range st.from.Tasks {
			s.addTask(js, st, t.Partition)
		}
		st.Sealed = true
	case st.generator != nil:
		gen := st.generator
		go func() {
			err := gen.Partitions(js.ctx, func(p int) {
				s.send(populateEvent{js: js, stage: st, partitions: []int{p}})
			})
			s.send(populateEvent{js: js, stage: st, sealed: true, err: err})
		}()
	default:
		log.Panicf("exec: stage %s has no partitioning", st)
	}
	s.printStatus(js, st)
	s.settle(js, st)
}

func (s *Scheduler) addTask(js *jobState, st *Stage, partition int) {
	if st.byPartition[partition] != nil {
		return
	}
	t := &Task{Stage: st, Partition: partition, State: TaskWaiting}
	st.Tasks = append(st.Tasks, t)
	st.byPartition[partition] = t
	js.stats[st].counts[TaskWaiting]++
}

func (s *Scheduler) populate(e populateEvent) {
	js, st := e.js, e.stage
	if js.job.State.Done() {
		return
	}
	if e.err != nil {
		s.finish(js, JobFailed, errors.E(fmt.Sprintf("exec: enumerate partitions of %s", st), e.err))
		return
	}
	for _, p := range e.partitions {
		s.addTask(js, st, p)
	}
	if e.sealed {
		st.Sealed = true
		log.Debug.Printf("exec: stage %s sealed with %d tasks", st, len(st.Tasks))
	}
	s.printStatus(js, st)
	s.settle(js, st)
}

// settle marks a running stage succeeded once it is sealed, all of
// its tasks are done, and (for barriers) its parents have succeeded.
// Success of the last stage completes the job; otherwise the stage's
// children may start.
func (s *Scheduler) settle(js *jobState, st *Stage) {
	if js.job.State.Done() || st.State != StageRunning || !st.Sealed {
		return
	}
	if st.Barrier && !st.ready() {
		return
	}
	for _, t := range st.Tasks {
		if t.State != TaskOk {
			return
		}
	}
	st.State = StageSucceeded
	log.Debug.Printf("exec: stage %s succeeded", st)
	if t := js.status.stage(st); t != nil {
		t.Print("done")
	}
	for _, c := range st.children {
		if c.Barrier && c.State == StageRunning {
			s.settle(js, c)
		}
	}
	for _, other := range js.job.Stages {
		if other.State != StageSucceeded {
			s.startStages(js)
			return
		}
	}
	s.finish(js, JobSucceeded, nil)
}

// setState changes the state of a task, keeping the stage's
// accounting up to date.
func (s *Scheduler) setState(js *jobState, t *Task, state TaskState) {
	ss := js.stats[t.Stage]
	ss.counts[t.State]--
	ss.counts[state]++
	t.State = state
	s.printStatus(js, t.Stage)
}

func (s *Scheduler) printStatus(js *jobState, st *Stage) {
	t := js.status.stage(st)
	if t == nil {
		return
	}
	var counts stateCounts
	for state, n := range js.stats[st].counts {
		counts.add(TaskState(state), int32(n))
	}
	counts.printTo(t)
}

// schedule assigns waiting tasks of ready stages to workers with
// free slots, in job submission order.
func (s *Scheduler) schedule() {
	var free int
	for _, w := range s.workers {
		free += w.free()
	}
	for _, js := range append([]*jobState(nil), s.jobs...) {
		if free <= 0 {
			return
		}
		if js.job.State != JobRunning {
			continue
		}
	stages:
		for _, st := range js.job.Stages {
			if st.State != StageRunning || !st.ready() {
				continue
			}
			for _, t := range st.Tasks {
				if t.State != TaskWaiting {
					continue
				}
				w, err := s.pick(js, t)
				if err != nil {
					s.fail(js, t, err)
					break stages
				}
				if w == nil {
					continue
				}
				s.dispatch(js, t, w)
				if free--; free <= 0 {
					return
				}
			}
		}
	}
}

// dispatch starts an attempt of task t on worker w.
func (s *Scheduler) dispatch(js *jobState, t *Task, w *workerState) {
	a := &TaskAttempt{
		Number:  len(t.Attempts) + 1,
		Worker:  w.Name,
		Start:   time.Now(),
		Outcome: AttemptRunning,
	}
	t.Attempts = append(t.Attempts, a)
	js.stats[t.Stage].attempts++
	w.running++
	s.setState(js, t, TaskRunning)
	req := s.request(t, a)
	ctx, cancel := context.WithCancel(js.ctx)
	t.cancel = cancel
	log.Debug.Printf("exec: dispatching %s to %s", req, w.Name)
	go func() {
		reply, err := s.dispatcher.Run(ctx, a.Worker, req)
		s.send(attemptEvent{js: js, task: t, attempt: a, reply: reply, err: err})
	}()
}

// request builds the request for an attempt of task t, locating the
// outputs of the producers of each of the task's inputs.
func (s *Scheduler) request(t *Task, a *TaskAttempt) *TaskRequest {
	st := t.Stage
	req := &TaskRequest{
		Job:       st.job.ID,
		Stage:     st.ID,
		Partition: t.Partition,
		Attempt:   a.Number,
		Pipeline:  st.Pipeline,
		Inputs:    st.Inputs,
		Output:    st.Output,
		Sources:   make([][]Source, len(st.Inputs)),
	}
	for i, in := range st.Inputs {
		producer := st.job.Stages[in.Stage]
		for _, pt := range producer.Tasks {
			if in.Kind == InputPartition && pt.Partition != t.Partition {
				continue
			}
			src := Source{Partition: pt.Partition, Worker: pt.Worker}
			if w := s.workers[pt.Worker]; w != nil {
				src.Addr = w.Addr
			}
			req.Sources[i] = append(req.Sources[i], src)
		}
	}
	return req
}

// complete accounts for the end of an attempt.
func (s *Scheduler) complete(e attemptEvent) {
	js, t, a := e.js, e.task, e.attempt
	if a.Outcome != AttemptRunning {
		// The attempt was already accounted for, because its worker
		// was lost or its job completed.
		return
	}
	a.End = time.Now()
	if w := s.workers[a.Worker]; w != nil {
		w.running--
	}
	t.cancel = nil
	err := e.err
	if err == nil && e.reply == nil {
		err = errors.E(errors.Integrity, "exec: empty task reply")
	}
	if err == nil && e.reply.Failure != nil {
		err = e.reply.Failure.Err()
	}
	if err != nil {
		s.retry(js, t, a, err)
		return
	}
	a.Outcome = AttemptSucceeded
	t.Worker = a.Worker
	t.Reply = *e.reply
	t.err = nil
	t.exclude, t.strict = "", false
	s.setState(js, t, TaskOk)
	js.stats[t.Stage].durations.Record(a.Duration())
	for _, dataset := range e.reply.Cached {
		key := cache.Key{Dataset: dataset, Partition: t.Partition}
		if s.cached[key] == nil {
			s.cached[key] = make(map[string]bool)
		}
		s.cached[key][a.Worker] = true
	}
	s.settle(js, t.Stage)
}

// retry classifies the failure of attempt a and either makes the
// task runnable again or fails its job.
func (s *Scheduler) retry(js *jobState, t *Task, a *TaskAttempt, err error) {
	a.Err = err
	a.Outcome = AttemptFailed
	a.counted = true
	exclude, strict := a.Worker, false
	if te, ok := asExecutionError(err); ok {
		if step, ok := t.Stage.step(te.Dataset); !ok || !step.Deterministic {
			log.Error.Printf("exec: %s attempt %d on %s: %v; not retrying non-deterministic dataset", t, a.Number, a.Worker, err)
			t.err = err
			s.fail(js, t, err)
			return
		}
	} else {
		switch {
		case errors.Is(errors.Timeout, err):
			a.Outcome = AttemptTimedOut
		case errors.Is(errors.Integrity, err):
			strict = true
		case errors.Is(errors.Unavailable, err) && !t.Stage.ready():
			// An input is being recomputed; this attempt does not count.
			a.counted = false
			exclude = ""
		}
	}
	t.err = err
	if t.failures() >= s.maxAttempts {
		log.Error.Printf("exec: %s attempt %d on %s: %v; giving up after %d attempts", t, a.Number, a.Worker, err, len(t.Attempts))
		s.fail(js, t, err)
		return
	}
	log.Error.Printf("exec: %s attempt %d on %s: %v; retrying", t, a.Number, a.Worker, err)
	t.exclude, t.strict = exclude, strict
	s.setState(js, t, TaskWaiting)
}

// fail fails task t, its stage and its job.
func (s *Scheduler) fail(js *jobState, t *Task, err error) {
	s.setState(js, t, TaskErr)
	t.Stage.State = StageFailed
	var worker string
	if n := len(t.Attempts); n > 0 {
		worker = t.Attempts[n-1].Worker
	}
	s.finish(js, JobFailed, &TaskError{
		Stage:     t.Stage.ID,
		Partition: t.Partition,
		Attempts:  len(t.Attempts),
		Worker:    worker,
		Err:       err,
	})
}

// finish completes a job. In-flight attempts are cancelled. Failed
// and cancelled jobs are released at once; succeeded jobs are
// released when their handle is closed.
func (s *Scheduler) finish(js *jobState, state JobState, err error) {
	job := js.job
	job.State, job.err = state, err
	now := time.Now()
	for _, st := range job.Stages {
		for _, t := range st.Tasks {
			if a := t.attempt(); a != nil {
				a.Outcome, a.End = AttemptCancelled, now
				if w := s.workers[a.Worker]; w != nil {
					w.running--
				}
			}
			if t.cancel != nil {
				t.cancel()
				t.cancel = nil
			}
			if t.State < TaskOk {
				s.setState(js, t, TaskCancelled)
			}
		}
		if st.State == StageRunning && state != JobSucceeded {
			st.State = StageFailed
		}
	}
	js.cancel()
	js.status.done(job)
	var results []Source
	if state == JobSucceeded {
		final := job.Final()
		results = make([]Source, len(final.Tasks))
		for i, t := range final.Tasks {
			results[i] = Source{Partition: t.Partition, Worker: t.Worker}
			if w := s.workers[t.Worker]; w != nil {
				results[i].Addr = w.Addr
			}
		}
		sort.Slice(results, func(i, j int) bool { return results[i].Partition < results[j].Partition })
	}
	if err != nil {
		log.Error.Printf("exec: %s %s: %v", job, state, err)
	} else {
		log.Printf("exec: %s %s", job, state)
	}
	js.handle.complete(state, err, results, s.jobSnapshot(js))
	if state != JobSucceeded {
		s.release(js)
	}
}

// release drops the job's state and asks every worker to drop the
// job's data.
func (s *Scheduler) release(js *jobState) {
	for i := range s.jobs {
		if s.jobs[i] == js {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	workers := make([]string, 0, len(s.workers))
	for name := range s.workers {
		workers = append(workers, name)
	}
	sort.Strings(workers)
	id := js.job.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = traverse.Each(len(workers), func(i int) error {
			if err := s.dispatcher.Release(ctx, workers[i], id); err != nil {
				log.Error.Printf("exec: release job %s on %s: %v", id, workers[i], err)
			}
			return nil
		})
	}()
}

// lose handles the loss of a worker.
func (s *Scheduler) lose(name string, cause error) {
	if s.workers[name] == nil {
		return
	}
	delete(s.workers, name)
	for key, hosts := range s.cached {
		delete(hosts, name)
		if len(hosts) == 0 {
			delete(s.cached, key)
		}
	}
	log.Error.Printf("exec: worker %s lost: %v", name, cause)
	err := errors.E(errors.Net, fmt.Sprintf("exec: worker %s lost", name), cause)
	now := time.Now()
	for _, js := range append([]*jobState(nil), s.jobs...) {
		if js.job.State.Done() {
			continue
		}
		stages := js.job.Stages
	stages:
		for i := len(stages) - 1; i >= 0; i-- {
			st := stages[i]
			needed := s.needed(st)
			for _, t := range st.Tasks {
				if a := t.attempt(); a != nil && a.Worker == name {
					a.End = now
					if t.cancel != nil {
						t.cancel()
						t.cancel = nil
					}
					s.retry(js, t, a, err)
					if js.job.State.Done() {
						break stages
					}
					continue
				}
				if needed && t.State == TaskOk && t.Worker == name {
					t.Worker = ""
					s.setState(js, t, TaskWaiting)
					s.reopen(st)
				}
			}
		}
	}
}

// needed tells whether the outputs of a stage may still be read:
// the job's final stage always is, as is any stage with a child
// that has not succeeded.
func (s *Scheduler) needed(st *Stage) bool {
	if st == st.job.Final() {
		return true
	}
	for _, c := range st.children {
		if c.State != StageSucceeded || (c.Barrier && s.needed(c)) {
			return true
		}
	}
	return false
}

// reopen puts a succeeded stage, and the barriers gated by it, back
// into the running state.
func (s *Scheduler) reopen(st *Stage) {
	if st.State != StageSucceeded {
		return
	}
	log.Printf("exec: stage %s lost outputs; recomputing", st)
	st.State = StageRunning
	for _, c := range st.children {
		if c.Barrier {
			s.reopen(c)
		}
	}
}

// publish publishes a new snapshot.
func (s *Scheduler) publish() {
	snap := &Snapshot{Time: time.Now()}
	for _, js := range s.jobs {
		snap.Jobs = append(snap.Jobs, s.jobSnapshot(js))
	}
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, WorkerSnapshot{
			Name:    w.Name,
			Addr:    w.Addr,
			Slots:   w.Slots,
			Running: w.running,
		})
	}
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].Name < snap.Workers[j].Name })
	s.snapshot.Store(snap)
}

func (s *Scheduler) jobSnapshot(js *jobState) JobSnapshot {
	j := JobSnapshot{ID: js.job.ID, State: js.job.State, Metrics: new(metrics.Scope)}
	if js.job.err != nil {
		j.Err = js.job.err.Error()
	}
	for _, st := range js.job.Stages {
		for _, t := range st.Tasks {
			j.Metrics.Merge(t.Reply.Metrics)
		}
		ss := js.stats[st]
		parents := make([]int, len(st.Parents))
		for i, parent := range st.Parents {
			parents[i] = parent.ID
		}
		j.Stages = append(j.Stages, StageSnapshot{
			ID:        st.ID,
			Name:      st.String(),
			State:     st.State,
			Barrier:   st.Barrier,
			Sealed:    st.Sealed,
			Parents:   parents,
			Tasks:     ss.counts,
			Attempts:  ss.attempts,
			Durations: ss.durations.Summary(),
		})
	}
	return j
}
