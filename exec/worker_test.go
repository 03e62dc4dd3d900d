// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bndl-go/bndl/cache"
	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/google/go-cmp/cmp"
	"github.com/grailbio/base/errors"
)

func nums(id string, n int) *Dataset {
	return &Dataset{ID: id, Op: Op{Kind: OpSource, Func: "nums"}, NumPartition: n, Deterministic: true}
}

func apply(id, fn string, dep *Dataset) *Dataset {
	return &Dataset{ID: id, Op: Op{Kind: OpMap, Func: fn}, Deps: []Dep{{Dataset: dep}}, Deterministic: true}
}

func sum(id string, dep *Dataset, n int) *Dataset {
	return &Dataset{
		ID:            id,
		Op:            Op{Kind: OpAggregate, Func: "sum"},
		Deps:          []Dep{{Dataset: dep, Shuffle: true, Combine: "sum"}},
		NumPartition:  n,
		Deterministic: true,
	}
}

func newTestWorker(t *testing.T, name string, remote RemoteFetch) *Worker {
	t.Helper()
	shuffles, err := shuffle.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewWorker(testFuncs(), WorkerConfig{
		Name:     name,
		Slots:    2,
		Shuffles: shuffles,
		Cache:    c,
		Remote:   remote,
	})
}

// requestFor returns the request for partition p of stage st, with
// producer partitions located by the where function.
func requestFor(st *Stage, p int, where func(stage, partition int) string) *TaskRequest {
	req := &TaskRequest{
		Job:       st.job.ID,
		Stage:     st.ID,
		Partition: p,
		Attempt:   1,
		Pipeline:  st.Pipeline,
		Inputs:    st.Inputs,
		Output:    st.Output,
		Sources:   make([][]Source, len(st.Inputs)),
	}
	for i, in := range st.Inputs {
		producer := st.job.Stages[in.Stage]
		if in.Kind == InputPartition {
			req.Sources[i] = []Source{{Partition: p, Worker: where(in.Stage, p)}}
			continue
		}
		for q := 0; q < producer.numPartition; q++ {
			req.Sources[i] = append(req.Sources[i], Source{Partition: q, Worker: where(in.Stage, q)})
		}
	}
	return req
}

func runTask(t *testing.T, w *Worker, req *TaskRequest) *TaskReply {
	t.Helper()
	reply, err := w.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("%s: %v", req, err)
	}
	if reply.Failure != nil {
		t.Fatalf("%s: %v", req, reply.Failure.Err())
	}
	return reply
}

// readPartition reads a stored partition from w in chunks of max
// records.
func readPartition(t *testing.T, w *Worker, job string, stage, partition, max int) []sliceio.Record {
	t.Helper()
	f := fetcherFunc(func(ctx context.Context, _ string, req FetchRequest) (*FetchReply, error) {
		return w.Fetch(ctx, req)
	})
	r := newFetchReader(f, w.Name(), FetchRequest{
		Kind:      FetchPartition,
		Job:       job,
		Stage:     stage,
		Partition: partition,
		Max:       max,
	})
	records, err := sliceio.ReadAll(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func TestWorkerRun(t *testing.T) {
	w := newTestWorker(t, "w", nil)
	job := compileJob(t, apply("double", "double", nums("nums", 2)))
	reply := runTask(t, w, requestFor(job.Final(), 1, nil))
	if got, want := reply.Records, int64(partitionSize); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if reply.Bytes == 0 {
		t.Error("expected nonzero size")
	}
	records := readPartition(t, w, job.ID, 0, 1, 3)
	if got, want := len(records), partitionSize; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, rec := range records {
		v := partitionSize + i
		if got, want := rec.Key, strconv.Itoa(v); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := string(rec.Value), strconv.Itoa(2*v); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	// Rerunning an attempt replaces its output.
	runTask(t, w, requestFor(job.Final(), 1, nil))
	if got, want := len(readPartition(t, w, job.ID, 0, 1, 0)), partitionSize; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	vals, err := w.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := vals["tasks"], int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["served"], int64(2*partitionSize); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWorkerFetchOffset(t *testing.T) {
	w := newTestWorker(t, "w", nil)
	job := compileJob(t, nums("nums", 1))
	runTask(t, w, requestFor(job.Final(), 0, nil))
	ctx := context.Background()
	fetch := func(offset int64) []string {
		t.Helper()
		reply, err := w.Fetch(ctx, FetchRequest{Kind: FetchPartition, Job: job.ID, Offset: offset, Max: 3, Reader: "r"})
		if err != nil {
			t.Fatal(err)
		}
		var keys []string
		for _, rec := range reply.Records {
			keys = append(keys, rec.Key)
		}
		return keys
	}
	if diff := cmp.Diff([]string{"0", "1", "2"}, fetch(0)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	// A retry after a lost reply repeats the offset of the last chunk.
	if diff := cmp.Diff([]string{"0", "1", "2"}, fetch(0)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"6", "7", "8"}, fetch(6)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	reply, err := w.Fetch(ctx, FetchRequest{Kind: FetchPartition, Job: job.ID, Offset: 9, Max: 3, Reader: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(reply.Records), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !reply.EOF {
		t.Error("expected EOF")
	}
	_, err = w.Fetch(ctx, FetchRequest{Kind: FetchPartition, Job: job.ID, Offset: 20, Reader: "r"})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	_, err = w.Fetch(ctx, FetchRequest{Kind: FetchPartition, Job: job.ID, Partition: 1, Reader: "r"})
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func testWorkerShuffle(t *testing.T, placement func(stage, partition int) string) {
	t.Helper()
	workers := make(map[string]*Worker)
	remote := func(ctx context.Context, src Source, req FetchRequest) (*FetchReply, error) {
		return workers[src.Worker].Fetch(ctx, req)
	}
	for _, name := range []string{"a", "b"} {
		workers[name] = newTestWorker(t, name, remote)
	}
	const (
		nproducer = 4
		nconsumer = 2
	)
	job := compileJob(t, sum("sum", apply("bucket", "bucket", nums("nums", nproducer)), nconsumer))
	if got, want := len(job.Stages), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for p := 0; p < nproducer; p++ {
		runTask(t, workers[placement(0, p)], requestFor(job.Stages[0], p, placement))
	}
	var all []sliceio.Record
	for p := 0; p < nconsumer; p++ {
		w := workers[placement(1, p)]
		reply := runTask(t, w, requestFor(job.Stages[1], p, placement))
		records := readPartition(t, w, job.ID, 1, p, 0)
		if got, want := reply.Records, int64(len(records)); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		for _, rec := range records {
			if got, want := (shuffle.HashPartitioner{}).Partition(rec.Key, nconsumer), p; got != want {
				t.Errorf("key %s: got partition %v, want %v", rec.Key, got, want)
			}
		}
		all = append(all, records...)
	}
	want := make(map[string]int)
	for v := 0; v < nproducer*partitionSize; v++ {
		want[strconv.Itoa(v%3)] += v
	}
	if diff := cmp.Diff(want, sums(t, all)); diff != "" {
		t.Errorf("sums (-want +got):\n%s", diff)
	}
}

func TestWorkerShuffle(t *testing.T) {
	testWorkerShuffle(t, func(int, int) string { return "a" })
}

func TestWorkerShuffleRemote(t *testing.T) {
	testWorkerShuffle(t, func(stage, partition int) string {
		if stage == 0 && partition%2 == 1 {
			return "b"
		}
		return "a"
	})
}

func TestWorkerBarrier(t *testing.T) {
	workers := make(map[string]*Worker)
	remote := func(ctx context.Context, src Source, req FetchRequest) (*FetchReply, error) {
		return workers[src.Worker].Fetch(ctx, req)
	}
	workers["a"] = newTestWorker(t, "a", remote)
	workers["b"] = newTestWorker(t, "b", remote)
	job := compileJob(t, apply("after", "double", Barrier(nums("nums", 2))))
	where := func(stage, partition int) string { return "b" }
	for p := 0; p < 2; p++ {
		runTask(t, workers["b"], requestFor(job.Stages[0], p, where))
	}
	runTask(t, workers["a"], requestFor(job.Final(), 1, where))
	records := readPartition(t, workers["a"], job.ID, job.Final().ID, 1, 0)
	if got, want := len(records), partitionSize; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := string(records[0].Value), strconv.Itoa(2*partitionSize); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWorkerExecutionError(t *testing.T) {
	w := newTestWorker(t, "w", nil)
	for _, c := range []struct {
		root    *Dataset
		dataset string
		message string
	}{
		{&Dataset{ID: "failing", Op: Op{Kind: OpSource, Func: "fail"}, NumPartition: 1}, "failing", "source failed"},
		{apply("panicking", "panic", nums("nums", 1)), "panicking", "panic: bad record 0"},
		{apply("bad", "double", &Dataset{ID: "words", Op: Op{Kind: OpSource, Func: "words", Args: []byte("a b")}, NumPartition: 1}), "bad", "invalid syntax"},
	} {
		job := compileJob(t, c.root)
		reply, err := w.Run(context.Background(), requestFor(job.Final(), 0, nil))
		if err != nil {
			t.Errorf("%s: %v", c.dataset, err)
			continue
		}
		if reply.Failure == nil {
			t.Errorf("%s: expected failure", c.dataset)
			continue
		}
		if got, want := reply.Failure.Dataset, c.dataset; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if !strings.Contains(reply.Failure.Message, c.message) {
			t.Errorf("%s: message %q does not contain %q", c.dataset, reply.Failure.Message, c.message)
		}
		// No partial output is kept.
		if _, err := w.store.Stat(context.Background(), partitionKey{job.ID, 0, 0}); err == nil {
			t.Errorf("%s: failed task left output", c.dataset)
		}
	}
	// A missing function is not an execution error.
	job := compileJob(t, &Dataset{ID: "missing", Op: Op{Kind: OpSource, Func: "nope"}, NumPartition: 1})
	if _, err := w.Run(context.Background(), requestFor(job.Final(), 0, nil)); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestWorkerCache(t *testing.T) {
	w := newTestWorker(t, "w", nil)
	src := nums("nums", 2)
	src.Cache = true
	root := apply("double", "double", src)
	before := atomic.LoadInt64(&sourceCalls)

	job := compileJob(t, root)
	reply := runTask(t, w, requestFor(job.Final(), 0, nil))
	if diff := cmp.Diff([]string{"nums"}, reply.Cached); diff != "" {
		t.Errorf("cached (-want +got):\n%s", diff)
	}
	if !w.cache.Contains("nums", 0) {
		t.Error("partition not cached")
	}
	// A second job reads the cached partition instead of computing it.
	job = compileJob(t, root)
	reply = runTask(t, w, requestFor(job.Final(), 0, nil))
	if diff := cmp.Diff([]string{"nums"}, reply.Cached); diff != "" {
		t.Errorf("cached (-want +got):\n%s", diff)
	}
	if got, want := atomic.LoadInt64(&sourceCalls)-before, int64(1); got != want {
		t.Errorf("got %v source calls, want %v", got, want)
	}
	records := readPartition(t, w, job.ID, 0, 0, 0)
	if got, want := string(records[partitionSize-1].Value), strconv.Itoa(2*(partitionSize-1)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := w.Uncache(context.Background(), UncacheRequest{Dataset: "nums", Partition: -1}); err != nil {
		t.Fatal(err)
	}
	if w.cache.Contains("nums", 0) {
		t.Error("partition still cached")
	}
	vals, err := w.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := vals["cache.entries"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWorkerRelease(t *testing.T) {
	w := newTestWorker(t, "w", nil)
	ctx := context.Background()
	job := compileJob(t, sum("sum", nums("nums", 2), 2))
	where := func(int, int) string { return "w" }
	for p := 0; p < 2; p++ {
		runTask(t, w, requestFor(job.Stages[0], p, where))
	}
	runTask(t, w, requestFor(job.Final(), 0, where))
	// Leave a cursor open.
	if _, err := w.Fetch(ctx, FetchRequest{Kind: FetchPartition, Job: job.ID, Stage: 1, Max: 1, Reader: "r"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := w.Release(ctx, job.ID); err != nil {
			t.Fatal(err)
		}
	}
	if got := w.shuffles.Parts(shuffle.ID{Job: job.ID, Stage: 0}); len(got) != 0 {
		t.Errorf("shuffle blocks not released: %v", got)
	}
	if _, err := w.store.Stat(ctx, partitionKey{job.ID, 1, 0}); err == nil {
		t.Error("partition not released")
	}
	_, err := w.Fetch(ctx, FetchRequest{Kind: FetchPartition, Job: job.ID, Stage: 1, Offset: 1, Max: 1, Reader: "r"})
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	_, err = w.Run(ctx, requestFor(job.Final(), 1, where))
	if !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want canceled", err)
	}
	w.mu.Lock()
	ncursor := len(w.cursors)
	w.mu.Unlock()
	if ncursor != 0 {
		t.Errorf("got %v open cursors, want 0", ncursor)
	}
}
