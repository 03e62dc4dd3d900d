// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/bndl-go/bndl/cache"
	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/grailbio/base/errors"
)

// A Step is a dataset computed inside a stage's pipeline. Steps are
// the serializable form of datasets that is shipped to workers.
type Step struct {
	Dataset       string
	Op            Op
	Deps          []StepDep
	Cache         bool
	Tier          cache.Tier
	Deterministic bool
}

// A StepDep refers to the reader of a step dependency: either an
// earlier step of the same pipeline (Step >= 0) or one of the stage's
// inputs.
type StepDep struct {
	Step  int
	Input int
}

// InputKind is the kind of a stage input.
type InputKind int

const (
	// InputShuffle inputs read a consumer partition of a shuffle,
	// merging the blocks of every producer.
	InputShuffle InputKind = iota
	// InputPartition inputs read the same partition of a
	// materialized stage output.
	InputPartition
)

// An Input is a stage input produced by another stage.
type Input struct {
	Kind  InputKind
	Stage int
	// Order is the order of shuffle blocks.
	Order shuffle.Order
	// Aggregator names the aggregator folding values by key on read.
	// Combined tells whether the blocks already hold accumulators.
	Aggregator string
	Combined   bool
}

// OutputKind is the kind of a stage output.
type OutputKind int

const (
	// OutputStore outputs are kept in the worker's partition store.
	OutputStore OutputKind = iota
	// OutputShuffle outputs are written as shuffle blocks.
	OutputShuffle
)

// An Output describes where a stage's tasks write their records.
type Output struct {
	Kind         OutputKind
	NumConsumers int
	Order        shuffle.Order
	// Combine names the aggregator used for map-side combining.
	Combine string
}

// A Source locates the output of one producer task.
type Source struct {
	Partition int
	Worker    string
	Addr      string
}

// TaskRequest is the request payload of Worker.Run.
type TaskRequest struct {
	Job       string
	Stage     int
	Partition int
	Attempt   int
	Pipeline  []Step
	Inputs    []Input
	Output    Output
	// Sources holds, for each input, the producers of that input.
	Sources [][]Source
}

func (r *TaskRequest) String() string {
	return fmt.Sprintf("%s/s%d/p%d#%d", r.Job, r.Stage, r.Partition, r.Attempt)
}

// TaskReply is the reply payload of Worker.Run: a handle to the
// task's output, never the data itself.
type TaskReply struct {
	Records int64
	Bytes   int64
	Spilled int
	// Cached lists the datasets whose partition was cached by the
	// task.
	Cached []string
	// Failure is set when a user function failed.
	Failure *Failure
	// Metrics holds the values of the metrics updated by the
	// attempt's user functions.
	Metrics *metrics.Scope
}

// A Failure is the wire form of a TaskExecutionError.
type Failure struct {
	Dataset   string
	Partition int
	Kind      errors.Kind
	Message   string
}

// Err reconstructs the TaskExecutionError described by f.
func (f *Failure) Err() *TaskExecutionError {
	return &TaskExecutionError{
		Dataset:   f.Dataset,
		Partition: f.Partition,
		Err:       errors.E(f.Kind, f.Message),
	}
}

func failure(err *TaskExecutionError) *Failure {
	return &Failure{
		Dataset:   err.Dataset,
		Partition: err.Partition,
		Kind:      errors.Recover(err.Err).Kind,
		Message:   err.Err.Error(),
	}
}

// FetchKind is the kind of data fetched by Worker.Fetch.
type FetchKind int

const (
	// FetchPartition fetches a stored stage partition.
	FetchPartition FetchKind = iota
	// FetchBlock fetches a shuffle block.
	FetchBlock
)

// FetchRequest is the request payload of Worker.Fetch. Offset counts
// records: a fetch that is retried resumes where the previous
// successful chunk ended.
type FetchRequest struct {
	Kind      FetchKind
	Job       string
	Stage     int
	Partition int
	Consumer  int
	Offset    int64
	Max       int
	// Reader identifies the reading stream, so that a worker may keep
	// a cursor open across consecutive chunks.
	Reader string
}

func (r FetchRequest) key() string {
	if r.Kind == FetchBlock {
		return fmt.Sprintf("%s/s%d/p%d/c%d/%s", r.Job, r.Stage, r.Partition, r.Consumer, r.Reader)
	}
	return fmt.Sprintf("%s/s%d/p%d/%s", r.Job, r.Stage, r.Partition, r.Reader)
}

// FetchReply is the reply payload of Worker.Fetch.
type FetchReply struct {
	Records []sliceio.Record
	EOF     bool
}

// BlocksRequest is the request payload of Worker.Blocks.
type BlocksRequest struct {
	Job   string
	Stage int
}

// UncacheRequest is the request payload of Worker.Uncache. A negative
// partition removes every partition of the dataset.
type UncacheRequest struct {
	Dataset   string
	Partition int
}
