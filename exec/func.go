// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/grailbio/base/errors"
)

// OpKind is the kind of an operation in the lineage graph.
type OpKind int

const (
	// OpSource produces a partition from nothing (e.g., a store
	// connector or a generator).
	OpSource OpKind = iota
	// OpMap transforms each record of its single dependency into zero
	// or more records.
	OpMap
	// OpShuffleRead reads its partition of a shuffled dependency.
	OpShuffleRead
	// OpAggregate reads its partition of a shuffled dependency and
	// folds the values of each key with a named aggregator.
	OpAggregate
	// OpUser applies a partition-level function to the readers of
	// all of its dependencies.
	OpUser
	// OpBarrier materializes its dependency before any successor
	// task runs.
	OpBarrier

	maxOpKind
)

var opKinds = [...]string{
	OpSource:      "source",
	OpMap:         "map",
	OpShuffleRead: "shuffle",
	OpAggregate:   "aggregate",
	OpUser:        "user",
	OpBarrier:     "barrier",
}

func (k OpKind) String() string {
	if k >= 0 && int(k) < len(opKinds) {
		return opKinds[k]
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// An Op is the operation producing a dataset. Func names a function
// registered in the session's Funcs; Args are opaque arguments
// passed to it. Ops are plain values so that they can be shipped to
// workers, which resolve Func in their own registry.
type Op struct {
	Kind OpKind
	Func string
	Args []byte
}

func (o Op) String() string {
	if o.Func == "" {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Func)
}

// needsFunc tells whether ops of kind k must name a function.
func (k OpKind) needsFunc() bool {
	switch k {
	case OpSource, OpMap, OpAggregate, OpUser:
		return true
	}
	return false
}

// A SourceFunc produces the records of a source partition.
type SourceFunc func(ctx context.Context, partition int, args []byte) (sliceio.Reader, error)

// A MapFunc maps a single record to zero or more records, which it
// passes to emit.
type MapFunc func(ctx context.Context, args []byte, rec sliceio.Record, emit func(sliceio.Record)) error

// A UserFunc computes a partition from the readers of the partition's
// inputs, one per dependency, in dependency order.
type UserFunc func(ctx context.Context, partition int, args []byte, inputs []sliceio.Reader) (sliceio.Reader, error)

// Funcs is a registry of named functions. The driver and every worker
// must register the same functions under the same names before
// running jobs that use them.
type Funcs struct {
	mu      sync.RWMutex
	sources map[string]SourceFunc
	maps    map[string]MapFunc
	users   map[string]UserFunc
	aggs    map[string]*shuffle.Aggregator
}

// NewFuncs returns an empty function registry.
func NewFuncs() *Funcs {
	return &Funcs{
		sources: make(map[string]SourceFunc),
		maps:    make(map[string]MapFunc),
		users:   make(map[string]UserFunc),
		aggs:    make(map[string]*shuffle.Aggregator),
	}
}

func (f *Funcs) register(kind, name string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.has(name) {
		panic(fmt.Sprintf("exec: %s function %q registered twice", kind, name))
	}
	fn()
}

func (f *Funcs) has(name string) bool {
	_, s := f.sources[name]
	_, m := f.maps[name]
	_, u := f.users[name]
	_, a := f.aggs[name]
	return s || m || u || a
}

// Source registers a source function.
func (f *Funcs) Source(name string, fn SourceFunc) {
	f.register("source", name, func() { f.sources[name] = fn })
}

// Map registers a map function.
func (f *Funcs) Map(name string, fn MapFunc) {
	f.register("map", name, func() { f.maps[name] = fn })
}

// User registers a partition-level function.
func (f *Funcs) User(name string, fn UserFunc) {
	f.register("user", name, func() { f.users[name] = fn })
}

// Aggregator registers an aggregator, used by OpAggregate datasets
// and by map-side combiners.
func (f *Funcs) Aggregator(name string, agg *shuffle.Aggregator) {
	f.register("aggregator", name, func() { f.aggs[name] = agg })
}

func notExist(kind, name string) error {
	return errors.E(errors.NotExist, fmt.Sprintf("exec: no %s function named %q", kind, name))
}

func (f *Funcs) source(name string) (SourceFunc, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fn := f.sources[name]; fn != nil {
		return fn, nil
	}
	return nil, notExist("source", name)
}

func (f *Funcs) mapper(name string) (MapFunc, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fn := f.maps[name]; fn != nil {
		return fn, nil
	}
	return nil, notExist("map", name)
}

func (f *Funcs) user(name string) (UserFunc, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fn := f.users[name]; fn != nil {
		return fn, nil
	}
	return nil, notExist("user", name)
}

func (f *Funcs) aggregator(name string) (*shuffle.Aggregator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if agg := f.aggs[name]; agg != nil {
		return agg, nil
	}
	return nil, notExist("aggregator", name)
}
