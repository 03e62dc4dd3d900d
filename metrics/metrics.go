// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics declares named metrics that user functions update
// from within tasks. Each task attempt runs with its own Scope; the
// scheduler merges the scopes of successful attempts into the scope
// of their job, so retried work is counted once.
package metrics

import (
	"fmt"
	"sync"
)

var (
	mu sync.Mutex
	// registered maps metric names to their operation. A name may be
	// declared more than once, but always with the same operation.
	registered = make(map[string]Op)
)

func register(name string, op Op) {
	if name == "" {
		panic("metrics: empty metric name")
	}
	mu.Lock()
	defer mu.Unlock()
	if prev, ok := registered[name]; ok && prev != op {
		panic(fmt.Sprintf("metrics: %s declared as %s and %s", name, prev, op))
	}
	registered[name] = op
}

// Metric is the abstract type of a metric: a named value combined
// across scopes by its operation.
type Metric interface {
	// Name returns the metric's name, unique within a process.
	Name() string
	// Op returns the operation that combines the metric's values.
	Op() Op
}

// Counter is a simple counter metric. Counters implement atomic
// addition on top of an int64.
type Counter struct {
	name string
}

// NewCounter declares a new counter with the given name.
func NewCounter(name string) Counter {
	register(name, OpSum)
	return Counter{name}
}

// Name implements Metric.
func (c Counter) Name() string { return c.name }

// Op implements Metric.
func (c Counter) Op() Op { return OpSum }

// Value retrieves the current value of this metric in the provided
// scope.
func (c Counter) Value(scope *Scope) int64 {
	v, _ := scope.load(c.name)
	return v.Value
}

// Incr increments this counter's value in the provided scope by n.
func (c Counter) Incr(scope *Scope, n int64) {
	scope.update(c.name, OpSum, n)
}
