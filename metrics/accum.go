// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import "fmt"

// Op is a commutative and associative operation on int64 values.
// Scopes may be merged in any order, so only such operations can
// combine metric values.
type Op int

const (
	// OpSum adds values.
	OpSum Op = iota
	// OpMin keeps the smallest value.
	OpMin
	// OpMax keeps the largest value.
	OpMax
	// OpOr is the bitwise or of values.
	OpOr
	// OpAnd is the bitwise and of values.
	OpAnd

	maxOp
)

var opNames = [...]string{
	OpSum: "sum",
	OpMin: "min",
	OpMax: "max",
	OpOr:  "or",
	OpAnd: "and",
}

func (op Op) String() string {
	if op >= 0 && op < maxOp {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

func (op Op) combine(x, y int64) int64 {
	switch op {
	case OpSum:
		return x + y
	case OpMin:
		if y < x {
			return y
		}
		return x
	case OpMax:
		if y > x {
			return y
		}
		return x
	case OpOr:
		return x | y
	case OpAnd:
		return x & y
	}
	panic(fmt.Sprintf("metrics: invalid operation %d", op))
}

// An Accumulator is a named value updated by tasks with its
// operation. A sum accumulator behaves like a Counter; min and max
// accumulators track extremes, and or and and accumulators combine
// bit sets.
type Accumulator struct {
	name string
	op   Op
}

// NewAccumulator declares an accumulator with the given name and
// operation.
func NewAccumulator(name string, op Op) Accumulator {
	if op < 0 || op >= maxOp {
		panic(fmt.Sprintf("metrics: invalid operation %d", op))
	}
	register(name, op)
	return Accumulator{name, op}
}

// Name implements Metric.
func (a Accumulator) Name() string { return a.name }

// Op implements Metric.
func (a Accumulator) Op() Op { return a.op }

// Update combines v into the accumulator's value in the provided
// scope. The first update of a scope sets the value.
func (a Accumulator) Update(scope *Scope, v int64) {
	scope.update(a.name, a.op, v)
}

// Value returns the accumulator's value in the provided scope, and
// whether it was ever updated there.
func (a Accumulator) Value(scope *Scope) (int64, bool) {
	v, ok := scope.load(a.name)
	return v.Value, ok
}
