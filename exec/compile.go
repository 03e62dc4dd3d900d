// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/bndl-go/bndl/shuffle"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
)

// graphError returns an error of kind errors.Invalid describing a
// malformed lineage graph.
func graphError(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, "exec: compile: "+fmt.Sprintf(format, args...))
}

// Compile compiles the lineage graph rooted at root into a job.
// Datasets connected by narrow dependencies are pipelined into a
// single stage; every shuffle dependency and every barrier starts a
// new stage. The returned job's stages are ordered so that parents
// precede their children; the last stage computes root.
//
// Compile returns an error of kind errors.Invalid if the lineage has
// a cycle or is otherwise malformed.
func Compile(root *Dataset) (*Job, error) {
	if root == nil {
		return nil, graphError("nil dataset")
	}
	if err := validate(root); err != nil {
		return nil, err
	}
	c := &compiler{
		job:          &Job{ID: uuid.New().String(), root: root},
		shuffles:     make(map[shuffleKey]*Stage),
		materialized: make(map[*Dataset]*Stage),
	}
	if _, err := c.stage(root, Output{Kind: OutputStore}); err != nil {
		return nil, err
	}
	for _, s := range c.job.Stages {
		for _, p := range s.Parents {
			p.children = append(p.children, s)
		}
	}
	return c.job, nil
}

// validate checks every dataset reachable from root and rejects
// cycles.
func validate(root *Dataset) error {
	const (
		visiting = 1
		visited  = 2
	)
	var (
		marks = make(map[*Dataset]int)
		ids   = make(map[string]*Dataset)
		visit func(ds *Dataset) error
	)
	visit = func(ds *Dataset) error {
		switch marks[ds] {
		case visiting:
			return graphError("cycle through dataset %s", ds)
		case visited:
			return nil
		}
		marks[ds] = visiting
		if err := check(ds); err != nil {
			return err
		}
		if other := ids[ds.ID]; other != nil && other != ds {
			return graphError("two datasets named %s", ds.ID)
		}
		ids[ds.ID] = ds
		for _, dep := range ds.Deps {
			if err := visit(dep.Dataset); err != nil {
				return err
			}
		}
		marks[ds] = visited
		return nil
	}
	return visit(root)
}

// check validates a single dataset.
func check(ds *Dataset) error {
	if ds.ID == "" {
		return graphError("dataset with op %s has no ID", ds.Op)
	}
	kind := ds.Op.Kind
	if kind < 0 || kind >= maxOpKind {
		return graphError("dataset %s: unknown op kind %d", ds, int(kind))
	}
	if kind.needsFunc() && ds.Op.Func == "" {
		return graphError("dataset %s: %s op names no function", ds, kind)
	}
	if ds.NumPartition < 0 {
		return graphError("dataset %s: negative partition count", ds)
	}
	if ds.Partitions != nil && kind != OpSource {
		return graphError("dataset %s: only sources may enumerate partitions", ds)
	}
	switch kind {
	case OpSource:
		if len(ds.Deps) != 0 {
			return graphError("dataset %s: source has dependencies", ds)
		}
		if ds.NumPartition == 0 && ds.Partitions == nil {
			return graphError("dataset %s: source has no partitions", ds)
		}
	case OpMap, OpShuffleRead, OpAggregate, OpBarrier:
		if len(ds.Deps) != 1 {
			return graphError("dataset %s: %s op needs exactly one dependency, has %d", ds, kind, len(ds.Deps))
		}
	case OpUser:
		if len(ds.Deps) == 0 {
			return graphError("dataset %s: user op has no dependencies", ds)
		}
	}
	for i, dep := range ds.Deps {
		if dep.Dataset == nil {
			return graphError("dataset %s: dependency %d is nil", ds, i)
		}
		if dep.Shuffle {
			if ds.NumPartition == 0 {
				return graphError("dataset %s: shuffle consumers must declare a partition count", ds)
			}
			if kind == OpBarrier {
				return graphError("dataset %s: barriers depend narrowly", ds)
			}
		} else {
			if kind == OpShuffleRead || kind == OpAggregate {
				return graphError("dataset %s: %s op needs a shuffle dependency", ds, kind)
			}
			if dep.Combine != "" || dep.Order != shuffle.Unordered {
				return graphError("dataset %s: narrow dependency on %s cannot be ordered or combined", ds, dep.Dataset)
			}
		}
		if kind == OpAggregate && dep.Combine != "" && dep.Combine != ds.Op.Func {
			return graphError("dataset %s: combiner %s differs from aggregator %s", ds, dep.Combine, ds.Op.Func)
		}
	}
	return nil
}

type shuffleKey struct {
	dataset   *Dataset
	consumers int
	order     shuffle.Order
	combine   string
}

type compiler struct {
	job          *Job
	shuffles     map[shuffleKey]*Stage
	materialized map[*Dataset]*Stage
}

// partitioning describes how a stage's partitions are enumerated:
// a fixed count, a source's generator, or the final partitions of
// a materialized stage.
type partitioning struct {
	n    int
	gen  *Dataset
	from *Stage
}

func (p partitioning) known() bool {
	return p.n > 0 || p.gen != nil || p.from != nil
}

// merge reconciles the partitionings of narrowly dependent datasets.
// Fixed counts take precedence; they must agree.
func merge(ds *Dataset, p, q partitioning) (partitioning, error) {
	switch {
	case !p.known():
		return q, nil
	case !q.known():
		return p, nil
	case p.n > 0 && q.n > 0 && p.n != q.n:
		return p, graphError("dataset %s: narrow dependencies with %d and %d partitions", ds, p.n, q.n)
	case q.n > 0:
		return q, nil
	default:
		return p, nil
	}
}

// stage compiles the narrow closure of root into a stage writing
// out. Parent stages are compiled first, so stage IDs follow
// dependency order.
func (c *compiler) stage(root *Dataset, out Output) (*Stage, error) {
	s := &Stage{job: c.job, root: root, Output: out}
	var (
		index = make(map[*Dataset]int)
		parts []partitioning
		visit func(ds *Dataset) (partitioning, error)
	)
	visit = func(ds *Dataset) (partitioning, error) {
		if i, ok := index[ds]; ok {
			return parts[i], nil
		}
		step := Step{
			Dataset:       ds.ID,
			Op:            ds.Op,
			Cache:         ds.Cache,
			Tier:          ds.Tier,
			Deterministic: ds.Deterministic,
		}
		var p partitioning
		for _, dep := range ds.Deps {
			switch {
			case dep.Shuffle:
				parent, err := c.shuffleStage(dep, ds.NumPartition)
				if err != nil {
					return p, err
				}
				in := Input{
					Kind:       InputShuffle,
					Stage:      parent.ID,
					Order:      dep.Order,
					Aggregator: dep.Combine,
					Combined:   dep.Combine != "",
				}
				if ds.Op.Kind == OpAggregate {
					in.Aggregator = ds.Op.Func
				}
				s.addParent(parent)
				step.Deps = append(step.Deps, StepDep{Step: -1, Input: s.addInput(in)})
			case ds.Op.Kind == OpBarrier:
				mat, barrier, err := c.barrier(dep.Dataset)
				if err != nil {
					return p, err
				}
				s.addParent(barrier)
				step.Deps = append(step.Deps, StepDep{Step: -1, Input: s.addInput(Input{Kind: InputPartition, Stage: mat.ID})})
				if p, err = merge(ds, p, partitioning{from: mat}); err != nil {
					return p, err
				}
			default:
				q, err := visit(dep.Dataset)
				if err != nil {
					return p, err
				}
				step.Deps = append(step.Deps, StepDep{Step: index[dep.Dataset]})
				if p, err = merge(ds, p, q); err != nil {
					return p, err
				}
			}
		}
		var err error
		switch {
		case ds.NumPartition > 0:
			p, err = merge(ds, p, partitioning{n: ds.NumPartition})
		case ds.Op.Kind == OpSource:
			p = partitioning{gen: ds}
		}
		if err != nil {
			return p, err
		}
		if !p.known() {
			return p, graphError("dataset %s: cannot determine its partitions", ds)
		}
		index[ds] = len(s.Pipeline)
		s.Pipeline = append(s.Pipeline, step)
		parts = append(parts, p)
		s.addWorkers(ds.Workers)
		return p, nil
	}
	p, err := visit(root)
	if err != nil {
		return nil, err
	}
	s.numPartition, s.generator, s.from = p.n, p.gen, p.from
	c.add(s)
	return s, nil
}

// shuffleStage returns the stage producing the shuffle of dep for a
// consumer with the given number of partitions.
func (c *compiler) shuffleStage(dep Dep, consumers int) (*Stage, error) {
	key := shuffleKey{dep.Dataset, consumers, dep.Order, dep.Combine}
	if s := c.shuffles[key]; s != nil {
		return s, nil
	}
	s, err := c.stage(dep.Dataset, Output{
		Kind:         OutputShuffle,
		NumConsumers: consumers,
		Order:        dep.Order,
		Combine:      dep.Combine,
	})
	if err != nil {
		return nil, err
	}
	c.shuffles[key] = s
	return s, nil
}

// barrier returns the stage materializing ds, and the task-less
// barrier stage gating on it.
func (c *compiler) barrier(ds *Dataset) (mat, barrier *Stage, err error) {
	if barrier = c.materialized[ds]; barrier != nil {
		return barrier.Parents[0], barrier, nil
	}
	mat, err = c.stage(ds, Output{Kind: OutputStore})
	if err != nil {
		return nil, nil, err
	}
	barrier = &Stage{job: c.job, root: ds, Barrier: true, Parents: []*Stage{mat}}
	c.add(barrier)
	c.materialized[ds] = barrier
	return mat, barrier, nil
}

func (c *compiler) add(s *Stage) {
	s.ID = len(c.job.Stages)
	c.job.Stages = append(c.job.Stages, s)
}

func (s *Stage) addParent(p *Stage) {
	for _, q := range s.Parents {
		if q == p {
			return
		}
	}
	s.Parents = append(s.Parents, p)
}

func (s *Stage) addInput(in Input) int {
	s.Inputs = append(s.Inputs, in)
	return len(s.Inputs) - 1
}

func (s *Stage) addWorkers(patterns []string) {
	for _, p := range patterns {
		found := false
		for _, q := range s.Workers {
			if p == q {
				found = true
				break
			}
		}
		if !found {
			s.Workers = append(s.Workers, p)
		}
	}
}
