// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"sort"
	"sync"
)

// A Sample is the value of a metric within a scope.
type Sample struct {
	Name  string
	Op    Op
	Value int64
}

// Scope is a collection of metric values. The zero Scope is empty
// and ready to use. Scopes are safe for concurrent use.
type Scope struct {
	mu     sync.Mutex
	values map[string]Sample
}

// GobEncode implements a custom gob encoder for scopes.
func (s *Scope) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(s.Samples())
	return b.Bytes(), err
}

// GobDecode implements a custom gob decoder for scopes.
func (s *Scope) GobDecode(p []byte) error {
	var samples []Sample
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&samples); err != nil {
		return err
	}
	s.Reset(nil)
	for _, v := range samples {
		s.update(v.Name, v.Op, v.Value)
	}
	return nil
}

// MarshalJSON renders the scope as an object mapping metric names to
// values.
func (s *Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// Samples returns the scope's metric values ordered by name.
func (s *Scope) Samples() []Sample {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	samples := make([]Sample, 0, len(s.values))
	for _, v := range s.values {
		samples = append(samples, v)
	}
	s.mu.Unlock()
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples
}

// Values returns the scope's metric values keyed by name.
func (s *Scope) Values() map[string]int64 {
	values := make(map[string]int64)
	for _, v := range s.Samples() {
		values[v.Name] = v.Value
	}
	return values
}

// Merge merges the values of Scope u into Scope s.
func (s *Scope) Merge(u *Scope) {
	if u == nil || u == s {
		return
	}
	for _, v := range u.Samples() {
		s.update(v.Name, v.Op, v.Value)
	}
}

// Reset resets the scope s to a copy of u. It is reset to its
// initial (empty) state if u is nil.
func (s *Scope) Reset(u *Scope) {
	samples := u.Samples()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = nil
	for _, v := range samples {
		if s.values == nil {
			s.values = make(map[string]Sample)
		}
		s.values[v.Name] = v
	}
}

// update combines v into the named metric with op. Values of a name
// combined with conflicting operations are kept with the first.
func (s *Scope) update(name string, op Op, v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]Sample)
	}
	cur, ok := s.values[name]
	if !ok {
		s.values[name] = Sample{Name: name, Op: op, Value: v}
		return
	}
	cur.Value = cur.Op.combine(cur.Value, v)
	s.values[name] = cur
}

// load returns the named metric's sample and whether the scope holds
// it.
func (s *Scope) load(name string) (Sample, bool) {
	if s == nil {
		return Sample{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// contextKeyType is used to create unique context key for scopes,
// available only to code in this package.
type contextKeyType struct{}

// contextKey is the key used to attach scopes to contexts.
var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by ContextScope.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to the provided context.
// ContextScope panics if the context does not have an attached scope.
func ContextScope(ctx context.Context) *Scope {
	s := ctx.Value(contextKey)
	if s == nil {
		panic("metrics: context does not provide metrics")
	}
	return s.(*Scope)
}
