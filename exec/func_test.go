// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/grailbio/base/errors"
)

// partitionSize is the number of records in each partition of the
// "nums" source.
const partitionSize = 10

// sourceCalls counts invocations of the "nums" source.
var sourceCalls int64

// testFuncs returns the functions used by the package's tests:
//
//	nums:   source; partition p holds the integers [10p, 10p+10)
//	words:  source; partition p holds the words of line p of its args
//	fail:   source that always fails
//	double: map doubling integer values
//	bucket: map keying integer values by their residue mod 3
//	panic:  map that panics
//	count:  map emitting (value, 1) for every record
//	concat: user function concatenating its inputs
//	sum:    aggregator summing decimal values
func testFuncs() *Funcs {
	funcs := NewFuncs()
	funcs.Source("nums", func(ctx context.Context, partition int, args []byte) (sliceio.Reader, error) {
		atomic.AddInt64(&sourceCalls, 1)
		records := make([]sliceio.Record, partitionSize)
		for i := range records {
			v := strconv.Itoa(partition*partitionSize + i)
			records[i] = sliceio.Record{Key: v, Value: []byte(v)}
		}
		return sliceio.RecordReader(records), nil
	})
	funcs.Source("words", func(ctx context.Context, partition int, args []byte) (sliceio.Reader, error) {
		lines := strings.Split(string(args), "\n")
		if partition >= len(lines) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("no line %d", partition))
		}
		var records []sliceio.Record
		for _, word := range strings.Fields(lines[partition]) {
			records = append(records, sliceio.Record{Key: word, Value: []byte(word)})
		}
		return sliceio.RecordReader(records), nil
	})
	funcs.Source("fail", func(ctx context.Context, partition int, args []byte) (sliceio.Reader, error) {
		return nil, errors.New("source failed")
	})
	funcs.Map("double", func(ctx context.Context, args []byte, rec sliceio.Record, emit func(sliceio.Record)) error {
		v, err := strconv.Atoi(string(rec.Value))
		if err != nil {
			return err
		}
		emit(sliceio.Record{Key: rec.Key, Value: []byte(strconv.Itoa(2 * v))})
		return nil
	})
	funcs.Map("bucket", func(ctx context.Context, args []byte, rec sliceio.Record, emit func(sliceio.Record)) error {
		v, err := strconv.Atoi(string(rec.Value))
		if err != nil {
			return err
		}
		emit(sliceio.Record{Key: strconv.Itoa(v % 3), Value: rec.Value})
		return nil
	})
	funcs.Map("panic", func(ctx context.Context, args []byte, rec sliceio.Record, emit func(sliceio.Record)) error {
		panic("bad record " + rec.Key)
	})
	funcs.Map("count", func(ctx context.Context, args []byte, rec sliceio.Record, emit func(sliceio.Record)) error {
		emit(sliceio.Record{Key: string(rec.Value), Value: []byte("1")})
		return nil
	})
	funcs.User("concat", func(ctx context.Context, partition int, args []byte, inputs []sliceio.Reader) (sliceio.Reader, error) {
		return sliceio.MultiReader(inputs...), nil
	})
	funcs.Aggregator("sum", &shuffle.Aggregator{
		Combine: func(a, b []byte) []byte {
			x, _ := strconv.Atoi(string(a))
			y, _ := strconv.Atoi(string(b))
			return []byte(strconv.Itoa(x + y))
		},
	})
	return funcs
}

// sums returns the records as a map of keys to integer values.
func sums(t *testing.T, records []sliceio.Record) map[string]int {
	t.Helper()
	m := make(map[string]int)
	for _, rec := range records {
		if _, ok := m[rec.Key]; ok {
			t.Errorf("duplicate key %s", rec.Key)
		}
		v, err := strconv.Atoi(string(rec.Value))
		if err != nil {
			t.Fatal(err)
		}
		m[rec.Key] = v
	}
	return m
}

func TestFuncs(t *testing.T) {
	funcs := testFuncs()
	if _, err := funcs.source("nums"); err != nil {
		t.Error(err)
	}
	if _, err := funcs.mapper("nums"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	if _, err := funcs.aggregator("max"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic registering a name twice")
		}
	}()
	funcs.User("nums", nil)
}
