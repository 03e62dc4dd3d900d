// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"testing"

	"github.com/bndl-go/bndl/sliceio"
	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/testutil"
)

func fuzzRecords(fz *fuzz.Fuzzer, n int) []sliceio.Record {
	fz.NilChance(0).NumElements(1, 16)
	records := make([]sliceio.Record, n)
	for i := range records {
		fz.Fuzz(&records[i].Key)
		fz.Fuzz(&records[i].Value)
	}
	return records
}

func TestMergeReader(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	const (
		N = 1000
		M = 100
	)
	readers := make([]sliceio.Reader, M)
	for i := range readers {
		records := fuzzRecords(fz, N)
		Sort(records, ByKey)
		readers[i] = sliceio.RecordReader(records)
	}
	ctx := context.Background()
	m, err := NewMergeReader(ctx, ByKey, readers)
	if err != nil {
		t.Fatal(err)
	}
	out, err := sliceio.ReadAll(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(out), N*M; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !IsSorted(out, ByKey) {
		t.Error("output not sorted")
	}
}

func TestSortReader(t *testing.T) {
	const N = 1 << 14
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		fz  = fuzz.NewWithSeed(12345)
		in  = fuzzRecords(fz, N)
		ctx = context.Background()
	)
	// A small spill target forces many runs to be merged.
	r, err := SortReader(ctx, dir, 1<<12, ByValue, sliceio.RecordReader(in))
	if err != nil {
		t.Fatal(err)
	}
	out, err := sliceio.ReadAll(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(out), N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !IsSorted(out, ByValue) {
		t.Error("output not sorted")
	}
	want := make([]string, N)
	got := make([]string, N)
	for i := range in {
		want[i] = fmt.Sprintf("%q=%q", in[i].Key, in[i].Value)
		got[i] = fmt.Sprintf("%q=%q", out[i].Key, out[i].Value)
	}
	sort.Strings(want)
	sort.Strings(got)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReduce(t *testing.T) {
	sum := func(a, b []byte) []byte {
		x, _ := strconv.Atoi(string(a))
		y, _ := strconv.Atoi(string(b))
		return []byte(strconv.Itoa(x + y))
	}
	mk := func(kvs ...string) sliceio.Reader {
		var records []sliceio.Record
		for i := 0; i < len(kvs); i += 2 {
			records = append(records, sliceio.Record{Key: kvs[i], Value: []byte(kvs[i+1])})
		}
		return sliceio.RecordReader(records)
	}
	r := Reduce([]sliceio.Reader{
		mk("a", "1", "b", "2", "b", "3"),
		mk("b", "10", "c", "5"),
		mk(),
		mk("a", "100", "d", "1"),
	}, sum)
	out, err := sliceio.ReadAll(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, rec := range out {
		got = append(got, rec.Key+"="+string(rec.Value))
	}
	if got, want := fmt.Sprint(got), "[a=101 b=15 c=5 d=1]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
