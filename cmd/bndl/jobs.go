// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/bndl-go/bndl/exec"
	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/grailbio/base/log"
)

// wordcountJob counts the words of the lines of the provided files,
// one source partition per file, into nout partitions.
func wordcountJob(paths []string, nout int) *exec.Dataset {
	lines := &exec.Dataset{
		ID:            "wordcount/lines",
		Op:            exec.Op{Kind: exec.OpSource, Func: "lines", Args: []byte(strings.Join(paths, "\n"))},
		NumPartition:  len(paths),
		Deterministic: true,
	}
	words := &exec.Dataset{
		ID:            "wordcount/words",
		Op:            exec.Op{Kind: exec.OpMap, Func: "words"},
		Deps:          []exec.Dep{{Dataset: lines}},
		Deterministic: true,
	}
	return &exec.Dataset{
		ID:            "wordcount/counts",
		Op:            exec.Op{Kind: exec.OpAggregate, Func: "sum"},
		Deps:          []exec.Dep{{Dataset: words, Shuffle: true, Combine: "sum"}},
		NumPartition:  nout,
		Deterministic: true,
	}
}

// reduceJob sums the values of nshard partitions of nkey random
// keys each; every key of the result should be counted nshard
// times.
func reduceJob(nshard, nkey int) *exec.Dataset {
	keys := &exec.Dataset{
		ID:            "reduce/keys",
		Op:            exec.Op{Kind: exec.OpSource, Func: "random", Args: []byte(strconv.Itoa(nkey))},
		NumPartition:  nshard,
		Deterministic: true,
	}
	return &exec.Dataset{
		ID:            "reduce/sums",
		Op:            exec.Op{Kind: exec.OpAggregate, Func: "sum"},
		Deps:          []exec.Dep{{Dataset: keys, Shuffle: true, Combine: "sum"}},
		NumPartition:  nshard,
		Deterministic: true,
	}
}

// runJob runs the job rooted at ds and returns its records together
// with the metrics its tasks reported.
func runJob(ctx context.Context, sess *exec.Session, ds *exec.Dataset) ([]sliceio.Record, *metrics.Scope, error) {
	h, err := sess.Run(ctx, ds)
	if err != nil {
		return nil, nil, err
	}
	defer h.Close()
	r, err := h.Result(ctx)
	if err != nil {
		return nil, nil, err
	}
	records, err := sliceio.ReadAll(ctx, r)
	return records, h.Scope(), err
}

func wordcount(ctx context.Context, sess *exec.Session, args []string) error {
	var (
		flags = flag.NewFlagSet("wordcount", flag.ExitOnError)
		nout  = flags.Int("nout", 8, "number of output partitions")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: bndl wordcount [-nout N] paths...`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	if flags.NArg() == 0 {
		flags.Usage()
	}
	records, scope, err := runJob(ctx, sess, wordcountJob(flags.Args(), *nout))
	if err != nil {
		return err
	}
	longest, _ := longestLine.Value(scope)
	log.Printf("wordcount: read %d lines; longest %d bytes", linesRead.Value(scope), longest)
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	for _, rec := range records {
		fmt.Printf("%s\t%s\n", rec.Key, rec.Value)
	}
	return nil
}

func reduce(ctx context.Context, sess *exec.Session, args []string) error {
	var (
		flags  = flag.NewFlagSet("reduce", flag.ExitOnError)
		nshard = flags.Int("nshard", 64, "number of shards")
		nkey   = flags.Int("nkey", 1e6, "number of keys per shard")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: bndl reduce [-nshard N] [-nkey N]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	records, _, err := runJob(ctx, sess, reduceJob(*nshard, *nkey))
	if err != nil {
		return err
	}
	if err := checkReduce(records, *nshard, *nkey); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

// checkReduce checks that every key in [0, nkey) appears once in
// records with the count nshard.
func checkReduce(records []sliceio.Record, nshard, nkey int) error {
	var (
		ok     = true
		seen   = make([]bool, nkey)
		errorf = func(format string, v ...interface{}) {
			log.Error.Printf(format, v...)
			ok = false
		}
	)
	for _, rec := range records {
		key, err := strconv.Atoi(rec.Key)
		if err != nil || key < 0 || key >= nkey {
			errorf("bad key %q", rec.Key)
			continue
		}
		if seen[key] {
			errorf("saw key %d multiple times", key)
		}
		seen[key] = true
		if got, want := string(rec.Value), strconv.Itoa(nshard); got != want {
			errorf("key %d: got count %s, want %s", key, got, want)
		}
	}
	for key, saw := range seen {
		if !saw {
			errorf("did not see key %d", key)
		}
	}
	if !ok {
		return errors.New("test errors")
	}
	return nil
}
