// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/bndl-go/bndl/exec"
	"github.com/bndl-go/bndl/metrics"
	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/sliceio"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

var (
	linesRead   = metrics.NewCounter("lines.read")
	longestLine = metrics.NewAccumulator("lines.longest", metrics.OpMax)
)

// newFuncs returns the functions shared by the driver and workers
// started by this binary. Every process must register the same set.
func newFuncs() *exec.Funcs {
	funcs := exec.NewFuncs()
	funcs.Source("lines", readLines)
	funcs.Source("random", randomKeys)
	funcs.Map("words", func(ctx context.Context, args []byte, rec sliceio.Record, emit func(sliceio.Record)) error {
		for _, word := range strings.Fields(string(rec.Value)) {
			emit(sliceio.Record{Key: strings.ToLower(word), Value: []byte("1")})
		}
		return nil
	})
	funcs.Aggregator("sum", &shuffle.Aggregator{Combine: sumValues})
	return funcs
}

// readLines reads the lines of the partition'th of the
// newline-separated paths in args, keyed by path and line number.
func readLines(ctx context.Context, partition int, args []byte) (_ sliceio.Reader, err error) {
	paths := strings.Split(string(args), "\n")
	if partition >= len(paths) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lines: no path for partition %d", partition))
	}
	path := paths[partition]
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var (
		records []sliceio.Record
		scan    = bufio.NewScanner(f.Reader(ctx))
	)
	scope := metrics.ContextScope(ctx)
	for scan.Scan() {
		linesRead.Incr(scope, 1)
		longestLine.Update(scope, int64(len(scan.Bytes())))
		records = append(records, sliceio.Record{
			Key:   fmt.Sprintf("%s:%d", path, len(records)+1),
			Value: []byte(scan.Text()),
		})
	}
	if err := scan.Err(); err != nil {
		return nil, errors.E(errors.Net, "lines: reading "+path, err)
	}
	return sliceio.RecordReader(records), nil
}

// randomKeys produces every key in [0, nkey) exactly once, in a
// random order, each with the value 1. Args holds nkey in decimal.
func randomKeys(ctx context.Context, partition int, args []byte) (sliceio.Reader, error) {
	nkey, err := strconv.Atoi(string(args))
	if err != nil {
		return nil, errors.E(errors.Invalid, "random: bad key count", err)
	}
	order := rand.New(rand.NewSource(rand.Int63())).Perm(nkey)
	return sliceio.FuncReader(func(ctx context.Context, out []sliceio.Record) (int, error) {
		var n int
		for n < len(out) && len(order) > 0 {
			out[n] = sliceio.Record{Key: strconv.Itoa(order[0]), Value: []byte("1")}
			order = order[1:]
			n++
		}
		if len(order) == 0 {
			return n, sliceio.EOF
		}
		return n, nil
	}), nil
}

func sumValues(a, b []byte) []byte {
	x, _ := strconv.Atoi(string(a))
	y, _ := strconv.Atoi(string(b))
	return []byte(strconv.Itoa(x + y))
}
