// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bndl runs bndl workers and sample jobs. Drivers and workers
// are configured through the bndl profile (see package bndlconfig);
// for example, to run a job on two in-process workers:
//
//	bndl -set bndl.local=2 wordcount file1 file2
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bndl-go/bndl/bndlconfig"
	"github.com/bndl-go/bndl/exec"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: bndl [-wait] [-debug addr] command args...

Command bndl runs a bndl worker, or a driver running one of the
sample jobs below.

Available commands are:

	serve
		Serve tasks as a worker until interrupted.
	wordcount [-nout N] paths...
		Count the words in the provided files.
	reduce [-nshard N] [-nkey N]
		Large-scale testing of shuffles and aggregation.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}

	var (
		wait  = flag.Bool("wait", false, "don't exit after completion")
		debug = flag.String("debug", "", "address on which the driver serves its debug pages")
	)
	opts := bndlconfig.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	funcs := newFuncs()
	if cmd == "serve" {
		must.Nil(exec.Serve(ctx, funcs, opts...), "serve")
		return
	}
	if *debug != "" {
		opts = append(opts, exec.Status(new(status.Status)))
	}
	sess, err := exec.Start(funcs, opts...)
	must.Nil(err, "starting session")
	if *debug != "" {
		mux := http.NewServeMux()
		sess.HandleDebug(mux)
		go func() {
			log.Printf("serving debug pages on %s", *debug)
			if err := http.ListenAndServe(*debug, mux); err != nil {
				log.Error.Printf("debug server: %v", err)
			}
		}()
	}
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "wordcount":
		err = wordcount(ctx, sess, args)
	case "reduce":
		err = reduce(ctx, sess, args)
	}
	sess.Shutdown()
	if *wait {
		if err != nil {
			log.Printf("finished with error %v: waiting", err)
		} else {
			log.Print("done: waiting")
		}
		<-ctx.Done()
	}
	must.Nil(err, cmd)
}
