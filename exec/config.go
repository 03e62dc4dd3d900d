// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"strings"
	"time"

	"github.com/grailbio/base/config"
)

func init() {
	config.Register("bndl", func(constr *config.Constructor) {
		var (
			slots, maxAttempts, local, localSlots int
			heartbeatMillis, missed, spill        int
			rpcTimeoutMillis, taskTimeoutMillis   int
			name, listen, seeds                   string
			cacheDir, diskStore                   string
		)
		constr.IntVar(&slots, "slots", 0, "number of tasks run concurrently by this process")
		constr.IntVar(&maxAttempts, "max-attempts", DefaultMaxAttempts, "failed attempts after which a task fails")
		constr.IntVar(&local, "local", 0, "number of in-process workers")
		constr.IntVar(&localSlots, "local-slots", 0, "slots of each in-process worker")
		constr.IntVar(&heartbeatMillis, "heartbeat-ms", 1000, "heartbeat interval in milliseconds")
		constr.IntVar(&missed, "missed-heartbeats", 5, "missed heartbeats after which a peer is disconnected")
		constr.IntVar(&spill, "spill-threshold", 0, "bytes buffered by a shuffle block before it spills")
		constr.IntVar(&rpcTimeoutMillis, "rpc-timeout-ms", int(DefaultRPCTimeout/time.Millisecond), "timeout of fetch and control calls in milliseconds")
		constr.IntVar(&taskTimeoutMillis, "task-timeout-ms", 0, "time in milliseconds after which a task attempt is retried; zero means no timeout")
		constr.StringVar(&name, "name", "", "name of the node; generated if empty")
		constr.StringVar(&listen, "listen", "", "address on which the node listens")
		constr.StringVar(&seeds, "seeds", "", "comma-separated addresses of nodes to dial")
		constr.StringVar(&cacheDir, "cache-dir", "", "directory of the disk cache tier")
		constr.StringVar(&diskStore, "disk-store", "", "prefix under which stage outputs are stored; in memory if empty")
		constr.Doc = "bndl configures the session options of drivers and workers"
		constr.New = func() (interface{}, error) {
			opts := []Option{
				Slots(slots),
				MaxAttempts(maxAttempts),
				HeartbeatInterval(time.Duration(heartbeatMillis) * time.Millisecond),
				MissedHeartbeats(missed),
				SpillThreshold(spill),
				RPCTimeout(time.Duration(rpcTimeoutMillis) * time.Millisecond),
				TaskTimeout(time.Duration(taskTimeoutMillis) * time.Millisecond),
				Listen(listen),
				CacheDir(cacheDir),
				DiskStore(diskStore),
			}
			if local > 0 {
				opts = append(opts, Local(local, localSlots))
			}
			if name != "" {
				opts = append(opts, Name(name))
			}
			if seeds != "" {
				opts = append(opts, Seeds(strings.Split(seeds, ",")...))
			}
			return opts, nil
		}
	})
}
