// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rmi

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// watchdog pings every registered peer once per interval. A peer
// that fails to answer a ping before the next round is Suspect; a
// peer that misses threshold consecutive rounds is disconnected.
type watchdog struct {
	node      *Node
	interval  time.Duration
	threshold int
}

func (w *watchdog) run(ctx context.Context) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		w.round()
	}
}

func (w *watchdog) round() {
	changed, expired, live := w.node.registry.heartbeat(w.threshold)
	for _, info := range changed {
		log.Printf("rmi: %s: peer %s is %s", w.node.cfg.Name, info.Name, info.State)
		w.node.emit(PeerEvent{PeerInfo: info})
	}
	for _, key := range expired {
		w.node.disconnect(key, errors.E(errors.Net, fmt.Sprintf("rmi: peer %s missed %d heartbeats", key.Name, w.threshold)))
	}
	for _, c := range live {
		go func(c *conn) {
			if err := c.ping(w.node.cfg.Name); err != nil {
				c.fail(errors.E(errors.Net, fmt.Sprintf("rmi: ping %s", c.key.Name), err))
			}
		}(c)
	}
}
