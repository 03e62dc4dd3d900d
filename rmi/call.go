// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rmi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// A Call is an outstanding remote invocation. It completes exactly
// once: when the response arrives, when its timeout elapses, when it
// is cancelled, or when the connection is lost, whichever is first.
type Call struct {
	// Peer and Method identify the invocation.
	Peer, Method string

	id   uint64
	conn *conn
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	timer *time.Timer
	stop  func() bool

	value []byte
	err   error
}

func newCall(peer, method string) *Call {
	return &Call{Peer: peer, Method: method, done: make(chan struct{})}
}

// failedCall returns a call that has already completed with err.
func failedCall(peer, method string, err error) *Call {
	c := newCall(peer, method)
	c.complete(nil, err)
	return c
}

// arm attaches the call's timeout and context cancellation.
func (c *Call) arm(ctx context.Context, timeout time.Duration, expire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, expire)
	}
	if ctx.Done() != nil {
		c.stop = context.AfterFunc(ctx, c.Cancel)
	}
}

// ID returns the call's request id.
func (c *Call) ID() uint64 { return c.id }

// Done returns a channel that is closed when the call completes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns the call's error. It blocks until the call completes.
func (c *Call) Err() error {
	<-c.done
	return c.err
}

// Wait waits for the call to complete or for ctx to be done. In the
// latter case the call is cancelled.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		c.Cancel()
		return errors.E(errors.Canceled, c.String(), ctx.Err())
	}
}

// Reply decodes the call's result into v. It blocks until the call
// completes, and returns the call's error if it failed. A handler
// that returned a nil value leaves v untouched.
func (c *Call) Reply(v interface{}) error {
	if err := c.Err(); err != nil {
		return err
	}
	if c.value == nil {
		return nil
	}
	return Decode(c.value, v)
}

// Cancel abandons the call. The call completes with an error of kind
// errors.Canceled, its bookkeeping is dropped, and if the connection
// is still open a cancellation notice is sent to the peer. The peer
// may still run the invocation to completion; its response is then
// discarded. Cancelling a completed call has no effect.
func (c *Call) Cancel() {
	if !c.complete(nil, errors.E(errors.Canceled, c.String(), "call cancelled")) {
		return
	}
	if c.conn != nil && c.conn.forget(c.id) {
		c.conn.notifyCancel(c.id)
	}
}

func (c *Call) String() string {
	return fmt.Sprintf("%s.%s#%d", c.Peer, c.Method, c.id)
}

// complete completes the call, reporting whether this invocation
// was the one that did so.
func (c *Call) complete(value []byte, err error) bool {
	first := false
	c.once.Do(func() {
		first = true
		c.value, c.err = value, err
		c.mu.Lock()
		timer, stop := c.timer, c.stop
		c.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if stop != nil {
			stop()
		}
		close(c.done)
	})
	return first
}
