// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rmi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// connKey identifies a connection in the peer registry. Connections
// refer back to the registry only through their key.
type connKey struct {
	Name string
	ID   uint64
}

// connOwner is the node-side interface used by a connection.
type connOwner interface {
	handler(method string) Handler
	lost(key connKey, err error)
	localName() string
}

// conn is an established, handshaken connection to a peer.
type conn struct {
	key    connKey
	hello  Hello
	dialer string
	wire   *wire
	owner  connOwner
	nextID uint64

	pongs uint64

	mu      sync.Mutex
	pending map[uint64]*Call
	serving map[uint64]context.CancelFunc
	err     error
	donec   chan struct{}
}

func newConn(key connKey, hello Hello, w *wire, owner connOwner) *conn {
	return &conn{
		key:     key,
		hello:   hello,
		wire:    w,
		owner:   owner,
		pending: make(map[uint64]*Call),
		serving: make(map[uint64]context.CancelFunc),
		donec:   make(chan struct{}),
	}
}

// start runs the connection's read loop.
func (c *conn) start() {
	go c.loop()
}

func (c *conn) loop() {
	for {
		m, err := c.wire.recv()
		if err != nil {
			c.fail(errors.E(errors.Net, fmt.Sprintf("rmi: connection to %s", c.key.Name), err))
			return
		}
		switch m.Kind {
		case msgRequest:
			if m.Request == nil {
				log.Error.Printf("rmi %s: empty request; dropping", c.key.Name)
				continue
			}
			c.serve(m.Request)
		case msgResponse:
			if m.Response == nil {
				log.Error.Printf("rmi %s: empty response; dropping", c.key.Name)
				continue
			}
			c.respond(m.Response)
		case msgCancel:
			c.mu.Lock()
			cancel := c.serving[m.ID]
			delete(c.serving, m.ID)
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		case msgPing:
			if err := c.wire.send(&message{Kind: msgPong, From: c.owner.localName()}); err != nil {
				c.fail(errors.E(errors.Net, fmt.Sprintf("rmi: pong to %s", c.key.Name), err))
				return
			}
		case msgPong:
			atomic.AddUint64(&c.pongs, 1)
		default:
			log.Error.Printf("rmi %s: unexpected %s message; dropping", c.key.Name, m.Kind)
		}
	}
}

// respond completes the pending call answered by r. Responses to
// unknown, expired or cancelled calls are logged and dropped.
func (c *conn) respond(r *Response) {
	c.mu.Lock()
	call := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()
	if call == nil {
		log.Error.Printf("rmi %s: response for unknown request %d; dropping", c.key.Name, r.ID)
		return
	}
	if r.Exception != nil {
		call.complete(nil, r.Exception.error(c.key.Name, call.Method))
		return
	}
	call.complete(r.Value, nil)
}

// serve runs the handler of a request in its own goroutine. A
// request that is cancelled by the caller gets no response.
func (c *conn) serve(r *Request) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.serving[r.ID] = cancel
	c.mu.Unlock()
	go func() {
		defer cancel()
		resp := &Response{ID: r.ID}
		if r.Version != Version {
			resp.Exception = exception(errors.E(errors.Invalid, fmt.Sprintf("rmi: request version %d, want %d", r.Version, Version)))
		} else if h := c.owner.handler(r.Method); h == nil {
			resp.Exception = exception(errors.E(errors.NotSupported, fmt.Sprintf("rmi: no such method %s", r.Method)))
		} else {
			v, err := h(ctx, c.key.Name, Args(r.Args))
			if err == nil {
				resp.Value, err = Encode(v)
			}
			if err != nil {
				resp.Exception = exception(err)
			}
		}
		c.mu.Lock()
		_, live := c.serving[r.ID]
		delete(c.serving, r.ID)
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.wire.send(&message{Kind: msgResponse, Response: resp}); err != nil {
			log.Error.Printf("rmi %s: send response %d: %v", c.key.Name, r.ID, err)
		}
	}()
}

// call issues a request on the connection.
func (c *conn) call(ctx context.Context, method string, args []byte, timeout time.Duration) *Call {
	call := newCall(c.key.Name, method)
	call.conn = c
	call.id = atomic.AddUint64(&c.nextID, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		call.complete(nil, err)
		return call
	}
	c.pending[call.id] = call
	c.mu.Unlock()
	call.arm(ctx, timeout, func() {
		if c.forget(call.id) {
			c.notifyCancel(call.id)
		}
		call.complete(nil, errors.E(errors.Timeout, call.String(), fmt.Sprintf("no response within %s", timeout)))
	})
	req := &Request{ID: call.id, Method: method, Args: args, Version: Version}
	if err := c.wire.send(&message{Kind: msgRequest, Request: req}); err != nil {
		c.forget(call.id)
		call.complete(nil, errors.E(errors.Net, call.String(), err))
	}
	return call
}

// forget drops the bookkeeping of a pending call, reporting whether
// the call was still pending.
func (c *conn) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok && c.err == nil
}

func (c *conn) notifyCancel(id uint64) {
	if err := c.wire.send(&message{Kind: msgCancel, ID: id}); err != nil {
		log.Debug.Printf("rmi %s: cancel notice %d: %v", c.key.Name, id, err)
	}
}

func (c *conn) ping(from string) error {
	return c.wire.send(&message{Kind: msgPing, From: from})
}

// fail closes the connection and reports its loss to the owner.
func (c *conn) fail(err error) {
	c.close(err)
	c.owner.lost(c.key, err)
}

// close closes the connection and fails its pending calls with err.
// Close is idempotent.
func (c *conn) close(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	serving := c.serving
	c.pending = make(map[uint64]*Call)
	c.serving = make(map[uint64]context.CancelFunc)
	c.mu.Unlock()
	close(c.donec)
	c.wire.nc.Close()
	for _, call := range pending {
		call.complete(nil, err)
	}
	for _, cancel := range serving {
		cancel()
	}
}

func (c *conn) closed() bool {
	select {
	case <-c.donec:
		return true
	default:
		return false
	}
}
