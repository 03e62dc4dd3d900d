// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rmi implements the asynchronous remote-invocation
// transport between the driver and its workers. Nodes exchange
// gob-framed messages over TCP: requests carry a per-connection
// request id and are answered by responses with the same id. Every
// connection starts with a handshake exchanging identity and
// protocol version; peers are tracked in a registry keyed by name
// and monitored by a heartbeat watchdog.
package rmi

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/teris-io/shortid"
)

const (
	// DefaultHeartbeatInterval is the default interval between
	// watchdog pings.
	DefaultHeartbeatInterval = time.Second
	// DefaultMissedHeartbeats is the default number of consecutive
	// missed pings after which a peer is disconnected.
	DefaultMissedHeartbeats = 5

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 30 * time.Second
)

// Config configures a Node.
type Config struct {
	// Name is the node's logical identity. If empty, a short random
	// name is generated.
	Name string
	// Slots is the number of execution slots the node advertises.
	// Nodes that run no tasks advertise zero slots.
	Slots int
	// HeartbeatInterval is the watchdog period.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is the number of consecutive missed pings
	// after which a peer is disconnected.
	MissedHeartbeats int
	// WriteTimeout bounds every message write.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds connection establishment.
	HandshakeTimeout time.Duration
}

// Args is the opaque argument payload of a request.
type Args []byte

// Decode decodes the arguments into v.
func (a Args) Decode(v interface{}) error {
	return Decode(a, v)
}

// A Handler serves a method. The returned value is gob-encoded into
// the response; the returned error is sent as an exception. The
// context is cancelled if the caller cancels the call or the
// connection is lost.
type Handler func(ctx context.Context, peer string, args Args) (interface{}, error)

// Node is an endpoint of the transport. A node may listen for
// connections, dial other nodes, serve methods, and call methods on
// its peers. Connections are symmetric: both sides may issue calls.
type Node struct {
	cfg         Config
	incarnation string
	registry    *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	listener net.Listener
	addr     string
	nextConn uint64
	subs     []func(PeerEvent)
	events   []PeerEvent
	cond     *sync.Cond
	closed   bool
}

// New returns a new node with the provided configuration and starts
// its watchdog.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		id, err := shortid.Generate()
		if err != nil {
			return nil, errors.E("rmi: generate node name", err)
		}
		cfg.Name = "node-" + id
	}
	if cfg.Slots < 0 {
		cfg.Slots = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	n := &Node{
		cfg:         cfg,
		incarnation: uuid.New().String(),
		registry:    newRegistry(),
		handlers:    make(map[string]Handler),
	}
	n.cond = sync.NewCond(&n.mu)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	go n.deliver()
	go (&watchdog{node: n, interval: cfg.HeartbeatInterval, threshold: cfg.MissedHeartbeats}).run(n.ctx)
	return n, nil
}

// Name returns the node's name.
func (n *Node) Name() string { return n.cfg.Name }

// Incarnation returns the node's incarnation id.
func (n *Node) Incarnation() string { return n.incarnation }

// Slots returns the number of execution slots advertised by the node.
func (n *Node) Slots() int { return n.cfg.Slots }

// Addr returns the node's listen address, or "" if it is not
// listening.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// Register registers the handler for a method. Methods are
// conventionally named "Service.Method".
func (n *Node) Register(method string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handlers[method]; ok {
		log.Panicf("rmi: method %s registered twice", method)
	}
	n.handlers[method] = h
}

func (n *Node) handler(method string) Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[method]
}

func (n *Node) localName() string { return n.cfg.Name }

// Subscribe registers fn to be called with every peer event. Events
// are delivered in order, one at a time, from a dedicated goroutine.
func (n *Node) Subscribe(fn func(PeerEvent)) {
	n.mu.Lock()
	n.subs = append(n.subs, fn)
	n.mu.Unlock()
}

func (n *Node) emit(e PeerEvent) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.cond.Signal()
	n.mu.Unlock()
}

func (n *Node) deliver() {
	n.mu.Lock()
	for {
		for len(n.events) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.events) == 0 {
			n.mu.Unlock()
			return
		}
		e := n.events[0]
		n.events = n.events[1:]
		subs := n.subs
		n.mu.Unlock()
		for _, fn := range subs {
			fn(e)
		}
		n.mu.Lock()
	}
}

// Listen accepts connections on addr (e.g., "localhost:0").
func (n *Node) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.E(errors.Net, fmt.Sprintf("rmi: listen %s", addr), err)
	}
	n.mu.Lock()
	if n.listener != nil {
		n.mu.Unlock()
		l.Close()
		return errors.E(errors.Exists, "rmi: node is already listening")
	}
	n.listener = l
	n.addr = l.Addr().String()
	n.mu.Unlock()
	log.Printf("rmi: node %s listening on %s", n.cfg.Name, n.addr)
	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				if n.ctx.Err() == nil {
					log.Error.Printf("rmi: accept on %s: %v", n.addr, err)
				}
				return
			}
			go func() {
				if err := n.accept(nc); err != nil {
					log.Error.Printf("rmi: handshake with %s: %v", nc.RemoteAddr(), err)
				}
			}()
		}
	}()
	return nil
}

func (n *Node) hello() Hello {
	return Hello{
		Name:        n.cfg.Name,
		Incarnation: n.incarnation,
		Addr:        n.Addr(),
		Version:     Version,
		Slots:       n.cfg.Slots,
	}
}

func (n *Node) accept(nc net.Conn) error {
	w := newWire(nc, n.cfg.WriteTimeout)
	nc.SetDeadline(time.Now().Add(n.cfg.HandshakeTimeout))
	m, err := w.recv()
	if err != nil {
		nc.Close()
		return err
	}
	if m.Kind != msgHello || m.Hello == nil {
		nc.Close()
		return errors.E(errors.Invalid, fmt.Sprintf("rmi: expected hello, got %s", m.Kind))
	}
	if m.Hello.Version != Version {
		reason := fmt.Sprintf("protocol version %d, want %d", m.Hello.Version, Version)
		w.send(&message{Kind: msgReject, Reason: reason})
		nc.Close()
		return errors.E(errors.Invalid, fmt.Sprintf("rmi: peer %s: %s", m.Hello.Name, reason))
	}
	if m.Hello.Name == n.cfg.Name {
		w.send(&message{Kind: msgReject, Reason: "duplicate node name"})
		nc.Close()
		return errors.E(errors.Invalid, fmt.Sprintf("rmi: peer has our name %s", n.cfg.Name))
	}
	if err := w.send(&message{Kind: msgHello, Hello: ptr(n.hello())}); err != nil {
		nc.Close()
		return err
	}
	nc.SetDeadline(time.Time{})
	n.admit(w, *m.Hello, m.Hello.Name)
	return nil
}

// Dial connects to the node listening on addr and returns its peer
// handle. If a connection to that address is already registered, it
// is reused.
func (n *Node) Dial(ctx context.Context, addr string) (*Peer, error) {
	if c := n.registry.byAddr(addr); c != nil {
		return &Peer{node: n, name: c.key.Name}, nil
	}
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	nc, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("rmi: dial %s", addr), err)
	}
	w := newWire(nc, n.cfg.WriteTimeout)
	nc.SetDeadline(time.Now().Add(n.cfg.HandshakeTimeout))
	if err := w.send(&message{Kind: msgHello, Hello: ptr(n.hello())}); err != nil {
		nc.Close()
		return nil, errors.E(errors.Net, fmt.Sprintf("rmi: dial %s", addr), err)
	}
	m, err := w.recv()
	if err != nil {
		nc.Close()
		return nil, errors.E(errors.Net, fmt.Sprintf("rmi: dial %s", addr), err)
	}
	switch {
	case m.Kind == msgReject:
		nc.Close()
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rmi: %s refused connection: %s", addr, m.Reason))
	case m.Kind != msgHello || m.Hello == nil:
		nc.Close()
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rmi: dial %s: expected hello, got %s", addr, m.Kind))
	case m.Hello.Version != Version:
		nc.Close()
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rmi: dial %s: protocol version %d, want %d", addr, m.Hello.Version, Version))
	}
	nc.SetDeadline(time.Time{})
	c := n.admit(w, *m.Hello, n.cfg.Name)
	return &Peer{node: n, name: c.key.Name}, nil
}

// admit registers a handshaken connection and starts serving it. If
// the registry keeps an existing connection instead, the new one is
// closed and the existing one returned.
func (n *Node) admit(w *wire, hello Hello, dialer string) *conn {
	n.mu.Lock()
	n.nextConn++
	key := connKey{Name: hello.Name, ID: n.nextConn}
	n.mu.Unlock()
	c := newConn(key, hello, w, n)
	c.dialer = dialer
	admitted, replaced := n.registry.insert(c, func(c *conn) string { return c.dialer })
	if !admitted {
		c.close(errors.E(errors.Exists, "rmi: duplicate connection"))
		if existing := n.registry.lookup(hello.Name); existing != nil {
			return existing
		}
		return c
	}
	if replaced != nil {
		err := errors.E(errors.Net, fmt.Sprintf("rmi: %s reconnected", hello.Name))
		info := PeerInfo{
			Name:        replaced.key.Name,
			Incarnation: replaced.hello.Incarnation,
			Addr:        replaced.hello.Addr,
			Slots:       replaced.hello.Slots,
			State:       Disconnected,
		}
		if replaced.hello.Incarnation != hello.Incarnation {
			n.emit(PeerEvent{PeerInfo: info, Err: err})
		}
		replaced.close(err)
	}
	log.Printf("rmi: %s: peer %s (%s) connected", n.cfg.Name, hello.Name, hello.Addr)
	n.emit(PeerEvent{PeerInfo: PeerInfo{
		Name:        hello.Name,
		Incarnation: hello.Incarnation,
		Addr:        hello.Addr,
		Slots:       hello.Slots,
		State:       Connected,
	}})
	c.start()
	return c
}

// lost is called by a connection that failed.
func (n *Node) lost(key connKey, err error) {
	n.disconnect(key, err)
}

// disconnect deregisters and closes the connection with the given
// key. The disconnection is reported only by the call that actually
// removed the registry entry.
func (n *Node) disconnect(key connKey, err error) {
	info, c, ok := n.registry.remove(key)
	if !ok {
		return
	}
	c.close(err)
	if n.ctx.Err() == nil {
		log.Printf("rmi: %s: peer %s disconnected: %v", n.cfg.Name, key.Name, err)
	}
	n.emit(PeerEvent{PeerInfo: info, Err: err})
}

// Peers returns the registered peers.
func (n *Node) Peers() []PeerInfo {
	return n.registry.list()
}

// Peer returns a handle to the named peer. Calls through the handle
// fail with an errors.Net error while the peer is not connected.
func (n *Node) Peer(name string) *Peer {
	return &Peer{node: n, name: name}
}

// Connected tells whether the named peer is currently registered.
func (n *Node) Connected(name string) bool {
	return n.registry.lookup(name) != nil
}

// State returns the liveness state of the named peer. A peer that was
// never registered, or whose connection failed, is Disconnected.
func (n *Node) State(name string) PeerState {
	return n.registry.state(name)
}

// Close shuts down the node: it stops listening, closes every
// connection, and stops the watchdog.
func (n *Node) Close() error {
	n.cancel()
	n.mu.Lock()
	l := n.listener
	n.mu.Unlock()
	var err error
	if l != nil {
		err = l.Close()
	}
	for _, info := range n.registry.list() {
		if c := n.registry.lookup(info.Name); c != nil {
			n.disconnect(c.key, errors.E(errors.Net, fmt.Sprintf("rmi: node %s closed", n.cfg.Name)))
		}
	}
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
	return err
}

// A Peer is a handle to a named remote node.
type Peer struct {
	node *Node
	name string
}

// Name returns the peer's name.
func (p *Peer) Name() string { return p.name }

// Go calls method on the peer with the provided arguments and
// returns immediately. The returned Call completes when the response
// arrives, when timeout (if positive) elapses, when ctx is done, or
// when the connection is lost.
func (p *Peer) Go(ctx context.Context, method string, args interface{}, timeout time.Duration) *Call {
	payload, err := Encode(args)
	if err != nil {
		return failedCall(p.name, method, err)
	}
	c := p.node.registry.lookup(p.name)
	if c == nil {
		return failedCall(p.name, method, errors.E(errors.Net, fmt.Sprintf("rmi: peer %s not connected", p.name)))
	}
	return c.call(ctx, method, payload, timeout)
}

// Call calls method on the peer and waits for its reply, which is
// decoded into reply.
func (p *Peer) Call(ctx context.Context, method string, args, reply interface{}, timeout time.Duration) error {
	call := p.Go(ctx, method, args, timeout)
	if err := call.Wait(ctx); err != nil {
		return err
	}
	return call.Reply(reply)
}

func ptr(h Hello) *Hello { return &h }
