// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bndl-go/bndl/cache"
	"github.com/bndl-go/bndl/rmi"
	"github.com/bndl-go/bndl/shuffle"
	"github.com/bndl-go/bndl/stats"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"golang.org/x/sync/errgroup"
)

// DefaultRPCTimeout is the default timeout of fetch, release and
// control calls.
const DefaultRPCTimeout = time.Minute

// Session represents a compute session: a driver node, its
// scheduler, and the workers it knows about. A session may run many
// jobs, concurrently or one after the other, so that cached datasets
// are reused across jobs.
//
// Every process of a cluster must register the same functions in
// its Funcs before starting: the driver with Start, and workers with
// Serve.
type Session struct {
	context.Context
	index int32

	funcs   *Funcs
	node    *rmi.Node
	sched   *Scheduler
	status  *status.Status
	eventer eventlog.Eventer

	// host is the driver's own worker, if the driver has slots.
	host   *host
	locals []*host

	name           string
	slots          int
	maxAttempts    int
	rpcTimeout     time.Duration
	taskTimeout    time.Duration
	heartbeat      time.Duration
	missed         int
	spillThreshold int
	cacheDir       string
	diskStore      string
	listen         string
	seeds          []string
	local          int
	localSlots     int
}

// nextSessionIndex is the index of the next session that will be
// started by Start.
var nextSessionIndex int32

func newSession(funcs *Funcs) *Session {
	return &Session{
		Context:     backgroundcontext.Get(),
		index:       atomic.AddInt32(&nextSessionIndex, 1) - 1,
		funcs:       funcs,
		eventer:     eventlog.Nop{},
		maxAttempts: DefaultMaxAttempts,
		rpcTimeout:  DefaultRPCTimeout,
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Slots configures the number of tasks the process runs
// concurrently. Drivers run no tasks unless given slots; workers
// default to runtime.NumCPU().
func Slots(n int) Option {
	if n < 0 {
		panic("exec.Slots: n < 0")
	}
	return func(s *Session) {
		s.slots = n
	}
}

// MaxAttempts configures the number of failed attempts after which
// a task, and its job, fail.
func MaxAttempts(n int) Option {
	if n <= 0 {
		panic("exec.MaxAttempts: n <= 0")
	}
	return func(s *Session) {
		s.maxAttempts = n
	}
}

// RPCTimeout configures the timeout of fetch and control calls.
func RPCTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.rpcTimeout = d
	}
}

// TaskTimeout configures the time after which a task attempt is
// abandoned and retried. Zero, the default, means no timeout.
func TaskTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.taskTimeout = d
	}
}

// HeartbeatInterval configures the interval between heartbeats.
func HeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		s.heartbeat = d
	}
}

// MissedHeartbeats configures the number of consecutive missed
// heartbeats after which a peer is disconnected.
func MissedHeartbeats(n int) Option {
	return func(s *Session) {
		s.missed = n
	}
}

// SpillThreshold configures the number of bytes a shuffle block
// buffers before it is spilled to disk.
func SpillThreshold(n int) Option {
	return func(s *Session) {
		s.spillThreshold = n
	}
}

// CacheDir configures the directory of the disk cache tier.
func CacheDir(dir string) Option {
	return func(s *Session) {
		s.cacheDir = dir
	}
}

// DiskStore configures workers to keep stage outputs in files under
// prefix instead of in memory.
func DiskStore(prefix string) Option {
	return func(s *Session) {
		s.diskStore = prefix
	}
}

// Listen configures the address on which the node accepts
// connections.
func Listen(addr string) Option {
	return func(s *Session) {
		s.listen = addr
	}
}

// Seeds configures the addresses of nodes dialed when the session
// starts: workers for a driver, the driver for a worker.
func Seeds(addrs ...string) Option {
	return func(s *Session) {
		s.seeds = append(s.seeds, addrs...)
	}
}

// Name configures the node's name. Names must be unique within a
// cluster.
func Name(name string) Option {
	return func(s *Session) {
		s.name = name
	}
}

// Local configures the driver with n in-process workers, each with
// the given number of slots, connected to it over loopback TCP.
func Local(n, slots int) Option {
	return func(s *Session) {
		s.local, s.localSlots = n, slots
	}
}

// Status configures the session with a status object to which
// job statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bndl-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used
// to log session events.
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

func (s *Session) nodeConfig(name string, slots int) rmi.Config {
	return rmi.Config{
		Name:              name,
		Slots:             slots,
		HeartbeatInterval: s.heartbeat,
		MissedHeartbeats:  s.missed,
	}
}

// Start starts a driver session with the provided functions and
// options.
func Start(funcs *Funcs, options ...Option) (*Session, error) {
	s := newSession(funcs)
	for _, opt := range options {
		opt(s)
	}
	node, err := rmi.New(s.nodeConfig(s.name, s.slots))
	if err != nil {
		return nil, err
	}
	s.node = node
	s.name = node.Name()
	s.sched = NewScheduler(dispatcher{s}, s.maxAttempts, s.status)
	node.Subscribe(s.membership)
	if s.listen != "" {
		if err := node.Listen(s.listen); err != nil {
			s.Shutdown()
			return nil, err
		}
	}
	if s.slots > 0 {
		if s.host, err = s.newHost(node); err != nil {
			s.Shutdown()
			return nil, err
		}
		s.sched.WorkerJoined(WorkerInfo{Name: node.Name(), Addr: node.Addr(), Slots: s.slots})
	}
	for i := 0; i < s.local; i++ {
		h, err := s.startLocal(i)
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.locals = append(s.locals, h)
		s.seeds = append(s.seeds, h.node.Addr())
	}
	if err := s.dialSeeds(s.Context); err != nil {
		s.Shutdown()
		return nil, err
	}
	s.eventer.Event("bndl:sessionStart",
		"name", s.name,
		"slots", s.slots,
		"local", s.local,
		"seeds", len(s.seeds),
		"maxAttempts", s.maxAttempts)
	return s, nil
}

// Serve runs a worker process: it listens for connections, dials the
// seeds, and serves tasks until ctx is done.
func Serve(ctx context.Context, funcs *Funcs, options ...Option) error {
	s := newSession(funcs)
	for _, opt := range options {
		opt(s)
	}
	listen := s.listen
	if listen == "" {
		listen = ":0"
	}
	h, err := s.serve(s.name, s.slots, listen)
	if err != nil {
		return err
	}
	defer h.close()
	if err := s.dialNode(ctx, h.node); err != nil {
		return err
	}
	log.Printf("worker %s: serving on %s with %d slots", h.node.Name(), h.node.Addr(), h.node.Slots())
	<-ctx.Done()
	return nil
}

// serve starts a worker node listening on the provided address.
func (s *Session) serve(name string, slots int, listen string) (*host, error) {
	if slots <= 0 {
		slots = runtime.NumCPU()
	}
	node, err := rmi.New(s.nodeConfig(name, slots))
	if err != nil {
		return nil, err
	}
	if err := node.Listen(listen); err != nil {
		node.Close()
		return nil, err
	}
	h, err := s.newHost(node)
	if err != nil {
		node.Close()
		return nil, err
	}
	return h, nil
}

// membership translates peer events into scheduler membership
// changes. Peers without slots, such as other drivers, run no tasks.
func (s *Session) membership(e rmi.PeerEvent) {
	switch e.State {
	case rmi.Connected:
		if e.Slots > 0 {
			s.sched.WorkerJoined(WorkerInfo{Name: e.Name, Addr: e.Addr, Slots: e.Slots})
		}
	case rmi.Disconnected:
		s.sched.WorkerLost(e.Name, e.Err)
	}
}

func (s *Session) dialSeeds(ctx context.Context) error {
	return s.dialNode(ctx, s.node)
}

func (s *Session) dialNode(ctx context.Context, node *rmi.Node) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range s.seeds {
		addr := addr
		g.Go(func() error {
			if _, err := node.Dial(ctx, addr); err != nil {
				return errors.E(fmt.Sprintf("dial seed %s", addr), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Submit compiles the lineage rooted at root and submits it as a
// new job.
func (s *Session) Submit(ctx context.Context, root *Dataset) (*JobHandle, error) {
	job, err := Compile(root)
	if err != nil {
		return nil, err
	}
	s.eventer.Event("bndl:jobSubmit",
		"job", job.ID,
		"root", root.ID,
		"stages", len(job.Stages))
	return s.sched.Submit(ctx, job)
}

// Run submits the lineage rooted at root and waits for the job to
// complete. The returned handle is valid even if the job failed; it
// should be closed once its results are no longer needed.
func (s *Session) Run(ctx context.Context, root *Dataset) (*JobHandle, error) {
	h, err := s.Submit(ctx, root)
	if err != nil {
		return nil, err
	}
	err = h.Wait(ctx)
	s.eventer.Event("bndl:jobDone",
		"job", h.ID(),
		"state", h.State().String())
	return h, err
}

// Uncache removes the cached partitions of the dataset from every
// worker.
func (s *Session) Uncache(ctx context.Context, ds *Dataset) error {
	workers := s.Workers()
	return traverse.Each(len(workers), func(i int) error {
		return s.call(ctx, workers[i].Name, "Worker.Uncache", UncacheRequest{Dataset: ds.ID, Partition: -1}, nil)
	})
}

// Workers returns the workers known to the scheduler.
func (s *Session) Workers() []WorkerSnapshot {
	return s.sched.Snapshot().Workers
}

// Snapshot returns the scheduler's most recent snapshot.
func (s *Session) Snapshot() *Snapshot {
	return s.sched.Snapshot()
}

// Stats returns the counters of every worker, keyed by worker name.
func (s *Session) Stats(ctx context.Context) (map[string]stats.Values, error) {
	var (
		workers = s.Workers()
		mu      sync.Mutex
		all     = make(map[string]stats.Values)
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		name := w.Name
		g.Go(func() error {
			var vals stats.Values
			if err := s.call(ctx, name, "Worker.Stats", nil, &vals); err != nil {
				return err
			}
			mu.Lock()
			all[name] = vals
			mu.Unlock()
			return nil
		})
	}
	return all, g.Wait()
}

// Addr returns the address on which the driver listens, if any.
func (s *Session) Addr() string {
	return s.node.Addr()
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Shutdown tears down resources associated with this session: every
// job is cancelled, and the driver and its local workers are closed.
func (s *Session) Shutdown() {
	if s.sched != nil {
		s.sched.Shutdown()
	}
	for _, h := range s.locals {
		h.close()
	}
	if s.host != nil {
		s.host.close()
	} else if s.node != nil {
		s.node.Close()
	}
	s.eventer.Event("bndl:sessionShutdown", "name", s.name)
}

// call calls a worker method, directly if the worker is the driver
// itself.
func (s *Session) call(ctx context.Context, worker, method string, args, reply interface{}) error {
	if s.host != nil && worker == s.node.Name() {
		return s.host.local(ctx, method, args, reply)
	}
	return s.node.Peer(worker).Call(ctx, method, args, reply, s.rpcTimeout)
}

// dispatcher implements Dispatcher over the session's node.
type dispatcher struct{ s *Session }

func (d dispatcher) Run(ctx context.Context, worker string, req *TaskRequest) (*TaskReply, error) {
	if h := d.s.host; h != nil && worker == d.s.node.Name() {
		return h.worker.Run(ctx, req)
	}
	reply := new(TaskReply)
	if err := d.s.node.Peer(worker).Call(ctx, "Worker.Run", req, reply, d.s.taskTimeout); err != nil {
		return nil, err
	}
	return reply, nil
}

// Live reports whether the worker's connection is healthy. Workers
// that are suspect or whose connection failed are not live.
func (d dispatcher) Live(worker string) bool {
	if d.s.host != nil && worker == d.s.node.Name() {
		return true
	}
	return d.s.node.State(worker) == rmi.Connected
}

func (d dispatcher) Fetch(ctx context.Context, worker string, req FetchRequest) (*FetchReply, error) {
	reply := new(FetchReply)
	if err := d.s.call(ctx, worker, "Worker.Fetch", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (d dispatcher) Release(ctx context.Context, worker string, job string) error {
	return d.s.call(ctx, worker, "Worker.Release", job, nil)
}

// A host is a node serving a Worker together with the stores the
// worker owns.
type host struct {
	node     *rmi.Node
	worker   *Worker
	cache    *cache.Manager
	shuffles *shuffle.Store
}

// newHost creates a worker on the node and registers its methods.
func (s *Session) newHost(node *rmi.Node) (*host, error) {
	c, err := cache.New(s.cacheDir)
	if err != nil {
		return nil, err
	}
	shuffles, err := shuffle.NewStore("")
	if err != nil {
		c.Close(context.Background())
		return nil, err
	}
	var store Store
	if s.diskStore != "" {
		store = newFileStore(s.diskStore + "/" + node.Name())
	}
	w := NewWorker(s.funcs, WorkerConfig{
		Name:           node.Name(),
		Slots:          node.Slots(),
		Store:          store,
		Shuffles:       shuffles,
		Cache:          c,
		SpillThreshold: s.spillThreshold,
		Remote:         remoteFetch(node, s.rpcTimeout),
	})
	h := &host{node: node, worker: w, cache: c, shuffles: shuffles}
	h.register()
	return h, nil
}

// register exposes the worker's methods on its node.
func (h *host) register() {
	w := h.worker
	h.node.Register("Worker.Run", func(ctx context.Context, peer string, args rmi.Args) (interface{}, error) {
		req := new(TaskRequest)
		if err := args.Decode(req); err != nil {
			return nil, err
		}
		return w.Run(ctx, req)
	})
	h.node.Register("Worker.Fetch", func(ctx context.Context, peer string, args rmi.Args) (interface{}, error) {
		var req FetchRequest
		if err := args.Decode(&req); err != nil {
			return nil, err
		}
		return w.Fetch(ctx, req)
	})
	h.node.Register("Worker.Blocks", func(ctx context.Context, peer string, args rmi.Args) (interface{}, error) {
		var req BlocksRequest
		if err := args.Decode(&req); err != nil {
			return nil, err
		}
		return w.Blocks(ctx, req)
	})
	h.node.Register("Worker.Release", func(ctx context.Context, peer string, args rmi.Args) (interface{}, error) {
		var job string
		if err := args.Decode(&job); err != nil {
			return nil, err
		}
		return nil, w.Release(ctx, job)
	})
	h.node.Register("Worker.Uncache", func(ctx context.Context, peer string, args rmi.Args) (interface{}, error) {
		var req UncacheRequest
		if err := args.Decode(&req); err != nil {
			return nil, err
		}
		return nil, w.Uncache(ctx, req)
	})
	h.node.Register("Worker.Stats", func(ctx context.Context, peer string, args rmi.Args) (interface{}, error) {
		return w.Stats(ctx)
	})
}

// local calls a worker method in process.
func (h *host) local(ctx context.Context, method string, args, reply interface{}) error {
	w := h.worker
	switch method {
	case "Worker.Fetch":
		r, err := w.Fetch(ctx, args.(FetchRequest))
		if err == nil {
			*reply.(*FetchReply) = *r
		}
		return err
	case "Worker.Release":
		return w.Release(ctx, args.(string))
	case "Worker.Uncache":
		return w.Uncache(ctx, args.(UncacheRequest))
	case "Worker.Stats":
		vals, err := w.Stats(ctx)
		if err == nil {
			*reply.(*stats.Values) = vals
		}
		return err
	default:
		return errors.E(errors.NotSupported, fmt.Sprintf("local method %s", method))
	}
}

func (h *host) close() {
	ctx := context.Background()
	if err := h.node.Close(); err != nil {
		log.Error.Printf("close node %s: %v", h.node.Name(), err)
	}
	if err := h.shuffles.Close(); err != nil {
		log.Error.Printf("close shuffle store: %v", err)
	}
	if err := h.cache.Close(ctx); err != nil {
		log.Error.Printf("close cache: %v", err)
	}
}

// remoteFetch returns a RemoteFetch that reads from other workers
// through node, dialing them as needed.
func remoteFetch(node *rmi.Node, timeout time.Duration) RemoteFetch {
	return func(ctx context.Context, src Source, req FetchRequest) (*FetchReply, error) {
		peer := node.Peer(src.Worker)
		if !node.Connected(src.Worker) {
			if src.Addr == "" {
				return nil, errors.E(errors.Net, fmt.Sprintf("worker %s not connected and has no address", src.Worker))
			}
			var err error
			if peer, err = node.Dial(ctx, src.Addr); err != nil {
				return nil, err
			}
		}
		reply := new(FetchReply)
		if err := peer.Call(ctx, "Worker.Fetch", req, reply, timeout); err != nil {
			return nil, err
		}
		return reply, nil
	}
}
