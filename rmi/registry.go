// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rmi

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// PeerState is the liveness state of a peer.
type PeerState int

const (
	// Connected peers answer heartbeats.
	Connected PeerState = iota
	// Suspect peers missed at least one heartbeat.
	Suspect
	// Disconnected peers are gone: their connection was lost or they
	// missed too many heartbeats.
	Disconnected
)

var peerStates = [...]string{
	Connected:    "CONNECTED",
	Suspect:      "SUSPECT",
	Disconnected: "DISCONNECTED",
}

func (s PeerState) String() string {
	if int(s) < len(peerStates) {
		return peerStates[s]
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

// PeerInfo describes a peer as known to the registry.
type PeerInfo struct {
	Name        string
	Incarnation string
	Addr        string
	Slots       int
	State       PeerState
}

// A PeerEvent reports a change in a peer's state.
type PeerEvent struct {
	PeerInfo
	// Err is the cause of a disconnection.
	Err error
}

// entry is the registry's record of a peer. It owns the peer's
// connection.
type entry struct {
	conn   *conn
	state  PeerState
	pinged bool
	misses int
	pongs  uint64
}

func (e *entry) info() PeerInfo {
	return PeerInfo{
		Name:        e.conn.key.Name,
		Incarnation: e.conn.hello.Incarnation,
		Addr:        e.conn.hello.Addr,
		Slots:       e.conn.hello.Slots,
		State:       e.state,
	}
}

// registry is the authoritative map of connected peers, keyed by
// name. Insertion and removal of a name are serialized by the write
// lock; removal names the exact connection to remove, so a stale
// removal never evicts a newer connection for the same name.
type registry struct {
	mu    sync.RWMutex
	peers map[string]*entry
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*entry)}
}

// insert admits c. If another connection is registered under the
// same name, insert resolves the conflict: a connection from a new
// incarnation replaces the old one, which is returned so that its
// loss can be reported; for two connections of the same incarnation
// (simultaneous dials), the one dialed by the lexically smaller name
// wins on both sides. Insert reports whether c was admitted.
func (r *registry) insert(c *conn, dialer func(*conn) string) (admitted bool, replaced *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.peers[c.key.Name]
	if old != nil && old.conn.hello.Incarnation == c.hello.Incarnation && !old.conn.closed() {
		if dialer(old.conn) <= dialer(c) {
			return false, nil
		}
	}
	if old != nil {
		replaced = old.conn
	}
	r.peers[c.key.Name] = &entry{conn: c, state: Connected}
	return true, replaced
}

// remove removes the connection with the given key, returning its
// info. Removing a connection that is no longer registered is a
// no-op.
func (r *registry) remove(key connKey) (PeerInfo, *conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.peers[key.Name]
	if e == nil || e.conn.key != key {
		return PeerInfo{}, nil, false
	}
	delete(r.peers, key.Name)
	info := e.info()
	info.State = Disconnected
	return info, e.conn, true
}

// lookup returns the live connection registered under name.
func (r *registry) lookup(name string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.peers[name]; e != nil {
		return e.conn
	}
	return nil
}

// state returns the liveness state of the named peer. Unknown peers
// and peers whose connection has failed are Disconnected, even before
// their removal is processed.
func (r *registry) state(name string) PeerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.peers[name]
	if e == nil || e.conn.closed() {
		return Disconnected
	}
	return e.state
}

// byAddr returns the live connection whose peer listens on addr.
func (r *registry) byAddr(addr string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.peers {
		if e.conn.hello.Addr == addr {
			return e.conn
		}
	}
	return nil
}

// list returns the registered peers ordered by name.
func (r *registry) list() []PeerInfo {
	r.mu.RLock()
	infos := make([]PeerInfo, 0, len(r.peers))
	for _, e := range r.peers {
		infos = append(infos, e.info())
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// heartbeat accounts one watchdog round. Peers whose pong count did
// not advance since the previous round accumulate a miss; the others
// are reset to Connected. It returns state changes short of
// disconnection, the keys of peers that reached the miss threshold,
// and the connections to ping.
func (r *registry) heartbeat(threshold int) (changed []PeerInfo, expired []connKey, live []*conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.peers {
		if !e.pinged {
			e.pinged = true
			live = append(live, e.conn)
			continue
		}
		pongs := atomic.LoadUint64(&e.conn.pongs)
		if pongs != e.pongs {
			e.pongs = pongs
			e.misses = 0
			if e.state != Connected {
				e.state = Connected
				changed = append(changed, e.info())
			}
		} else {
			e.misses++
		}
		switch {
		case e.misses >= threshold:
			expired = append(expired, e.conn.key)
			continue
		case e.misses > 0 && e.state == Connected:
			e.state = Suspect
			changed = append(changed, e.info())
		}
		live = append(live, e.conn)
	}
	return
}
