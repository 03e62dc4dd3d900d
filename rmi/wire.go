// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rmi

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// Version is the protocol version spoken by this package. Peers
// with different versions refuse to connect.
const Version = 1

type msgKind uint8

const (
	msgHello msgKind = iota + 1
	msgReject
	msgRequest
	msgResponse
	msgCancel
	msgPing
	msgPong
)

var kinds = [...]string{
	msgHello:    "hello",
	msgReject:   "reject",
	msgRequest:  "request",
	msgResponse: "response",
	msgCancel:   "cancel",
	msgPing:     "ping",
	msgPong:     "pong",
}

func (k msgKind) String() string {
	if int(k) < len(kinds) && kinds[k] != "" {
		return kinds[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Hello is exchanged by both sides of a connection before it is
// admitted to the peer registry.
type Hello struct {
	// Name is the logical identity of the node.
	Name string
	// Incarnation distinguishes successive processes that use the
	// same name.
	Incarnation string
	// Addr is the address on which the node accepts connections,
	// if any.
	Addr string
	// Version is the node's protocol version.
	Version int
	// Slots is the number of tasks the node executes concurrently.
	Slots int
}

// Request is an outbound call.
type Request struct {
	ID      uint64
	Method  string
	Args    []byte
	Version int
}

// Response answers the request with the same ID. Exactly one of
// Value and Exception is set.
type Response struct {
	ID        uint64
	Value     []byte
	Exception *Exception
}

// Exception is the wire form of an error. The error's kind and
// severity survive the trip, so that the caller can classify it.
type Exception struct {
	Kind     errors.Kind
	Severity errors.Severity
	Message  string
}

// message is the unit of framing. Exactly one payload field is set,
// according to Kind.
type message struct {
	Kind     msgKind
	Hello    *Hello
	Request  *Request
	Response *Response
	// ID is the request cancelled by a cancel notice.
	ID uint64
	// From names the sender of a ping or pong.
	From string
	// Reason explains a rejection.
	Reason string
}

// wire frames gob-encoded messages over a network connection.
// Writes are serialized; reads are done by a single goroutine.
type wire struct {
	nc           net.Conn
	writeTimeout time.Duration

	mu  sync.Mutex
	bw  *bufio.Writer
	enc *gob.Encoder
	dec *gob.Decoder
}

func newWire(nc net.Conn, writeTimeout time.Duration) *wire {
	bw := bufio.NewWriter(nc)
	return &wire{
		nc:           nc,
		writeTimeout: writeTimeout,
		bw:           bw,
		enc:          gob.NewEncoder(bw),
		dec:          gob.NewDecoder(bufio.NewReader(nc)),
	}
}

func (w *wire) send(m *message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeTimeout > 0 {
		if err := w.nc.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(m); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *wire) recv() (*message, error) {
	m := new(message)
	if err := w.dec.Decode(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode gob-encodes a value into an opaque payload.
func Encode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, errors.E(errors.Invalid, "rmi: encode", err)
	}
	return b.Bytes(), nil
}

// Decode decodes an opaque payload into v. Corrupt payloads yield
// errors of kind errors.Integrity with fatal severity: they are never
// worth retrying on the same path.
func Decode(p []byte, v interface{}) error {
	if v == nil {
		return nil
	}
	if len(p) == 0 {
		return errors.E(errors.Integrity, errors.Fatal, "rmi: decode: empty payload")
	}
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(v); err != nil {
		return errors.E(errors.Integrity, errors.Fatal, "rmi: decode", err)
	}
	return nil
}

// exception converts an error to its wire form.
func exception(err error) *Exception {
	e := errors.Recover(err)
	return &Exception{Kind: e.Kind, Severity: e.Severity, Message: err.Error()}
}

// error reconstructs the error carried by an exception.
func (e *Exception) error(peer, method string) error {
	return errors.E(e.Kind, e.Severity, fmt.Sprintf("%s %s", peer, method), errors.New(e.Message))
}
