// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"flag"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/config"
)

func TestConfig(t *testing.T) {
	profile := config.New()
	for param, value := range map[string]string{
		"bndl.slots":          "3",
		"bndl.local":          "2",
		"bndl.local-slots":    "4",
		"bndl.rpc-timeout-ms": "2500",
		"bndl.name":           "driver",
		"bndl.seeds":          "a:1,b:2",
	} {
		if err := profile.Set(param, value); err != nil {
			t.Fatalf("%s: %v", param, err)
		}
	}
	var opts []Option
	if err := profile.Instance("bndl", &opts); err != nil {
		t.Fatal(err)
	}
	s := newSession(nil)
	for _, opt := range opts {
		opt(s)
	}
	if got, want := s.slots, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.local, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.localSlots, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.rpcTimeout, 2500*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.maxAttempts, DefaultMaxAttempts; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.heartbeat, time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.name, "driver"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.seeds, []string{"a:1", "b:2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConfigFlags(t *testing.T) {
	profile := config.New()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	profile.RegisterFlags(fs, "", "")
	err := fs.Parse([]string{
		"-set", "bndl.rpc-timeout-ms=1500",
		"-set", "bndl.task-timeout-ms=60000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := profile.ProcessFlags(); err != nil {
		t.Fatal(err)
	}
	var opts []Option
	if err := profile.Instance("bndl", &opts); err != nil {
		t.Fatal(err)
	}
	s := newSession(nil)
	for _, opt := range opts {
		opt(s)
	}
	if got, want := s.rpcTimeout, 1500*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.taskTimeout, time.Minute; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
