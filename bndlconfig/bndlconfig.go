// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bndlconfig provides a mechanism to configure bndl drivers
// and workers from a shared configuration. Bndlconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.bndl/config.
package bndlconfig

import (
	"flag"
	"os"

	"github.com/bndl-go/bndl/exec"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

// Path determines the location of the bndl profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bndl/config")

// Parse registers configuration and logging flags, and calls
// flag.Parse. It reads the bndl configuration from Path and returns
// the session options it configures, overridden by any flags
// provided. Parse panics if the configuration is invalid.
func Parse() []exec.Option {
	log.AddFlags()
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var opts []exec.Option
	config.Must("bndl", &opts)
	return opts
}
