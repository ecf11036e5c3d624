// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rasterconfig provides a mechanism to create a rasterslice
// session from a shared configuration. Rasterconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.rasterslice/config. Configurations may be provisioned
// using the rasterslice command.
package rasterconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/rasterslice/exec"
)

// Path determines the location of the rasterslice profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.rasterslice/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the rasterslice configuration from Path and returns a session
// configured by the profile instance "rasterslice" and any flags
// provided. Parse panics if session creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Session(), func() {}
}

// Session returns the session configured by the current profile.
func Session() *exec.Session {
	var sess *exec.Session
	config.Must("rasterslice", &sess)
	return sess
}
