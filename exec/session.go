// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/status"
)

// Session represents a rasterslice session. A session carries the
// concurrency configuration, status reporting and event logging
// shared by the runs it performs, and is valid for the lifetime of
// the binary.
//
// A session is started by Start. Remote worker kinds launch further
// copies of the binary as compute workers; in these copies, Start
// runs the worker and exits the process instead of returning. Funcs
// must therefore be registered during package initialization, before
// Start is called:
//
//	var scale = rasterslice.RegisterFunc("main.scale", func(...) ...)
//
//	func main() {
//		sess := exec.Start(exec.Concurrency(config))
//		res, err := sess.Apply(ctx, &exec.Job{Func: scale, ...})
//		...
//	}
type Session struct {
	index   int32
	config  Config
	status  *status.Status
	eventer eventlog.Eventer
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Concurrency configures the session with the provided concurrency
// configuration. Sessions run sequentially by default.
func Concurrency(c Config) Option {
	return func(s *Session) {
		s.config = c
	}
}

// Status configures the session with a status object to which
// worker statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("rasterslice-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start.
var nextSessionIndex int32

// Start creates and starts a new rasterslice session, configuring it
// according to the provided options. If the current process was
// launched as a remote compute worker, Start instead serves as that
// worker and exits.
func Start(options ...Option) *Session {
	if IsWorker() {
		os.Exit(WorkerMain())
	}
	s := &Session{
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
	}
	for _, opt := range options {
		opt(s)
	}
	s.eventer.Event("rasterslice:sessionStart",
		"kind", s.config.Kind.String(),
		"readWorkers", s.config.ReadWorkers,
		"computeWorkers", s.config.ComputeWorkers)
	return s
}

// Config returns the session's concurrency configuration.
func (s *Session) Config() Config {
	return s.config
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}
