// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/wire"
)

// Environment variables through which a launched worker learns its
// identity and how to reach its coordinator.
const (
	workerEnv          = "RASTERSLICE_WORKER"
	coordinatorEnv     = "RASTERSLICE_COORDINATOR"
	coordinatorFileEnv = "RASTERSLICE_COORDINATOR_FILE"
)

// A launcher starts and stops the compute workers of a remote kind.
type launcher interface {
	// Launch starts one worker for each of the provided handles,
	// moving each handle to HandleStarting. Launch returns once all
	// workers have been submitted to the backend; failures of
	// individual workers are reported through their handles. An error
	// from Launch is fatal to the run.
	Launch(ctx context.Context, env *launchEnv, handles []*WorkerHandle) error
	// Stop releases every backend resource acquired by Launch. It is
	// called exactly once per run, whether or not the run succeeded,
	// and is bounded by its context.
	Stop(ctx context.Context) error
}

// launchEnv is what a launcher needs to know to start workers.
type launchEnv struct {
	// Addr is the coordinator's address.
	Addr wire.Address
	// AddrFile, if set, is the marker file holding Addr on a
	// filesystem shared with the workers.
	AddrFile string
	// RunID uniquely identifies the run.
	RunID string
	Config
}

// environ returns the environment of the worker of handle h, as
// "key=value" pairs.
func (e *launchEnv) environ(h *WorkerHandle) []string {
	env := []string{workerEnv + "=" + h.Name}
	if e.AddrFile != "" {
		env = append(env, coordinatorFileEnv+"="+e.AddrFile)
	} else {
		env = append(env, coordinatorEnv+"="+e.Addr.String())
	}
	return env
}

// jobName returns the backend name of the worker of handle h.
func (e *launchEnv) jobName(h *WorkerHandle) string {
	if e.JobName == "" {
		return h.Name
	}
	return e.JobName + "-" + h.Name
}

func newLauncher(c Config) (launcher, error) {
	switch c.Kind {
	case KindSubprocess:
		return newSubprocessLauncher(c.Subprocess), nil
	case KindBatch:
		return newBatchLauncher(c.Batch), nil
	case KindCloud:
		return newCloudLauncher(c.Cloud)
	}
	return nil, rasterslice.Errorf(rasterslice.ErrConfig, "compute worker kind %v has no launcher", c.Kind)
}

// exitedBeforeConnect fails handle h if its worker exited before
// connecting to the coordinator. Backends call it when they observe
// a worker's exit; exits after connection are detected by the
// coordinator.
func exitedBeforeConnect(h *WorkerHandle, detail string) {
	err := rasterslice.Errorf(rasterslice.ErrWorkerStart, "worker exited before connecting: %s", detail).WithWorker(h.Name)
	if h.failStarting(err) {
		log.Error.Printf("%v", err)
	}
}

// watchConnect fails handle h with an ErrWorkerStart error if it does
// not connect within the provided timeout. It returns when the
// handle connects or fails, or when ctx is done.
func watchConnect(ctx context.Context, h *WorkerHandle, timeout time.Duration) {
	if timeout == NoTimeout {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := h.WaitState(wctx, HandleConnected); err == nil || ctx.Err() != nil {
		return
	}
	err := rasterslice.Errorf(rasterslice.ErrWorkerStart,
		"worker %s did not connect within %s", describeJob(h), timeout).WithWorker(h.Name)
	if h.failStarting(err) {
		log.Error.Printf("%v", err)
	}
}

func describeJob(h *WorkerHandle) string {
	if job := h.Job(); job != "" {
		return fmt.Sprintf("%s (%s)", h.Name, job)
	}
	return h.Name
}
