// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/status"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/stats"
)

// HandleState is the runtime state of a compute worker. HandleState
// values are defined so that their magnitudes correspond with worker
// progression; a handle only moves to larger-valued states.
type HandleState int

const (
	// HandleCreated is the initial state of a worker handle.
	HandleCreated HandleState = iota
	// HandleStarting indicates that the worker has been launched but
	// has not yet connected to the coordinator.
	HandleStarting
	// HandleConnected indicates that a remote worker has connected and
	// completed its handshake.
	HandleConnected
	// HandleRunning indicates that the worker is processing blocks.
	HandleRunning
	// HandleDrained indicates that the worker processed all the work
	// it was given and returned its final state.
	HandleDrained
	// HandleFailed indicates that the worker failed. Its error is
	// available from Err.
	HandleFailed
	// HandleTerminated indicates that the worker's resources have
	// been released. A terminated handle retains the error, if any,
	// with which it failed.
	HandleTerminated

	maxHandleState
)

var handleStates = [...]string{
	HandleCreated:    "CREATED",
	HandleStarting:   "STARTING",
	HandleConnected:  "CONNECTED",
	HandleRunning:    "RUNNING",
	HandleDrained:    "DRAINED",
	HandleFailed:     "FAILED",
	HandleTerminated: "TERMINATED",
}

// String returns the handle state as an upper-case string.
func (s HandleState) String() string {
	if s < 0 || s >= maxHandleState {
		return fmt.Sprintf("HandleState(%d)", int(s))
	}
	return handleStates[s]
}

// A WorkerHandle represents one compute worker for the duration of
// a run. Handles coordinate state changes between the worker-kind
// backend, the coordinator and the orchestrator, all of which may
// observe and advance the handle concurrently.
type WorkerHandle struct {
	// ID is the worker's index in the run.
	ID int
	// Name is the worker's unique name.
	Name string

	// Status is a status object to which worker status is reported.
	Status *status.Task

	mu    sync.Mutex
	waitc chan struct{}
	state HandleState
	err   error
	// alive is cleared once the handle drains or fails.
	alive bool
	// job is the backend's identifier for the worker: a process id,
	// a batch job id or a cloud task ARN.
	job string

	// aux is the worker's final auxiliary state and timers its
	// accumulated timers; both are valid once drained.
	aux      interface{}
	timers   stats.Values
	finished bool

	onFail func(*WorkerHandle, error)
}

func newHandle(id int, name string) *WorkerHandle {
	return &WorkerHandle{ID: id, Name: name, alive: true}
}

// String returns a short, human-readable string describing the
// handle's state.
func (h *WorkerHandle) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "worker %s %s", h.Name, h.state)
	if h.job != "" {
		fmt.Fprintf(&b, " [%s]", h.job)
	}
	if h.err != nil {
		fmt.Fprintf(&b, ": %v", h.err)
	}
	return b.String()
}

// Set advances the handle to the provided state and notifies
// waiters. Set is a no-op if the handle is already in the same or a
// later state.
func (h *WorkerHandle) Set(state HandleState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state <= h.state {
		return
	}
	h.state = state
	if state >= HandleDrained {
		h.alive = false
	}
	h.Status.Print(state.String())
	h.broadcast()
}

// connect moves a starting handle to HandleConnected. It reports
// false if the handle was not starting.
func (h *WorkerHandle) connect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleStarting {
		return false
	}
	h.state = HandleConnected
	h.Status.Print(h.state.String())
	h.broadcast()
	return true
}

// Fail marks the handle as failed with the provided error. Handles
// that have already drained or failed are not affected. Fail reports
// whether the handle changed state.
func (h *WorkerHandle) Fail(err error) bool {
	return h.fail(err, maxHandleState)
}

// failStarting fails the handle only if it is still starting.
func (h *WorkerHandle) failStarting(err error) bool {
	return h.fail(err, HandleStarting)
}

func (h *WorkerHandle) fail(err error, only HandleState) bool {
	h.mu.Lock()
	if h.state >= HandleDrained || (only != maxHandleState && h.state != only) {
		h.mu.Unlock()
		return false
	}
	h.state = HandleFailed
	h.alive = false
	h.err = rasterslice.WrapError(rasterslice.ErrOther, err)
	h.Status.Printf("FAILED: %v", err)
	h.broadcast()
	onFail, herr := h.onFail, h.err
	h.mu.Unlock()
	if onFail != nil {
		onFail(h, herr)
	}
	return true
}

// release terminates a handle whose worker never connected, so that
// the worker's exit as its backend stops it does not fail the run.
// It reports whether the handle was released.
func (h *WorkerHandle) release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state > HandleStarting {
		return false
	}
	h.state = HandleTerminated
	h.alive = false
	h.Status.Print("released before connecting")
	h.broadcast()
	return true
}

// Terminate marks the handle terminated once its backend has
// released the worker's resources.
func (h *WorkerHandle) Terminate() {
	h.mu.Lock()
	h.state = HandleTerminated
	h.alive = false
	h.broadcast()
	h.mu.Unlock()
	h.Status.Done()
}

// State returns the handle's current state.
func (h *WorkerHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error with which the handle failed, if any.
func (h *WorkerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Alive tells whether the worker may still complete work: it has
// neither drained nor failed.
func (h *WorkerHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// Job returns the backend identifier of the worker.
func (h *WorkerHandle) Job() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

func (h *WorkerHandle) setJob(job string) {
	h.mu.Lock()
	h.job = job
	h.mu.Unlock()
	h.Status.Printf("%s %s", HandleStarting, job)
}

// finish records the worker's final state and marks it drained.
func (h *WorkerHandle) finish(aux interface{}, timers stats.Values) {
	h.mu.Lock()
	h.aux = aux
	h.timers = timers
	h.finished = true
	h.mu.Unlock()
	h.Set(HandleDrained)
}

// Finished tells whether the worker drained and returned its final
// state.
func (h *WorkerHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Aux returns the worker's final auxiliary state.
func (h *WorkerHandle) Aux() interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aux
}

// Timers returns the timers reported by a remote worker when it
// drained.
func (h *WorkerHandle) Timers() stats.Values {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timers
}

// broadcast notifies waiters of a state change. It must be called
// with the handle's lock held.
func (h *WorkerHandle) broadcast() {
	if h.waitc != nil {
		close(h.waitc)
		h.waitc = nil
	}
}

// WaitState returns when the handle's state is at least the
// provided state, or when the context is done.
func (h *WorkerHandle) WaitState(ctx context.Context, state HandleState) (HandleState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.state < state {
		if h.waitc == nil {
			h.waitc = make(chan struct{})
		}
		waitc := h.waitc
		h.mu.Unlock()
		var err error
		select {
		case <-waitc:
		case <-ctx.Done():
			err = ctx.Err()
		}
		h.mu.Lock()
		if err != nil {
			return h.state, err
		}
	}
	return h.state, nil
}
