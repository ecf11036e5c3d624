// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"time"

	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/stats"
)

// Hello is the first message sent by a worker.
type Hello struct {
	// Worker is the name assigned to the worker at launch.
	Worker string
	// Token must match the coordinator's token.
	Token string
	Host  string
	PID   int
}

// Setup configures a worker after the handshake.
type Setup struct {
	// Func is the name of the registered user function.
	Func string
	// Driver is the name of the raster driver used by self-reading
	// workers.
	Driver string
	// Inputs maps logical input names to raster paths.
	Inputs map[string]string
	Grid   grid.Grid
	// NumBlocks is the total number of blocks in the run.
	NumBlocks int
	// SelfRead tells the worker to decode its own inputs: Work
	// messages then carry only a block spec.
	SelfRead bool
	// ReadParallelism bounds concurrent input decodes inside a
	// self-reading worker.
	ReadParallelism int
	// Aux is the worker's initial auxiliary state, encoded with
	// rasterslice.EncodeAux.
	Aux []byte
	// Compress asks the worker to compress the frames it sends.
	Compress bool
}

// Work hands one block to a worker.
type Work struct {
	Spec grid.Spec
	// Blocks holds the decoded input blocks; it is empty when the
	// worker reads for itself.
	Blocks rasterslice.Blocks
}

// Result returns the output of one block.
type Result struct {
	Spec   grid.Spec
	Blocks rasterslice.Blocks
}

// Failure describes a failure on a worker.
type Failure struct {
	Kind    rasterslice.ErrorKind
	Spec    grid.Spec
	Message string
}

// Err returns the failure as a rasterslice error.
func (f *Failure) Err(worker string) error {
	return rasterslice.Errorf(f.Kind, "%s", f.Message).WithWorker(worker).WithBlock(f.Spec)
}

// Final is a worker's last message.
type Final struct {
	// Aux is the worker's final auxiliary state.
	Aux []byte
	// Timers holds the worker's accumulated timers.
	Timers stats.Values
	// Elapsed is the time between the worker's handshake and shutdown.
	Elapsed time.Duration
}
