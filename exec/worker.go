// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/raster"
	"github.com/grailbio/rasterslice/stats"
	"github.com/grailbio/rasterslice/wire"
)

// dialPolicy paces a worker's attempts to connect to its
// coordinator.
var dialPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 5*time.Second, 2), 10)

// IsWorker tells whether the current process was launched as a
// remote compute worker.
func IsWorker() bool {
	return os.Getenv(workerEnv) != ""
}

// WorkerMain runs the remote compute worker described by the
// process environment and returns the process exit code. Binaries
// that use a remote worker kind must call WorkerMain when IsWorker
// is true; Start does this automatically.
func WorkerMain() int {
	ctx := context.Background()
	name := os.Getenv(workerEnv)
	addr, err := workerAddress(ctx)
	if err != nil {
		log.Error.Printf("worker %s: %v", name, err)
		return 1
	}
	if err := ServeWorker(ctx, name, addr); err != nil {
		log.Error.Printf("worker %s: %v", name, err)
		return 1
	}
	return 0
}

func workerAddress(ctx context.Context) (wire.Address, error) {
	if path := os.Getenv(coordinatorFileEnv); path != "" {
		return wire.WaitAddressFile(ctx, path)
	}
	if s := os.Getenv(coordinatorEnv); s != "" {
		return wire.ParseAddress(s)
	}
	return wire.Address{}, errors.E(errors.Invalid, "no coordinator address in environment")
}

// ServeWorker connects to the coordinator at addr as the worker with
// the provided name, and computes the blocks the coordinator sends
// until it is told to shut down.
func ServeWorker(ctx context.Context, name string, addr wire.Address) error {
	var (
		nc  net.Conn
		err error
	)
	for retries := 0; ; retries++ {
		var d net.Dialer
		if nc, err = d.DialContext(ctx, "tcp", addr.HostPort); err == nil {
			break
		}
		log.Debug.Printf("worker %s: dial %s: %v", name, addr.HostPort, err)
		if werr := retry.Wait(ctx, dialPolicy, retries); werr != nil {
			return errors.E(errors.Net, fmt.Sprintf("dial coordinator %s", addr.HostPort), err)
		}
	}
	defer nc.Close()
	start := time.Now()
	c := wire.NewConn(nc)
	host, _ := os.Hostname()
	if err := c.Send(wire.Data, &wire.Hello{Worker: name, Token: addr.Token, Host: host, PID: os.Getpid()}); err != nil {
		return err
	}
	var setup wire.Setup
	if err := c.RecvType(wire.AuxState, &setup); err != nil {
		return err
	}
	c.Compress = setup.Compress
	timers := stats.NewTimers()
	w, setupErr := newRemoteComputer(name, &setup, timers)
	if w != nil && w.reader != nil {
		defer w.reader.Close(ctx)
	}
	for {
		typ, payload, err := c.Recv()
		if err != nil {
			return err
		}
		switch typ {
		case wire.Data:
			var work wire.Work
			if err := wire.Decode(payload, &work); err != nil {
				return err
			}
			var out rasterslice.Blocks
			if setupErr != nil {
				err = setupErr
			} else {
				out, err = w.compute(ctx, work.Spec, work.Blocks)
			}
			if err != nil {
				f := &wire.Failure{Kind: rasterslice.KindOf(err), Spec: work.Spec, Message: failureMessage(err)}
				if serr := c.Send(wire.Exception, f); serr != nil {
					log.Error.Printf("worker %s: report failure: %v", name, serr)
				}
				return err
			}
			if err := c.Send(wire.Data, &wire.Result{Spec: work.Spec, Blocks: out}); err != nil {
				return err
			}
		case wire.Shutdown:
			final := &wire.Final{Timers: timers.Snapshot(), Elapsed: time.Since(start)}
			if setupErr == nil {
				if final.Aux, err = rasterslice.EncodeAux(w.aux); err != nil {
					return err
				}
			}
			return c.Send(wire.AuxState, final)
		default:
			return errors.E(errors.Integrity, fmt.Sprintf("worker %s: unexpected %s frame", name, typ))
		}
	}
}

// newRemoteComputer builds the computer described by a coordinator's
// setup. Errors are reported to the coordinator with the first block
// the worker receives.
func newRemoteComputer(name string, setup *wire.Setup, timers *stats.Timers) (*computer, error) {
	fn, err := rasterslice.LookupFunc(setup.Func)
	if err != nil {
		return nil, rasterslice.WrapError(rasterslice.ErrConfig, err)
	}
	aux, err := rasterslice.DecodeAux(setup.Aux)
	if err != nil {
		return nil, rasterslice.WrapError(rasterslice.ErrConfig, err)
	}
	w := &computer{
		name:      name,
		fn:        fn,
		grid:      setup.Grid,
		numBlocks: setup.NumBlocks,
		aux:       aux,
		timers:    timers,
	}
	if setup.SelfRead {
		driver, err := raster.Lookup(setup.Driver)
		if err != nil {
			return w, rasterslice.WrapError(rasterslice.ErrConfig, err)
		}
		w.reader = newBlockReader(driver, setup.Inputs, setup.ReadParallelism, timers)
	}
	return w, nil
}

// failureMessage returns the message of err without its kind, which
// travels separately.
func failureMessage(err error) string {
	if e, ok := err.(*rasterslice.Error); ok && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
