// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	goerrors "errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
	"github.com/grailbio/rasterslice/stats"
	"github.com/grailbio/rasterslice/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// drainTimeout bounds the shutdown exchange with each connected
	// remote worker once all blocks have been written.
	drainTimeout = time.Minute
	// stopTimeout bounds the release of a run's remote resources.
	stopTimeout = 10 * time.Minute
)

// A Job describes one application of a user function over a set of
// input rasters.
type Job struct {
	// Func is the registered function to apply to every block.
	Func *rasterslice.Func
	// Driver names the raster driver used for inputs and outputs.
	Driver string
	// Inputs and Outputs map the logical names seen by the function
	// to raster paths.
	Inputs, Outputs map[string]string
	// Aux is the auxiliary state passed to the function. Every
	// compute worker receives its own copy; the copies are returned
	// in the Result. Aux values used with remote workers must be
	// registered with rasterslice.RegisterAux.
	Aux interface{}
	// Blocks determines how the working grid is divided.
	Blocks grid.Config
	// Grid, if set, is the working grid. Otherwise the working grid
	// is that of the inputs, which must all share their dimensions.
	Grid *grid.Grid
}

func (j *Job) validate() error {
	fail := func(format string, args ...interface{}) error {
		return rasterslice.Errorf(rasterslice.ErrConfig, format, args...)
	}
	switch {
	case j.Func == nil:
		return fail("no function given")
	case len(j.Outputs) == 0:
		return fail("no outputs given")
	case len(j.Inputs) == 0 && j.Grid == nil:
		return fail("no inputs given and no working grid")
	}
	if err := j.Blocks.Validate(); err != nil {
		return rasterslice.WrapError(rasterslice.ErrConfig, err)
	}
	return nil
}

// A Result describes a completed run.
type Result struct {
	// Blocks is the number of blocks processed.
	Blocks int
	// Timers holds the run's accumulated timers, including those of
	// remote workers.
	Timers stats.Values
	// Elapsed is the run's wall clock time.
	Elapsed time.Duration
	// Aux holds the final auxiliary state of each compute worker that
	// drained, ordered by worker. Sequential runs return the job's
	// own Aux value.
	Aux []interface{}
	// Failed names the workers that failed.
	Failed []string
}

// Report returns the timing report of the run.
func (r *Result) Report() string {
	t := stats.NewTimers()
	t.Merge(r.Timers)
	return t.Report(r.Elapsed)
}

// Apply runs the job with the session's concurrency configuration.
// Apply returns the first fatal error; outputs written before the
// failure are left in place.
func (s *Session) Apply(ctx context.Context, job *Job) (*Result, error) {
	start := time.Now()
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	if err := job.validate(); err != nil {
		return nil, err
	}
	driver, err := raster.Lookup(job.Driver)
	if err != nil {
		return nil, rasterslice.WrapError(rasterslice.ErrConfig, err)
	}
	r := &run{
		sess:   s,
		config: s.config,
		job:    job,
		driver: driver,
		timers: stats.NewTimers(),
		runID:  uuid.New().String(),
	}
	if r.grid, err = workingGrid(ctx, driver, job); err != nil {
		return nil, err
	}
	r.numBlocks = grid.NewEnumerator(r.grid, job.Blocks).Len()
	s.eventer.Event("rasterslice:applyStart",
		"runID", r.runID,
		"func", job.Func.Name(),
		"kind", r.config.Kind.String(),
		"readWorkers", r.config.ReadWorkers,
		"computeWorkers", r.config.ComputeWorkers,
		"blocks", r.numBlocks)
	log.Debug.Printf("rasterslice: run %s: %d blocks of %s, %v workers", r.runID, r.numBlocks, job.Func.Name(), r.config.Kind)
	if r.config.Sequential() {
		err = r.sequential(ctx)
	} else {
		err = r.pipeline(ctx)
	}
	res := r.result(time.Since(start))
	errString := ""
	if err != nil {
		errString = err.Error()
	}
	s.eventer.Event("rasterslice:applyDone",
		"runID", r.runID,
		"elapsed", res.Elapsed.Seconds(),
		"failedWorkers", len(res.Failed),
		"error", errString)
	return res, err
}

// workingGrid returns the job's grid, or the common grid of its
// inputs.
func workingGrid(ctx context.Context, driver raster.Driver, job *Job) (grid.Grid, error) {
	if job.Grid != nil {
		return *job.Grid, nil
	}
	rd := newBlockReader(driver, job.Inputs, 1, nil)
	defer rd.Close(ctx)
	metas, err := rd.Meta(ctx)
	if err != nil {
		return grid.Grid{}, err
	}
	names := make([]string, 0, len(metas))
	for name := range metas {
		names = append(names, name)
	}
	sort.Strings(names)
	g := metas[names[0]].Grid
	for _, name := range names[1:] {
		if h := metas[name].Grid; !g.SameShape(h) {
			return grid.Grid{}, rasterslice.Errorf(rasterslice.ErrConfig,
				"input %s is %dx%d, but input %s is %dx%d",
				name, h.Width, h.Height, names[0], g.Width, g.Height)
		}
	}
	return g, nil
}

// A run is a single execution of a job.
type run struct {
	sess      *Session
	config    Config
	job       *Job
	driver    raster.Driver
	grid      grid.Grid
	numBlocks int
	timers    *stats.Timers
	runID     string
	aux       []interface{}

	cancel  func()
	src     source
	handles []*WorkerHandle

	mu  sync.Mutex
	err error
}

// fail records a fatal error and cancels the run. Only the first
// error is returned from Apply; later ones are logged.
func (r *run) fail(err error) {
	r.mu.Lock()
	first := r.err == nil
	if first {
		r.err = err
	}
	r.mu.Unlock()
	if first {
		log.Error.Printf("rasterslice: run %s failed: %v", r.runID, err)
		if r.cancel != nil {
			r.cancel()
		}
		return
	}
	if !canceled(err) {
		log.Error.Printf("rasterslice: run %s: subsequent error: %v", r.runID, err)
	}
}

// canceled tells whether err reports the cancellation of the run.
func canceled(err error) bool {
	if goerrors.Is(err, context.Canceled) {
		return true
	}
	var e *errors.Error
	return goerrors.As(err, &e) && e.Kind == errors.Canceled
}

func (r *run) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// workerFailed is called when a worker handle fails. Connection
// failures are survivable while another worker remains to take over
// the lost block; all other failures are fatal.
func (r *run) workerFailed(h *WorkerHandle, err error) {
	r.sess.eventer.Event("rasterslice:workerFailed",
		"runID", r.runID,
		"worker", h.Name,
		"error", err.Error())
	if rasterslice.KindOf(err) == rasterslice.ErrConnection && !r.config.SingleBlock {
		if r.src != nil && r.src.Remaining() == 0 {
			log.Error.Printf("rasterslice: worker %s failed after completing its work: %v", h.Name, err)
			return
		}
		if n := r.alive(); n > 0 {
			log.Error.Printf("rasterslice: worker %s failed; %d workers remain: %v", h.Name, n, err)
			return
		}
	}
	r.fail(err)
}

func (r *run) alive() int {
	n := 0
	for _, h := range r.handles {
		if h.Alive() {
			n++
		}
	}
	return n
}

// starting tells whether any remote worker has yet to connect.
func (r *run) starting() bool {
	for _, h := range r.handles {
		if h.State() == HandleStarting {
			return true
		}
	}
	return false
}

func (r *run) result(elapsed time.Duration) *Result {
	res := &Result{Blocks: r.numBlocks, Elapsed: elapsed, Aux: r.aux}
	for _, h := range r.handles {
		if err := h.Err(); err != nil {
			res.Failed = append(res.Failed, h.Name)
			continue
		}
		if !h.Finished() {
			continue
		}
		r.timers.Merge(h.Timers())
		res.Aux = append(res.Aux, h.Aux())
	}
	res.Timers = r.timers.Snapshot()
	return res
}

// sequential runs the job in the calling goroutine: each block is
// read, computed and written in turn.
func (r *run) sequential(ctx context.Context) (err error) {
	rd := newBlockReader(r.driver, r.job.Inputs, len(r.job.Inputs), r.timers)
	defer rd.Close(ctx)
	w := newBlockWriter(r.driver, r.job.Outputs, r.grid, r.timers)
	defer func() {
		if cerr := w.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	comp := &computer{
		name:      "main",
		fn:        r.job.Func,
		grid:      r.grid,
		numBlocks: r.numBlocks,
		aux:       r.job.Aux,
		timers:    r.timers,
	}
	r.aux = []interface{}{r.job.Aux}
	enum := grid.NewEnumerator(r.grid, r.job.Blocks)
	for spec, ok := enum.Next(); ok; spec, ok = enum.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var in rasterslice.Blocks
		if len(r.job.Inputs) > 0 {
			bs, err := rd.Read(ctx, spec)
			if err != nil {
				return err
			}
			in = bs.Blocks
		}
		out, err := comp.compute(ctx, spec, in)
		if err != nil {
			return err
		}
		if err := w.Write(ctx, &rasterslice.BlockSet{Spec: spec, Blocks: out}); err != nil {
			return err
		}
	}
	return nil
}

func capacity(c, workers int) int {
	if c > 0 {
		return c
	}
	if workers < 1 {
		workers = 1
	}
	return 2 * workers
}

// pipeline runs the job with read workers, compute workers and a
// writer connected by bounded buffers.
func (r *run) pipeline(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()
	c := r.config
	n := r.numBlocks
	cur := newCursor(grid.NewEnumerator(r.grid, r.job.Blocks))

	workers := c.ComputeWorkers
	if c.SingleBlock {
		workers = n
	}
	names := make([]string, 0, workers)
	if c.Kind == KindNone {
		names = append(names, "main")
	}
	for i := 0; i < workers; i++ {
		names = append(names, fmt.Sprintf("worker-%d", i))
	}
	var group *status.Group
	if r.sess.status != nil {
		group = r.sess.status.Groupf("rasterslice run %s: %d blocks, %d %v workers", r.runID[:8], n, len(names), c.Kind)
	}
	for i, name := range names {
		h := newHandle(i, name)
		if group != nil {
			h.Status = group.Start(name)
		}
		h.onFail = r.workerFailed
		r.handles = append(r.handles, h)
	}

	var in *Buffer
	if !c.ComputeWorkersRead {
		in = NewBuffer("input", capacity(c.ReadBufferCap, c.ReadWorkers), n,
			orDefault(c.ReadBufferInsertTimeout, DefaultBufferTimeout),
			orDefault(c.ReadBufferPopTimeout, DefaultBufferTimeout))
		in.timers, in.pushTimer, in.popTimer = r.timers, stats.AddInBuffer, stats.PopInBuffer
		r.src = in
	} else {
		r.src = cur
	}
	out := NewBuffer("output", capacity(c.ComputeBufferCap, len(names)), n,
		orDefault(c.ComputeBufferInsertTimeout, DefaultBufferTimeout),
		orDefault(c.ComputeBufferPopTimeout, DefaultBufferTimeout))
	out.timers, out.pushTimer, out.popTimer = r.timers, stats.AddOutBuffer, stats.PopOutBuffer
	if c.Kind.Remote() {
		out.patience = r.starting
		if in != nil {
			in.patience = r.starting
		}
	}

	w := newBlockWriter(r.driver, r.job.Outputs, r.grid, r.timers)
	var (
		co       *coordinator
		l        launcher
		addrFile string
	)
	g, gctx := errgroup.WithContext(ctx)
	if in != nil {
		for i := 0; i < c.ReadWorkers; i++ {
			g.Go(func() error {
				rd := newBlockReader(r.driver, r.job.Inputs, len(r.job.Inputs), r.timers)
				defer rd.Close(ctx)
				err := readLoop(gctx, cur, rd, in)
				if err != nil {
					r.fail(err)
				}
				return err
			})
		}
	}
	if c.Kind.Remote() {
		var err error
		co, l, addrFile, err = r.startRemote(ctx, r.src, out)
		if err != nil {
			r.fail(err)
		}
	} else {
		for _, h := range r.handles {
			aux := r.job.Aux
			if c.Kind != KindNone {
				var err error
				if aux, err = rasterslice.CopyAux(r.job.Aux); err != nil {
					r.fail(rasterslice.WrapError(rasterslice.ErrConfig, err))
					break
				}
			}
			h, comp := h, &computer{
				name:      h.Name,
				fn:        r.job.Func,
				grid:      r.grid,
				numBlocks: n,
				aux:       aux,
				timers:    r.timers,
			}
			h.Set(HandleStarting)
			g.Go(func() error {
				err := runLocal(gctx, h, comp, in, out)
				if err != nil {
					h.Fail(err)
				}
				return err
			})
		}
	}
	g.Go(func() error {
		err := w.Drain(gctx, out)
		if err != nil {
			r.fail(err)
		}
		return err
	})
	if err := g.Wait(); err != nil && r.firstErr() == nil {
		r.fail(err)
	}
	if co != nil && r.firstErr() == nil {
		r.drainRemote(ctx, co)
	}

	// Teardown: stop producers, unblock waiters, release workers and
	// close outputs.
	cancel()
	if in != nil {
		in.Close(nil)
	}
	out.Close(nil)
	cur.Close(errors.E(errors.Canceled, "run finished"))
	if co != nil {
		co.Close()
	}
	for _, h := range r.handles {
		if h.release() {
			log.Debug.Printf("rasterslice: run %s: released worker %s before it connected", r.runID, h.Name)
		}
	}
	if l != nil {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := l.Stop(sctx); err != nil {
			log.Error.Printf("rasterslice: run %s: release %v workers: %v", r.runID, c.Kind, err)
		}
		scancel()
	}
	if addrFile != "" {
		if err := file.Remove(context.Background(), addrFile); err != nil {
			log.Debug.Printf("rasterslice: remove %s: %v", addrFile, err)
		}
	}
	for _, h := range r.handles {
		h.Terminate()
	}
	if err := w.Close(context.Background()); err != nil && r.firstErr() == nil {
		r.fail(err)
	}
	if group != nil {
		group.Printf("%d of %d blocks written", w.Written(), n)
	}
	return r.firstErr()
}

// startRemote starts the coordinator and launches the run's remote
// workers.
func (r *run) startRemote(ctx context.Context, src source, out *Buffer) (*coordinator, launcher, string, error) {
	c := r.config
	aux, err := rasterslice.EncodeAux(r.job.Aux)
	if err != nil {
		return nil, nil, "", rasterslice.WrapError(rasterslice.ErrConfig, err)
	}
	readParallelism := c.ReadWorkers
	if readParallelism < 1 {
		readParallelism = 1
	}
	setup := wire.Setup{
		Func:            r.job.Func.Name(),
		Driver:          r.driver.Name(),
		Inputs:          r.job.Inputs,
		Grid:            r.grid,
		NumBlocks:       r.numBlocks,
		SelfRead:        c.ComputeWorkersRead,
		ReadParallelism: readParallelism,
		Aux:             aux,
		Compress:        c.Compress,
	}
	co, err := newCoordinator(c, setup, src, out, r.handles)
	if err != nil {
		return nil, nil, "", err
	}
	go co.Serve(ctx)
	env := &launchEnv{Addr: co.Addr(), RunID: r.runID, Config: c}
	if c.SharedTemp {
		env.AddrFile = path.Join(c.TempDir, "rasterslice-"+r.runID+".addr")
		if err := wire.WriteAddressFile(ctx, env.AddrFile, co.Addr()); err != nil {
			return co, nil, "", rasterslice.WrapError(rasterslice.ErrWorkerStart, err)
		}
	}
	l, err := newLauncher(c)
	if err != nil {
		return co, nil, env.AddrFile, err
	}
	log.Printf("rasterslice: run %s: launching %d %v workers; coordinator at %s", r.runID, len(r.handles), c.Kind, co.Addr().HostPort)
	if err := l.Launch(ctx, env, r.handles); err != nil {
		return co, l, env.AddrFile, err
	}
	timeout := orDefault(c.ConnectTimeout, DefaultConnectTimeout)
	for _, h := range r.handles {
		go watchConnect(ctx, h, timeout)
	}
	return co, l, env.AddrFile, nil
}

// drainRemote completes the shutdown exchange with connected remote
// workers once all blocks are written. Workers that have not yet
// connected are no longer needed and are released by the launcher.
func (r *run) drainRemote(ctx context.Context, co *coordinator) {
	co.StopAccepting()
	for _, h := range r.handles {
		state := h.State()
		if state != HandleConnected && state != HandleRunning {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, drainTimeout)
		if _, err := h.WaitState(wctx, HandleDrained); err != nil && ctx.Err() == nil {
			h.Fail(connError(h, fmt.Errorf("worker did not shut down within %s", drainTimeout)))
		}
		cancel()
	}
}
