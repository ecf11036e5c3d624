// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io"

	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/stats"
)

// A computer applies the user function to blocks on behalf of one
// worker, with that worker's private auxiliary state.
type computer struct {
	name      string
	fn        *rasterslice.Func
	grid      grid.Grid
	numBlocks int
	aux       interface{}
	timers    *stats.Timers
	// reader, if set, decodes the inputs of each block; the block
	// sets given to compute then carry only a spec.
	reader *blockReader
}

// compute computes the output blocks of a block given its input
// blocks.
func (w *computer) compute(ctx context.Context, spec grid.Spec, in rasterslice.Blocks) (rasterslice.Blocks, error) {
	if w.reader != nil {
		bs, err := w.reader.Read(ctx, spec)
		if err != nil {
			return nil, err
		}
		in = bs.Blocks
	}
	info := &rasterslice.Info{
		Spec:      spec,
		Grid:      w.grid,
		NumBlocks: w.numBlocks,
		Worker:    w.name,
	}
	var out rasterslice.Blocks
	err := w.timers.Time(stats.UserFunction, func() (err error) {
		out, err = w.fn.Invoke(info, in, w.aux)
		return
	})
	if err != nil {
		return nil, rasterslice.WrapError(rasterslice.ErrCompute, err)
	}
	return out, nil
}

// runLocal runs a local (thread) compute worker: it computes block
// sets popped from in and pushes the results to out until in is
// exhausted. The handle drains with the worker's auxiliary state.
func runLocal(ctx context.Context, h *WorkerHandle, w *computer, in, out *Buffer) error {
	h.Set(HandleRunning)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bs, err := in.Pop(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		blocks, err := w.compute(ctx, bs.Spec, bs.Blocks)
		if err != nil {
			if e, ok := err.(*rasterslice.Error); ok {
				err = e.WithWorker(h.Name)
			}
			return err
		}
		if err := out.Push(ctx, &rasterslice.BlockSet{Spec: bs.Spec, Blocks: blocks}); err != nil {
			return err
		}
		in.Done()
		n++
		h.Status.Printf("%s: %d blocks", HandleRunning, n)
	}
	h.finish(w.aux, nil)
	return nil
}
