// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io"

	"github.com/grailbio/base/log"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
	"github.com/grailbio/rasterslice/stats"
)

// A blockWriter writes output block sets to their output rasters.
// Each block is written at the position given by its spec, so block
// sets may arrive in any order. Output rasters are created when the
// first block for them arrives, taking their band count and type
// from that block. A blockWriter is used by a single goroutine.
type blockWriter struct {
	driver  raster.Driver
	outputs map[string]string
	grid    grid.Grid
	timers  *stats.Timers

	writers map[string]raster.Writer
	written map[int]bool
}

func newBlockWriter(driver raster.Driver, outputs map[string]string, g grid.Grid, timers *stats.Timers) *blockWriter {
	return &blockWriter{
		driver:  driver,
		outputs: outputs,
		grid:    g,
		timers:  timers,
		writers: make(map[string]raster.Writer),
		written: make(map[int]bool),
	}
}

// Written returns the number of distinct blocks written.
func (w *blockWriter) Written() int {
	return len(w.written)
}

// Write writes the core window of every block in bs. Block sets for
// blocks that were already written are dropped.
func (w *blockWriter) Write(ctx context.Context, bs *rasterslice.BlockSet) error {
	defer w.timers.Start(stats.Writing)()
	spec := bs.Spec
	if w.written[spec.Index] {
		log.Error.Printf("dropping duplicate output for %s", spec)
		return nil
	}
	fail := func(format string, args ...interface{}) error {
		return rasterslice.Errorf(rasterslice.ErrWrite, format, args...).WithBlock(spec)
	}
	for name := range bs.Blocks {
		if _, ok := w.outputs[name]; !ok {
			return fail("no output file for %q", name)
		}
	}
	for name, path := range w.outputs {
		b := bs.Blocks[name]
		if b == nil {
			return fail("missing output block %q", name)
		}
		core, err := trim(spec, b)
		if err != nil {
			return fail("output %q: %v", name, err)
		}
		wr := w.writers[name]
		if wr == nil {
			meta := raster.Meta{Grid: w.grid, Bands: b.Bands, Type: b.Type}
			wr, err = w.driver.Create(ctx, path, meta)
			if err != nil {
				return fail("create %s: %v", path, err)
			}
			w.writers[name] = wr
		}
		if err := wr.WriteWindow(ctx, spec.Window.X, spec.Window.Y, core); err != nil {
			return (&rasterslice.Error{Kind: rasterslice.ErrWrite, Err: err}).WithBlock(spec)
		}
	}
	w.written[spec.Index] = true
	return nil
}

// trim returns the core window of an output block. Output blocks may
// have the dimensions of the block's read window, in which case the
// overlap is trimmed, or of its core window.
func trim(spec grid.Spec, b *raster.Block) (*raster.Block, error) {
	core, read := spec.Window, spec.Read()
	switch {
	case b.Width == core.Width && b.Height == core.Height:
		return b, nil
	case b.Width == read.Width && b.Height == read.Height:
		return b.Sub(grid.Window{X: spec.Overlap, Y: spec.Overlap, Width: core.Width, Height: core.Height}), nil
	}
	return nil, rasterslice.Errorf(rasterslice.ErrWrite, "block is %dx%d; want %dx%d or %dx%d",
		b.Width, b.Height, read.Width, read.Height, core.Width, core.Height)
}

// Drain writes block sets popped from buf until all expected block
// sets have been written, or an error occurs.
func (w *blockWriter) Drain(ctx context.Context, buf *Buffer) error {
	for {
		bs, err := buf.Pop(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Write(ctx, bs); err != nil {
			return err
		}
		buf.Done()
	}
}

// Close closes all output rasters.
func (w *blockWriter) Close(ctx context.Context) error {
	defer w.timers.Start(stats.Closing)()
	var first error
	for name, wr := range w.writers {
		if err := wr.Close(ctx); err != nil && first == nil {
			first = (&rasterslice.Error{Kind: rasterslice.ErrWrite, Err: err})
		}
		delete(w.writers, name)
	}
	return first
}
