// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memraster implements an in-process raster driver, named
// "mem". Rasters live in a process-wide table keyed by path. The
// driver records how many times each pixel has been written, which
// makes it useful for testing write semantics.
package memraster

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
)

// Name is the name under which the driver is registered.
const Name = "mem"

func init() {
	raster.Register(driver{})
}

var (
	mu      sync.Mutex
	rasters = map[string]*Raster{}
)

// A Raster is an in-memory raster file.
type Raster struct {
	mu     sync.Mutex
	meta   raster.Meta
	pix    *raster.Block
	writes []int
}

// Put stores block b as the raster at path, replacing any existing
// raster there.
func Put(path string, g grid.Grid, b *raster.Block) *Raster {
	if b.Width != g.Width || b.Height != g.Height {
		panic(fmt.Sprintf("memraster.Put: block %v does not match grid %dx%d", b, g.Width, g.Height))
	}
	r := &Raster{
		meta:   raster.Meta{Grid: g, Bands: b.Bands, Type: b.Type},
		pix:    b,
		writes: make([]int, g.Width*g.Height),
	}
	mu.Lock()
	rasters[path] = r
	mu.Unlock()
	return r
}

// Get returns the raster stored at path, or nil.
func Get(path string) *Raster {
	mu.Lock()
	defer mu.Unlock()
	return rasters[path]
}

// Delete removes the raster at path.
func Delete(path string) {
	mu.Lock()
	delete(rasters, path)
	mu.Unlock()
}

// Meta returns the raster's metadata.
func (r *Raster) Meta() raster.Meta {
	return r.meta
}

// Block returns a copy of the raster's pixels.
func (r *Raster) Block() *raster.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pix.Sub(r.meta.Extent())
}

// Writes returns the number of times pixel (x, y) has been written.
func (r *Raster) Writes(x, y int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[y*r.meta.Width+x]
}

// WriteCounts returns the per-pixel write counts in row-major order.
func (r *Raster) WriteCounts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.writes...)
}

type driver struct{}

func (driver) Name() string { return Name }

func (driver) Open(ctx context.Context, path string) (raster.Reader, error) {
	r := Get(path)
	if r == nil {
		return nil, errors.E(errors.NotExist, "memraster", path)
	}
	return reader{r}, nil
}

func (driver) Create(ctx context.Context, path string, meta raster.Meta) (raster.Writer, error) {
	b := raster.NewBlock(meta.Type, meta.Bands, meta.Width, meta.Height)
	r := Put(path, meta.Grid, b)
	return writer{r}, nil
}

type reader struct{ *Raster }

func (r reader) ReadWindow(ctx context.Context, w grid.Window) (*raster.Block, error) {
	return raster.Clip(r.meta, w, func(w grid.Window) (*raster.Block, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pix.Sub(w), nil
	})
}

func (reader) Close(ctx context.Context) error { return nil }

type writer struct{ *Raster }

func (w writer) WriteWindow(ctx context.Context, x, y int, b *raster.Block) error {
	if b.Type != w.meta.Type || b.Bands != w.meta.Bands {
		return errors.E(errors.Invalid, fmt.Sprintf("memraster: block %v incompatible with %d bands of %v", b, w.meta.Bands, w.meta.Type))
	}
	win := grid.Window{X: x, Y: y, Width: b.Width, Height: b.Height}
	if win.Intersect(w.meta.Extent()) != win {
		return errors.E(errors.Invalid, fmt.Sprintf("memraster: window %v outside raster", win))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	raster.Paste(w.pix, b, x, y)
	for row := y; row < y+b.Height; row++ {
		for col := x; col < x+b.Width; col++ {
			w.writes[row*w.meta.Width+col]++
		}
	}
	return nil
}

func (writer) Close(ctx context.Context) error { return nil }
