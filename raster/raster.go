// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package raster defines the narrow interface through which
// rasterslice reads and writes raster files. Decoding, encoding,
// reprojection and resampling all live behind a Driver; rasterslice
// itself only moves pixel windows between drivers and the user
// function.
//
// Drivers are registered by name so that worker processes, which
// receive only the driver name from their coordinator, can find
// them. Drivers must permit positional writes in any order.
package raster

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/rasterslice/grid"
)

// Meta describes a raster file.
type Meta struct {
	grid.Grid
	Bands int
	Type  DataType
}

// A Reader reads pixel windows from an open raster. Readers must be
// safe for concurrent use.
type Reader interface {
	// Meta returns the raster's metadata.
	Meta() Meta
	// ReadWindow returns the pixels of window w. Portions of the
	// window outside the raster's extent are returned as zero.
	ReadWindow(ctx context.Context, w grid.Window) (*Block, error)
	// Close releases the reader's resources.
	Close(ctx context.Context) error
}

// A Writer writes pixel windows to a raster. Writes may arrive in
// any order and must be independent of one another.
type Writer interface {
	// WriteWindow writes block b with its top-left pixel at (x, y).
	WriteWindow(ctx context.Context, x, y int, b *Block) error
	// Close flushes and releases the writer.
	Close(ctx context.Context) error
}

// A Driver opens and creates raster files of a particular format.
type Driver interface {
	Name() string
	Open(ctx context.Context, path string) (Reader, error)
	Create(ctx context.Context, path string, meta Meta) (Writer, error)
}

var (
	mu      sync.Mutex
	drivers = map[string]Driver{}
)

// Register registers a driver under its name. Register panics if a
// driver with the same name is already registered.
func Register(d Driver) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := drivers[d.Name()]; ok {
		log.Panicf("raster: driver %s already registered", d.Name())
	}
	drivers[d.Name()] = d
}

// Lookup returns the driver registered with the provided name.
func Lookup(name string) (Driver, error) {
	mu.Lock()
	defer mu.Unlock()
	d, ok := drivers[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("raster driver %q is not registered", name))
	}
	return d, nil
}

// Drivers returns the names of all registered drivers.
func Drivers() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clip is a helper for driver implementations. It reads the part of
// window w that lies inside extent using read, and places it in a
// zero block of w's full size.
func Clip(meta Meta, w grid.Window, read func(grid.Window) (*Block, error)) (*Block, error) {
	in := w.Intersect(meta.Extent())
	if in == w {
		return read(w)
	}
	b := NewBlock(meta.Type, meta.Bands, w.Width, w.Height)
	if in.Empty() {
		return b, nil
	}
	part, err := read(in)
	if err != nil {
		return nil, err
	}
	Paste(b, part, in.X-w.X, in.Y-w.Y)
	return b, nil
}
