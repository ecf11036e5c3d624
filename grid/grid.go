// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package grid describes the working pixel grid of a raster
// computation and divides it into blocks. Blocks are the unit of
// work in rasterslice: every block is read, computed and written
// independently, and its position in the output is fully determined
// by its Spec.
package grid

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// DefaultBlockSize is the default width and height of a block,
// in pixels.
const DefaultBlockSize = 256

// A Window is a rectangular pixel region. X and Y give the
// column and row of its top-left pixel; the window may extend past
// the edges of a grid (for example when overlap is applied to an
// edge block).
type Window struct {
	X, Y          int
	Width, Height int
}

// Empty tells whether the window contains no pixels.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Contains tells whether pixel (x, y) lies inside the window.
func (w Window) Contains(x, y int) bool {
	return x >= w.X && x < w.X+w.Width && y >= w.Y && y < w.Y+w.Height
}

// Intersect returns the intersection of w and v. The returned
// window is Empty if they do not overlap.
func (w Window) Intersect(v Window) Window {
	x0, y0 := max(w.X, v.X), max(w.Y, v.Y)
	x1, y1 := min(w.X+w.Width, v.X+v.Width), min(w.Y+w.Height, v.Y+v.Height)
	if x1 <= x0 || y1 <= y0 {
		return Window{X: x0, Y: y0}
	}
	return Window{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Grow returns w grown by n pixels on every side.
func (w Window) Grow(n int) Window {
	return Window{X: w.X - n, Y: w.Y - n, Width: w.Width + 2*n, Height: w.Height + 2*n}
}

func (w Window) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", w.X, w.Y, w.Width, w.Height)
}

// Grid is the common pixel grid to which all inputs and outputs of
// a computation are aligned.
type Grid struct {
	Width, Height int
	// Projection is an opaque coordinate reference system
	// description, carried for the user function and for output
	// creation.
	Projection string
	// GeoTransform maps pixel coordinates to map coordinates:
	//
	//	mapX = GeoTransform[0] + px*GeoTransform[1] + py*GeoTransform[2]
	//	mapY = GeoTransform[3] + px*GeoTransform[4] + py*GeoTransform[5]
	GeoTransform [6]float64
}

// Extent returns the window covering the whole grid.
func (g Grid) Extent() Window {
	return Window{Width: g.Width, Height: g.Height}
}

// PixelToMap converts a pixel coordinate to a map coordinate.
func (g Grid) PixelToMap(px, py float64) (x, y float64) {
	t := g.GeoTransform
	return t[0] + px*t[1] + py*t[2], t[3] + px*t[4] + py*t[5]
}

// SameShape tells whether two grids have identical pixel dimensions.
func (g Grid) SameShape(h Grid) bool {
	return g.Width == h.Width && g.Height == h.Height
}

// Config determines how a grid is divided into blocks.
type Config struct {
	// BlockWidth and BlockHeight are the core block dimensions.
	// Zero values select DefaultBlockSize.
	BlockWidth, BlockHeight int
	// Overlap is the symmetric margin, in pixels, read around each
	// block's core window.
	Overlap int
}

// withDefaults returns c with zero block sizes replaced by the default.
func (c Config) withDefaults() Config {
	if c.BlockWidth == 0 {
		c.BlockWidth = DefaultBlockSize
	}
	if c.BlockHeight == 0 {
		c.BlockHeight = DefaultBlockSize
	}
	return c
}

// Validate returns an error if the configuration cannot be used to
// divide a grid.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.BlockWidth < 0 || c.BlockHeight < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("block size %dx%d is negative", c.BlockWidth, c.BlockHeight))
	case c.Overlap < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("overlap %d is negative", c.Overlap))
	}
	return nil
}

// A Spec describes one block: its position in the block layout, its
// core window and the overlap read around it. Specs are immutable.
type Spec struct {
	// Row and Col give the block's position in the block layout.
	Row, Col int
	// Index is the block's position in row-major enumeration order.
	Index int
	// Window is the block's core window. It always lies inside the grid.
	Window Window
	// Overlap is the margin read around the core window.
	Overlap int
}

// Read returns the window that is read for this block: the core
// window grown by the overlap margin. It may extend past the grid.
func (s Spec) Read() Window {
	return s.Window.Grow(s.Overlap)
}

func (s Spec) String() string {
	return fmt.Sprintf("block %d [%d,%d] %s", s.Index, s.Row, s.Col, s.Window)
}
