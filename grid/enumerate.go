// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grid

// An Enumerator produces the block specs covering a grid in row-major
// block order: block rows top to bottom, and columns left to right
// within a row. Edge blocks are clipped to the grid extent.
//
// An Enumerator is lazy and cannot be restarted; a new one must be
// created for every run. It is not safe for concurrent use.
type Enumerator struct {
	grid       Grid
	config     Config
	rows, cols int
	next       int
}

// NewEnumerator returns an enumerator over the blocks of grid g
// divided according to config c. The config must be valid.
func NewEnumerator(g Grid, c Config) *Enumerator {
	c = c.withDefaults()
	return &Enumerator{
		grid:   g,
		config: c,
		rows:   ceilDiv(g.Height, c.BlockHeight),
		cols:   ceilDiv(g.Width, c.BlockWidth),
	}
}

// Len returns the total number of blocks produced by the enumerator,
// including those already returned.
func (e *Enumerator) Len() int {
	return e.rows * e.cols
}

// Layout returns the number of block rows and columns.
func (e *Enumerator) Layout() (rows, cols int) {
	return e.rows, e.cols
}

// Next returns the next block spec. Next returns false once all
// blocks have been produced.
func (e *Enumerator) Next() (Spec, bool) {
	if e.next >= e.Len() {
		return Spec{}, false
	}
	i := e.next
	e.next++
	row, col := i/e.cols, i%e.cols
	w := Window{
		X:      col * e.config.BlockWidth,
		Y:      row * e.config.BlockHeight,
		Width:  e.config.BlockWidth,
		Height: e.config.BlockHeight,
	}
	w = w.Intersect(e.grid.Extent())
	return Spec{Row: row, Col: col, Index: i, Window: w, Overlap: e.config.Overlap}, true
}

// Specs returns all of the block specs of grid g in enumeration order.
func Specs(g Grid, c Config) []Spec {
	e := NewEnumerator(g, c)
	specs := make([]Spec, 0, e.Len())
	for {
		s, ok := e.Next()
		if !ok {
			return specs
		}
		specs = append(specs, s)
	}
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
