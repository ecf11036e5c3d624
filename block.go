// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rasterslice

import (
	"sort"

	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
)

// Blocks maps logical file names to block data.
type Blocks map[string]*raster.Block

// Names returns the logical names in b, sorted.
func (b Blocks) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// A BlockSet is a set of blocks tagged with the spec of the block
// they belong to. Input block sets hold decoded input data, including
// overlap; output block sets hold the user function's results.
// A block set is owned by exactly one pipeline stage at a time.
type BlockSet struct {
	Spec   grid.Spec
	Blocks Blocks
}

// Info is the read-only metadata passed to a user function with
// every block.
type Info struct {
	// Spec describes the block being computed.
	Spec grid.Spec
	// Grid is the working grid of the run.
	Grid grid.Grid
	// NumBlocks is the total number of blocks in the run.
	NumBlocks int
	// Worker names the worker computing the block.
	Worker string
}

// Window returns the block's core window.
func (i *Info) Window() grid.Window { return i.Spec.Window }

// ReadWindow returns the window covered by the input blocks,
// including overlap.
func (i *Info) ReadWindow() grid.Window { return i.Spec.Read() }

// Overlap returns the overlap margin of the input blocks.
func (i *Info) Overlap() int { return i.Spec.Overlap }

// Projection returns the working grid's projection.
func (i *Info) Projection() string { return i.Grid.Projection }

// GeoTransform returns the geotransform of the input blocks: the
// working grid's transform shifted to the top-left pixel of the
// read window.
func (i *Info) GeoTransform() [6]float64 {
	t := i.Grid.GeoTransform
	w := i.ReadWindow()
	t[0], t[3] = i.Grid.PixelToMap(float64(w.X), float64(w.Y))
	return t
}

// PixelToMap converts pixel (px, py), relative to the input
// blocks, to map coordinates. Pixel centers are at half offsets.
func (i *Info) PixelToMap(px, py float64) (x, y float64) {
	w := i.ReadWindow()
	return i.Grid.PixelToMap(float64(w.X)+px, float64(w.Y)+py)
}

// PercentComplete returns the approximate progress of the run
// at the start of this block.
func (i *Info) PercentComplete() float64 {
	if i.NumBlocks == 0 {
		return 100
	}
	return 100 * float64(i.Spec.Index) / float64(i.NumBlocks)
}
