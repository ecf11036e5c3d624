// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/raster"
)

// params is the auxiliary state of the demo functions. It carries
// the scale parameters to every worker and accumulates output
// statistics.
type params struct {
	Factor, Offset float64
	Sum            float64
	Count          int
}

func (p *params) add(b *raster.Block) {
	for band := 0; band < b.Bands; band++ {
		for y := 0; y < b.Height; y++ {
			for x := 0; x < b.Width; x++ {
				p.Sum += b.At(band, x, y)
				p.Count++
			}
		}
	}
}

func (p *params) merge(q *params) {
	p.Sum += q.Sum
	p.Count += q.Count
}

func input(in rasterslice.Blocks, name string) (*raster.Block, error) {
	b := in[name]
	if b == nil {
		return nil, fmt.Errorf("missing input %q", name)
	}
	return b, nil
}

var (
	scale = rasterslice.RegisterFunc("rasterapply.scale", func(info *rasterslice.Info, in rasterslice.Blocks, aux interface{}) (rasterslice.Blocks, error) {
		p := aux.(*params)
		src, err := input(in, "in")
		if err != nil {
			return nil, err
		}
		w := info.Window()
		out := raster.NewBlock(raster.Float32, src.Bands, w.Width, w.Height)
		o := info.Overlap()
		for band := 0; band < out.Bands; band++ {
			for y := 0; y < out.Height; y++ {
				for x := 0; x < out.Width; x++ {
					out.Set(band, x, y, src.At(band, x+o, y+o)*p.Factor+p.Offset)
				}
			}
		}
		p.add(out)
		return rasterslice.Blocks{"out": out}, nil
	})

	ndvi = rasterslice.RegisterFunc("rasterapply.ndvi", func(info *rasterslice.Info, in rasterslice.Blocks, aux interface{}) (rasterslice.Blocks, error) {
		red, err := input(in, "red")
		if err != nil {
			return nil, err
		}
		nir, err := input(in, "nir")
		if err != nil {
			return nil, err
		}
		w := info.Window()
		out := raster.NewBlock(raster.Float32, 1, w.Width, w.Height)
		o := info.Overlap()
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				r, n := red.At(0, x+o, y+o), nir.At(0, x+o, y+o)
				if r+n != 0 {
					out.Set(0, x, y, (n-r)/(n+r))
				}
			}
		}
		aux.(*params).add(out)
		return rasterslice.Blocks{"out": out}, nil
	})

	smooth = rasterslice.RegisterFunc("rasterapply.smooth", func(info *rasterslice.Info, in rasterslice.Blocks, aux interface{}) (rasterslice.Blocks, error) {
		src, err := input(in, "in")
		if err != nil {
			return nil, err
		}
		w, r := info.Window(), info.Overlap()
		out := raster.NewBlock(raster.Float32, src.Bands, w.Width, w.Height)
		n := float64((2*r + 1) * (2*r + 1))
		for band := 0; band < out.Bands; band++ {
			for y := 0; y < out.Height; y++ {
				for x := 0; x < out.Width; x++ {
					var sum float64
					for dy := 0; dy <= 2*r; dy++ {
						for dx := 0; dx <= 2*r; dx++ {
							sum += src.At(band, x+dx, y+dy)
						}
					}
					out.Set(band, x, y, sum/n)
				}
			}
		}
		aux.(*params).add(out)
		return rasterslice.Blocks{"out": out}, nil
	})
)
