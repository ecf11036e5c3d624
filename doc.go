// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package rasterslice implements block-wise processing of large raster
grids. A computation is a user function applied independently to
every block of a working grid: rasterslice reads the input blocks,
invokes the function, and writes the returned output blocks at their
positions in the output rasters.

Reading, computing and writing are overlapped. Input blocks are
decoded by a pool of read workers into a bounded buffer, consumed by
a pool of compute workers which push their results into a second
bounded buffer, which in turn is drained by a single writer. Compute
workers may be goroutines in the calling process, subprocesses on the
same machine, cluster batch jobs (PBS or SLURM), or tasks on AWS ECS.
Workers outside the calling process talk to a coordinator over TCP.
When no concurrency is requested, blocks are processed one at a time
in a simple read, compute, write loop.

User functions are registered by name, so that every binary that may
act as a worker knows them:

	var Scale = rasterslice.RegisterFunc("scale", func(info *rasterslice.Info, in rasterslice.Blocks, aux interface{}) (rasterslice.Blocks, error) {
		b := in["image"]
		out := b.Like(b.Width, b.Height)
		for band := 0; band < b.Bands; band++ {
			for y := 0; y < b.Height; y++ {
				for x := 0; x < b.Width; x++ {
					out.Set(band, x, y, 2*b.At(band, x, y))
				}
			}
		}
		return rasterslice.Blocks{"scaled": out}, nil
	})

Computations are run by an exec.Session, see package exec.

Every compute worker receives a private copy of the run's auxiliary
state. Copies are never merged by rasterslice: a run returns the list
of per-worker copies and any reduction is left to the caller.
*/
package rasterslice
