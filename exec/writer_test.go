// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"math/rand"
	"testing"

	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
	"github.com/grailbio/rasterslice/raster/memraster"
	"github.com/grailbio/rasterslice/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outputBlockSets returns the block sets that a function copying its
// input would produce for testGrid, with the given overlap.
func outputBlockSets(overlap int) []*rasterslice.BlockSet {
	full := testBlock()
	c := testBlocks
	c.Overlap = overlap
	var sets []*rasterslice.BlockSet
	for _, spec := range grid.Specs(testGrid, c) {
		b, err := raster.Clip(raster.Meta{Grid: testGrid, Bands: 1, Type: raster.Float32}, spec.Read(), func(w grid.Window) (*raster.Block, error) {
			return full.Sub(w), nil
		})
		if err != nil {
			panic(err)
		}
		sets = append(sets, &rasterslice.BlockSet{Spec: spec, Blocks: rasterslice.Blocks{"out": b}})
	}
	return sets
}

func TestWriterOrder(t *testing.T) {
	ctx := context.Background()
	d, err := raster.Lookup(memraster.Name)
	require.NoError(t, err)
	for _, overlap := range []int{0, 1, 3} {
		path := t.Name() + "/out"
		w := newBlockWriter(d, map[string]string{"out": path}, testGrid, stats.NewTimers())
		sets := outputBlockSets(overlap)
		rand.Shuffle(len(sets), func(i, j int) { sets[i], sets[j] = sets[j], sets[i] })
		for _, bs := range sets {
			require.NoError(t, w.Write(ctx, bs))
		}
		// Duplicates are dropped.
		require.NoError(t, w.Write(ctx, sets[0]))
		require.NoError(t, w.Close(ctx))
		assert.Equal(t, len(sets), w.Written())

		out := memraster.Get(path)
		assert.True(t, out.Block().Equal(testBlock()), "overlap %d", overlap)
		for i, n := range out.WriteCounts() {
			assert.Equal(t, 1, n, "overlap %d: pixel %d", overlap, i)
		}
		memraster.Delete(path)
	}
}

func TestWriterErrors(t *testing.T) {
	ctx := context.Background()
	d, err := raster.Lookup(memraster.Name)
	require.NoError(t, err)
	path := t.Name() + "/out"
	defer memraster.Delete(path)
	spec := grid.Specs(testGrid, testBlocks)[0]
	for _, blocks := range []rasterslice.Blocks{
		{"other": raster.NewBlock(raster.Float32, 1, 4, 3)},
		{},
		{"out": raster.NewBlock(raster.Float32, 1, 5, 3)},
	} {
		w := newBlockWriter(d, map[string]string{"out": path}, testGrid, nil)
		err := w.Write(ctx, &rasterslice.BlockSet{Spec: spec, Blocks: blocks})
		assert.Equal(t, rasterslice.ErrWrite, rasterslice.KindOf(err), "%v", err)
		assert.Equal(t, 0, w.Written())
	}
}

func TestWriterDrain(t *testing.T) {
	ctx := context.Background()
	d, err := raster.Lookup(memraster.Name)
	require.NoError(t, err)
	path := t.Name() + "/out"
	defer memraster.Delete(path)
	sets := outputBlockSets(0)
	buf := NewBuffer("output", 2, len(sets), NoTimeout, NoTimeout)
	go func() {
		for i := len(sets) - 1; i >= 0; i-- {
			if err := buf.Push(ctx, sets[i]); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	w := newBlockWriter(d, map[string]string{"out": path}, testGrid, nil)
	require.NoError(t, w.Drain(ctx, buf))
	require.NoError(t, w.Close(ctx))
	assert.True(t, memraster.Get(path).Block().Equal(testBlock()))
}
