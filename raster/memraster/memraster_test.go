// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memraster

import (
	"context"
	"testing"

	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCounts(t *testing.T) {
	ctx := context.Background()
	d, err := raster.Lookup(Name)
	require.NoError(t, err)
	meta := raster.Meta{Grid: grid.Grid{Width: 3, Height: 2}, Bands: 1, Type: raster.Float32}
	w, err := d.Create(ctx, "counts", meta)
	require.NoError(t, err)
	defer Delete("counts")

	b := raster.NewBlock(raster.Float32, 1, 2, 2)
	b.Set(0, 1, 1, 2.5)
	require.NoError(t, w.WriteWindow(ctx, 1, 0, b))
	require.NoError(t, w.WriteWindow(ctx, 2, 0, raster.NewBlock(raster.Float32, 1, 1, 1)))

	r := Get("counts")
	assert.Equal(t, []int{0, 1, 2, 0, 1, 1}, r.WriteCounts())
	assert.Equal(t, 2.5, r.Block().At(0, 2, 1))

	assert.Error(t, w.WriteWindow(ctx, 0, 0, raster.NewBlock(raster.Uint8, 1, 1, 1)))
}

func TestOpenMissing(t *testing.T) {
	_, err := driver{}.Open(context.Background(), "missing")
	assert.Error(t, err)
}
