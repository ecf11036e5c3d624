// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sort"
	"sync"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
	"github.com/grailbio/rasterslice/stats"
)

// A blockReader decodes the input blocks of a run. Each input file is
// opened once, on first use, and shared by all callers. The inputs of
// a block are decoded concurrently, with at most a fixed number of
// decodes in flight across all callers.
type blockReader struct {
	driver raster.Driver
	inputs map[string]string
	names  []string
	limit  *limiter.Limiter
	timers *stats.Timers

	opens   once.Map
	mu      sync.Mutex
	readers map[string]raster.Reader
}

func newBlockReader(driver raster.Driver, inputs map[string]string, parallelism int, timers *stats.Timers) *blockReader {
	if parallelism < 1 {
		parallelism = 1
	}
	r := &blockReader{
		driver:  driver,
		inputs:  inputs,
		limit:   limiter.New(),
		timers:  timers,
		readers: make(map[string]raster.Reader),
	}
	r.limit.Release(parallelism)
	for name := range inputs {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// reader returns the open reader for the named input.
func (r *blockReader) reader(ctx context.Context, name string) (raster.Reader, error) {
	err := r.opens.Do(name, func() error {
		rd, err := r.driver.Open(ctx, r.inputs[name])
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.readers[name] = rd
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readers[name], nil
}

// Meta returns the metadata of each input, keyed by logical name.
func (r *blockReader) Meta(ctx context.Context) (map[string]raster.Meta, error) {
	metas := make(map[string]raster.Meta)
	for _, name := range r.names {
		rd, err := r.reader(ctx, name)
		if err != nil {
			return nil, rasterslice.WrapError(rasterslice.ErrDecode, err)
		}
		metas[name] = rd.Meta()
	}
	return metas, nil
}

// Read decodes the read window of spec from every input.
func (r *blockReader) Read(ctx context.Context, spec grid.Spec) (*rasterslice.BlockSet, error) {
	defer r.timers.Start(stats.Reading)()
	blocks := make([]*raster.Block, len(r.names))
	err := traverse.Each(len(r.names), func(i int) error {
		if err := r.limit.Acquire(ctx, 1); err != nil {
			return err
		}
		defer r.limit.Release(1)
		rd, err := r.reader(ctx, r.names[i])
		if err != nil {
			return err
		}
		blocks[i], err = rd.ReadWindow(ctx, spec.Read())
		return err
	})
	if err != nil {
		return nil, (&rasterslice.Error{Kind: rasterslice.ErrDecode, Err: err}).WithBlock(spec)
	}
	bs := &rasterslice.BlockSet{Spec: spec, Blocks: make(rasterslice.Blocks, len(r.names))}
	for i, name := range r.names {
		bs.Blocks[name] = blocks[i]
	}
	return bs, nil
}

// Close closes all opened inputs.
func (r *blockReader) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, rd := range r.readers {
		if err := rd.Close(ctx); err != nil && first == nil {
			first = err
		}
		delete(r.readers, name)
	}
	return first
}
