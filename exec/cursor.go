// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
)

// A cursor hands out the block specs of an enumerator, one at a
// time, to concurrent claimants. It implements source: block sets
// returned by Pop carry only a spec. Returned specs are handed out
// again before new ones.
type cursor struct {
	mu          sync.Mutex
	cond        *ctxsync.Cond
	enum        *grid.Enumerator
	total       int
	returned    []grid.Spec
	outstanding int
	done        int
	err         error
}

func newCursor(enum *grid.Enumerator) *cursor {
	c := &cursor{enum: enum, total: enum.Len()}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// Pop claims the next block spec. Pop blocks while all remaining
// specs are claimed but not yet completed, since they may be
// returned.
func (c *cursor) Pop(ctx context.Context) (*rasterslice.BlockSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.err != nil {
			return nil, c.err
		}
		if n := len(c.returned); n > 0 {
			spec := c.returned[n-1]
			c.returned = c.returned[:n-1]
			c.outstanding++
			return &rasterslice.BlockSet{Spec: spec}, nil
		}
		if spec, ok := c.enum.Next(); ok {
			c.outstanding++
			return &rasterslice.BlockSet{Spec: spec}, nil
		}
		if c.done >= c.total {
			return nil, io.EOF
		}
		if err := c.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *cursor) Done() {
	c.mu.Lock()
	c.outstanding--
	c.done++
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *cursor) Return(ctx context.Context, bs *rasterslice.BlockSet) error {
	c.mu.Lock()
	c.outstanding--
	c.returned = append(c.returned, bs.Spec)
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *cursor) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total - c.done
}

// Close fails current and future claims with err.
func (c *cursor) Close(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}
