// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/stats"
)

// A source hands out units of work to compute workers. Every unit
// obtained from Pop must be either acknowledged with Done or handed
// back with Return.
type source interface {
	// Pop returns the next unit of work, blocking until one is
	// available. Pop returns io.EOF once every unit has been
	// acknowledged.
	Pop(ctx context.Context) (*rasterslice.BlockSet, error)
	// Done acknowledges the completion of a popped unit.
	Done()
	// Return hands back a popped unit that could not be completed,
	// so that another worker may pick it up.
	Return(ctx context.Context, bs *rasterslice.BlockSet) error
	// Remaining returns the number of units not yet acknowledged.
	Remaining() int
}

// A Buffer is a bounded, blocking, multi-producer multi-consumer
// queue of block sets. Its occupancy never exceeds its capacity:
// Push blocks while the buffer is full and Pop blocks while it is
// empty.
//
// A Buffer knows the total number of block sets that will pass
// through it, so consumers detect the end of the stream without
// sentinels: Pop returns io.EOF only after every expected block set
// has been popped and acknowledged. Consumers that return a block set
// (see Return) therefore never strand it.
type Buffer struct {
	name     string
	capacity int
	expected int

	pushTimeout, popTimeout time.Duration
	// patience, if set, is consulted when a wait times out; the wait
	// continues if it returns true.
	patience func() bool

	timers            *stats.Timers
	pushTimer, popTimer string

	mu          sync.Mutex
	cond        *ctxsync.Cond
	items       []*rasterslice.BlockSet
	outstanding int
	done        int
	maxLen      int
	err         error
}

// NewBuffer returns a buffer of the provided capacity through which
// expected block sets will pass. Push and Pop wait at most the
// provided timeouts for a single block set; NoTimeout disables them.
func NewBuffer(name string, capacity, expected int, pushTimeout, popTimeout time.Duration) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("exec.NewBuffer: invalid capacity %d", capacity))
	}
	b := &Buffer{
		name:        name,
		capacity:    capacity,
		expected:    expected,
		pushTimeout: pushTimeout,
		popTimeout:  popTimeout,
	}
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int { return b.capacity }

// Len returns the number of block sets currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// MaxLen returns the largest number of block sets ever queued.
func (b *Buffer) MaxLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLen
}

// wait waits on the buffer's condition, which must be held, with
// the given timeout measured from *start. It returns a timeout error
// when the wait expires, unless the buffer's patience grants an
// extension, in which case *start is reset.
func (b *Buffer) wait(ctx context.Context, op string, start *time.Time, timeout time.Duration) error {
	if timeout == NoTimeout {
		return b.cond.Wait(ctx)
	}
	wctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	err := b.cond.Wait(wctx)
	cancel()
	if err == nil || ctx.Err() != nil {
		return err
	}
	if b.patience != nil && b.patience() {
		*start = time.Now()
		return nil
	}
	return errors.E(errors.Timeout, fmt.Sprintf("%s buffer: %s timed out after %s", b.name, op, timeout))
}

// Push adds a block set to the buffer, blocking while the buffer is
// full.
func (b *Buffer) Push(ctx context.Context, bs *rasterslice.BlockSet) error {
	if b.timers != nil {
		defer b.timers.Start(b.pushTimer)()
	}
	return b.add(ctx, "push", bs, false)
}

// Return puts back a block set that was popped but not completed.
// It is queued ahead of other block sets.
func (b *Buffer) Return(ctx context.Context, bs *rasterslice.BlockSet) error {
	return b.add(ctx, "return", bs, true)
}

func (b *Buffer) add(ctx context.Context, op string, bs *rasterslice.BlockSet, front bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.err == nil && len(b.items) >= b.capacity {
		timeout := b.pushTimeout
		if front {
			// A returned block set must not be lost to a timeout.
			timeout = NoTimeout
		}
		if err := b.wait(ctx, op, &start, timeout); err != nil {
			return err
		}
	}
	if b.err != nil {
		return b.err
	}
	if front {
		b.outstanding--
		b.items = append([]*rasterslice.BlockSet{bs}, b.items...)
	} else {
		b.items = append(b.items, bs)
	}
	if len(b.items) > b.maxLen {
		b.maxLen = len(b.items)
	}
	b.cond.Broadcast()
	return nil
}

// Pop removes a block set from the buffer, blocking while the buffer
// is empty. Pop returns io.EOF once all expected block sets have been
// acknowledged with Done.
func (b *Buffer) Pop(ctx context.Context) (*rasterslice.BlockSet, error) {
	if b.timers != nil {
		defer b.timers.Start(b.popTimer)()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.err == nil && len(b.items) == 0 {
		if b.done >= b.expected {
			return nil, io.EOF
		}
		if err := b.wait(ctx, "pop", &start, b.popTimeout); err != nil {
			return nil, err
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	bs := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	b.outstanding++
	b.cond.Broadcast()
	return bs, nil
}

// Done acknowledges the completion of a popped block set.
func (b *Buffer) Done() {
	b.mu.Lock()
	b.outstanding--
	b.done++
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Remaining returns the number of expected block sets that have not
// yet been acknowledged.
func (b *Buffer) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected - b.done
}

// Close fails all current and future operations on the buffer with
// the provided error, unblocking waiters. Close with a nil error
// uses a generic one. Only the first call has an effect.
func (b *Buffer) Close(err error) {
	if err == nil {
		err = errors.E(errors.Canceled, fmt.Sprintf("%s buffer closed", b.name))
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
		b.items = nil
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}
