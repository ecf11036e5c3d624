// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named duration accumulators. Each worker of
// a rasterslice pipeline keeps its own Timers; these are merged by
// summation when the run completes and reported as stage totals.
package stats

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Names of the standard pipeline timers, in report order.
const (
	Reading      = "reading"
	UserFunction = "userfunction"
	Writing      = "writing"
	Closing      = "closing"
	AddInBuffer  = "add_inbuffer"
	PopInBuffer  = "pop_inbuffer"
	AddOutBuffer = "add_outbuffer"
	PopOutBuffer = "pop_outbuffer"
)

var reportOrder = []string{
	Reading, UserFunction, Writing, Closing,
	AddInBuffer, PopInBuffer, AddOutBuffer, PopOutBuffer,
}

// Values is a snapshot of a set of timers.
type Values map[string]time.Duration

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values)
	for k, v := range v {
		w[k] = v
	}
	return w
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%.1fs", key, v[key].Seconds())
	}
	return fmt.Sprint(keys)
}

// Timers is a set of duration accumulators keyed by name. Timers
// are safe for concurrent use. The zero value is ready to use.
type Timers struct {
	mu     sync.Mutex
	values Values
}

// NewTimers returns a fresh set of timers.
func NewTimers() *Timers {
	return new(Timers)
}

// Add adds d to the named timer.
func (t *Timers) Add(name string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.values == nil {
		t.values = make(Values)
	}
	t.values[name] += d
	t.mu.Unlock()
}

// Start starts an interval for the named timer. The returned
// func stops the interval and adds its duration to the timer.
//
//	defer timers.Start(stats.Reading)()
func (t *Timers) Start(name string) (stop func()) {
	start := time.Now()
	return func() {
		t.Add(name, time.Since(start))
	}
}

// Time runs fn, accumulating its running time in the named timer.
func (t *Timers) Time(name string, fn func() error) error {
	defer t.Start(name)()
	return fn()
}

// Get returns the accumulated duration of the named timer.
func (t *Timers) Get(name string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values[name]
}

// Snapshot returns a copy of the current timer values.
func (t *Timers) Snapshot() Values {
	if t == nil {
		return Values{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values.Copy()
}

// Merge adds all of the values v into t.
func (t *Timers) Merge(v Values) {
	t.mu.Lock()
	if t.values == nil {
		t.values = make(Values)
	}
	for k, d := range v {
		t.values[k] += d
	}
	t.mu.Unlock()
}

// Report formats the timers as a table of total seconds per timer,
// preceded by the provided wall clock elapsed time. Standard
// pipeline timers are listed first, in pipeline order, and are
// always present; any other timers follow in name order.
func (t *Timers) Report(elapsed time.Duration) string {
	values := t.Snapshot()
	var b bytes.Buffer
	fmt.Fprintf(&b, "Wall clock elapsed time: %.1f seconds\n\n", elapsed.Seconds())
	fmt.Fprintf(&b, "%-20s%11s\n", "Timer", "Total (sec)")
	fmt.Fprintln(&b, "-------------------------------")
	seen := make(map[string]bool)
	for _, name := range reportOrder {
		fmt.Fprintf(&b, "%-20s%11.1f\n", name, values[name].Seconds())
		seen[name] = true
	}
	var rest []string
	for name := range values {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		fmt.Fprintf(&b, "%-20s%11.1f\n", name, values[name].Seconds())
	}
	return b.String()
}
