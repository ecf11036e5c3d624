// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"strings"
	"testing"
	"time"
)

func TestTimers(t *testing.T) {
	timers := NewTimers()
	timers.Add(Reading, time.Second)
	timers.Add(Reading, 2*time.Second)
	if got, want := timers.Get(Reading), 3*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := NewTimers()
	all.Merge(timers.Snapshot())
	all.Merge(timers.Snapshot())
	all.Merge(Values{"custom": time.Second})
	if got, want := all.Get(Reading), 6*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(all.Snapshot()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNilTimers(t *testing.T) {
	var timers *Timers
	timers.Add(Writing, time.Second)
	if got, want := timers.Get(Writing), time.Duration(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	timers.Start(Writing)()
}

func TestReport(t *testing.T) {
	timers := NewTimers()
	timers.Add(UserFunction, 1500*time.Millisecond)
	timers.Add("zzz", 300*time.Millisecond)
	report := timers.Report(12340 * time.Millisecond)
	lines := strings.Split(strings.TrimSpace(report), "\n")
	if got, want := lines[0], "Wall clock elapsed time: 12.3 seconds"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := strings.Fields(lines[2]), []string{"Timer", "Total", "(sec)"}; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}
	// header, blank, column titles, dashes, 8 standard timers, 1 custom.
	if got, want := len(lines), 13; got != want {
		t.Fatalf("got %v, want %v:\n%s", got, want, report)
	}
	if got, want := strings.Fields(lines[5]), []string{"userfunction", "1.5"}; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := strings.Fields(lines[12]), []string{"zzz", "0.3"}; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}
}
