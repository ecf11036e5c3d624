// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"
	"time"

	"github.com/grailbio/rasterslice"
)

func TestConfigValidate(t *testing.T) {
	cloud := CloudConfig{Image: "worker:latest", Subnets: []string{"subnet-1"}}
	for _, test := range []struct {
		name   string
		config Config
		ok     bool
	}{
		{"sequential", Config{}, true},
		{"pipelined reads", Config{ReadWorkers: 4}, true},
		{"threads", Config{ReadWorkers: 1, ComputeWorkers: 8, Kind: KindThread}, true},
		{"subprocess self-read", Config{ComputeWorkers: 2, Kind: KindSubprocess, ComputeWorkersRead: true}, true},
		{"single block", Config{ReadWorkers: 1, SingleBlock: true, Kind: KindBatch}, true},
		{"cloud", Config{ReadWorkers: 1, ComputeWorkers: 2, Kind: KindCloud, Cloud: cloud}, true},
		{"no timeouts", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindThread, ConnectTimeout: NoTimeout, ReadBufferPopTimeout: NoTimeout}, true},
		{"port range", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindSubprocess, PortRange: [2]int{9000, 9010}}, true},

		{"negative readers", Config{ReadWorkers: -1}, false},
		{"negative computers", Config{ComputeWorkers: -1, Kind: KindThread}, false},
		{"negative capacity", Config{ReadWorkers: 1, ReadBufferCap: -2}, false},
		{"bad kind", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: Kind(17)}, false},
		{"single block with count", Config{ReadWorkers: 1, SingleBlock: true, ComputeWorkers: 3, Kind: KindBatch}, false},
		{"single block threads", Config{ReadWorkers: 1, SingleBlock: true, Kind: KindThread}, false},
		{"reading threads", Config{ComputeWorkers: 2, Kind: KindThread, ComputeWorkersRead: true}, false},
		{"workers without kind", Config{ReadWorkers: 1, ComputeWorkers: 2}, false},
		{"kind without workers", Config{ReadWorkers: 1, Kind: KindSubprocess}, false},
		{"nobody reads", Config{ComputeWorkers: 2, Kind: KindSubprocess}, false},
		{"bad port range", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindSubprocess, PortRange: [2]int{9010, 9000}}, false},
		{"shared temp without dir", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindSubprocess, SharedTemp: true}, false},
		{"negative timeout", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindThread, ConnectTimeout: -time.Second}, false},
		{"cloud without image", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindCloud}, false},
		{"fargate instances", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindCloud, Cloud: CloudConfig{Image: "w", Subnets: []string{"s"}, NumInstances: 2}}, false},
		{"ec2 without cluster", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindCloud, Cloud: CloudConfig{Image: "w", LaunchType: "ec2"}}, false},
		{"bad scheduler", Config{ReadWorkers: 1, ComputeWorkers: 1, Kind: KindBatch, Batch: BatchConfig{Scheduler: "lsf"}}, false},
	} {
		err := test.config.Validate()
		if test.ok {
			if err != nil {
				t.Errorf("%s: %v", test.name, err)
			}
			continue
		}
		if got, want := rasterslice.KindOf(err), rasterslice.ErrConfig; got != want {
			t.Errorf("%s: got %v, want %v (%v)", test.name, got, want, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	for s, want := range map[string]Kind{
		"":           KindNone,
		"none":       KindNone,
		"Thread":     KindThread,
		"subprocess": KindSubprocess,
		"slurm":      KindBatch,
		"pbs":        KindBatch,
		"ecs":        KindCloud,
	} {
		got, err := ParseKind(s)
		if err != nil {
			t.Errorf("%q: %v", s, err)
			continue
		}
		if got != want {
			t.Errorf("%q: got %v, want %v", s, got, want)
		}
		if s == want.String() {
			continue
		}
		if again, err := ParseKind(got.String()); err != nil || again != got {
			t.Errorf("%v does not round trip", got)
		}
	}
	if _, err := ParseKind("mainframe"); err == nil {
		t.Error("expected error")
	}
}

func TestCapacity(t *testing.T) {
	for _, test := range []struct{ c, workers, want int }{
		{0, 4, 8},
		{0, 0, 2},
		{3, 4, 3},
	} {
		if got := capacity(test.c, test.workers); got != test.want {
			t.Errorf("capacity(%d, %d): got %v, want %v", test.c, test.workers, got, test.want)
		}
	}
}
