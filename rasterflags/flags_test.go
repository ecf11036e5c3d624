// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rasterflags_test

import (
	"context"
	"flag"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/exec"
	"github.com/grailbio/rasterslice/rasterflags"
	"github.com/grailbio/testutil"
)

func init() {
	rasterflags.RegisterKindProfile("test-hpc", "batch:scheduler=pbs,poll=1m")
}

func TestKindFlag(t *testing.T) {
	var kf rasterflags.KindFlag
	for _, v := range []string{"none", "thread", "subprocess", "batch", "cloud"} {
		if err := kf.Set(v); err != nil {
			t.Errorf("%s: unexpected error: %v", v, err)
		}
		if got, want := kf.String(), v; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for _, v := range []string{"thread:an=option", "batch:an=option", "cloud:cpu=lots", "batch:poll", "gpu"} {
		if err := kf.Set(v); err == nil {
			t.Errorf("%s: expected an error", v)
		}
	}
	if err := kf.Set("cloud:cpu=2048,memory=4096"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := kf.String(), "cloud:cpu=2048,memory=4096"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestKindProfile(t *testing.T) {
	var kf rasterflags.KindFlag
	if err := kf.Set("test-hpc:scriptdir=/scratch"); err != nil {
		t.Fatal(err)
	}
	if got, want := kf.Kind, exec.KindBatch; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := kf.Options, []string{"scheduler=pbs", "poll=1m", "scriptdir=/scratch"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := rasterflags.Profiles()["test-hpc"], "batch:scheduler=pbs,poll=1m"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPortRange(t *testing.T) {
	var p rasterflags.PortRangeFlag
	if err := p.Set("9000-9010"); err != nil {
		t.Fatal(err)
	}
	if got, want := p, (rasterflags.PortRangeFlag{Min: 9000, Max: 9010}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := p.Set("9000"); err != nil {
		t.Fatal(err)
	}
	if got, want := p.String(), "9000"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, v := range []string{"x", "9010-9000", "1-70000", "-1"} {
		if err := p.Set(v); err == nil {
			t.Errorf("%s: expected an error", v)
		}
	}
}

func parse(t *testing.T, args ...string) *rasterflags.Flags {
	t.Helper()
	var rf rasterflags.Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	rasterflags.RegisterFlags(fs, &rf, "")
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return &rf
}

func TestFlagsConfig(t *testing.T) {
	ctx := context.Background()
	rf := parse(t)
	c, err := rf.Config(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Sequential() {
		t.Errorf("default configuration is not sequential: %+v", c)
	}
	if rf.Kind.Specified {
		t.Error("default kind is marked as specified")
	}

	rf = parse(t, "-read-workers=2", "-compute-workers=4", "-kind=thread",
		"-buffer-timeout=-1s", "-connect-timeout=30s", "-ports=7000-7100")
	c, err = rf.Config(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Kind, exec.KindThread; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.ComputeWorkers, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.ReadBufferPopTimeout, exec.NoTimeout; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.ConnectTimeout, 30*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.PortRange, [2]int{7000, 7100}; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	rf = parse(t, "-compute-workers=4", "-kind=thread")
	_, err = rf.Config(ctx)
	if got, want := rasterslice.KindOf(err), rasterslice.ErrConfig; got != want {
		t.Errorf("got %v, want %v: %v", got, want, err)
	}
}

func TestKindParams(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "rasterflags")
	defer cleanup()
	path := filepath.Join(dir, "params.yaml")
	const params = `batch:
  scheduler: pbs
  options: -l walltime=4:00:00
  init_commands:
    - module load gdal
  poll_interval: 45s
cloud:
  image: app:latest
  subnets: [subnet-1]
`
	if err := ioutil.WriteFile(path, []byte(params), 0644); err != nil {
		t.Fatal(err)
	}
	rf := parse(t, "-kind-params="+path, "-kind=batch:scheduler=slurm",
		"-read-workers=1", "-compute-workers=2")
	c, err := rf.Config(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Options given with the kind override the file.
	if got, want := c.Batch.Scheduler, "slurm"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Batch.Options, "-l walltime=4:00:00"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Batch.InitCommands, []string{"module load gdal"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Batch.PollInterval, 45*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Cloud.Subnets, []string{"subnet-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := ioutil.WriteFile(path, []byte("batch:\n  schedular: pbs\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := rasterflags.ReadKindParams(ctx, path); err == nil {
		t.Error("expected an error for an unknown field")
	}
}
