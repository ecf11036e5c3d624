// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/raster/memraster"
	"github.com/grailbio/rasterslice/raster/rawfile"
	"github.com/grailbio/rasterslice/stats"
	"github.com/grailbio/testutil"
)

func subprocessConfig(workers int) Config {
	return Config{
		ReadWorkers:    1,
		ComputeWorkers: workers,
		Kind:           KindSubprocess,
		AdvertiseHost:  "localhost",
	}
}

func TestSubprocessSelfRead(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "subprocess")
	defer cleanup()
	in, out := filepath.Join(dir, "in.raw"), filepath.Join(dir, "out.raw")
	if err := rawfile.Write(ctx, in, testGrid, testBlock()); err != nil {
		t.Fatal(err)
	}
	c := Config{
		ReadWorkers:        2,
		ComputeWorkers:     3,
		Kind:               KindSubprocess,
		ComputeWorkersRead: true,
		AdvertiseHost:      "localhost",
		SharedTemp:         true,
		TempDir:            dir,
	}
	res, err := Start(Concurrency(c)).Apply(ctx, &Job{
		Func:    double,
		Driver:  rawfile.Name,
		Inputs:  map[string]string{"in": in},
		Outputs: map[string]string{"out": out},
		Blocks:  testBlocks,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed workers: %v", res.Failed)
	}
	_, got, err := rawfile.Read(ctx, out)
	if err != nil {
		t.Fatal(err)
	}
	if want := pixels(rasterslice.Blocks{"in": testBlock()}, twice)["out"]; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Self-reading workers account for their own reading.
	if res.Timers[stats.Reading] == 0 {
		t.Errorf("no read time reported: %v", res.Timers)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.addr"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("address files left behind: %v", matches)
	}
}

func TestSubprocessLostWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	job, cleanup := testJob(t, crash, nil)
	defer cleanup()
	res, err := Start(Concurrency(subprocessConfig(2))).Apply(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	// worker-0 exits on its first block, unless worker-1 finished
	// every block before worker-0 received any.
	if len(res.Failed) > 0 {
		if got, want := res.Failed, []string{"worker-0"}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	out := memraster.Get(job.Outputs["out"])
	if want := pixels(rasterslice.Blocks{"in": testBlock()}, twice)["out"]; !out.Block().Equal(want) {
		t.Errorf("got %v, want %v", out.Block(), want)
	}
	for i, n := range out.WriteCounts() {
		if n != 1 {
			t.Errorf("pixel %d written %d times", i, n)
		}
	}
}

func TestSubprocessAllWorkersLost(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	job, cleanup := testJob(t, crash, nil)
	defer cleanup()
	_, err := Start(Concurrency(subprocessConfig(1))).Apply(context.Background(), job)
	if got, want := rasterslice.KindOf(err), rasterslice.ErrConnection; got != want {
		t.Errorf("got %v, want %v: %v", got, want, err)
	}
}

func TestSubprocessNeverConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	const timeout = 500 * time.Millisecond
	job, cleanup := testJob(t, double, nil)
	defer cleanup()
	c := subprocessConfig(1)
	c.Subprocess.Command = []string{"sleep", "30"}
	c.ConnectTimeout = timeout
	start := time.Now()
	_, err := Start(Concurrency(c)).Apply(context.Background(), job)
	elapsed := time.Since(start)
	if got, want := rasterslice.KindOf(err), rasterslice.ErrWorkerStart; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, err)
	}
	if !strings.Contains(err.Error(), "did not connect") {
		t.Errorf("unexpected error %v", err)
	}
	if elapsed < timeout || elapsed > 10*time.Second {
		t.Errorf("failed after %s, want about %s", elapsed, timeout)
	}
}

func TestSubprocessExitsBeforeConnecting(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	job, cleanup := testJob(t, double, nil)
	defer cleanup()
	c := subprocessConfig(2)
	c.Subprocess.Command = []string{"false"}
	start := time.Now()
	_, err := Start(Concurrency(c)).Apply(context.Background(), job)
	if got, want := rasterslice.KindOf(err), rasterslice.ErrWorkerStart; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, err)
	}
	if !strings.Contains(err.Error(), "exited before connecting") {
		t.Errorf("unexpected error %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Minute {
		t.Errorf("failed after %s", elapsed)
	}
}

func TestSubprocessNoConnectTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	const wait = time.Second
	job, cleanup := testJob(t, double, nil)
	defer cleanup()
	c := subprocessConfig(1)
	c.Subprocess.Command = []string{"sleep", "30"}
	c.ConnectTimeout = NoTimeout
	c.ComputeBufferPopTimeout = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	start := time.Now()
	_, err := Start(Concurrency(c)).Apply(ctx, job)
	if err == nil {
		t.Fatal("expected error")
	}
	// The run waits for the worker, despite the short buffer
	// timeout, until it is canceled.
	if kind := rasterslice.KindOf(err); kind == rasterslice.ErrWorkerStart {
		t.Errorf("unexpected worker start failure: %v", err)
	}
	if elapsed := time.Since(start); elapsed < wait {
		t.Errorf("failed after %s, want at least %s", elapsed, wait)
	}
}

func TestSubprocessUnconnectedWorkerReleased(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	job, cleanup := testJob(t, double, nil)
	defer cleanup()
	c := subprocessConfig(2)
	// worker-1 is still starting when worker-0 has computed every
	// block; it is killed during teardown.
	c.Subprocess.Command = []string{"sh", "-c", `[ "$` + workerEnv + `" = worker-1 ] && sleep 30; exec "$0"`, exe}
	start := time.Now()
	res, err := Start(Concurrency(c)).Apply(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed workers: %v", res.Failed)
	}
	if got, want := len(res.Aux), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	out := memraster.Get(job.Outputs["out"])
	if want := pixels(rasterslice.Blocks{"in": testBlock()}, twice)["out"]; !out.Block().Equal(want) {
		t.Errorf("got %v, want %v", out.Block(), want)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Errorf("run took %s", elapsed)
	}
}

func TestSubprocessStopWrapper(t *testing.T) {
	if testing.Short() {
		t.Skip("subprocess workers disabled with -short")
	}
	// The shell's child keeps its stderr open after the shell is
	// killed.
	l := newSubprocessLauncher(SubprocessConfig{Command: []string{"sh", "-c", "sleep 30; true"}})
	h := newHandle(0, "worker-0")
	if err := l.Launch(context.Background(), &launchEnv{RunID: "stop"}, []*WorkerHandle{h}); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > stopGrace {
		t.Errorf("stop took %s", elapsed)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if state, err := h.WaitState(ctx, HandleFailed); err != nil {
		t.Errorf("worker killed, but handle is %v: %v", state, err)
	}
}
