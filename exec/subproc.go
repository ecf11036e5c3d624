// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/rasterslice"
)

const (
	// stopGrace is the time given to worker processes to exit on
	// their own before they are killed.
	stopGrace = 5 * time.Second
	// pipeDelay bounds the wait for a worker's output pipes to close
	// after the worker exits; children of a wrapper command may hold
	// them open.
	pipeDelay = time.Second
)

// SubprocessConfig configures subprocess compute workers.
type SubprocessConfig struct {
	// Command is the worker command line. It defaults to the current
	// executable, which then runs as a worker because of its
	// environment.
	Command []string `yaml:"command"`
	// Env holds additional worker environment variables, as
	// "key=value" pairs.
	Env []string `yaml:"env"`
}

// workerCommand returns the configured command line, or the current
// executable.
func workerCommand(command []string) ([]string, error) {
	if len(command) > 0 {
		return command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{exe}, nil
}

type subprocessLauncher struct {
	config SubprocessConfig

	mu    sync.Mutex
	procs []*subprocess
}

type subprocess struct {
	h      *WorkerHandle
	cmd    *osexec.Cmd
	stderr *tailWriter
	done   chan struct{}
}

func newSubprocessLauncher(c SubprocessConfig) *subprocessLauncher {
	return &subprocessLauncher{config: c}
}

func (l *subprocessLauncher) Launch(ctx context.Context, env *launchEnv, handles []*WorkerHandle) error {
	argv, err := workerCommand(l.config.Command)
	if err != nil {
		return rasterslice.WrapError(rasterslice.ErrWorkerStart, err)
	}
	for _, h := range handles {
		h.Set(HandleStarting)
		cmd := osexec.Command(argv[0], argv[1:]...)
		cmd.Env = append(append(os.Environ(), l.config.Env...), env.environ(h)...)
		p := &subprocess{h: h, cmd: cmd, stderr: newTailWriter(4 << 10), done: make(chan struct{})}
		cmd.Stdout = os.Stdout
		cmd.Stderr = io.MultiWriter(os.Stderr, p.stderr)
		cmd.WaitDelay = pipeDelay
		if err := cmd.Start(); err != nil {
			h.Fail(rasterslice.Errorf(rasterslice.ErrWorkerStart, "start %s: %v", argv[0], err).WithWorker(h.Name))
			continue
		}
		h.setJob(fmt.Sprintf("pid %d", cmd.Process.Pid))
		l.mu.Lock()
		l.procs = append(l.procs, p)
		l.mu.Unlock()
		go func(h *WorkerHandle) {
			err := p.cmd.Wait()
			close(p.done)
			if err == nil {
				return
			}
			detail := fmt.Sprintf("%v\n%s", err, p.stderr)
			exitedBeforeConnect(h, detail)
			if h.Alive() {
				log.Error.Printf("worker %s exited: %s", h.Name, detail)
			}
		}(h)
	}
	return nil
}

// Stop kills the processes of workers that did not finish. Workers
// that finished are given a short grace period to exit on their own.
func (l *subprocessLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	procs := l.procs
	l.mu.Unlock()
	deadline := time.After(stopGrace)
	expired := false
	for _, p := range procs {
		if !expired && p.h.Finished() {
			select {
			case <-p.done:
				continue
			case <-deadline:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		if err := p.cmd.Process.Kill(); err != nil {
			log.Debug.Printf("kill pid %d: %v", p.cmd.Process.Pid, err)
		}
		<-p.done
	}
	return nil
}

// A tailWriter retains the last bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
