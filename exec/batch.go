// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/rasterslice"
)

// DefaultPollInterval is the default interval at which batch
// queues and cloud tasks are polled.
const DefaultPollInterval = 30 * time.Second

// Markers written around the worker's output in batch job logs.
const (
	beginMarker  = "Begin-rasterslice-worker"
	endMarker    = "End-rasterslice-worker"
	statusMarker = "rasterslice worker status:"
)

// BatchConfig configures batch compute workers, each of which runs
// as a job submitted to a PBS or SLURM scheduler.
type BatchConfig struct {
	// Scheduler is "pbs" or "slurm". It defaults to "slurm".
	Scheduler string `yaml:"scheduler"`
	// Options is added to the job script as an extra scheduler
	// directive line, for example "-l walltime=1:00:00".
	Options string `yaml:"options"`
	// InitCommands are run by the job script before the worker, for
	// example to load modules.
	InitCommands []string `yaml:"init_commands"`
	// CommandPrefix and CommandSuffix wrap the worker command line,
	// for example to run it inside a container.
	CommandPrefix string `yaml:"command_prefix"`
	CommandSuffix string `yaml:"command_suffix"`
	// Command is the worker command line. It defaults to the current
	// executable, which must then be visible to compute nodes.
	Command []string `yaml:"command"`
	// SubmitCommand, QueueCommand and CancelCommand replace the
	// scheduler's own commands.
	SubmitCommand []string `yaml:"submit_command"`
	QueueCommand  []string `yaml:"queue_command"`
	CancelCommand []string `yaml:"cancel_command"`
	// PollInterval is the interval at which the queue is polled for
	// jobs that exit before connecting. Zero selects
	// DefaultPollInterval.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ScriptDir holds job scripts and logs. It must be visible to
	// compute nodes. It defaults to the run's TempDir, and otherwise
	// to a fresh temporary directory that is removed after the run.
	ScriptDir string `yaml:"script_dir"`
}

func (c BatchConfig) scheduler() (*scheduler, error) {
	name := c.Scheduler
	if name == "" {
		name = "slurm"
	}
	s, ok := schedulers[strings.ToLower(name)]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown batch scheduler %q", c.Scheduler))
	}
	return s, nil
}

func (c BatchConfig) validate() error {
	if _, err := c.scheduler(); err != nil {
		return err
	}
	if c.PollInterval < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("negative batch poll interval %v", c.PollInterval))
	}
	return nil
}

// A scheduler describes how to use a batch scheduler.
type scheduler struct {
	submit, queue, cancel []string
	directive             string
	// header returns the script directives naming the job and its
	// log file.
	header func(name, logfile string) []string
	// jobID extracts the job id from the output of the submit
	// command.
	jobID func(stdout string) (string, error)
}

var schedulers = map[string]*scheduler{
	"pbs": {
		submit:    []string{"qsub"},
		queue:     []string{"qstat"},
		cancel:    []string{"qdel"},
		directive: "#PBS",
		header: func(name, logfile string) []string {
			return []string{"#PBS -j oe -o " + logfile, "#PBS -N " + name}
		},
		jobID: pbsJobID,
	},
	"slurm": {
		submit:    []string{"sbatch"},
		queue:     []string{"squeue", "--noheader"},
		cancel:    []string{"scancel"},
		directive: "#SBATCH",
		header: func(name, logfile string) []string {
			return []string{"#SBATCH -o " + logfile, "#SBATCH -e " + logfile, "#SBATCH -J " + name}
		},
		jobID: slurmJobID,
	},
}

// pbsJobID parses the output of qsub, which is the job id.
func pbsJobID(stdout string) (string, error) {
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", errors.E(errors.Invalid, "qsub printed no job id")
	}
	return id, nil
}

// slurmJobID parses the output of sbatch, "Submitted batch job N".
func slurmJobID(stdout string) (string, error) {
	fields := strings.Fields(stdout)
	if len(fields) < 4 || strings.Join(fields[:3], " ") != "Submitted batch job" {
		return "", errors.E(errors.Invalid, fmt.Sprintf("unexpected sbatch output %q", stdout))
	}
	if _, err := strconv.ParseUint(fields[3], 10, 64); err != nil {
		return "", errors.E(errors.Invalid, fmt.Sprintf("unexpected sbatch job id %q", fields[3]))
	}
	return fields[3], nil
}

// shortJobID returns the numeric part of a job id, which is how
// queue listings may abbreviate it.
func shortJobID(id string) string {
	if i := strings.Index(id, "."); i > 0 {
		return id[:i]
	}
	return id
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// jobScript returns the job script that runs a worker with the
// provided environment.
func jobScript(s *scheduler, c BatchConfig, name, logfile string, env, argv []string) string {
	var b bytes.Buffer
	b.WriteString("#!/bin/bash\n")
	for _, line := range s.header(name, logfile) {
		b.WriteString(line + "\n")
	}
	if c.Options != "" {
		fmt.Fprintf(&b, "%s %s\n", s.directive, c.Options)
	}
	for _, cmd := range c.InitCommands {
		b.WriteString(cmd + "\n")
	}
	for _, kv := range env {
		if i := strings.Index(kv, "="); i > 0 {
			fmt.Fprintf(&b, "export %s=%s\n", kv[:i], shellQuote(kv[i+1:]))
		}
	}
	fmt.Fprintf(&b, "echo '%s'\n", beginMarker)
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	b.WriteString(c.CommandPrefix + strings.Join(quoted, " ") + c.CommandSuffix + "\n")
	b.WriteString("WORKERCMDSTAT=$?\n")
	fmt.Fprintf(&b, "echo '%s'\n", endMarker)
	fmt.Fprintf(&b, "echo '%s' $WORKERCMDSTAT\n", statusMarker)
	return b.String()
}

// scanJobLog returns the exit status recorded in a job log and the
// worker's output. A log without a status line reports status 1.
func scanJobLog(p []byte) (status int, output []string) {
	var (
		lines    []string
		begin    = -1
		end      = -1
		statusAt = -1
	)
	scan := bufio.NewScanner(bytes.NewReader(p))
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		switch {
		case begin < 0 && strings.HasPrefix(line, beginMarker):
			begin = len(lines)
		case end < 0 && strings.HasPrefix(line, endMarker):
			end = len(lines)
		case statusAt < 0 && strings.HasPrefix(line, statusMarker):
			statusAt = len(lines)
		}
		lines = append(lines, line)
	}
	if end < 0 {
		end = len(lines)
	}
	if begin+1 <= end {
		output = lines[begin+1 : end]
	}
	status = 1
	if statusAt >= 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(lines[statusAt], statusMarker))); err == nil {
			status = n
		}
	}
	return status, output
}

type batchJob struct {
	h       *WorkerHandle
	id      string
	logfile string
}

type batchLauncher struct {
	config BatchConfig
	sched  *scheduler
	dir    string
	ownDir bool

	mu   sync.Mutex
	jobs []*batchJob

	cancelMonitor func()
	monitorDone   chan struct{}
}

func newBatchLauncher(c BatchConfig) *batchLauncher {
	return &batchLauncher{config: c}
}

func (l *batchLauncher) pollInterval() time.Duration {
	if l.config.PollInterval == 0 {
		return DefaultPollInterval
	}
	return l.config.PollInterval
}

func (l *batchLauncher) command(override, def []string) []string {
	if len(override) > 0 {
		return override
	}
	return def
}

// run runs a scheduler command and returns its standard output.
func (l *batchLauncher) run(ctx context.Context, argv []string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := osexec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %v: %s", strings.Join(argv, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (l *batchLauncher) Launch(ctx context.Context, env *launchEnv, handles []*WorkerHandle) error {
	sched, err := l.config.scheduler()
	if err != nil {
		return rasterslice.WrapError(rasterslice.ErrConfig, err)
	}
	l.sched = sched
	argv, err := workerCommand(l.config.Command)
	if err != nil {
		return rasterslice.WrapError(rasterslice.ErrWorkerStart, err)
	}
	switch {
	case l.config.ScriptDir != "":
		l.dir = l.config.ScriptDir
	case env.TempDir != "" && !strings.Contains(env.TempDir, "://"):
		l.dir = env.TempDir
	default:
		if l.dir, err = ioutil.TempDir("", "rasterslice-batch"); err != nil {
			return rasterslice.WrapError(rasterslice.ErrWorkerStart, err)
		}
		l.ownDir = true
	}
	if err := os.MkdirAll(l.dir, 0777); err != nil {
		return rasterslice.WrapError(rasterslice.ErrWorkerStart, err)
	}
	_ = traverse.Limit(8).Each(len(handles), func(i int) error {
		h := handles[i]
		h.Set(HandleStarting)
		if err := l.submit(ctx, env, h, argv); err != nil {
			h.Fail(rasterslice.Errorf(rasterslice.ErrWorkerStart, "submit batch job: %v", err).WithWorker(h.Name))
		}
		return nil
	})
	mctx, cancel := context.WithCancel(ctx)
	l.cancelMonitor = cancel
	l.monitorDone = make(chan struct{})
	go l.monitor(mctx)
	return nil
}

func (l *batchLauncher) submit(ctx context.Context, env *launchEnv, h *WorkerHandle, argv []string) error {
	name := env.jobName(h)
	script := filepath.Join(l.dir, name+".sh")
	logfile := filepath.Join(l.dir, name+".log")
	text := jobScript(l.sched, l.config, name, logfile, env.environ(h), argv)
	if err := ioutil.WriteFile(script, []byte(text), 0755); err != nil {
		return err
	}
	defer os.Remove(script)
	out, err := l.run(ctx, append(append([]string{}, l.command(l.config.SubmitCommand, l.sched.submit)...), script))
	if err != nil {
		return err
	}
	id, err := l.sched.jobID(out)
	if err != nil {
		return err
	}
	h.setJob("job " + id)
	l.mu.Lock()
	l.jobs = append(l.jobs, &batchJob{h: h, id: id, logfile: logfile})
	l.mu.Unlock()
	log.Debug.Printf("submitted batch job %s for worker %s", id, h.Name)
	return nil
}

// queued returns the short ids of the jobs currently in the queue.
func (l *batchLauncher) queued(ctx context.Context) (map[string]bool, error) {
	out, err := l.run(ctx, l.command(l.config.QueueCommand, l.sched.queue))
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			ids[shortJobID(fields[0])] = true
		}
	}
	return ids, nil
}

func (l *batchLauncher) snapshot() []*batchJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*batchJob{}, l.jobs...)
}

// monitor fails the handles of jobs that leave the queue before
// their workers connect.
func (l *batchLauncher) monitor(ctx context.Context) {
	defer close(l.monitorDone)
	ticker := time.NewTicker(l.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		queued, err := l.queued(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error.Printf("batch: poll queue: %v", err)
			}
			continue
		}
		for _, job := range l.snapshot() {
			if !queued[shortJobID(job.id)] {
				exitedBeforeConnect(job.h, fmt.Sprintf("batch job %s left the queue; see %s", job.id, job.logfile))
			}
		}
	}
}

// Stop cancels jobs whose workers did not drain, waits for all jobs
// to leave the queue, and reports the logs of jobs that exited with a
// non-zero status.
func (l *batchLauncher) Stop(ctx context.Context) error {
	if l.cancelMonitor != nil {
		l.cancelMonitor()
		<-l.monitorDone
	}
	jobs := l.snapshot()
	var cancel []string
	for _, job := range jobs {
		if job.h.State() != HandleDrained {
			cancel = append(cancel, job.id)
		}
	}
	var first error
	if len(cancel) > 0 {
		argv := append(append([]string{}, l.command(l.config.CancelCommand, l.sched.cancel)...), cancel...)
		if _, err := l.run(ctx, argv); err != nil {
			log.Error.Printf("batch: cancel jobs: %v", err)
			first = err
		}
	}
	if err := l.wait(ctx, jobs); err != nil && first == nil {
		first = err
	}
	for _, job := range jobs {
		p, err := ioutil.ReadFile(job.logfile)
		if err != nil {
			log.Debug.Printf("batch: job %s: %v", job.id, err)
			continue
		}
		if status, output := scanJobLog(p); status != 0 {
			log.Error.Printf("batch: worker %s (job %s) exited with status %d:\n%s",
				job.h.Name, job.id, status, strings.Join(output, "\n"))
		}
	}
	if l.ownDir {
		if err := os.RemoveAll(l.dir); err != nil {
			log.Error.Printf("batch: remove %s: %v", l.dir, err)
		}
	}
	return first
}

// wait waits until none of the jobs remain in the queue.
func (l *batchLauncher) wait(ctx context.Context, jobs []*batchJob) error {
	if len(jobs) == 0 {
		return nil
	}
	policy := retry.Backoff(time.Second, l.pollInterval(), 1.5)
	for retries := 0; ; retries++ {
		queued, err := l.queued(ctx)
		if err == nil {
			n := 0
			for _, job := range jobs {
				if queued[shortJobID(job.id)] {
					n++
				}
			}
			if n == 0 {
				return nil
			}
			log.Debug.Printf("batch: waiting for %d jobs to leave the queue", n)
		} else {
			log.Error.Printf("batch: poll queue: %v", err)
		}
		if err := retry.Wait(ctx, policy, retries); err != nil {
			return err
		}
	}
}
