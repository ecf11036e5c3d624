// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/rasterslice"
)

// Kind is the execution backend of compute workers.
type Kind int

const (
	// KindNone runs no separate compute workers: computation happens
	// in the orchestrating goroutine.
	KindNone Kind = iota
	// KindThread runs compute workers as goroutines in the calling
	// process. They run in parallel to the extent of GOMAXPROCS.
	KindThread
	// KindSubprocess runs each compute worker as a separate process
	// on the local machine.
	KindSubprocess
	// KindBatch runs each compute worker as a cluster batch job,
	// submitted to PBS or SLURM.
	KindBatch
	// KindCloud runs each compute worker as an AWS ECS task on a
	// cluster provisioned for the run.
	KindCloud
)

var kindNames = [...]string{
	KindNone:       "none",
	KindThread:     "thread",
	KindSubprocess: "subprocess",
	KindBatch:      "batch",
	KindCloud:      "cloud",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Remote tells whether workers of this kind run outside the calling
// process and therefore talk to a coordinator.
func (k Kind) Remote() bool {
	return k == KindSubprocess || k == KindBatch || k == KindCloud
}

// ParseKind returns the kind named by s.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return KindNone, nil
	case "thread", "threads":
		return KindThread, nil
	case "subprocess", "subproc":
		return KindSubprocess, nil
	case "batch", "pbs", "slurm":
		return KindBatch, nil
	case "cloud", "ecs":
		return KindCloud, nil
	}
	return KindNone, fmt.Errorf("unknown compute worker kind %q", s)
}

// Set implements flag.Value.
func (k *Kind) Set(s string) error {
	v, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// NoTimeout disables a timeout. Waits configured with NoTimeout
// block until their context is done.
const NoTimeout time.Duration = -1

const (
	// DefaultBufferTimeout is the default wait for a single block to be
	// pushed to or popped from a block buffer.
	DefaultBufferTimeout = 10 * time.Second
	// DefaultConnectTimeout is the default time allowed for a remote
	// worker to connect to its coordinator after it is launched.
	DefaultConnectTimeout = 10 * time.Minute
)

// Config is the concurrency configuration of a run. The zero
// Config runs sequentially. A Config must not be modified once a
// run has started.
type Config struct {
	// ReadWorkers is the number of read workers. With
	// ComputeWorkersRead, it is instead the read parallelism inside
	// each compute worker.
	ReadWorkers int
	// ComputeWorkers is the number of compute workers.
	ComputeWorkers int
	// Kind selects the compute worker backend.
	Kind Kind
	// ComputeWorkersRead makes compute workers decode their own
	// inputs, rather than receiving decoded blocks. Input files must
	// then be accessible to the workers.
	ComputeWorkersRead bool
	// SingleBlock runs one ephemeral batch job per block instead of
	// ComputeWorkers standing workers.
	SingleBlock bool

	// ReadBufferCap and ComputeBufferCap are the capacities of the
	// input and output block buffers. Zero selects twice the number
	// of workers feeding or draining the buffer.
	ReadBufferCap, ComputeBufferCap int

	// Buffer timeouts bound the wait for a single block. Zero selects
	// DefaultBufferTimeout; NoTimeout waits indefinitely.
	ReadBufferInsertTimeout    time.Duration
	ReadBufferPopTimeout       time.Duration
	ComputeBufferInsertTimeout time.Duration
	ComputeBufferPopTimeout    time.Duration

	// ConnectTimeout bounds the time between launching a remote
	// worker and its connection to the coordinator. Zero selects
	// DefaultConnectTimeout; NoTimeout waits indefinitely.
	ConnectTimeout time.Duration

	// PortRange is the inclusive range of ports from which the
	// coordinator's listening port is chosen. A zero range selects an
	// ephemeral port.
	PortRange [2]int
	// AdvertiseHost is the host name or address given to remote
	// workers. It defaults to the local host name.
	AdvertiseHost string
	// SharedTemp indicates that TempDir is visible to all workers.
	// The coordinator address is then passed through a marker file
	// in TempDir rather than on the worker's command line or
	// environment.
	SharedTemp bool
	// TempDir holds job scripts, logs and marker files. It may be an
	// s3:// path for the marker file of cloud workers.
	TempDir string
	// Compress enables zstd compression of frames exchanged with
	// remote workers.
	Compress bool
	// JobName is used to name batch jobs, cloud resources and
	// worker status entries.
	JobName string

	Subprocess SubprocessConfig `yaml:"subprocess"`
	Batch      BatchConfig      `yaml:"batch"`
	Cloud      CloudConfig      `yaml:"cloud"`
}

// Sequential tells whether the configuration requests no
// concurrency at all.
func (c Config) Sequential() bool {
	return c.ReadWorkers == 0 && c.ComputeWorkers == 0 && !c.SingleBlock
}

// Validate returns an ErrConfig error describing the first invalid
// or conflicting parameter of c.
func (c Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return rasterslice.Errorf(rasterslice.ErrConfig, format, args...)
	}
	switch {
	case c.ReadWorkers < 0:
		return fail("negative number of read workers %d", c.ReadWorkers)
	case c.ComputeWorkers < 0:
		return fail("negative number of compute workers %d", c.ComputeWorkers)
	case c.ReadBufferCap < 0 || c.ComputeBufferCap < 0:
		return fail("negative buffer capacity")
	case c.Kind < KindNone || c.Kind > KindCloud:
		return fail("invalid compute worker kind %v", c.Kind)
	case c.SingleBlock && c.ComputeWorkers > 0:
		return fail("the number of compute workers must not be specified for single-block workers")
	case c.ComputeWorkersRead && c.Kind == KindThread:
		return fail("thread compute workers cannot do their own reading")
	case c.SingleBlock && c.Kind != KindBatch:
		return fail("single-block compute workers are only supported by the batch kind, not %v", c.Kind)
	case c.ComputeWorkers > 0 && c.Kind == KindNone:
		return fail("compute workers requested, but no compute worker kind given")
	case c.Kind != KindNone && c.ComputeWorkers == 0 && !c.SingleBlock:
		return fail("compute worker kind %v given, but no compute workers requested", c.Kind)
	case (c.ComputeWorkers > 0 || c.SingleBlock) && !c.ComputeWorkersRead && c.ReadWorkers == 0:
		return fail("non-reading compute workers require at least one read worker")
	case c.ComputeWorkersRead && !c.Kind.Remote():
		return fail("compute workers of kind %v cannot do their own reading", c.Kind)
	case c.PortRange[0] < 0 || c.PortRange[1] < c.PortRange[0] || c.PortRange[1] > 65535:
		return fail("invalid port range %v", c.PortRange)
	case c.SharedTemp && c.TempDir == "" && c.Kind.Remote():
		return fail("shared temporary directory requested but none given")
	}
	for _, d := range []time.Duration{
		c.ReadBufferInsertTimeout, c.ReadBufferPopTimeout,
		c.ComputeBufferInsertTimeout, c.ComputeBufferPopTimeout,
		c.ConnectTimeout,
	} {
		if d < 0 && d != NoTimeout {
			return fail("invalid timeout %v; use NoTimeout to disable", d)
		}
	}
	switch c.Kind {
	case KindBatch:
		if err := c.Batch.validate(); err != nil {
			return rasterslice.WrapError(rasterslice.ErrConfig, err)
		}
	case KindCloud:
		if err := c.Cloud.validate(); err != nil {
			return rasterslice.WrapError(rasterslice.ErrConfig, err)
		}
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// seconds converts a timeout given in seconds, where negative values
// disable the timeout.
func seconds(n int) time.Duration {
	if n < 0 {
		return NoTimeout
	}
	return time.Duration(n) * time.Second
}

func init() {
	config.Register("rasterslice", func(inst *config.Constructor) {
		var (
			c                Config
			kind             string
			connectTimeout   int
			bufferTimeout    int
			minPort, maxPort int
			securityGroup    string
			subnet           string
		)
		inst.IntVar(&c.ReadWorkers, "read-workers", 0, "number of read workers")
		inst.IntVar(&c.ComputeWorkers, "compute-workers", 0, "number of compute workers")
		inst.StringVar(&kind, "kind", "none", "compute worker kind: none, thread, subprocess, batch or cloud")
		inst.BoolVar(&c.ComputeWorkersRead, "compute-workers-read", false, "compute workers read their own inputs")
		inst.BoolVar(&c.SingleBlock, "single-block", false, "run one batch job per block")
		inst.BoolVar(&c.SharedTemp, "shared-temp", false, "the temporary directory is shared with all workers")
		inst.StringVar(&c.TempDir, "temp-dir", "", "directory for job scripts, logs and marker files")
		inst.BoolVar(&c.Compress, "compress", false, "compress frames exchanged with remote workers")
		inst.StringVar(&c.JobName, "job-name", "rasterslice", "name prefix for jobs and cloud resources")
		inst.StringVar(&c.AdvertiseHost, "advertise-host", "", "host name given to remote workers")
		inst.IntVar(&connectTimeout, "connect-timeout", int(DefaultConnectTimeout/time.Second), "seconds allowed for remote workers to connect; -1 waits indefinitely")
		inst.IntVar(&bufferTimeout, "buffer-timeout", int(DefaultBufferTimeout/time.Second), "seconds to wait for a single block buffer push or pop; -1 waits indefinitely")
		inst.IntVar(&minPort, "min-port", 0, "lowest coordinator port; 0 selects an ephemeral port")
		inst.IntVar(&maxPort, "max-port", 0, "highest coordinator port")
		inst.StringVar(&c.Batch.Scheduler, "batch-scheduler", "slurm", "batch scheduler: pbs or slurm")
		inst.StringVar(&c.Batch.Options, "batch-options", "", "extra scheduler options for job scripts")
		inst.StringVar(&c.Cloud.Region, "cloud-region", "", "AWS region for cloud workers")
		inst.StringVar(&c.Cloud.Image, "cloud-image", "", "container image for cloud workers")
		inst.StringVar(&c.Cloud.Cluster, "cloud-cluster", "", "existing ECS cluster for cloud workers")
		inst.StringVar(&securityGroup, "cloud-security-group", "", "security group of cloud workers")
		inst.StringVar(&subnet, "cloud-subnet", "", "subnet of cloud workers")
		inst.Doc = "rasterslice configures the concurrency of rasterslice runs"
		inst.New = func() (interface{}, error) {
			k, err := ParseKind(kind)
			if err != nil {
				return nil, err
			}
			c.Kind = k
			if securityGroup != "" {
				c.Cloud.SecurityGroups = []string{securityGroup}
			}
			if subnet != "" {
				c.Cloud.Subnets = []string{subnet}
			}
			c.PortRange = [2]int{minPort, maxPort}
			if maxPort == 0 {
				c.PortRange[1] = minPort
			}
			c.ConnectTimeout = seconds(connectTimeout)
			buffer := seconds(bufferTimeout)
			c.ReadBufferInsertTimeout = buffer
			c.ReadBufferPopTimeout = buffer
			c.ComputeBufferInsertTimeout = buffer
			c.ComputeBufferPopTimeout = buffer
			if err := c.Validate(); err != nil {
				return nil, err
			}
			return Start(Concurrency(c)), nil
		}
	})
}
