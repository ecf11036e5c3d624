// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rasterflags provides flag support for use by rasterslice
// command line applications.
package rasterflags

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/rasterslice/exec"
	"gopkg.in/yaml.v3"
)

var (
	mu       sync.Mutex
	profiles = map[string]string{} // protected by mu
)

// RegisterKindProfile registers a kind 'profile', which is a named
// shorthand for a compute worker kind and its options. For example
// an application that registers a profile of:
//
//	rasterflags.RegisterKindProfile("hpc", "batch:scheduler=pbs,poll=1m")
//
// can accept
//
//	-kind=hpc
//
// as a synonym for
//
//	-kind=batch:scheduler=pbs,poll=1m
func RegisterKindProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, err := exec.ParseKind(name); err == nil {
		log.Panicf("profile %s is already used as a kind name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// Profiles returns the registered kind profiles.
func Profiles() map[string]string {
	mu.Lock()
	defer mu.Unlock()
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prf
}

// KindParams holds the parameters of the remote compute worker
// kinds. They are usually read from a YAML file given by the
// -kind-params flag:
//
//	batch:
//	  scheduler: pbs
//	  options: -l walltime=4:00:00
//	  init_commands: [module load gdal]
//	cloud:
//	  image: 123456789012.dkr.ecr.us-west-2.amazonaws.com/app:latest
//	  subnets: [subnet-0a1b2c3d]
type KindParams struct {
	Subprocess exec.SubprocessConfig `yaml:"subprocess"`
	Batch      exec.BatchConfig      `yaml:"batch"`
	Cloud      exec.CloudConfig      `yaml:"cloud"`
}

// ReadKindParams reads kind parameters from the YAML file at path,
// which may be any path supported by github.com/grailbio/base/file.
func ReadKindParams(ctx context.Context, path string) (params KindParams, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return params, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return params, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(p))
	dec.KnownFields(true)
	if err := dec.Decode(&params); err != nil && err != io.EOF {
		return params, errors.E(errors.Invalid, "parse kind parameters", path, err)
	}
	return params, nil
}

// Set sets a single option of the given kind's parameters. Options
// are given as key=val.
func (p *KindParams) Set(kind exec.Kind, opt string) error {
	parts := strings.SplitN(opt, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", opt)
	}
	key, val := parts[0], parts[1]
	atoi := func(dst *int) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		*dst = n
		return nil
	}
	duration := func(dst *time.Duration) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("not a duration: %v", val)
		}
		*dst = d
		return nil
	}
	switch kind {
	case exec.KindSubprocess:
		switch key {
		case "command":
			p.Subprocess.Command = strings.Fields(val)
			return nil
		}
	case exec.KindBatch:
		switch key {
		case "scheduler":
			p.Batch.Scheduler = val
			return nil
		case "command":
			p.Batch.Command = strings.Fields(val)
			return nil
		case "scriptdir":
			p.Batch.ScriptDir = val
			return nil
		case "poll":
			return duration(&p.Batch.PollInterval)
		}
	case exec.KindCloud:
		switch key {
		case "region":
			p.Cloud.Region = val
			return nil
		case "cluster":
			p.Cloud.Cluster = val
			return nil
		case "image":
			p.Cloud.Image = val
			return nil
		case "launch":
			p.Cloud.LaunchType = val
			return nil
		case "instance":
			p.Cloud.InstanceType = val
			return nil
		case "ami":
			p.Cloud.AMI = val
			return nil
		case "cpu":
			return atoi(&p.Cloud.CPU)
		case "memory":
			return atoi(&p.Cloud.Memory)
		case "instances":
			return atoi(&p.Cloud.NumInstances)
		case "poll":
			return duration(&p.Cloud.PollInterval)
		}
	default:
		return fmt.Errorf("the %v kind does not support any options", kind)
	}
	return fmt.Errorf("unsupported %v option: %v", kind, key)
}

// KindHelpShort is a short explanation of the allowed KindFlag values.
func KindHelpShort(prefix string) string {
	const format = `compute worker kind specified as {none,thread,subprocess,batch,cloud}[:key=val,...] or a profile name, use -%s for more information`
	return fmt.Sprintf(format, prefix+"kind-help")
}

// KindHelpLong is a complete explanation of the allowed KindFlag values.
const KindHelpLong = `A rasterslice compute worker kind is specified as follows:

<kind>:<options> where options is [key=value,]+

The supported kinds and their options are as follows:

none: no compute workers; blocks are computed by the orchestrator.
thread: compute workers are goroutines of the calling process.
subprocess: compute workers are local processes. The supported options are:
	command=<command line> - the worker command, by default this binary
batch: compute workers are PBS or SLURM jobs. The supported options are:
	scheduler=<pbs|slurm> - the batch scheduler, slurm by default
	command=<command line> - the worker command, by default this binary
	scriptdir=<dir> - a directory visible to compute nodes for job scripts and logs
	poll=<duration> - the queue polling interval
cloud: compute workers are AWS ECS tasks. The supported options are:
	region=<region> - the AWS region
	cluster=<name> - an existing ECS cluster; by default one is created per run
	image=<image> - the worker container image
	launch=<FARGATE|EC2> - the ECS launch type
	cpu=<units>, memory=<MiB> - task resources
	instances=<n> - the number of private EC2 container instances to launch
	instance=<type>, ami=<id> - the type and image of private instances
	poll=<duration> - the task polling interval

Parameters that cannot be given as options, such as batch init
commands or cloud subnets, are read from the YAML file given by
-kind-params. Options given with -kind override the file.

In addition, an application may register 'profiles' that are
shorthand for the above, eg. "hpc" can be configured as a synonym
for batch:scheduler=pbs.
`

// KindFlag represents a flag that specifies a compute worker kind
// and its options.
type KindFlag struct {
	Kind      exec.Kind
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (k *KindFlag) String() string {
	if len(k.Options) == 0 {
		return k.Kind.String()
	}
	return fmt.Sprintf("%v:%v", k.Kind, strings.Join(k.Options, ","))
}

// Set implements flag.Value.Set
func (k *KindFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	mu.Unlock()
	kind, err := exec.ParseKind(name)
	if err != nil {
		return fmt.Errorf("unsupported kind or profile: %v", name)
	}
	var scratch KindParams
	for _, opt := range options {
		if err := scratch.Set(kind, opt); err != nil {
			return err
		}
	}
	k.Kind = kind
	k.Options = options
	k.Specified = true
	return nil
}

// Get implements flag.Getter.
func (k *KindFlag) Get() interface{} {
	return k.String()
}

// PortRangeFlag represents a flag that specifies the range of ports
// from which a coordinator port is chosen, as "port" or "min-max".
type PortRangeFlag struct {
	Min, Max int
}

// String implements flag.Value.String
func (p *PortRangeFlag) String() string {
	if p.Min == p.Max {
		return strconv.Itoa(p.Min)
	}
	return fmt.Sprintf("%d-%d", p.Min, p.Max)
}

// Set implements flag.Value.Set
func (p *PortRangeFlag) Set(v string) error {
	parts := strings.SplitN(v, "-", 2)
	min, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("invalid port %q", parts[0])
	}
	max := min
	if len(parts) == 2 {
		if max, err = strconv.Atoi(parts[1]); err != nil {
			return fmt.Errorf("invalid port %q", parts[1])
		}
	}
	if min < 0 || max < min || max > 65535 {
		return fmt.Errorf("invalid port range %q", v)
	}
	p.Min, p.Max = min, max
	return nil
}

// Flags represents all of the flags that can be used to configure
// a rasterslice command.
type Flags struct {
	Kind               KindFlag
	KindHelp           bool
	KindParams         string
	ReadWorkers        int
	ComputeWorkers     int
	ComputeWorkersRead bool
	SingleBlock        bool
	ReadBufferCap      int
	ComputeBufferCap   int
	BufferTimeout      time.Duration
	ConnectTimeout     time.Duration
	Ports              PortRangeFlag
	AdvertiseHost      string
	SharedTemp         bool
	TempDir            string
	Compress           bool
	JobName            string
	HTTPAddress        cmdutil.NetworkAddressFlag
	ConsoleStatus      bool
	fs                 *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (rf *Flags) Output() io.Writer {
	if rf.fs == nil {
		return os.Stderr
	}
	if wr := rf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// timeout converts a flag duration, where negative values disable
// the timeout.
func timeout(d time.Duration) time.Duration {
	if d < 0 {
		return exec.NoTimeout
	}
	return d
}

// Config returns the concurrency configuration specified by the
// flags. Kind parameters are read from the -kind-params file, if
// any, and then overridden by the -kind options. The returned
// configuration is validated.
func (rf *Flags) Config(ctx context.Context) (exec.Config, error) {
	var params KindParams
	if rf.KindParams != "" {
		var err error
		params, err = ReadKindParams(ctx, rf.KindParams)
		if err != nil {
			return exec.Config{}, err
		}
	}
	for _, opt := range rf.Kind.Options {
		if err := params.Set(rf.Kind.Kind, opt); err != nil {
			return exec.Config{}, err
		}
	}
	c := exec.Config{
		ReadWorkers:                rf.ReadWorkers,
		ComputeWorkers:             rf.ComputeWorkers,
		Kind:                       rf.Kind.Kind,
		ComputeWorkersRead:         rf.ComputeWorkersRead,
		SingleBlock:                rf.SingleBlock,
		ReadBufferCap:              rf.ReadBufferCap,
		ComputeBufferCap:           rf.ComputeBufferCap,
		ReadBufferInsertTimeout:    timeout(rf.BufferTimeout),
		ReadBufferPopTimeout:       timeout(rf.BufferTimeout),
		ComputeBufferInsertTimeout: timeout(rf.BufferTimeout),
		ComputeBufferPopTimeout:    timeout(rf.BufferTimeout),
		ConnectTimeout:             timeout(rf.ConnectTimeout),
		PortRange:                  [2]int{rf.Ports.Min, rf.Ports.Max},
		AdvertiseHost:              rf.AdvertiseHost,
		SharedTemp:                 rf.SharedTemp,
		TempDir:                    rf.TempDir,
		Compress:                   rf.Compress,
		JobName:                    rf.JobName,
		Subprocess:                 params.Subprocess,
		Batch:                      params.Batch,
		Cloud:                      params.Cloud,
	}
	return c, c.Validate()
}

// ExecOptions parses the flag values and returns a slice of exec.Options
// that represent the actions specified by those flags.
func (rf *Flags) ExecOptions() ([]exec.Option, error) {
	c, err := rf.Config(context.Background())
	if err != nil {
		return nil, err
	}
	var sliceStatus status.Status
	return []exec.Option{exec.Status(&sliceStatus), exec.Concurrency(c)}, nil
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	Kind           string
	ReadWorkers    int
	ComputeWorkers int
	BufferTimeout  time.Duration
	ConnectTimeout time.Duration
	JobName        string
	HTTPAddress    string
	ConsoleStatus  bool
}

// RegisterFlags registers the rasterslice command line flags with the
// supplied flag set. The flag names will be prefixed with the supplied
// prefix.
func RegisterFlags(fs *flag.FlagSet, rf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, rf, prefix, Defaults{
		Kind:           "none",
		BufferTimeout:  exec.DefaultBufferTimeout,
		ConnectTimeout: exec.DefaultConnectTimeout,
		JobName:        "rasterslice",
		HTTPAddress:    ":3333",
	})
}

// RegisterFlagsWithDefaults registers the rasterslice command line
// flags with the supplied flag set and defaults. The flag names will
// be prefixed with the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, rf *Flags, prefix string, defaults Defaults) {
	fs.Var(&rf.Kind, prefix+"kind", KindHelpShort(prefix))
	if err := rf.Kind.Set(defaults.Kind); err != nil {
		log.Panicf("invalid default kind %q: %v", defaults.Kind, err)
	}
	rf.Kind.Specified = false
	fs.BoolVar(&rf.KindHelp, prefix+"kind-help", false, "provide help on compute worker kinds and profiles")
	fs.StringVar(&rf.KindParams, prefix+"kind-params", "", "YAML file of subprocess, batch and cloud worker parameters")
	fs.IntVar(&rf.ReadWorkers, prefix+"read-workers", defaults.ReadWorkers, "number of read workers")
	fs.IntVar(&rf.ComputeWorkers, prefix+"compute-workers", defaults.ComputeWorkers, "number of compute workers")
	fs.BoolVar(&rf.ComputeWorkersRead, prefix+"compute-workers-read", false, "compute workers read their own inputs")
	fs.BoolVar(&rf.SingleBlock, prefix+"single-block", false, "run one batch job per block")
	fs.IntVar(&rf.ReadBufferCap, prefix+"read-buffer", 0, "capacity of the read buffer; 0 selects twice the number of read workers")
	fs.IntVar(&rf.ComputeBufferCap, prefix+"compute-buffer", 0, "capacity of the compute buffer; 0 selects twice the number of compute workers")
	fs.DurationVar(&rf.BufferTimeout, prefix+"buffer-timeout", defaults.BufferTimeout, "wait for a single block buffer push or pop; negative waits indefinitely")
	fs.DurationVar(&rf.ConnectTimeout, prefix+"connect-timeout", defaults.ConnectTimeout, "time allowed for remote workers to connect; negative waits indefinitely")
	fs.Var(&rf.Ports, prefix+"ports", "coordinator port or min-max port range; 0 selects an ephemeral port")
	fs.StringVar(&rf.AdvertiseHost, prefix+"advertise-host", "", "host name given to remote workers")
	fs.BoolVar(&rf.SharedTemp, prefix+"shared-temp", false, "the temporary directory is shared with all workers")
	fs.StringVar(&rf.TempDir, prefix+"temp-dir", "", "directory for job scripts, logs and marker files")
	fs.BoolVar(&rf.Compress, prefix+"compress", false, "compress blocks exchanged with remote workers")
	fs.StringVar(&rf.JobName, prefix+"job-name", defaults.JobName, "name prefix for jobs and cloud resources")
	fs.Var(&rf.HTTPAddress, prefix+"http", "address of http status server")
	rf.HTTPAddress.Set(defaults.HTTPAddress)
	rf.HTTPAddress.Specified = false
	fs.BoolVar(&rf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	rf.fs = fs
}
