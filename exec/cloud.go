// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/rasterslice"
	"golang.org/x/sync/errgroup"
)

// Cloud launch types.
const (
	LaunchFargate = "FARGATE"
	LaunchEC2     = "EC2"
)

// containerName is the name of the worker container in the task
// definition.
const containerName = "worker"

// CloudConfig configures cloud compute workers, each of which runs
// as an AWS ECS task.
type CloudConfig struct {
	// Region is the AWS region. It defaults to the region of the
	// AWS environment.
	Region string `yaml:"region"`
	// Cluster names an existing ECS cluster. If empty, a cluster is
	// created for the run and deleted afterwards.
	Cluster string `yaml:"cluster"`
	// Image is the container image that runs the worker. Its
	// entrypoint must run the program's binary, which then runs as a
	// worker because of its environment.
	Image string `yaml:"image"`
	// Command, if set, overrides the image's command.
	Command []string `yaml:"command"`
	// CPU and Memory are the task's CPU units and memory in MiB.
	// They default to 1024 and 2048.
	CPU    int `yaml:"cpu"`
	Memory int `yaml:"memory"`
	// Subnets and SecurityGroups configure task networking, or the
	// placement of private instances.
	Subnets        []string `yaml:"subnets"`
	SecurityGroups []string `yaml:"security_groups"`
	AssignPublicIP bool     `yaml:"assign_public_ip"`
	// ExecutionRole and TaskRole are IAM role ARNs for the task.
	ExecutionRole string `yaml:"execution_role"`
	TaskRole      string `yaml:"task_role"`
	// LaunchType is FARGATE (the default) or EC2.
	LaunchType string `yaml:"launch_type"`
	// NumInstances, if positive, launches that many private EC2
	// container instances of InstanceType from AMI for the run. They
	// are terminated afterwards. Only valid with the EC2 launch type.
	NumInstances    int    `yaml:"num_instances"`
	InstanceType    string `yaml:"instance_type"`
	AMI             string `yaml:"ami"`
	InstanceProfile string `yaml:"instance_profile"`
	// LogGroup, if set, sends container logs to this CloudWatch log
	// group.
	LogGroup string `yaml:"log_group"`
	// Tags are applied to every resource created for the run.
	Tags map[string]string `yaml:"tags"`
	// PollInterval is the interval at which task states are polled.
	// Zero selects DefaultPollInterval.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c CloudConfig) launchType() string {
	if c.LaunchType == "" {
		return LaunchFargate
	}
	return strings.ToUpper(c.LaunchType)
}

func (c CloudConfig) validate() error {
	fail := func(format string, args ...interface{}) error {
		return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Image == "":
		return fail("cloud workers require a container image")
	case c.CPU < 0 || c.Memory < 0:
		return fail("negative cloud worker resources")
	case c.PollInterval < 0:
		return fail("negative cloud poll interval %v", c.PollInterval)
	}
	switch c.launchType() {
	case LaunchFargate:
		if len(c.Subnets) == 0 {
			return fail("%s cloud workers require at least one subnet", LaunchFargate)
		}
		if c.NumInstances > 0 {
			return fail("private instances require the %s launch type", LaunchEC2)
		}
	case LaunchEC2:
		if c.NumInstances > 0 && (c.AMI == "" || c.InstanceType == "") {
			return fail("private instances require an AMI and an instance type")
		}
		if c.NumInstances == 0 && c.Cluster == "" {
			return fail("the %s launch type requires an existing cluster or private instances", LaunchEC2)
		}
	default:
		return fail("unknown cloud launch type %q", c.LaunchType)
	}
	return nil
}

// newAWSClients returns the ECS and EC2 clients used by cloud
// workers.
var newAWSClients = func(region string) (ecsiface.ECSAPI, ec2iface.EC2API, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, nil, err
	}
	return ecs.New(sess), ec2.New(sess), nil
}

type cloudLauncher struct {
	config CloudConfig
	ecs    ecsiface.ECSAPI
	ec2    ec2iface.EC2API

	cluster    string
	ownCluster bool
	taskDef    string
	instances  []*string

	mu    sync.Mutex
	tasks map[string]*WorkerHandle

	steps         once.Map
	cancelMonitor func()
	monitorDone   chan struct{}
}

func newCloudLauncher(c CloudConfig) (*cloudLauncher, error) {
	ecsc, ec2c, err := newAWSClients(c.Region)
	if err != nil {
		return nil, rasterslice.WrapError(rasterslice.ErrWorkerStart, err)
	}
	return &cloudLauncher{
		config: c,
		ecs:    ecsc,
		ec2:    ec2c,
		tasks:  make(map[string]*WorkerHandle),
	}, nil
}

func (l *cloudLauncher) pollInterval() time.Duration {
	if l.config.PollInterval == 0 {
		return DefaultPollInterval
	}
	return l.config.PollInterval
}

func (l *cloudLauncher) ecsTags() []*ecs.Tag {
	var tags []*ecs.Tag
	for _, k := range sortedKeys(l.config.Tags) {
		tags = append(tags, &ecs.Tag{Key: aws.String(k), Value: aws.String(l.config.Tags[k])})
	}
	return tags
}

func (l *cloudLauncher) ec2Tags(name string) []*ec2.Tag {
	tags := []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	for _, k := range sortedKeys(l.config.Tags) {
		tags = append(tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(l.config.Tags[k])})
	}
	return tags
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *cloudLauncher) Launch(ctx context.Context, env *launchEnv, handles []*WorkerHandle) error {
	fail := func(err error) error {
		return rasterslice.WrapError(rasterslice.ErrWorkerStart, err)
	}
	name := env.JobName
	if name == "" {
		name = "rasterslice"
	}
	name += "-" + shortRunID(env.RunID)
	if l.config.Cluster != "" {
		l.cluster = l.config.Cluster
	} else {
		out, err := l.ecs.CreateClusterWithContext(ctx, &ecs.CreateClusterInput{
			ClusterName: aws.String(name),
			Tags:        l.ecsTags(),
		})
		if err != nil {
			return fail(fmt.Errorf("create cluster %s: %v", name, err))
		}
		l.cluster = aws.StringValue(out.Cluster.ClusterName)
		l.ownCluster = true
		log.Printf("cloud: created cluster %s", l.cluster)
	}
	if l.config.launchType() == LaunchEC2 && l.config.NumInstances > 0 {
		if err := l.launchInstances(ctx, env, name); err != nil {
			return fail(err)
		}
	}
	if err := l.registerTaskDefinition(ctx, name); err != nil {
		return fail(err)
	}
	_ = traverse.Limit(10).Each(len(handles), func(i int) error {
		h := handles[i]
		h.Set(HandleStarting)
		if err := l.runTask(ctx, env, h); err != nil {
			h.Fail(rasterslice.Errorf(rasterslice.ErrWorkerStart, "run task: %v", err).WithWorker(h.Name))
		}
		return nil
	})
	mctx, cancel := context.WithCancel(ctx)
	l.cancelMonitor = cancel
	l.monitorDone = make(chan struct{})
	go l.monitor(mctx)
	return nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// launchInstances launches the private container instances of the
// run and waits for them to register with the cluster.
func (l *cloudLauncher) launchInstances(ctx context.Context, env *launchEnv, name string) error {
	userData := fmt.Sprintf("#!/bin/bash\necho ECS_CLUSTER=%s >> /etc/ecs/ecs.config\n", l.cluster)
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(l.config.AMI),
		InstanceType:     aws.String(l.config.InstanceType),
		MinCount:         aws.Int64(int64(l.config.NumInstances)),
		MaxCount:         aws.Int64(int64(l.config.NumInstances)),
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		SecurityGroupIds: aws.StringSlice(l.config.SecurityGroups),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String("instance"),
			Tags:         l.ec2Tags(name),
		}},
	}
	if len(l.config.Subnets) > 0 {
		input.SubnetId = aws.String(l.config.Subnets[0])
	}
	if l.config.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Name: aws.String(l.config.InstanceProfile)}
	}
	out, err := l.ec2.RunInstancesWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("run instances: %v", err)
	}
	for _, inst := range out.Instances {
		l.instances = append(l.instances, inst.InstanceId)
	}
	log.Printf("cloud: launched %d instances; waiting for them to join cluster %s", len(l.instances), l.cluster)
	wctx := ctx
	if env.ConnectTimeout != NoTimeout {
		var cancel func()
		wctx, cancel = context.WithTimeout(ctx, orDefault(env.ConnectTimeout, DefaultConnectTimeout))
		defer cancel()
	}
	policy := retry.Backoff(time.Second, l.pollInterval(), 1.5)
	for retries := 0; ; retries++ {
		list, err := l.ecs.ListContainerInstancesWithContext(wctx, &ecs.ListContainerInstancesInput{
			Cluster: aws.String(l.cluster),
		})
		if err == nil && len(list.ContainerInstanceArns) >= len(l.instances) {
			return nil
		}
		if err != nil {
			log.Error.Printf("cloud: list container instances: %v", err)
		}
		if err := retry.Wait(wctx, policy, retries); err != nil {
			return fmt.Errorf("instances did not join cluster %s: %v", l.cluster, err)
		}
	}
}

func (l *cloudLauncher) registerTaskDefinition(ctx context.Context, family string) error {
	cpu, mem := l.config.CPU, l.config.Memory
	if cpu == 0 {
		cpu = 1024
	}
	if mem == 0 {
		mem = 2048
	}
	container := &ecs.ContainerDefinition{
		Name:      aws.String(containerName),
		Image:     aws.String(l.config.Image),
		Essential: aws.Bool(true),
	}
	if len(l.config.Command) > 0 {
		container.Command = aws.StringSlice(l.config.Command)
	}
	if l.config.LogGroup != "" {
		opts := map[string]*string{
			"awslogs-group":         aws.String(l.config.LogGroup),
			"awslogs-stream-prefix": aws.String(family),
		}
		if l.config.Region != "" {
			opts["awslogs-region"] = aws.String(l.config.Region)
		}
		container.LogConfiguration = &ecs.LogConfiguration{
			LogDriver: aws.String(ecs.LogDriverAwslogs),
			Options:   opts,
		}
	}
	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(family),
		ContainerDefinitions:    []*ecs.ContainerDefinition{container},
		Cpu:                     aws.String(strconv.Itoa(cpu)),
		Memory:                  aws.String(strconv.Itoa(mem)),
		RequiresCompatibilities: aws.StringSlice([]string{l.config.launchType()}),
		Tags:                    l.ecsTags(),
	}
	if l.config.launchType() == LaunchFargate {
		input.NetworkMode = aws.String(ecs.NetworkModeAwsvpc)
	} else {
		input.NetworkMode = aws.String(ecs.NetworkModeHost)
	}
	if l.config.ExecutionRole != "" {
		input.ExecutionRoleArn = aws.String(l.config.ExecutionRole)
	}
	if l.config.TaskRole != "" {
		input.TaskRoleArn = aws.String(l.config.TaskRole)
	}
	out, err := l.ecs.RegisterTaskDefinitionWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("register task definition %s: %v", family, err)
	}
	l.taskDef = aws.StringValue(out.TaskDefinition.TaskDefinitionArn)
	return nil
}

func (l *cloudLauncher) runTask(ctx context.Context, env *launchEnv, h *WorkerHandle) error {
	var vars []*ecs.KeyValuePair
	for _, kv := range env.environ(h) {
		if i := strings.Index(kv, "="); i > 0 {
			vars = append(vars, &ecs.KeyValuePair{Name: aws.String(kv[:i]), Value: aws.String(kv[i+1:])})
		}
	}
	input := &ecs.RunTaskInput{
		Cluster:        aws.String(l.cluster),
		TaskDefinition: aws.String(l.taskDef),
		LaunchType:     aws.String(l.config.launchType()),
		Count:          aws.Int64(1),
		StartedBy:      aws.String(shortRunID(env.RunID)),
		Overrides: &ecs.TaskOverride{
			ContainerOverrides: []*ecs.ContainerOverride{{
				Name:        aws.String(containerName),
				Environment: vars,
			}},
		},
	}
	if l.config.launchType() == LaunchFargate {
		assign := ecs.AssignPublicIpDisabled
		if l.config.AssignPublicIP {
			assign = ecs.AssignPublicIpEnabled
		}
		input.NetworkConfiguration = &ecs.NetworkConfiguration{
			AwsvpcConfiguration: &ecs.AwsVpcConfiguration{
				Subnets:        aws.StringSlice(l.config.Subnets),
				SecurityGroups: aws.StringSlice(l.config.SecurityGroups),
				AssignPublicIp: aws.String(assign),
			},
		}
	}
	out, err := l.ecs.RunTaskWithContext(ctx, input)
	if err != nil {
		return err
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return fmt.Errorf("%s: %s", aws.StringValue(f.Arn), aws.StringValue(f.Reason))
	}
	if len(out.Tasks) == 0 {
		return errors.E(errors.Invalid, "no task started")
	}
	arn := aws.StringValue(out.Tasks[0].TaskArn)
	h.setJob(arn)
	l.mu.Lock()
	l.tasks[arn] = h
	l.mu.Unlock()
	return nil
}

// taskArns returns the ARNs of launched tasks whose handles satisfy
// keep.
func (l *cloudLauncher) taskArns(keep func(*WorkerHandle) bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var arns []string
	for arn, h := range l.tasks {
		if keep(h) {
			arns = append(arns, arn)
		}
	}
	sort.Strings(arns)
	return arns
}

// describe returns the ECS descriptions of the provided tasks.
func (l *cloudLauncher) describe(ctx context.Context, arns []string) ([]*ecs.Task, error) {
	var tasks []*ecs.Task
	for len(arns) > 0 {
		n := len(arns)
		if n > 100 {
			n = 100
		}
		out, err := l.ecs.DescribeTasksWithContext(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(l.cluster),
			Tasks:   aws.StringSlice(arns[:n]),
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, out.Tasks...)
		arns = arns[n:]
	}
	return tasks, nil
}

func stoppedReason(task *ecs.Task) string {
	reason := aws.StringValue(task.StoppedReason)
	for _, c := range task.Containers {
		if c.ExitCode != nil {
			reason += fmt.Sprintf("; container exited with code %d", aws.Int64Value(c.ExitCode))
		}
		if r := aws.StringValue(c.Reason); r != "" {
			reason += "; " + r
		}
	}
	return reason
}

// monitor fails the handles of tasks that stop before their workers
// connect.
func (l *cloudLauncher) monitor(ctx context.Context) {
	defer close(l.monitorDone)
	ticker := time.NewTicker(l.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		arns := l.taskArns(func(h *WorkerHandle) bool { return h.State() == HandleStarting })
		if len(arns) == 0 {
			continue
		}
		tasks, err := l.describe(ctx, arns)
		if err != nil {
			if ctx.Err() == nil {
				log.Error.Printf("cloud: describe tasks: %v", err)
			}
			continue
		}
		for _, task := range tasks {
			if aws.StringValue(task.LastStatus) != ecs.DesiredStatusStopped {
				continue
			}
			l.mu.Lock()
			h := l.tasks[aws.StringValue(task.TaskArn)]
			l.mu.Unlock()
			if h != nil {
				exitedBeforeConnect(h, fmt.Sprintf("task %s stopped: %s", aws.StringValue(task.TaskArn), stoppedReason(task)))
			}
		}
	}
}

// Stop releases the run's cloud resources: it stops tasks whose
// workers did not drain, waits for all tasks to stop, deregisters
// the task definition, terminates private instances and deletes the
// run's cluster. Each step runs at most once; a failed step does not
// prevent later ones.
func (l *cloudLauncher) Stop(ctx context.Context) error {
	if l.cancelMonitor != nil {
		l.cancelMonitor()
		<-l.monitorDone
	}
	var first error
	step := func(name string, fn func() error) {
		if err := l.steps.Do(name, fn); err != nil {
			log.Error.Printf("cloud: %s: %v", name, err)
			if first == nil {
				first = err
			}
		}
	}
	step("stop tasks", func() error {
		arns := l.taskArns(func(h *WorkerHandle) bool { return h.State() != HandleDrained })
		g, gctx := errgroup.WithContext(ctx)
		for _, arn := range arns {
			arn := arn
			g.Go(func() error {
				_, err := l.ecs.StopTaskWithContext(gctx, &ecs.StopTaskInput{
					Cluster: aws.String(l.cluster),
					Task:    aws.String(arn),
					Reason:  aws.String("rasterslice run finished"),
				})
				return err
			})
		}
		return g.Wait()
	})
	step("wait for tasks", func() error {
		arns := l.taskArns(func(*WorkerHandle) bool { return true })
		if len(arns) == 0 {
			return nil
		}
		policy := retry.Backoff(time.Second, l.pollInterval(), 1.5)
		for retries := 0; ; retries++ {
			tasks, err := l.describe(ctx, arns)
			if err == nil {
				running := 0
				for _, task := range tasks {
					if aws.StringValue(task.LastStatus) != ecs.DesiredStatusStopped {
						running++
					}
				}
				if running == 0 {
					return nil
				}
			}
			if err := retry.Wait(ctx, policy, retries); err != nil {
				return err
			}
		}
	})
	if l.taskDef != "" {
		step("deregister task definition", func() error {
			_, err := l.ecs.DeregisterTaskDefinitionWithContext(ctx, &ecs.DeregisterTaskDefinitionInput{
				TaskDefinition: aws.String(l.taskDef),
			})
			return err
		})
	}
	if len(l.instances) > 0 {
		step("terminate instances", func() error {
			if _, err := l.ec2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: l.instances,
			}); err != nil {
				return err
			}
			return l.ec2.WaitUntilInstanceTerminatedWithContext(ctx, &ec2.DescribeInstancesInput{
				InstanceIds: l.instances,
			})
		})
	}
	if l.ownCluster {
		step("delete cluster", func() error {
			_, err := l.ecs.DeleteClusterWithContext(ctx, &ecs.DeleteClusterInput{
				Cluster: aws.String(l.cluster),
			})
			if err == nil {
				log.Printf("cloud: deleted cluster %s", l.cluster)
			}
			return err
		})
	}
	return first
}
