// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/grailbio/base/log"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/raster/memraster"
	"github.com/grailbio/rasterslice/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCloud holds the state behind fake ECS and EC2 clients that
// implement the calls made by cloud workers. If serve is set, each
// task runs its worker in-process; otherwise tasks run until they
// are stopped.
type fakeCloud struct {
	serve bool
	// failRun is the 1-based RunTask call that fails.
	failRun int

	mu        sync.Mutex
	calls     map[string]int
	stopped   map[string]bool
	instances int
	workers   sync.WaitGroup
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{calls: make(map[string]int), stopped: make(map[string]bool)}
}

type fakeECS struct {
	ecsiface.ECSAPI
	*fakeCloud
}

type fakeEC2 struct {
	ec2iface.EC2API
	*fakeCloud
}

func (f *fakeCloud) call(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.calls[name]
}

func (f *fakeCloud) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeCloud) stop(arn string) {
	f.mu.Lock()
	f.stopped[arn] = true
	f.mu.Unlock()
}

func (f fakeECS) CreateClusterWithContext(ctx aws.Context, in *ecs.CreateClusterInput, opts ...request.Option) (*ecs.CreateClusterOutput, error) {
	f.call("CreateCluster")
	return &ecs.CreateClusterOutput{Cluster: &ecs.Cluster{ClusterName: in.ClusterName}}, nil
}

func (f fakeECS) DeleteClusterWithContext(ctx aws.Context, in *ecs.DeleteClusterInput, opts ...request.Option) (*ecs.DeleteClusterOutput, error) {
	f.call("DeleteCluster")
	return &ecs.DeleteClusterOutput{}, nil
}

func (f fakeECS) RegisterTaskDefinitionWithContext(ctx aws.Context, in *ecs.RegisterTaskDefinitionInput, opts ...request.Option) (*ecs.RegisterTaskDefinitionOutput, error) {
	f.call("RegisterTaskDefinition")
	arn := "arn:aws:ecs:task-definition/" + aws.StringValue(in.Family)
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &ecs.TaskDefinition{TaskDefinitionArn: aws.String(arn)}}, nil
}

func (f fakeECS) DeregisterTaskDefinitionWithContext(ctx aws.Context, in *ecs.DeregisterTaskDefinitionInput, opts ...request.Option) (*ecs.DeregisterTaskDefinitionOutput, error) {
	f.call("DeregisterTaskDefinition")
	return &ecs.DeregisterTaskDefinitionOutput{}, nil
}

func (f fakeECS) RunTaskWithContext(ctx aws.Context, in *ecs.RunTaskInput, opts ...request.Option) (*ecs.RunTaskOutput, error) {
	n := f.call("RunTask")
	if n == f.failRun {
		return nil, fmt.Errorf("no capacity")
	}
	arn := fmt.Sprintf("arn:aws:ecs:task/%d", n)
	env := make(map[string]string)
	for _, kv := range in.Overrides.ContainerOverrides[0].Environment {
		env[aws.StringValue(kv.Name)] = aws.StringValue(kv.Value)
	}
	if f.serve {
		addr, err := wire.ParseAddress(env[coordinatorEnv])
		if err != nil {
			return nil, err
		}
		f.workers.Add(1)
		go func() {
			defer f.workers.Done()
			defer f.stop(arn)
			if err := ServeWorker(context.Background(), env[workerEnv], addr); err != nil {
				log.Printf("worker %s: %v", env[workerEnv], err)
			}
		}()
	}
	return &ecs.RunTaskOutput{Tasks: []*ecs.Task{{TaskArn: aws.String(arn)}}}, nil
}

func (f fakeECS) StopTaskWithContext(ctx aws.Context, in *ecs.StopTaskInput, opts ...request.Option) (*ecs.StopTaskOutput, error) {
	f.call("StopTask")
	f.stop(aws.StringValue(in.Task))
	return &ecs.StopTaskOutput{}, nil
}

func (f fakeECS) DescribeTasksWithContext(ctx aws.Context, in *ecs.DescribeTasksInput, opts ...request.Option) (*ecs.DescribeTasksOutput, error) {
	f.call("DescribeTasks")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := new(ecs.DescribeTasksOutput)
	for _, arn := range in.Tasks {
		status := ecs.DesiredStatusRunning
		if f.stopped[aws.StringValue(arn)] {
			status = ecs.DesiredStatusStopped
		}
		out.Tasks = append(out.Tasks, &ecs.Task{
			TaskArn:       arn,
			LastStatus:    aws.String(status),
			StoppedReason: aws.String("Essential container in task exited"),
		})
	}
	return out, nil
}

func (f fakeECS) ListContainerInstancesWithContext(ctx aws.Context, in *ecs.ListContainerInstancesInput, opts ...request.Option) (*ecs.ListContainerInstancesOutput, error) {
	f.call("ListContainerInstances")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := new(ecs.ListContainerInstancesOutput)
	for i := 0; i < f.instances; i++ {
		out.ContainerInstanceArns = append(out.ContainerInstanceArns, aws.String(fmt.Sprintf("arn:aws:ecs:container-instance/%d", i)))
	}
	return out, nil
}

func (f fakeEC2) RunInstancesWithContext(ctx aws.Context, in *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error) {
	f.call("RunInstances")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := new(ec2.Reservation)
	for i := int64(0); i < aws.Int64Value(in.MaxCount); i++ {
		out.Instances = append(out.Instances, &ec2.Instance{InstanceId: aws.String(fmt.Sprintf("i-%d", i))})
		f.instances++
	}
	return out, nil
}

func (f fakeEC2) TerminateInstancesWithContext(ctx aws.Context, in *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	f.call("TerminateInstances")
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f fakeEC2) WaitUntilInstanceTerminatedWithContext(ctx aws.Context, in *ec2.DescribeInstancesInput, opts ...request.WaiterOption) error {
	f.call("WaitUntilInstanceTerminated")
	return nil
}

func withFakeCloud(f *fakeCloud) (restore func()) {
	saved := newAWSClients
	newAWSClients = func(region string) (ecsiface.ECSAPI, ec2iface.EC2API, error) {
		return fakeECS{fakeCloud: f}, fakeEC2{fakeCloud: f}, nil
	}
	return func() { newAWSClients = saved }
}

func TestCloudApply(t *testing.T) {
	cloud := newFakeCloud()
	cloud.serve = true
	defer withFakeCloud(cloud)()
	job, cleanup := testJob(t, count, &counter{})
	defer cleanup()
	c := Config{
		ReadWorkers:    1,
		ComputeWorkers: 3,
		Kind:           KindCloud,
		AdvertiseHost:  "localhost",
		JobName:        "test",
		Cloud: CloudConfig{
			Image:        "worker:latest",
			Subnets:      []string{"subnet-1"},
			PollInterval: 50 * time.Millisecond,
		},
	}
	res, err := Start(Concurrency(c)).Apply(context.Background(), job)
	require.NoError(t, err)
	cloud.workers.Wait()

	assert.True(t, memraster.Get(job.Outputs["out"]).Block().Equal(testBlock()))
	var total int
	for _, v := range res.Aux {
		total += v.(*counter).Blocks
	}
	assert.Equal(t, res.Blocks, total)
	for call, want := range map[string]int{
		"CreateCluster":            1,
		"RegisterTaskDefinition":   1,
		"RunTask":                  3,
		"DeregisterTaskDefinition": 1,
		"DeleteCluster":            1,
		"RunInstances":             0,
	} {
		assert.Equal(t, want, cloud.count(call), call)
	}
	// Workers that had not connected by the end of the run are
	// stopped.
	assert.True(t, cloud.count("StopTask") <= c.ComputeWorkers-len(res.Aux))
}

func TestCloudTeardown(t *testing.T) {
	cloud := newFakeCloud()
	cloud.failRun = 2
	l := &cloudLauncher{
		config: CloudConfig{
			Image:        "worker:latest",
			LaunchType:   LaunchEC2,
			NumInstances: 2,
			AMI:          "ami-1",
			InstanceType: "m5.large",
			PollInterval: 20 * time.Millisecond,
		},
		ecs:   fakeECS{fakeCloud: cloud},
		ec2:   fakeEC2{fakeCloud: cloud},
		tasks: make(map[string]*WorkerHandle),
	}
	env := &launchEnv{
		Addr:  wire.Address{HostPort: "localhost:1", Token: "token"},
		RunID: "0123456789abcdef",
	}
	var handles []*WorkerHandle
	for i := 0; i < 3; i++ {
		handles = append(handles, newHandle(i, fmt.Sprintf("worker-%d", i)))
	}
	ctx := context.Background()
	require.NoError(t, l.Launch(ctx, env, handles))

	var failed int
	for _, h := range handles {
		switch h.State() {
		case HandleStarting:
			assert.True(t, strings.HasPrefix(h.Job(), "arn:aws:ecs:task/"), h.Job())
		case HandleFailed:
			failed++
			assert.Equal(t, rasterslice.ErrWorkerStart, rasterslice.KindOf(h.Err()))
		default:
			t.Errorf("unexpected state %v", h)
		}
	}
	assert.Equal(t, 1, failed)

	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx))
	for call, want := range map[string]int{
		"CreateCluster":               1,
		"RunInstances":                1,
		"RunTask":                     3,
		"StopTask":                    2,
		"DeregisterTaskDefinition":    1,
		"TerminateInstances":          1,
		"WaitUntilInstanceTerminated": 1,
		"DeleteCluster":               1,
	} {
		assert.Equal(t, want, cloud.count(call), call)
	}
}

func TestCloudTaskStopped(t *testing.T) {
	cloud := newFakeCloud()
	l := &cloudLauncher{
		config: CloudConfig{
			Image:        "worker:latest",
			Subnets:      []string{"subnet-1"},
			PollInterval: 20 * time.Millisecond,
		},
		ecs:   fakeECS{fakeCloud: cloud},
		ec2:   fakeEC2{fakeCloud: cloud},
		tasks: make(map[string]*WorkerHandle),
	}
	env := &launchEnv{
		Addr:  wire.Address{HostPort: "localhost:1", Token: "token"},
		RunID: "0123456789abcdef",
	}
	h := newHandle(0, "worker-0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, l.Launch(ctx, env, []*WorkerHandle{h}))
	cloud.stop(h.Job())
	state, err := h.WaitState(ctx, HandleFailed)
	require.NoError(t, err)
	assert.Equal(t, HandleFailed, state)
	assert.Equal(t, rasterslice.ErrWorkerStart, rasterslice.KindOf(h.Err()))
	assert.Contains(t, h.Err().Error(), "exited before connecting")
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 1, cloud.count("StopTask"))
}
