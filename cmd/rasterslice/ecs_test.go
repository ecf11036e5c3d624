// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
)

type fakeEC2 struct {
	ec2iface.EC2API
	groups   []*ec2.SecurityGroup
	vpcs     []*ec2.Vpc
	subnets  []*ec2.Subnet
	created  int
	ingress  []*ec2.IpPermission
	taggedID string
}

func (f *fakeEC2) DescribeSecurityGroups(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.groups}, nil
}

func (f *fakeEC2) DescribeVpcs(*ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) DescribeSubnets(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: f.subnets}, nil
}

func (f *fakeEC2) CreateSecurityGroup(in *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
	f.created++
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-new")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(in *ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.ingress = in.IpPermissions
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) CreateTags(in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
	f.taggedID = aws.StringValue(in.Resources[0])
	return &ec2.CreateTagsOutput{}, nil
}

func defaultVPCFake() *fakeEC2 {
	return &fakeEC2{
		vpcs:    []*ec2.Vpc{{VpcId: aws.String("vpc-1"), CidrBlock: aws.String("172.31.0.0/16")}},
		subnets: []*ec2.Subnet{{SubnetId: aws.String("subnet-a")}, {SubnetId: aws.String("subnet-b")}},
	}
}

func TestSetupSecurityGroup(t *testing.T) {
	svc := defaultVPCFake()
	id, err := setupSecurityGroup(svc, "rasterslice")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id, "sg-new"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := svc.taggedID, id; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(svc.ingress), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := aws.StringValue(svc.ingress[0].IpRanges[0].CidrIp), "172.31.0.0/16"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// An existing group is reused.
	svc = defaultVPCFake()
	svc.groups = []*ec2.SecurityGroup{{GroupId: aws.String("sg-old")}}
	id, err = setupSecurityGroup(svc, "rasterslice")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id, "sg-old"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if svc.created != 0 {
		t.Errorf("created %d security groups", svc.created)
	}

	// Accounts without a default VPC need manual setup.
	if _, err := setupSecurityGroup(&fakeEC2{}, "rasterslice"); err == nil {
		t.Error("expected an error")
	}
}

func TestDefaultSubnet(t *testing.T) {
	subnet, err := defaultSubnet(defaultVPCFake())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := subnet, "subnet-a"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	svc := defaultVPCFake()
	svc.subnets = nil
	if _, err := defaultSubnet(svc); err == nil {
		t.Error("expected an error")
	}
}
