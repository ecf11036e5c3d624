// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// We bring these in so we can show the user all the defaults when
	// writing the profile.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/rasterslice/exec"
	"github.com/grailbio/rasterslice/rasterconfig"
)

func setupECSUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: rasterslice setup-ecs [-securitygroup name]

Command setup-ecs sets up a security group and picks a subnet so that
Rasterslice programs can run cloud compute workers as AWS ECS tasks.
Once complete, the resulting configuration is written to the
Rasterslice configuration file at `, rasterconfig.Path, `.
If a configuration file already exists, then it is modified in place.

Setup-ecs tags the security group with the name "rasterslice"; if a
previously set up security group already exists, no new group is
created, but the configuration is modified to include that security
group.

The Rasterslice security group is set up with the following rules:

	allowed: all traffic within the default VPC
	allowed: all outbound
	allowed: inbound SSH connections

Workers connect back to the coordinator of the run that launched
them, so the coordinator must be reachable from the default VPC.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupECSCmd(args []string) {
	var (
		flags         = flag.NewFlagSet("rasterslice setup-ecs", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "rasterslice", "name of the security group to set up")
		image         = flags.String("image", "", "container image of cloud workers")
	)
	flags.Usage = func() { setupECSUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := loadProfile(rasterconfig.Path)
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("rasterslice.cloud-region", strings.Trim(region, `"`)))
	}
	var svc ec2iface.EC2API
	client := func() ec2iface.EC2API {
		if svc == nil {
			sess, err := session.NewSession()
			must.Nil(err, "setting up AWS session")
			svc = ec2.New(sess)
		}
		return svc
	}
	if v, ok := profile.Get("rasterslice.cloud-security-group"); ok && v != `""` {
		log.Print("security group ", v, " already configured")
	} else {
		ident, err := setupSecurityGroup(client(), *securityGroup)
		must.Nil(err, "setting up security group")
		must.Nil(profile.Set("rasterslice.cloud-security-group", ident))
		log.Print("set up new security group ", ident)
	}
	if v, ok := profile.Get("rasterslice.cloud-subnet"); ok && v != `""` {
		log.Print("subnet ", v, " already configured")
	} else {
		subnet, err := defaultSubnet(client())
		must.Nil(err, "finding a subnet")
		must.Nil(profile.Set("rasterslice.cloud-subnet", subnet))
		log.Print("using subnet ", subnet)
	}
	if *image != "" {
		must.Nil(profile.Set("rasterslice.cloud-image", *image))
	}
	writeProfile(profile, rasterconfig.Path)
}

func configCmd(args []string) {
	flags := flag.NewFlagSet("rasterslice config", flag.ExitOnError)
	must.Nil(flags.Parse(args))
	profile := loadProfile(rasterconfig.Path)
	must.Nil(profile.PrintTo(os.Stdout))
}

// loadProfile returns the profile at path, which need not exist.
func loadProfile(path string) *config.Profile {
	profile := config.New()
	f, err := os.Open(path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	return profile
}

// writeProfile atomically replaces the profile at path.
func writeProfile(profile *config.Profile, path string) {
	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(path), 0777))
	must.Nil(ioutil.WriteFile(path+".setup-ecs", buf.Bytes(), 0666))
	must.Nil(os.Rename(path+".setup-ecs", path))
	log.Print("wrote configuration to ", path)
}

func defaultVPC(svc ec2iface.EC2API) (*ec2.Vpc, error) {
	vpcResp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("error retrieving default VPC: %v", err)
	}
	switch len(vpcResp.Vpcs) {
	case 0:
		return nil, errors.New(
			"AWS account does not have a default VPC and requires manual setup.\n" +
				"See https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
		return vpcResp.Vpcs[0], nil
	default:
		return nil, errors.New("AWS account has multiple default VPCs; needs manual setup")
	}
}

// defaultSubnet returns the first default subnet of the default VPC.
func defaultSubnet(svc ec2iface.EC2API) (string, error) {
	vpc, err := defaultVPC(svc)
	if err != nil {
		return "", err
	}
	resp, err := svc.DescribeSubnets(&ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("vpc-id"), Values: []*string{vpc.VpcId}},
			{Name: aws.String("default-for-az"), Values: []*string{aws.String("true")}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("error retrieving subnets of VPC %s: %v", aws.StringValue(vpc.VpcId), err)
	}
	if len(resp.Subnets) == 0 {
		return "", fmt.Errorf("VPC %s has no default subnets; needs manual setup", aws.StringValue(vpc.VpcId))
	}
	return aws.StringValue(resp.Subnets[0].SubnetId), nil
}

func setupSecurityGroup(svc ec2iface.EC2API, name string) (string, error) {
	describeResp, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("group-name"),
				Values: []*string{aws.String(name)},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("unable to query existing security group: %v: %v", name, err)
	}
	if len(describeResp.SecurityGroups) > 0 {
		id := aws.StringValue(describeResp.SecurityGroups[0].GroupId)
		log.Printf("found existing rasterslice security group %s", id)
		return id, nil
	}
	log.Printf("no existing rasterslice security group found; creating new")
	vpc, err := defaultVPC(svc)
	if err != nil {
		return "", err
	}
	log.Printf("found default VPC %s", aws.StringValue(vpc.VpcId))
	resp, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group automatically created by rasterslice setup-ecs"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", fmt.Errorf("error creating security group %s: %v", name, err)
	}

	id := aws.StringValue(resp.GroupId)
	log.Printf("authorizing ingress traffic for security group %s", id)
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(id),
		IpPermissions: []*ec2.IpPermission{
			// Allow all internal traffic, including worker connections
			// to coordinators.
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
				FromPort:   aws.Int64(0),
				ToPort:     aws.Int64(0),
			},
			// Allow incoming SSH connections.
			{
				IpProtocol: aws.String("tcp"),
				IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				FromPort:   aws.Int64(22),
				ToPort:     aws.Int64(22),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to authorize security group %s for ingress traffic: %v", id, err)
	}
	// The default egress rules are to permit all outgoing traffic.
	log.Printf("tagging security group %s", id)
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String("rasterslice-sg"), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String("rasterslice")},
		},
	})
	if err != nil {
		log.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %v", id)
	return id, nil
}
