package ec2

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/gammadia/minidcos/backend/cloud"
	"github.com/samber/lo"
)

// API is the subset of the EC2 client used by the driver.
type API interface {
	awsec2.DescribeInstancesAPIClient
	ImportKeyPair(ctx context.Context, params *awsec2.ImportKeyPairInput, optFns ...func(*awsec2.Options)) (*awsec2.ImportKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *awsec2.DeleteKeyPairInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteKeyPairOutput, error)
	RunInstances(ctx context.Context, params *awsec2.RunInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
}

type Config struct {
	Region           string
	AMI              string
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	// RootVolumeSize is in GiB.
	RootVolumeSize int32
	LaunchTimeout  time.Duration
}

// Compute drives EC2 instances.
type Compute struct {
	api    API
	config Config
}

// Compute implements cloud.Compute
var _ cloud.Compute = (*Compute)(nil)

// liveStates are the instance states that still count as cluster nodes.
var liveStates = []string{"pending", "running", "stopping", "stopped"}

// New builds a driver from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Compute, error) {
	options := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewWithAPI(awsec2.NewFromConfig(awsConfig), cfg), nil
}

func NewWithAPI(api API, cfg Config) *Compute {
	cfg.InstanceType = lo.Ternary(cfg.InstanceType != "", cfg.InstanceType, "m5.xlarge")
	cfg.RootVolumeSize = lo.Ternary(cfg.RootVolumeSize > 0, cfg.RootVolumeSize, 100)
	cfg.LaunchTimeout = lo.Ternary(cfg.LaunchTimeout > 0, cfg.LaunchTimeout, 10*time.Minute)
	return &Compute{api: api, config: cfg}
}

func (c *Compute) Provider() string {
	return "aws"
}

func (c *Compute) ImportKey(ctx context.Context, name, authorizedKey string) error {
	_, err := c.api.ImportKeyPair(ctx, &awsec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(authorizedKey),
	})
	return describe(err)
}

func (c *Compute) DeleteKey(ctx context.Context, name string) error {
	_, err := c.api.DeleteKeyPair(ctx, &awsec2.DeleteKeyPairInput{KeyName: aws.String(name)})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidKeyPair.NotFound" {
		return nil
	}
	return describe(err)
}

func (c *Compute) Launch(ctx context.Context, options cloud.LaunchOptions) (cloud.Instance, error) {
	tags := []types.Tag{{Key: aws.String("Name"), Value: aws.String(options.Name)}}
	for key, value := range options.Tags {
		tags = append(tags, types.Tag{Key: aws.String(key), Value: aws.String(value)})
	}

	input := &awsec2.RunInstancesInput{
		ImageId:      aws.String(c.config.AMI),
		InstanceType: types.InstanceType(c.config.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(options.KeyName),
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(c.config.RootVolumeSize),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if c.config.SubnetID != "" {
		input.SubnetId = aws.String(c.config.SubnetID)
	}
	if len(c.config.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = c.config.SecurityGroupIDs
	}

	output, err := c.api.RunInstances(ctx, input)
	if err != nil {
		return cloud.Instance{}, describe(err)
	}
	if len(output.Instances) == 0 {
		return cloud.Instance{}, fmt.Errorf("no instance returned for '%s'", options.Name)
	}
	id := aws.ToString(output.Instances[0].InstanceId)

	described, err := awsec2.NewInstanceRunningWaiter(c.api).WaitForOutput(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, c.config.LaunchTimeout)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("failed while waiting for instance '%s' to run after %s: %w", id, c.config.LaunchTimeout, describe(err))
	}

	for _, reservation := range described.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) == id {
				return toInstance(instance)
			}
		}
	}
	return cloud.Instance{}, fmt.Errorf("instance '%s' disappeared while starting", id)
}

func (c *Compute) List(ctx context.Context, key, value string) ([]cloud.Instance, error) {
	filters := []types.Filter{{Name: aws.String("instance-state-name"), Values: liveStates}}
	if value == "" {
		filters = append(filters, types.Filter{Name: aws.String("tag-key"), Values: []string{key}})
	} else {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + key), Values: []string{value}})
	}

	var instances []cloud.Instance
	paginator := awsec2.NewDescribeInstancesPaginator(c.api, &awsec2.DescribeInstancesInput{Filters: filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, describe(err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				converted, err := toInstance(instance)
				if err != nil {
					return nil, err
				}
				instances = append(instances, converted)
			}
		}
	}
	return instances, nil
}

func (c *Compute) Terminate(ctx context.Context, instances []cloud.Instance) error {
	if len(instances) == 0 {
		return nil
	}
	ids := lo.Map(instances, func(i cloud.Instance, _ int) string { return i.ID })

	if _, err := c.api.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return describe(err)
	}
	if err := awsec2.NewInstanceTerminatedWaiter(c.api).Wait(ctx, &awsec2.DescribeInstancesInput{InstanceIds: ids}, c.config.LaunchTimeout); err != nil {
		return fmt.Errorf("failed while waiting for instances to terminate: %w", describe(err))
	}
	return nil
}

func toInstance(instance types.Instance) (cloud.Instance, error) {
	converted := cloud.Instance{
		ID:   aws.ToString(instance.InstanceId),
		Tags: map[string]string{},
	}
	for _, tag := range instance.Tags {
		if tag.Key == nil || tag.Value == nil {
			continue
		}
		if *tag.Key == "Name" {
			converted.Name = *tag.Value
		}
		converted.Tags[*tag.Key] = *tag.Value
	}

	var err error
	if converted.PublicAddress, err = parseAddr(instance.PublicIpAddress); err != nil {
		return cloud.Instance{}, err
	}
	if converted.PrivateAddress, err = parseAddr(instance.PrivateIpAddress); err != nil {
		return cloud.Instance{}, err
	}
	return converted, nil
}

func parseAddr(s *string) (netip.Addr, error) {
	if s == nil || *s == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(*s)
}

// describe prefixes err with its AWS error code.
func describe(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
