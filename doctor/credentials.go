package doctor

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/gophercloud/gophercloud/openstack"
)

// AWSCredentials resolves the default AWS credential chain.
func AWSCredentials(region string) Check {
	return Credentials("aws", func(ctx context.Context) error {
		options := []func(*config.LoadOptions) error{}
		if region != "" {
			options = append(options, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, options...)
		if err != nil {
			return err
		}
		if cfg.Region == "" {
			return errors.New("no region configured")
		}
		_, err = cfg.Credentials.Retrieve(ctx)
		return err
	})
}

// OpenStackCredentials reads the OS_* environment.
func OpenStackCredentials() Check {
	return Credentials("openstack", func(context.Context) error {
		_, err := openstack.AuthOptionsFromEnv()
		return err
	})
}

func HetznerCredentials(token string) Check {
	return Credentials("hetzner", func(context.Context) error {
		if token == "" {
			return errors.New("no Hetzner Cloud API token set")
		}
		return nil
	})
}
