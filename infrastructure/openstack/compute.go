package openstack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

// Compute is the subset of the OpenStack compute API nodes are built with.
type Compute interface {
	CreateServer(ctx context.Context, name string) (string, error)
	ServerStatus(ctx context.Context, id string) (string, error)
	// ServerAddress returns the IPv4 address of the server.
	ServerAddress(ctx context.Context, id string) (string, error)
	DeleteServer(ctx context.Context, id string) error
	Close() error
}

// ErrServerNotFound is returned for servers deleted behind our back.
var ErrServerNotFound = errors.New("server not found")

// nova talks to the compute service with the credentials of the
// OS_* environment variables. The gophercloud v1 calls do not take a context.
type nova struct {
	client  *gophercloud.ServiceClient
	config  Config
	keyName string
	owner   string
}

// nova implements Compute
var _ Compute = (*nova)(nil)

func newNova(config Config, keyName, owner string) (*nova, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: os.Getenv("OS_REGION_NAME"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return &nova{client: client, config: config, keyName: keyName, owner: owner}, nil
}

// createKeypair returns the private key of a fresh keypair named after the
// nova key name.
func (n *nova) createKeypair() (string, error) {
	keypair, err := keypairs.Create(n.client, keypairs.CreateOpts{Name: n.keyName}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create keypair: %w", err)
	}
	return keypair.PrivateKey, nil
}

func (n *nova) CreateServer(_ context.Context, name string) (string, error) {
	server, err := servers.Create(n.client, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:      name,
			ImageRef:  n.config.Image,
			FlavorRef: n.config.Flavor,
			Networks: lo.Map(n.config.Networks, func(uuid string, _ int) servers.Network {
				return servers.Network{UUID: uuid}
			}),
			SecurityGroups: n.config.SecurityGroups,
			Metadata: map[string]string{
				"warden-infrastructure": n.owner,
				"warden-deployed-at":    time.Now().Format(time.RFC3339),
			},
		},
		KeyName: n.keyName,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create server '%s': %w", name, err)
	}
	return server.ID, nil
}

func (n *nova) ServerStatus(_ context.Context, id string) (string, error) {
	server, err := servers.Get(n.client, id).Extract()
	if err != nil {
		return "", notFound(err)
	}
	return server.Status, nil
}

func (n *nova) ServerAddress(_ context.Context, id string) (string, error) {
	pages, err := servers.ListAddresses(n.client, id).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to get addresses of server '%s': %w", id, notFound(err))
	}

	all, err := servers.ExtractAddresses(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract addresses of server '%s': %w", id, err)
	}

	for _, addresses := range all {
		for _, address := range addresses {
			if address.Version == 4 {
				return address.Address, nil
			}
		}
	}
	return "", fmt.Errorf("server '%s' has no IPv4 address", id)
}

func (n *nova) DeleteServer(_ context.Context, id string) error {
	err := servers.Delete(n.client, id).ExtractErr()
	if errors.Is(notFound(err), ErrServerNotFound) {
		return nil
	}
	return err
}

func (n *nova) Close() error {
	if err := keypairs.Delete(n.client, n.keyName, nil).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete keypair '%s': %w", n.keyName, err)
	}
	return nil
}

func notFound(err error) error {
	var notFound gophercloud.ErrDefault404
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrServerNotFound, err)
	}
	return err
}
