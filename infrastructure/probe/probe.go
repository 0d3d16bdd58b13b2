// Package probe checks the liveness of nodes that are only known by URL.
//
// Supported schemes:
//
//	tcp://host:port   the node accepts TCP connections
//	grpc://host:port  the node serves the standard gRPC health service
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var ErrUnsupportedScheme = errors.New("unsupported node url scheme")

type Probe struct {
	url  string
	host string
	addr string

	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

func New(rawURL string) (*Probe, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse node url '%s': %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("node url '%s' has no host", rawURL)
	}

	p := &Probe{
		url:  rawURL,
		host: u.Hostname(),
		addr: u.Host,
	}

	switch u.Scheme {
	case "tcp":
	case "grpc":
		p.conn, err = grpc.NewClient(u.Host, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create grpc client for '%s': %w", rawURL, err)
		}
		p.health = healthpb.NewHealthClient(p.conn)
	default:
		return nil, fmt.Errorf("%w '%s'", ErrUnsupportedScheme, u.Scheme)
	}

	return p, nil
}

func (p *Probe) URL() string {
	return p.url
}

func (p *Probe) Host() string {
	return p.host
}

func (p *Probe) Ping(ctx context.Context) error {
	if p.health != nil {
		resp, err := p.health.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if status := resp.GetStatus(); status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("node is %s", status)
		}
		return nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *Probe) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
