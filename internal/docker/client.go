// Package docker wraps the Docker Engine API for one daemon. Each
// environment gets its own Client; Manager caches them by environment id.
package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/moby/moby/client"

	"github.com/readystack/readystackgo/internal/errdefs"
)

// Client wraps the Docker API client for a single daemon.
type Client struct {
	api  *client.Client
	host string
}

// TLSConfig holds paths to TLS certificates for connecting to a Docker
// socket proxy or remote Docker daemon over mTLS.
type TLSConfig struct {
	CACert     string // path to CA certificate file
	ClientCert string // path to client certificate file
	ClientKey  string // path to client private key file
}

func (t *TLSConfig) complete() bool {
	return t != nil && t.CACert != "" && t.ClientCert != "" && t.ClientKey != ""
}

// loadTLS reads the certificate files and returns a configured tls.Config.
func (t *TLSConfig) loadTLS() (*tls.Config, error) {
	caCert, err := os.ReadFile(t.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", t.CACert, err)
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert %s", t.CACert)
	}

	clientCert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	return &tls.Config{
		RootCAs:      certPool,
		Certificates: []tls.Certificate{clientCert},
		MinVersion:   tls.VersionTLS12,
	}, nil // ServerName is set by the caller with the parsed host
}

// NewClient connects to the daemon behind endpoint. Accepted forms:
// "unix:///var/run/docker.sock", a bare socket path, or "tcp://host:2376".
// If tlsCfg is fully populated, tcp connections use mTLS.
func NewClient(endpoint string, tlsCfg *TLSConfig) (*Client, error) {
	var opts []client.Opt

	switch {
	case strings.HasPrefix(endpoint, "tcp://"), strings.HasPrefix(endpoint, "tcps://"):
		opts = append(opts, client.WithHost(endpoint))

		if tlsCfg.complete() {
			tlsConfig, err := tlsCfg.loadTLS()
			if err != nil {
				return nil, fmt.Errorf("configure Docker TLS: %w", err)
			}
			// Set ServerName for proper hostname verification.
			if u, parseErr := url.Parse(endpoint); parseErr == nil {
				tlsConfig.ServerName = u.Hostname()
			}
			opts = append(opts, client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					TLSClientConfig:       tlsConfig,
					IdleConnTimeout:       90 * time.Second,
					TLSHandshakeTimeout:   10 * time.Second,
					ResponseHeaderTimeout: 30 * time.Second,
				},
			}))
		}
	default:
		sock := strings.TrimPrefix(endpoint, "unix://")
		opts = append(opts,
			client.WithHost("unix://"+sock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", sock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, err
	}

	return &Client{api: api, host: endpoint}, nil
}

// Host returns the endpoint this client was dialed with.
func (c *Client) Host() string {
	return c.host
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx, client.PingOptions{}); err != nil {
		return errdefs.DockerUnavailable(err)
	}
	return nil
}

// DaemonInfo identifies the daemon behind a client.
type DaemonInfo struct {
	ID                string
	Name              string
	ServerVersion     string
	Containers        int
	ContainersRunning int
}

// Info returns daemon identity and capacity details.
func (c *Client) Info(ctx context.Context) (DaemonInfo, error) {
	result, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return DaemonInfo{}, errdefs.DockerUnavailable(err)
	}
	return DaemonInfo{
		ID:                result.Info.ID,
		Name:              result.Info.Name,
		ServerVersion:     result.Info.ServerVersion,
		Containers:        result.Info.Containers,
		ContainersRunning: result.Info.ContainersRunning,
	}, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
