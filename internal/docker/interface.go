package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API is the subset of Docker operations the deployment engine and health
// monitor use. Implemented by Client for production and by mocks in tests.
type API interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context) (DaemonInfo, error)

	ListByLabels(ctx context.Context, labels map[string]string, all bool) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	KillContainer(ctx context.Context, id, signal string) error
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
	FollowLogs(ctx context.Context, id string, emit func(line string)) error

	PullImage(ctx context.Context, refStr, encodedAuth string, report func(PullProgress)) error
	ImageDigest(ctx context.Context, imageRef string) (string, error)

	EnsureNetwork(ctx context.Context, name, driver string, opts, labels map[string]string) (bool, error)
	RemoveNetwork(ctx context.Context, name string) error
	EnsureVolume(ctx context.Context, name, driver string, opts, labels map[string]string) (bool, error)
	RemoveVolume(ctx context.Context, name string) error

	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
