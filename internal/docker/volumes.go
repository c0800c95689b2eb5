package docker

import (
	"context"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/client"
)

// EnsureVolume creates the named volume if it does not exist and returns
// whether this call created it. VolumeCreate is idempotent on the daemon
// side, but the inspect-first check lets callers track ownership.
func (c *Client) EnsureVolume(ctx context.Context, name, driver string, opts, labels map[string]string) (created bool, err error) {
	_, err = c.api.VolumeInspect(ctx, name, client.VolumeInspectOptions{})
	if err == nil {
		return false, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return false, err
	}

	_, err = c.api.VolumeCreate(ctx, client.VolumeCreateOptions{
		Name:       name,
		Driver:     driver,
		DriverOpts: opts,
		Labels:     labels,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveVolume removes a named volume. Missing volumes are not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.api.VolumeRemove(ctx, name, client.VolumeRemoveOptions{})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}
