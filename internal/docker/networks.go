package docker

import (
	"context"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/client"
)

// EnsureNetwork creates the named network if it does not exist and returns
// whether this call created it. Existing networks are left untouched.
func (c *Client) EnsureNetwork(ctx context.Context, name, driver string, opts, labels map[string]string) (created bool, err error) {
	_, err = c.api.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return false, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return false, err
	}

	_, err = c.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{
		Driver:  driver,
		Options: opts,
		Labels:  labels,
	})
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemoveNetwork removes a network by name or ID.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	_, err := c.api.NetworkRemove(ctx, name, client.NetworkRemoveOptions{})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}
