package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ListByLabels returns containers carrying every given label=value pair.
// Stopped containers are included when all is true.
func (c *Client) ListByLabels(ctx context.Context, labels map[string]string, all bool) ([]container.Summary, error) {
	f := client.Filters{}
	for k, v := range labels {
		f = f.Add("label", k+"="+v)
	}
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: all, Filters: f})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectContainer returns full container details by ID.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// CreateContainer creates a new container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// StopContainer stops a running container with the given grace period in
// seconds before the daemon kills it.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

// KillContainer sends a signal to a running container.
func (c *Client) KillContainer(ctx context.Context, id, signal string) error {
	_, err := c.api.ContainerKill(ctx, id, client.ContainerKillOptions{Signal: signal})
	return err
}

// RemoveContainer removes a container (force). Anonymous volumes are removed
// alongside when removeVolumes is true.
func (c *Client) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolumes,
	})
	return err
}

// ContainerLogs returns the last tail lines of a container's logs, stdout
// and stderr merged.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}
	reader, err := c.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// Containers running with a TTY produce a raw stream; re-read it as is.
		reader2, err2 := c.api.ContainerLogs(ctx, id, opts)
		if err2 != nil {
			return "", fmt.Errorf("container logs fallback: %w", err2)
		}
		defer reader2.Close()
		raw, _ := io.ReadAll(reader2)
		return string(raw), nil
	}

	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// FollowLogs streams a container's log lines to emit until the container
// stops or ctx is cancelled. Cancellation is not an error.
func (c *Client) FollowLogs(ctx context.Context, id string, emit func(line string)) error {
	reader, err := c.api.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("follow logs: %w", err)
	}
	defer reader.Close()

	w := lineWriter{emit: emit}
	if _, err := stdcopy.StdCopy(w, w, reader); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("follow logs: %w", err)
	}
	return nil
}

// lineWriter splits a demuxed log stream into lines for a callback.
type lineWriter struct {
	emit func(line string)
}

func (w lineWriter) Write(b []byte) (int, error) {
	for _, line := range bytes.Split(b, []byte{'\n'}) {
		if len(line) != 0 {
			w.emit(string(line))
		}
	}
	return len(b), nil
}
