package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/moby/moby/api/types/jsonstream"
	"github.com/moby/moby/client"
)

// PullProgress is one per-layer update emitted while pulling an image.
type PullProgress struct {
	LayerID string
	Status  string
	Current int64
	Total   int64
}

// PullImage pulls an image by reference (tag or digest). encodedAuth carries
// the X-Registry-Auth payload for private registries; empty pulls
// anonymously. When report is non-nil it receives layer progress updates.
func (c *Client) PullImage(ctx context.Context, refStr, encodedAuth string, report func(PullProgress)) error {
	resp, err := c.api.ImagePull(ctx, refStr, client.ImagePullOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return err
	}
	if report == nil {
		return resp.Wait(ctx)
	}
	defer resp.Close()

	dec := json.NewDecoder(resp)
	for {
		var msg jsonstream.Message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
		p := PullProgress{LayerID: msg.ID, Status: msg.Status}
		if msg.Progress != nil {
			p.Current = msg.Progress.Current
			p.Total = msg.Progress.Total
		}
		report(p)
	}
}

// ImageDigest returns the repo digest of a locally available image, falling
// back to the image ID when the daemon records no repo digest for it.
func (c *Client) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	resp, err := c.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", err
	}
	if len(resp.RepoDigests) > 0 {
		return resp.RepoDigests[0], nil
	}
	return resp.ID, nil
}
