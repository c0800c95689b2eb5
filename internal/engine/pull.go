package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/registry"
)

// pullImages fetches every unique image of a plan, up to the configured
// fan-out at once, within the pull phase budget. digests carry snapshot
// pins; a pinned image is pulled by digest first and falls back to its tag
// when the registry no longer serves the digest.
func (e *Engine) pullImages(ctx context.Context, api docker.API, em *emitter, images []string, digests map[string]string) error {
	if len(images) == 0 {
		em.step(progress.PhasePullingImages, "no images to pull", phasePercent(progress.PhasePullingImages, 1, 1))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PullTimeout)
	defer cancel()

	total := len(images)
	em.step(progress.PhasePullingImages, fmt.Sprintf("pulling %d images", total), phasePercent(progress.PhasePullingImages, 0, total))

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PullParallelism)
	for _, image := range images {
		g.Go(func() error {
			ref := image
			if pinned, ok := registry.PinnedRef(digests[image]); ok {
				ref = pinned
			}
			err := e.pullOne(gctx, api, ref)
			if err != nil && ref != image {
				e.log.Warn("digest pull failed, retrying by tag", "image", image, "digest", ref, "error", err)
				err = e.pullOne(gctx, api, image)
			}
			if err != nil {
				metrics.ImagePullsTotal.WithLabelValues("failure").Inc()
				return errdefs.ImagePull(image, err)
			}
			metrics.ImagePullsTotal.WithLabelValues("success").Inc()

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			em.step(progress.PhasePullingImages, fmt.Sprintf("pulled %s (%d/%d)", image, n, total), phasePercent(progress.PhasePullingImages, n, total))
			return nil
		})
	}
	return g.Wait()
}

// pullOne resolves registry credentials for the reference and pulls with
// transient-error retry.
func (e *Engine) pullOne(ctx context.Context, api docker.API, ref string) error {
	var encodedAuth string
	cred, err := e.resolver.Resolve(ref)
	if err != nil {
		return err
	}
	if cred != nil {
		encodedAuth, err = cred.EncodedAuth()
		if err != nil {
			return err
		}
		e.log.Debug("pulling with credential", "image", ref, "credential", cred.Name)
	}

	report := func(p docker.PullProgress) {
		if p.Status == "Pull complete" || p.Status == "Download complete" {
			e.log.Debug("pull progress", "image", ref, "layer", p.LayerID, "status", p.Status)
		}
	}
	return withRetry(ctx, e.clock, func() error {
		return api.PullImage(ctx, ref, encodedAuth, report)
	})
}
