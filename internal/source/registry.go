// Package source manages stack sources: registering where definitions come
// from, syncing their manifests into the catalog, and scheduling automatic
// re-syncs. A sync replaces a source's published catalog wholesale; partial
// results are never written.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/config"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/store"
)

// DefaultFilePattern matches stack manifests in directory-backed sources.
const DefaultFilePattern = "*.stack.yaml"

// productsFile is the optional product bundling document at the root of a
// directory source.
const productsFile = "products.yaml"

// maxCatalogBytes caps the size of a fetched catalog document.
const maxCatalogBytes = 4 << 20

// Registry manages stack sources and publishes their catalogs.
type Registry struct {
	store  *store.Store
	cfg    *config.Config
	log    *logging.Logger
	clock  clock.Clock
	client *http.Client
}

// NewRegistry creates a Registry.
func NewRegistry(s *store.Store, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Registry {
	return &Registry{
		store:  s,
		cfg:    cfg,
		log:    log.Component("source"),
		clock:  clk,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// AddSource validates and registers a new source. It does not sync; call
// Sync or let the scheduler pick it up.
func (r *Registry) AddSource(src store.StackSource) (store.StackSource, error) {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Kind != store.SourceCatalog && src.FilePattern == "" {
		src.FilePattern = DefaultFilePattern
	}
	if err := validateSource(src); err != nil {
		return store.StackSource{}, err
	}
	if err := r.store.PutSource(src); err != nil {
		return store.StackSource{}, err
	}
	r.log.Info("source added", "source", src.ID, "name", src.Name, "kind", src.Kind)
	return src, nil
}

// UpdateSource replaces an existing source's settings. The published catalog
// is untouched until the next sync.
func (r *Registry) UpdateSource(src store.StackSource) (store.StackSource, error) {
	existing, err := r.store.GetSource(src.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.StackSource{}, errdefs.NotFound("source", src.ID)
		}
		return store.StackSource{}, err
	}
	src.LastSyncedAt = existing.LastSyncedAt
	if src.Kind != store.SourceCatalog && src.FilePattern == "" {
		src.FilePattern = DefaultFilePattern
	}
	if err := validateSource(src); err != nil {
		return store.StackSource{}, err
	}
	if err := r.store.PutSource(src); err != nil {
		return store.StackSource{}, err
	}
	return src, nil
}

// GetSource returns one source.
func (r *Registry) GetSource(id string) (store.StackSource, error) {
	src, err := r.store.GetSource(id)
	if errors.Is(err, store.ErrNotFound) {
		return store.StackSource{}, errdefs.NotFound("source", id)
	}
	return src, err
}

// ListSources returns all registered sources.
func (r *Registry) ListSources() ([]store.StackSource, error) {
	return r.store.ListSources()
}

// RemoveSource deletes a source together with the definitions and products
// it published. Deployments are unaffected: they carry their own copies of
// everything they need.
func (r *Registry) RemoveSource(id string) error {
	if _, err := r.store.GetSource(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errdefs.NotFound("source", id)
		}
		return err
	}
	if err := r.store.DeleteSource(id); err != nil {
		return err
	}
	r.log.Info("source removed", "source", id)
	return nil
}

func validateSource(src store.StackSource) error {
	if strings.TrimSpace(src.Name) == "" {
		return errdefs.Validation("source name is required")
	}
	switch src.Kind {
	case store.SourceLocalDir, store.SourceGitRepo, store.SourceCatalog:
	default:
		return errdefs.Validation("unknown source kind %q", src.Kind)
	}
	if strings.TrimSpace(src.Location) == "" {
		return errdefs.Validation("source location is required")
	}
	if src.SyncSchedule != "" {
		if _, err := cron.ParseStandard(src.SyncSchedule); err != nil {
			return errdefs.Validation("invalid sync schedule %q: %v", src.SyncSchedule, err)
		}
	}
	return nil
}

// SyncResult summarizes one completed sync.
type SyncResult struct {
	SourceID    string
	Definitions int
	Products    int
}

// Sync re-reads a source and replaces its published catalog. The replacement
// is all or nothing: when any manifest is invalid the previous catalog stays
// in place and the error reports the offending document.
func (r *Registry) Sync(ctx context.Context, sourceID string) (SyncResult, error) {
	src, err := r.store.GetSource(sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SyncResult{}, errdefs.NotFound("source", sourceID)
		}
		return SyncResult{}, err
	}
	if !src.Enabled {
		return SyncResult{}, errdefs.InvalidState("Disabled", "sync")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SourceSyncTimeout)
	defer cancel()

	res, err := r.sync(ctx, src)
	if err != nil {
		metrics.SourceSyncsTotal.WithLabelValues("error").Inc()
		r.log.Error("source sync failed", "source", src.ID, "name", src.Name, "error", err)
		return SyncResult{}, err
	}
	metrics.SourceSyncsTotal.WithLabelValues("success").Inc()
	r.log.Info("source synced", "source", src.ID, "name", src.Name,
		"definitions", res.Definitions, "products", res.Products)
	return res, nil
}

func (r *Registry) sync(ctx context.Context, src store.StackSource) (SyncResult, error) {
	var (
		stacks   []stackManifest
		products []productManifest
		err      error
	)
	switch src.Kind {
	case store.SourceLocalDir:
		stacks, products, err = r.loadDir(src, src.Location)
	case store.SourceGitRepo:
		stacks, products, err = r.loadGit(ctx, src)
	case store.SourceCatalog:
		stacks, products, err = r.loadCatalog(ctx, src)
	default:
		err = errdefs.Validation("unknown source kind %q", src.Kind)
	}
	if err != nil {
		return SyncResult{}, err
	}

	defs, prods, err := publish(src, stacks, products)
	if err != nil {
		return SyncResult{}, err
	}
	if err := r.store.ReplaceSourceCatalog(src.ID, defs, prods); err != nil {
		return SyncResult{}, fmt.Errorf("replace catalog: %w", err)
	}

	src.LastSyncedAt = r.clock.Now()
	if err := r.store.PutSource(src); err != nil {
		return SyncResult{}, fmt.Errorf("record sync time: %w", err)
	}
	return SyncResult{SourceID: src.ID, Definitions: len(defs), Products: len(prods)}, nil
}

// publish converts parsed manifests into catalog records. Definitions are
// built first so product references resolve against this sync's set.
func publish(src store.StackSource, stacks []stackManifest, products []productManifest) ([]store.StackDefinition, []store.Product, error) {
	if len(stacks) == 0 {
		return nil, nil, errdefs.Validation("source %s has no stack manifests", src.Name)
	}

	defs := make([]store.StackDefinition, 0, len(stacks))
	byName := make(map[string][]store.StackDefinition)
	seen := make(map[string]bool)
	for _, mf := range stacks {
		def, err := mf.definition(src.ID)
		if err != nil {
			return nil, nil, err
		}
		if seen[def.ID] {
			return nil, nil, errdefs.Validation("duplicate stack %s@%s", def.Name, def.Version)
		}
		seen[def.ID] = true
		defs = append(defs, def)
		byName[def.Name] = append(byName[def.Name], def)
	}

	prods := make([]store.Product, 0, len(products))
	pseen := make(map[string]bool)
	memberOf := make(map[string]string)
	for _, pm := range products {
		p, err := pm.product(src.ID, byName)
		if err != nil {
			return nil, nil, err
		}
		if pseen[p.ID] {
			return nil, nil, errdefs.Validation("duplicate product %s@%s", p.Name, p.Version)
		}
		pseen[p.ID] = true
		prods = append(prods, p)
		for _, defID := range p.StackDefinitionIDs {
			memberOf[defID] = p.ID
		}
	}
	for i := range defs {
		defs[i].ProductID = memberOf[defs[i].ID]
	}
	return defs, prods, nil
}

// loadDir walks a directory tree for stack manifests matching the source's
// file pattern, plus an optional products.yaml at the root.
func (r *Registry) loadDir(src store.StackSource, root string) ([]stackManifest, []productManifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, errdefs.Validation("source %s: %v", src.Name, err)
	}
	if !info.IsDir() {
		return nil, nil, errdefs.Validation("source %s: %s is not a directory", src.Name, root)
	}
	pattern := src.FilePattern
	if pattern == "" {
		pattern = DefaultFilePattern
	}

	var stacks []stackManifest
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		ok, err := filepath.Match(pattern, d.Name())
		if err != nil {
			return errdefs.Validation("invalid file pattern %q: %v", pattern, err)
		}
		if !ok {
			return nil
		}
		mf, err := r.readStackManifest(root, path)
		if err != nil {
			return err
		}
		stacks = append(stacks, mf)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(stacks, func(i, j int) bool {
		if stacks[i].Name != stacks[j].Name {
			return stacks[i].Name < stacks[j].Name
		}
		return stacks[i].Version < stacks[j].Version
	})

	products, err := r.readProductsManifest(filepath.Join(root, productsFile))
	if err != nil {
		return nil, nil, err
	}
	return stacks, products, nil
}

// readStackManifest parses one manifest file, resolving a composeFile
// reference relative to the manifest. References may not escape the source
// root.
func (r *Registry) readStackManifest(root, path string) (stackManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stackManifest{}, fmt.Errorf("read %s: %w", path, err)
	}
	origin, err := filepath.Rel(root, path)
	if err != nil {
		origin = filepath.Base(path)
	}
	mf, err := parseStackManifest(origin, data)
	if err != nil {
		return stackManifest{}, err
	}
	if mf.Compose != "" && mf.ComposeFile != "" {
		return stackManifest{}, errdefs.Validation("%s: compose and composeFile are mutually exclusive", origin)
	}
	if mf.ComposeFile != "" {
		if filepath.IsAbs(mf.ComposeFile) {
			return stackManifest{}, errdefs.Validation("%s: composeFile %q must be relative", origin, mf.ComposeFile)
		}
		target := filepath.Join(filepath.Dir(path), mf.ComposeFile)
		if !insideDir(root, target) {
			return stackManifest{}, errdefs.Validation("%s: composeFile %q escapes the source directory", origin, mf.ComposeFile)
		}
		raw, err := os.ReadFile(target)
		if err != nil {
			return stackManifest{}, errdefs.Validation("%s: composeFile %s: %v", origin, mf.ComposeFile, err)
		}
		mf.Compose = string(raw)
	}
	return mf, nil
}

func insideDir(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (r *Registry) readProductsManifest(path string) ([]productManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseProductsManifest(filepath.Base(path), data)
}

// loadGit shallow-clones the repository at the configured ref into a scratch
// directory and reads it like a local directory.
func (r *Registry) loadGit(ctx context.Context, src store.StackSource) ([]stackManifest, []productManifest, error) {
	tmp, err := os.MkdirTemp("", "rsgo-source-*")
	if err != nil {
		return nil, nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	args := []string{"clone", "--depth", "1", "--quiet"}
	if src.Ref != "" {
		args = append(args, "--branch", src.Ref)
	}
	args = append(args, "--", src.Location, tmp)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Fail instead of hanging on a credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, nil, fmt.Errorf("git clone %s: %s", src.Location, detail)
	}
	return r.loadDir(src, tmp)
}

// loadCatalog fetches a single YAML document bundling stacks and products.
func (r *Registry) loadCatalog(ctx context.Context, src store.StackSource) ([]stackManifest, []productManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return nil, nil, errdefs.Validation("catalog url %q: %v", src.Location, err)
	}
	req.Header.Set("Accept", "application/yaml, text/yaml")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch catalog: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog: %w", err)
	}
	doc, err := parseCatalogManifest(src.Location, body)
	if err != nil {
		return nil, nil, err
	}
	for _, mf := range doc.Stacks {
		if mf.ComposeFile != "" {
			return nil, nil, errdefs.Validation("catalog stack %s: composeFile is not supported, inline the template", mf.Name)
		}
	}
	return doc.Stacks, doc.Products, nil
}
