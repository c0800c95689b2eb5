package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/readystack/readystackgo/internal/config"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/store"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(t time.Time) *mockClock { return &mockClock{now: t} }

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	c.mu.Unlock()
	return ch
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testRegistry struct {
	reg   *Registry
	store *store.Store
	clk   *mockClock
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rsgo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clk := newMockClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	cfg := &config.Config{SourceSyncTimeout: time.Minute}
	log := logging.New(false, "error")
	return &testRegistry{
		reg:   NewRegistry(s, cfg, log, clk),
		store: s,
		clk:   clk,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// manifestDoc builds a minimal valid stack manifest.
func manifestDoc(name, version string) string {
	return fmt.Sprintf("name: %s\nversion: %q\ncompose: |\n  services:\n    app:\n      image: %s:%s\n", name, version, name, version)
}

func findDef(t *testing.T, defs []store.StackDefinition, name string) store.StackDefinition {
	t.Helper()
	for _, def := range defs {
		if def.Name == name {
			return def
		}
	}
	t.Fatalf("definition %s not found", name)
	return store.StackDefinition{}
}

const shopManifest = `name: shop
version: 1.2.0
compose: |
  services:
    web:
      image: shop/web:${TAG}
      ports:
        - "${HTTP_PORT}:80"
    db:
      image: postgres:16
    migrate:
      image: shop/migrate:${TAG}
      labels:
        rsgo.init.order: "1"
variables:
  - name: TAG
    default: "1.2.0"
  - name: HTTP_PORT
    label: HTTP port
    kind: number
    default: "8080"
  - name: DB_PASSWORD
    kind: secret
    required: true
`

const blogManifest = `name: blog
version: "2.0.0"
composeFile: compose.yaml
`

const blogCompose = `services:
  app:
    image: ghost:5
`

const suiteProducts = `products:
  - name: suite
    version: "1.0"
    stacks:
      - shop@1.2.0
      - blog
`

func TestSyncLocalDir(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), shopManifest)
	writeFile(t, filepath.Join(dir, "blog", "blog.stack.yaml"), blogManifest)
	writeFile(t, filepath.Join(dir, "blog", "compose.yaml"), blogCompose)
	writeFile(t, filepath.Join(dir, "README.md"), "not a manifest")
	writeFile(t, filepath.Join(dir, "products.yaml"), suiteProducts)

	src, err := tr.reg.AddSource(store.StackSource{
		Name:     "library",
		Kind:     store.SourceLocalDir,
		Location: dir,
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	res, err := tr.reg.Sync(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Definitions != 2 || res.Products != 1 {
		t.Fatalf("SyncResult = %+v, want 2 definitions and 1 product", res)
	}

	defs, err := tr.store.ListDefinitions(src.ID)
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	shop := findDef(t, defs, "shop")
	if want := src.ID + "/shop@1.2.0"; shop.ID != want {
		t.Errorf("shop ID = %q, want %q", shop.ID, want)
	}
	if !reflect.DeepEqual(shop.Services, []string{"db", "web"}) {
		t.Errorf("shop services = %v, want [db web]", shop.Services)
	}
	if !reflect.DeepEqual(shop.InitContainers, []string{"migrate"}) {
		t.Errorf("shop init containers = %v, want [migrate]", shop.InitContainers)
	}
	if len(shop.Variables) != 3 {
		t.Fatalf("shop has %d variables, want 3", len(shop.Variables))
	}
	if v := shop.Variables[0]; v.Name != "TAG" || v.Kind != store.VarText {
		t.Errorf("variable TAG = %+v, want kind text", v)
	}
	if v := shop.Variables[2]; v.Name != "DB_PASSWORD" || v.Kind != store.VarSecret || !v.IsRequired {
		t.Errorf("variable DB_PASSWORD = %+v, want a required secret", v)
	}

	blog := findDef(t, defs, "blog")
	if !strings.Contains(blog.ComposeTemplate, "ghost:5") {
		t.Errorf("blog template not resolved from composeFile: %q", blog.ComposeTemplate)
	}

	products, err := tr.store.ListProducts(src.ID)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("got %d products, want 1", len(products))
	}
	if want := []string{shop.ID, blog.ID}; !reflect.DeepEqual(products[0].StackDefinitionIDs, want) {
		t.Errorf("product stacks = %v, want %v", products[0].StackDefinitionIDs, want)
	}
	if shop.ProductID != products[0].ID {
		t.Errorf("shop ProductID = %q, want %q", shop.ProductID, products[0].ID)
	}

	synced, err := tr.store.GetSource(src.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if !synced.LastSyncedAt.Equal(tr.clk.Now()) {
		t.Errorf("LastSyncedAt = %s, want %s", synced.LastSyncedAt, tr.clk.Now())
	}
}

func TestSyncReplacesWholesale(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), shopManifest)
	writeFile(t, filepath.Join(dir, "blog.stack.yaml"), manifestDoc("blog", "2.0.0"))

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := tr.reg.Sync(context.Background(), src.ID); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	// Next release drops blog and moves shop to 1.3.0.
	if err := os.Remove(filepath.Join(dir, "blog.stack.yaml")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), strings.ReplaceAll(shopManifest, "1.2.0", "1.3.0"))

	res, err := tr.reg.Sync(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res.Definitions != 1 {
		t.Fatalf("SyncResult.Definitions = %d, want 1", res.Definitions)
	}

	defs, err := tr.store.ListDefinitions(src.ID)
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions after re-sync, want 1", len(defs))
	}
	if want := src.ID + "/shop@1.3.0"; defs[0].ID != want {
		t.Errorf("definition ID = %q, want %q", defs[0].ID, want)
	}
}

func TestSyncKeepsCatalogOnError(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), shopManifest)
	writeFile(t, filepath.Join(dir, "blog.stack.yaml"), manifestDoc("blog", "2.0.0"))

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := tr.reg.Sync(context.Background(), src.ID); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	t0 := tr.clk.Now()

	tr.clk.Advance(time.Hour)
	writeFile(t, filepath.Join(dir, "broken.stack.yaml"), "name: [oops\n")

	if _, err := tr.reg.Sync(context.Background(), src.ID); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("Sync = %v, want validation error", err)
	}

	defs, err := tr.store.ListDefinitions(src.ID)
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(defs) != 2 {
		t.Errorf("catalog changed after failed sync: %d definitions, want 2", len(defs))
	}
	synced, err := tr.store.GetSource(src.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if !synced.LastSyncedAt.Equal(t0) {
		t.Errorf("LastSyncedAt = %s, want unchanged %s", synced.LastSyncedAt, t0)
	}
}

func TestSyncDisabledAndMissing(t *testing.T) {
	tr := newTestRegistry(t)

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: t.TempDir(), Enabled: false,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := tr.reg.Sync(context.Background(), src.ID); !errdefs.IsKind(err, errdefs.KindInvalidState) {
		t.Errorf("Sync of disabled source = %v, want invalid state", err)
	}
	if _, err := tr.reg.Sync(context.Background(), "ghost"); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Errorf("Sync of unknown source = %v, want not found", err)
	}
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		wantKind errdefs.Kind
		wantErr  string
	}{
		{
			name:     "missing name",
			files:    map[string]string{"a.stack.yaml": "version: \"1\"\ncompose: |\n  services:\n    a:\n      image: a:1\n"},
			wantKind: errdefs.KindValidation,
			wantErr:  "has no name",
		},
		{
			name:     "missing version",
			files:    map[string]string{"a.stack.yaml": "name: a\ncompose: |\n  services:\n    a:\n      image: a:1\n"},
			wantKind: errdefs.KindValidation,
			wantErr:  "has no version",
		},
		{
			name:     "no template",
			files:    map[string]string{"a.stack.yaml": "name: a\nversion: \"1\"\n"},
			wantKind: errdefs.KindValidation,
			wantErr:  "has no compose template",
		},
		{
			name: "both compose and composeFile",
			files: map[string]string{
				"a.stack.yaml": "name: a\nversion: \"1\"\ncompose: \"services: {}\"\ncomposeFile: x.yaml\n",
			},
			wantKind: errdefs.KindValidation,
			wantErr:  "mutually exclusive",
		},
		{
			name: "enum without options",
			files: map[string]string{
				"a.stack.yaml": "name: a\nversion: \"1\"\ncompose: |\n  services:\n    a:\n      image: a:1\nvariables:\n  - name: MODE\n    kind: enum\n",
			},
			wantKind: errdefs.KindValidation,
			wantErr:  "has no options",
		},
		{
			name: "unknown variable kind",
			files: map[string]string{
				"a.stack.yaml": "name: a\nversion: \"1\"\ncompose: |\n  services:\n    a:\n      image: a:1\nvariables:\n  - name: MODE\n    kind: color\n",
			},
			wantKind: errdefs.KindValidation,
			wantErr:  "unknown kind",
		},
		{
			name: "duplicate stack",
			files: map[string]string{
				"a.stack.yaml": manifestDoc("shop", "1.0.0"),
				"b.stack.yaml": manifestDoc("shop", "1.0.0"),
			},
			wantKind: errdefs.KindValidation,
			wantErr:  "duplicate stack",
		},
		{
			name:     "template without services",
			files:    map[string]string{"a.stack.yaml": "name: a\nversion: \"1\"\ncompose: \"networks: {}\"\n"},
			wantKind: errdefs.KindPlanInvalid,
			wantErr:  "defines no services",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRegistry(t)
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(dir, name), content)
			}
			src, err := tr.reg.AddSource(store.StackSource{
				Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
			})
			if err != nil {
				t.Fatalf("AddSource: %v", err)
			}

			_, err = tr.reg.Sync(context.Background(), src.ID)
			if !errdefs.IsKind(err, tt.wantKind) {
				t.Fatalf("Sync = %v, want kind %s", err, tt.wantKind)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Sync = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestProductReferenceErrors(t *testing.T) {
	stacks := map[string]string{
		"shop-12.stack.yaml": manifestDoc("shop", "1.2.0"),
		"shop-13.stack.yaml": manifestDoc("shop", "1.3.0"),
	}

	tests := []struct {
		name     string
		products string
		wantErr  string
	}{
		{
			name:     "ambiguous unpinned reference",
			products: "products:\n  - name: suite\n    version: \"1\"\n    stacks: [shop]\n",
			wantErr:  "pin one",
		},
		{
			name:     "unknown stack",
			products: "products:\n  - name: suite\n    version: \"1\"\n    stacks: [ghost]\n",
			wantErr:  "unknown stack",
		},
		{
			name:     "unknown version",
			products: "products:\n  - name: suite\n    version: \"1\"\n    stacks: [shop@9.9.9]\n",
			wantErr:  "unknown version",
		},
		{
			name:     "no stacks",
			products: "products:\n  - name: suite\n    version: \"1\"\n",
			wantErr:  "lists no stacks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRegistry(t)
			dir := t.TempDir()
			for name, content := range stacks {
				writeFile(t, filepath.Join(dir, name), content)
			}
			writeFile(t, filepath.Join(dir, "products.yaml"), tt.products)
			src, err := tr.reg.AddSource(store.StackSource{
				Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
			})
			if err != nil {
				t.Fatalf("AddSource: %v", err)
			}

			_, err = tr.reg.Sync(context.Background(), src.ID)
			if !errdefs.IsKind(err, errdefs.KindValidation) {
				t.Fatalf("Sync = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Sync = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestComposeFileConfinement(t *testing.T) {
	t.Run("escape", func(t *testing.T) {
		tr := newTestRegistry(t)
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "evil.stack.yaml"), "name: evil\nversion: \"1\"\ncomposeFile: ../../secrets.yaml\n")
		src, err := tr.reg.AddSource(store.StackSource{
			Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
		})
		if err != nil {
			t.Fatalf("AddSource: %v", err)
		}
		if _, err := tr.reg.Sync(context.Background(), src.ID); err == nil || !strings.Contains(err.Error(), "escapes the source directory") {
			t.Errorf("Sync = %v, want escape rejection", err)
		}
	})

	t.Run("absolute path", func(t *testing.T) {
		tr := newTestRegistry(t)
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "abs.stack.yaml"), "name: abs\nversion: \"1\"\ncomposeFile: /etc/passwd\n")
		src, err := tr.reg.AddSource(store.StackSource{
			Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
		})
		if err != nil {
			t.Fatalf("AddSource: %v", err)
		}
		if _, err := tr.reg.Sync(context.Background(), src.ID); err == nil || !strings.Contains(err.Error(), "must be relative") {
			t.Errorf("Sync = %v, want relative path rejection", err)
		}
	})
}

func TestSyncCatalogSource(t *testing.T) {
	tr := newTestRegistry(t)
	doc := `stacks:
  - name: cache
    version: "7.2"
    compose: |
      services:
        redis:
          image: redis:7.2
        warmup:
          image: redis-warmup:1
          labels:
            rsgo.init.order: "1"
products:
  - name: cache-suite
    version: "1.0"
    stacks:
      - cache@7.2
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, doc)
	}))
	defer srv.Close()

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "hub", Kind: store.SourceCatalog, Location: srv.URL, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	res, err := tr.reg.Sync(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Definitions != 1 || res.Products != 1 {
		t.Fatalf("SyncResult = %+v, want 1 definition and 1 product", res)
	}

	defs, err := tr.store.ListDefinitions(src.ID)
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	if !reflect.DeepEqual(defs[0].Services, []string{"redis"}) {
		t.Errorf("services = %v, want [redis]", defs[0].Services)
	}
	if !reflect.DeepEqual(defs[0].InitContainers, []string{"warmup"}) {
		t.Errorf("init containers = %v, want [warmup]", defs[0].InitContainers)
	}
}

func TestSyncCatalogErrors(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		tr := newTestRegistry(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer srv.Close()

		src, err := tr.reg.AddSource(store.StackSource{
			Name: "hub", Kind: store.SourceCatalog, Location: srv.URL, Enabled: true,
		})
		if err != nil {
			t.Fatalf("AddSource: %v", err)
		}
		if _, err := tr.reg.Sync(context.Background(), src.ID); err == nil || !strings.Contains(err.Error(), "unexpected status") {
			t.Errorf("Sync = %v, want unexpected status error", err)
		}
	})

	t.Run("composeFile rejected", func(t *testing.T) {
		tr := newTestRegistry(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "stacks:\n  - name: cache\n    version: \"1\"\n    composeFile: oops.yaml\n")
		}))
		defer srv.Close()

		src, err := tr.reg.AddSource(store.StackSource{
			Name: "hub", Kind: store.SourceCatalog, Location: srv.URL, Enabled: true,
		})
		if err != nil {
			t.Fatalf("AddSource: %v", err)
		}
		if _, err := tr.reg.Sync(context.Background(), src.ID); !errdefs.IsKind(err, errdefs.KindValidation) {
			t.Errorf("Sync = %v, want validation error", err)
		}
	})
}

func TestSyncGitRepoUnreachable(t *testing.T) {
	tr := newTestRegistry(t)
	src, err := tr.reg.AddSource(store.StackSource{
		Name:     "repo",
		Kind:     store.SourceGitRepo,
		Location: filepath.Join(t.TempDir(), "missing.git"),
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := tr.reg.Sync(context.Background(), src.ID); err == nil {
		t.Fatal("Sync succeeded against a missing repository")
	}
}

func TestAddSourceValidation(t *testing.T) {
	tr := newTestRegistry(t)
	valid := func() store.StackSource {
		return store.StackSource{
			Name: "library", Kind: store.SourceLocalDir, Location: "/srv/stacks", Enabled: true,
		}
	}

	tests := []struct {
		name    string
		modify  func(*store.StackSource)
		wantErr string
	}{
		{"missing name", func(s *store.StackSource) { s.Name = "" }, "name is required"},
		{"unknown kind", func(s *store.StackSource) { s.Kind = "FTP" }, "unknown source kind"},
		{"missing location", func(s *store.StackSource) { s.Location = "" }, "location is required"},
		{"bad schedule", func(s *store.StackSource) { s.SyncSchedule = "whenever" }, "invalid sync schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := valid()
			tt.modify(&src)
			_, err := tr.reg.AddSource(src)
			if !errdefs.IsKind(err, errdefs.KindValidation) {
				t.Fatalf("AddSource = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("AddSource = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddSourceDefaults(t *testing.T) {
	tr := newTestRegistry(t)

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: "/srv/stacks",
		Enabled: true, SyncSchedule: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if src.ID == "" {
		t.Error("AddSource did not generate an ID")
	}
	if src.FilePattern != DefaultFilePattern {
		t.Errorf("FilePattern = %q, want %q", src.FilePattern, DefaultFilePattern)
	}

	hub, err := tr.reg.AddSource(store.StackSource{
		Name: "hub", Kind: store.SourceCatalog, Location: "https://stacks.example.com/catalog.yaml", Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if hub.FilePattern != "" {
		t.Errorf("catalog FilePattern = %q, want empty", hub.FilePattern)
	}
}

func TestUpdateSourcePreservesSyncTime(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), manifestDoc("shop", "1.0.0"))

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := tr.reg.Sync(context.Background(), src.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	t0 := tr.clk.Now()

	updated := src
	updated.SyncSchedule = "0 3 * * *"
	updated.LastSyncedAt = time.Time{}
	got, err := tr.reg.UpdateSource(updated)
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}
	if !got.LastSyncedAt.Equal(t0) {
		t.Errorf("LastSyncedAt = %s, want preserved %s", got.LastSyncedAt, t0)
	}

	if _, err := tr.reg.UpdateSource(store.StackSource{ID: "ghost", Name: "x", Kind: store.SourceLocalDir, Location: "/x"}); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Errorf("UpdateSource of unknown source = %v, want not found", err)
	}
}

func TestRemoveSourceClearsCatalog(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), manifestDoc("shop", "1.0.0"))
	writeFile(t, filepath.Join(dir, "products.yaml"), "products:\n  - name: suite\n    version: \"1\"\n    stacks: [shop]\n")

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := tr.reg.Sync(context.Background(), src.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := tr.reg.RemoveSource(src.ID); err != nil {
		t.Fatalf("RemoveSource: %v", err)
	}

	defs, err := tr.store.ListDefinitions(src.ID)
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("got %d definitions after removal, want 0", len(defs))
	}
	products, err := tr.store.ListProducts(src.ID)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 0 {
		t.Errorf("got %d products after removal, want 0", len(products))
	}
	if _, err := tr.reg.GetSource(src.ID); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Errorf("GetSource = %v, want not found", err)
	}
	if err := tr.reg.RemoveSource(src.ID); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Errorf("second RemoveSource = %v, want not found", err)
	}
}
