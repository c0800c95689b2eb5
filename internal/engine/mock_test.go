package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/readystack/readystackgo/internal/config"
	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/registry"
	"github.com/readystack/readystackgo/internal/secrets"
	"github.com/readystack/readystackgo/internal/store"
)

// mockDocker implements docker.API for engine tests.
type mockDocker struct {
	mu sync.Mutex

	pingErr error
	info    docker.DaemonInfo
	infoErr error

	containers    []container.Summary
	containersErr error

	inspectResults map[string]container.InspectResponse
	inspectErr     map[string]error

	createResult  map[string]string // name → id
	createErr     map[string]error
	createCalls   []string
	createConfigs map[string]*container.Config
	createHosts   map[string]*container.HostConfig
	createNets    map[string]*network.NetworkingConfig

	startCalls []string
	startErr   map[string]error

	stopCalls []string
	stopErr   map[string]error

	killCalls []string
	killErr   map[string]error

	removeCalls []string
	removeErr   map[string]error

	logsResults map[string]string
	followLines map[string][]string

	pullCalls []string
	pullErr   map[string]error

	imageDigests   map[string]string
	imageDigestErr map[string]error

	networkCalls     []string
	networkExisting  map[string]bool
	networkErr       map[string]error
	networkRemoved   []string
	networkRemoveErr map[string]error

	volumeCalls     []string
	volumeExisting  map[string]bool
	volumeErr       map[string]error
	volumeRemoved   []string
	volumeRemoveErr map[string]error
}

func newMockDocker() *mockDocker {
	return &mockDocker{
		inspectResults:   make(map[string]container.InspectResponse),
		inspectErr:       make(map[string]error),
		createResult:     make(map[string]string),
		createErr:        make(map[string]error),
		createConfigs:    make(map[string]*container.Config),
		createHosts:      make(map[string]*container.HostConfig),
		createNets:       make(map[string]*network.NetworkingConfig),
		startErr:         make(map[string]error),
		stopErr:          make(map[string]error),
		killErr:          make(map[string]error),
		removeErr:        make(map[string]error),
		logsResults:      make(map[string]string),
		followLines:      make(map[string][]string),
		pullErr:          make(map[string]error),
		imageDigests:     make(map[string]string),
		imageDigestErr:   make(map[string]error),
		networkExisting:  make(map[string]bool),
		networkErr:       make(map[string]error),
		networkRemoveErr: make(map[string]error),
		volumeExisting:   make(map[string]bool),
		volumeErr:        make(map[string]error),
		volumeRemoveErr:  make(map[string]error),
	}
}

func (m *mockDocker) Ping(_ context.Context) error { return m.pingErr }

func (m *mockDocker) Info(_ context.Context) (docker.DaemonInfo, error) {
	return m.info, m.infoErr
}

func (m *mockDocker) ListByLabels(_ context.Context, labels map[string]string, _ bool) ([]container.Summary, error) {
	if m.containersErr != nil {
		return nil, m.containersErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []container.Summary
	for _, c := range m.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockDocker) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.inspectErr[id]; ok && err != nil {
		return container.InspectResponse{}, err
	}
	return m.inspectResults[id], nil
}

func (m *mockDocker) CreateContainer(_ context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, name)
	if cfg != nil {
		m.createConfigs[name] = cfg
	}
	if hostCfg != nil {
		m.createHosts[name] = hostCfg
	}
	if netCfg != nil {
		m.createNets[name] = netCfg
	}
	m.mu.Unlock()
	if err, ok := m.createErr[name]; ok {
		return "", err
	}
	if id, ok := m.createResult[name]; ok {
		return id, nil
	}
	return "new-" + name, nil
}

func (m *mockDocker) StartContainer(_ context.Context, id string) error {
	m.mu.Lock()
	m.startCalls = append(m.startCalls, id)
	m.mu.Unlock()
	if err, ok := m.startErr[id]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) StopContainer(_ context.Context, id string, _ int) error {
	m.mu.Lock()
	m.stopCalls = append(m.stopCalls, id)
	m.mu.Unlock()
	if err, ok := m.stopErr[id]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) KillContainer(_ context.Context, id, _ string) error {
	m.mu.Lock()
	m.killCalls = append(m.killCalls, id)
	m.mu.Unlock()
	if err, ok := m.killErr[id]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) RemoveContainer(_ context.Context, id string, _ bool) error {
	m.mu.Lock()
	m.removeCalls = append(m.removeCalls, id)
	m.mu.Unlock()
	if err, ok := m.removeErr[id]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) ContainerLogs(_ context.Context, id string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logsResults[id], nil
}

func (m *mockDocker) FollowLogs(_ context.Context, id string, emit func(line string)) error {
	m.mu.Lock()
	lines := m.followLines[id]
	m.mu.Unlock()
	for _, l := range lines {
		emit(l)
	}
	return nil
}

func (m *mockDocker) PullImage(_ context.Context, refStr, _ string, _ func(docker.PullProgress)) error {
	m.mu.Lock()
	m.pullCalls = append(m.pullCalls, refStr)
	m.mu.Unlock()
	if err, ok := m.pullErr[refStr]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) ImageDigest(_ context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.imageDigestErr[ref]; ok && err != nil {
		return "", err
	}
	return m.imageDigests[ref], nil
}

func (m *mockDocker) EnsureNetwork(_ context.Context, name, _ string, _, _ map[string]string) (bool, error) {
	m.mu.Lock()
	m.networkCalls = append(m.networkCalls, name)
	m.mu.Unlock()
	if err, ok := m.networkErr[name]; ok {
		return false, err
	}
	return !m.networkExisting[name], nil
}

func (m *mockDocker) RemoveNetwork(_ context.Context, name string) error {
	m.mu.Lock()
	m.networkRemoved = append(m.networkRemoved, name)
	m.mu.Unlock()
	if err, ok := m.networkRemoveErr[name]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) EnsureVolume(_ context.Context, name, _ string, _, _ map[string]string) (bool, error) {
	m.mu.Lock()
	m.volumeCalls = append(m.volumeCalls, name)
	m.mu.Unlock()
	if err, ok := m.volumeErr[name]; ok {
		return false, err
	}
	return !m.volumeExisting[name], nil
}

func (m *mockDocker) RemoveVolume(_ context.Context, name string) error {
	m.mu.Lock()
	m.volumeRemoved = append(m.volumeRemoved, name)
	m.mu.Unlock()
	if err, ok := m.volumeRemoveErr[name]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) Close() error { return nil }

// Verify mockDocker implements API at compile time.
var _ docker.API = (*mockDocker)(nil)

// primeRunning seeds a stable running inspect state for containers the
// engine will create under the default "new-" id.
func (m *mockDocker) primeRunning(names ...string) {
	for _, n := range names {
		id := "new-" + n
		m.inspectResults[id] = containerRunning(id)
	}
}

// containerRunning is an inspect response that passes service readiness.
func containerRunning(id string) container.InspectResponse {
	return container.InspectResponse{
		ID:    id,
		State: &container.State{Running: true},
	}
}

// containerExited is an inspect response for a finished container.
func containerExited(id string, code int) container.InspectResponse {
	return container.InspectResponse{
		ID:    id,
		State: &container.State{Status: container.StateExited, ExitCode: code},
	}
}

// containerHealthy is a running inspect response with a passing healthcheck.
func containerHealthy(id string) container.InspectResponse {
	r := containerRunning(id)
	r.State.Health = &container.Health{Status: container.Healthy}
	return r
}

// mockClock implements clock.Clock. Every wait on After advances the
// reading by the requested duration, so poll loops run instantly while
// deadline checks still fire after the budgeted number of polls.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{now: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *mockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// notifySpy records every notification it is handed.
type notifySpy struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *notifySpy) Send(_ context.Context, e notify.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *notifySpy) Name() string { return "spy" }

func (s *notifySpy) types() []notify.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *notifySpy) last(t notify.EventType) (notify.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			return s.events[i], true
		}
	}
	return notify.Event{}, false
}

// daemonsFunc adapts a function to the Daemons interface.
type daemonsFunc func(envID string) (docker.API, error)

func (f daemonsFunc) ClientFor(envID string) (docker.API, error) { return f(envID) }

// testEngine is an Engine wired to a mock daemon, a temp store and a spy
// notifier. The embedded Engine exposes the operations under test.
type testEngine struct {
	*Engine
	mock  *mockDocker
	store *store.Store
	clock *mockClock
	spy   *notifySpy
	box   *secrets.Box
}

func newTestEngine(t *testing.T, mock *mockDocker) *testEngine {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "rsgo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	box, err := secrets.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	clk := newMockClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	spy := &notifySpy{}
	log := logging.New(false, "error")
	cfg := &config.Config{
		PullParallelism:     2,
		PullTimeout:         time.Minute,
		InitTimeout:         time.Minute,
		ServiceStartTimeout: 10 * time.Second,
		StopGrace:           time.Second,
		SnapshotKeep:        3,
		HealthInterval:      10 * time.Second,
		HealthCycleTimeout:  30 * time.Second,
		HealthHistorySize:   10,
		ProgressRetention:   time.Hour,
	}

	eng := New(
		s,
		daemonsFunc(func(string) (docker.API, error) { return mock, nil }),
		registry.NewResolver(s, box),
		box,
		progress.NewHub(cfg.ProgressRetention, clk),
		notify.NewMulti(log, spy),
		cfg,
		log,
		clk,
	)

	if err := s.PutEnvironment(store.Environment{
		ID:       "env-1",
		Name:     "test",
		Endpoint: "unix:///tmp/docker.sock",
	}); err != nil {
		t.Fatalf("put environment: %v", err)
	}

	return &testEngine{Engine: eng, mock: mock, store: s, clock: clk, spy: spy, box: box}
}

// seedCatalog replaces the test source's catalog in one call. Definitions
// that should coexist must be seeded together.
func (te *testEngine) seedCatalog(t *testing.T, defs []store.StackDefinition, products []store.Product) {
	t.Helper()
	if err := te.store.ReplaceSourceCatalog("src-1", defs, products); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
}

// mustGetDeployment reloads a deployment record.
func (te *testEngine) mustGetDeployment(t *testing.T, id string) store.Deployment {
	t.Helper()
	d, err := te.store.GetDeployment(id)
	if err != nil {
		t.Fatalf("get deployment %s: %v", id, err)
	}
	return d
}

// terminalEvent reads the retained progress event for a finished session.
func (te *testEngine) terminalEvent(t *testing.T, sessionID string) progress.Event {
	t.Helper()
	sub := te.SubscribeProgress(sessionID)
	defer te.UnsubscribeProgress(sub)
	select {
	case evt := <-sub.Events:
		return evt
	case <-time.After(time.Second):
		t.Fatalf("no retained progress event for session %s", sessionID)
		return progress.Event{}
	}
}

// drainEvents collects everything currently buffered on a subscription.
func drainEvents(sub *progress.Subscription) []progress.Event {
	var out []progress.Event
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

// Compose fixtures shared across the operation tests.
const webDBCompose = `
services:
  web:
    image: nginx:1.25
    environment:
      GREETING: ${GREETING}
    ports:
      - "8080:80"
    depends_on:
      - db
  db:
    image: postgres:16
`

const webDBComposeV2 = `
services:
  web:
    image: nginx:1.27
    environment:
      GREETING: ${GREETING}
    ports:
      - "8080:80"
    depends_on:
      - db
  db:
    image: postgres:16
`

const initCompose = `
services:
  migrate:
    image: migrator:1
    restart: "no"
    labels:
      rsgo.init.order: "1"
  web:
    image: nginx:1.25
`

const secretCompose = `
services:
  db:
    image: postgres:16
    environment:
      POSTGRES_PASSWORD: ${DB_PASSWORD}
`

// webDBDefinition is the standard two-service definition used by the
// install and upgrade tests.
func webDBDefinition(id, version, compose string) store.StackDefinition {
	return store.StackDefinition{
		ID:              id,
		SourceID:        "src-1",
		Name:            "webdb",
		Version:         version,
		ComposeTemplate: compose,
		Variables: []store.Variable{
			{Name: "GREETING", Kind: store.VarText, DefaultValue: "hello"},
		},
	}
}
