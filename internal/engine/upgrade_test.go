package engine

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/store"
)

// installDemo deploys the v1 fixture and returns the deployment id.
func installDemo(t *testing.T, te *testEngine) string {
	t.Helper()
	te.mock.primeRunning("demo-db", "demo-web")
	id, err := te.DeployStack(context.Background(), DeployRequest{
		EnvironmentID:     "env-1",
		StackDefinitionID: "def-1",
		StackName:         "demo",
		SessionID:         "sess-install",
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	return id
}

func TestUpgradeStackRecreatesOnlyChangedServices(t *testing.T) {
	mock := newMockDocker()
	te := newTestEngine(t, mock)
	te.seedCatalog(t, []store.StackDefinition{
		webDBDefinition("def-1", "1.0.0", webDBCompose),
		webDBDefinition("def-2", "2.0.0", webDBComposeV2),
	}, nil)
	id := installDemo(t, te)

	// The replacement web container gets a distinct id so the swap shows
	// up in the call logs.
	mock.createResult["demo-web"] = "v2-demo-web"
	mock.inspectResults["v2-demo-web"] = containerRunning("v2-demo-web")

	err := te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "sess-up",
	})
	if err != nil {
		t.Fatalf("UpgradeStack: %v", err)
	}

	d := te.mustGetDeployment(t, id)
	if d.Status != store.StatusRunning {
		t.Errorf("status = %s, want %s", d.Status, store.StatusRunning)
	}
	if d.CurrentVersion != "2.0.0" || d.StackDefinitionID != "def-2" {
		t.Errorf("version/definition = %s/%s, want 2.0.0/def-2", d.CurrentVersion, d.StackDefinitionID)
	}
	if d.UpgradeCount != 1 {
		t.Errorf("upgrade count = %d, want 1", d.UpgradeCount)
	}
	if d.LastOperation != store.OpUpgrade {
		t.Errorf("last operation = %s, want %s", d.LastOperation, store.OpUpgrade)
	}

	// Only web changed: db keeps its container, web was stopped, removed
	// and recreated.
	if want := []string{"new-demo-web"}; !reflect.DeepEqual(mock.stopCalls, want) {
		t.Errorf("stopCalls = %v, want %v", mock.stopCalls, want)
	}
	if want := []string{"demo-db", "demo-web", "demo-web"}; !reflect.DeepEqual(mock.createCalls, want) {
		t.Errorf("createCalls = %v, want %v", mock.createCalls, want)
	}

	if len(d.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(d.Services))
	}
	if d.Services[0].Name != "db" || d.Services[0].ContainerID != "new-demo-db" {
		t.Errorf("kept service = %+v, want db on its old container", d.Services[0])
	}
	if d.Services[1].Name != "web" || d.Services[1].ContainerID != "v2-demo-web" {
		t.Errorf("recreated service = %+v, want web on v2-demo-web", d.Services[1])
	}

	// The restore point was refreshed to the now-current state.
	snap, err := te.store.LatestSnapshot(id, store.SnapshotPreUpgrade)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.TargetVersion != "2.0.0" {
		t.Errorf("snapshot target version = %q, want 2.0.0", snap.TargetVersion)
	}
	snaps, err := te.store.ListSnapshots(id)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Errorf("snapshots = %d, want pre-install, pre-upgrade and refresh", len(snaps))
	}

	if e, ok := te.spy.last(notify.EventUpgradeSucceeded); !ok || e.OldVersion != "1.0.0" || e.NewVersion != "2.0.0" {
		t.Errorf("upgrade_succeeded event = %+v, want 1.0.0 -> 2.0.0", e)
	}
	evt := te.terminalEvent(t, "sess-up")
	if !evt.IsComplete || evt.IsError || evt.Message != "stack demo upgraded to 2.0.0" {
		t.Errorf("terminal event = %+v", evt)
	}
}

func TestUpgradeStackNoChangesKeepsContainers(t *testing.T) {
	mock := newMockDocker()
	te := newTestEngine(t, mock)
	te.seedCatalog(t, []store.StackDefinition{
		webDBDefinition("def-1", "1.0.0", webDBCompose),
		webDBDefinition("def-2", "1.0.1", webDBCompose),
	}, nil)
	id := installDemo(t, te)

	err := te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "sess-noop",
	})
	if err != nil {
		t.Fatalf("UpgradeStack: %v", err)
	}

	if len(mock.stopCalls) != 0 {
		t.Errorf("stopCalls = %v, want none", mock.stopCalls)
	}
	if want := []string{"demo-db", "demo-web"}; !reflect.DeepEqual(mock.createCalls, want) {
		t.Errorf("createCalls = %v, want install creates only", mock.createCalls)
	}

	d := te.mustGetDeployment(t, id)
	if d.CurrentVersion != "1.0.1" || d.UpgradeCount != 1 {
		t.Errorf("version/count = %s/%d, want 1.0.1/1", d.CurrentVersion, d.UpgradeCount)
	}
	ids := []string{d.Services[0].ContainerID, d.Services[1].ContainerID}
	if want := []string{"new-demo-db", "new-demo-web"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("service containers = %v, want unchanged %v", ids, want)
	}
}

const webOnlyComposeV2 = `
services:
  web:
    image: nginx:1.27
    environment:
      GREETING: ${GREETING}
    ports:
      - "8080:80"
`

func TestUpgradeStackDropsRemovedServices(t *testing.T) {
	mock := newMockDocker()
	te := newTestEngine(t, mock)
	te.seedCatalog(t, []store.StackDefinition{
		webDBDefinition("def-1", "1.0.0", webDBCompose),
		webDBDefinition("def-2", "2.0.0", webOnlyComposeV2),
	}, nil)
	id := installDemo(t, te)

	mock.createResult["demo-web"] = "v2-demo-web"
	mock.inspectResults["v2-demo-web"] = containerRunning("v2-demo-web")

	err := te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "sess-drop",
	})
	if err != nil {
		t.Fatalf("UpgradeStack: %v", err)
	}

	// db is dropped first, then the changed web is swapped.
	if want := []string{"new-demo-db", "new-demo-web"}; !reflect.DeepEqual(mock.stopCalls, want) {
		t.Errorf("stopCalls = %v, want %v", mock.stopCalls, want)
	}

	d := te.mustGetDeployment(t, id)
	if len(d.Services) != 1 || d.Services[0].Name != "web" {
		t.Errorf("services = %+v, want web only", d.Services)
	}
}

func TestUpgradeStackFailureLeavesRollbackEligible(t *testing.T) {
	mock := newMockDocker()
	te := newTestEngine(t, mock)
	te.seedCatalog(t, []store.StackDefinition{
		webDBDefinition("def-1", "1.0.0", webDBCompose),
		webDBDefinition("def-2", "2.0.0", webDBComposeV2),
	}, nil)
	id := installDemo(t, te)

	// Digests recorded in the pre-upgrade snapshot pin the exact images a
	// rollback must restore.
	nginxDigest := "nginx@sha256:" + strings.Repeat("1", 64)
	mock.imageDigests["nginx:1.25"] = nginxDigest
	mock.imageDigests["postgres:16"] = "postgres@sha256:" + strings.Repeat("2", 64)

	// The replacement web container dies during startup.
	mock.createResult["demo-web"] = "v2-demo-web"
	mock.inspectResults["v2-demo-web"] = containerExited("v2-demo-web", 137)

	err := te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "sess-fail",
	})
	if errdefs.KindOf(err) != errdefs.KindStartTimeout {
		t.Fatalf("err = %v, want KindStartTimeout", err)
	}

	d := te.mustGetDeployment(t, id)
	if d.Status != store.StatusFailed {
		t.Errorf("status = %s, want %s", d.Status, store.StatusFailed)
	}
	if d.LastOperation != store.OpUpgrade {
		t.Errorf("last operation = %s, want %s", d.LastOperation, store.OpUpgrade)
	}
	if d.LastFailureReason == "" {
		t.Error("LastFailureReason empty")
	}

	ok, err := te.CanRollback(id)
	if err != nil {
		t.Fatalf("CanRollback: %v", err)
	}
	if !ok {
		t.Error("CanRollback = false, want true after failed upgrade")
	}

	// The restore point still describes the previous version.
	snap, err := te.store.LatestSnapshot(id, store.SnapshotPreUpgrade)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.TargetVersion != "1.0.0" {
		t.Errorf("snapshot target version = %q, want 1.0.0", snap.TargetVersion)
	}
	if snap.ImageDigests["nginx:1.25"] != nginxDigest {
		t.Errorf("snapshot digests = %v, want pinned nginx digest", snap.ImageDigests)
	}

	if _, ok := te.spy.last(notify.EventUpgradeFailed); !ok {
		t.Errorf("notifications = %v, want upgrade_failed", te.spy.types())
	}
}

func TestUpgradeStackCarriesVariablesForward(t *testing.T) {
	mock := newMockDocker()
	mock.primeRunning("demo-db", "demo-web")
	te := newTestEngine(t, mock)
	te.seedCatalog(t, []store.StackDefinition{
		webDBDefinition("def-1", "1.0.0", webDBCompose),
		webDBDefinition("def-2", "2.0.0", webDBComposeV2),
	}, nil)

	id, err := te.DeployStack(context.Background(), DeployRequest{
		EnvironmentID:     "env-1",
		StackDefinitionID: "def-1",
		StackName:         "demo",
		Variables:         map[string]string{"GREETING": "hola"},
		SessionID:         "sess-install",
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	mock.createResult["demo-web"] = "v2-demo-web"
	mock.inspectResults["v2-demo-web"] = containerRunning("v2-demo-web")

	// No variables on the upgrade: the installed value is carried over.
	if err := te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "sess-carry",
	}); err != nil {
		t.Fatalf("UpgradeStack: %v", err)
	}

	cfg := mock.createConfigs["demo-web"]
	if cfg == nil {
		t.Fatal("no create config captured for demo-web")
	}
	if want := []string{"GREETING=hola"}; !reflect.DeepEqual(cfg.Env, want) {
		t.Errorf("recreated web env = %v, want %v", cfg.Env, want)
	}
	d := te.mustGetDeployment(t, id)
	if d.Configuration["GREETING"] != "hola" {
		t.Errorf("configuration GREETING = %q, want hola", d.Configuration["GREETING"])
	}
	envVars, err := te.store.GetEnvironmentVariables("env-1")
	if err != nil {
		t.Fatalf("GetEnvironmentVariables: %v", err)
	}
	if envVars["GREETING"] != "hola" {
		t.Errorf("environment variables = %v, want GREETING=hola saved back", envVars)
	}
}

func TestUpgradeStackGates(t *testing.T) {
	mock := newMockDocker()
	te := newTestEngine(t, mock)
	te.seedCatalog(t, []store.StackDefinition{
		webDBDefinition("def-1", "1.0.0", webDBCompose),
		webDBDefinition("def-2", "2.0.0", webDBComposeV2),
	}, nil)

	// A deployment in another environment is not visible here.
	id := installDemo(t, te)
	err := te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-other",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "s1",
	})
	if errdefs.KindOf(err) != errdefs.KindNotFound {
		t.Errorf("env mismatch err = %v, want KindNotFound", err)
	}

	// An in-flight deployment cannot be upgraded.
	if err := te.store.CreateDeployment(store.Deployment{
		ID: "dep-busy", EnvironmentID: "env-1", StackName: "busy",
		Status: store.StatusInstalling, StackDefinitionID: "def-1", AttemptID: "a0",
	}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	err = te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         "dep-busy",
		NewStackDefinitionID: "def-2",
		SessionID:            "s2",
	})
	if errdefs.KindOf(err) != errdefs.KindOperationInProgress {
		t.Errorf("in-flight err = %v, want KindOperationInProgress", err)
	}

	// A failed deployment must be rolled back or removed, not upgraded.
	if err := te.store.CreateDeployment(store.Deployment{
		ID: "dep-failed", EnvironmentID: "env-1", StackName: "broken",
		Status: store.StatusFailed, StackDefinitionID: "def-1", AttemptID: "a1",
	}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	err = te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         "dep-failed",
		NewStackDefinitionID: "def-2",
		SessionID:            "s3",
	})
	if errdefs.KindOf(err) != errdefs.KindInvalidState {
		t.Errorf("failed-state err = %v, want KindInvalidState", err)
	}
}

func TestUpgradeStackRepeatAttempt(t *testing.T) {
	mock := newMockDocker()
	te := newTestEngine(t, mock)
	te.seedCatalog(t, []store.StackDefinition{
		webDBDefinition("def-1", "1.0.0", webDBCompose),
		webDBDefinition("def-2", "2.0.0", webDBComposeV2),
	}, nil)
	id := installDemo(t, te)

	// While the attempt is still executing, a repeat call is a no-op that
	// defers to the running session.
	if _, _, err := te.claim(id, "att-up", "sess-up", store.OpUpgrade); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "sess-up2",
		AttemptID:            "att-up",
	})
	if err != nil {
		t.Fatalf("repeat UpgradeStack: %v", err)
	}
	te.release(id)
	if d := te.mustGetDeployment(t, id); d.CurrentVersion != "1.0.0" {
		t.Errorf("version = %q, want untouched 1.0.0", d.CurrentVersion)
	}

	// Replaying the attempt after the operation finished is a state error.
	err = te.UpgradeStack(context.Background(), UpgradeRequest{
		EnvironmentID:        "env-1",
		DeploymentID:         id,
		NewStackDefinitionID: "def-2",
		SessionID:            "sess-up3",
		AttemptID:            "sess-install",
	})
	if errdefs.KindOf(err) != errdefs.KindInvalidState {
		t.Errorf("replayed attempt err = %v, want KindInvalidState", err)
	}
}
