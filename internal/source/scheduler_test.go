package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/store"
)

func TestSchedulerSyncsOnSchedule(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), manifestDoc("shop", "1.0.0"))

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: dir,
		Enabled: true, SyncSchedule: "*/15 * * * *",
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	sched := NewScheduler(tr.reg, logging.New(false, "error"), tr.clk)

	// Never synced: due immediately.
	if ran := sched.CheckDue(context.Background()); ran != 1 {
		t.Fatalf("initial CheckDue = %d, want 1", ran)
	}
	synced, err := tr.store.GetSource(src.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if !synced.LastSyncedAt.Equal(tr.clk.Now()) {
		t.Errorf("LastSyncedAt = %s, want %s", synced.LastSyncedAt, tr.clk.Now())
	}

	// Inside the same window nothing is due.
	tr.clk.Advance(time.Minute)
	if ran := sched.CheckDue(context.Background()); ran != 0 {
		t.Fatalf("CheckDue inside window = %d, want 0", ran)
	}

	// Past the next quarter-hour boundary the source is due again.
	tr.clk.Advance(15 * time.Minute)
	if ran := sched.CheckDue(context.Background()); ran != 1 {
		t.Fatalf("CheckDue after boundary = %d, want 1", ran)
	}
}

func TestSchedulerSkipsManualAndDisabled(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop.stack.yaml"), manifestDoc("shop", "1.0.0"))

	if _, err := tr.reg.AddSource(store.StackSource{
		Name: "manual", Kind: store.SourceLocalDir, Location: dir, Enabled: true,
	}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := tr.reg.AddSource(store.StackSource{
		Name: "disabled", Kind: store.SourceLocalDir, Location: dir,
		Enabled: false, SyncSchedule: "* * * * *",
	}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	sched := NewScheduler(tr.reg, logging.New(false, "error"), tr.clk)
	if ran := sched.CheckDue(context.Background()); ran != 0 {
		t.Errorf("CheckDue = %d, want 0", ran)
	}
	defs, err := tr.store.ListDefinitions("")
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("scheduler published %d definitions, want 0", len(defs))
	}
}

func TestSchedulerRetriesNextWindowAfterFailure(t *testing.T) {
	tr := newTestRegistry(t)
	dir := t.TempDir()
	manifest := filepath.Join(dir, "shop.stack.yaml")
	writeFile(t, manifest, manifestDoc("shop", "1.0.0"))

	src, err := tr.reg.AddSource(store.StackSource{
		Name: "library", Kind: store.SourceLocalDir, Location: dir,
		Enabled: true, SyncSchedule: "* * * * *",
	})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	sched := NewScheduler(tr.reg, logging.New(false, "error"), tr.clk)

	if ran := sched.CheckDue(context.Background()); ran != 1 {
		t.Fatalf("initial CheckDue = %d, want 1", ran)
	}

	// Break the source and hit the next window: the sync fails once and
	// must not be retried until the window after.
	if err := os.Remove(manifest); err != nil {
		t.Fatal(err)
	}
	tr.clk.Advance(time.Minute)
	if ran := sched.CheckDue(context.Background()); ran != 0 {
		t.Fatalf("CheckDue with broken source = %d, want 0", ran)
	}
	writeFile(t, manifest, manifestDoc("shop", "1.0.0"))
	if ran := sched.CheckDue(context.Background()); ran != 0 {
		t.Fatalf("CheckDue before next window = %d, want 0", ran)
	}

	tr.clk.Advance(time.Minute)
	if ran := sched.CheckDue(context.Background()); ran != 1 {
		t.Fatalf("CheckDue at next window = %d, want 1", ran)
	}
	synced, err := tr.store.GetSource(src.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if !synced.LastSyncedAt.Equal(tr.clk.Now()) {
		t.Errorf("LastSyncedAt = %s, want %s", synced.LastSyncedAt, tr.clk.Now())
	}
}
