package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/store"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "nested", "overwatch.db")
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, cfg.DBPath
}

func TestEmptyCacheLoadsNothing(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Health(); err != nil {
		t.Fatal(err)
	}
	snap, ok, err := svc.LoadSnapshot(context.Background())
	if err != nil || ok {
		t.Fatalf("LoadSnapshot = %+v, %v, %v", snap, ok, err)
	}
}

func TestSnapshotRoundTripAndReopen(t *testing.T) {
	svc, path := newTestService(t)
	ctx := context.Background()
	home := ontology.Pose{X: 100, Y: 150}
	progress := 0.5
	snap := store.Snapshot{
		Robots:  []ontology.Robot{{ID: "r1", X: 1, Y: 2, BatteryLevel: 80, Status: ontology.RobotIdle}},
		Shelves: []ontology.Shelf{{ID: "S1", Storage: home, Current: ontology.Pose{X: 300, Y: 320}, LocationStatus: ontology.LocationAtDropZone}},
		Tasks:   []ontology.Task{{ID: "t1", Status: ontology.TaskAssigned, OriginStorage: &home, Progress: &progress}},
		Zones:   []ontology.Zone{},
	}
	if err := svc.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// A partial save leaves the other kinds cached.
	if err := svc.SaveSnapshot(ctx, store.Snapshot{Robots: []ontology.Robot{{ID: "r2"}, {ID: "r3"}}}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(&Config{DBPath: path, MaxOpenConns: 1, MaxIdleConns: 1, AutoInitialize: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.LoadSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot ok=%v err=%v", ok, err)
	}
	if len(got.Robots) != 2 || got.Robots[0].ID != "r2" || got.Robots[1].ID != "r3" {
		t.Fatalf("robots = %+v", got.Robots)
	}
	if len(got.Shelves) != 1 || got.Shelves[0].Storage != home || got.Shelves[0].Current.X != 300 {
		t.Fatalf("shelves = %+v", got.Shelves)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].OriginStorage == nil || *got.Tasks[0].OriginStorage != home || *got.Tasks[0].Progress != 0.5 {
		t.Fatalf("tasks = %+v", got.Tasks)
	}
	if got.Zones == nil || len(got.Zones) != 0 {
		t.Fatalf("zones = %#v, want empty non-nil", got.Zones)
	}
}

func TestStorageAudit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var recorder admin.AuditRecorder = svc
	for i, next := range []ontology.Pose{{X: 200, Y: 250}, {X: 210, Y: 260}} {
		e := admin.AuditEntry{
			ID:        []string{"a1", "a2"}[i],
			ShelfID:   "S1",
			Actor:     "ops@example.com",
			Previous:  ontology.Pose{X: 100, Y: 150},
			Next:      next,
			CreatedAt: base.Add(time.Duration(i) * 500 * time.Millisecond),
		}
		if err := recorder.RecordStorageChange(ctx, e); err != nil {
			t.Fatalf("RecordStorageChange: %v", err)
		}
	}
	if err := svc.RecordStorageChange(ctx, admin.AuditEntry{ID: "b1", ShelfID: "S2", Actor: "x", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}

	history, err := svc.StorageHistory(ctx, "S1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != "a2" || history[1].ID != "a1" {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Next.X != 210 || !history[0].CreatedAt.Equal(base.Add(500*time.Millisecond)) {
		t.Fatalf("entry = %+v", history[0])
	}

	if err := svc.RecordStorageChange(ctx, admin.AuditEntry{ID: "a1", ShelfID: "S1", Actor: "x", CreatedAt: base}); err == nil {
		t.Fatal("duplicate audit id accepted")
	}
}
