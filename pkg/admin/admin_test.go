package admin_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"testing"

	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
	"warehouse-overwatch/pkg/store"
)

type fakeBackend struct {
	calls []ontology.Pose
	err   error
}

func (f *fakeBackend) SetShelfStorage(_ context.Context, shelfID string, pose ontology.Pose) (shared.Record, error) {
	f.calls = append(f.calls, pose)
	if f.err != nil {
		return nil, f.err
	}
	return shared.Record{"id": shelfID}, nil
}

type fakeAudit struct {
	entries []admin.AuditEntry
	err     error
}

func (f *fakeAudit) RecordStorageChange(_ context.Context, e admin.AuditEntry) error {
	f.entries = append(f.entries, e)
	return f.err
}

func newFixture(t *testing.T) (*store.Store, *fakeBackend, *fakeAudit, *admin.Flow, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)
	s := store.New(store.Options{Logger: logger})
	s.BulkReplace(store.Snapshot{Shelves: []ontology.Shelf{{
		ID:      "S1",
		Storage: ontology.Pose{X: 100, Y: 150},
		Current: ontology.Pose{X: 300, Y: 320},
	}}})
	backend := &fakeBackend{}
	audit := &fakeAudit{}
	return s, backend, audit, admin.NewFlow(backend, s, audit, logger), &logs
}

func answer(ok bool, err error) admin.Confirmer {
	return admin.ConfirmFunc(func(context.Context, admin.Prompt) (bool, error) { return ok, err })
}

func TestSetStorageConfirmed(t *testing.T) {
	s, backend, audit, flow, _ := newFixture(t)

	var prompt admin.Prompt
	confirm := admin.ConfirmFunc(func(_ context.Context, p admin.Prompt) (bool, error) {
		prompt = p
		return true, nil
	})
	got, err := flow.SetStorage(context.Background(), "S1",
		admin.StoragePatch{StorageX: 200, StorageY: 250}, admin.Intent{Actor: "alice", Reason: "re-layout"}, confirm)
	if err != nil {
		t.Fatalf("SetStorage: %v", err)
	}

	if prompt.Previous != (ontology.Pose{X: 100, Y: 150}) || prompt.Proposed != (ontology.Pose{X: 200, Y: 250}) {
		t.Fatalf("prompt = %+v", prompt)
	}
	if got.Storage != (ontology.Pose{X: 200, Y: 250}) || got.Current != (ontology.Pose{X: 300, Y: 320}) {
		t.Fatalf("shelf = %+v", got)
	}
	stored, _ := s.Shelf("S1")
	if stored.Storage != got.Storage {
		t.Fatalf("store storage = %+v", stored.Storage)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("backend calls = %d", len(backend.calls))
	}
	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d", len(audit.entries))
	}
	e := audit.entries[0]
	if e.Actor != "alice" || e.Reason != "re-layout" || e.Previous.X != 100 || e.Next.X != 200 || e.ID == "" {
		t.Fatalf("audit entry = %+v", e)
	}
}

func TestSetStorageAbortsWithoutMutation(t *testing.T) {
	tests := []struct {
		name      string
		shelfID   string
		patch     admin.StoragePatch
		intent    admin.Intent
		confirmer admin.Confirmer
		want      error
	}{
		{"no actor", "S1", admin.StoragePatch{StorageX: 1}, admin.Intent{}, answer(true, nil), admin.ErrNoIntent},
		{"declined", "S1", admin.StoragePatch{StorageX: 1}, admin.Intent{Actor: "a"}, answer(false, nil), admin.ErrNotConfirmed},
		{"confirm error", "S1", admin.StoragePatch{StorageX: 1}, admin.Intent{Actor: "a"}, answer(true, errors.New("closed")), admin.ErrNotConfirmed},
		{"no confirmer", "S1", admin.StoragePatch{StorageX: 1}, admin.Intent{Actor: "a"}, nil, admin.ErrNotConfirmed},
		{"unknown shelf", "S9", admin.StoragePatch{StorageX: 1}, admin.Intent{Actor: "a"}, answer(true, nil), admin.ErrUnknownShelf},
		{"nan", "S1", admin.StoragePatch{StorageX: math.NaN()}, admin.Intent{Actor: "a"}, answer(true, nil), admin.ErrInvalidPose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, backend, audit, flow, _ := newFixture(t)
			_, err := flow.SetStorage(context.Background(), tt.shelfID, tt.patch, tt.intent, tt.confirmer)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			sh, _ := s.Shelf("S1")
			if sh.Storage != (ontology.Pose{X: 100, Y: 150}) {
				t.Fatalf("storage mutated: %+v", sh.Storage)
			}
			if len(backend.calls) != 0 || len(audit.entries) != 0 {
				t.Fatalf("side effects: backend=%d audit=%d", len(backend.calls), len(audit.entries))
			}
		})
	}
}

func TestSetStorageBackendFailureLeavesStore(t *testing.T) {
	s, backend, audit, flow, _ := newFixture(t)
	backend.err = errors.New("422 unprocessable")

	_, err := flow.SetStorage(context.Background(), "S1",
		admin.StoragePatch{StorageX: 5, StorageY: 5}, admin.Intent{Actor: "a"}, answer(true, nil))
	if err == nil {
		t.Fatal("expected error")
	}
	sh, _ := s.Shelf("S1")
	if sh.Storage != (ontology.Pose{X: 100, Y: 150}) {
		t.Fatalf("storage mutated after backend failure: %+v", sh.Storage)
	}
	if len(audit.entries) != 0 {
		t.Fatal("audit written after backend failure")
	}
}

func TestAuditFailureIsLoggedNotReturned(t *testing.T) {
	_, _, audit, flow, logs := newFixture(t)
	audit.err = errors.New("disk full")

	if _, err := flow.SetStorage(context.Background(), "S1",
		admin.StoragePatch{StorageX: 5, StorageY: 5}, admin.Intent{Actor: "a"}, answer(true, nil)); err != nil {
		t.Fatalf("SetStorage: %v", err)
	}
	if !bytes.Contains(logs.Bytes(), []byte("failed to record storage audit")) {
		t.Fatalf("audit failure not logged: %q", logs.String())
	}
}

func TestZeroGrantIsUnconfirmed(t *testing.T) {
	var g admin.Grant
	if g.Confirmed() {
		t.Fatal("zero grant reports confirmed")
	}
}
