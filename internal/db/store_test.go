package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/g960059/cwe/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func ptrTime(t time.Time) *time.Time {
	v := t
	return &v
}

func TestUpsertAndGetCase(t *testing.T) {
	store, ctx := openStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := model.CaseRecord{
		CaseID:     "c1",
		Name:       "pipe",
		Location:   "/cases/pipe",
		TypeName:   "simpleFoam",
		Status:     model.CaseReady,
		StageOrder: []string{"mesh", "solve", "post"},
		Stages: map[string]model.StageStatus{
			"mesh":  model.StageFinished,
			"solve": model.StageUnrun,
			"post":  model.StageUnready,
		},
		Params:    map[string]string{"nu": "1e-5", "endTime": "100"},
		UpdatedAt: now,
	}
	if err := store.UpsertCase(ctx, rec); err != nil {
		t.Fatalf("upsert case: %v", err)
	}
	got, err := store.GetCase(ctx, "c1")
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("case mismatch (-want +got):\n%s", diff)
	}

	rec.Stages = map[string]model.StageStatus{"mesh": model.StageFinished, "solve": model.StageRunning, "post": model.StageUnready}
	rec.Params = map[string]string{"nu": "2e-5"}
	rec.Status = model.CaseRunning
	if err := store.UpsertCase(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = store.GetCase(ctx, "c1")
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("case mismatch after update (-want +got):\n%s", diff)
	}

	if _, err := store.GetCase(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpsertCase(ctx, model.CaseRecord{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty id, got %v", err)
	}
}

func TestListCasesSkipsClosed(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := model.CaseRecord{CaseID: id, Name: id, Location: "/" + id, TypeName: "t", Status: model.CaseReady, UpdatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.UpsertCase(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := store.CloseCase(ctx, "a", base.Add(time.Hour)); err != nil {
		t.Fatalf("close case: %v", err)
	}
	if err := store.CloseCase(ctx, "zzz", base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound closing missing case, got %v", err)
	}

	open, err := store.ListCases(ctx, false)
	if err != nil {
		t.Fatalf("list cases: %v", err)
	}
	var ids []string
	for _, c := range open {
		ids = append(ids, c.CaseID)
	}
	if diff := cmp.Diff([]string{"c", "b"}, ids); diff != "" {
		t.Fatalf("open cases mismatch (-want +got):\n%s", diff)
	}

	all, err := store.ListCases(ctx, true)
	if err != nil {
		t.Fatalf("list all cases: %v", err)
	}
	if len(all) != 3 || all[0].CaseID != "a" || all[0].ClosedAt == nil {
		t.Fatalf("unexpected full listing: %+v", all)
	}

	if err := store.DeleteCase(ctx, "b"); err != nil {
		t.Fatalf("delete case: %v", err)
	}
	if _, err := store.GetCase(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted case still present: %v", err)
	}
}

func TestRecordOperationKeepsTerminalState(t *testing.T) {
	store, ctx := openStore(t)
	issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := model.OperationRecord{OpID: "op1", CaseID: "c1", Kind: model.OpSubmitJob, Stage: "mesh", Target: "mesh", State: model.OpIssued, IssuedAt: issued}
	for _, st := range []model.OpState{model.OpIssued, model.OpPending, model.OpCancelled} {
		rec.State = st
		if st.Terminal() {
			rec.CompletedAt = ptrTime(issued.Add(time.Second))
		}
		if err := store.RecordOperation(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", st, err)
		}
	}
	late := rec
	late.State = model.OpCompleted
	if err := store.RecordOperation(ctx, late); err != nil {
		t.Fatalf("record late completion: %v", err)
	}

	second := model.OperationRecord{OpID: "op2", CaseID: "c1", Kind: model.OpDownloadFile, Target: "/c/log", State: model.OpFailed, IssuedAt: issued.Add(time.Minute), CompletedAt: ptrTime(issued.Add(2 * time.Minute)), ErrorCode: model.ErrTransportFailure}
	if err := store.RecordOperation(ctx, second); err != nil {
		t.Fatalf("record second: %v", err)
	}

	got, err := store.ListOperations(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	want := []model.OperationRecord{rec, second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}

	n, err := store.PurgeOperations(ctx, issued.Add(90*time.Second))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d entries, want 1", n)
	}
	got, err = store.ListOperations(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("list operations after purge: %v", err)
	}
	if len(got) != 1 || got[0].OpID != "op2" {
		t.Fatalf("unexpected journal after purge: %+v", got)
	}
}
