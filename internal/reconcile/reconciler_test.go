package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/g960059/cwe/internal/config"
	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/remote"
)

type fakeIssuer struct {
	ops []remote.Op
}

func (f *fakeIssuer) Issue(_ context.Context, op remote.Op) remote.Handle {
	f.ops = append(f.ops, op)
	return remote.Handle{ID: op.Path, CaseID: op.CaseID}
}

func (f *fakeIssuer) reply(ctx context.Context, i int, c remote.Completion) {
	f.ops[i].OnComplete(ctx, c)
}

type update struct {
	caseID string
	u      model.RemoteUpdate
}

type fakeSink struct {
	updates []update
}

func (f *fakeSink) ApplyRemote(_ context.Context, caseID string, u model.RemoteUpdate) {
	f.updates = append(f.updates, update{caseID: caseID, u: u})
}

func (f *fakeSink) kinds() []model.EventKind {
	var out []model.EventKind
	for _, up := range f.updates {
		for _, ev := range up.u.Events {
			out = append(out, ev.Kind)
		}
	}
	return out
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func doc(stages map[string]model.StageReport) model.CaseDocument {
	return model.CaseDocument{Name: "pipe", Type: "pipe", Location: "/c1", Stages: stages}
}

func ok(payload string) remote.Completion {
	return remote.Completion{State: model.OpCompleted, Result: remote.Result{State: remote.Good, Payload: []byte(payload)}}
}

func fail() remote.Completion {
	return remote.Completion{State: model.OpFailed, Err: errors.New("unreachable")}
}

func TestDiffFirstDocumentLoadsCase(t *testing.T) {
	next := doc(map[string]model.StageReport{
		"mesh":  {Status: model.RemoteFinished, Seq: 3},
		"solve": {Status: model.RemoteRunning, Seq: 1, Job: "job-7"},
	})
	next.Params = map[string]string{"nu": "1e-06"}
	next.MeshFiles = []string{"faces", "owner", "points"}

	got := Diff(nil, next, epoch)
	want := model.RemoteUpdate{
		Name:     "pipe",
		Type:     "pipe",
		Location: "/c1",
		Events: []model.BackendEvent{
			{Kind: model.EventCaseLoaded, Stages: map[string]model.RemoteState{"mesh": model.RemoteFinished, "solve": model.RemoteRunning}, At: epoch},
			{Kind: model.EventJobSubmitted, Stage: "solve", JobRef: "job-7", At: epoch},
		},
		Params:    map[string]string{"nu": "1e-06"},
		MeshFiles: []string{"faces", "owner", "points"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffOnlyReportsAdvancedStages(t *testing.T) {
	prev := doc(map[string]model.StageReport{
		"mesh":  {Status: model.RemoteRunning, Seq: 1},
		"solve": {Status: model.RemoteUnrun, Seq: 0},
	})
	next := doc(map[string]model.StageReport{
		"mesh":  {Status: model.RemoteFinished, Seq: 2},
		"solve": {Status: model.RemoteUnrun, Seq: 0},
	})
	got := Diff(&prev, next, epoch)
	want := model.RemoteUpdate{Events: []model.BackendEvent{
		{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteFinished, Seq: 2, At: epoch},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("update mismatch (-want +got):\n%s", diff)
	}

	if got := Diff(&next, next, epoch); !emptyUpdate(got) {
		t.Fatalf("identical documents produced %+v", got)
	}

	// A lower sequence after a backend restart is not reported.
	stale := doc(map[string]model.StageReport{
		"mesh":  {Status: model.RemoteUnrun, Seq: 1},
		"solve": {Status: model.RemoteUnrun, Seq: 0},
	})
	if got := Diff(&next, stale, epoch); !emptyUpdate(got) {
		t.Fatalf("regressed sequence produced %+v", got)
	}
}

func TestDiffEchoesParamsMeshAndName(t *testing.T) {
	prev := doc(map[string]model.StageReport{"mesh": {Status: model.RemoteUnrun}})
	next := prev
	next.Name = "renamed"
	next.Params = map[string]string{"solver": "pimpleFoam"}
	next.MeshFiles = []string{"points.gz"}

	got := Diff(&prev, next, epoch)
	want := model.RemoteUpdate{
		Name:      "renamed",
		Type:      "pipe",
		Location:  "/c1",
		Params:    map[string]string{"solver": "pimpleFoam"},
		MeshFiles: []string{"points.gz"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestTickSkipsWatchesInFlight(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	sink := &fakeSink{}
	r := NewReconciler(issuer, sink, config.DefaultConfig())
	r.now = func() time.Time { return epoch }
	r.Watch("b", "/cases/b")
	r.Watch("a", "/cases/a")

	if n := r.Tick(ctx); n != 2 {
		t.Fatalf("first tick issued %d, want 2", n)
	}
	if diff := cmp.Diff([]string{"/cases/a/.caseParams", "/cases/b/.caseParams"}, []string{issuer.ops[0].Path, issuer.ops[1].Path}); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
	if n := r.Tick(ctx); n != 0 {
		t.Fatalf("tick with refreshes outstanding issued %d", n)
	}

	issuer.reply(ctx, 0, ok(`{"name":"a","stages":{"mesh":{"status":"unrun","seq":0}}}`))
	if n := r.Tick(ctx); n != 1 {
		t.Fatalf("tick after one reply issued %d, want 1", n)
	}
	if diff := cmp.Diff([]model.EventKind{model.EventCaseLoaded}, sink.kinds()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if sink.updates[0].caseID != "a" || sink.updates[0].u.Name != "a" {
		t.Fatalf("unexpected update: %+v", sink.updates[0])
	}

	// The identical document is not reported again.
	issuer.reply(ctx, 2, ok(`{"name":"a","stages":{"mesh":{"status":"unrun","seq":0}}}`))
	if len(sink.updates) != 1 {
		t.Fatalf("unchanged document produced %d updates", len(sink.updates))
	}
}

func TestRefreshForUnwatchedCaseIsDropped(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	sink := &fakeSink{}
	r := NewReconciler(issuer, sink, config.DefaultConfig())
	r.Watch("a", "/cases/a")
	r.Tick(ctx)
	r.Unwatch("a")
	if r.Watching("a") {
		t.Fatalf("still watching after Unwatch")
	}
	r.Watch("a", "/cases/a")

	issuer.reply(ctx, 0, ok(`{"stages":{}}`))
	if len(sink.updates) != 0 {
		t.Fatalf("refresh of a replaced watch reached the sink: %+v", sink.updates)
	}
	if n := r.Tick(ctx); n != 1 {
		t.Fatalf("new watch not refreshed, issued %d", n)
	}
}

func TestMalformedDocumentReportsCaseError(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	sink := &fakeSink{}
	r := NewReconciler(issuer, sink, config.DefaultConfig())
	r.Watch("a", "/cases/a")
	r.Tick(ctx)
	issuer.reply(ctx, 0, ok(`{not json`))

	if diff := cmp.Diff([]model.EventKind{model.EventCaseError}, sink.kinds()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if reason := sink.updates[0].u.Events[0].Reason; !strings.HasPrefix(reason, model.ErrDecode) {
		t.Fatalf("reason = %q", reason)
	}
}

func TestConnectionLostAndRestored(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	sink := &fakeSink{}
	cfg := config.DefaultConfig()
	r := NewReconciler(issuer, sink, cfg)
	now := epoch
	r.now = func() time.Time { return now }
	r.Watch("a", "/cases/a")

	for i := 0; i < cfg.DownFailures; i++ {
		r.Tick(ctx)
		issuer.reply(ctx, i, fail())
		now = now.Add(time.Second)
	}
	if diff := cmp.Diff([]model.EventKind{model.EventConnectionLost}, sink.kinds()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	// Further failures while down report nothing new.
	r.Tick(ctx)
	issuer.reply(ctx, cfg.DownFailures, fail())
	if len(sink.updates) != 1 {
		t.Fatalf("repeated failure produced %d updates", len(sink.updates))
	}

	r.Tick(ctx)
	issuer.reply(ctx, cfg.DownFailures+1, ok(`{"stages":{"mesh":{"status":"unrun"}}}`))
	want := []model.EventKind{model.EventConnectionLost, model.EventConnectionRestored, model.EventCaseLoaded}
	if diff := cmp.Diff(want, sink.kinds()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelledRefreshIsIgnored(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	sink := &fakeSink{}
	r := NewReconciler(issuer, sink, config.DefaultConfig())
	r.Watch("a", "/cases/a")
	r.Tick(ctx)
	issuer.reply(ctx, 0, remote.Completion{State: model.OpCancelled})
	if len(sink.updates) != 0 {
		t.Fatalf("cancelled refresh produced updates")
	}
	if n := r.Tick(ctx); n != 1 {
		t.Fatalf("watch stuck in flight after cancel")
	}
}
