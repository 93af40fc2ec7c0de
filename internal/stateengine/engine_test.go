package stateengine_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/stateengine"
	"github.com/g960059/cwe/internal/testutil"
)

func loaded(t *testing.T, stages map[string]model.RemoteState) *stateengine.Machine {
	t.Helper()
	m := stateengine.NewMachine(testutil.PipeFlow(t))
	if _, err := m.Apply(model.BackendEvent{Kind: model.EventCaseLoaded, Stages: stages}); err != nil {
		t.Fatalf("case_loaded: %v", err)
	}
	return m
}

func statuses(m *stateengine.Machine) map[string]model.StageStatus {
	return m.StageStatuses()
}

func TestAffordanceTable(t *testing.T) {
	want := map[model.StageStatus]model.ButtonMode{
		model.StageUnready:        model.ButtonSaveAll,
		model.StageUnrun:          model.ButtonRun | model.ButtonSaveAll,
		model.StageLoading:        model.ButtonNone,
		model.StageDownloading:    model.ButtonNone,
		model.StageRunning:        model.ButtonCancel,
		model.StageFinished:       model.ButtonReset | model.ButtonResults,
		model.StageFinishedPrereq: model.ButtonResults,
		model.StageError:          model.ButtonNone,
		model.StageOffline:        model.ButtonNone,
	}
	for _, st := range model.AllStageStatuses {
		if got := stateengine.Affordances(st); got != want[st] {
			t.Fatalf("affordances(%s) = %s, want %s", st, got, want[st])
		}
	}
}

func TestCaseViewGatesAffordances(t *testing.T) {
	tests := []struct {
		status  model.CaseStatus
		view    model.ViewState
		actions bool
	}{
		{model.CaseDefunct, model.ViewHidden, false},
		{model.CaseError, model.ViewHidden, false},
		{model.CaseInvalid, model.ViewHidden, false},
		{model.CaseOffline, model.ViewHidden, false},
		{model.CaseLoading, model.ViewVisible, false},
		{model.CaseExternalOp, model.ViewVisible, false},
		{model.CaseParamSave, model.ViewVisible, false},
		{model.CaseOpInvoke, model.ViewVisible, false},
		{model.CaseDownload, model.ViewVisible, true},
		{model.CaseRunning, model.ViewVisible, true},
		{model.CaseReady, model.ViewVisible, true},
		{model.CaseReadyError, model.ViewVisible, true},
	}
	for _, tc := range tests {
		view, actions := stateengine.CaseView(tc.status)
		if view != tc.view || actions != tc.actions {
			t.Fatalf("CaseView(%s) = %s %v, want %s %v", tc.status, view, actions, tc.view, tc.actions)
		}
		for _, st := range model.AllStageStatuses {
			got := stateengine.EffectiveAffordances(tc.status, st)
			if !tc.actions && got != model.ButtonNone {
				t.Fatalf("%s/%s offers %s", tc.status, st, got)
			}
			if tc.actions && got != stateengine.Affordances(st) {
				t.Fatalf("%s/%s offers %s, want table value", tc.status, st, got)
			}
		}
	}
	if got := stateengine.StageView(model.CaseReady, model.StageUnrun); got != model.ViewEditable {
		t.Fatalf("unrun stage view = %s, want editable", got)
	}
	if got := stateengine.StageView(model.CaseReady, model.StageFinished); got != model.ViewVisible {
		t.Fatalf("finished stage view = %s, want visible", got)
	}
	if got := stateengine.StageView(model.CaseOpInvoke, model.StageUnrun); got != model.ViewVisible {
		t.Fatalf("stage view during submit = %s, want visible", got)
	}
}

func TestNewMachineIsLoading(t *testing.T) {
	m := stateengine.NewMachine(testutil.PipeFlow(t))
	if m.CaseStatus() != model.CaseLoading {
		t.Fatalf("overall = %s", m.CaseStatus())
	}
	want := map[string]model.StageStatus{"mesh": model.StageLoading, "solve": model.StageLoading, "post": model.StageLoading}
	if diff := cmp.Diff(want, statuses(m)); diff != "" {
		t.Fatalf("stages mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.BeginRun("mesh"); !errors.Is(err, stateengine.ErrInvalidTransition) {
		t.Fatalf("run while loading: %v", err)
	}
}

func TestInvalidMachine(t *testing.T) {
	m := stateengine.NewInvalidMachine()
	if m.CaseStatus() != model.CaseInvalid {
		t.Fatalf("overall = %s", m.CaseStatus())
	}
	if _, err := m.BeginFetch(); !errors.Is(err, stateengine.ErrInvalidTransition) {
		t.Fatalf("fetch on invalid case: %v", err)
	}
}

func TestPrerequisitesDeriveStatuses(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteUnrun, "solve": model.RemoteFinished, "post": model.RemoteUnrun})
	want := map[string]model.StageStatus{"mesh": model.StageUnrun, "solve": model.StageFinishedPrereq, "post": model.StageUnready}
	if diff := cmp.Diff(want, statuses(m)); diff != "" {
		t.Fatalf("stages mismatch (-want +got):\n%s", diff)
	}
	if got := m.Affordances("solve"); got != model.ButtonResults {
		t.Fatalf("finished_prereq buttons = %s", got)
	}

	d, err := m.Apply(model.BackendEvent{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteFinished, Seq: 1})
	if err != nil {
		t.Fatalf("mesh finished: %v", err)
	}
	want = map[string]model.StageStatus{"mesh": model.StageFinished, "solve": model.StageFinished, "post": model.StageUnrun}
	if diff := cmp.Diff(want, statuses(m)); diff != "" {
		t.Fatalf("stages mismatch (-want +got):\n%s", diff)
	}
	wantChanges := []stateengine.StageChange{
		{Stage: "mesh", From: model.StageUnrun, To: model.StageFinished},
		{Stage: "solve", From: model.StageFinishedPrereq, To: model.StageFinished},
		{Stage: "post", From: model.StageUnready, To: model.StageUnrun},
	}
	if diff := cmp.Diff(wantChanges, d.Changes); diff != "" {
		t.Fatalf("delta mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownRemoteStateIsUnrun(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": "queued"})
	if st, _ := m.StageStatus("mesh"); st != model.StageUnrun {
		t.Fatalf("mesh = %s, want unrun", st)
	}
}

func TestOutOfOrderEventIsRejected(t *testing.T) {
	m := loaded(t, nil)
	if _, err := m.Apply(model.BackendEvent{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteRunning, Seq: 2}); err != nil {
		t.Fatalf("seq 2: %v", err)
	}
	before := statuses(m)
	_, err := m.Apply(model.BackendEvent{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteUnrun, Seq: 1})
	if !errors.Is(err, stateengine.ErrOutOfOrder) {
		t.Fatalf("seq 1 after 2: %v", err)
	}
	if diff := cmp.Diff(before, statuses(m)); diff != "" {
		t.Fatalf("rejected event changed stages (-want +got):\n%s", diff)
	}
}

func TestRunningMayOnlyFinishFailOrGoOffline(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteRunning})
	_, err := m.Apply(model.BackendEvent{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteUnrun, Seq: 1})
	if !errors.Is(err, stateengine.ErrInvalidTransition) {
		t.Fatalf("running -> unrun: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageRunning {
		t.Fatalf("mesh = %s after rejected event", st)
	}

	if _, err := m.Apply(model.BackendEvent{Kind: model.EventConnectionLost}); err != nil {
		t.Fatalf("connection lost: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageOffline {
		t.Fatalf("mesh = %s, want offline", st)
	}
	if m.CaseStatus() != model.CaseOffline {
		t.Fatalf("overall = %s, want offline", m.CaseStatus())
	}
	if _, err := m.Apply(model.BackendEvent{Kind: model.EventConnectionRestored}); err != nil {
		t.Fatalf("connection restored: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageRunning {
		t.Fatalf("mesh = %s after reconnect", st)
	}
}

func TestCancelShowsErrorUntilStopped(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteRunning})
	if _, err := m.BeginCancel("mesh"); err != nil {
		t.Fatalf("begin cancel: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageError {
		t.Fatalf("mesh = %s, want error", st)
	}
	if m.CaseStatus() != model.CaseExternalOp {
		t.Fatalf("overall = %s, want external_op", m.CaseStatus())
	}
	if _, err := m.FinishCancel("mesh", true); err != nil {
		t.Fatalf("finish cancel: %v", err)
	}
	// A late running report does not clear the error.
	if _, err := m.Apply(model.BackendEvent{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteRunning, Seq: 1}); err != nil {
		t.Fatalf("running report: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageError {
		t.Fatalf("mesh = %s, want error while still running", st)
	}
	if _, err := m.Apply(model.BackendEvent{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteUnrun, Seq: 2}); err != nil {
		t.Fatalf("unrun report: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageUnrun {
		t.Fatalf("mesh = %s, want unrun", st)
	}
}

func TestRefusedCancelRestoresRunning(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteRunning})
	if _, err := m.BeginCancel("mesh"); err != nil {
		t.Fatalf("begin cancel: %v", err)
	}
	if _, err := m.FinishCancel("mesh", false); err != nil {
		t.Fatalf("finish cancel: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageRunning {
		t.Fatalf("mesh = %s, want running", st)
	}
}

func TestRollback(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteFinished, "solve": model.RemoteRunning})
	if _, err := m.BeginRollback("mesh"); !errors.Is(err, stateengine.ErrInvalidTransition) {
		t.Fatalf("rollback with later stage running: %v", err)
	}

	m = loaded(t, map[string]model.RemoteState{"mesh": model.RemoteFinished, "solve": model.RemoteFinished, "post": model.RemoteFinished})
	if _, err := m.BeginRollback("solve"); err != nil {
		t.Fatalf("begin rollback: %v", err)
	}
	if st, _ := m.StageStatus("solve"); st != model.StageLoading {
		t.Fatalf("solve = %s, want loading", st)
	}
	if _, err := m.FinishRollback("solve", true); err != nil {
		t.Fatalf("finish rollback: %v", err)
	}
	want := map[string]model.StageStatus{"mesh": model.StageFinished, "solve": model.StageUnrun, "post": model.StageUnready}
	if diff := cmp.Diff(want, statuses(m)); diff != "" {
		t.Fatalf("stages mismatch (-want +got):\n%s", diff)
	}

	m = loaded(t, map[string]model.RemoteState{"mesh": model.RemoteFinished})
	if _, err := m.BeginRollback("mesh"); err != nil {
		t.Fatalf("begin rollback: %v", err)
	}
	if _, err := m.FinishRollback("mesh", false); err != nil {
		t.Fatalf("failed rollback: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageFinished {
		t.Fatalf("mesh = %s after failed rollback", st)
	}
}

func TestDownloadOverlay(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteFinished})
	if _, err := m.BeginDownload("mesh"); err != nil {
		t.Fatalf("begin download: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageDownloading {
		t.Fatalf("mesh = %s", st)
	}
	if m.CaseStatus() != model.CaseDownload {
		t.Fatalf("overall = %s", m.CaseStatus())
	}
	if _, err := m.FinishDownload("mesh"); err != nil {
		t.Fatalf("finish download: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageFinished {
		t.Fatalf("mesh = %s", st)
	}

	// The backend reset the stage mid-download; the download ends in error.
	if _, err := m.BeginDownload("mesh"); err != nil {
		t.Fatalf("begin download: %v", err)
	}
	if _, err := m.Apply(model.BackendEvent{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteUnrun, Seq: 1}); err != nil {
		t.Fatalf("unrun during download: %v", err)
	}
	if _, err := m.FinishDownload("mesh"); err != nil {
		t.Fatalf("finish download: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageError {
		t.Fatalf("mesh = %s, want error", st)
	}
}

func TestResultsDownloadKeepsFinishedPrereq(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteUnrun, "solve": model.RemoteFinished})
	if st, _ := m.StageStatus("solve"); st != model.StageFinishedPrereq {
		t.Fatalf("solve = %s, want finished_prereq", st)
	}
	if _, err := m.BeginDownload("solve"); err != nil {
		t.Fatalf("begin download: %v", err)
	}
	if m.CaseStatus() != model.CaseDownload {
		t.Fatalf("overall = %s, want download", m.CaseStatus())
	}
	if _, err := m.FinishDownload("solve"); err != nil {
		t.Fatalf("finish download: %v", err)
	}
	if st, _ := m.StageStatus("solve"); st != model.StageFinishedPrereq {
		t.Fatalf("solve after download = %s, want finished_prereq", st)
	}
	if m.CaseStatus() != model.CaseReady {
		t.Fatalf("overall = %s, want ready", m.CaseStatus())
	}
	if got := m.Affordances("solve"); got != model.ButtonResults {
		t.Fatalf("solve affordances = %s, want results", got)
	}
}

func TestLateSubmitReplyKeepsNewerBackendState(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteUnrun})
	if _, err := m.BeginRun("mesh"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	for _, ev := range []model.BackendEvent{
		{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteRunning, Seq: 1},
		{Kind: model.EventJobStateChanged, Stage: "mesh", State: model.RemoteFinished, Seq: 2},
	} {
		if _, err := m.Apply(ev); err != nil {
			t.Fatalf("apply %s seq %d: %v", ev.State, ev.Seq, err)
		}
	}
	if _, err := m.FinishRun("mesh", true); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageFinished {
		t.Fatalf("mesh after late submit reply = %s, want finished", st)
	}
	if got := m.Affordances("mesh"); got != model.ButtonReset|model.ButtonResults {
		t.Fatalf("mesh affordances = %s", got)
	}

	// Without backend reports in between the reply makes the stage run.
	m = loaded(t, map[string]model.RemoteState{"mesh": model.RemoteUnrun})
	if _, err := m.BeginRun("mesh"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if _, err := m.FinishRun("mesh", true); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageRunning {
		t.Fatalf("mesh after submit reply = %s, want running", st)
	}
}

func TestRollbackRejectedForRunningStage(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteRunning})
	if _, err := m.BeginRollback("mesh"); !errors.Is(err, stateengine.ErrInvalidTransition) {
		t.Fatalf("rollback of running stage: %v", err)
	}
	if st, _ := m.StageStatus("mesh"); st != model.StageRunning {
		t.Fatalf("mesh = %s, want running", st)
	}
	if n := m.Pending(model.OpRollbackStage); n != 0 {
		t.Fatalf("pending rollbacks = %d", n)
	}
}

func TestCaseStatusPrecedence(t *testing.T) {
	m := loaded(t, map[string]model.RemoteState{"mesh": model.RemoteUnrun})
	if _, err := m.BeginRun("mesh"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if m.CaseStatus() != model.CaseOpInvoke {
		t.Fatalf("overall = %s, want op_invoke", m.CaseStatus())
	}
	if _, err := m.Apply(model.BackendEvent{Kind: model.EventCaseError, Reason: "boom"}); err != nil {
		t.Fatalf("case error: %v", err)
	}
	if m.CaseStatus() != model.CaseError {
		t.Fatalf("overall = %s, want error", m.CaseStatus())
	}
	m.Teardown()
	if m.CaseStatus() != model.CaseDefunct {
		t.Fatalf("overall = %s, want defunct", m.CaseStatus())
	}
	if got := m.Affordances("mesh"); got != model.ButtonNone {
		t.Fatalf("defunct buttons = %s", got)
	}
}

func TestSaveAllowedFromUnready(t *testing.T) {
	m := loaded(t, nil)
	if _, err := m.BeginSave("post"); err != nil {
		t.Fatalf("save from unready stage: %v", err)
	}
	if m.CaseStatus() != model.CaseParamSave {
		t.Fatalf("overall = %s", m.CaseStatus())
	}
	if _, err := m.BeginSave("post"); !errors.Is(err, stateengine.ErrInvalidTransition) {
		t.Fatalf("second save while first outstanding: %v", err)
	}
	if _, err := m.FinishSave(); err != nil {
		t.Fatalf("finish save: %v", err)
	}
	if m.Pending(model.OpSaveParameters) != 0 || m.CaseStatus() != model.CaseReady {
		t.Fatalf("save not released: %s", m.CaseStatus())
	}
}

func TestUnknownStageAndEvent(t *testing.T) {
	m := loaded(t, nil)
	if _, err := m.BeginRun("nope"); !errors.Is(err, stateengine.ErrUnknownStage) {
		t.Fatalf("unknown stage: %v", err)
	}
	if _, err := m.Apply(model.BackendEvent{Kind: "bogus"}); !errors.Is(err, stateengine.ErrUnknownEvent) {
		t.Fatalf("unknown event: %v", err)
	}
}
