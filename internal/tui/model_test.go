package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"

	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/schema"
	"github.com/g960059/cwe/internal/session"
)

type recorder struct {
	intents []session.Intent
}

func (r *recorder) send(in session.Intent) {
	r.intents = append(r.intents, in)
}

func (r *recorder) actions() []session.Action {
	var out []session.Action
	for _, in := range r.intents {
		out = append(out, in.Action)
	}
	return out
}

type nopMesh struct{}

func (nopMesh) LoadMesh(remote.MeshBuffers) error { return nil }

func press(t *testing.T, m Model, keys ...string) Model {
	t.Helper()
	for _, k := range keys {
		var msg tea.KeyMsg
		switch k {
		case "enter":
			msg = tea.KeyMsg{Type: tea.KeyEnter}
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		case "tab":
			msg = tea.KeyMsg{Type: tea.KeyTab}
		case "right":
			msg = tea.KeyMsg{Type: tea.KeyRight}
		case "left":
			msg = tea.KeyMsg{Type: tea.KeyLeft}
		case "down":
			msg = tea.KeyMsg{Type: tea.KeyDown}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
		}
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func snapshot(buttons model.ButtonMode, view model.ViewState) session.CaseSnapshot {
	return session.CaseSnapshot{
		CaseID:   "c1",
		Name:     "pipe-1",
		TypeName: "Pipe Flow",
		Location: "/c1",
		Overall:  model.CaseReady,
		View:     model.ViewVisible,
		Cursor:   session.Cursor{Stage: "mesh", Group: "geometry"},
		Stages: []session.StageView{
			{
				Key: "mesh", Label: "Meshing", Status: model.StageUnrun, Text: "Not Yet Run", Buttons: buttons, View: view,
				Groups: []session.GroupView{
					{Key: "geometry", Label: "Geometry", Vars: []session.VariableView{
						{Name: "diameter", Label: "Diameter [m]", Kind: schema.KindText, Value: "0.1"},
						{Name: "turbulence", Label: "Turbulence", Kind: schema.KindBoolean, Value: "true"},
						{Name: "solver", Label: "Solver", Kind: schema.KindChoice, Choices: []string{"simpleFoam", "pimpleFoam"}, Value: "simpleFoam"},
					}},
					{Key: "refinement", Label: "Refinement"},
				},
			},
			{Key: "solve", Label: "Solver", Status: model.StageUnready, Text: "Need Prev. Stage", Buttons: model.ButtonSaveAll},
		},
	}
}

func newModel(r *recorder, snap session.CaseSnapshot) Model {
	m := New(r.send, nopMesh{})
	next, _ := m.Update(SnapshotMsg(snap))
	return next.(Model)
}

func TestActionsFollowAffordances(t *testing.T) {
	r := &recorder{}
	m := newModel(r, snapshot(model.ButtonRun|model.ButtonSaveAll, model.ViewEditable))

	m = press(t, m, "r", "c", "x", "v")
	if diff := cmp.Diff([]session.Action{session.ActionRun}, r.actions()); diff != "" {
		t.Fatalf("intents mismatch (-want +got):\n%s", diff)
	}
	if r.intents[0].Stage != "mesh" {
		t.Fatalf("run stage = %q", r.intents[0].Stage)
	}
	if !strings.Contains(m.View(), "results not available") {
		t.Fatalf("missing status line:\n%s", m.View())
	}

	r.intents = nil
	next, _ := m.Update(SnapshotMsg(snapshot(model.ButtonNone, model.ViewVisible)))
	m = press(t, next.(Model), "r")
	if len(r.intents) != 0 {
		t.Fatalf("run sent while not offered: %+v", r.intents)
	}
}

func TestEditAndSave(t *testing.T) {
	r := &recorder{}
	m := newModel(r, snapshot(model.ButtonRun|model.ButtonSaveAll, model.ViewEditable))

	m = press(t, m, "s")
	if len(r.intents) != 0 {
		t.Fatalf("empty save sent")
	}

	// Text variable through the input, bool toggles, choice cycles.
	m = press(t, m, "enter")
	if !m.editing {
		t.Fatalf("text variable did not open the editor")
	}
	m.input.SetValue("0.25")
	m = press(t, m, "enter", "down", "enter", "down", "enter")
	want := map[string]string{"diameter": "0.25", "turbulence": "false", "solver": "pimpleFoam"}
	if diff := cmp.Diff(want, m.edits); diff != "" {
		t.Fatalf("edits mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(m.View(), "unsaved: diameter, solver, turbulence") {
		t.Fatalf("missing unsaved list:\n%s", m.View())
	}

	m = press(t, m, "s")
	if diff := cmp.Diff([]session.Action{session.ActionSaveAll}, r.actions()); diff != "" {
		t.Fatalf("intents mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, r.intents[0].Values); diff != "" {
		t.Fatalf("saved values mismatch (-want +got):\n%s", diff)
	}
	if len(m.edits) != 0 {
		t.Fatalf("edits kept after save")
	}
}

func TestEditRefusedWhenNotEditable(t *testing.T) {
	r := &recorder{}
	m := newModel(r, snapshot(model.ButtonReset|model.ButtonResults, model.ViewVisible))
	m = press(t, m, "enter")
	if m.editing || len(m.edits) != 0 {
		t.Fatalf("edited a visible-only stage")
	}
	if !strings.Contains(m.View(), "stage is not editable") {
		t.Fatalf("missing status:\n%s", m.View())
	}
}

func TestNavigationSendsSelections(t *testing.T) {
	r := &recorder{}
	m := newModel(r, snapshot(model.ButtonRun, model.ViewEditable))
	m = press(t, m, "left", "right", "tab", "m")
	want := []session.Action{session.ActionSelectStage, session.ActionSelectGroup, session.ActionLoadMesh}
	if diff := cmp.Diff(want, r.actions()); diff != "" {
		t.Fatalf("intents mismatch (-want +got):\n%s", diff)
	}
	if r.intents[0].Stage != "solve" || r.intents[1].Group != "refinement" {
		t.Fatalf("unexpected selections: %+v", r.intents[:2])
	}
}

func TestNewCaseDropsEdits(t *testing.T) {
	r := &recorder{}
	m := newModel(r, snapshot(model.ButtonRun|model.ButtonSaveAll, model.ViewEditable))
	m = press(t, m, "down", "enter")
	if len(m.edits) != 1 {
		t.Fatalf("expected one edit, got %v", m.edits)
	}
	other := snapshot(model.ButtonRun, model.ViewEditable)
	other.CaseID = "c2"
	next, _ := m.Update(SnapshotMsg(other))
	m = next.(Model)
	if len(m.edits) != 0 || m.varIdx != 0 {
		t.Fatalf("state of the old case survived: %v %d", m.edits, m.varIdx)
	}
}

func TestViewShowsNoticesAndResults(t *testing.T) {
	r := &recorder{}
	m := newModel(r, snapshot(model.ButtonRun, model.ViewEditable))
	for i := 0; i < 5; i++ {
		next, _ := m.Update(NoticeMsg{Level: session.LevelError, Code: model.ErrTransportFailure, Message: "down", Retryable: true})
		m = next.(Model)
	}
	if got := strings.Count(m.View(), model.ErrTransportFailure); got != maxNotices {
		t.Fatalf("shown %d notices, want %d", got, maxNotices)
	}

	snap := snapshot(model.ButtonResults, model.ViewVisible)
	snap.Results = &session.ResultView{Stage: "mesh", Content: "Mesh OK"}
	next, _ := m.Update(SnapshotMsg(snap))
	m = next.(Model)
	if !strings.Contains(m.View(), "Mesh OK") {
		t.Fatalf("results not shown:\n%s", m.View())
	}
	m = press(t, m, "esc")
	if diff := cmp.Diff([]session.Action{session.ActionCloseResults}, r.actions()); diff != "" {
		t.Fatalf("intents mismatch (-want +got):\n%s", diff)
	}
}

func TestQuit(t *testing.T) {
	m := New(func(session.Intent) {}, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("quit returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("quit command did not quit")
	}
}
