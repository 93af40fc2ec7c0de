package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/schema"
	"github.com/g960059/cwe/internal/session"
)

// SnapshotMsg replaces the presented case.
type SnapshotMsg session.CaseSnapshot

// NoticeMsg shows a notice under the stage panel.
type NoticeMsg session.Notice

// MeshMsg reports a mesh that reached the viewer.
type MeshMsg struct {
	Points, Faces, Owner int
}

const maxNotices = 3

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	activeTab     = lipgloss.NewStyle().Bold(true).Underline(true)
	inactiveTab   = lipgloss.NewStyle().Faint(true)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	editedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Model is the terminal view of the current case. It never changes
// case state itself; every action becomes a session intent.
type Model struct {
	send    func(session.Intent)
	mesher  remote.MeshConsumer
	keys    keyMap
	help    help.Model
	input   textinput.Model
	editing bool

	snap    session.CaseSnapshot
	varIdx  int
	edits   map[string]string
	notices []session.Notice
	mesh    *MeshMsg
	status  string
}

// New returns a model that hands intents to send. mesher receives
// loaded meshes; without one the mesh key is disabled.
func New(send func(session.Intent), mesher remote.MeshConsumer) Model {
	ti := textinput.New()
	ti.CharLimit = 256
	return Model{
		send:   send,
		mesher: mesher,
		keys:   defaultKeys(),
		help:   help.New(),
		input:  ti,
		edits:  map[string]string{},
		snap:   session.CaseSnapshot{Name: session.LabelNone, TypeName: session.LabelNone, Location: session.LabelNone},
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case SnapshotMsg:
		m.applySnapshot(session.CaseSnapshot(msg))
		return m, nil
	case NoticeMsg:
		m.notices = append(m.notices, session.Notice(msg))
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}
		return m, nil
	case MeshMsg:
		mesh := msg
		m.mesh = &mesh
		return m, nil
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		return m.updateBrowsing(msg)
	}
	return m, nil
}

func (m *Model) applySnapshot(snap session.CaseSnapshot) {
	if snap.CaseID != m.snap.CaseID {
		m.edits = map[string]string{}
		m.varIdx = 0
		m.mesh = nil
		m.editing = false
		m.input.Blur()
	}
	if snap.Cursor != m.snap.Cursor {
		m.varIdx = 0
	}
	m.snap = snap
	if n := len(m.vars()); m.varIdx >= n {
		m.varIdx = max(n-1, 0)
	}
}

func (m Model) updateBrowsing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.status = ""
	stage, hasStage := m.stage()
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Back):
		if m.snap.Results != nil {
			m.send(session.Intent{Action: session.ActionCloseResults})
		}
	case key.Matches(msg, m.keys.PrevStage):
		m.moveStage(-1)
	case key.Matches(msg, m.keys.NextStage):
		m.moveStage(1)
	case key.Matches(msg, m.keys.NextGroup):
		m.nextGroup()
	case key.Matches(msg, m.keys.Up):
		if m.varIdx > 0 {
			m.varIdx--
		}
	case key.Matches(msg, m.keys.Down):
		if m.varIdx < len(m.vars())-1 {
			m.varIdx++
		}
	case key.Matches(msg, m.keys.Edit):
		return m.beginEdit(stage, hasStage)
	case key.Matches(msg, m.keys.Run):
		m.stageAction(stage, hasStage, model.ButtonRun, session.Intent{Action: session.ActionRun, Stage: stage.Key})
	case key.Matches(msg, m.keys.Cancel):
		m.stageAction(stage, hasStage, model.ButtonCancel, session.Intent{Action: session.ActionCancel})
	case key.Matches(msg, m.keys.Rollback):
		m.stageAction(stage, hasStage, model.ButtonReset, session.Intent{Action: session.ActionRollback, Stage: stage.Key})
	case key.Matches(msg, m.keys.Results):
		m.stageAction(stage, hasStage, model.ButtonResults, session.Intent{Action: session.ActionResults, Stage: stage.Key})
	case key.Matches(msg, m.keys.Save):
		if len(m.edits) == 0 {
			m.status = "nothing to save"
			break
		}
		if m.stageAction(stage, hasStage, model.ButtonSaveAll, session.Intent{Action: session.ActionSaveAll, Values: m.edits}) {
			m.edits = map[string]string{}
		}
	case key.Matches(msg, m.keys.Mesh):
		if m.mesher == nil || m.snap.CaseID == "" {
			m.status = "no mesh viewer"
			break
		}
		m.send(session.Intent{Action: session.ActionLoadMesh, Mesh: m.mesher})
	}
	return m, nil
}

// stageAction sends in when the selected stage currently offers want.
func (m *Model) stageAction(stage session.StageView, ok bool, want model.ButtonMode, in session.Intent) bool {
	if !ok || !stage.Buttons.Has(want) {
		m.status = fmt.Sprintf("%s not available", want)
		return false
	}
	m.send(in)
	return true
}

func (m Model) beginEdit(stage session.StageView, ok bool) (tea.Model, tea.Cmd) {
	vars := m.vars()
	if !ok || len(vars) == 0 {
		return m, nil
	}
	if stage.View != model.ViewEditable {
		m.status = "stage is not editable"
		return m, nil
	}
	v := vars[m.varIdx]
	current := m.value(v)
	switch v.Kind {
	case schema.KindBoolean:
		if current == "true" {
			m.edits[v.Name] = "false"
		} else {
			m.edits[v.Name] = "true"
		}
		return m, nil
	case schema.KindChoice:
		if len(v.Choices) > 0 {
			next := 0
			for i, c := range v.Choices {
				if c == current {
					next = (i + 1) % len(v.Choices)
				}
			}
			m.edits[v.Name] = v.Choices[next]
		}
		return m, nil
	}
	m.editing = true
	m.input.SetValue(current)
	m.input.CursorEnd()
	return m, m.input.Focus()
}

func (m Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.editing = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		if vars := m.vars(); len(vars) > 0 {
			m.edits[vars[m.varIdx].Name] = m.input.Value()
		}
		m.editing = false
		m.input.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) moveStage(delta int) {
	stages := m.snap.Stages
	if len(stages) == 0 {
		return
	}
	idx := 0
	for i, st := range stages {
		if st.Key == m.snap.Cursor.Stage {
			idx = i
		}
	}
	next := idx + delta
	if next < 0 || next >= len(stages) {
		return
	}
	m.send(session.Intent{Action: session.ActionSelectStage, Stage: stages[next].Key})
}

func (m *Model) nextGroup() {
	stage, ok := m.stage()
	if !ok || len(stage.Groups) < 2 {
		return
	}
	idx := 0
	for i, g := range stage.Groups {
		if g.Key == m.snap.Cursor.Group {
			idx = i
		}
	}
	m.send(session.Intent{Action: session.ActionSelectGroup, Group: stage.Groups[(idx+1)%len(stage.Groups)].Key})
}

func (m Model) stage() (session.StageView, bool) {
	for _, st := range m.snap.Stages {
		if st.Key == m.snap.Cursor.Stage {
			return st, true
		}
	}
	return session.StageView{}, false
}

func (m Model) vars() []session.VariableView {
	stage, ok := m.stage()
	if !ok {
		return nil
	}
	for _, g := range stage.Groups {
		if g.Key == m.snap.Cursor.Group {
			return g.Vars
		}
	}
	return nil
}

func (m Model) value(v session.VariableView) string {
	if edited, ok := m.edits[v.Name]; ok {
		return edited
	}
	return v.Value
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s  %s  %s", m.snap.Name, m.snap.TypeName, m.snap.Location)))
	if m.snap.Overall != "" {
		b.WriteString("  [" + string(m.snap.Overall) + "]")
	}
	b.WriteString("\n")

	if m.snap.Results != nil {
		b.WriteString(panelStyle.Render(fmt.Sprintf("results: %s\n\n%s", m.snap.Results.Stage, m.snap.Results.Content)))
		b.WriteString("\n")
	} else if len(m.snap.Stages) > 0 && m.snap.View != model.ViewHidden {
		b.WriteString(m.stageTabs() + "\n")
		b.WriteString(panelStyle.Render(m.stagePanel()))
		b.WriteString("\n")
	}

	if m.mesh != nil {
		fmt.Fprintf(&b, "mesh loaded: points %dB, faces %dB, owner %dB\n", m.mesh.Points, m.mesh.Faces, m.mesh.Owner)
	}
	for _, n := range m.notices {
		style := warnStyle
		if n.Level == session.LevelError {
			style = errorStyle
		}
		line := fmt.Sprintf("%s %s", n.Code, n.Message)
		if n.Retryable {
			line += " (retry)"
		}
		b.WriteString(style.Render(line) + "\n")
	}
	if m.status != "" {
		b.WriteString(m.status + "\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) stageTabs() string {
	tabs := make([]string, 0, len(m.snap.Stages))
	for _, st := range m.snap.Stages {
		label := fmt.Sprintf("%s (%s)", st.Label, st.Text)
		if st.Key == m.snap.Cursor.Stage {
			tabs = append(tabs, activeTab.Render(label))
		} else {
			tabs = append(tabs, inactiveTab.Render(label))
		}
	}
	return strings.Join(tabs, " | ")
}

func (m Model) stagePanel() string {
	stage, ok := m.stage()
	if !ok {
		return ""
	}
	var b strings.Builder
	groups := make([]string, 0, len(stage.Groups))
	for _, g := range stage.Groups {
		if g.Key == m.snap.Cursor.Group {
			groups = append(groups, activeTab.Render(g.Label))
		} else {
			groups = append(groups, inactiveTab.Render(g.Label))
		}
	}
	b.WriteString(strings.Join(groups, "  ") + "\n\n")

	for i, v := range m.vars() {
		cursor := "  "
		if i == m.varIdx {
			cursor = selectedStyle.Render("> ")
		}
		value := m.value(v)
		if _, edited := m.edits[v.Name]; edited {
			value = editedStyle.Render(value + " *")
		}
		if m.editing && i == m.varIdx {
			value = m.input.View()
		}
		fmt.Fprintf(&b, "%s%-24s %s\n", cursor, v.Label, value)
	}
	fmt.Fprintf(&b, "\nactions: %s", stage.Buttons)
	if pending := m.pendingNames(); len(pending) > 0 {
		fmt.Fprintf(&b, "   unsaved: %s", strings.Join(pending, ", "))
	}
	return b.String()
}

func (m Model) pendingNames() []string {
	names := make([]string, 0, len(m.edits))
	for name := range m.edits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
