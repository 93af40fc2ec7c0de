package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	PrevStage key.Binding
	NextStage key.Binding
	NextGroup key.Binding
	Up        key.Binding
	Down      key.Binding
	Edit      key.Binding
	Run       key.Binding
	Cancel    key.Binding
	Rollback  key.Binding
	Save      key.Binding
	Results   key.Binding
	Mesh      key.Binding
	Back      key.Binding
	Help      key.Binding
	Quit      key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		PrevStage: key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "prev stage")),
		NextStage: key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "next stage")),
		NextGroup: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next group")),
		Up:        key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:      key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Edit:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "edit")),
		Run:       key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "run")),
		Cancel:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel job")),
		Rollback:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "reset stage")),
		Save:      key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "save all")),
		Results:   key.NewBinding(key.WithKeys("v"), key.WithHelp("v", "results")),
		Mesh:      key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "load mesh")),
		Back:      key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		Help:      key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Run, k.Cancel, k.Save, k.Results, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.PrevStage, k.NextStage, k.NextGroup, k.Up, k.Down},
		{k.Edit, k.Run, k.Cancel, k.Rollback, k.Save},
		{k.Results, k.Mesh, k.Back, k.Help, k.Quit},
	}
}
