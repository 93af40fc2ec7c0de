package tui

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/session"
)

// Presenter forwards session output into a running program. It also
// serves as the mesh viewer. Notices sent before Attach are dropped; the
// latest snapshot is replayed when a program attaches.
type Presenter struct {
	mu   sync.Mutex
	prog *tea.Program
	last *session.CaseSnapshot
}

func (p *Presenter) Attach(prog *tea.Program) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prog = prog
	if prog != nil && p.last != nil {
		msg := SnapshotMsg(*p.last)
		go prog.Send(msg)
	}
}

func (p *Presenter) Present(snap session.CaseSnapshot) {
	p.mu.Lock()
	p.last = &snap
	p.mu.Unlock()
	p.send(SnapshotMsg(snap))
}

func (p *Presenter) Notify(n session.Notice) {
	p.send(NoticeMsg(n))
}

func (p *Presenter) LoadMesh(mesh remote.MeshBuffers) error {
	p.send(MeshMsg{Points: len(mesh.Points), Faces: len(mesh.Faces), Owner: len(mesh.Owner)})
	return nil
}

func (p *Presenter) send(msg tea.Msg) {
	p.mu.Lock()
	prog := p.prog
	p.mu.Unlock()
	if prog != nil {
		prog.Send(msg)
	}
}

// Run shows the terminal UI until the user quits or ctx ends. Intents
// go to send; session output arrives through p.
func Run(ctx context.Context, p *Presenter, send func(session.Intent), opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	prog := tea.NewProgram(New(send, p), opts...)
	p.Attach(prog)
	defer p.Attach(nil)
	_, err := prog.Run()
	return err
}
