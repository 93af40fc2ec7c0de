package testutil

import (
	"github.com/g960059/cwe/internal/session"
)

// Presenter records everything a session shows.
type Presenter struct {
	Snapshots []session.CaseSnapshot
	Notices   []session.Notice
}

func (p *Presenter) Present(snap session.CaseSnapshot) {
	p.Snapshots = append(p.Snapshots, snap)
}

func (p *Presenter) Notify(n session.Notice) {
	p.Notices = append(p.Notices, n)
}

// Last returns the latest snapshot.
func (p *Presenter) Last() session.CaseSnapshot {
	if len(p.Snapshots) == 0 {
		return session.CaseSnapshot{}
	}
	return p.Snapshots[len(p.Snapshots)-1]
}

// Codes lists the codes of every notice in order.
func (p *Presenter) Codes() []string {
	out := make([]string, 0, len(p.Notices))
	for _, n := range p.Notices {
		out = append(out, n.Code)
	}
	return out
}

// Reset drops everything recorded so far.
func (p *Presenter) Reset() {
	p.Snapshots = nil
	p.Notices = nil
}
