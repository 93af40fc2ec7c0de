package stateengine

import (
	"fmt"

	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/schema"
)

// Machine is the lifecycle of one case. It is not safe for concurrent
// use; every call must come from the single writer that owns the case.
type Machine struct {
	order   []string
	index   map[string]int
	remote  map[string]model.RemoteState
	seq     map[string]int64
	overlay map[string]model.StageStatus
	pending map[model.OpKind]int
	flags   caseFlags
	// submitSeq is the backend seq of a stage when its submission was
	// issued.
	submitSeq map[string]int64

	stages  map[string]model.StageStatus
	overall model.CaseStatus
}

// NewMachine returns a machine for a case of type t in the loading
// state. Every stage is loading until the first case_loaded event.
func NewMachine(t *schema.AnalysisType) *Machine {
	m := &Machine{
		index:   map[string]int{},
		remote:  map[string]model.RemoteState{},
		seq:     map[string]int64{},
		overlay: map[string]model.StageStatus{},
		pending: map[model.OpKind]int{},
		stages:  map[string]model.StageStatus{},

		submitSeq: map[string]int64{},
	}
	if t == nil {
		m.flags.invalid = true
		m.recompute()
		return m
	}
	for i, key := range t.StageKeys() {
		m.order = append(m.order, key)
		m.index[key] = i
		m.remote[key] = model.RemoteUnrun
	}
	m.recompute()
	return m
}

// NewInvalidMachine is used when the case's analysis type could not be
// loaded.
func NewInvalidMachine() *Machine {
	return NewMachine(nil)
}

func (m *Machine) CaseStatus() model.CaseStatus {
	return m.overall
}

func (m *Machine) StageStatus(stage string) (model.StageStatus, bool) {
	st, ok := m.stages[stage]
	return st, ok
}

// StageStatuses returns a copy of every stage status.
func (m *Machine) StageStatuses() map[string]model.StageStatus {
	out := make(map[string]model.StageStatus, len(m.stages))
	for k, v := range m.stages {
		out[k] = v
	}
	return out
}

func (m *Machine) StageOrder() []string {
	return append([]string(nil), m.order...)
}

// Affordances returns the effective buttons for a stage, including the
// case-level override.
func (m *Machine) Affordances(stage string) model.ButtonMode {
	st, ok := m.stages[stage]
	if !ok {
		return model.ButtonNone
	}
	return EffectiveAffordances(m.overall, st)
}

func (m *Machine) Pending(kind model.OpKind) int {
	return m.pending[kind]
}

// Apply applies a backend notification. A rejected event leaves the
// machine unchanged.
func (m *Machine) Apply(ev model.BackendEvent) (Delta, error) {
	switch ev.Kind {
	case model.EventCaseLoaded:
		return m.commit(func() error {
			for _, key := range m.order {
				m.remote[key] = canonicalRemote(ev.Stages[key])
				m.seq[key] = 0
			}
			m.flags.loaded = true
			return nil
		})
	case model.EventJobSubmitted:
		return m.commit(func() error {
			if err := m.requireStage(ev.Stage); err != nil {
				return err
			}
			m.remote[ev.Stage] = model.RemoteRunning
			delete(m.overlay, ev.Stage)
			return nil
		})
	case model.EventJobStateChanged:
		return m.commit(func() error {
			if err := m.requireStage(ev.Stage); err != nil {
				return err
			}
			if ev.Seq > 0 {
				if ev.Seq <= m.seq[ev.Stage] {
					return fmt.Errorf("%w: stage %s seq %d <= %d", ErrOutOfOrder, ev.Stage, ev.Seq, m.seq[ev.Stage])
				}
				m.seq[ev.Stage] = ev.Seq
			}
			raw := canonicalRemote(ev.State)
			m.remote[ev.Stage] = raw
			if over, ok := m.overlay[ev.Stage]; ok {
				// A cancelled job keeps its error overlay until the
				// backend stops reporting it as running.
				if !(over == model.StageError && raw == model.RemoteRunning) && over != model.StageDownloading && over != model.StageLoading {
					delete(m.overlay, ev.Stage)
				}
			}
			return nil
		})
	case model.EventFileOpCompleted:
		return m.commit(func() error {
			if ev.Stage == "" {
				return nil
			}
			if err := m.requireStage(ev.Stage); err != nil {
				return err
			}
			m.clearDownloadOverlay(ev.Stage)
			return nil
		})
	case model.EventParamSaveCompleted:
		return m.commit(func() error { return nil })
	case model.EventConnectionLost:
		return m.commit(func() error {
			m.flags.offline = true
			return nil
		})
	case model.EventConnectionRestored:
		return m.commit(func() error {
			m.flags.offline = false
			return nil
		})
	case model.EventCaseError:
		return m.commit(func() error {
			m.flags.failed = true
			return nil
		})
	default:
		return Delta{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
}

// BeginRun records a job submission for an unrun stage.
func (m *Machine) BeginRun(stage string) (Delta, error) {
	return m.commit(func() error {
		if err := m.requireAction(stage, model.StageUnrun); err != nil {
			return err
		}
		m.pending[model.OpSubmitJob]++
		m.submitSeq[stage] = m.seq[stage]
		return nil
	})
}

// FinishRun closes a submission. On success the stage is running unless
// the backend already reported on the job since it was submitted.
func (m *Machine) FinishRun(stage string, ok bool) (Delta, error) {
	return m.commit(func() error {
		m.release(model.OpSubmitJob)
		at, submitted := m.submitSeq[stage]
		delete(m.submitSeq, stage)
		if ok && submitted && m.seq[stage] == at {
			m.remote[stage] = model.RemoteRunning
			delete(m.overlay, stage)
		}
		return nil
	})
}

// BeginCancel moves a running stage to error while the cancel request
// is outstanding. A running stage may never go straight back to unrun.
func (m *Machine) BeginCancel(stage string) (Delta, error) {
	return m.commit(func() error {
		if err := m.requireAction(stage, model.StageRunning); err != nil {
			return err
		}
		m.overlay[stage] = model.StageError
		m.pending[model.OpCancelJob]++
		return nil
	})
}

// FinishCancel closes a cancel request. If the backend refused it the
// stage returns to whatever the backend last reported.
func (m *Machine) FinishCancel(stage string, ok bool) (Delta, error) {
	return m.commit(func() error {
		m.release(model.OpCancelJob)
		if !ok {
			delete(m.overlay, stage)
		}
		return nil
	})
}

// BeginRollback marks a finished stage as loading while its results are
// removed remotely.
func (m *Machine) BeginRollback(stage string) (Delta, error) {
	return m.commit(func() error {
		if err := m.requireAction(stage, model.StageFinished, model.StageFinishedPrereq); err != nil {
			return err
		}
		for _, later := range m.order[m.index[stage]+1:] {
			switch m.stages[later] {
			case model.StageRunning, model.StageDownloading, model.StageLoading:
				return fmt.Errorf("%w: stage %s is %s", ErrInvalidTransition, later, m.stages[later])
			}
		}
		m.overlay[stage] = model.StageLoading
		m.pending[model.OpRollbackStage]++
		return nil
	})
}

// FinishRollback closes a rollback. On success the stage and every later
// stage lose their results.
func (m *Machine) FinishRollback(stage string, ok bool) (Delta, error) {
	return m.commit(func() error {
		m.release(model.OpRollbackStage)
		if !m.hasStage(stage) {
			return nil
		}
		delete(m.overlay, stage)
		if ok {
			for _, key := range m.order[m.index[stage]:] {
				m.remote[key] = model.RemoteUnrun
				delete(m.overlay, key)
			}
		}
		return nil
	})
}

// BeginDownload marks a finished stage as downloading its results. A
// finished_prereq stage keeps its status, since a downloading stage may
// only end up finished.
func (m *Machine) BeginDownload(stage string) (Delta, error) {
	return m.commit(func() error {
		if err := m.requireAction(stage, model.StageFinished, model.StageFinishedPrereq); err != nil {
			return err
		}
		if m.stages[stage] == model.StageFinished {
			m.overlay[stage] = model.StageDownloading
		}
		m.pending[model.OpDownloadFile]++
		return nil
	})
}

func (m *Machine) FinishDownload(stage string) (Delta, error) {
	return m.commit(func() error {
		m.release(model.OpDownloadFile)
		if m.hasStage(stage) {
			m.clearDownloadOverlay(stage)
		}
		return nil
	})
}

// BeginFetch records a case-level download (mesh files) that is not tied
// to one stage.
func (m *Machine) BeginFetch() (Delta, error) {
	return m.commit(func() error {
		if m.flags.defunct || m.flags.invalid {
			return fmt.Errorf("%w: case is %s", ErrInvalidTransition, m.overall)
		}
		m.pending[model.OpDownloadFile]++
		return nil
	})
}

func (m *Machine) FinishFetch() (Delta, error) {
	return m.commit(func() error {
		m.release(model.OpDownloadFile)
		return nil
	})
}

// BeginSave records a parameter save issued from a stage that offers it.
func (m *Machine) BeginSave(stage string) (Delta, error) {
	return m.commit(func() error {
		if err := m.requireAction(stage, model.StageUnrun, model.StageUnready); err != nil {
			return err
		}
		m.pending[model.OpSaveParameters]++
		return nil
	})
}

func (m *Machine) FinishSave() (Delta, error) {
	return m.commit(func() error {
		m.release(model.OpSaveParameters)
		return nil
	})
}

// Teardown makes the case defunct. Nothing is offered afterwards.
func (m *Machine) Teardown() Delta {
	d, _ := m.commit(func() error {
		m.flags.defunct = true
		return nil
	})
	return d
}

func (m *Machine) hasStage(stage string) bool {
	_, ok := m.index[stage]
	return ok
}

func (m *Machine) requireStage(stage string) error {
	if !m.hasStage(stage) {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return nil
}

// requireAction checks the stage exists, the case currently allows stage
// actions and the stage is in one of the wanted statuses.
func (m *Machine) requireAction(stage string, want ...model.StageStatus) error {
	if err := m.requireStage(stage); err != nil {
		return err
	}
	if _, actions := CaseView(m.overall); !actions {
		return fmt.Errorf("%w: case is %s", ErrInvalidTransition, m.overall)
	}
	current := m.stages[stage]
	for _, w := range want {
		if current == w {
			return nil
		}
	}
	return fmt.Errorf("%w: stage %s is %s", ErrInvalidTransition, stage, current)
}

func (m *Machine) release(kind model.OpKind) {
	if m.pending[kind] > 0 {
		m.pending[kind]--
	}
}

// clearDownloadOverlay ends a results download. If the backend moved
// the stage somewhere a downloading stage may not go, it ends in error.
func (m *Machine) clearDownloadOverlay(stage string) {
	if m.overlay[stage] != model.StageDownloading {
		return
	}
	delete(m.overlay, stage)
	if next := m.deriveStages()[stage]; !transitionAllowed(model.StageDownloading, next) {
		m.overlay[stage] = model.StageError
	}
}

type machineState struct {
	remote  map[string]model.RemoteState
	seq     map[string]int64
	overlay map[string]model.StageStatus
	pending map[model.OpKind]int
	flags   caseFlags

	submitSeq map[string]int64
}

func (m *Machine) save() machineState {
	s := machineState{
		remote:  make(map[string]model.RemoteState, len(m.remote)),
		seq:     make(map[string]int64, len(m.seq)),
		overlay: make(map[string]model.StageStatus, len(m.overlay)),
		pending: make(map[model.OpKind]int, len(m.pending)),
		flags:   m.flags,

		submitSeq: make(map[string]int64, len(m.submitSeq)),
	}
	for k, v := range m.submitSeq {
		s.submitSeq[k] = v
	}
	for k, v := range m.remote {
		s.remote[k] = v
	}
	for k, v := range m.seq {
		s.seq[k] = v
	}
	for k, v := range m.overlay {
		s.overlay[k] = v
	}
	for k, v := range m.pending {
		s.pending[k] = v
	}
	return s
}

func (m *Machine) restore(s machineState) {
	m.remote = s.remote
	m.seq = s.seq
	m.overlay = s.overlay
	m.pending = s.pending
	m.flags = s.flags
	m.submitSeq = s.submitSeq
}

// commit runs mutate, re-derives every status and checks the stage
// transition invariant. On any error the machine is restored.
func (m *Machine) commit(mutate func() error) (Delta, error) {
	saved := m.save()
	prevStages := m.StageStatuses()
	prevCase := m.overall

	if err := mutate(); err != nil {
		m.restore(saved)
		return Delta{}, err
	}
	nextStages := m.deriveStages()
	for _, key := range m.order {
		if !transitionAllowed(prevStages[key], nextStages[key]) {
			m.restore(saved)
			return Delta{}, fmt.Errorf("%w: stage %s %s -> %s", ErrInvalidTransition, key, prevStages[key], nextStages[key])
		}
	}
	m.stages = nextStages
	m.overall = resolveCaseStatus(m.flags, m.pending, m.stages)

	delta := Delta{CaseFrom: prevCase, CaseTo: m.overall}
	for _, key := range m.order {
		if prevStages[key] != m.stages[key] {
			delta.Changes = append(delta.Changes, StageChange{Stage: key, From: prevStages[key], To: m.stages[key]})
		}
	}
	return delta, nil
}

func (m *Machine) recompute() {
	m.stages = m.deriveStages()
	m.overall = resolveCaseStatus(m.flags, m.pending, m.stages)
}

func (m *Machine) deriveStages() map[string]model.StageStatus {
	out := make(map[string]model.StageStatus, len(m.order))
	prereqDone := true
	for _, key := range m.order {
		raw := m.remote[key]
		var st model.StageStatus
		switch {
		case m.flags.offline:
			st = model.StageOffline
		case !m.flags.loaded:
			st = model.StageLoading
		default:
			st = normalize(raw, prereqDone)
			if over, ok := m.overlay[key]; ok {
				st = over
			}
		}
		out[key] = st
		prereqDone = prereqDone && raw == model.RemoteFinished
	}
	return out
}
