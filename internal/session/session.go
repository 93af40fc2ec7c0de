package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cwe/internal/logging"
	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/params"
	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/schema"
	"github.com/g960059/cwe/internal/stateengine"
)

var (
	ErrNoCase = errors.New("no case open")
	ErrNoJob  = errors.New("no job reference for stage")
)

// caseEntry is one case in the arena. Completions look their case up by
// ID, so a replaced case can never be reached through a stale callback.
type caseEntry struct {
	id        string
	name      string
	location  string
	typeID    string
	typ       *schema.AnalysisType
	machine   *stateengine.Machine
	params    *params.Store
	jobs      map[string]string
	meshFiles []string
	cursor    Cursor
	results   *ResultView
}

// Session owns every open case and the cursor of the current one. All
// methods must run on the single writer.
type Session struct {
	remote    Remote
	presenter Presenter
	types     Types
	archive   Archive
	watcher   Watcher
	decoder   remote.Decoder
	log       *slog.Logger
	now       func() time.Time

	cases   map[string]*caseEntry
	current string
}

type Option func(*Session)

func WithArchive(a Archive) Option {
	return func(s *Session) { s.archive = a }
}

func New(r Remote, presenter Presenter, types Types, opts ...Option) *Session {
	s := &Session{
		remote:    r,
		presenter: presenter,
		types:     types,
		decoder:   remote.GzipDecoder{},
		log:       logging.New("session"),
		now:       func() time.Time { return time.Now().UTC() },
		cases:     map[string]*caseEntry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetWatcher installs the watcher after construction; the reconciler
// and the session refer to each other.
func (s *Session) SetWatcher(w Watcher) {
	s.watcher = w
}

// CurrentID returns the ID of the current case, or "".
func (s *Session) CurrentID() string {
	return s.current
}

// OpenCase replaces the current case. Outstanding operations of the old
// case are dropped and its cursor is gone before anything of the new
// case is issued.
func (s *Session) OpenCase(ctx context.Context, req OpenRequest) string {
	if s.current != "" {
		s.closeCurrent(ctx)
	}
	id := req.CaseID
	if id == "" {
		id = uuid.NewString()
	}
	e := &caseEntry{
		id:       id,
		name:     req.Name,
		location: req.Location,
		typeID:   req.TypeID,
		jobs:     map[string]string{},
	}
	if t, ok := s.types.Get(req.TypeID); ok && t != nil {
		e.typ = t
		e.machine = stateengine.NewMachine(t)
		e.params = params.New(t)
		e.selectFirst()
	} else {
		e.machine = stateengine.NewInvalidMachine()
		s.notify(LevelError, model.ErrSchemaInvalid, fmt.Sprintf("analysis type %q is not available", req.TypeID), false)
		s.log.Error("case type unavailable", slog.String("case", id), slog.String("type", req.TypeID))
	}
	s.cases[id] = e
	s.current = id
	if s.watcher != nil && e.typ != nil {
		s.watcher.Watch(id, e.location)
	}
	s.persist(ctx, e)
	s.present()
	return id
}

// CloseCase tears the current case down.
func (s *Session) CloseCase(ctx context.Context) {
	if s.current == "" {
		return
	}
	s.closeCurrent(ctx)
	s.present()
}

func (s *Session) closeCurrent(ctx context.Context) {
	e := s.cases[s.current]
	delete(s.cases, s.current)
	s.current = ""
	if e == nil {
		return
	}
	dropped := s.remote.InvalidateCase(ctx, e.id)
	if s.watcher != nil {
		s.watcher.Unwatch(e.id)
	}
	e.machine.Teardown()
	s.persist(ctx, e)
	if s.archive != nil {
		if err := s.archive.CloseCase(ctx, e.id, s.now()); err != nil {
			s.log.Warn("archive close case", slog.String("case", e.id), slog.Any("err", err))
		}
	}
	s.log.Debug("case closed", slog.String("case", e.id), slog.Int("dropped_ops", dropped))
}

// Run submits the job of a stage.
func (s *Session) Run(ctx context.Context, stage string) {
	e, ok := s.require()
	if !ok {
		return
	}
	if !s.step(e, "run", func() (stateengine.Delta, error) { return e.machine.BeginRun(stage) }) {
		return
	}
	s.remote.Issue(ctx, remote.Op{
		Kind:    model.OpSubmitJob,
		CaseID:  e.id,
		CaseDir: e.location,
		Stage:   stage,
		Params:  e.params.Snapshot(),
		OnComplete: func(ctx context.Context, c remote.Completion) {
			e, ok := s.live(c.Handle.CaseID)
			if !ok {
				return
			}
			good := c.State == model.OpCompleted
			if good && c.Result.JobRef != "" {
				e.jobs[stage] = c.Result.JobRef
			}
			s.step(e, "run", func() (stateengine.Delta, error) { return e.machine.FinishRun(stage, good) })
			s.failed(c)
			s.changed(ctx, e)
		},
	})
	s.changed(ctx, e)
}

// Cancel cancels the job of the selected stage. The stage shows error
// until the backend reports it stopped.
func (s *Session) Cancel(ctx context.Context) {
	e, ok := s.require()
	if !ok {
		return
	}
	stage := e.cursor.Stage
	jobRef := e.jobs[stage]
	if jobRef == "" {
		s.notify(LevelWarn, model.ErrInvalidTransition, fmt.Sprintf("cancel %s: %v", stage, ErrNoJob), false)
		return
	}
	if !s.step(e, "cancel", func() (stateengine.Delta, error) { return e.machine.BeginCancel(stage) }) {
		return
	}
	s.remote.Issue(ctx, remote.Op{
		Kind:    model.OpCancelJob,
		CaseID:  e.id,
		CaseDir: e.location,
		Stage:   stage,
		JobRef:  jobRef,
		OnComplete: func(ctx context.Context, c remote.Completion) {
			e, ok := s.live(c.Handle.CaseID)
			if !ok {
				return
			}
			good := c.State == model.OpCompleted
			if good {
				delete(e.jobs, stage)
			}
			s.step(e, "cancel", func() (stateengine.Delta, error) { return e.machine.FinishCancel(stage, good) })
			s.failed(c)
			s.changed(ctx, e)
		},
	})
	s.changed(ctx, e)
}

// Rollback removes the results of stage and every later stage.
func (s *Session) Rollback(ctx context.Context, stage string) {
	e, ok := s.require()
	if !ok {
		return
	}
	if !s.step(e, "rollback", func() (stateengine.Delta, error) { return e.machine.BeginRollback(stage) }) {
		return
	}
	s.remote.Issue(ctx, remote.Op{
		Kind:    model.OpRollbackStage,
		CaseID:  e.id,
		CaseDir: e.location,
		Stage:   stage,
		OnComplete: func(ctx context.Context, c remote.Completion) {
			e, ok := s.live(c.Handle.CaseID)
			if !ok {
				return
			}
			good := c.State == model.OpCompleted
			s.step(e, "rollback", func() (stateengine.Delta, error) { return e.machine.FinishRollback(stage, good) })
			if good && e.results != nil && e.typ.StageIndex(e.results.Stage) >= e.typ.StageIndex(stage) {
				e.results = nil
			}
			s.failed(c)
			s.changed(ctx, e)
		},
	})
	s.changed(ctx, e)
}

// SaveAll writes values to the backend from the selected stage. Nothing
// is sent unless every value validates; the local store only changes
// once the backend accepted the save.
func (s *Session) SaveAll(ctx context.Context, values map[string]string) {
	e, ok := s.require()
	if !ok {
		return
	}
	if e.params == nil {
		s.notify(LevelError, model.ErrSchemaInvalid, "case has no parameters", false)
		return
	}
	if err := e.params.Validate(values); err != nil {
		code := model.ErrInvalidValue
		if errors.Is(err, params.ErrUnknownVariable) {
			code = model.ErrUnknownVariable
		}
		s.notify(LevelWarn, code, err.Error(), false)
		return
	}
	if !e.params.Changed(values) {
		s.notify(LevelInfo, "", "no parameter changes to save", false)
		return
	}
	stage := e.cursor.Stage
	if !s.step(e, "save", func() (stateengine.Delta, error) { return e.machine.BeginSave(stage) }) {
		return
	}
	merged := e.params.Snapshot()
	for k, v := range values {
		merged[k] = v
	}
	s.remote.Issue(ctx, remote.Op{
		Kind:    model.OpSaveParameters,
		CaseID:  e.id,
		CaseDir: e.location,
		Stage:   stage,
		Params:  merged,
		OnComplete: func(ctx context.Context, c remote.Completion) {
			e, ok := s.live(c.Handle.CaseID)
			if !ok {
				return
			}
			if c.State == model.OpCompleted {
				res := e.params.BulkUpdate(values)
				s.logIgnored(e, res)
			}
			s.step(e, "save", func() (stateengine.Delta, error) { return e.machine.FinishSave() })
			s.failed(c)
			s.changed(ctx, e)
		},
	})
	s.changed(ctx, e)
}

// SelectStage moves the cursor to stage and its first group.
func (s *Session) SelectStage(ctx context.Context, stage string) {
	e, ok := s.require()
	if !ok {
		return
	}
	if e.typ == nil || !e.typ.HasStage(stage) {
		s.notify(LevelWarn, model.ErrInvalidTransition, fmt.Sprintf("unknown stage %q", stage), false)
		return
	}
	e.cursor = Cursor{Stage: stage}
	if groups := e.typ.GroupsForStage(stage); len(groups) > 0 {
		e.cursor.Group = groups[0]
	}
	s.present()
}

// SelectGroup moves the cursor to a group of the selected stage.
func (s *Session) SelectGroup(ctx context.Context, group string) {
	e, ok := s.require()
	if !ok {
		return
	}
	if e.typ == nil {
		return
	}
	for _, g := range e.typ.GroupsForStage(e.cursor.Stage) {
		if g == group {
			e.cursor.Group = group
			s.present()
			return
		}
	}
	s.notify(LevelWarn, model.ErrInvalidTransition, fmt.Sprintf("group %q is not part of stage %q", group, e.cursor.Stage), false)
}

// ResultsPath is where the backend keeps the output of a stage.
func ResultsPath(caseDir, stage string) string {
	return path.Join(caseDir, "log."+stage)
}

// ShowResults downloads the output of a finished stage.
func (s *Session) ShowResults(ctx context.Context, stage string) {
	e, ok := s.require()
	if !ok {
		return
	}
	if !s.step(e, "results", func() (stateengine.Delta, error) { return e.machine.BeginDownload(stage) }) {
		return
	}
	target := ResultsPath(e.location, stage)
	s.remote.Issue(ctx, remote.Op{
		Kind:   model.OpDownloadFile,
		CaseID: e.id,
		Stage:  stage,
		Path:   target,
		OnComplete: func(ctx context.Context, c remote.Completion) {
			e, ok := s.live(c.Handle.CaseID)
			if !ok {
				return
			}
			if c.State == model.OpCompleted {
				data, err := s.decoder.Decode(c.Result.Payload, formatOf(target))
				if err != nil {
					s.notify(LevelWarn, model.ErrDecode, (&remote.DecodeError{Part: target, Err: err}).Error(), true)
				} else {
					e.results = &ResultView{Stage: stage, Content: string(data)}
				}
			}
			s.step(e, "results", func() (stateengine.Delta, error) { return e.machine.FinishDownload(stage) })
			s.failed(c)
			s.changed(ctx, e)
		},
	})
	s.changed(ctx, e)
}

// CloseResults hides downloaded results.
func (s *Session) CloseResults(ctx context.Context) {
	e, ok := s.require()
	if !ok {
		return
	}
	e.results = nil
	s.present()
}

// LoadMesh fetches the case mesh and hands it to consumer once complete.
func (s *Session) LoadMesh(ctx context.Context, consumer remote.MeshConsumer) {
	e, ok := s.require()
	if !ok {
		return
	}
	parts, err := remote.ResolveMeshFiles(remote.PolyMeshDir(e.location), e.meshFiles)
	if err != nil {
		s.notify(LevelWarn, model.ErrTransportFailure, err.Error(), false)
		return
	}
	if !s.step(e, "mesh", func() (stateengine.Delta, error) { return e.machine.BeginFetch() }) {
		return
	}
	caseID := e.id
	s.remote.LoadMesh(ctx, caseID, parts, s.decoder, consumer, func(ctx context.Context, err error) {
		e, ok := s.live(caseID)
		if !ok {
			return
		}
		s.step(e, "mesh", func() (stateengine.Delta, error) { return e.machine.FinishFetch() })
		if err != nil {
			var de *remote.DecodeError
			if errors.As(err, &de) {
				s.notify(LevelWarn, model.ErrDecode, err.Error(), true)
			} else {
				s.notify(LevelWarn, model.ErrTransportFailure, err.Error(), true)
			}
		}
		s.changed(ctx, e)
	})
	s.changed(ctx, e)
}

// ApplyRemote applies one refresh of a case's remote status.
func (s *Session) ApplyRemote(ctx context.Context, caseID string, update model.RemoteUpdate) {
	e, ok := s.live(caseID)
	if !ok {
		return
	}
	if update.Name != "" {
		e.name = update.Name
	}
	if update.Location != "" && e.location == "" {
		e.location = update.Location
	}
	if update.MeshFiles != nil {
		e.meshFiles = append([]string(nil), update.MeshFiles...)
	}
	for _, ev := range update.Events {
		if ev.JobRef != "" && ev.Stage != "" {
			e.jobs[ev.Stage] = ev.JobRef
		}
		if _, err := e.machine.Apply(ev); err != nil {
			s.reject(e, string(ev.Kind), err)
			continue
		}
		if ev.Kind == model.EventCaseError && ev.Reason != "" {
			s.notify(LevelError, model.ErrCaseUnavailable, ev.Reason, false)
		}
	}
	if update.Params != nil && e.params != nil {
		res := e.params.BulkUpdate(update.Params)
		s.logIgnored(e, res)
	}
	s.changed(ctx, e)
}

// Snapshot returns the presentation of the current case.
func (s *Session) Snapshot() CaseSnapshot {
	e, ok := s.cases[s.current]
	if !ok {
		return CaseSnapshot{Name: LabelNone, TypeName: LabelNone, Location: LabelNone, View: model.ViewHidden}
	}
	return e.snapshot()
}

// CaseStatus returns the overall status of an open case.
func (s *Session) CaseStatus(caseID string) (model.CaseStatus, bool) {
	e, ok := s.cases[caseID]
	if !ok {
		return "", false
	}
	return e.machine.CaseStatus(), true
}

func (s *Session) require() (*caseEntry, bool) {
	e, ok := s.cases[s.current]
	if !ok {
		s.notify(LevelWarn, model.ErrNoCase, ErrNoCase.Error(), false)
		return nil, false
	}
	return e, true
}

// live returns the case a completion belongs to, or false when the case
// was closed or replaced in the meantime.
func (s *Session) live(caseID string) (*caseEntry, bool) {
	e, ok := s.cases[caseID]
	if !ok {
		s.log.Debug("dropping completion for stale case", slog.String("case", caseID))
	}
	return e, ok
}

// step runs one machine transition and reports a rejection to the user.
func (s *Session) step(e *caseEntry, action string, fn func() (stateengine.Delta, error)) bool {
	d, err := fn()
	if err != nil {
		s.reject(e, action, err)
		return false
	}
	if !d.Empty() {
		s.log.Debug("case transition", slog.String("case", e.id), slog.String("action", action),
			slog.String("from", string(d.CaseFrom)), slog.String("to", string(d.CaseTo)), slog.Int("stages", len(d.Changes)))
	}
	return true
}

func (s *Session) reject(e *caseEntry, action string, err error) {
	if errors.Is(err, stateengine.ErrOutOfOrder) {
		s.log.Debug("stale backend report", slog.String("case", e.id), slog.String("code", model.ErrOutOfOrder), slog.Any("err", err))
		return
	}
	level := LevelWarn
	if errors.Is(err, stateengine.ErrUnknownStage) || errors.Is(err, stateengine.ErrUnknownEvent) {
		level = LevelError
	}
	s.log.Info("transition rejected", slog.String("case", e.id), slog.String("action", action), slog.Any("err", err))
	s.notify(level, model.ErrInvalidTransition, fmt.Sprintf("%s: %v", action, err), false)
}

func (s *Session) failed(c remote.Completion) {
	if c.State != model.OpFailed {
		return
	}
	s.notify(LevelError, model.ErrTransportFailure, c.Err.Error(), true)
}

func (s *Session) logIgnored(e *caseEntry, res params.Result) {
	for _, r := range res.Ignored {
		s.log.Warn("ignored parameter", slog.String("case", e.id), slog.String("name", r.Name), slog.Any("err", r.Err))
	}
}

func (s *Session) notify(level Level, code, msg string, retryable bool) {
	if s.presenter == nil {
		return
	}
	s.presenter.Notify(Notice{Level: level, Code: code, Message: msg, Retryable: retryable})
}

// changed persists e and redraws when it is the current case.
func (s *Session) changed(ctx context.Context, e *caseEntry) {
	s.persist(ctx, e)
	if e.id == s.current {
		s.present()
	}
}

func (s *Session) present() {
	if s.presenter == nil {
		return
	}
	s.presenter.Present(s.Snapshot())
}

func (s *Session) persist(ctx context.Context, e *caseEntry) {
	if s.archive == nil {
		return
	}
	rec := model.CaseRecord{
		CaseID:     e.id,
		Name:       e.name,
		Location:   e.location,
		TypeName:   e.typeID,
		Status:     e.machine.CaseStatus(),
		StageOrder: e.machine.StageOrder(),
		Stages:     e.machine.StageStatuses(),
		UpdatedAt:  s.now(),
	}
	if e.params != nil {
		rec.Params = e.params.Snapshot()
	}
	if err := s.archive.UpsertCase(ctx, rec); err != nil {
		s.log.Warn("archive case", slog.String("case", e.id), slog.Any("err", err))
	}
}

func (e *caseEntry) selectFirst() {
	keys := e.typ.StageKeys()
	if len(keys) == 0 {
		return
	}
	e.cursor = Cursor{Stage: keys[0]}
	if groups := e.typ.GroupsForStage(keys[0]); len(groups) > 0 {
		e.cursor.Group = groups[0]
	}
}

func (e *caseEntry) snapshot() CaseSnapshot {
	overall := e.machine.CaseStatus()
	view, _ := stateengine.CaseView(overall)
	snap := CaseSnapshot{
		CaseID:    e.id,
		Name:      orLoading(e.name),
		Location:  orLoading(e.location),
		TypeName:  LabelLoading,
		Overall:   overall,
		View:      view,
		Cursor:    e.cursor,
		MeshFiles: append([]string(nil), e.meshFiles...),
	}
	if e.results != nil {
		r := *e.results
		snap.Results = &r
	}
	if e.typ == nil {
		return snap
	}
	snap.TypeName = e.typ.DisplayName()
	values := e.params.Snapshot()
	for _, st := range e.typ.StagesInOrder() {
		status, _ := e.machine.StageStatus(st.Key)
		sv := StageView{
			Key:     st.Key,
			Label:   e.typ.TranslateStageLabel(st.Key),
			Status:  status,
			Text:    stateengine.StatusText(status),
			Buttons: stateengine.EffectiveAffordances(overall, status),
			View:    stateengine.StageView(overall, status),
		}
		for _, g := range st.Groups {
			gv := GroupView{Key: g, Label: e.typ.TranslateGroupLabel(g)}
			for _, name := range e.typ.VariablesForGroup(g) {
				info, _ := e.typ.VariableInfo(name)
				gv.Vars = append(gv.Vars, VariableView{
					Name:    name,
					Label:   info.Label,
					Kind:    info.Kind,
					Choices: append([]string(nil), info.Choices...),
					Value:   values[name],
				})
			}
			sv.Groups = append(sv.Groups, gv)
		}
		snap.Stages = append(snap.Stages, sv)
	}
	return snap
}

func orLoading(v string) string {
	if v == "" {
		return LabelLoading
	}
	return v
}

func formatOf(p string) string {
	format, _ := remote.FormatOf(path.Base(p))
	return format
}

// OpenCases lists the IDs in the arena.
func (s *Session) OpenCases() []string {
	ids := make([]string, 0, len(s.cases))
	for id := range s.cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
