package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"sort"
	"time"

	"github.com/g960059/cwe/internal/config"
	"github.com/g960059/cwe/internal/logging"
	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/remote"
)

// Issuer sends remote operations. *remote.Coordinator satisfies it.
type Issuer interface {
	Issue(ctx context.Context, op remote.Op) remote.Handle
}

// Sink receives what each refresh changed. It runs on the single writer.
type Sink interface {
	ApplyRemote(ctx context.Context, caseID string, update model.RemoteUpdate)
}

type watch struct {
	caseDir  string
	last     *model.CaseDocument
	inflight bool
	health   HealthState
}

// Reconciler periodically downloads the status document of every
// watched case and turns differences into backend events. Every method
// must be called on the single writer.
type Reconciler struct {
	issuer  Issuer
	sink    Sink
	cfg     config.Config
	log     *slog.Logger
	now     func() time.Time
	watches map[string]*watch
}

func NewReconciler(issuer Issuer, sink Sink, cfg config.Config) *Reconciler {
	return &Reconciler{
		issuer:  issuer,
		sink:    sink,
		cfg:     cfg,
		log:     logging.New("reconcile"),
		now:     func() time.Time { return time.Now().UTC() },
		watches: map[string]*watch{},
	}
}

// Watch starts refreshing caseID. The next refresh reports the whole
// document as a case_loaded event.
func (r *Reconciler) Watch(caseID, caseDir string) {
	r.watches[caseID] = &watch{caseDir: caseDir}
}

func (r *Reconciler) Unwatch(caseID string) {
	delete(r.watches, caseID)
}

// Watching reports whether caseID is refreshed.
func (r *Reconciler) Watching(caseID string) bool {
	_, ok := r.watches[caseID]
	return ok
}

// Tick issues one refresh per watched case that has none outstanding.
func (r *Reconciler) Tick(ctx context.Context) int {
	ids := make([]string, 0, len(r.watches))
	for id := range r.watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	issued := 0
	for _, id := range ids {
		w := r.watches[id]
		if w.inflight {
			continue
		}
		w.inflight = true
		caseID := id
		r.issuer.Issue(ctx, remote.Op{
			Kind:   model.OpDownloadFile,
			CaseID: caseID,
			Path:   path.Join(w.caseDir, r.cfg.StatusFile),
			OnComplete: func(ctx context.Context, c remote.Completion) {
				r.refreshed(ctx, caseID, w, c)
			},
		})
		issued++
	}
	return issued
}

// Run posts a Tick every ReconcileInterval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, poster remote.Poster) error {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	poster.Post(func(ctx context.Context) { r.Tick(ctx) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poster.Post(func(ctx context.Context) { r.Tick(ctx) })
		}
	}
}

func (r *Reconciler) refreshed(ctx context.Context, caseID string, w *watch, c remote.Completion) {
	w.inflight = false
	if r.watches[caseID] != w {
		r.log.Debug("dropping refresh for unwatched case", slog.String("case", caseID))
		return
	}
	now := r.now()
	switch c.State {
	case model.OpCompleted:
	case model.OpCancelled:
		return
	default:
		r.observe(ctx, caseID, w, false, now, c.Err)
		return
	}

	var doc model.CaseDocument
	if err := json.Unmarshal(c.Result.Payload, &doc); err != nil {
		r.log.Warn("malformed status document", slog.String("case", caseID), slog.Any("err", err))
		r.sink.ApplyRemote(ctx, caseID, model.RemoteUpdate{Events: []model.BackendEvent{{
			Kind:   model.EventCaseError,
			Reason: fmt.Sprintf("%s: %v", model.ErrDecode, err),
			At:     now,
		}}})
		return
	}
	r.observe(ctx, caseID, w, true, now, nil)

	update := Diff(w.last, doc, now)
	w.last = &doc
	if emptyUpdate(update) {
		return
	}
	r.sink.ApplyRemote(ctx, caseID, update)
}

// observe feeds one refresh outcome into the health window and reports
// the case offline or back online when it flips.
func (r *Reconciler) observe(ctx context.Context, caseID string, w *watch, ok bool, now time.Time, cause error) {
	prev := w.health.Current
	w.health = NextHealth(r.cfg, w.health, ok, now)
	if !ok {
		r.log.Debug("status refresh failed", slog.String("case", caseID), slog.String("health", string(w.health.Current)), slog.Any("err", cause))
	}
	switch {
	case prev != HealthDown && w.health.Current == HealthDown:
		r.log.Warn("case location unreachable", slog.String("case", caseID), slog.String("location", w.caseDir))
		r.sink.ApplyRemote(ctx, caseID, model.RemoteUpdate{Events: []model.BackendEvent{{Kind: model.EventConnectionLost, At: now}}})
	case prev == HealthDown && w.health.Current == HealthOK:
		r.log.Info("case location reachable again", slog.String("case", caseID))
		r.sink.ApplyRemote(ctx, caseID, model.RemoteUpdate{Events: []model.BackendEvent{{Kind: model.EventConnectionRestored, At: now}}})
	}
}

// Diff turns a new status document into the update relative to the
// previous one. Without a previous document the whole case is reported
// as loaded. Stages only produce events when their sequence advanced.
func Diff(prev *model.CaseDocument, next model.CaseDocument, now time.Time) model.RemoteUpdate {
	if prev == nil {
		stages := make(map[string]model.RemoteState, len(next.Stages))
		for key, rep := range next.Stages {
			stages[key] = rep.Status
		}
		update := model.RemoteUpdate{
			Name:      next.Name,
			Type:      next.Type,
			Location:  next.Location,
			Events:    []model.BackendEvent{{Kind: model.EventCaseLoaded, Stages: stages, At: now}},
			Params:    maps.Clone(next.Params),
			MeshFiles: append([]string(nil), next.MeshFiles...),
		}
		for _, key := range sortedStageKeys(next.Stages) {
			if rep := next.Stages[key]; rep.Job != "" {
				update.Events = append(update.Events, model.BackendEvent{Kind: model.EventJobSubmitted, Stage: key, JobRef: rep.Job, At: now})
			}
		}
		return update
	}

	var update model.RemoteUpdate
	if next.Name != prev.Name || next.Type != prev.Type || next.Location != prev.Location {
		update.Name, update.Type, update.Location = next.Name, next.Type, next.Location
	}
	for _, key := range sortedStageKeys(next.Stages) {
		rep := next.Stages[key]
		if rep.Seq <= prev.Stages[key].Seq {
			continue
		}
		update.Events = append(update.Events, model.BackendEvent{
			Kind:   model.EventJobStateChanged,
			Stage:  key,
			State:  rep.Status,
			Seq:    rep.Seq,
			JobRef: rep.Job,
			At:     now,
		})
	}
	if !maps.Equal(prev.Params, next.Params) {
		update.Params = maps.Clone(next.Params)
	}
	if !slices.Equal(prev.MeshFiles, next.MeshFiles) {
		update.MeshFiles = append([]string{}, next.MeshFiles...)
	}
	return update
}

func sortedStageKeys(stages map[string]model.StageReport) []string {
	keys := make([]string, 0, len(stages))
	for k := range stages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func emptyUpdate(u model.RemoteUpdate) bool {
	return len(u.Events) == 0 && u.Params == nil && u.MeshFiles == nil &&
		u.Name == "" && u.Type == "" && u.Location == ""
}
