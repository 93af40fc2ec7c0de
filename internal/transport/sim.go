package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/remote"
)

var (
	ErrNoSuchFile = errors.New("no such file")
	ErrNoSuchCase = errors.New("no such case")
	ErrNoSuchJob  = errors.New("no such job")
	ErrNoRequest  = errors.New("no pending request")
)

// Request is a request the simulator has accepted but not answered.
type Request struct {
	ID     int
	Kind   model.OpKind
	Target string

	ctx    context.Context
	answer func() remote.Result
	done   remote.Done
}

type simCase struct {
	doc   model.CaseDocument
	order []string
}

type simJob struct {
	caseDir string
	stage   string
}

// Sim is an in-memory backend. It holds a file tree and the stage states
// of every case, and answers requests either on demand (Deliver, Fail,
// DeliverAll) or at once on a background goroutine when Auto is set.
type Sim struct {
	StatusFile string
	Auto       bool

	mu       sync.Mutex
	files    map[string][]byte
	cases    map[string]*simCase
	jobs     map[string]simJob
	pending  []*Request
	nextID   int
	failNext map[model.OpKind]error
	group    errgroup.Group
}

func NewSim(statusFile string) *Sim {
	if statusFile == "" {
		statusFile = ".caseParams"
	}
	return &Sim{
		StatusFile: statusFile,
		files:      map[string][]byte{},
		cases:      map[string]*simCase{},
		jobs:       map[string]simJob{},
		failNext:   map[model.OpKind]error{},
	}
}

// AddCase registers a case directory with the given stage order; every
// stage starts unrun.
func (s *Sim) AddCase(caseDir, name, typeName string, stages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &simCase{
		doc: model.CaseDocument{
			Name:     name,
			Type:     typeName,
			Location: caseDir,
			Stages:   make(map[string]model.StageReport, len(stages)),
			Params:   map[string]string{},
		},
		order: append([]string(nil), stages...),
	}
	for _, st := range stages {
		c.doc.Stages[st] = model.StageReport{Status: model.RemoteUnrun}
	}
	s.cases[caseDir] = c
	s.writeStatusLocked(caseDir, c)
}

func (s *Sim) PutFile(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(p)] = append([]byte(nil), data...)
}

// SetMeshFiles stores mesh files under the case's polyMesh directory and
// lists them in its status document.
func (s *Sim) SetMeshFiles(caseDir string, files map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := remote.PolyMeshDir(caseDir)
	names := make([]string, 0, len(files))
	for name, data := range files {
		s.files[path.Join(dir, name)] = append([]byte(nil), data...)
		names = append(names, name)
	}
	sort.Strings(names)
	if c, ok := s.cases[caseDir]; ok {
		c.doc.MeshFiles = names
		s.writeStatusLocked(caseDir, c)
	}
}

// FailNext makes the next request of kind fail with err.
func (s *Sim) FailNext(kind model.OpKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[kind] = err
}

// SetStage changes a stage state as if the backend moved it on its own.
func (s *Sim) SetStage(caseDir, stage string, state model.RemoteState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseDir]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchCase, caseDir)
	}
	if _, ok := c.doc.Stages[stage]; !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	s.setStageLocked(c, stage, state)
	s.writeStatusLocked(caseDir, c)
	return nil
}

// FinishJob ends a running job.
func (s *Sim) FinishJob(jobRef string, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[jobRef]
	if !found {
		return fmt.Errorf("%w: %s", ErrNoSuchJob, jobRef)
	}
	delete(s.jobs, jobRef)
	c := s.cases[job.caseDir]
	state := model.RemoteFinished
	if !ok {
		state = model.RemoteError
	}
	s.setStageLocked(c, job.stage, state)
	s.writeStatusLocked(job.caseDir, c)
	return nil
}

// RunningJobs lists the references of every job not yet finished.
func (s *Sim) RunningJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]string, 0, len(s.jobs))
	for ref := range s.jobs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Document returns a copy of a case's status document.
func (s *Sim) Document(caseDir string) (model.CaseDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseDir]
	if !ok {
		return model.CaseDocument{}, false
	}
	doc := c.doc
	doc.Stages = make(map[string]model.StageReport, len(c.doc.Stages))
	for k, v := range c.doc.Stages {
		doc.Stages[k] = v
	}
	doc.Params = make(map[string]string, len(c.doc.Params))
	for k, v := range c.doc.Params {
		doc.Params[k] = v
	}
	doc.MeshFiles = append([]string(nil), c.doc.MeshFiles...)
	return doc, true
}

func (s *Sim) SubmitJob(ctx context.Context, caseDir, stage string, _ map[string]string, done remote.Done) error {
	return s.accept(ctx, model.OpSubmitJob, stage, done, func() remote.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		c, ok := s.cases[caseDir]
		if !ok {
			return failed(fmt.Errorf("%w: %s", ErrNoSuchCase, caseDir))
		}
		if _, ok := c.doc.Stages[stage]; !ok {
			return failed(fmt.Errorf("unknown stage %q", stage))
		}
		ref := uuid.NewString()
		s.jobs[ref] = simJob{caseDir: caseDir, stage: stage}
		s.setStageLocked(c, stage, model.RemoteRunning)
		rep := c.doc.Stages[stage]
		rep.Job = ref
		c.doc.Stages[stage] = rep
		s.writeStatusLocked(caseDir, c)
		return remote.Result{State: remote.Good, JobRef: ref}
	})
}

func (s *Sim) CancelJob(ctx context.Context, jobRef string, done remote.Done) error {
	return s.accept(ctx, model.OpCancelJob, jobRef, done, func() remote.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[jobRef]
		if !ok {
			return failed(fmt.Errorf("%w: %s", ErrNoSuchJob, jobRef))
		}
		delete(s.jobs, jobRef)
		c := s.cases[job.caseDir]
		s.setStageLocked(c, job.stage, model.RemoteUnrun)
		s.writeStatusLocked(job.caseDir, c)
		return remote.Result{State: remote.Good}
	})
}

func (s *Sim) DownloadFile(ctx context.Context, p string, done remote.Done) error {
	return s.accept(ctx, model.OpDownloadFile, p, done, func() remote.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		data, ok := s.files[path.Clean(p)]
		if !ok {
			return failed(fmt.Errorf("%w: %s", ErrNoSuchFile, p))
		}
		return remote.Result{State: remote.Good, Payload: append([]byte(nil), data...)}
	})
}

func (s *Sim) SaveParameters(ctx context.Context, caseDir string, values map[string]string, done remote.Done) error {
	snapshot := make(map[string]string, len(values))
	for k, v := range values {
		snapshot[k] = v
	}
	return s.accept(ctx, model.OpSaveParameters, caseDir, done, func() remote.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		c, ok := s.cases[caseDir]
		if !ok {
			return failed(fmt.Errorf("%w: %s", ErrNoSuchCase, caseDir))
		}
		for k, v := range snapshot {
			c.doc.Params[k] = v
		}
		s.writeStatusLocked(caseDir, c)
		return remote.Result{State: remote.Good}
	})
}

// RollbackStage resets stage and every later stage to unrun.
func (s *Sim) RollbackStage(ctx context.Context, caseDir, stage string, done remote.Done) error {
	return s.accept(ctx, model.OpRollbackStage, stage, done, func() remote.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		c, ok := s.cases[caseDir]
		if !ok {
			return failed(fmt.Errorf("%w: %s", ErrNoSuchCase, caseDir))
		}
		from := -1
		for i, st := range c.order {
			if st == stage {
				from = i
				break
			}
		}
		if from < 0 {
			return failed(fmt.Errorf("unknown stage %q", stage))
		}
		for _, st := range c.order[from:] {
			if c.doc.Stages[st].Status == model.RemoteRunning {
				return failed(fmt.Errorf("stage %q is running", st))
			}
		}
		for _, st := range c.order[from:] {
			s.setStageLocked(c, st, model.RemoteUnrun)
		}
		s.writeStatusLocked(caseDir, c)
		return remote.Result{State: remote.Good}
	})
}

// Pending lists unanswered requests in arrival order.
func (s *Sim) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, Request{ID: r.ID, Kind: r.Kind, Target: r.Target})
	}
	return out
}

// Deliver answers the oldest pending request for target.
func (s *Sim) Deliver(target string) error {
	r, err := s.take(target)
	if err != nil {
		return err
	}
	s.answer(r)
	return nil
}

// Fail answers the oldest pending request for target with FAIL.
func (s *Sim) Fail(target string, cause error) error {
	r, err := s.take(target)
	if err != nil {
		return err
	}
	r.done(failed(cause))
	return nil
}

// DeliverAll answers every pending request concurrently, so completions
// reach the caller in no particular order.
func (s *Sim) DeliverAll() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, r := range batch {
		r := r
		g.Go(func() error {
			s.answer(r)
			return nil
		})
	}
	return g.Wait()
}

// Wait blocks until requests answered in Auto mode have reported.
func (s *Sim) Wait() error {
	return s.group.Wait()
}

func (s *Sim) accept(ctx context.Context, kind model.OpKind, target string, done remote.Done, answer func() remote.Result) error {
	s.mu.Lock()
	if err, ok := s.failNext[kind]; ok {
		delete(s.failNext, kind)
		answer = func() remote.Result { return failed(err) }
	}
	s.nextID++
	r := &Request{ID: s.nextID, Kind: kind, Target: target, ctx: ctx, answer: answer, done: done}
	auto := s.Auto
	if !auto {
		s.pending = append(s.pending, r)
	}
	s.mu.Unlock()

	if auto {
		s.group.Go(func() error {
			s.answer(r)
			return nil
		})
	}
	return nil
}

func (s *Sim) take(target string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.pending {
		if r.Target == target {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoRequest, target)
}

func (s *Sim) answer(r *Request) {
	if err := r.ctx.Err(); err != nil {
		r.done(failed(err))
		return
	}
	r.done(r.answer())
}

func (s *Sim) setStageLocked(c *simCase, stage string, state model.RemoteState) {
	rep := c.doc.Stages[stage]
	rep.Status = state
	rep.Seq++
	if state != model.RemoteRunning {
		rep.Job = ""
	}
	c.doc.Stages[stage] = rep
}

func (s *Sim) writeStatusLocked(caseDir string, c *simCase) {
	data, err := json.MarshalIndent(c.doc, "", "  ")
	if err != nil {
		return
	}
	s.files[path.Join(caseDir, s.StatusFile)] = data
}

func failed(err error) remote.Result {
	return remote.Result{State: remote.Fail, Err: err}
}
