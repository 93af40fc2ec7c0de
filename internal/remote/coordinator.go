package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cwe/internal/logging"
	"github.com/g960059/cwe/internal/model"
)

// Poster queues work onto the single writer. *dispatch.Dispatcher
// satisfies it.
type Poster interface {
	Post(fn func(ctx context.Context))
}

// Journal records operation lifecycle changes. *db.Store satisfies it.
type Journal interface {
	RecordOperation(ctx context.Context, rec model.OperationRecord) error
}

// Handle identifies one issued operation.
type Handle struct {
	ID     string
	CaseID string
}

// Op describes a remote operation. OnComplete runs on the single writer
// once the operation reaches a terminal state, except when the whole
// case was invalidated.
type Op struct {
	Kind       model.OpKind
	CaseID     string
	CaseDir    string
	Stage      string
	Path       string
	JobRef     string
	Params     map[string]string
	OnComplete func(ctx context.Context, c Completion)
}

func (op Op) target() string {
	switch op.Kind {
	case model.OpDownloadFile:
		return op.Path
	case model.OpCancelJob:
		return op.JobRef
	case model.OpSaveParameters:
		return op.CaseDir
	default:
		return op.Stage
	}
}

// Completion is handed to Op.OnComplete.
type Completion struct {
	Handle Handle
	Op     Op
	State  model.OpState
	Result Result
	Err    error
}

type entry struct {
	handle   Handle
	op       Op
	state    model.OpState
	issuedAt time.Time
	cancel   context.CancelFunc
}

// Coordinator issues remote operations and correlates their completions
// by handle. Transport callbacks only post to the single writer; all
// bookkeeping happens there.
type Coordinator struct {
	transport Transport
	poster    Poster
	journal   Journal
	log       *slog.Logger
	now       func() time.Time

	mu  sync.Mutex
	ops map[string]*entry
}

func NewCoordinator(transport Transport, poster Poster) *Coordinator {
	return &Coordinator{
		transport: transport,
		poster:    poster,
		log:       logging.New("remote"),
		now:       func() time.Time { return time.Now().UTC() },
		ops:       map[string]*entry{},
	}
}

// WithJournal records every operation transition in j.
func (c *Coordinator) WithJournal(j Journal) *Coordinator {
	c.journal = j
	return c
}

// Issue sends op to the transport and returns at once.
func (c *Coordinator) Issue(ctx context.Context, op Op) Handle {
	h := Handle{ID: uuid.NewString(), CaseID: op.CaseID}
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{handle: h, op: op, state: model.OpIssued, issuedAt: c.now(), cancel: cancel}

	c.mu.Lock()
	c.ops[h.ID] = e
	c.mu.Unlock()
	c.record(ctx, e, "")

	done := func(r Result) {
		c.poster.Post(func(ctx context.Context) {
			c.complete(ctx, h.ID, r)
		})
	}
	if err := c.send(opCtx, op, done); err != nil {
		c.log.Warn("request not sent", slog.String("op", string(op.Kind)), slog.String("target", op.target()), slog.Any("err", err))
		done(Result{State: Fail, Err: err})
		return h
	}

	c.mu.Lock()
	if e.state == model.OpIssued {
		e.state = model.OpPending
	}
	c.mu.Unlock()
	c.record(ctx, e, "")
	return h
}

func (c *Coordinator) send(ctx context.Context, op Op, done Done) error {
	switch op.Kind {
	case model.OpSubmitJob:
		return c.transport.SubmitJob(ctx, op.CaseDir, op.Stage, op.Params, done)
	case model.OpCancelJob:
		return c.transport.CancelJob(ctx, op.JobRef, done)
	case model.OpDownloadFile:
		return c.transport.DownloadFile(ctx, op.Path, done)
	case model.OpSaveParameters:
		return c.transport.SaveParameters(ctx, op.CaseDir, op.Params, done)
	case model.OpRollbackStage:
		return c.transport.RollbackStage(ctx, op.CaseDir, op.Stage, done)
	default:
		return fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
}

func (c *Coordinator) complete(ctx context.Context, id string, r Result) {
	c.mu.Lock()
	e, ok := c.ops[id]
	if !ok {
		c.mu.Unlock()
		c.log.Debug("discarding completion for unknown handle", slog.String("handle", id))
		return
	}
	if e.state == model.OpCancelled {
		delete(c.ops, id)
		c.mu.Unlock()
		c.log.Debug("discarding completion for cancelled operation",
			slog.String("handle", id), slog.String("op", string(e.op.Kind)), slog.String("target", e.op.target()))
		return
	}
	if e.state.Terminal() {
		c.mu.Unlock()
		c.log.Warn("duplicate completion", slog.String("handle", id))
		return
	}
	comp := Completion{Handle: e.handle, Op: e.op, Result: r}
	if r.State == Good {
		e.state = model.OpCompleted
	} else {
		e.state = model.OpFailed
		comp.Err = &TransportFailure{Kind: e.op.Kind, Target: e.op.target(), Err: r.Err}
	}
	comp.State = e.state
	e.cancel()
	delete(c.ops, id)
	c.mu.Unlock()

	code := ""
	if comp.Err != nil {
		code = model.ErrTransportFailure
		c.log.Warn("operation failed", slog.String("op", string(e.op.Kind)), slog.String("target", e.op.target()), slog.Any("err", comp.Err))
	}
	c.record(ctx, e, code)
	if e.op.OnComplete != nil {
		e.op.OnComplete(ctx, comp)
	}
}

// Cancel marks an outstanding operation cancelled and notifies the
// transport through the request context. Any later reply is dropped.
// OnComplete runs immediately with OpCancelled.
func (c *Coordinator) Cancel(ctx context.Context, h Handle) error {
	c.mu.Lock()
	e, ok := c.ops[h.ID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	if e.state != model.OpIssued && e.state != model.OpPending {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, h.ID, e.state)
	}
	e.state = model.OpCancelled
	e.cancel()
	c.mu.Unlock()

	c.record(ctx, e, "")
	if e.op.OnComplete != nil {
		e.op.OnComplete(ctx, Completion{Handle: e.handle, Op: e.op, State: model.OpCancelled})
	}
	return nil
}

// InvalidateCase cancels every outstanding operation of a case without
// running their callbacks. Late replies are dropped.
func (c *Coordinator) InvalidateCase(ctx context.Context, caseID string) int {
	c.mu.Lock()
	var dropped []*entry
	for _, e := range c.ops {
		if e.handle.CaseID != caseID || e.state.Terminal() {
			continue
		}
		e.state = model.OpCancelled
		e.cancel()
		dropped = append(dropped, e)
	}
	c.mu.Unlock()

	for _, e := range dropped {
		c.record(ctx, e, model.ErrCaseUnavailable)
	}
	if len(dropped) > 0 {
		c.log.Debug("invalidated case operations", slog.String("case", caseID), slog.Int("count", len(dropped)))
	}
	return len(dropped)
}

// State returns the state of an operation that has not yet been
// retired. Completed and failed operations are retired once their
// callback ran; cancelled ones once their late reply arrived.
func (c *Coordinator) State(h Handle) (model.OpState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.ops[h.ID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Outstanding returns the number of issued or pending operations of a
// case.
func (c *Coordinator) Outstanding(caseID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.ops {
		if e.handle.CaseID == caseID && !e.state.Terminal() {
			n++
		}
	}
	return n
}

func (c *Coordinator) record(ctx context.Context, e *entry, code string) {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	rec := model.OperationRecord{
		OpID:      e.handle.ID,
		CaseID:    e.handle.CaseID,
		Kind:      e.op.Kind,
		Stage:     e.op.Stage,
		Target:    e.op.target(),
		State:     e.state,
		IssuedAt:  e.issuedAt,
		ErrorCode: code,
	}
	c.mu.Unlock()
	if rec.State.Terminal() {
		now := c.now()
		rec.CompletedAt = &now
	}
	if err := c.journal.RecordOperation(ctx, rec); err != nil {
		c.log.Warn("record operation", slog.String("handle", rec.OpID), slog.Any("err", err))
	}
}
