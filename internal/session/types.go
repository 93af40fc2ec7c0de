package session

import (
	"context"
	"time"

	"github.com/g960059/cwe/internal/model"
	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/schema"
)

// Header labels shown before the backend described the case, and when
// no case is open.
const (
	LabelLoading = "Loading . . ."
	LabelNone    = "N/A"
)

// Presenter renders case state and user notices. Both methods are called
// on the single writer and must not block.
type Presenter interface {
	Present(snap CaseSnapshot)
	Notify(n Notice)
}

// Archive persists the latest view of each case. *db.Store satisfies it.
type Archive interface {
	UpsertCase(ctx context.Context, rec model.CaseRecord) error
	CloseCase(ctx context.Context, caseID string, closedAt time.Time) error
}

// Types resolves analysis type IDs. *schema.Registry satisfies it.
type Types interface {
	Get(id string) (*schema.AnalysisType, bool)
}

// Remote is the slice of *remote.Coordinator a session drives.
type Remote interface {
	Issue(ctx context.Context, op remote.Op) remote.Handle
	InvalidateCase(ctx context.Context, caseID string) int
	LoadMesh(ctx context.Context, caseID string, parts []remote.Part, decoder remote.Decoder, consumer remote.MeshConsumer, done func(ctx context.Context, err error)) *remote.FetchGroup
}

// Watcher refreshes remote case status. *reconcile.Reconciler
// satisfies it.
type Watcher interface {
	Watch(caseID, caseDir string)
	Unwatch(caseID string)
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a user-facing message. Retryable notices describe a failed
// remote operation the user may issue again.
type Notice struct {
	Level     Level
	Code      string
	Message   string
	Retryable bool
}

// Cursor is the selected stage and group of the current case.
type Cursor struct {
	Stage string
	Group string
}

// ResultView is the downloaded output of a finished stage.
type ResultView struct {
	Stage   string
	Content string
}

type VariableView struct {
	Name    string
	Label   string
	Kind    schema.Kind
	Choices []string
	Value   string
}

type GroupView struct {
	Key   string
	Label string
	Vars  []VariableView
}

type StageView struct {
	Key     string
	Label   string
	Status  model.StageStatus
	Text    string
	Buttons model.ButtonMode
	View    model.ViewState
	Groups  []GroupView
}

// CaseSnapshot is everything a presenter needs to draw the current case.
type CaseSnapshot struct {
	CaseID    string
	Name      string
	TypeName  string
	Location  string
	Overall   model.CaseStatus
	View      model.ViewState
	Stages    []StageView
	Cursor    Cursor
	Results   *ResultView
	MeshFiles []string
}

// OpenRequest names a case to open.
type OpenRequest struct {
	CaseID   string
	Name     string
	Location string
	TypeID   string
}
