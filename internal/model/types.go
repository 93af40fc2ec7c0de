package model

import "time"

// StageStatus is the lifecycle status of one stage of a case.
type StageStatus string

const (
	StageUnready        StageStatus = "unready"
	StageUnrun          StageStatus = "unrun"
	StageLoading        StageStatus = "loading"
	StageDownloading    StageStatus = "downloading"
	StageRunning        StageStatus = "running"
	StageFinished       StageStatus = "finished"
	StageFinishedPrereq StageStatus = "finished_prereq"
	StageError          StageStatus = "error"
	StageOffline        StageStatus = "offline"
)

// AllStageStatuses lists every stage status in declaration order.
var AllStageStatuses = []StageStatus{
	StageUnready,
	StageUnrun,
	StageLoading,
	StageDownloading,
	StageRunning,
	StageFinished,
	StageFinishedPrereq,
	StageError,
	StageOffline,
}

// CaseStatus is the overall status of a case.
type CaseStatus string

const (
	CaseInvalid    CaseStatus = "invalid"
	CaseOffline    CaseStatus = "offline"
	CaseLoading    CaseStatus = "loading"
	CaseExternalOp CaseStatus = "external_op"
	CaseParamSave  CaseStatus = "param_save"
	CaseDownload   CaseStatus = "download"
	CaseOpInvoke   CaseStatus = "op_invoke"
	CaseRunning    CaseStatus = "running"
	CaseReady      CaseStatus = "ready"
	CaseReadyError CaseStatus = "ready_error"
	CaseError      CaseStatus = "error"
	CaseDefunct    CaseStatus = "defunct"
)

// CaseStatusPrecedence resolves the overall status when several
// conditions hold at once. Lower wins.
var CaseStatusPrecedence = map[CaseStatus]int{
	CaseDefunct:    1,
	CaseInvalid:    2,
	CaseError:      3,
	CaseOffline:    4,
	CaseLoading:    5,
	CaseExternalOp: 6,
	CaseParamSave:  7,
	CaseOpInvoke:   8,
	CaseDownload:   9,
	CaseRunning:    10,
	CaseReadyError: 11,
	CaseReady:      12,
}

// RemoteState is the raw job state reported by the backend for a stage.
type RemoteState string

const (
	RemoteUnrun    RemoteState = "unrun"
	RemoteRunning  RemoteState = "running"
	RemoteFinished RemoteState = "finished"
	RemoteError    RemoteState = "error"
	RemoteOffline  RemoteState = "offline"
)

// ButtonMode is a bit set of the actions offered for a stage.
type ButtonMode uint8

const (
	ButtonNone    ButtonMode = 0
	ButtonRun     ButtonMode = 1 << 0
	ButtonCancel  ButtonMode = 1 << 1
	ButtonSaveAll ButtonMode = 1 << 2
	ButtonReset   ButtonMode = 1 << 3
	ButtonResults ButtonMode = 1 << 4
)

func (m ButtonMode) Has(b ButtonMode) bool {
	return m&b == b && b != ButtonNone
}

func (m ButtonMode) String() string {
	if m == ButtonNone {
		return "none"
	}
	names := []struct {
		bit  ButtonMode
		name string
	}{
		{ButtonRun, "run"},
		{ButtonCancel, "cancel"},
		{ButtonSaveAll, "save"},
		{ButtonReset, "reset"},
		{ButtonResults, "results"},
	}
	out := ""
	for _, n := range names {
		if m&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	return out
}

// ViewState controls whether stage parameters are shown and editable.
type ViewState string

const (
	ViewHidden   ViewState = "hidden"
	ViewVisible  ViewState = "visible"
	ViewEditable ViewState = "editable"
)

// EventKind names a backend notification or internal completion.
type EventKind string

const (
	EventCaseLoaded         EventKind = "case_loaded"
	EventJobSubmitted       EventKind = "job_submitted"
	EventJobStateChanged    EventKind = "job_state_changed"
	EventFileOpCompleted    EventKind = "file_op_completed"
	EventParamSaveCompleted EventKind = "param_save_completed"
	EventConnectionLost     EventKind = "connection_lost"
	EventConnectionRestored EventKind = "connection_restored"
	EventCaseError          EventKind = "case_error"
)

// BackendEvent is a notification applied to a case state machine.
type BackendEvent struct {
	Kind   EventKind
	Stage  string
	State  RemoteState
	Seq    int64
	Stages map[string]RemoteState
	JobRef string
	Reason string
	At     time.Time
}

// OpKind names a remote operation issued by the coordinator.
type OpKind string

const (
	OpSubmitJob      OpKind = "submit_job"
	OpCancelJob      OpKind = "cancel_job"
	OpDownloadFile   OpKind = "download_file"
	OpSaveParameters OpKind = "save_parameters"
	OpRollbackStage  OpKind = "rollback_stage"
)

// OpState is the lifecycle state of a single remote operation.
type OpState string

const (
	OpIssued    OpState = "issued"
	OpPending   OpState = "pending"
	OpCompleted OpState = "completed"
	OpFailed    OpState = "failed"
	OpCancelled OpState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s OpState) Terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpCancelled
}

// CaseRecord is the persisted view of a case.
type CaseRecord struct {
	CaseID     string
	Name       string
	Location   string
	TypeName   string
	Status     CaseStatus
	StageOrder []string
	Stages     map[string]StageStatus
	Params     map[string]string
	UpdatedAt  time.Time
	ClosedAt   *time.Time
}

// OperationRecord is one entry of the operation journal.
type OperationRecord struct {
	OpID        string
	CaseID      string
	Kind        OpKind
	Stage       string
	Target      string
	State       OpState
	IssuedAt    time.Time
	CompletedAt *time.Time
	ErrorCode   string
}

// Error codes carried by user notices.
const (
	ErrSchemaInvalid     = "E_SCHEMA_INVALID"
	ErrInvalidTransition = "E_INVALID_TRANSITION"
	ErrUnknownVariable   = "E_UNKNOWN_VARIABLE"
	ErrInvalidValue      = "E_INVALID_VALUE"
	ErrDecode            = "E_DECODE"
	ErrTransportFailure  = "E_TRANSPORT_FAILURE"
	ErrOutOfOrder        = "E_OUT_OF_ORDER"
	ErrNoCase            = "E_NO_CASE"
	ErrCaseUnavailable   = "E_CASE_UNAVAILABLE"
)

// StageReport is one stage entry of a remote case status document.
type StageReport struct {
	Status RemoteState `json:"status"`
	Seq    int64       `json:"seq"`
	Job    string      `json:"job,omitempty"`
}

// CaseDocument is the status document a backend keeps next to a case.
type CaseDocument struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Location  string                 `json:"location"`
	Stages    map[string]StageReport `json:"stages"`
	Params    map[string]string      `json:"params,omitempty"`
	MeshFiles []string               `json:"mesh_files,omitempty"`
}

// RemoteUpdate is what one refresh of a case status document changed.
// Empty descriptive fields mean unknown.
type RemoteUpdate struct {
	Name      string
	Type      string
	Location  string
	Events    []BackendEvent
	Params    map[string]string
	MeshFiles []string
}
