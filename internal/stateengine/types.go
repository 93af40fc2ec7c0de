package stateengine

import (
	"errors"

	"github.com/g960059/cwe/internal/model"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrOutOfOrder        = errors.New("out of order")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrUnknownEvent      = errors.New("unknown event")
)

// StageChange is one stage status transition produced by an event or
// a user action.
type StageChange struct {
	Stage string
	From  model.StageStatus
	To    model.StageStatus
}

// Delta describes everything an applied event changed.
type Delta struct {
	Changes  []StageChange
	CaseFrom model.CaseStatus
	CaseTo   model.CaseStatus
}

func (d Delta) Empty() bool {
	return len(d.Changes) == 0 && d.CaseFrom == d.CaseTo
}

var affordanceTable = map[model.StageStatus]model.ButtonMode{
	model.StageUnrun:          model.ButtonRun | model.ButtonSaveAll,
	model.StageRunning:        model.ButtonCancel,
	model.StageFinished:       model.ButtonReset | model.ButtonResults,
	model.StageFinishedPrereq: model.ButtonResults,
	model.StageUnready:        model.ButtonSaveAll,
}

// Affordances returns the buttons offered for a stage status. It
// depends on nothing but the status.
func Affordances(status model.StageStatus) model.ButtonMode {
	return affordanceTable[status]
}

// CaseView reports how stage panels are shown for an overall case
// status and whether the per-stage affordance table applies at all.
func CaseView(status model.CaseStatus) (view model.ViewState, stageActions bool) {
	switch status {
	case model.CaseDefunct, model.CaseError, model.CaseInvalid, model.CaseOffline:
		return model.ViewHidden, false
	case model.CaseLoading, model.CaseExternalOp, model.CaseParamSave, model.CaseOpInvoke:
		return model.ViewVisible, false
	case model.CaseDownload, model.CaseRunning, model.CaseReady, model.CaseReadyError:
		return model.ViewVisible, true
	default:
		return model.ViewHidden, false
	}
}

// StageView returns the view state of one stage's parameter panel.
func StageView(caseStatus model.CaseStatus, status model.StageStatus) model.ViewState {
	view, actions := CaseView(caseStatus)
	if view == model.ViewHidden || !actions {
		return view
	}
	switch status {
	case model.StageUnrun, model.StageUnready, model.StageOffline:
		return model.ViewEditable
	default:
		return model.ViewVisible
	}
}

// EffectiveAffordances applies the case-level override to the stage
// table.
func EffectiveAffordances(caseStatus model.CaseStatus, status model.StageStatus) model.ButtonMode {
	if _, actions := CaseView(caseStatus); !actions {
		return model.ButtonNone
	}
	return Affordances(status)
}

// StatusText is the short label shown next to a stage.
func StatusText(status model.StageStatus) string {
	switch status {
	case model.StageDownloading:
		return "Downloading . . ."
	case model.StageError:
		return "*** ERROR ***"
	case model.StageFinished, model.StageFinishedPrereq:
		return "Task Finished"
	case model.StageLoading:
		return "Loading Data ..."
	case model.StageOffline:
		return "Offline"
	case model.StageRunning:
		return "Task Running"
	case model.StageUnready:
		return "Need Prev. Stage"
	case model.StageUnrun:
		return "Not Yet Run"
	default:
		return "*** TOTAL ERROR ***"
	}
}
