package stateengine

import (
	"sort"

	"github.com/g960059/cwe/internal/model"
)

// allowedFromActive lists the only statuses a running or downloading
// stage may move to.
var allowedFromActive = map[model.StageStatus]bool{
	model.StageFinished: true,
	model.StageError:    true,
	model.StageOffline:  true,
}

func transitionAllowed(from, to model.StageStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case model.StageRunning, model.StageDownloading:
		return allowedFromActive[to]
	default:
		return true
	}
}

// normalize maps a raw backend state to a stage status given whether
// every earlier stage has finished.
func normalize(raw model.RemoteState, prereqDone bool) model.StageStatus {
	switch raw {
	case model.RemoteRunning:
		return model.StageRunning
	case model.RemoteFinished:
		if prereqDone {
			return model.StageFinished
		}
		return model.StageFinishedPrereq
	case model.RemoteError:
		return model.StageError
	case model.RemoteOffline:
		return model.StageOffline
	default:
		if prereqDone {
			return model.StageUnrun
		}
		return model.StageUnready
	}
}

func canonicalRemote(raw model.RemoteState) model.RemoteState {
	switch raw {
	case model.RemoteRunning, model.RemoteFinished, model.RemoteError, model.RemoteOffline:
		return raw
	default:
		return model.RemoteUnrun
	}
}

type caseFlags struct {
	defunct bool
	invalid bool
	failed  bool
	offline bool
	loaded  bool
}

// resolveCaseStatus picks the highest precedence status among every
// condition that currently holds.
func resolveCaseStatus(flags caseFlags, pending map[model.OpKind]int, stages map[string]model.StageStatus) model.CaseStatus {
	candidates := make([]model.CaseStatus, 0, 4)
	if flags.defunct {
		candidates = append(candidates, model.CaseDefunct)
	}
	if flags.invalid {
		candidates = append(candidates, model.CaseInvalid)
	}
	if flags.failed {
		candidates = append(candidates, model.CaseError)
	}
	if flags.offline {
		candidates = append(candidates, model.CaseOffline)
	}
	if !flags.loaded {
		candidates = append(candidates, model.CaseLoading)
	}
	if pending[model.OpCancelJob] > 0 || pending[model.OpRollbackStage] > 0 {
		candidates = append(candidates, model.CaseExternalOp)
	}
	if pending[model.OpSaveParameters] > 0 {
		candidates = append(candidates, model.CaseParamSave)
	}
	if pending[model.OpSubmitJob] > 0 {
		candidates = append(candidates, model.CaseOpInvoke)
	}
	if pending[model.OpDownloadFile] > 0 {
		candidates = append(candidates, model.CaseDownload)
	}
	for _, st := range stages {
		if st == model.StageRunning {
			candidates = append(candidates, model.CaseRunning)
			break
		}
	}
	for _, st := range stages {
		if st == model.StageError {
			candidates = append(candidates, model.CaseReadyError)
			break
		}
	}
	candidates = append(candidates, model.CaseReady)
	sort.SliceStable(candidates, func(i, j int) bool {
		return model.CaseStatusPrecedence[candidates[i]] < model.CaseStatusPrecedence[candidates[j]]
	})
	return candidates[0]
}
