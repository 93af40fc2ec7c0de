package session

import (
	"context"
	"fmt"

	"github.com/g960059/cwe/internal/dispatch"
	"github.com/g960059/cwe/internal/remote"
)

// KindIntent carries user intents from a presentation layer to the
// single writer.
const KindIntent dispatch.Kind = "intent"

type Action string

const (
	ActionOpen         Action = "open"
	ActionClose        Action = "close"
	ActionRun          Action = "run"
	ActionCancel       Action = "cancel"
	ActionRollback     Action = "rollback"
	ActionSaveAll      Action = "save"
	ActionSelectStage  Action = "select_stage"
	ActionSelectGroup  Action = "select_group"
	ActionResults      Action = "results"
	ActionCloseResults Action = "close_results"
	ActionLoadMesh     Action = "load_mesh"
)

// Intent is one user request. Only the fields the action needs are set.
type Intent struct {
	Action Action
	Stage  string
	Group  string
	Values map[string]string
	Open   OpenRequest
	Mesh   remote.MeshConsumer
}

// Register routes intent messages on d to s.
func (s *Session) Register(d *dispatch.Dispatcher) {
	d.Handle(KindIntent, func(ctx context.Context, msg dispatch.Message) error {
		in, ok := msg.Payload.(Intent)
		if !ok {
			return fmt.Errorf("intent message carries %T", msg.Payload)
		}
		return s.Do(ctx, in)
	})
}

// Do executes one intent.
func (s *Session) Do(ctx context.Context, in Intent) error {
	switch in.Action {
	case ActionOpen:
		s.OpenCase(ctx, in.Open)
	case ActionClose:
		s.CloseCase(ctx)
	case ActionRun:
		s.Run(ctx, in.Stage)
	case ActionCancel:
		s.Cancel(ctx)
	case ActionRollback:
		s.Rollback(ctx, in.Stage)
	case ActionSaveAll:
		s.SaveAll(ctx, in.Values)
	case ActionSelectStage:
		s.SelectStage(ctx, in.Stage)
	case ActionSelectGroup:
		s.SelectGroup(ctx, in.Group)
	case ActionResults:
		s.ShowResults(ctx, in.Stage)
	case ActionCloseResults:
		s.CloseResults(ctx)
	case ActionLoadMesh:
		if in.Mesh == nil {
			return fmt.Errorf("load mesh: no consumer")
		}
		s.LoadMesh(ctx, in.Mesh)
	default:
		return fmt.Errorf("unknown intent %q", in.Action)
	}
	return nil
}

// Send queues an intent for the single writer.
func Send(d *dispatch.Dispatcher, in Intent) {
	d.Send(dispatch.Message{Kind: KindIntent, Payload: in})
}
