package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/cwe/internal/model"
)

// RequestState is the terminal state of one transport request.
type RequestState string

const (
	Good RequestState = "GOOD"
	Fail RequestState = "FAIL"
)

// Result is delivered exactly once per transport request.
type Result struct {
	State   RequestState
	Payload []byte
	JobRef  string
	Err     error
}

// Done receives a Result on the transport's own goroutine.
type Done func(Result)

// Transport is the remote job and file service. Each method returns
// immediately; a nil error promises exactly one call to done, in any
// order relative to other requests. A non-nil error means the request
// was never sent and done will not be called.
type Transport interface {
	SubmitJob(ctx context.Context, caseDir, stage string, params map[string]string, done Done) error
	CancelJob(ctx context.Context, jobRef string, done Done) error
	DownloadFile(ctx context.Context, path string, done Done) error
	SaveParameters(ctx context.Context, caseDir string, values map[string]string, done Done) error
	RollbackStage(ctx context.Context, caseDir, stage string, done Done) error
}

var (
	ErrNotCancellable = errors.New("operation not cancellable")
	ErrUnknownHandle  = errors.New("unknown operation handle")
	ErrMeshIncomplete = errors.New("mesh files missing")
)

// TransportFailure is a FAIL result from the transport. The user may
// issue the same command again.
type TransportFailure struct {
	Kind   model.OpKind
	Target string
	Err    error
}

func (e *TransportFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s failed", e.Kind, e.Target)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Kind, e.Target, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

// DecodeError reports a part of a multi-part fetch that could not be
// decompressed.
type DecodeError struct {
	Part string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Part, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
