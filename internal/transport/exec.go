package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g960059/cwe/internal/config"
	"github.com/g960059/cwe/internal/logging"
	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/security"
)

var ErrEmptyCommand = errors.New("empty command")

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs a process and returns its stdout. Stderr is folded into
// the error on failure so file payloads stay clean.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, security.Redact(msg))
		}
		return out, err
	}
	return out, nil
}

// Exec talks to the backend through its command line tool, locally or
// over ssh. Each request runs on its own goroutine and reports through
// done exactly once.
type Exec struct {
	cfg    config.Config
	runner Runner
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewExec(cfg config.Config) *Exec {
	return &Exec{
		cfg:    cfg,
		runner: OSRunner{},
		log:    logging.New("transport"),
	}
}

func NewExecWithRunner(cfg config.Config, runner Runner) *Exec {
	e := NewExec(cfg)
	e.runner = runner
	return e
}

// Wait blocks until every request in flight has reported.
func (e *Exec) Wait() {
	e.wg.Wait()
}

func (e *Exec) SubmitJob(ctx context.Context, caseDir, stage string, params map[string]string, done remote.Done) error {
	args := append([]string{"submit", caseDir, stage}, pairs(params)...)
	return e.start(ctx, args, done, func(out []byte) remote.Result {
		return remote.Result{State: remote.Good, JobRef: firstLine(out)}
	})
}

func (e *Exec) CancelJob(ctx context.Context, jobRef string, done remote.Done) error {
	if strings.TrimSpace(jobRef) == "" {
		return fmt.Errorf("cancel: job reference is required")
	}
	return e.start(ctx, []string{"cancel", jobRef}, done, nil)
}

func (e *Exec) DownloadFile(ctx context.Context, path string, done remote.Done) error {
	return e.start(ctx, []string{"fetch", path}, done, func(out []byte) remote.Result {
		return remote.Result{State: remote.Good, Payload: out}
	})
}

func (e *Exec) SaveParameters(ctx context.Context, caseDir string, values map[string]string, done remote.Done) error {
	args := append([]string{"save", caseDir}, pairs(values)...)
	return e.start(ctx, args, done, nil)
}

func (e *Exec) RollbackStage(ctx context.Context, caseDir, stage string, done remote.Done) error {
	return e.start(ctx, []string{"rollback", caseDir, stage}, done, nil)
}

func (e *Exec) start(ctx context.Context, args []string, done remote.Done, ok func([]byte) remote.Result) error {
	command := append([]string{e.cfg.Remote.Command}, args...)
	if strings.TrimSpace(command[0]) == "" {
		return ErrEmptyCommand
	}
	if e.cfg.Remote.Kind == config.RemoteSSH {
		if _, err := buildSSHArgs(e.cfg, e.cfg.Remote.ConnectionRef, command); err != nil {
			return err
		}
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		out, err := e.Run(ctx, command)
		if err != nil {
			e.log.Warn("backend command failed",
				slog.String("command", strings.Join(security.RedactArgs(command), " ")),
				slog.Any("err", err))
			done(remote.Result{State: remote.Fail, Err: err})
			return
		}
		if ok == nil {
			done(remote.Result{State: remote.Good})
			return
		}
		done(ok(out))
	}()
	return nil
}

// Run executes one backend command with the configured timeout. Read
// only commands are retried with backoff and jitter.
func (e *Exec) Run(ctx context.Context, command []string) ([]byte, error) {
	if len(command) == 0 {
		return nil, ErrEmptyCommand
	}
	maxAttempts := 1
	if isRetryableCommand(command) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		var (
			out []byte
			err error
		)
		switch e.cfg.Remote.Kind {
		case config.RemoteLocal, config.RemoteSim:
			out, err = e.runner.Run(runCtx, command[0], command[1:]...)
		case config.RemoteSSH:
			args, argErr := buildSSHArgs(e.cfg, e.cfg.Remote.ConnectionRef, command)
			if argErr != nil {
				cancel()
				return nil, argErr
			}
			out, err = e.runner.Run(runCtx, "ssh", args...)
		default:
			cancel()
			return nil, fmt.Errorf("unsupported remote kind: %s", e.cfg.Remote.Kind)
		}
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			e.log.Debug("retrying command",
				slog.String("command", strings.Join(security.RedactArgs(command), " ")),
				slog.Int("attempt", attempt),
				slog.Any("err", err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", strings.Join(command[:min(2, len(command))], " "), lastErr)
}

func buildSSHArgs(cfg config.Config, connectionRef string, command []string) ([]string, error) {
	if strings.TrimSpace(connectionRef) == "" {
		return nil, fmt.Errorf("ssh connection_ref is required")
	}
	if strings.HasPrefix(strings.TrimSpace(connectionRef), "-") {
		return nil, fmt.Errorf("invalid ssh connection_ref")
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(cfg.ConnectTimeout.Seconds())),
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60",
		connectionRef,
	}
	for _, arg := range command {
		args = append(args, shellQuote(arg))
	}
	return args, nil
}

// shellQuote protects an argument from the remote login shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isRetryableCommand(command []string) bool {
	if len(command) < 2 {
		return false
	}
	switch strings.ToLower(command[1]) {
	case "fetch", "status", "list":
		return true
	default:
		return false
	}
}

// pairs renders values as sorted name=value arguments.
func pairs(values map[string]string) []string {
	out := make([]string, 0, len(values))
	for name, value := range values {
		out = append(out, name+"="+value)
	}
	sort.Strings(out)
	return out
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line)
}
