// Package doctor checks that the local installation can reach and
// describe a backend before a case is opened.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/g960059/cwe/internal/config"
	"github.com/g960059/cwe/internal/db"
	"github.com/g960059/cwe/internal/schema"
)

type Status string

const (
	Pass Status = "pass"
	Warn Status = "warn"
	Fail Status = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

type Options struct {
	Config config.Config
	// LookPath resolves executables; exec.LookPath when nil.
	LookPath func(file string) (string, error)
}

// Run performs every check. Only failures make the result not OK.
func Run(ctx context.Context, opts Options) Result {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	cfg := opts.Config

	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		switch c.Status {
		case Warn:
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		case Fail:
			out.OK = false
		}
	}

	add(checkConfig(cfg))
	for _, c := range checkTemplates(cfg.TemplateDir) {
		add(c)
	}
	add(checkDatabase(ctx, cfg.DBPath))
	for _, c := range checkRemote(cfg, lookPath) {
		add(c)
	}
	return out
}

func checkConfig(cfg config.Config) Check {
	if err := cfg.Validate(); err != nil {
		return Check{Name: "config", Status: Fail, Message: err.Error()}
	}
	return Check{Name: "config", Status: Pass, Message: fmt.Sprintf("remote kind %s", cfg.Remote.Kind)}
}

func checkTemplates(dir string) []Check {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Check{{Name: "templates", Status: Warn, Message: "directory not found, built-in types only", Path: dir}}
		}
		return []Check{{Name: "templates", Status: Fail, Message: fmt.Sprintf("stat error: %v", err), Path: dir}}
	}
	if !info.IsDir() {
		return []Check{{Name: "templates", Status: Fail, Message: "not a directory", Path: dir}}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []Check{{Name: "templates", Status: Fail, Message: fmt.Sprintf("read error: %v", err), Path: dir}}
	}

	var checks []Check
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml" && ext != ".json") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		name := "template " + strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		t, err := schema.LoadFile(p)
		if err != nil {
			checks = append(checks, Check{Name: name, Status: Fail, Message: err.Error(), Path: p})
			continue
		}
		checks = append(checks, Check{Name: name, Status: Pass, Message: t.DisplayName(), Path: p})
	}
	if len(checks) == 0 {
		return []Check{{Name: "templates", Status: Warn, Message: "no analysis type documents, built-in types only", Path: dir}}
	}
	return checks
}

func checkDatabase(ctx context.Context, path string) Check {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Check{Name: "database", Status: Fail, Message: fmt.Sprintf("create dir: %v", err), Path: path}
	}
	store, err := db.Open(ctx, path)
	if err != nil {
		return Check{Name: "database", Status: Fail, Message: err.Error(), Path: path}
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return Check{Name: "database", Status: Fail, Message: err.Error(), Path: path}
	}
	return Check{Name: "database", Status: Pass, Message: "migrations applied", Path: path}
}

func checkRemote(cfg config.Config, lookPath func(string) (string, error)) []Check {
	switch cfg.Remote.Kind {
	case config.RemoteSim:
		return []Check{{Name: "remote", Status: Pass, Message: "simulated backend"}}
	case config.RemoteLocal:
		checks := []Check{checkExecutable("remote_command", cfg.Remote.Command, lookPath)}
		if info, err := os.Stat(cfg.CaseRoot); err != nil || !info.IsDir() {
			checks = append(checks, Check{Name: "case_root", Status: Warn, Message: "directory not found", Path: cfg.CaseRoot})
		} else {
			checks = append(checks, Check{Name: "case_root", Status: Pass, Message: "present", Path: cfg.CaseRoot})
		}
		return checks
	case config.RemoteSSH:
		checks := []Check{checkExecutable("ssh", "ssh", lookPath)}
		if strings.TrimSpace(cfg.Remote.ConnectionRef) == "" {
			checks = append(checks, Check{Name: "connection_ref", Status: Fail, Message: "required for ssh"})
		} else {
			checks = append(checks, Check{Name: "connection_ref", Status: Pass, Message: "set"})
		}
		// The remote command lives on the login host and cannot be
		// resolved from here.
		checks = append(checks, Check{Name: "remote_command", Status: Warn, Message: fmt.Sprintf("%s not verified on the remote host", cfg.Remote.Command)})
		return checks
	default:
		return []Check{{Name: "remote", Status: Fail, Message: fmt.Sprintf("unsupported remote kind %q", cfg.Remote.Kind)}}
	}
}

func checkExecutable(name, file string, lookPath func(string) (string, error)) Check {
	if strings.TrimSpace(file) == "" {
		return Check{Name: name, Status: Fail, Message: "not configured"}
	}
	p, err := lookPath(file)
	if err != nil {
		return Check{Name: name, Status: Fail, Message: "not found on PATH", Path: file}
	}
	return Check{Name: name, Status: Pass, Message: "found", Path: p}
}
