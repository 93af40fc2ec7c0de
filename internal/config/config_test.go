package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cwe.yaml")
	doc := `
remote:
  kind: ssh
  connection_ref: hpc-login
  command: /opt/cwe/bin/remote
reconcile_interval: 2s
retry_backoff: [100ms, 400ms, 2s]
log_level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := DefaultConfig()
	want.Remote = Remote{Kind: RemoteSSH, ConnectionRef: "hpc-login", Command: "/opt/cwe/bin/remote"}
	want.ReconcileInterval = 2 * time.Second
	want.RetryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 2 * time.Second}
	want.LogLevel = "debug"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "ssh without ref", mutate: func(c *Config) { c.Remote.Kind = RemoteSSH }, errSub: "connection_ref"},
		{name: "unknown remote", mutate: func(c *Config) { c.Remote.Kind = "ftp" }, errSub: "unsupported remote kind"},
		{name: "zero interval", mutate: func(c *Config) { c.ReconcileInterval = 0 }, errSub: "reconcile_interval"},
		{name: "zero failures", mutate: func(c *Config) { c.DownFailures = 0 }, errSub: "down_failures"},
		{name: "zero timeout", mutate: func(c *Config) { c.CommandTimeout = 0 }, errSub: "command_timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errSub) {
				t.Fatalf("error = %v, want substring %q", err, tc.errSub)
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cwe.yaml")
	if err := os.WriteFile(path, []byte("remote:\n  kind: ssh\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := os.WriteFile(path, []byte("remote: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
