package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type RemoteKind string

const (
	RemoteLocal RemoteKind = "local"
	RemoteSSH   RemoteKind = "ssh"
	RemoteSim   RemoteKind = "sim"
)

type Remote struct {
	Kind          RemoteKind `yaml:"kind"`
	ConnectionRef string     `yaml:"connection_ref"`
	Command       string     `yaml:"command"`
}

type Config struct {
	DBPath            string          `yaml:"db_path"`
	TemplateDir       string          `yaml:"template_dir"`
	CaseRoot          string          `yaml:"case_root"`
	Remote            Remote          `yaml:"remote"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	CommandTimeout    time.Duration   `yaml:"command_timeout"`
	RetryBackoff      []time.Duration `yaml:"retry_backoff"`
	ReconcileInterval time.Duration   `yaml:"reconcile_interval"`
	// Consecutive refresh failures within DownWindow before the case
	// is reported offline, and successes needed to bring it back.
	DownFailures     int           `yaml:"down_failures"`
	DownWindow       time.Duration `yaml:"down_window"`
	RecoverSuccesses int           `yaml:"recover_successes"`
	StatusFile       string        `yaml:"status_file"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:      defaultDBPath(),
		TemplateDir: defaultTemplateDir(),
		CaseRoot:    "/cwe/cases",
		Remote: Remote{
			Kind:    RemoteSim,
			Command: "cwe-remote",
		},
		ConnectTimeout:    3 * time.Second,
		CommandTimeout:    30 * time.Second,
		RetryBackoff:      []time.Duration{250 * time.Millisecond, 1 * time.Second},
		ReconcileInterval: 5 * time.Second,
		DownFailures:      3,
		DownWindow:        30 * time.Second,
		RecoverSuccesses:  1,
		StatusFile:        ".caseParams",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load overlays the YAML file at path onto DefaultConfig. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteLocal, RemoteSim:
	case RemoteSSH:
		if c.Remote.ConnectionRef == "" {
			return fmt.Errorf("remote.connection_ref is required for ssh")
		}
	default:
		return fmt.Errorf("unsupported remote kind: %q", c.Remote.Kind)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if c.DownFailures < 1 || c.RecoverSuccesses < 1 {
		return fmt.Errorf("down_failures and recover_successes must be at least 1")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	return nil
}

func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "cwe.yaml"
	}
	return filepath.Join(base, "cwe", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cwe.db"
	}
	return filepath.Join(home, ".local", "state", "cwe", "cases.db")
}

func defaultTemplateDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "templates"
	}
	return filepath.Join(base, "cwe", "templates")
}
