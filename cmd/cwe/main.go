package main

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/cwe/internal/config"
	"github.com/g960059/cwe/internal/format"
	"github.com/g960059/cwe/internal/logging"
	"github.com/g960059/cwe/internal/schema"
)

// version is set at build time via -ldflags.
var version = "dev"

//go:embed templates/*.yaml
var builtinTemplates embed.FS

var rootFlags struct {
	configPath  string
	templateDir string
	logLevel    string
	format      string
}

// cfg is filled in before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "cwe",
	Short: "Manage staged CFD analysis cases on a remote HPC backend",
	Long: "cwe tracks simulation cases through their stages (mesh, solve, post...),\n" +
		"submits and cancels jobs, edits parameters and downloads results.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(rootFlags.configPath)
		if err != nil {
			return err
		}
		if rootFlags.templateDir != "" {
			loaded.TemplateDir = rootFlags.templateDir
		}
		if rootFlags.logLevel != "" {
			loaded.LogLevel = rootFlags.logLevel
		}
		cfg = loaded
		logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
		slog.Debug("config loaded", slog.String("path", rootFlags.configPath), slog.String("remote", string(cfg.Remote.Kind)))
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", config.DefaultPath(), "Path to the config file")
	f.StringVar(&rootFlags.templateDir, "templates", "", "Analysis type directory (overrides config)")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&rootFlags.format, "format", "table", "Output format: table, markdown")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(casesCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func outputMode() (format.Mode, error) {
	m, ok := format.ParseMode(rootFlags.format)
	if !ok {
		return m, fmt.Errorf("unsupported format %q", rootFlags.format)
	}
	return m, nil
}

// loadTypes returns the analysis types of the template directory plus
// the built-in ones it does not override.
func loadTypes() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	entries, err := builtinTemplates.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := builtinTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, err
		}
		t, err := schema.Load(data)
		if err != nil {
			return nil, fmt.Errorf("built-in template %s: %w", e.Name(), err)
		}
		reg.Add(trimExt(e.Name()), t)
	}

	if _, err := os.Stat(cfg.TemplateDir); err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, err
	}
	local, err := schema.LoadDir(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}
	for _, id := range local.IDs() {
		t, _ := local.Get(id)
		reg.Add(id, t)
	}
	return reg, nil
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
