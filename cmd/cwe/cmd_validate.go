package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/cwe/internal/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Check analysis type documents",
	Long:  "Validate the given analysis type files, or every template in the\ntemplate directory when none are given.",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		entries, err := os.ReadDir(cfg.TemplateDir)
		if err != nil {
			return fmt.Errorf("read template dir: %w", err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml" || ext == ".json") {
				files = append(files, filepath.Join(cfg.TemplateDir, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no analysis type documents found in %s", cfg.TemplateDir)
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range files {
		t, err := schema.LoadFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s: %d stages, %d variables)\n", path, t.DisplayName(), len(t.StageKeys()), t.VariableCount())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents invalid", failed, len(files))
	}
	return nil
}
