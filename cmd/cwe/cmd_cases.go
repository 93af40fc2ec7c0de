package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/cwe/internal/db"
	"github.com/g960059/cwe/internal/format"
)

var casesFlags struct {
	all         bool
	ops         string
	purgeBefore time.Duration
}

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "List archived cases and their operation journal",
	RunE:  runCases,
}

func init() {
	f := casesCmd.Flags()
	f.BoolVar(&casesFlags.all, "all", false, "Include closed cases")
	f.StringVar(&casesFlags.ops, "ops", "", "Show the operation journal of this case ID")
	f.DurationVar(&casesFlags.purgeBefore, "purge-older-than", 0, "Delete finished journal entries older than this")
}

func openStore(cmd *cobra.Command) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := db.Open(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(cmd.Context(), store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func runCases(cmd *cobra.Command, _ []string) error {
	mode, err := outputMode()
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if casesFlags.purgeBefore > 0 {
		n, err := store.PurgeOperations(ctx, time.Now().UTC().Add(-casesFlags.purgeBefore))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "purged %d journal entries\n", n)
	}
	if casesFlags.ops != "" {
		ops, err := store.ListOperations(ctx, casesFlags.ops, 0)
		if err != nil {
			return err
		}
		fmt.Fprint(out, format.Operations(mode, ops))
		return nil
	}
	cases, err := store.ListCases(ctx, casesFlags.all)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		fmt.Fprintln(out, "no cases")
		return nil
	}
	fmt.Fprint(out, format.Cases(mode, cases))
	return nil
}
