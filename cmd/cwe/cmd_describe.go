package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/g960059/cwe/internal/format"
)

var describeCmd = &cobra.Command{
	Use:   "describe [type-id]",
	Short: "Show the stages, groups and variables of an analysis type",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDescribe,
}

func runDescribe(cmd *cobra.Command, args []string) error {
	mode, err := outputMode()
	if err != nil {
		return err
	}
	reg, err := loadTypes()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		for _, id := range reg.IDs() {
			t, _ := reg.Get(id)
			fmt.Fprintf(out, "%-16s %s\n", id, t.DisplayName())
		}
		return nil
	}
	t, ok := reg.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown analysis type %q", args[0])
	}
	fmt.Fprint(out, format.AnalysisType(mode, args[0], t))
	return nil
}
