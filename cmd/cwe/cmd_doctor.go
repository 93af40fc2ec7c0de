package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/g960059/cwe/internal/doctor"
	"github.com/g960059/cwe/internal/format"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, templates, database and backend access",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	mode, err := outputMode()
	if err != nil {
		return err
	}
	result := doctor.Run(cmd.Context(), doctor.Options{Config: cfg})
	fmt.Fprint(cmd.OutOrStdout(), format.Checks(mode, result.Checks))
	if !result.OK {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}
