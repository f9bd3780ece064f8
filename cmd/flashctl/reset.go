package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonieflash/flash-console/internal/workflow"
)

var resetCmd = &cobra.Command{
	Use:   "reset <backup.bin>",
	Short: "Write a saved backup back to the box",
	Long: `Restore the box to a previously saved image. The image is written as is,
the patch service is not contacted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := newSession()
		if err != nil {
			return err
		}

		if err := s.wf.SetMode(workflow.ModeResetToStock); err != nil {
			return err
		}
		if err := s.loadFile(ctx, args[0]); err != nil {
			return err
		}
		if err := s.advance(workflow.StepWrite); err != nil {
			return err
		}

		fmt.Println("Writing backup, do not disconnect the box")
		if err := s.run(ctx, workflow.Request{Action: workflow.ActionWrite}); err != nil {
			return err
		}
		return s.advance(workflow.StepDone)
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
