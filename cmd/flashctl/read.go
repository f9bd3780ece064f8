package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/workflow"
)

var readOutput string

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Back up the flash of the attached box",
	Long: `Read the complete flash of the attached box and save it. The image is also
uploaded to the patch service, so it can later be patched without reading again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}

		if err := s.run(cmd.Context(), workflow.Request{Action: workflow.ActionRead}); err != nil {
			return err
		}

		path, err := s.save(flashstore.SlotRaw, readOutput)
		if err != nil {
			return err
		}
		fmt.Printf("Backup saved to %s\n", path)
		return nil
	},
}

func init() {
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "", "Backup file or directory (default ESP32_<MAC>.bin)")
	rootCmd.AddCommand(readCmd)
}
