package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/internal/workflow"
)

type flashOptions struct {
	input        string
	backupDir    string
	savePatched  string
	certificates bool
	overwrite    bool
	params       models.PatchParameters
}

var flashOpts flashOptions

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Patch the box with new network settings and write it back",
	Long: `Read the attached box (or take a saved backup with --input), have the patch
service inject the hostname and Wi-Fi settings, and write the patched image.

The image is only written to the box it was read from.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := newSession()
		if err != nil {
			return err
		}
		wf := s.wf

		// Reject bad parameters before touching the device.
		if res := wf.SetParams(flashOpts.params); !res.Valid {
			for _, v := range res.Violations {
				fmt.Printf("  %s\n", v.Error())
			}
			return fmt.Errorf("invalid patch parameters")
		}

		if flashOpts.input != "" {
			err = s.loadFile(ctx, flashOpts.input)
		} else {
			err = s.run(ctx, workflow.Request{Action: workflow.ActionRead})
		}
		if err != nil {
			return err
		}

		if flashOpts.input == "" {
			path, err := s.save(flashstore.SlotRaw, flashOpts.backupDir)
			if err != nil {
				return fmt.Errorf("save backup: %w", err)
			}
			fmt.Printf("Backup saved to %s\n", path)
		}

		if err := s.advance(workflow.StepPatch); err != nil {
			return err
		}

		if flashOpts.certificates {
			req := workflow.Request{Action: workflow.ActionCertificates, Overwrite: flashOpts.overwrite}
			if err := s.run(ctx, req); err != nil {
				return err
			}
		}

		if err := s.run(ctx, workflow.Request{Action: workflow.ActionPatch}); err != nil {
			return err
		}

		if flashOpts.savePatched != "" {
			path, err := s.save(flashstore.SlotPatched, flashOpts.savePatched)
			if err != nil {
				return fmt.Errorf("save patched image: %w", err)
			}
			fmt.Printf("Patched image saved to %s\n", path)
		}

		if err := s.advance(workflow.StepWrite); err != nil {
			return err
		}
		if err := s.run(ctx, workflow.Request{Action: workflow.ActionWrite}); err != nil {
			return err
		}
		return s.advance(workflow.StepDone)
	},
}

func init() {
	f := flashCmd.Flags()
	f.StringVarP(&flashOpts.input, "input", "i", "", "Patch a saved backup instead of reading the box")
	f.StringVar(&flashOpts.backupDir, "backup", "", "Backup file or directory for the image read from the box")
	f.StringVar(&flashOpts.savePatched, "save-patched", "", "Also save the patched image to this file or directory")
	f.BoolVar(&flashOpts.certificates, "certificates", false, "Extract the box certificates on the patch service")
	f.BoolVar(&flashOpts.overwrite, "overwrite-certificates", false, "Replace certificates already stored for this box")

	f.StringVar(&flashOpts.params.NewHostname, "hostname", "", "New server hostname (required)")
	f.BoolVar(&flashOpts.params.TagPreviousHostname, "tag-previous", false, "Replace an explicitly given previous hostname")
	f.StringVar(&flashOpts.params.PreviousHostname, "previous-hostname", "", "Previous hostname, with --tag-previous")
	f.StringVar(&flashOpts.params.WifiSSID, "wifi-ssid", "", "Wi-Fi network to add")
	f.StringVar(&flashOpts.params.WifiPassword, "wifi-pass", "", "Wi-Fi password, with --wifi-ssid")

	rootCmd.AddCommand(flashCmd)
}
