// File: cmd/resume.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/applypilot/internal/service"
)

// newResumeCmd creates the `resume` command.
func newResumeCmd(factory service.ComponentFactory) *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Continue a frozen or failed session",
		Long: `Restores the saved browser state, replays the journal up to the first
recorded failure and continues navigation from there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			s, err := openSession(ctx, factory, cfg, service.Needs{Browser: true, Profile: true, Classifier: true}, true)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.runner.ResumeSession(ctx, args[0])
			if err != nil {
				return err
			}
			line := fmt.Sprintf("%s\t%s", res.Session.ID, res.Status)
			if res.Reason != "" {
				line += "\t" + res.Reason
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window. (Overrides config/env)")
	return cmd
}
