// File: cmd/replay.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/applypilot/internal/replay"
	"github.com/xkilldash9x/applypilot/internal/service"
)

// newReplayCmd creates the `replay` command.
func newReplayCmd(factory service.ComponentFactory) *cobra.Command {
	var opts service.ReplayOptions
	cmd := &cobra.Command{
		Use:   "replay [session-id]",
		Short: "Re-execute a session's recorded steps on a fresh browser",
		Long: `Replays the recorded journal step by step without changing the stored
session. By default replay stops at the first recorded or replayed failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			s, err := openSession(ctx, factory, cfg, service.Needs{Browser: true}, true)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.runner.ReplaySession(ctx, args[0], opts)
			if err != nil {
				return err
			}
			printReplay(cmd.OutOrStdout(), res)
			if !res.Success {
				return fmt.Errorf("replay failed: %s", res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.SlowMode, "slow", false, "Wait longer between interactive steps")
	cmd.Flags().BoolVar(&opts.ContinueOnFailure, "continue-on-failure", false, "Keep going past failed steps")
	return cmd
}

func printReplay(w io.Writer, res *replay.Result) {
	for _, r := range res.Reports {
		line := fmt.Sprintf("%d\t%s\t%s", r.Seq, r.Kind, r.Status)
		if r.Strategy != "" {
			line += "\t" + r.Strategy
		}
		if r.Outcome.Reason != "" {
			line += "\t" + r.Outcome.Reason
		}
		fmt.Fprintln(w, line)
	}
	summary := fmt.Sprintf("executed=%d failed=%d skipped=%d noop=%d unknown=%d", res.Executed, res.Failed, res.Skipped, res.NoOps, res.Unknown)
	if res.Halted {
		summary += fmt.Sprintf(" halted_at=%d", res.HaltedAt)
	}
	fmt.Fprintln(w, summary)
}
