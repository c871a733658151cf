// File: cmd/run.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/internal/service"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		concurrency int
		headless    bool
		title       string
		company     string
	)

	runCmd := &cobra.Command{
		Use:   "run [urls...]",
		Short: "Start an application run for each entry point",
		Long: `Opens every URL in its own browser context and drives the application form
until it is submitted, fails or needs a human. Runs that stop short are saved
and can be resumed with 'applypilot resume'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.SetRunnerConcurrency(concurrency)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}

			s, err := openSession(ctx, factory, cfg, service.Needs{Browser: true, Profile: true, Classifier: true}, true)
			if err != nil {
				return err
			}
			defer s.close()

			reqs := make([]service.StartRequest, 0, len(args))
			for _, u := range args {
				reqs = append(reqs, service.StartRequest{EntryPoint: u, Meta: service.RunMeta{Title: title, Company: company}})
			}
			s.logger.Info("Starting runs.", zap.Int("count", len(reqs)), zap.Int("concurrency", cfg.Runner().Concurrency))

			outcomes := s.runner.StartMany(ctx, reqs)
			failed := printOutcomes(cmd.OutOrStdout(), outcomes)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs could not be started", failed, len(outcomes))
			}
			return nil
		},
	}

	runCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Number of concurrent runs. (Overrides config/env)")
	runCmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window. (Overrides config/env)")
	runCmd.Flags().StringVar(&title, "title", "", "Job title recorded on the session")
	runCmd.Flags().StringVar(&company, "company", "", "Company recorded on the session")
	return runCmd
}

// printOutcomes writes one line per run and returns how many never started.
func printOutcomes(w io.Writer, outcomes []service.Outcome) int {
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(w, "%s\terror: %v\n", o.Request.EntryPoint, o.Err)
			continue
		}
		line := fmt.Sprintf("%s\t%s\t%s", o.Request.EntryPoint, o.Result.Session.ID, o.Result.Status)
		if o.Result.Reason != "" {
			line += "\t" + o.Result.Reason
		}
		fmt.Fprintln(w, line)
	}
	return failed
}
