// File: cmd/sessions.go
package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/journal"
	"github.com/xkilldash9x/applypilot/internal/observability"
	"github.com/xkilldash9x/applypilot/internal/service"
	"github.com/xkilldash9x/applypilot/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newSessionsCmd creates the `sessions` command group.
func newSessionsCmd(factory service.ComponentFactory) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored application sessions",
	}
	sessionsCmd.AddCommand(newSessionsListCmd(factory))
	sessionsCmd.AddCommand(newSessionsShowCmd(factory))
	sessionsCmd.AddCommand(newSessionsFollowCmd())
	return sessionsCmd
}

func newSessionsListCmd(factory service.ComponentFactory) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			s, err := openSession(ctx, factory, cfg, service.Needs{}, false)
			if err != nil {
				return err
			}
			defer s.close()

			sessions, err := s.runner.ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			if status != "" {
				sessions = filterStatus(sessions, schemas.SessionStatus(status))
			}
			return printSessionTable(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show sessions with this status (e.g. 'frozen')")
	return cmd
}

func filterStatus(in []*schemas.ApplicationSession, status schemas.SessionStatus) []*schemas.ApplicationSession {
	out := in[:0:0]
	for _, s := range in {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

func printSessionTable(w io.Writer, sessions []*schemas.ApplicationSession) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tDONE\tRUNS\tCOMPANY\tTITLE\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%d\t%s\t%s\t%s\n",
			s.ID, s.Status, s.CompletionPercentage, s.RunCount, dash(s.Company), dash(s.Title), s.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// sessionView is the printable form of a session with its journal.
type sessionView struct {
	ID           string     `json:"id" yaml:"id"`
	EntryPoint   string     `json:"entry_point" yaml:"entry_point"`
	Title        string     `json:"title,omitempty" yaml:"title,omitempty"`
	Company      string     `json:"company,omitempty" yaml:"company,omitempty"`
	Status       string     `json:"status" yaml:"status"`
	Completion   float64    `json:"completion_percentage" yaml:"completion_percentage"`
	RunCount     int        `json:"run_count" yaml:"run_count"`
	FailurePoint string     `json:"failure_point,omitempty" yaml:"failure_point,omitempty"`
	Reason       string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Recent       []string   `json:"recent_actions,omitempty" yaml:"recent_actions,omitempty"`
	RunID        string     `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Steps        []stepView `json:"steps" yaml:"steps"`
}

type stepView struct {
	Seq     int    `json:"seq" yaml:"seq"`
	Kind    string `json:"kind" yaml:"kind"`
	Target  string `json:"target,omitempty" yaml:"target,omitempty"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	Outcome string `json:"outcome" yaml:"outcome"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func newSessionView(s *schemas.ApplicationSession) sessionView {
	v := sessionView{
		ID:           s.ID,
		EntryPoint:   s.EntryPoint,
		Title:        s.Title,
		Company:      s.Company,
		Status:       string(s.Status),
		Completion:   s.CompletionPercentage,
		RunCount:     s.RunCount,
		FailurePoint: s.FailurePoint,
		Reason:       s.Reason,
		Recent:       s.RecentActions,
		Steps:        []stepView{},
	}
	if s.Journal != nil {
		v.RunID = s.Journal.RunID
		for _, st := range s.Journal.Steps {
			v.Steps = append(v.Steps, newStepView(st))
		}
	}
	return v
}

func newStepView(st schemas.ActionStep) stepView {
	kind := string(st.Kind)
	if st.FailureKind != "" {
		kind += ":" + st.FailureKind
	}
	return stepView{
		Seq:     st.Seq,
		Kind:    kind,
		Target:  string(st.Target),
		Label:   st.Label,
		Outcome: string(st.Outcome.Status),
		Reason:  st.Outcome.Reason,
	}
}

func newSessionsShowCmd(factory service.ComponentFactory) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show one session and its recorded steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			s, err := openSession(ctx, factory, cfg, service.Needs{}, false)
			if err != nil {
				return err
			}
			defer s.close()

			sess, err := s.runner.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			return writeSession(cmd.OutOrStdout(), newSessionView(sess), format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: 'text', 'json' or 'yaml'")
	return cmd
}

func writeSession(w io.Writer, v sessionView, format string) error {
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize session to JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to serialize session to YAML: %w", err)
		}
		return enc.Close()
	case "text", "":
		return writeSessionText(w, v)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func writeSessionText(w io.Writer, v sessionView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Session:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Entry point:\t%s\n", v.EntryPoint)
	if v.Company != "" || v.Title != "" {
		fmt.Fprintf(tw, "Job:\t%s %s\n", dash(v.Company), dash(v.Title))
	}
	fmt.Fprintf(tw, "Status:\t%s (%.0f%% complete, %d runs)\n", v.Status, v.Completion, v.RunCount)
	if v.FailurePoint != "" {
		fmt.Fprintf(tw, "Stopped at:\t%s\n", v.FailurePoint)
	}
	if v.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", v.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nSteps (%d):\n", len(v.Steps))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, st := range v.Steps {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", st.Seq, st.Kind, dash(st.Target), st.Outcome, st.Reason)
	}
	return tw.Flush()
}

func newSessionsFollowCmd() *cobra.Command {
	var fromStart, poll bool
	cmd := &cobra.Command{
		Use:   "follow [session-id]",
		Short: "Stream a session's journal as a run records it",
		Long:  `Tails the journal file of a file-backed session until interrupted.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Store().Backend != "file" {
				return errors.New("follow needs the file store backend")
			}
			out := cmd.OutOrStdout()
			return journal.Follow(ctx, store.JournalPath(cfg.Store().Dir, args[0]), journal.FollowOptions{
				FromStart: fromStart,
				Poll:      poll,
				Logger:    observability.GetLogger(),
			}, func(st schemas.ActionStep) {
				v := newStepView(st)
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n", v.Seq, v.Kind, dash(v.Target), v.Outcome, v.Reason)
			})
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", true, "Print the steps already recorded before following")
	cmd.Flags().BoolVar(&poll, "poll", false, "Poll the file instead of using filesystem notifications")
	return cmd
}
