package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/report"
	"github.com/roach88/idleprobe/internal/store"
)

// RunsOptions holds flags for the runs and show commands.
type RunsOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs",
		Long: `List runs recorded in the run store, newest first.

Examples:
  idleprobe runs --db runs.db
  idleprobe runs --db runs.db --limit 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run store (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs to list (0 = all)")

	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a stored run",
		Long: `Re-render the report of a stored run, with its failures.

Examples:
  idleprobe show --db runs.db 0191e3a0-7c2e-7b4f-9d35-6a1f0c2e8b11
  idleprobe show --db runs.db 0191e3a0-7c2e-7b4f-9d35-6a1f0c2e8b11 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showRun(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run store (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func openStore(path string) (*store.Store, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open run store", err)
	}
	return st, nil
}

func listRuns(opts *RunsOptions, cmd *cobra.Command) error {
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(runs)
	}

	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	fmt.Fprintf(w, "%-36s  %-20s  %8s  %-8s  %s\n", "RUN", "STARTED", "ACCOUNTS", "RESULT", "TARGET")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-20s  %8d  %-8s  %s\n",
			r.ID, r.StartedAt.UTC().Format(time.DateTime), r.Accounts, verdict(r), r.Target)
	}
	return nil
}

// verdict is the one-word result of a stored run.
func verdict(r store.Run) string {
	switch {
	case r.Pass:
		return "PASS"
	case r.Report == nil:
		return "ABORTED"
	default:
		return "FAIL"
	}
}

func showRun(opts *RunsOptions, id string, cmd *cobra.Command) error {
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.LoadRun(context.Background(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", id))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load run", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), RunID: run.ID}
		return formatter.Success(run)
	}
	return writeStoredRun(cmd.OutOrStdout(), run)
}

func writeStoredRun(w io.Writer, run store.Run) error {
	fmt.Fprintf(w, "Target: %s\n", run.Target)
	fmt.Fprintf(w, "Started: %s (%s)\n", run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "Accounts: %d\n", run.Accounts)

	if run.Report == nil {
		fmt.Fprintf(w, "Result: ABORTED: %s\n", run.Error)
	} else {
		fmt.Fprintln(w)
		if err := report.WriteText(w, *run.Report); err != nil {
			return err
		}
	}

	if len(run.ProvisionFailures) > 0 {
		fmt.Fprintf(w, "\nProvisioning failures (%d):\n", len(run.ProvisionFailures))
		for _, f := range run.ProvisionFailures {
			fmt.Fprintf(w, "  %s: %s (%s) %s\n", f.Principal, f.Step, f.Category, f.Err)
		}
	}

	var notReceived []model.ClassifiedWaiter
	for _, o := range run.Outcomes {
		if o.Outcome != model.OutcomeReceived {
			notReceived = append(notReceived, o)
		}
	}
	if len(notReceived) > 0 {
		fmt.Fprintf(w, "\nWaiters not received (%d):\n", len(notReceived))
		for _, o := range notReceived {
			fmt.Fprintf(w, "  client %d %s: %s %s\n", o.ClientID, o.Principal, o.Outcome, o.Detail)
		}
	}

	var failedSends int
	for _, s := range run.Sends {
		if !s.OK {
			failedSends++
		}
	}
	if failedSends > 0 {
		fmt.Fprintf(w, "\nFailed sends (%d):\n", failedSends)
		for _, s := range run.Sends {
			if !s.OK {
				fmt.Fprintf(w, "  client %d %s: %s %s\n", s.ClientID, s.Recipient, s.Category, s.Err)
			}
		}
	}
	return nil
}
