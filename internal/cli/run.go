package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/idleprobe/internal/env"
	"github.com/roach88/idleprobe/internal/eventlog"
	"github.com/roach88/idleprobe/internal/harness"
	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/progress"
	"github.com/roach88/idleprobe/internal/report"
	"github.com/roach88/idleprobe/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Profile        string
	Accounts       int
	Binary         string
	Submit         string
	Retrieve       string
	HTTP           string
	Domain         string
	Database       string
	EventLog       string
	ProgressListen string
	KeepState      bool
	ServerDebug    bool

	// Identities allows overriding identity generation (for testing).
	// If nil, the harness generates random identities.
	Identities harness.IdentitySource
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the IDLE notification probe",
		Long: `Run one probe against a mail server.

The target is either a server binary started locally with a generated
configuration (--binary), or an already running server (--smtp and
--imap). Flags override the matching profile fields.

Exit codes:
  0 - Run passed
  1 - Run completed with a failing verdict
  2 - Command error or aborted run

Examples:
  idleprobe run --binary /usr/local/bin/maddy --accounts 100
  idleprobe run --smtp mail.test:587 --imap mail.test:143 --domain mail.test
  idleprobe run --profile nightly.yaml --db runs.db --event-log run.cbor
  idleprobe run --profile nightly.yaml --progress-listen 127.0.0.1:9090 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Profile, "profile", "", "path to a YAML run profile")
	cmd.Flags().IntVar(&opts.Accounts, "accounts", harness.DefaultAccounts, "number of receiving accounts")
	cmd.Flags().StringVar(&opts.Binary, "binary", "", "server binary to start locally")
	cmd.Flags().StringVar(&opts.Submit, "smtp", "", "submission address of a running server (host:port)")
	cmd.Flags().StringVar(&opts.Retrieve, "imap", "", "IMAP address of a running server (host:port)")
	cmd.Flags().StringVar(&opts.HTTP, "http", "", "optional HTTP address of a running server, probed for readiness")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "mail domain for generated accounts")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite run store")
	cmd.Flags().StringVar(&opts.EventLog, "event-log", "", "append CBOR run events to this file")
	cmd.Flags().StringVar(&opts.ProgressListen, "progress-listen", "", "serve live progress on this address")
	cmd.Flags().BoolVar(&opts.KeepState, "keep-state", false, "keep the local server's state directory")
	cmd.Flags().BoolVar(&opts.ServerDebug, "server-debug", false, "enable debug logging in the local server")

	return cmd
}

func runProbe(opts *RunOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	profile, err := buildProfile(opts, cmd)
	if err != nil {
		reportError(formatter, CodeProfile, err, nil)
		return WrapExitError(ExitCommandError, "invalid run configuration", err)
	}

	runOpts := harness.Options{
		Logger:     logger,
		Board:      progress.NewBoard(logger, 0),
		Identities: opts.Identities,
	}

	if opts.Database != "" {
		formatter.VerboseLog("opening run store %s", opts.Database)
		st, err := store.Open(opts.Database)
		if err != nil {
			reportError(formatter, CodeStore, err, nil)
			return WrapExitError(ExitCommandError, "failed to open run store", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing run store", "error", closeErr)
			}
		}()
		runOpts.Store = st
	}

	if opts.EventLog != "" {
		events, err := eventlog.NewFileLogger(opts.EventLog)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open event log", err)
		}
		defer events.Close()
		runOpts.Events = events
	}

	if opts.ProgressListen != "" {
		srv := progress.NewServer(runOpts.Board, time.Second, logger)
		if err := srv.Start(opts.ProgressListen); err != nil {
			return WrapExitError(ExitCommandError, "failed to start progress server", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Close(ctx)
		}()
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, aborting run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ctrl := harness.New(newTarget(profile, logger), profile, runOpts)
	res, runErr := ctrl.Run(ctx)
	formatter.RunID = res.RunID

	if runErr != nil {
		reportError(formatter, errorCode(runErr), runErr, res)
		return WrapExitError(ExitCommandError, "run aborted", runErr)
	}

	if err := outputRun(formatter, res); err != nil {
		return WrapExitError(ExitCommandError, "failed to write report", err)
	}
	if !res.Pass() {
		return NewExitError(ExitFailure, report.Summary(*res.Report))
	}
	return nil
}

// buildProfile loads the profile, if any, applies flag overrides and
// validates the result.
func buildProfile(opts *RunOptions, cmd *cobra.Command) (harness.Profile, error) {
	profile := harness.DefaultProfile()
	source := "flags"
	if opts.Profile != "" {
		p, err := harness.DecodeProfile(opts.Profile)
		if err != nil {
			return harness.Profile{}, err
		}
		profile = p
		source = opts.Profile
	}

	flags := cmd.Flags()
	if flags.Changed("accounts") {
		profile.Accounts = opts.Accounts
	}
	if flags.Changed("domain") {
		profile.Domain = opts.Domain
	}
	if flags.Changed("binary") {
		profile.Target = harness.TargetProfile{Binary: opts.Binary}
	}
	if flags.Changed("smtp") || flags.Changed("imap") {
		if flags.Changed("binary") {
			return harness.Profile{}, errors.New("--binary cannot be combined with --smtp/--imap")
		}
		profile.Target = harness.TargetProfile{Submit: opts.Submit, Retrieve: opts.Retrieve, HTTP: opts.HTTP}
	}
	if flags.Changed("keep-state") {
		profile.Target.KeepState = opts.KeepState
	}
	if flags.Changed("server-debug") {
		profile.Target.Debug = opts.ServerDebug
	}

	if profile.Target == (harness.TargetProfile{}) {
		return harness.Profile{}, errors.New("no target: use --binary, --smtp and --imap, or a profile")
	}
	if err := profile.Validate(source); err != nil {
		return harness.Profile{}, err
	}
	return profile, nil
}

// newTarget builds the environment a validated profile selects.
func newTarget(p harness.Profile, logger *slog.Logger) env.TargetEnvironment {
	if p.Target.Local() {
		return env.NewLocal(env.LocalConfig{
			Binary:         p.Target.Binary,
			Domain:         p.Domain,
			StartupTimeout: p.Timeouts.Startup,
			Debug:          p.Target.Debug,
			KeepState:      p.Target.KeepState,
		}, logger)
	}
	return env.NewStatic(model.Endpoints{
		SubmitAddr:   p.Target.Submit,
		RetrieveAddr: p.Target.Retrieve,
		HTTPAddr:     p.Target.HTTP,
		Domain:       p.Domain,
	}, p.Timeouts.Startup, logger)
}

// reportError emits a JSON error response. Text mode leaves the message to
// the returned ExitError.
func reportError(f *OutputFormatter, code string, err error, details interface{}) {
	if f.Format == "json" {
		_ = f.Error(code, err.Error(), details)
	}
}

func outputRun(f *OutputFormatter, res *harness.RunResult) error {
	if f.Format == "json" {
		return f.Success(res)
	}

	w := f.Writer
	if err := report.WriteText(w, *res.Report); err != nil {
		return err
	}
	for _, a := range res.ArmFailures {
		fmt.Fprintf(w, "  not armed: client %d %s (%s: %s)\n", a.ClientID, a.Principal, a.Step, a.Err)
	}
	for _, o := range res.Outcomes {
		if o.Outcome != model.OutcomeReceived {
			fmt.Fprintf(w, "  %s: client %d %s %s\n", o.Outcome, o.ClientID, o.Principal, o.Detail)
		}
	}
	if res.Resources != nil {
		fmt.Fprintf(w, "Server: pid %d, rss %d KiB, cpu %s, %d threads\n",
			res.Resources.PID, res.Resources.RSSBytes/1024, res.Resources.CPUTime.Round(time.Millisecond), res.Resources.Threads)
	}
	return nil
}
