package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/idleprobe/internal/eventlog"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	ClientID int
	Kind     string
	Phase    string
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <file>",
		Short: "Dump a run event log",
		Long: `Print the events of a CBOR event log written by "run --event-log".

Run-wide events have client -1.

Examples:
  idleprobe events run.cbor
  idleprobe events run.cbor --client 17
  idleprobe events run.cbor --kind outcome --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpEvents(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.ClientID, "client", 0, "only events for this client ID")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only events of this kind (phase|provision|state|send|outcome)")
	cmd.Flags().StringVar(&opts.Phase, "phase", "", "only events emitted during this phase")

	return cmd
}

// EventView is the printable form of one event.
type EventView struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	ClientID  int       `json:"client_id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func dumpEvents(opts *EventsOptions, path string, cmd *cobra.Command) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "event log not found", err)
	}

	filter := eventlog.Filter{Phase: opts.Phase}
	if cmd.Flags().Changed("client") {
		id := opts.ClientID
		filter.ClientID = &id
	}
	if opts.Kind != "" {
		k, err := eventlog.ParseKind(opts.Kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --kind", err)
		}
		filter.Kind = &k
	}

	r, err := eventlog.NewFilteredReader(path, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer r.Close()

	views := []EventView{}
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read event log", err)
		}
		views = append(views, EventView{
			Timestamp: e.Timestamp,
			RunID:     e.RunID,
			Phase:     e.Phase,
			ClientID:  e.ClientID,
			Kind:      e.Kind.String(),
			From:      e.From,
			To:        e.To,
			Detail:    e.Detail,
		})
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(views)
	}

	w := cmd.OutOrStdout()
	if len(views) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	for _, v := range views {
		fmt.Fprintln(w, formatEvent(v))
	}
	return nil
}

func formatEvent(v EventView) string {
	line := fmt.Sprintf("%s %-9s %4d %-9s", v.Timestamp.UTC().Format("15:04:05.000000"), v.Phase, v.ClientID, v.Kind)
	if v.From != "" || v.To != "" {
		line += fmt.Sprintf(" %s -> %s", v.From, v.To)
	}
	if v.Detail != "" {
		line += " " + v.Detail
	}
	return line
}
