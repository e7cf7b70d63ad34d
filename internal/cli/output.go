package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/idleprobe/internal/env"
	"github.com/roach88/idleprobe/internal/harness"
	"github.com/roach88/idleprobe/internal/provision"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Run passed
	ExitFailure      = 1 // Run completed with a failing verdict
	ExitCommandError = 2 // Bad flags or profile, unreachable target, aborted run
)

// Error codes reported in JSON error responses.
const (
	CodeProfile     = "E001" // profile or flags invalid
	CodeStartup     = "E002" // target did not start or is unreachable
	CodeProvision   = "E003" // provisioning below floor or sender rejected
	CodeArm         = "E004" // arming below floor
	CodeBroadcast   = "E005" // no broadcast message accepted
	CodeStore       = "E006" // run store unavailable
	CodeRunInternal = "E099" // any other phase failure
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
	RunID     string // attached to JSON responses when set
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string      `json:"status"`           // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`   // success payload
	Error  *CLIError   `json:"error,omitempty"`  // error details
	RunID  string      `json:"run_id,omitempty"` // run correlation
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string      `json:"code"`              // one of the Code* constants
	Message string      `json:"message"`           // human-readable message
	Details interface{} `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
			RunID:  f.RunID,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			RunID:  f.RunID,
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// errorCode maps a run error to its response code.
func errorCode(err error) string {
	var (
		profileErr *harness.ProfileError
		floorErr   *provision.FloorError
		armErr     *harness.ArmFloorError
	)
	switch {
	case errors.As(err, &profileErr):
		return CodeProfile
	case env.IsReadinessError(err):
		return CodeStartup
	case errors.As(err, &floorErr):
		return CodeProvision
	case errors.As(err, &armErr):
		return CodeArm
	case errors.Is(err, harness.ErrNothingDelivered):
		return CodeBroadcast
	}
	if pe, ok := harness.AsPhaseError(err); ok {
		switch pe.Phase {
		case harness.PhaseStartup:
			return CodeStartup
		case harness.PhaseProvision:
			return CodeProvision
		case harness.PhasePersist:
			return CodeStore
		}
	}
	return CodeRunInternal
}
