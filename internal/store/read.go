package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

const runColumns = `id, started_at, finished_at, target, accounts, pass, violation, error, report`

// ListRuns returns the most recent runs, newest first, without their detail
// rows. limit <= 0 returns every run.
//
// Returns an empty slice (not nil) if no runs are stored.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id COLLATE BINARY ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LoadRun returns a run with all of its detail rows.
// Returns an error wrapping ErrRunNotFound if id is unknown.
func (s *Store) LoadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}

	if run.Outcomes, err = s.readOutcomes(ctx, id); err != nil {
		return Run{}, err
	}
	if run.ProvisionFailures, err = s.readProvisionFailures(ctx, id); err != nil {
		return Run{}, err
	}
	if run.Sends, err = s.readSends(ctx, id); err != nil {
		return Run{}, err
	}
	return run, nil
}

// readOutcomes returns a run's classified waiters ordered by client ID.
func (s *Store) readOutcomes(ctx context.Context, runID string) ([]model.ClassifiedWaiter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, principal, outcome, detail, verified
		FROM outcomes
		WHERE run_id = ?
		ORDER BY client_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []model.ClassifiedWaiter{}
	for rows.Next() {
		var (
			o        model.ClassifiedWaiter
			outcome  string
			verified int
		)
		if err := rows.Scan(&o.ClientID, &o.Principal, &outcome, &o.Detail, &verified); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Outcome = model.Outcome(outcome)
		o.Verified = verified != 0
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

// readProvisionFailures returns failures in the order they were saved.
func (s *Store) readProvisionFailures(ctx context.Context, runID string) ([]ProvisionFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal, step, category, error
		FROM provision_failures
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query provision failures: %w", err)
	}
	defer rows.Close()

	failures := []ProvisionFailure{}
	for rows.Next() {
		var (
			f        ProvisionFailure
			category string
		)
		if err := rows.Scan(&f.Principal, &f.Step, &category, &f.Err); err != nil {
			return nil, fmt.Errorf("scan provision failure: %w", err)
		}
		f.Category = model.ErrorCategory(category)
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provision failures: %w", err)
	}
	return failures, nil
}

// readSends returns send records ordered by client ID.
func (s *Store) readSends(ctx context.Context, runID string) ([]Send, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, recipient, ok, retried, latency_ns, category, error
		FROM sends
		WHERE run_id = ?
		ORDER BY client_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query sends: %w", err)
	}
	defer rows.Close()

	sends := []Send{}
	for rows.Next() {
		var (
			snd         Send
			ok, retried int
			latency     int64
			category    string
		)
		if err := rows.Scan(&snd.ClientID, &snd.Recipient, &ok, &retried, &latency, &category, &snd.Err); err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		snd.OK = ok != 0
		snd.Retried = retried != 0
		snd.Latency = time.Duration(latency)
		snd.Category = model.ErrorCategory(category)
		sends = append(sends, snd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sends: %w", err)
	}
	return sends, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run               Run
		started, finished string
		pass              int
		violation         string
		report            sql.NullString
	)
	err := row.Scan(&run.ID, &started, &finished, &run.Target, &run.Accounts, &pass, &violation, &run.Error, &report)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return Run{}, err
	}
	run.Pass = pass != 0
	run.Violation = model.Tolerance(violation)

	var raw *string
	if report.Valid {
		raw = &report.String
	}
	if run.Report, err = unmarshalReport(raw); err != nil {
		return Run{}, err
	}
	return run, nil
}
