package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveRun writes a run and all of its detail rows in one transaction.
//
// Uses ON CONFLICT(id) DO NOTHING for idempotency: saving a run ID that is
// already stored leaves the existing rows untouched and returns nil.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("save run: empty run id")
	}

	report, err := marshalReport(run.Report)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, started_at, finished_at, target, accounts, pass, violation, error, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		run.Target,
		run.Accounts,
		boolInt(run.Pass),
		string(run.Violation),
		run.Error,
		report,
	)
	if err != nil {
		return fmt.Errorf("save run: insert run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save run: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Already stored.
		return nil
	}

	if err := insertOutcomes(ctx, tx, run); err != nil {
		return err
	}
	if err := insertProvisionFailures(ctx, tx, run); err != nil {
		return err
	}
	if err := insertSends(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save run: commit: %w", err)
	}
	return nil
}

func insertOutcomes(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes
		(run_id, client_id, principal, outcome, detail, verified)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save run: prepare outcomes: %w", err)
	}
	defer stmt.Close()

	for _, o := range run.Outcomes {
		if _, err := stmt.ExecContext(ctx, run.ID, o.ClientID, o.Principal, string(o.Outcome), o.Detail, boolInt(o.Verified)); err != nil {
			return fmt.Errorf("save run: outcome for client %d: %w", o.ClientID, err)
		}
	}
	return nil
}

func insertProvisionFailures(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO provision_failures
		(run_id, seq, principal, step, category, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save run: prepare provision failures: %w", err)
	}
	defer stmt.Close()

	for i, f := range run.ProvisionFailures {
		if _, err := stmt.ExecContext(ctx, run.ID, i, f.Principal, f.Step, string(f.Category), f.Err); err != nil {
			return fmt.Errorf("save run: provision failure %s: %w", f.Principal, err)
		}
	}
	return nil
}

func insertSends(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sends
		(run_id, client_id, recipient, ok, retried, latency_ns, category, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save run: prepare sends: %w", err)
	}
	defer stmt.Close()

	for _, snd := range run.Sends {
		if _, err := stmt.ExecContext(ctx, run.ID, snd.ClientID, snd.Recipient, boolInt(snd.OK), boolInt(snd.Retried),
			int64(snd.Latency), string(snd.Category), snd.Err); err != nil {
			return fmt.Errorf("save run: send to client %d: %w", snd.ClientID, err)
		}
	}
	return nil
}
