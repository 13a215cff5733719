package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/settlegate/pkg/circuit"
)

// LoadCircuits returns every stored breaker record keyed by bank
func (l *Ledger) LoadCircuits(ctx context.Context) (map[string]circuit.Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT bank_name, state, failure_rate, samples, tripped_at, half_open_at, test_attempts, closed_at, evaluated_at
		   FROM bank_circuits`)
	if err != nil {
		return nil, fmt.Errorf("failed to query circuits: %w", err)
	}
	defer rows.Close()

	out := make(map[string]circuit.Record)
	for rows.Next() {
		var (
			r          circuit.Record
			state      string
			trippedAt  sql.NullTime
			halfOpenAt sql.NullTime
			closedAt   sql.NullTime
		)
		if err := rows.Scan(&r.Bank, &state, &r.FailureRate, &r.Samples, &trippedAt, &halfOpenAt, &r.TestAttempts, &closedAt, &r.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan circuit: %w", err)
		}
		if r.State, err = circuit.ParseState(state); err != nil {
			l.log.WithField("bank", r.Bank).WithError(err).Warn("unknown stored circuit state, treating as closed")
			r.State = circuit.StateClosed
		}
		r.TrippedAt = nullTimePtr(trippedAt)
		r.HalfOpenAt = nullTimePtr(halfOpenAt)
		r.ClosedAt = nullTimePtr(closedAt)
		out[r.Bank] = r
	}
	return out, rows.Err()
}

// UpsertCircuits writes the full evaluated set keyed by bank and returns the
// persisted rows. Concurrent writers race with last-write-wins semantics,
// except that a HalfOpen row overwritten by another HalfOpen evaluation keeps
// its episode start and the larger test attempt count (circuit.Reconcile).
func (l *Ledger) UpsertCircuits(ctx context.Context, records []circuit.Record) ([]circuit.Record, error) {
	out := make([]circuit.Record, 0, len(records))
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO bank_circuits (bank_name, state, failure_rate, samples, tripped_at, half_open_at, test_attempts, closed_at, evaluated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (bank_name) DO UPDATE SET
			     state = EXCLUDED.state,
			     failure_rate = EXCLUDED.failure_rate,
			     samples = EXCLUDED.samples,
			     tripped_at = EXCLUDED.tripped_at,
			     half_open_at = CASE WHEN bank_circuits.state = $10 AND EXCLUDED.state = $10
			                         THEN bank_circuits.half_open_at ELSE EXCLUDED.half_open_at END,
			     test_attempts = CASE WHEN bank_circuits.state = $10 AND EXCLUDED.state = $10
			                          THEN GREATEST(bank_circuits.test_attempts, EXCLUDED.test_attempts)
			                          ELSE EXCLUDED.test_attempts END,
			     closed_at = EXCLUDED.closed_at,
			     evaluated_at = EXCLUDED.evaluated_at
			 RETURNING half_open_at, test_attempts`)
		if err != nil {
			return fmt.Errorf("failed to prepare circuit upsert: %w", err)
		}
		defer stmt.Close()

		halfOpen := circuit.StateHalfOpen.String()
		for _, r := range records {
			var halfOpenAt sql.NullTime
			if err := stmt.QueryRowContext(ctx, r.Bank, r.State.String(), r.FailureRate, r.Samples,
				r.TrippedAt, r.HalfOpenAt, r.TestAttempts, r.ClosedAt, r.EvaluatedAt, halfOpen,
			).Scan(&halfOpenAt, &r.TestAttempts); err != nil {
				return fmt.Errorf("failed to upsert circuit %s: %w", r.Bank, err)
			}
			r.HalfOpenAt = nullTimePtr(halfOpenAt)
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BankOutcomes returns terminal transactions settled since the given time,
// attributed to the bank of their endpoint.
func (l *Ledger) BankOutcomes(ctx context.Context, since time.Time) ([]circuit.Outcome, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT e.bank_name, t.status IN ($2, $3, $4), t.updated_at
		   FROM transactions t
		   JOIN endpoints e ON e.id = t.endpoint_id
		  WHERE t.status IN ($1, $2, $3, $4) AND t.updated_at >= $5`,
		txCompleted, txFailed, txRejected, txExpired, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []circuit.Outcome
	for rows.Next() {
		var o circuit.Outcome
		if err := rows.Scan(&o.Bank, &o.Failed, &o.At); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// IncrementTestAttempt consumes one half-open test transaction for a bank
func (l *Ledger) IncrementTestAttempt(ctx context.Context, bank string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE bank_circuits SET test_attempts = test_attempts + 1
		  WHERE bank_name = $1 AND state = $2`,
		bank, circuit.StateHalfOpen.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to increment test attempt: %w", err)
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
