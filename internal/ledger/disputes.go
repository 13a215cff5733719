package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/settlegate/internal/apperror"
	"github.com/terminal-bench/settlegate/internal/dispute"
)

const disputeColumns = `id, type, amount, claimant_id, responsible_id, payment_handle, order_reference,
	transaction_reference, reason, evidence_reference, status, routing_method, response_note,
	proof_reference, responded_by, decision_note, adjudicator_id, resolution,
	created_at, updated_at, routed_at, responded_at, resolved_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(row scanner) (*dispute.Dispute, error) {
	var d dispute.Dispute
	var routedAt, respondedAt, resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Type, &d.Amount, &d.ClaimantID, &d.ResponsibleID, &d.PaymentHandle, &d.OrderReference,
		&d.TransactionReference, &d.Reason, &d.EvidenceReference, &d.Status, &d.RoutingMethod, &d.ResponseNote,
		&d.ProofReference, &d.RespondedBy, &d.DecisionNote, &d.AdjudicatorID, &d.Resolution,
		&d.CreatedAt, &d.UpdatedAt, &routedAt, &respondedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.RoutedAt = nullTimePtr(routedAt)
	d.RespondedAt = nullTimePtr(respondedAt)
	d.ResolvedAt = nullTimePtr(resolvedAt)
	return &d, nil
}

// CreateDispute inserts a new dispute
func (l *Ledger) CreateDispute(ctx context.Context, d *dispute.Dispute) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO disputes (id, type, amount, claimant_id, responsible_id, payment_handle, order_reference,
		                       transaction_reference, reason, evidence_reference, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.Type, d.Amount, d.ClaimantID, d.ResponsibleID, d.PaymentHandle, d.OrderReference,
		d.TransactionReference, d.Reason, d.EvidenceReference, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

// GetDispute retrieves a dispute
func (l *Ledger) GetDispute(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	d, err := scanDispute(l.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("dispute %s not found", id)
	}
	if err != nil {
		return nil, apperror.Internal(err, "failed to get dispute")
	}
	return d, nil
}

// ListDisputes returns disputes in a status, oldest first
func (l *Ledger) ListDisputes(ctx context.Context, status dispute.Status, limit int) ([]dispute.Dispute, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE status = $1 ORDER BY created_at LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query disputes: %w", err)
	}
	defer rows.Close()

	var out []dispute.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// MarkRouted assigns the responsible party when the dispute is still in from
func (l *Ledger) MarkRouted(ctx context.Context, id uuid.UUID, from dispute.Status, responsibleID string, method dispute.Method, at time.Time) error {
	result, err := l.db.ExecContext(ctx,
		`UPDATE disputes
		    SET status = $3, responsible_id = $4, routing_method = $5, routed_at = $6, updated_at = $6
		  WHERE id = $1 AND status = $2`,
		id, from, dispute.StatusRouted, responsibleID, method, at,
	)
	return l.checkTransition(ctx, result, err, id, from)
}

// MarkUnroutable parks a pending dispute with no responsible party recorded
func (l *Ledger) MarkUnroutable(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := l.db.ExecContext(ctx,
		`UPDATE disputes SET status = $3, responsible_id = '', updated_at = $4
		  WHERE id = $1 AND status = $2`,
		id, dispute.StatusPending, dispute.StatusUnroutable, at,
	)
	return l.checkTransition(ctx, result, err, id, dispute.StatusPending)
}

// RecordResponse stores the counter-party response when the dispute is still routed
func (l *Ledger) RecordResponse(ctx context.Context, id uuid.UUID, r dispute.ResponseUpdate) error {
	result, err := l.db.ExecContext(ctx,
		`UPDATE disputes
		    SET status = $3, responded_by = $4, response_note = $5, proof_reference = $6,
		        responded_at = $7, updated_at = $7
		  WHERE id = $1 AND status = $2`,
		id, r.From, r.To, r.ActorID, r.Note, r.ProofReference, r.At,
	)
	return l.checkTransition(ctx, result, err, id, r.From)
}

func (l *Ledger) checkTransition(ctx context.Context, result sql.Result, err error, id uuid.UUID, from dispute.Status) error {
	if err != nil {
		return apperror.Internal(err, "failed to update dispute")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apperror.Internal(err, "failed to update dispute")
	}
	if rows == 1 {
		return nil
	}

	current, err := l.GetDispute(ctx, id)
	if err != nil {
		return err
	}
	return apperror.InvalidTransition("dispute %s is %s, expected %s", id, current.Status, from)
}

// Settle resolves a dispute. The dispute row and the responsible party's
// balance are locked for the whole read-compute-write so that concurrent
// resolutions neither double-apply nor read a stale balance. The status
// change, balance update and balance change record commit together.
func (l *Ledger) Settle(ctx context.Context, s dispute.Settlement) (*dispute.Dispute, []dispute.BalanceChange, error) {
	changes := []dispute.BalanceChange{}

	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var status dispute.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1 FOR UPDATE`, s.DisputeID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("dispute %s not found", s.DisputeID)
		}
		if err != nil {
			return apperror.Internal(err, "failed to lock dispute")
		}
		if status != s.From || !dispute.CanTransition(status, s.To) {
			return apperror.InvalidTransition("dispute %s is %s and cannot be resolved", s.DisputeID, status)
		}

		if a := s.Adjustment; a != nil {
			bc, err := l.applyAdjustment(ctx, tx, s.DisputeID, *a, s.At)
			if err != nil {
				return err
			}
			changes = append(changes, *bc)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE disputes
			    SET status = $2, adjudicator_id = $3, decision_note = $4, resolution = $5,
			        resolved_at = $6, updated_at = $6
			  WHERE id = $1`,
			s.DisputeID, s.To, s.AdjudicatorID, s.Note, s.Resolution, s.At,
		)
		if err != nil {
			return apperror.Internal(err, "failed to resolve dispute")
		}
		return nil
	})
	if err != nil {
		var appErr *apperror.Error
		if !errors.As(err, &appErr) {
			err = apperror.Internal(err, "failed to settle dispute")
		}
		return nil, nil, err
	}

	d, err := l.GetDispute(ctx, s.DisputeID)
	if err != nil {
		return nil, nil, err
	}
	return d, changes, nil
}

func (l *Ledger) applyAdjustment(ctx context.Context, tx *sql.Tx, disputeID uuid.UUID, a dispute.Adjustment, at time.Time) (*dispute.BalanceChange, error) {
	var before decimal.Decimal
	err := tx.QueryRowContext(ctx, `SELECT balance FROM providers WHERE id = $1 FOR UPDATE`, a.EntityID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("provider %s not found", a.EntityID)
	}
	if err != nil {
		return nil, apperror.Internal(err, "failed to lock provider balance")
	}

	bc := a.Apply(disputeID, before, at)

	if _, err := tx.ExecContext(ctx,
		`UPDATE providers SET balance = $2, updated_at = $3 WHERE id = $1`,
		a.EntityID, bc.After, at,
	); err != nil {
		return nil, apperror.Internal(err, "failed to update provider balance")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO balance_changes (id, dispute_id, entity_type, entity_id, direction, amount, principal, fee,
		                              balance_before, balance_after, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		bc.ID, bc.DisputeID, bc.EntityType, bc.EntityID, bc.Direction, bc.Amount, bc.Principal, bc.Fee,
		bc.Before, bc.After, bc.Reason, bc.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, apperror.InvalidTransition("dispute %s already has a balance change", disputeID)
	}
	if err != nil {
		return nil, apperror.Internal(err, "failed to record balance change")
	}
	return &bc, nil
}

// BalanceChanges returns the balance change records of a dispute
func (l *Ledger) BalanceChanges(ctx context.Context, disputeID uuid.UUID) ([]dispute.BalanceChange, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, dispute_id, entity_type, entity_id, direction, amount, principal, fee,
		        balance_before, balance_after, reason, created_at
		   FROM balance_changes WHERE dispute_id = $1 ORDER BY created_at`,
		disputeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance changes: %w", err)
	}
	defer rows.Close()

	var out []dispute.BalanceChange
	for rows.Next() {
		var bc dispute.BalanceChange
		if err := rows.Scan(&bc.ID, &bc.DisputeID, &bc.EntityType, &bc.EntityID, &bc.Direction, &bc.Amount,
			&bc.Principal, &bc.Fee, &bc.Before, &bc.After, &bc.Reason, &bc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance change: %w", err)
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

// CommissionRate returns a provider's payout commission percentage if set
func (l *Ledger) CommissionRate(ctx context.Context, principalID string) (decimal.Decimal, bool, error) {
	var rate decimal.NullDecimal
	err := l.db.QueryRowContext(ctx, `SELECT payout_commission_rate FROM providers WHERE id = $1`, principalID).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to load commission rate: %w", err)
	}
	return rate.Decimal, rate.Valid, nil
}
