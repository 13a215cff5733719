package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/terminal-bench/settlegate/internal/dispute"
)

// PrincipalExists reports whether a counter-party is registered
func (l *Ledger) PrincipalExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM providers WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check principal: %w", err)
	}
	return exists, nil
}

// StandingOwners returns every owner ever mapped to a handle, oldest first.
// Deleted rows are included so the router can apply its tie-break.
func (l *Ledger) StandingOwners(ctx context.Context, handle string) ([]dispute.HandleOwner, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT owner_id, deleted, created_at FROM handle_owners
		  WHERE payment_handle = $1 ORDER BY created_at, id`,
		handle,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query handle owners: %w", err)
	}
	defer rows.Close()

	var out []dispute.HandleOwner
	for rows.Next() {
		var o dispute.HandleOwner
		if err := rows.Scan(&o.OwnerID, &o.Deleted, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan handle owner: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (l *Ledger) TransactionOwner(ctx context.Context, transactionID string) (string, error) {
	return l.lookupOwner(ctx,
		`SELECT e.provider_id FROM transactions t JOIN endpoints e ON e.id = t.endpoint_id WHERE t.id = $1`,
		transactionID)
}

func (l *Ledger) TransactionOwnerByUTR(ctx context.Context, utr string) (string, error) {
	return l.lookupOwner(ctx,
		`SELECT e.provider_id FROM transactions t JOIN endpoints e ON e.id = t.endpoint_id
		  WHERE t.utr = $1 ORDER BY t.created_at DESC LIMIT 1`,
		utr)
}

// PoolOwner resolves a handle through the mutable endpoint pool
func (l *Ledger) PoolOwner(ctx context.Context, handle string) (string, error) {
	return l.lookupOwner(ctx,
		`SELECT provider_id FROM endpoints WHERE payment_handle = $1 ORDER BY created_at DESC LIMIT 1`,
		handle)
}

func (l *Ledger) PayoutOwner(ctx context.Context, payoutID string) (string, error) {
	return l.lookupOwner(ctx, `SELECT provider_id FROM payouts WHERE id = $1`, payoutID)
}

func (l *Ledger) PayoutOwnerByOrderRef(ctx context.Context, orderRef string) (string, error) {
	return l.lookupOwner(ctx,
		`SELECT provider_id FROM payouts WHERE order_reference = $1 ORDER BY created_at DESC LIMIT 1`,
		orderRef)
}

func (l *Ledger) lookupOwner(ctx context.Context, query, key string) (string, error) {
	var owner string
	err := l.db.QueryRowContext(ctx, query, key).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}
