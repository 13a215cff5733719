package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/settlegate/internal/selection"
)

// Terminal transaction statuses; the last three count as failures
const (
	txCompleted = "completed"
	txFailed    = "failed"
	txRejected  = "rejected"
	txExpired   = "expired"
)

// ActiveCandidates returns active endpoints of active providers together with
// their failures in the last hour.
func (l *Ledger) ActiveCandidates(ctx context.Context) ([]selection.Candidate, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT e.id, e.holder_name, p.id, p.name, p.balance,
		        e.daily_limit, e.daily_volume_used, e.tx_today, e.success_rate, e.last_used_at,
		        (SELECT COUNT(*) FROM transactions t
		          WHERE t.endpoint_id = e.id
		            AND t.status IN ($1, $2, $3)
		            AND t.updated_at >= $4),
		        e.tier, e.min_amount, e.max_amount, e.bank_name
		   FROM endpoints e
		   JOIN providers p ON p.id = e.provider_id
		  WHERE e.status = 'active' AND p.active
		  ORDER BY e.id`,
		txFailed, txRejected, txExpired, time.Now().Add(-time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()

	var out []selection.Candidate
	for rows.Next() {
		var (
			c        selection.Candidate
			lastUsed sql.NullTime
			tier     string
			minAmt   decimal.NullDecimal
			maxAmt   decimal.NullDecimal
		)
		if err := rows.Scan(&c.ID, &c.HolderName, &c.ProviderID, &c.ProviderName, &c.ProviderBalance,
			&c.DailyLimit, &c.DailyVolumeUsed, &c.TxToday, &c.SuccessRate, &lastUsed,
			&c.FailuresLastHour, &tier, &minAmt, &maxAmt, &c.Bank); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}
		if minAmt.Valid {
			v := minAmt.Decimal
			c.MinAmount = &v
		}
		if maxAmt.Valid {
			v := maxAmt.Decimal
			c.MaxAmount = &v
		}
		c.Tier = selection.ParseTier(tier)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReserveVolume adds amount to the endpoint's used volume only when the daily
// limit still holds. The conditional UPDATE is the capacity guard; callers
// treat false as a concurrent capacity conflict.
func (l *Ledger) ReserveVolume(ctx context.Context, endpointID string, amount decimal.Decimal) (bool, error) {
	result, err := l.db.ExecContext(ctx,
		`UPDATE endpoints
		    SET daily_volume_used = daily_volume_used + $2,
		        tx_today = tx_today + 1,
		        last_used_at = now()
		  WHERE id = $1 AND status = 'active' AND daily_volume_used + $2 <= daily_limit`,
		endpointID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve volume: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reserve volume: %w", err)
	}
	return rows == 1, nil
}

// ResetDailyVolume zeroes the per-day counters; run by the operator CLI at
// day rollover.
func (l *Ledger) ResetDailyVolume(ctx context.Context) (int64, error) {
	result, err := l.db.ExecContext(ctx, `UPDATE endpoints SET daily_volume_used = 0, tx_today = 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily volume: %w", err)
	}
	return result.RowsAffected()
}
