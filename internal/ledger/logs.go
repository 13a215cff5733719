package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// SelectionLog is one row of the append-only selection log
type SelectionLog struct {
	ID           uuid.UUID
	RequestID    uuid.UUID
	PrincipalID  string
	Amount       decimal.Decimal
	Tier         string
	WeightSet    string
	Success      bool
	EndpointID   string
	Score        float64
	Attempts     int
	Reason       string
	BlockedBanks []string
	Breakdown    json.RawMessage
	CreatedAt    time.Time
}

// RoutingLog is one row of the append-only routing log
type RoutingLog struct {
	ID            uuid.UUID
	DisputeID     uuid.UUID
	Success       bool
	Method        string
	ResponsibleID string
	Detail        string
	Steps         json.RawMessage
	CreatedAt     time.Time
}

// DisputeLog records a counter-party response or adjudicator decision
type DisputeLog struct {
	ID          uuid.UUID
	DisputeID   uuid.UUID
	From        string
	To          string
	ActorID     string
	Description string
	CreatedAt   time.Time
}

func (l *Ledger) InsertSelectionLog(ctx context.Context, e SelectionLog) error {
	if e.BlockedBanks == nil {
		e.BlockedBanks = []string{}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO selection_logs (id, request_id, principal_id, amount, tier, weight_set, success,
		                             endpoint_id, score, attempts, reason, blocked_banks, breakdown, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.RequestID, e.PrincipalID, e.Amount, e.Tier, e.WeightSet, e.Success,
		e.EndpointID, e.Score, e.Attempts, e.Reason, pq.Array(e.BlockedBanks), string(e.Breakdown), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert selection log: %w", err)
	}
	return nil
}

func (l *Ledger) InsertRoutingLog(ctx context.Context, e RoutingLog) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO routing_logs (id, dispute_id, success, method, responsible_id, detail, steps, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.DisputeID, e.Success, e.Method, e.ResponsibleID, e.Detail, string(e.Steps), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert routing log: %w", err)
	}
	return nil
}

func (l *Ledger) InsertDisputeLog(ctx context.Context, e DisputeLog) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO dispute_logs (id, dispute_id, from_status, to_status, actor_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.DisputeID, e.From, e.To, e.ActorID, e.Description, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispute log: %w", err)
	}
	return nil
}

// RoutingLogs returns the routing attempts of a dispute, oldest first
func (l *Ledger) RoutingLogs(ctx context.Context, disputeID uuid.UUID) ([]RoutingLog, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, dispute_id, success, method, responsible_id, detail, steps, created_at
		   FROM routing_logs WHERE dispute_id = $1 ORDER BY created_at`,
		disputeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing logs: %w", err)
	}
	defer rows.Close()

	var out []RoutingLog
	for rows.Next() {
		var e RoutingLog
		var steps []byte
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Success, &e.Method, &e.ResponsibleID, &e.Detail, &steps, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing log: %w", err)
		}
		e.Steps = steps
		out = append(out, e)
	}
	return out, rows.Err()
}
