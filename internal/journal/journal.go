package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/settlegate/internal/dispute"
	"github.com/terminal-bench/settlegate/internal/ledger"
	"github.com/terminal-bench/settlegate/internal/metrics"
	"github.com/terminal-bench/settlegate/internal/selection"
	"github.com/terminal-bench/settlegate/pkg/circuit"
	"github.com/terminal-bench/settlegate/pkg/messaging"
)

// Sink names double as breaker names
const (
	sinkLog     = "log_store"
	sinkEvents  = "event_bus"
	sinkMetrics = "metrics"
)

// LogStore persists the append-only decision logs
type LogStore interface {
	InsertSelectionLog(ctx context.Context, e ledger.SelectionLog) error
	InsertRoutingLog(ctx context.Context, e ledger.RoutingLog) error
	InsertDisputeLog(ctx context.Context, e ledger.DisputeLog) error
}

// Publisher sends events to the bus
type Publisher interface {
	Publish(ctx context.Context, subject, aggregateID string, data interface{}) error
}

// MetricsWriter records time series points
type MetricsWriter interface {
	WriteSelection(ctx context.Context, p metrics.SelectionPoint) error
	WriteCircuit(ctx context.Context, p metrics.CircuitPoint) error
	WriteDispute(ctx context.Context, p metrics.DisputePoint) error
}

// Journal fans every decision out to the log tables, the event bus and the
// metrics store. Any sink may be nil. Sink failures are logged and never
// reach the caller; a sink that keeps failing is skipped by its breaker
// until it recovers.
type Journal struct {
	logs      LogStore
	publisher Publisher
	metrics   MetricsWriter
	breakers  *circuit.BreakerGroup
	log       *logrus.Entry
	now       func() time.Time
}

// New creates a journal
func New(logs LogStore, publisher Publisher, mw MetricsWriter, logger *logrus.Logger) *Journal {
	j := &Journal{
		logs:      logs,
		publisher: publisher,
		metrics:   mw,
		log:       logger.WithField("component", "journal"),
		now:       time.Now,
	}
	j.breakers = circuit.NewBreakerGroup(circuit.BreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
		OnStateChange: func(name string, from, to circuit.State) {
			j.log.WithFields(logrus.Fields{"sink": name, "from": from.String(), "to": to.String()}).Warn("sink breaker changed state")
		},
	})
	return j
}

// SinkStates reports the in-process breaker state of every sink used so far
func (j *Journal) SinkStates() map[string]circuit.State {
	return j.breakers.States()
}

var (
	_ selection.Recorder = (*Journal)(nil)
	_ dispute.Recorder   = (*Journal)(nil)
)

// RecordSelection journals one selection decision
func (j *Journal) RecordSelection(ctx context.Context, d *selection.Decision) {
	entry := ledger.SelectionLog{
		ID:           uuid.New(),
		RequestID:    d.RequestID,
		PrincipalID:  d.PrincipalID,
		Amount:       d.Amount,
		Tier:         string(d.Tier),
		WeightSet:    d.WeightSet,
		Success:      d.Success,
		Attempts:     d.Attempts,
		Reason:       d.Reason,
		BlockedBanks: d.BlockedBanks,
		Breakdown:    breakdownJSON(d),
		CreatedAt:    d.DecidedAt,
	}
	event := messaging.SelectionEvent{
		RequestID:    d.RequestID,
		PrincipalID:  d.PrincipalID,
		Amount:       d.Amount.StringFixed(2),
		Tier:         string(d.Tier),
		Success:      d.Success,
		Attempts:     d.Attempts,
		Reason:       d.Reason,
		BlockedBanks: d.BlockedBanks,
	}
	amount, _ := d.Amount.Float64()
	point := metrics.SelectionPoint{
		Tier:       string(d.Tier),
		WeightSet:  d.WeightSet,
		Success:    d.Success,
		Reason:     d.Reason,
		Amount:     amount,
		Attempts:   d.Attempts,
		Candidates: len(d.Candidates),
		Blocked:    len(d.BlockedBanks),
		At:         d.DecidedAt,
	}
	if w := d.Winner; w != nil {
		entry.EndpointID = w.Candidate.ID
		entry.Score = w.Score()
		event.EndpointID = w.Candidate.ID
		event.ProviderID = w.Candidate.ProviderID
		event.Score = w.Score()
		point.EndpointID = w.Candidate.ID
		point.Bank = w.Candidate.Bank
		point.Score = w.Score()
	}

	fields := logrus.Fields{"request_id": d.RequestID}
	if j.logs != nil {
		j.run(ctx, sinkLog, fields, func(ctx context.Context) error { return j.logs.InsertSelectionLog(ctx, entry) })
	}
	j.publish(ctx, messaging.SubjectSelectionDecided, d.RequestID.String(), event, fields)
	if j.metrics != nil {
		j.run(ctx, sinkMetrics, fields, func(ctx context.Context) error { return j.metrics.WriteSelection(ctx, point) })
	}
}

// RecordTransitions journals per-bank breaker transitions
func (j *Journal) RecordTransitions(ctx context.Context, ts []circuit.Transition) {
	for _, t := range ts {
		fields := logrus.Fields{"bank": t.Bank, "from": t.From.String(), "to": t.To.String()}
		j.log.WithFields(fields).WithField("failure_rate", t.Rate).Info("bank circuit transitioned")

		j.publish(ctx, messaging.SubjectCircuitTransitioned, t.Bank, messaging.CircuitEvent{
			Bank:        t.Bank,
			From:        t.From.String(),
			To:          t.To.String(),
			FailureRate: t.Rate,
			At:          t.At,
		}, fields)

		if j.metrics != nil {
			p := metrics.CircuitPoint{Bank: t.Bank, From: t.From.String(), To: t.To.String(), FailureRate: t.Rate, At: t.At}
			j.run(ctx, sinkMetrics, fields, func(ctx context.Context) error { return j.metrics.WriteCircuit(ctx, p) })
		}
	}
}

// RecordRouting journals one routing attempt
func (j *Journal) RecordRouting(ctx context.Context, d *dispute.Dispute, r *dispute.Route) {
	fields := logrus.Fields{"dispute_id": d.ID}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		steps = []byte("[]")
	}

	if j.logs != nil {
		entry := ledger.RoutingLog{
			ID:            uuid.New(),
			DisputeID:     d.ID,
			Success:       r.Success,
			Method:        string(r.Method),
			ResponsibleID: r.ResponsibleID,
			Detail:        r.Detail,
			Steps:         steps,
			CreatedAt:     j.now(),
		}
		j.run(ctx, sinkLog, fields, func(ctx context.Context) error { return j.logs.InsertRoutingLog(ctx, entry) })
	}

	subject := messaging.SubjectDisputeRouted
	if !r.Success {
		subject = messaging.SubjectDisputeUnroutable
	}
	j.publish(ctx, subject, d.ID.String(), messaging.RoutingEvent{
		DisputeID:     d.ID,
		Type:          string(d.Type),
		Amount:        d.Amount.StringFixed(2),
		Success:       r.Success,
		Method:        string(r.Method),
		ResponsibleID: r.ResponsibleID,
		Detail:        r.Detail,
	}, fields)

	j.writeDispute(ctx, d, string(r.Method), fields)
}

// RecordResponse journals a counter-party response
func (j *Journal) RecordResponse(ctx context.Context, d *dispute.Dispute, from dispute.Status, description string) {
	fields := logrus.Fields{"dispute_id": d.ID}
	j.recordStep(ctx, d, from, d.RespondedBy, description, messaging.SubjectDisputeResponded, fields)
	j.writeDispute(ctx, d, "", fields)
}

// RecordResolution journals an adjudicator decision and its balance changes
func (j *Journal) RecordResolution(ctx context.Context, d *dispute.Dispute, from dispute.Status, changes []dispute.BalanceChange) {
	fields := logrus.Fields{"dispute_id": d.ID}
	j.recordStep(ctx, d, from, d.AdjudicatorID, d.Resolution, messaging.SubjectDisputeResolved, fields)

	for _, c := range changes {
		j.publish(ctx, messaging.SubjectBalanceChanged, c.EntityID, messaging.BalanceChangedEvent{
			ChangeID:      c.ID,
			DisputeID:     c.DisputeID,
			EntityType:    c.EntityType,
			EntityID:      c.EntityID,
			Direction:     string(c.Direction),
			Amount:        c.Amount.StringFixed(2),
			BalanceBefore: c.Before.StringFixed(2),
			BalanceAfter:  c.After.StringFixed(2),
			Reason:        c.Reason,
		}, fields)
	}
	j.writeDispute(ctx, d, "", fields)
}

func (j *Journal) recordStep(ctx context.Context, d *dispute.Dispute, from dispute.Status, actor, description, subject string, fields logrus.Fields) {
	if j.logs != nil {
		entry := ledger.DisputeLog{
			ID:          uuid.New(),
			DisputeID:   d.ID,
			From:        string(from),
			To:          string(d.Status),
			ActorID:     actor,
			Description: description,
			CreatedAt:   j.now(),
		}
		j.run(ctx, sinkLog, fields, func(ctx context.Context) error { return j.logs.InsertDisputeLog(ctx, entry) })
	}

	j.publish(ctx, subject, d.ID.String(), messaging.DisputeEvent{
		DisputeID:   d.ID,
		From:        string(from),
		To:          string(d.Status),
		ActorID:     actor,
		Description: description,
	}, fields)
}

func (j *Journal) writeDispute(ctx context.Context, d *dispute.Dispute, method string, fields logrus.Fields) {
	if j.metrics == nil {
		return
	}
	amount, _ := d.Amount.Float64()
	p := metrics.DisputePoint{Type: string(d.Type), Status: string(d.Status), Method: method, Amount: amount, At: j.now()}
	j.run(ctx, sinkMetrics, fields, func(ctx context.Context) error { return j.metrics.WriteDispute(ctx, p) })
}

func (j *Journal) publish(ctx context.Context, subject, aggregateID string, data interface{}, fields logrus.Fields) {
	if j.publisher == nil {
		return
	}
	j.run(ctx, sinkEvents, fields, func(ctx context.Context) error {
		return j.publisher.Publish(ctx, subject, aggregateID, data)
	})
}

func (j *Journal) run(ctx context.Context, sink string, fields logrus.Fields, fn func(ctx context.Context) error) {
	if err := j.breakers.Execute(ctx, sink, fn); err != nil {
		j.log.WithFields(fields).WithField("sink", sink).WithError(err).Warn("failed to journal")
	}
}

type candidateSummary struct {
	EndpointID   string              `json:"endpoint_id"`
	Bank         string              `json:"bank"`
	Match        string              `json:"match"`
	CircuitState string              `json:"circuit_state"`
	Rejected     string              `json:"rejected,omitempty"`
	Breakdown    selection.Breakdown `json:"breakdown"`
}

func breakdownJSON(d *selection.Decision) json.RawMessage {
	out := struct {
		Winner     *selection.Breakdown `json:"winner,omitempty"`
		Candidates []candidateSummary   `json:"candidates"`
	}{Candidates: make([]candidateSummary, 0, len(d.Candidates))}

	if d.Winner != nil {
		b := d.Winner.Breakdown
		out.Winner = &b
	}
	for _, c := range d.Candidates {
		out.Candidates = append(out.Candidates, candidateSummary{
			EndpointID:   c.Candidate.ID,
			Bank:         c.Candidate.Bank,
			Match:        string(c.Match),
			CircuitState: c.CircuitState.String(),
			Rejected:     string(c.Rejected),
			Breakdown:    c.Breakdown,
		})
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
