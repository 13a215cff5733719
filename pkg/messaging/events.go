package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectSelectionDecided = "selection.decided"

	SubjectCircuitTransitioned = "circuit.transitioned"

	SubjectDisputeRouted     = "dispute.routed"
	SubjectDisputeUnroutable = "dispute.unroutable"
	SubjectDisputeResponded  = "dispute.responded"
	SubjectDisputeResolved   = "dispute.resolved"

	SubjectBalanceChanged = "ledger.balance_changed"
)

// Event is the envelope every published payload travels in
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     int             `json:"version"`
	Data        json.RawMessage `json:"data"`
	Metadata    EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	PrincipalID   string `json:"principal_id,omitempty"`
	Source        string `json:"source"`
}

// SelectionEvent summarises one endpoint selection
type SelectionEvent struct {
	RequestID    uuid.UUID `json:"request_id"`
	PrincipalID  string    `json:"principal_id"`
	Amount       string    `json:"amount"`
	Tier         string    `json:"tier"`
	Success      bool      `json:"success"`
	EndpointID   string    `json:"endpoint_id,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Score        float64   `json:"score,omitempty"`
	Attempts     int       `json:"attempts"`
	Reason       string    `json:"reason,omitempty"`
	BlockedBanks []string  `json:"blocked_banks,omitempty"`
}

// CircuitEvent reports a per-bank breaker transition
type CircuitEvent struct {
	Bank        string    `json:"bank"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	FailureRate float64   `json:"failure_rate"`
	At          time.Time `json:"at"`
}

// RoutingEvent reports the outcome of dispute routing
type RoutingEvent struct {
	DisputeID     uuid.UUID `json:"dispute_id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	Success       bool      `json:"success"`
	Method        string    `json:"method,omitempty"`
	ResponsibleID string    `json:"responsible_id,omitempty"`
	Detail        string    `json:"detail"`
}

// DisputeEvent reports a counter-party response or adjudicator decision
type DisputeEvent struct {
	DisputeID   uuid.UUID `json:"dispute_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ActorID     string    `json:"actor_id"`
	Description string    `json:"description"`
}

// BalanceChangedEvent mirrors one balance change record
type BalanceChangedEvent struct {
	ChangeID      uuid.UUID `json:"change_id"`
	DisputeID     uuid.UUID `json:"dispute_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Direction     string    `json:"direction"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	Reason        string    `json:"reason"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateID string, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Version:     1,
		Data:        dataBytes,
		Metadata:    metadata,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
