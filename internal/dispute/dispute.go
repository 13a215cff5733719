package dispute

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type distinguishes disputes over incoming payments from disputes over payouts
type Type string

const (
	TypeIncoming Type = "incoming"
	TypeOutgoing Type = "outgoing"
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeIncoming, TypeOutgoing:
		return t, nil
	default:
		return "", fmt.Errorf("unknown dispute type %q", s)
	}
}

// Status is the workflow position of a dispute
type Status string

const (
	StatusPending              Status = "pending"
	StatusRouted               Status = "routed"
	StatusCounterpartyAccepted Status = "counterparty_accepted"
	StatusCounterpartyRejected Status = "counterparty_rejected"
	StatusAdjudicatorApproved  Status = "adjudicator_approved"
	StatusAdjudicatorRejected  Status = "adjudicator_rejected"
	StatusUnroutable           Status = "unroutable"
)

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; ok || st.Terminal() {
		return st, nil
	}
	return "", fmt.Errorf("unknown dispute status %q", s)
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusAdjudicatorApproved || s == StatusAdjudicatorRejected
}

// Response is the responsible counter-party's answer
type Response string

const (
	ResponseAccept Response = "accept"
	ResponseReject Response = "reject"
)

func ParseResponse(s string) (Response, error) {
	switch r := Response(strings.ToLower(s)); r {
	case ResponseAccept, ResponseReject:
		return r, nil
	default:
		return "", fmt.Errorf("unknown response %q", s)
	}
}

// Decision is the adjudicator's final ruling
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(s)); d {
	case DecisionApprove, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// Method records how the responsible party was found
type Method string

const (
	MethodPreassigned    Method = "preassigned"
	MethodStandingMap    Method = "standing_mapping"
	MethodTransactionID  Method = "transaction_id"
	MethodUTR            Method = "utr"
	MethodPoolMapping    Method = "pool_mapping"
	MethodPayoutID       Method = "payout_id"
	MethodOrderReference Method = "order_reference"
	MethodManual         Method = "manual"
)

// Dispute is a contested transaction. Disputes are never deleted.
type Dispute struct {
	ID                   uuid.UUID       `json:"id"`
	Type                 Type            `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	ClaimantID           string          `json:"claimant_id"`
	ResponsibleID        string          `json:"responsible_id,omitempty"`
	PaymentHandle        string          `json:"payment_handle,omitempty"`
	OrderReference       string          `json:"order_reference,omitempty"`
	TransactionReference string          `json:"transaction_reference,omitempty"`
	Reason               string          `json:"reason"`
	EvidenceReference    string          `json:"evidence_reference,omitempty"`
	Status               Status          `json:"status"`
	RoutingMethod        Method          `json:"routing_method,omitempty"`
	ResponseNote         string          `json:"response_note,omitempty"`
	ProofReference       string          `json:"proof_reference,omitempty"`
	RespondedBy          string          `json:"responded_by,omitempty"`
	DecisionNote         string          `json:"decision_note,omitempty"`
	AdjudicatorID        string          `json:"adjudicator_id,omitempty"`
	Resolution           string          `json:"resolution,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	RoutedAt             *time.Time      `json:"routed_at,omitempty"`
	RespondedAt          *time.Time      `json:"responded_at,omitempty"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
}

// Direction of a balance change
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// EntityProvider is the entity type of a responsible counter-party's balance
const EntityProvider = "provider"

// BalanceChange is the immutable record of one balance movement
type BalanceChange struct {
	ID         uuid.UUID       `json:"id"`
	DisputeID  uuid.UUID       `json:"dispute_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Direction  Direction       `json:"direction"`
	Amount     decimal.Decimal `json:"amount"`
	Principal  decimal.Decimal `json:"principal"`
	Fee        decimal.Decimal `json:"fee"`
	Before     decimal.Decimal `json:"balance_before"`
	After      decimal.Decimal `json:"balance_after"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Adjustment is a balance movement planned by the settlement policy
type Adjustment struct {
	EntityType string
	EntityID   string
	Direction  Direction
	Amount     decimal.Decimal
	Principal  decimal.Decimal
	Fee        decimal.Decimal
	Reason     string
}

// Delta is the signed change the adjustment makes to a balance
func (a Adjustment) Delta() decimal.Decimal {
	if a.Direction == DirectionDebit {
		return a.Amount.Neg()
	}
	return a.Amount
}

// Apply produces the balance change record for a balance read under lock.
// Stores must persist exactly this record alongside the new balance.
func (a Adjustment) Apply(disputeID uuid.UUID, before decimal.Decimal, at time.Time) BalanceChange {
	return BalanceChange{
		ID:         uuid.New(),
		DisputeID:  disputeID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Direction:  a.Direction,
		Amount:     a.Amount,
		Principal:  a.Principal,
		Fee:        a.Fee,
		Before:     before,
		After:      before.Add(a.Delta()),
		Reason:     a.Reason,
		CreatedAt:  at,
	}
}
