package dispute

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/settlegate/internal/apperror"
	"github.com/terminal-bench/settlegate/internal/config"
)

// Store persists disputes. Every status change is conditional on the current
// status; a mismatch returns an InvalidTransition error and changes nothing.
type Store interface {
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error)
	ListDisputes(ctx context.Context, status Status, limit int) ([]Dispute, error)
	MarkRouted(ctx context.Context, id uuid.UUID, from Status, responsibleID string, method Method, at time.Time) error
	MarkUnroutable(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordResponse(ctx context.Context, id uuid.UUID, r ResponseUpdate) error
	// Settle applies the terminal status, the adjustment (if any) and its
	// balance change record in one atomic unit.
	Settle(ctx context.Context, s Settlement) (*Dispute, []BalanceChange, error)
	// CommissionRate returns the responsible party's payout commission rate
	// percentage; ok is false when unset.
	CommissionRate(ctx context.Context, principalID string) (rate decimal.Decimal, ok bool, err error)
}

// ResponseUpdate moves a routed dispute to a counter-party status
type ResponseUpdate struct {
	From           Status
	To             Status
	ActorID        string
	Note           string
	ProofReference string
	At             time.Time
}

// Settlement moves a responded dispute to its terminal status
type Settlement struct {
	DisputeID     uuid.UUID
	From          Status
	To            Status
	AdjudicatorID string
	Note          string
	Resolution    string
	Adjustment    *Adjustment
	At            time.Time
}

// EvidenceChecker confirms an uploaded proof object exists
type EvidenceChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// Recorder receives every routing attempt, response and resolution after it
// was persisted.
type Recorder interface {
	RecordRouting(ctx context.Context, d *Dispute, r *Route)
	RecordResponse(ctx context.Context, d *Dispute, from Status, description string)
	RecordResolution(ctx context.Context, d *Dispute, from Status, changes []BalanceChange)
}

type CreateRequest struct {
	Type                 Type
	Amount               decimal.Decimal
	ClaimantID           string
	ResponsibleID        string
	PaymentHandle        string
	OrderReference       string
	TransactionReference string
	Reason               string
	EvidenceReference    string
}

type RespondRequest struct {
	DisputeID      uuid.UUID
	ActorID        string
	Action         Response
	Note           string
	ProofReference string
}

type DecideRequest struct {
	DisputeID     uuid.UUID
	AdjudicatorID string
	Decision      Decision
	Note          string
}

type AssignRequest struct {
	DisputeID     uuid.UUID
	ResponsibleID string
	OperatorID    string
}

// Created is returned by Create; Route is nil when auto routing is disabled
type Created struct {
	Dispute *Dispute `json:"dispute"`
	Route   *Route   `json:"route,omitempty"`
}

type Responded struct {
	Dispute     *Dispute `json:"dispute"`
	Status      Status   `json:"status"`
	Description string   `json:"description"`
}

type Decided struct {
	Dispute    *Dispute        `json:"dispute"`
	Status     Status          `json:"status"`
	Resolution string          `json:"resolution"`
	Changes    []BalanceChange `json:"balance_changes"`
}

// Service runs the dispute workflow. Each call is one bounded request; no
// state is held between calls.
type Service struct {
	store    Store
	router   *Router
	dir      Directory
	evidence EvidenceChecker
	recorder Recorder
	log      *logrus.Entry
	now      func() time.Time
}

// NewService creates the workflow service. evidence and recorder may be nil.
func NewService(store Store, dir Directory, evidence EvidenceChecker, recorder Recorder, logger *logrus.Logger) *Service {
	return &Service{
		store:    store,
		router:   NewRouter(dir),
		dir:      dir,
		evidence: evidence,
		recorder: recorder,
		log:      logger.WithField("component", "dispute"),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create files a dispute and routes it synchronously when auto routing is
// enabled. A routing failure leaves the dispute unroutable and returns a
// RoutingFailure error alongside the created dispute.
func (s *Service) Create(ctx context.Context, req CreateRequest, settings config.Settings) (*Created, error) {
	if req.Type != TypeIncoming && req.Type != TypeOutgoing {
		return nil, apperror.Validation("dispute type must be incoming or outgoing")
	}
	if !req.Amount.IsPositive() {
		return nil, apperror.Validation("amount must be positive")
	}
	if strings.TrimSpace(req.ClaimantID) == "" {
		return nil, apperror.Validation("claimant is required")
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:                   uuid.New(),
		Type:                 req.Type,
		Amount:               req.Amount,
		ClaimantID:           req.ClaimantID,
		ResponsibleID:        strings.TrimSpace(req.ResponsibleID),
		PaymentHandle:        strings.TrimSpace(req.PaymentHandle),
		OrderReference:       strings.TrimSpace(req.OrderReference),
		TransactionReference: strings.TrimSpace(req.TransactionReference),
		Reason:               req.Reason,
		EvidenceReference:    req.EvidenceReference,
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, apperror.Internal(err, "failed to create dispute")
	}

	out := &Created{Dispute: d}
	if !settings.Flags.EnableAutoRoute {
		return out, nil
	}

	route, routeErr := s.router.Route(ctx, d)
	if routeErr != nil {
		s.log.WithError(routeErr).WithField("dispute_id", d.ID).Error("routing lookup failed")
	}
	out.Route = route

	// A lookup failure parks the dispute in the operator queue like an
	// unmatched one
	if routeErr != nil || !route.Success {
		if err := s.store.MarkUnroutable(ctx, d.ID, now); err != nil {
			return out, apperror.Internal(err, "failed to mark dispute unroutable")
		}
		d.Status = StatusUnroutable
		d.ResponsibleID = ""
		s.record(func(r Recorder) { r.RecordRouting(ctx, d, route) })
		if routeErr != nil {
			return out, apperror.Wrap(apperror.KindRoutingFailure, routeErr, "%s", route.Detail)
		}
		return out, apperror.New(apperror.KindRoutingFailure, "%s", route.Detail)
	}

	if err := s.store.MarkRouted(ctx, d.ID, StatusPending, route.ResponsibleID, route.Method, now); err != nil {
		return out, err
	}
	d.Status = StatusRouted
	d.ResponsibleID = route.ResponsibleID
	d.RoutingMethod = route.Method
	d.RoutedAt = &now
	s.record(func(r Recorder) { r.RecordRouting(ctx, d, route) })
	return out, nil
}

// Respond records the responsible counter-party's answer. No balance moves.
func (s *Service) Respond(ctx context.Context, req RespondRequest) (*Responded, error) {
	if req.Action != ResponseAccept && req.Action != ResponseReject {
		return nil, apperror.Validation("action must be accept or reject")
	}

	d, err := s.store.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}

	to := AfterResponse(req.Action)
	if !CanTransition(d.Status, to) {
		return nil, apperror.InvalidTransition("dispute %s is %s and cannot take a counter-party response", d.ID, d.Status)
	}
	if req.ActorID != d.ResponsibleID {
		return nil, apperror.New(apperror.KindForbidden, "only the responsible party may respond to dispute %s", d.ID)
	}

	if d.Type == TypeOutgoing && req.Action == ResponseReject {
		if err := s.checkProof(ctx, req.ProofReference); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	from := d.Status
	update := ResponseUpdate{
		From:           from,
		To:             to,
		ActorID:        req.ActorID,
		Note:           req.Note,
		ProofReference: req.ProofReference,
		At:             now,
	}
	if err := s.store.RecordResponse(ctx, d.ID, update); err != nil {
		return nil, err
	}

	d.Status = to
	d.ResponseNote = req.Note
	d.ProofReference = req.ProofReference
	d.RespondedBy = req.ActorID
	d.RespondedAt = &now
	d.UpdatedAt = now

	description := DescribeResponse(d.Type, req.Action)
	s.record(func(r Recorder) { r.RecordResponse(ctx, d, from, description) })
	return &Responded{Dispute: d, Status: to, Description: description}, nil
}

func (s *Service) checkProof(ctx context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return apperror.Validation("a proof reference is required to reject an outgoing dispute")
	}
	if s.evidence == nil {
		return nil
	}
	ok, err := s.evidence.Exists(ctx, ref)
	if err != nil {
		return apperror.Internal(err, "failed to verify proof %s", ref)
	}
	if !ok {
		return apperror.Validation("proof %s has not been uploaded", ref)
	}
	return nil
}

// Decide applies the adjudicator's ruling. This is the only operation that
// moves balances; it produces at most one balance change and a second call
// for the same dispute returns InvalidTransition.
func (s *Service) Decide(ctx context.Context, req DecideRequest, settings config.Settings) (*Decided, error) {
	if req.Decision != DecisionApprove && req.Decision != DecisionReject {
		return nil, apperror.Validation("decision must be approve or reject")
	}
	if strings.TrimSpace(req.AdjudicatorID) == "" {
		return nil, apperror.Validation("adjudicator is required")
	}

	d, err := s.store.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}

	to := AfterDecision(req.Decision)
	if !CanTransition(d.Status, to) {
		return nil, apperror.InvalidTransition("dispute %s is %s and cannot be resolved", d.ID, d.Status)
	}

	rate := settings.DefaultCommissionRate
	if d.Type == TypeOutgoing {
		custom, ok, err := s.store.CommissionRate(ctx, d.ResponsibleID)
		if err != nil {
			return nil, apperror.Internal(err, "failed to load commission rate")
		}
		if ok {
			rate = custom
		}
	}

	plan, err := Plan(d, req.Decision, rate)
	if err != nil {
		return nil, apperror.InvalidTransition("%s", err.Error())
	}

	from := d.Status
	settled, changes, err := s.store.Settle(ctx, Settlement{
		DisputeID:     d.ID,
		From:          from,
		To:            plan.Status,
		AdjudicatorID: req.AdjudicatorID,
		Note:          req.Note,
		Resolution:    plan.Summary,
		Adjustment:    plan.Adjustment,
		At:            s.now().UTC(),
	})
	if err != nil {
		if !apperror.Is(err, apperror.KindInvalidTransition) {
			s.log.WithError(err).WithField("dispute_id", d.ID).Error("settlement failed")
		}
		return nil, err
	}

	s.record(func(r Recorder) { r.RecordResolution(ctx, settled, from, changes) })
	return &Decided{Dispute: settled, Status: settled.Status, Resolution: plan.Summary, Changes: changes}, nil
}

// Assign manually routes a pending or unroutable dispute to a verified party
func (s *Service) Assign(ctx context.Context, req AssignRequest) (*Dispute, error) {
	responsible := strings.TrimSpace(req.ResponsibleID)
	if responsible == "" {
		return nil, apperror.Validation("responsible party is required")
	}

	d, err := s.store.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(d.Status, StatusRouted) {
		return nil, apperror.InvalidTransition("dispute %s is %s and cannot be assigned", d.ID, d.Status)
	}

	ok, err := s.dir.PrincipalExists(ctx, responsible)
	if err != nil {
		return nil, apperror.Internal(err, "failed to verify principal")
	}
	if !ok {
		return nil, apperror.NotFound("principal %s not found", responsible)
	}

	now := s.now().UTC()
	if err := s.store.MarkRouted(ctx, d.ID, d.Status, responsible, MethodManual, now); err != nil {
		return nil, err
	}
	d.Status = StatusRouted
	d.ResponsibleID = responsible
	d.RoutingMethod = MethodManual
	d.RoutedAt = &now
	d.UpdatedAt = now

	route := &Route{
		Success:       true,
		ResponsibleID: responsible,
		Method:        MethodManual,
		Detail:        "assigned by operator " + req.OperatorID,
		Steps:         []Step{{Method: MethodManual, Matched: true, Note: "operator assignment"}},
	}
	s.record(func(r Recorder) { r.RecordRouting(ctx, d, route) })
	return d, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// Unroutable lists the operator queue of disputes awaiting manual assignment
func (s *Service) Unroutable(ctx context.Context, limit int) ([]Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out, err := s.store.ListDisputes(ctx, StatusUnroutable, limit)
	if err != nil {
		return nil, apperror.Internal(err, "failed to list unroutable disputes")
	}
	return out, nil
}

func (s *Service) record(fn func(Recorder)) {
	if s.recorder != nil {
		fn(s.recorder)
	}
}
