package dispute

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/settlegate/internal/apperror"
)

type memStore struct {
	mu          sync.Mutex
	disputes    map[uuid.UUID]Dispute
	balances    map[string]decimal.Decimal
	commissions map[string]decimal.Decimal
	changes     []BalanceChange
}

func newMemStore() *memStore {
	return &memStore{
		disputes:    make(map[uuid.UUID]Dispute),
		balances:    make(map[string]decimal.Decimal),
		commissions: make(map[string]decimal.Decimal),
	}
}

func (m *memStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = *d
	return nil
}

func (m *memStore) GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, apperror.NotFound("dispute %s not found", id)
	}
	return &d, nil
}

func (m *memStore) ListDisputes(ctx context.Context, status Status, limit int) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if d.Status == status && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) transition(id uuid.UUID, from, to Status) (Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return d, apperror.NotFound("dispute %s not found", id)
	}
	if d.Status != from || !CanTransition(from, to) {
		return d, apperror.InvalidTransition("dispute %s is %s", id, d.Status)
	}
	d.Status = to
	return d, nil
}

func (m *memStore) MarkRouted(ctx context.Context, id uuid.UUID, from Status, responsibleID string, method Method, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.transition(id, from, StatusRouted)
	if err != nil {
		return err
	}
	d.ResponsibleID = responsibleID
	d.RoutingMethod = method
	d.RoutedAt = &at
	m.disputes[id] = d
	return nil
}

func (m *memStore) MarkUnroutable(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.transition(id, StatusPending, StatusUnroutable)
	if err != nil {
		return err
	}
	d.ResponsibleID = ""
	m.disputes[id] = d
	return nil
}

func (m *memStore) RecordResponse(ctx context.Context, id uuid.UUID, r ResponseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.transition(id, r.From, r.To)
	if err != nil {
		return err
	}
	d.ResponseNote = r.Note
	d.ProofReference = r.ProofReference
	d.RespondedBy = r.ActorID
	d.RespondedAt = &r.At
	m.disputes[id] = d
	return nil
}

func (m *memStore) Settle(ctx context.Context, s Settlement) (*Dispute, []BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.transition(s.DisputeID, s.From, s.To)
	if err != nil {
		return nil, nil, err
	}

	changes := []BalanceChange{}
	if a := s.Adjustment; a != nil {
		bc := a.Apply(d.ID, m.balances[a.EntityID], s.At)
		m.balances[a.EntityID] = bc.After
		m.changes = append(m.changes, bc)
		changes = append(changes, bc)
	}

	d.AdjudicatorID = s.AdjudicatorID
	d.DecisionNote = s.Note
	d.Resolution = s.Resolution
	d.ResolvedAt = &s.At
	m.disputes[d.ID] = d
	return &d, changes, nil
}

func (m *memStore) CommissionRate(ctx context.Context, principalID string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.commissions[principalID]
	return r, ok, nil
}

func (m *memStore) changesFor(id uuid.UUID) []BalanceChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BalanceChange
	for _, c := range m.changes {
		if c.DisputeID == id {
			out = append(out, c)
		}
	}
	return out
}

type fakeDirectory struct {
	principals   map[string]bool
	standing     map[string][]HandleOwner
	transactions map[string]string
	utrs         map[string]string
	pool         map[string]string
	payouts      map[string]string
	orders       map[string]string
	err          error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		principals:   map[string]bool{},
		standing:     map[string][]HandleOwner{},
		transactions: map[string]string{},
		utrs:         map[string]string{},
		pool:         map[string]string{},
		payouts:      map[string]string{},
		orders:       map[string]string{},
	}
}

func (f *fakeDirectory) PrincipalExists(ctx context.Context, id string) (bool, error) {
	return f.principals[id], f.err
}

func (f *fakeDirectory) StandingOwners(ctx context.Context, handle string) ([]HandleOwner, error) {
	return f.standing[handle], f.err
}

func (f *fakeDirectory) TransactionOwner(ctx context.Context, id string) (string, error) {
	return f.transactions[id], f.err
}

func (f *fakeDirectory) TransactionOwnerByUTR(ctx context.Context, utr string) (string, error) {
	return f.utrs[utr], f.err
}

func (f *fakeDirectory) PoolOwner(ctx context.Context, handle string) (string, error) {
	return f.pool[handle], f.err
}

func (f *fakeDirectory) PayoutOwner(ctx context.Context, id string) (string, error) {
	return f.payouts[id], f.err
}

func (f *fakeDirectory) PayoutOwnerByOrderRef(ctx context.Context, ref string) (string, error) {
	return f.orders[ref], f.err
}

type fakeEvidence map[string]bool

func (f fakeEvidence) Exists(ctx context.Context, ref string) (bool, error) {
	return f[ref], nil
}

type captureRecorder struct {
	mu          sync.Mutex
	routes      []*Route
	responses   []string
	resolutions int
}

func (r *captureRecorder) RecordRouting(ctx context.Context, d *Dispute, route *Route) {
	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
}

func (r *captureRecorder) RecordResponse(ctx context.Context, d *Dispute, from Status, description string) {
	r.mu.Lock()
	r.responses = append(r.responses, description)
	r.mu.Unlock()
}

func (r *captureRecorder) RecordResolution(ctx context.Context, d *Dispute, from Status, changes []BalanceChange) {
	r.mu.Lock()
	r.resolutions++
	r.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
