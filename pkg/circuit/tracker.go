package circuit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists breaker records and exposes the trailing transaction outcomes
// they are computed from.
type Store interface {
	LoadCircuits(ctx context.Context) (map[string]Record, error)
	// UpsertCircuits writes records keyed by bank, applying Reconcile against
	// the stored row, and returns what was persisted.
	UpsertCircuits(ctx context.Context, records []Record) ([]Record, error)
	BankOutcomes(ctx context.Context, since time.Time) ([]Outcome, error)
	IncrementTestAttempt(ctx context.Context, bank string) error
}

// Transition is a state change produced by one refresh
type Transition struct {
	Bank string
	From State
	To   State
	Rate float64
	At   time.Time
}

// Availability answers whether new traffic may be routed to a bank
type Availability struct {
	Available bool   `json:"available"`
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// Snapshot is the freshly evaluated breaker state for all known banks.
// Queries against it perform no I/O.
type Snapshot struct {
	cfg     Config
	records map[string]Record

	mu       sync.Mutex
	consumed map[string]int
}

// NewSnapshot builds a snapshot from already evaluated records
func NewSnapshot(cfg Config, records []Record) *Snapshot {
	s := &Snapshot{
		cfg:      cfg,
		records:  make(map[string]Record, len(records)),
		consumed: make(map[string]int),
	}
	for _, r := range records {
		s.records[r.Bank] = r
	}
	return s
}

// IsAvailable reports whether a bank may receive traffic. Banks never observed
// are Closed.
func (s *Snapshot) IsAvailable(bank string) Availability {
	r, ok := s.records[bank]
	if !ok {
		return Availability{Available: true, State: StateClosed}
	}

	switch r.State {
	case StateOpen:
		return Availability{State: StateOpen, Reason: fmt.Sprintf("circuit open for %s (failure rate %.0f%%)", bank, r.FailureRate*100)}
	case StateHalfOpen:
		s.mu.Lock()
		used := r.TestAttempts + s.consumed[bank]
		s.mu.Unlock()
		if used >= s.cfg.HalfOpenMax {
			return Availability{State: StateHalfOpen, Reason: fmt.Sprintf("half-open test budget exhausted for %s", bank)}
		}
		return Availability{Available: true, State: StateHalfOpen}
	default:
		return Availability{Available: true, State: StateClosed}
	}
}

// Record returns the evaluated record for a bank
func (s *Snapshot) Record(bank string) (Record, bool) {
	r, ok := s.records[bank]
	return r, ok
}

// Records returns all records sorted by bank name
func (s *Snapshot) Records() []Record {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bank < out[j].Bank })
	return out
}

// Blocked returns the banks that currently refuse traffic, sorted
func (s *Snapshot) Blocked() []string {
	var out []string
	for bank := range s.records {
		if !s.IsAvailable(bank).Available {
			out = append(out, bank)
		}
	}
	sort.Strings(out)
	return out
}

// Summary is a one-line human readable description of blocked banks
func (s *Snapshot) Summary() string {
	blocked := s.Blocked()
	if len(blocked) == 0 {
		return fmt.Sprintf("all %d banks healthy", len(s.records))
	}
	return fmt.Sprintf("%d of %d banks blocked: %s", len(blocked), len(s.records), strings.Join(blocked, ", "))
}

func (s *Snapshot) consume(bank string) {
	s.mu.Lock()
	s.consumed[bank]++
	s.mu.Unlock()
}

// Tracker evaluates breaker state per bank on every invocation. It holds no
// state between calls; the Store carries the breaker memory.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates a tracker
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// WithClock overrides the time source
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Refresh loads the stored records and trailing outcomes, evaluates every
// known bank and upserts the full result set.
func (t *Tracker) Refresh(ctx context.Context, cfg Config) (*Snapshot, []Transition, error) {
	now := t.now()

	prev, err := t.store.LoadCircuits(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load circuits: %w", err)
	}

	outcomes, err := t.store.BankOutcomes(ctx, now.Add(-cfg.Window))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bank outcomes: %w", err)
	}

	banks := make(map[string]struct{}, len(prev))
	for bank := range prev {
		banks[bank] = struct{}{}
	}
	for _, o := range outcomes {
		banks[o.Bank] = struct{}{}
	}

	records := make([]Record, 0, len(banks))
	var transitions []Transition
	for bank := range banks {
		p := prev[bank]
		next := Evaluate(p, bank, outcomes, now, cfg)
		if next.State != p.State {
			transitions = append(transitions, Transition{Bank: bank, From: p.State, To: next.State, Rate: next.FailureRate, At: now})
		}
		records = append(records, next)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Bank < records[j].Bank })

	if len(records) > 0 {
		if records, err = t.store.UpsertCircuits(ctx, records); err != nil {
			return nil, nil, fmt.Errorf("failed to persist circuits: %w", err)
		}
	}

	return NewSnapshot(cfg, records), transitions, nil
}

// ConsumeTestAttempt records that a HalfOpen bank was tried. The attempt is
// persisted immediately and counted against the snapshot's budget.
func (t *Tracker) ConsumeTestAttempt(ctx context.Context, snap *Snapshot, bank string) error {
	if err := t.store.IncrementTestAttempt(ctx, bank); err != nil {
		return fmt.Errorf("failed to consume test attempt for %s: %w", bank, err)
	}
	snap.consume(bank)
	return nil
}
