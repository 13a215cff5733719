package selection

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/settlegate/internal/apperror"
	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/pkg/circuit"
)

// Failure codes carried by NoEligibleCandidate and capacity errors
const (
	ReasonNoActiveCandidates = "no_active_candidates"
	ReasonAllCircuitsOpen    = "all_circuits_open"
	ReasonNoTierCompatible   = "no_tier_compatible"
	ReasonCapacityConflict   = "capacity_conflict"
)

// CandidateStore reads the endpoint pool and guards daily capacity
type CandidateStore interface {
	// ActiveCandidates returns active endpoints whose provider is active
	ActiveCandidates(ctx context.Context) ([]Candidate, error)
	// ReserveVolume atomically adds amount to the endpoint's used volume. It
	// reports false without changing anything when the daily limit would be
	// exceeded.
	ReserveVolume(ctx context.Context, endpointID string, amount decimal.Decimal) (bool, error)
}

// CircuitTracker is satisfied by *circuit.Tracker
type CircuitTracker interface {
	Refresh(ctx context.Context, cfg circuit.Config) (*circuit.Snapshot, []circuit.Transition, error)
	ConsumeTestAttempt(ctx context.Context, snap *circuit.Snapshot, bank string) error
}

// Recorder receives every selection decision and circuit transition after the
// fact. Implementations must not block the caller for long.
type Recorder interface {
	RecordSelection(ctx context.Context, d *Decision)
	RecordTransitions(ctx context.Context, ts []circuit.Transition)
}

// Request asks for one endpoint to show a payer
type Request struct {
	RequestID   uuid.UUID
	Amount      decimal.Decimal
	PrincipalID string
}

// Result is the outcome returned to callers
type Result struct {
	Success        bool    `json:"success"`
	EndpointID     string  `json:"endpoint_id,omitempty"`
	HolderName     string  `json:"holder_name,omitempty"`
	ProviderID     string  `json:"provider_id,omitempty"`
	ProviderName   string  `json:"provider_name,omitempty"`
	Score          float64 `json:"score,omitempty"`
	Attempts       int     `json:"attempts,omitempty"`
	Tier           Tier    `json:"tier,omitempty"`
	CircuitSummary string  `json:"circuit_status_summary,omitempty"`
	Error          string  `json:"error,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Decision is the audit record of one selection
type Decision struct {
	RequestID    uuid.UUID       `json:"request_id"`
	PrincipalID  string          `json:"principal_id"`
	Amount       decimal.Decimal `json:"amount"`
	Tier         Tier            `json:"tier"`
	WeightSet    string          `json:"weight_set"`
	Success      bool            `json:"success"`
	Winner       *Scored         `json:"winner,omitempty"`
	Attempts     int             `json:"attempts"`
	Reason       string          `json:"reason,omitempty"`
	BlockedBanks []string        `json:"blocked_banks,omitempty"`
	Candidates   []Scored        `json:"candidates"`
	DecidedAt    time.Time       `json:"decided_at"`
}

// Engine picks one endpoint per payment request. It keeps no state between
// calls apart from its random source.
type Engine struct {
	store    CandidateStore
	tracker  CircuitTracker
	recorder Recorder
	log      *logrus.Entry
	now      func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEngine creates a selection engine. recorder may be nil.
func NewEngine(store CandidateStore, tracker CircuitTracker, recorder Recorder, logger *logrus.Logger) *Engine {
	return &Engine{
		store:    store,
		tracker:  tracker,
		recorder: recorder,
		log:      logger.WithField("component", "selection"),
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the random source
func (e *Engine) WithRand(r *rand.Rand) *Engine {
	e.rnd = r
	return e
}

// WithClock overrides the time source used for cooldown scoring
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Select runs the full selection pipeline. The returned Result is always
// non-nil; err is an *apperror.Error when Success is false.
func (e *Engine) Select(ctx context.Context, req Request, s config.Settings) (*Result, error) {
	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}
	if !req.Amount.IsPositive() {
		err := apperror.Validation("amount must be positive")
		return &Result{Error: err.Message, Reason: err.Code}, err
	}

	tier := ClassifyTier(req.Amount)
	decision := &Decision{
		RequestID:   req.RequestID,
		PrincipalID: req.PrincipalID,
		Amount:      req.Amount,
		Tier:        tier,
		WeightSet:   s.WeightSet,
	}

	var (
		pool        []Candidate
		snap        *circuit.Snapshot
		transitions []circuit.Transition
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pool, err = e.store.ActiveCandidates(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		snap, transitions, err = e.tracker.Refresh(gctx, s.Circuit)
		return err
	})
	if err := g.Wait(); err != nil {
		e.log.WithError(err).Error("failed to load selection inputs")
		res, appErr := e.fail(decision, apperror.Internal(err, "failed to load selection inputs"))
		res.Tier = tier
		decision.DecidedAt = e.now()
		if s.Flags.EnableLogging && e.recorder != nil {
			e.recorder.RecordSelection(ctx, decision)
		}
		return res, appErr
	}
	if len(transitions) > 0 && e.recorder != nil {
		e.recorder.RecordTransitions(ctx, transitions)
	}

	decision.BlockedBanks = snap.Blocked()
	summary := snap.Summary()
	now := e.now()

	res, err := e.choose(ctx, req, tier, pool, snap, now, s, decision)
	res.Tier = tier
	res.CircuitSummary = summary

	decision.DecidedAt = now
	if s.Flags.EnableLogging && e.recorder != nil {
		e.recorder.RecordSelection(ctx, decision)
	}
	return res, err
}

func (e *Engine) choose(ctx context.Context, req Request, tier Tier, pool []Candidate, snap *circuit.Snapshot, now time.Time, s config.Settings, d *Decision) (*Result, error) {
	if len(pool) == 0 {
		return e.fail(d, apperror.WithCode(apperror.KindNoEligibleCandidate, ReasonNoActiveCandidates, "no active collection endpoints"))
	}

	var survivors []Scored
	circuitBlocked := 0
	d.Candidates = make([]Scored, 0, len(pool))
	for _, c := range pool {
		sc := Assess(c, req.Amount, tier, snap.IsAvailable(c.Bank), now, s)
		d.Candidates = append(d.Candidates, sc)
		switch {
		case sc.Rejected == RejectCircuit:
			circuitBlocked++
		case sc.Rejected == "":
			survivors = append(survivors, sc)
		}
	}

	if len(survivors) == 0 {
		if circuitBlocked == len(pool) {
			return e.fail(d, apperror.WithCode(apperror.KindNoEligibleCandidate, ReasonAllCircuitsOpen, "every candidate bank circuit is open"))
		}
		return e.fail(d, apperror.WithCode(apperror.KindNoEligibleCandidate, ReasonNoTierCompatible, "no tier-compatible candidate above the minimum score"))
	}

	shortlist := Shortlist(survivors, s.Selection.ShortlistSize)
	maxAttempts := s.Selection.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > len(shortlist) {
		maxAttempts = len(shortlist)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		idx := 0
		if attempt == 1 {
			idx = e.pick(shortlist)
		}
		winner := shortlist[idx]
		d.Attempts = attempt

		ok, err := e.store.ReserveVolume(ctx, winner.Candidate.ID, req.Amount)
		if err != nil {
			e.log.WithError(err).WithField("endpoint_id", winner.Candidate.ID).Error("failed to reserve volume")
			return e.fail(d, apperror.Internal(err, "failed to reserve endpoint volume"))
		}
		if !ok {
			e.log.WithFields(logrus.Fields{"endpoint_id": winner.Candidate.ID, "attempt": attempt}).Info("capacity conflict, trying next candidate")
			shortlist = append(shortlist[:idx:idx], shortlist[idx+1:]...)
			continue
		}

		if winner.CircuitState == circuit.StateHalfOpen {
			if err := e.tracker.ConsumeTestAttempt(ctx, snap, winner.Candidate.Bank); err != nil {
				e.log.WithError(err).WithField("bank", winner.Candidate.Bank).Warn("failed to persist half-open test attempt")
			}
		}

		d.Success = true
		d.Winner = &winner
		c := winner.Candidate
		return &Result{
			Success:      true,
			EndpointID:   c.ID,
			HolderName:   c.HolderName,
			ProviderID:   c.ProviderID,
			ProviderName: c.ProviderName,
			Score:        winner.Score(),
			Attempts:     attempt,
		}, nil
	}

	return e.fail(d, apperror.WithCode(apperror.KindConcurrentCapacityViolation, ReasonCapacityConflict, "capacity exhausted on %d attempts", d.Attempts))
}

func (e *Engine) fail(d *Decision, err *apperror.Error) (*Result, error) {
	d.Success = false
	d.Reason = err.Code
	return &Result{
		Attempts: d.Attempts,
		Error:    "no payment method currently available, try again shortly",
		Reason:   err.Code,
	}, err
}

// pick draws an index with probability proportional to score squared
func (e *Engine) pick(list []Scored) int {
	var total float64
	for _, s := range list {
		total += s.Score() * s.Score()
	}
	if total <= 0 {
		return 0
	}

	e.mu.Lock()
	r := e.rnd.Float64() * total
	e.mu.Unlock()

	for i, s := range list {
		r -= s.Score() * s.Score()
		if r < 0 {
			return i
		}
	}
	return len(list) - 1
}

// Shortlist keeps exact tier matches when there are any, orders by score
// descending and truncates to size.
func Shortlist(survivors []Scored, size int) []Scored {
	var exact []Scored
	for _, s := range survivors {
		if s.Match == CompatExact {
			exact = append(exact, s)
		}
	}
	out := survivors
	if len(exact) > 0 {
		out = exact
	}
	out = append([]Scored(nil), out...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		return out[i].Candidate.ID < out[j].Candidate.ID
	})
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out
}
