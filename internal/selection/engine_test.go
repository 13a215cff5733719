package selection

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/settlegate/internal/apperror"
	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/pkg/circuit"
)

type fakePool struct {
	mu         sync.Mutex
	candidates map[string]*Candidate
	order      []string
	conflicts  map[string]bool
	reserved   []string
}

func newFakePool(cs ...Candidate) *fakePool {
	p := &fakePool{candidates: make(map[string]*Candidate), conflicts: make(map[string]bool)}
	for i := range cs {
		c := cs[i]
		p.candidates[c.ID] = &c
		p.order = append(p.order, c.ID)
	}
	return p
}

func (p *fakePool) ActiveCandidates(ctx context.Context) ([]Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Candidate, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.candidates[id])
	}
	return out, nil
}

func (p *fakePool) ReserveVolume(ctx context.Context, id string, amount decimal.Decimal) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candidates[id]
	if !ok {
		return false, errors.New("unknown endpoint")
	}
	if p.conflicts[id] || c.DailyVolumeUsed.Add(amount).GreaterThan(c.DailyLimit) {
		return false, nil
	}
	c.DailyVolumeUsed = c.DailyVolumeUsed.Add(amount)
	p.reserved = append(p.reserved, id)
	return true, nil
}

func (p *fakePool) used(id string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.candidates[id].DailyVolumeUsed
}

type fakeCircuits struct {
	mu       sync.Mutex
	records  map[string]circuit.Record
	outcomes []circuit.Outcome
	loadErr  error
}

func newFakeCircuits() *fakeCircuits {
	return &fakeCircuits{records: make(map[string]circuit.Record)}
}

func (f *fakeCircuits) LoadCircuits(ctx context.Context) (map[string]circuit.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make(map[string]circuit.Record, len(f.records))
	for k, v := range f.records {
		out[k] = v
	}
	return out, nil
}

func (f *fakeCircuits) UpsertCircuits(ctx context.Context, records []circuit.Record) ([]circuit.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]circuit.Record, 0, len(records))
	for _, r := range records {
		if stored, ok := f.records[r.Bank]; ok {
			r = circuit.Reconcile(stored, r)
		}
		f.records[r.Bank] = r
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeCircuits) BankOutcomes(ctx context.Context, since time.Time) ([]circuit.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]circuit.Outcome(nil), f.outcomes...), nil
}

func (f *fakeCircuits) IncrementTestAttempt(ctx context.Context, bank string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[bank]
	r.TestAttempts++
	f.records[bank] = r
	return nil
}

type captureRecorder struct {
	mu          sync.Mutex
	decisions   []*Decision
	transitions []circuit.Transition
}

func (r *captureRecorder) RecordSelection(ctx context.Context, d *Decision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
}

func (r *captureRecorder) RecordTransitions(ctx context.Context, ts []circuit.Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, ts...)
	r.mu.Unlock()
}

func (r *captureRecorder) last() *Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decisions[len(r.decisions)-1]
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEngine(pool *fakePool, circuits *fakeCircuits, rec *captureRecorder) *Engine {
	tracker := circuit.NewTracker(circuits)
	return NewEngine(pool, tracker, rec, quietLogger()).WithRand(rand.New(rand.NewSource(7)))
}

func request(amount string) Request {
	return Request{Amount: amt(amount), PrincipalID: "merchant-1"}
}

func TestSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the winner with an audit record", func(t *testing.T) {
		pool := newFakePool(candidate("ep-1", "HDFC", TierSmall))
		rec := &captureRecorder{}
		e := newEngine(pool, newFakeCircuits(), rec)

		res, err := e.Select(ctx, request("2500"), config.Defaults())
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, "ep-1", res.EndpointID)
		assert.Equal(t, "Holder ep-1", res.HolderName)
		assert.Equal(t, "prov-ep-1", res.ProviderID)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, TierSmall, res.Tier)
		assert.Equal(t, "all 0 banks healthy", res.CircuitSummary)
		assert.True(t, pool.used("ep-1").Equal(amt("2500")))

		d := rec.last()
		assert.True(t, d.Success)
		assert.Len(t, d.Candidates, 1)
		assert.Equal(t, "ep-1", d.Winner.Candidate.ID)
	})

	t.Run("should report an empty pool", func(t *testing.T) {
		e := newEngine(newFakePool(), newFakeCircuits(), &captureRecorder{})

		res, err := e.Select(ctx, request("100"), config.Defaults())
		require.Error(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonNoActiveCandidates, res.Reason)
		assert.True(t, apperror.Is(err, apperror.KindNoEligibleCandidate))
	})

	t.Run("should journal selections that fail to load their inputs", func(t *testing.T) {
		circuits := newFakeCircuits()
		circuits.loadErr = errors.New("db down")
		rec := &captureRecorder{}
		e := newEngine(newFakePool(candidate("ep-1", "HDFC", TierSmall)), circuits, rec)

		res, err := e.Select(ctx, request("2500"), config.Defaults())
		require.Error(t, err)
		assert.True(t, apperror.Is(err, apperror.KindInternal))
		assert.False(t, res.Success)
		assert.Equal(t, TierSmall, res.Tier)

		require.Len(t, rec.decisions, 1)
		d := rec.last()
		assert.False(t, d.Success)
		assert.Equal(t, string(apperror.KindInternal), d.Reason)
		assert.Equal(t, TierSmall, d.Tier)
		assert.Nil(t, d.Winner)
	})

	t.Run("should reject non positive amounts", func(t *testing.T) {
		e := newEngine(newFakePool(), newFakeCircuits(), &captureRecorder{})

		_, err := e.Select(ctx, request("0"), config.Defaults())
		assert.True(t, apperror.Is(err, apperror.KindValidation))
	})

	t.Run("should refuse a large amount with only mismatched tiers", func(t *testing.T) {
		pool := newFakePool(
			candidate("ep-1", "HDFC", TierSmall),
			candidate("ep-2", "ICICI", TierSmall),
		)
		rec := &captureRecorder{}
		e := newEngine(pool, newFakeCircuits(), rec)

		res, err := e.Select(ctx, request("60000"), config.Defaults())
		require.Error(t, err)

		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.KindNoEligibleCandidate, appErr.Kind)
		assert.Equal(t, ReasonNoTierCompatible, appErr.Code)
		assert.Equal(t, TierXLarge, res.Tier)
		assert.Empty(t, pool.reserved)

		d := rec.last()
		assert.False(t, d.Success)
		for _, c := range d.Candidates {
			assert.Equal(t, RejectTier, c.Rejected)
		}
	})

	t.Run("should exclude a bank whose circuit trips", func(t *testing.T) {
		circuits := newFakeCircuits()
		at := time.Now().Add(-time.Minute)
		for i := 0; i < 6; i++ {
			circuits.outcomes = append(circuits.outcomes, circuit.Outcome{Bank: "X", Failed: i < 4, At: at})
		}
		rec := &captureRecorder{}

		onlyX := newEngine(newFakePool(candidate("ep-1", "X", TierSmall), candidate("ep-2", "X", TierSmall)), circuits, rec)
		res, err := onlyX.Select(ctx, request("2000"), config.Defaults())
		require.Error(t, err)
		assert.Equal(t, ReasonAllCircuitsOpen, res.Reason)
		assert.Equal(t, "1 of 1 banks blocked: X", res.CircuitSummary)
		require.Len(t, rec.transitions, 1)
		assert.Equal(t, circuit.StateClosed, rec.transitions[0].From)
		assert.Equal(t, circuit.StateOpen, rec.transitions[0].To)

		mixed := newEngine(newFakePool(candidate("ep-1", "X", TierSmall), candidate("ep-3", "Y", TierSmall)), circuits, rec)
		for i := 0; i < 10; i++ {
			res, err = mixed.Select(ctx, request("2000"), config.Defaults())
			require.NoError(t, err)
			assert.Equal(t, "ep-3", res.EndpointID)
		}
	})

	t.Run("should never return a mismatched tier for large amounts", func(t *testing.T) {
		weak := candidate("ep-large", "HDFC", TierLarge)
		weak.SuccessRate = 40
		pool := newFakePool(candidate("ep-small", "HDFC", TierSmall), weak)
		e := newEngine(pool, newFakeCircuits(), &captureRecorder{})

		for i := 0; i < 20; i++ {
			res, err := e.Select(ctx, request("20000"), config.Defaults())
			require.NoError(t, err)
			assert.Equal(t, "ep-large", res.EndpointID)
		}
	})

	t.Run("should prefer exact tier matches over higher scored neighbours", func(t *testing.T) {
		exact := candidate("ep-exact", "HDFC", TierSmall)
		exact.SuccessRate = 50
		pool := newFakePool(exact, candidate("ep-adjacent", "HDFC", TierMedium))
		e := newEngine(pool, newFakeCircuits(), &captureRecorder{})

		for i := 0; i < 20; i++ {
			res, err := e.Select(ctx, request("3000"), config.Defaults())
			require.NoError(t, err)
			assert.Equal(t, "ep-exact", res.EndpointID)
		}
	})

	t.Run("should move to the next candidate on a capacity conflict", func(t *testing.T) {
		pool := newFakePool(candidate("ep-1", "HDFC", TierSmall), candidate("ep-2", "HDFC", TierSmall))
		pool.conflicts["ep-1"] = true
		e := newEngine(pool, newFakeCircuits(), &captureRecorder{})

		for i := 0; i < 5; i++ {
			res, err := e.Select(ctx, request("2000"), config.Defaults())
			require.NoError(t, err)
			assert.Equal(t, "ep-2", res.EndpointID)
			assert.LessOrEqual(t, res.Attempts, 2)
		}
		assert.NotContains(t, pool.reserved, "ep-1")
	})

	t.Run("should stop after the attempt bound", func(t *testing.T) {
		var cs []Candidate
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			cs = append(cs, candidate(id, "HDFC", TierSmall))
		}
		pool := newFakePool(cs...)
		for _, c := range cs {
			pool.conflicts[c.ID] = true
		}
		e := newEngine(pool, newFakeCircuits(), &captureRecorder{})

		res, err := e.Select(ctx, request("2000"), config.Defaults())
		require.Error(t, err)
		assert.True(t, apperror.Is(err, apperror.KindConcurrentCapacityViolation))
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, ReasonCapacityConflict, res.Reason)
	})

	t.Run("should never push an endpoint over its daily limit", func(t *testing.T) {
		a := candidate("ep-a", "HDFC", TierSmall)
		a.DailyLimit = amt("10000")
		b := candidate("ep-b", "ICICI", TierSmall)
		b.DailyLimit = amt("10000")
		pool := newFakePool(a, b)
		e := newEngine(pool, newFakeCircuits(), &captureRecorder{})

		var wins int
		for i := 0; i < 10; i++ {
			res, err := e.Select(ctx, request("4000"), config.Defaults())
			if err == nil {
				wins++
				assert.True(t, res.Success)
			} else {
				assert.True(t, apperror.Is(err, apperror.KindNoEligibleCandidate))
			}
		}

		assert.Equal(t, 4, wins)
		assert.True(t, pool.used("ep-a").LessThanOrEqual(a.DailyLimit))
		assert.True(t, pool.used("ep-b").LessThanOrEqual(b.DailyLimit))
	})

	t.Run("should consume the half-open test budget", func(t *testing.T) {
		circuits := newFakeCircuits()
		halfOpenAt := time.Now().Add(-time.Minute)
		circuits.records["H"] = circuit.Record{Bank: "H", State: circuit.StateHalfOpen, HalfOpenAt: &halfOpenAt}
		pool := newFakePool(candidate("ep-h", "H", TierSmall))
		e := newEngine(pool, circuits, &captureRecorder{})

		for i := 0; i < 2; i++ {
			res, err := e.Select(ctx, request("1500"), config.Defaults())
			require.NoError(t, err)
			assert.InDelta(t, 93, res.Score, 1e-9)
		}
		assert.Equal(t, 2, circuits.records["H"].TestAttempts)

		res, err := e.Select(ctx, request("1500"), config.Defaults())
		require.Error(t, err)
		assert.Equal(t, ReasonAllCircuitsOpen, res.Reason)
	})

	t.Run("should skip the audit record when logging is disabled", func(t *testing.T) {
		rec := &captureRecorder{}
		e := newEngine(newFakePool(candidate("ep-1", "HDFC", TierSmall)), newFakeCircuits(), rec)
		s := config.Defaults()
		s.Flags.EnableLogging = false

		_, err := e.Select(ctx, request("2000"), s)
		require.NoError(t, err)
		assert.Empty(t, rec.decisions)
	})
}

func TestShortlist(t *testing.T) {
	var in []Scored
	for i, score := range []float64{10, 90, 50, 70} {
		in = append(in, Scored{
			Candidate: Candidate{ID: string(rune('a' + i))},
			Match:     CompatAdjacent,
			Breakdown: Breakdown{Total: score},
		})
	}

	out := Shortlist(in, 3)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"b", "d", "c"}, []string{out[0].Candidate.ID, out[1].Candidate.ID, out[2].Candidate.ID})
	assert.Equal(t, "a", in[0].Candidate.ID)
}
