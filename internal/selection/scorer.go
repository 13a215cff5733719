package selection

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/pkg/circuit"
	money "github.com/terminal-bench/settlegate/pkg/decimal"
)

// Candidate is an active collection endpoint offered by a provider
type Candidate struct {
	ID               string           `json:"id"`
	HolderName       string           `json:"holder_name"`
	ProviderID       string           `json:"provider_id"`
	ProviderName     string           `json:"provider_name"`
	ProviderBalance  decimal.Decimal  `json:"provider_balance"`
	DailyLimit       decimal.Decimal  `json:"daily_limit"`
	DailyVolumeUsed  decimal.Decimal  `json:"daily_volume_used"`
	TxToday          int              `json:"tx_today"`
	SuccessRate      float64          `json:"success_rate"`
	LastUsedAt       *time.Time       `json:"last_used_at,omitempty"`
	FailuresLastHour int              `json:"failures_last_hour"`
	Tier             Tier             `json:"tier"`
	MinAmount        *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount        *decimal.Decimal `json:"max_amount,omitempty"`
	Bank             string           `json:"bank"`
}

// Remaining is the unused daily capacity, never negative
func (c Candidate) Remaining() decimal.Decimal {
	r := c.DailyLimit.Sub(c.DailyVolumeUsed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Rejection names the hard rule that dropped a candidate
type Rejection string

const (
	RejectCircuit  Rejection = "circuit_unavailable"
	RejectBounds   Rejection = "amount_out_of_bounds"
	RejectTier     Rejection = "tier_mismatch_large_amount"
	RejectCapacity Rejection = "insufficient_capacity"
	RejectScore    Rejection = "below_min_score"
)

// Breakdown is the per-term contribution to a candidate's score
type Breakdown struct {
	SuccessRate     float64 `json:"success_rate"`
	Capacity        float64 `json:"capacity"`
	Cooldown        float64 `json:"cooldown"`
	AmountMatch     float64 `json:"amount_match"`
	ProviderBalance float64 `json:"provider_balance"`
	BankHealth      float64 `json:"bank_health"`
	FailurePenalty  float64 `json:"failure_penalty"`
	Total           float64 `json:"total"`
}

// Scored is a candidate after the hard rules and scoring ran
type Scored struct {
	Candidate    Candidate     `json:"candidate"`
	Match        Compatibility `json:"match"`
	CircuitState circuit.State `json:"circuit_state"`
	Breakdown    Breakdown     `json:"breakdown"`
	Rejected     Rejection     `json:"rejected,omitempty"`
}

func (s Scored) Score() float64 { return s.Breakdown.Total }

// Score computes the weighted composite score of a candidate. Each positive
// term is bounded by its weight; the failure penalty is subtracted and the
// total never drops below zero.
func Score(c Candidate, requested Tier, state circuit.State, now time.Time, s config.Settings) Breakdown {
	w := s.Weights
	p := s.Selection

	var b Breakdown
	b.SuccessRate = w.SuccessRate * clamp01(c.SuccessRate/100)
	b.Capacity = w.Capacity * money.Ratio(c.Remaining(), c.DailyLimit)

	if c.LastUsedAt == nil || p.CooldownSaturation <= 0 {
		b.Cooldown = w.Cooldown
	} else {
		idle := now.Sub(*c.LastUsedAt)
		b.Cooldown = w.Cooldown * clamp01(idle.Minutes()/p.CooldownSaturation.Minutes())
	}

	switch Match(requested, c.Tier) {
	case CompatExact:
		b.AmountMatch = w.AmountMatch
	case CompatAdjacent:
		b.AmountMatch = w.AmountMatch / 2
	}

	if p.BalanceFloor.IsPositive() {
		b.ProviderBalance = w.ProviderBalance * money.Ratio(c.ProviderBalance, p.BalanceFloor)
	} else {
		b.ProviderBalance = w.ProviderBalance
	}

	switch state {
	case circuit.StateClosed:
		b.BankHealth = w.BankHealth
	case circuit.StateHalfOpen:
		b.BankHealth = w.BankHealth * p.HalfOpenBankFactor
	}

	if c.FailuresLastHour > 0 {
		b.FailurePenalty = math.Min(float64(c.FailuresLastHour)*p.FailurePenaltyPerFailure, w.FailurePenalty)
	}

	total := b.SuccessRate + b.Capacity + b.Cooldown + b.AmountMatch + b.ProviderBalance + b.BankHealth - b.FailurePenalty
	b.Total = math.Max(total, 0)
	return b
}

// Assess applies the hard rejection rules in order and scores the survivors.
// A rejected candidate keeps whatever breakdown was computed before the rule
// fired.
func Assess(c Candidate, amount decimal.Decimal, requested Tier, avail circuit.Availability, now time.Time, s config.Settings) Scored {
	out := Scored{
		Candidate:    c,
		Match:        Match(requested, c.Tier),
		CircuitState: avail.State,
	}

	switch {
	case !avail.Available:
		out.Rejected = RejectCircuit
		return out
	case c.MinAmount != nil && amount.LessThan(*c.MinAmount),
		c.MaxAmount != nil && amount.GreaterThan(*c.MaxAmount):
		out.Rejected = RejectBounds
		return out
	case out.Match == CompatMismatch && amount.GreaterThan(s.Selection.LargeAmountThreshold):
		out.Rejected = RejectTier
		return out
	case c.Remaining().LessThan(amount):
		out.Rejected = RejectCapacity
		return out
	}

	out.Breakdown = Score(c, requested, avail.State, now, s)
	if out.Breakdown.Total < s.Selection.MinScore {
		out.Rejected = RejectScore
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
