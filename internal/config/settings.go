package config

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/settlegate/pkg/circuit"
)

// MaxScore bounds the sum of the positive selection weights
const MaxScore = 100.0

// Weights are the point budgets of each scoring term
type Weights struct {
	SuccessRate     float64 `json:"success_rate"`
	Capacity        float64 `json:"capacity"`
	Cooldown        float64 `json:"cooldown"`
	AmountMatch     float64 `json:"amount_match"`
	ProviderBalance float64 `json:"provider_balance"`
	BankHealth      float64 `json:"bank_health"`
	FailurePenalty  float64 `json:"failure_penalty"`
}

// Total is the highest score a candidate can reach
func (w Weights) Total() float64 {
	return w.SuccessRate + w.Capacity + w.Cooldown + w.AmountMatch + w.ProviderBalance + w.BankHealth
}

// Selection holds the knobs that change endpoint selection
type Selection struct {
	MinScore                 float64         `json:"min_score"`
	LargeAmountThreshold     decimal.Decimal `json:"large_amount_threshold"`
	BalanceFloor             decimal.Decimal `json:"balance_floor"`
	CooldownSaturation       time.Duration   `json:"cooldown_saturation"`
	ShortlistSize            int             `json:"shortlist_size"`
	MaxAttempts              int             `json:"max_attempts"`
	HalfOpenBankFactor       float64         `json:"half_open_bank_factor"`
	FailurePenaltyPerFailure float64         `json:"failure_penalty_per_failure"`
}

// Flags toggle optional behaviour
type Flags struct {
	EnableLogging   bool `json:"enable_logging"`
	EnableAutoRoute bool `json:"enable_auto_route"`
}

// Settings is the immutable per-request configuration handed to the engines
type Settings struct {
	WeightSet             string          `json:"weight_set"`
	Weights               Weights         `json:"weights"`
	Selection             Selection       `json:"selection"`
	Circuit               circuit.Config  `json:"circuit"`
	Flags                 Flags           `json:"flags"`
	DefaultCommissionRate decimal.Decimal `json:"default_commission_rate"`
}

// Defaults returns the documented baseline settings
func Defaults() Settings {
	return Settings{
		WeightSet: "default",
		Weights: Weights{
			SuccessRate:     25,
			Capacity:        20,
			Cooldown:        15,
			AmountMatch:     15,
			ProviderBalance: 15,
			BankHealth:      10,
			FailurePenalty:  5,
		},
		Selection: Selection{
			MinScore:                 20,
			LargeAmountThreshold:     decimal.NewFromInt(15000),
			BalanceFloor:             decimal.NewFromInt(10000),
			CooldownSaturation:       30 * time.Minute,
			ShortlistSize:            10,
			MaxAttempts:              3,
			HalfOpenBankFactor:       0.3,
			FailurePenaltyPerFailure: 1,
		},
		Circuit: circuit.DefaultConfig(),
		Flags: Flags{
			EnableLogging:   true,
			EnableAutoRoute: true,
		},
		DefaultCommissionRate: decimal.NewFromInt(2),
	}
}

// Overrides is the externally stored partial configuration for a weight set.
// Nil fields keep the default.
type Overrides struct {
	Weights                   *WeightOverrides  `yaml:"weights" json:"weights"`
	MinScore                  *float64          `yaml:"min_score" json:"min_score"`
	LargeAmountThreshold      *float64          `yaml:"large_amount_threshold" json:"large_amount_threshold"`
	BalanceFloor              *float64          `yaml:"balance_floor" json:"balance_floor"`
	CooldownSaturationMinutes *float64          `yaml:"cooldown_saturation_minutes" json:"cooldown_saturation_minutes"`
	ShortlistSize             *int              `yaml:"shortlist_size" json:"shortlist_size"`
	MaxAttempts               *int              `yaml:"max_attempts" json:"max_attempts"`
	HalfOpenBankFactor        *float64          `yaml:"half_open_bank_factor" json:"half_open_bank_factor"`
	FailurePenaltyPerFailure  *float64          `yaml:"failure_penalty_per_failure" json:"failure_penalty_per_failure"`
	Circuit                   *CircuitOverrides `yaml:"circuit" json:"circuit"`
	EnableLogging             *bool             `yaml:"enable_logging" json:"enable_logging"`
	EnableAutoRoute           *bool             `yaml:"enable_auto_route" json:"enable_auto_route"`
	DefaultCommissionRate     *float64          `yaml:"default_commission_rate" json:"default_commission_rate"`
}

type WeightOverrides struct {
	SuccessRate     *float64 `yaml:"success_rate" json:"success_rate"`
	Capacity        *float64 `yaml:"capacity" json:"capacity"`
	Cooldown        *float64 `yaml:"cooldown" json:"cooldown"`
	AmountMatch     *float64 `yaml:"amount_match" json:"amount_match"`
	ProviderBalance *float64 `yaml:"provider_balance" json:"provider_balance"`
	BankHealth      *float64 `yaml:"bank_health" json:"bank_health"`
	FailurePenalty  *float64 `yaml:"failure_penalty" json:"failure_penalty"`
}

type CircuitOverrides struct {
	WindowMinutes   *float64 `yaml:"window_minutes" json:"window_minutes"`
	CooldownMinutes *float64 `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	MinSamples      *int     `yaml:"min_samples" json:"min_samples"`
	TripRate        *float64 `yaml:"trip_rate" json:"trip_rate"`
	HalfOpenMax     *int     `yaml:"half_open_max" json:"half_open_max"`
}

// Merge returns a copy of s with every usable override applied. Negative,
// NaN or infinite values are ignored. Positive weights summing above MaxScore
// are scaled down proportionally.
func (s Settings) Merge(o Overrides) Settings {
	out := s

	if w := o.Weights; w != nil {
		setFloat(&out.Weights.SuccessRate, w.SuccessRate)
		setFloat(&out.Weights.Capacity, w.Capacity)
		setFloat(&out.Weights.Cooldown, w.Cooldown)
		setFloat(&out.Weights.AmountMatch, w.AmountMatch)
		setFloat(&out.Weights.ProviderBalance, w.ProviderBalance)
		setFloat(&out.Weights.BankHealth, w.BankHealth)
		setFloat(&out.Weights.FailurePenalty, w.FailurePenalty)
	}
	if total := out.Weights.Total(); total > MaxScore {
		k := MaxScore / total
		out.Weights.SuccessRate *= k
		out.Weights.Capacity *= k
		out.Weights.Cooldown *= k
		out.Weights.AmountMatch *= k
		out.Weights.ProviderBalance *= k
		out.Weights.BankHealth *= k
	}

	setFloat(&out.Selection.MinScore, o.MinScore)
	setDecimal(&out.Selection.LargeAmountThreshold, o.LargeAmountThreshold)
	setDecimal(&out.Selection.BalanceFloor, o.BalanceFloor)
	setMinutes(&out.Selection.CooldownSaturation, o.CooldownSaturationMinutes)
	setInt(&out.Selection.ShortlistSize, o.ShortlistSize)
	setInt(&out.Selection.MaxAttempts, o.MaxAttempts)
	if usable(o.HalfOpenBankFactor) && *o.HalfOpenBankFactor <= 1 {
		out.Selection.HalfOpenBankFactor = *o.HalfOpenBankFactor
	}
	setFloat(&out.Selection.FailurePenaltyPerFailure, o.FailurePenaltyPerFailure)

	if c := o.Circuit; c != nil {
		setMinutes(&out.Circuit.Window, c.WindowMinutes)
		setMinutes(&out.Circuit.Cooldown, c.CooldownMinutes)
		setInt(&out.Circuit.MinSamples, c.MinSamples)
		if usable(c.TripRate) && *c.TripRate > 0 && *c.TripRate <= 1 {
			out.Circuit.TripRate = *c.TripRate
		}
		setInt(&out.Circuit.HalfOpenMax, c.HalfOpenMax)
	}

	if o.EnableLogging != nil {
		out.Flags.EnableLogging = *o.EnableLogging
	}
	if o.EnableAutoRoute != nil {
		out.Flags.EnableAutoRoute = *o.EnableAutoRoute
	}
	setDecimal(&out.DefaultCommissionRate, o.DefaultCommissionRate)

	return out
}

func usable(p *float64) bool {
	return p != nil && !math.IsNaN(*p) && !math.IsInf(*p, 0) && *p >= 0
}

func setFloat(dst *float64, p *float64) {
	if usable(p) {
		*dst = *p
	}
}

func setDecimal(dst *decimal.Decimal, p *float64) {
	if usable(p) {
		*dst = decimal.NewFromFloat(*p)
	}
}

func setMinutes(dst *time.Duration, p *float64) {
	if usable(p) && *p > 0 {
		*dst = time.Duration(*p * float64(time.Minute))
	}
}

func setInt(dst *int, p *int) {
	if p != nil && *p > 0 {
		*dst = *p
	}
}
