package circuit

import (
	"fmt"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of String. Unknown values are an error.
func ParseState(s string) (State, error) {
	switch s {
	case "closed":
		return StateClosed, nil
	case "open":
		return StateOpen, nil
	case "half_open":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", s)
	}
}

// MarshalText lets State round-trip through JSON as its string form
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Config holds the per-bank breaker thresholds
type Config struct {
	Window      time.Duration `yaml:"window" json:"window"`
	Cooldown    time.Duration `yaml:"cooldown" json:"cooldown"`
	MinSamples  int           `yaml:"min_samples" json:"min_samples"`
	TripRate    float64       `yaml:"trip_rate" json:"trip_rate"`
	HalfOpenMax int           `yaml:"half_open_max" json:"half_open_max"`
}

// DefaultConfig returns the baseline thresholds: 15m window, 10m cooldown,
// 5 samples, 30% failure rate, 2 half-open test transactions.
func DefaultConfig() Config {
	return Config{
		Window:      15 * time.Minute,
		Cooldown:    10 * time.Minute,
		MinSamples:  5,
		TripRate:    0.30,
		HalfOpenMax: 2,
	}
}

// Outcome is one terminal transaction observed for a bank
type Outcome struct {
	Bank   string
	Failed bool
	At     time.Time
}

// Record is the persisted breaker memory for one upstream bank
type Record struct {
	Bank         string     `json:"bank"`
	State        State      `json:"state"`
	FailureRate  float64    `json:"failure_rate"`
	Samples      int        `json:"samples"`
	TrippedAt    *time.Time `json:"tripped_at,omitempty"`
	HalfOpenAt   *time.Time `json:"half_open_at,omitempty"`
	TestAttempts int        `json:"test_attempts"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	EvaluatedAt  time.Time  `json:"evaluated_at"`
}

// Evaluate computes the next record for a bank from the previous record and the
// outcomes observed in the trailing window. It is a pure function: the same
// inputs always produce the same record.
//
// A bank with no previous record starts Closed. Outcomes for other banks are
// ignored, and a bank that recovered from HalfOpen only counts outcomes
// settled after it closed.
func Evaluate(prev Record, bank string, window []Outcome, now time.Time, cfg Config) Record {
	next := prev
	next.Bank = bank
	next.EvaluatedAt = now

	var floor time.Time
	if prev.State == StateClosed && prev.ClosedAt != nil {
		floor = *prev.ClosedAt
	}

	var total, failed int
	for _, o := range window {
		if o.Bank != bank || now.Sub(o.At) > cfg.Window || o.At.Before(floor) {
			continue
		}
		total++
		if o.Failed {
			failed++
		}
	}
	next.Samples = total
	next.FailureRate = rate(failed, total)

	switch prev.State {
	case StateClosed:
		if total >= cfg.MinSamples && next.FailureRate >= cfg.TripRate {
			next.trip(now)
		}

	case StateOpen:
		if prev.TrippedAt == nil || now.Sub(*prev.TrippedAt) >= cfg.Cooldown {
			t := now
			next.State = StateHalfOpen
			next.HalfOpenAt = &t
			next.TestAttempts = 0
		}

	case StateHalfOpen:
		if prev.TestAttempts < cfg.HalfOpenMax {
			break
		}
		var since time.Time
		if prev.HalfOpenAt != nil {
			since = *prev.HalfOpenAt
		}

		// Only outcomes settled after the breaker entered HalfOpen count
		var settled, settledFailed int
		for _, o := range window {
			if o.Bank != bank || o.At.Before(since) {
				continue
			}
			settled++
			if o.Failed {
				settledFailed++
			}
		}

		if settled < prev.TestAttempts && now.Sub(since) < cfg.Cooldown {
			break
		}

		denom := settled
		if unsettled := prev.TestAttempts - settled; unsettled > 0 {
			settledFailed += unsettled
			denom = prev.TestAttempts
		}

		if rate(settledFailed, denom) < cfg.TripRate {
			t := now
			next.State = StateClosed
			next.TrippedAt = nil
			next.HalfOpenAt = nil
			next.TestAttempts = 0
			next.ClosedAt = &t
		} else {
			next.trip(now)
		}
	}

	return next
}

func (r *Record) trip(now time.Time) {
	t := now
	r.State = StateOpen
	r.TrippedAt = &t
	r.HalfOpenAt = nil
	r.TestAttempts = 0
	r.ClosedAt = nil
}

// Reconcile returns the record a Store keeps when next is written over the
// stored one. While both are HalfOpen they describe the same test episode:
// the episode start is kept and test attempts never shrink, so an attempt
// consumed after next was evaluated is not lost.
func Reconcile(stored, next Record) Record {
	if stored.State != StateHalfOpen || next.State != StateHalfOpen {
		return next
	}
	next.HalfOpenAt = stored.HalfOpenAt
	if stored.TestAttempts > next.TestAttempts {
		next.TestAttempts = stored.TestAttempts
	}
	return next
}

func rate(failed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
