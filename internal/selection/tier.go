package selection

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a fixed amount bucket used to match payment size to an endpoint
type Tier string

const (
	TierMicro  Tier = "micro"
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
	TierXLarge Tier = "xlarge"
)

// tiers are ordered; ceilings[i] is the inclusive upper bound of tiers[i]
var (
	tiers    = []Tier{TierMicro, TierSmall, TierMedium, TierLarge, TierXLarge}
	ceilings = []decimal.Decimal{
		decimal.NewFromInt(1000),
		decimal.NewFromInt(5000),
		decimal.NewFromInt(15000),
		decimal.NewFromInt(50000),
	}
)

// ClassifyTier buckets an amount
func ClassifyTier(amount decimal.Decimal) Tier {
	for i, ceiling := range ceilings {
		if amount.LessThanOrEqual(ceiling) {
			return tiers[i]
		}
	}
	return TierXLarge
}

// ParseTier normalises a stored tier name. Unknown names yield "".
func ParseTier(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.index() < 0 {
		return ""
	}
	return t
}

func (t Tier) index() int {
	for i, v := range tiers {
		if v == t {
			return i
		}
	}
	return -1
}

// Compatibility classifies how a candidate's tier fits the requested tier
type Compatibility string

const (
	CompatExact    Compatibility = "exact"
	CompatAdjacent Compatibility = "adjacent"
	CompatMismatch Compatibility = "mismatch"
)

// Match compares the requested tier with a candidate's tier. A candidate
// without a known tier never matches.
func Match(requested, candidate Tier) Compatibility {
	r, c := requested.index(), candidate.index()
	if r < 0 || c < 0 {
		return CompatMismatch
	}
	switch d := r - c; {
	case d == 0:
		return CompatExact
	case d == 1 || d == -1:
		return CompatAdjacent
	default:
		return CompatMismatch
	}
}
