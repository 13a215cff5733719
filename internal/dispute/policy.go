package dispute

import (
	"fmt"

	"github.com/shopspring/decimal"

	money "github.com/terminal-bench/settlegate/pkg/decimal"
)

// Effect is the balance consequence of a resolution
type Effect int

const (
	EffectNone Effect = iota
	EffectCredit
	EffectDebitWithCommission
)

type rule struct {
	effect   Effect
	template string
}

type policyKey struct {
	typ      Type
	response Status
	decision Decision
}

// policy is the complete settlement table. Templates take the formatted
// amount, then principal and commission for debits.
var policy = map[policyKey]rule{
	{TypeIncoming, StatusCounterpartyAccepted, DecisionApprove}: {
		EffectCredit, "Dispute approved: counter-party confirmed receipt; %s credited to the responsible party",
	},
	{TypeIncoming, StatusCounterpartyAccepted, DecisionReject}: {
		EffectNone, "Dispute rejected: adjudicator overrode the counter-party's acceptance; no balance change",
	},
	{TypeIncoming, StatusCounterpartyRejected, DecisionApprove}: {
		EffectNone, "Dispute approved: claim of non-receipt upheld; no balance change",
	},
	{TypeIncoming, StatusCounterpartyRejected, DecisionReject}: {
		EffectCredit, "Dispute rejected: adjudicator overrode the counter-party's rejection; %s credited to the responsible party",
	},
	{TypeOutgoing, StatusCounterpartyAccepted, DecisionApprove}: {
		EffectDebitWithCommission, "Dispute approved: payout confirmed not sent; %s debited from the responsible party (%s + %s commission)",
	},
	{TypeOutgoing, StatusCounterpartyAccepted, DecisionReject}: {
		EffectNone, "Dispute rejected: adjudicator overrode the counter-party's acceptance; no balance change",
	},
	{TypeOutgoing, StatusCounterpartyRejected, DecisionApprove}: {
		EffectNone, "Dispute approved: payout proof accepted; no balance change",
	},
	{TypeOutgoing, StatusCounterpartyRejected, DecisionReject}: {
		EffectDebitWithCommission, "Dispute rejected: payout proof rejected; %s debited from the responsible party (%s + %s commission)",
	},
}

// Resolution is the planned outcome of an adjudicator decision
type Resolution struct {
	Status     Status
	Effect     Effect
	Summary    string
	Adjustment *Adjustment
}

// Plan computes the resolution for a dispute awaiting adjudication. It
// performs no I/O. commissionRate is a percentage and only used for outgoing
// disputes.
func Plan(d *Dispute, decision Decision, commissionRate decimal.Decimal) (*Resolution, error) {
	r, ok := policy[policyKey{d.Type, d.Status, decision}]
	if !ok {
		return nil, fmt.Errorf("no settlement rule for %s dispute in %s with decision %s", d.Type, d.Status, decision)
	}

	to := AfterDecision(decision)
	res := &Resolution{Status: to, Effect: r.effect}
	reason := fmt.Sprintf("%s dispute %s: %s -> %s", d.Type, d.ID, d.Status, to)

	switch r.effect {
	case EffectCredit:
		amount := money.Round(d.Amount)
		res.Summary = fmt.Sprintf(r.template, money.Format(amount))
		res.Adjustment = &Adjustment{
			EntityType: EntityProvider,
			EntityID:   d.ResponsibleID,
			Direction:  DirectionCredit,
			Amount:     amount,
			Principal:  amount,
			Fee:        decimal.Zero,
			Reason:     reason,
		}
	case EffectDebitWithCommission:
		principal := money.Round(d.Amount)
		fee := money.Commission(principal, commissionRate)
		total := principal.Add(fee)
		res.Summary = fmt.Sprintf(r.template, money.Format(total), money.Format(principal), money.Format(fee))
		res.Adjustment = &Adjustment{
			EntityType: EntityProvider,
			EntityID:   d.ResponsibleID,
			Direction:  DirectionDebit,
			Amount:     total,
			Principal:  principal,
			Fee:        fee,
			Reason:     reason,
		}
	default:
		res.Summary = r.template
	}
	return res, nil
}
