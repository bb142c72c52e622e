package lifecycle

import (
	"github.com/shopspring/decimal"
)

// Verdict is the outcome of a threshold evaluation.
type Verdict string

const (
	VerdictAutoApprove      Verdict = "AUTO_APPROVE"
	VerdictRequiresApproval Verdict = "REQUIRES_APPROVAL"
)

// Thresholds maps an entity type to the largest amount that is approved
// without human sign-off.
type Thresholds map[EntityType]decimal.Decimal

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EntityQuote:    decimal.NewFromInt(50_000),
		EntityDeal:     decimal.NewFromInt(100_000),
		EntityInvoice:  decimal.NewFromInt(75_000),
		EntityContract: decimal.NewFromInt(50_000),
	}
}

// Merge returns a copy of th with overrides applied on top.
func (th Thresholds) Merge(overrides Thresholds) Thresholds {
	out := make(Thresholds, len(th)+len(overrides))
	for t, v := range th {
		out[t] = v
	}
	for t, v := range overrides {
		out[t] = v
	}
	return out
}

// Decide evaluates an amount against the threshold for t. The boundary is
// inclusive. Missing or zero amounts, and types without a threshold, are
// approved automatically.
func Decide(t EntityType, amount decimal.NullDecimal, th Thresholds) Verdict {
	if !amount.Valid || amount.Decimal.IsZero() {
		return VerdictAutoApprove
	}
	limit, ok := th[t]
	if !ok {
		return VerdictAutoApprove
	}
	if amount.Decimal.GreaterThan(limit) {
		return VerdictRequiresApproval
	}
	return VerdictAutoApprove
}
