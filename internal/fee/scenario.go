package fee

import (
	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

// DefaultCarryPercent is applied when a deal has no performance fee set.
var DefaultCarryPercent = decimal.NewFromInt(20)

// ScenarioBreakdown is the fee projection of a hypothetical exit.
type ScenarioBreakdown struct {
	Structuring decimal.Decimal `json:"structuring_fee"`
	Management  decimal.Decimal `json:"management_fees"`
	Performance decimal.Decimal `json:"performance_fee"`
	Admin       decimal.Decimal `json:"admin_fees"`
	Total       decimal.Decimal `json:"total_fees"`
}

// ScenarioFees projects deal-level fees for an exit after years years.
// Projections are forward-looking and therefore never discounted:
//
//	structuring = invested × structuring%          (one-time)
//	management  = invested × tier-1 (or flat)% × years
//	admin       = admin fee × years
//	performance = max(0, grossProfit) × carry%
//
// A non-positive horizon yields zero management and admin fees.
func ScenarioFees(cfg model.DealFormulaConfig, totalInvested, grossProfit decimal.Decimal, years int) ScenarioBreakdown {
	y := decimal.NewFromInt(int64(years))
	if years < 0 {
		y = decimal.Zero
	}

	mgmtRate := cfg.ManagementFeeTier1Percent
	if mgmtRate.IsZero() {
		mgmtRate = cfg.ManagementFeePercent
	}

	carry := cfg.PerformanceFeePercent
	if carry.IsZero() {
		carry = DefaultCarryPercent
	}

	var s ScenarioBreakdown
	s.Structuring = totalInvested.Mul(pct(cfg.StructuringFeePercent))
	s.Management = totalInvested.Mul(pct(mgmtRate)).Mul(y)
	s.Admin = cfg.AdminFee.Mul(y)
	if grossProfit.IsPositive() {
		s.Performance = grossProfit.Mul(pct(carry))
	}
	s.Total = s.Structuring.Add(s.Management).Add(s.Admin).Add(s.Performance)
	return s
}
