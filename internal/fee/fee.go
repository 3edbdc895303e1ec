// Package fee computes the fee breakdown of a capital contribution from a
// deal's fee configuration.
//
// Computation is pure: every amount is derived from its inputs and the
// formula that produced it is recorded as a calculation step so the number
// can be audited later.
//
// All monetary values use shopspring/decimal, never float64.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Request carries the per-calculation inputs.
type Request struct {
	GrossCapital     decimal.Decimal  `json:"gross_capital"`
	NetCapital       decimal.Decimal  `json:"net_capital"`
	Discounts        model.Discounts  `json:"discounts"`
	TimeHorizonYears decimal.Decimal  `json:"time_horizon_years"`
	ExitUnitPrice    *decimal.Decimal `json:"exit_unit_price,omitempty"`
	InitialUnitPrice *decimal.Decimal `json:"initial_unit_price,omitempty"`
	OtherFees        decimal.Decimal  `json:"other_fees"`
}

// Breakdown is the result of a fee computation.
type Breakdown struct {
	FeeBase          decimal.Decimal         `json:"fee_base"`
	Structuring      decimal.Decimal         `json:"structuring_fee"`
	Management       decimal.Decimal         `json:"management_fee"`
	Performance      decimal.Decimal         `json:"performance_fee"`
	Premium          decimal.Decimal         `json:"premium_fee"`
	Admin            decimal.Decimal         `json:"admin_fee"`
	Other            decimal.Decimal         `json:"other_fees"`
	Total            decimal.Decimal         `json:"total_fees"`
	InvestorProceeds decimal.Decimal         `json:"investor_proceeds"`
	Steps            []model.CalculationStep `json:"steps"`
}

// Compute applies the deal's fee configuration to one contribution.
func Compute(cfg model.DealFormulaConfig, req Request) Breakdown {
	nc, gc := req.NetCapital, req.GrossCapital

	feeBase := gc
	baseName := "GC"
	if cfg.UsesNetBase() {
		feeBase = nc
		baseName = "NC"
	}

	b := Breakdown{FeeBase: feeBase}
	b.step("fee_base", baseName, fmt.Sprintf("%s = %s", baseName, feeBase), feeBase)

	// Structuring.
	sf := discountFactor(req.Discounts.Structuring)
	b.Structuring = feeBase.Mul(pct(cfg.StructuringFeePercent)).Mul(sf)
	b.step("structuring", "FeeBase × StructuringPercent × (1 - Discount)",
		fmt.Sprintf("%s × %s%% × %s = %s", feeBase, cfg.StructuringFeePercent, sf, b.Structuring), b.Structuring)

	// Management.
	b.Management = b.management(cfg, feeBase, req.TimeHorizonYears, req.Discounts.Management)

	// Performance, on gains only.
	eup := unitPrice(req.ExitUnitPrice)
	iup := unitPrice(req.InitialUnitPrice)
	gains := decimal.Max(decimal.Zero, nc.Mul(eup).Div(iup).Sub(nc))
	pf := discountFactor(req.Discounts.Performance)
	b.Performance = gains.Mul(pct(cfg.PerformanceFeePercent)).Mul(pf)
	b.step("gains", "max(0, NC × (EUP / IUP) - NC)",
		fmt.Sprintf("max(0, %s × (%s / %s) - %s) = %s", nc, eup, iup, nc, gains), gains)
	b.step("performance", "Gains × PerformancePercent × (1 - Discount)",
		fmt.Sprintf("%s × %s%% × %s = %s", gains, cfg.PerformanceFeePercent, pf, b.Performance), b.Performance)

	// Premium.
	prf := discountFactor(req.Discounts.Premium)
	b.Premium = feeBase.Mul(pct(cfg.PremiumFeePercent)).Mul(prf)
	b.step("premium", "FeeBase × PremiumPercent × (1 - Discount)",
		fmt.Sprintf("%s × %s%% × %s = %s", feeBase, cfg.PremiumFeePercent, prf, b.Premium), b.Premium)

	// Admin is fixed and never discounted.
	b.Admin = cfg.AdminFee
	b.step("admin", "Fixed", fmt.Sprintf("Fixed: %s", b.Admin), b.Admin)

	// Other fees pass through only when the deal allows them.
	if cfg.OtherFeesAllowed {
		b.Other = req.OtherFees
	}
	b.step("other", "OtherFees", fmt.Sprintf("allowed=%t: %s", cfg.OtherFeesAllowed, b.Other), b.Other)

	b.Total = b.Structuring.Add(b.Management).Add(b.Performance).Add(b.Premium).Add(b.Admin).Add(b.Other)
	b.InvestorProceeds = nc.Sub(b.Total)
	b.step("total", "Structuring + Management + Performance + Premium + Admin + Other",
		fmt.Sprintf("%s + %s + %s + %s + %s + %s = %s",
			b.Structuring, b.Management, b.Performance, b.Premium, b.Admin, b.Other, b.Total), b.Total)
	b.step("investor_proceeds", "NC - Total",
		fmt.Sprintf("%s - %s = %s", nc, b.Total, b.InvestorProceeds), b.InvestorProceeds)

	return b
}

// management computes the flat or tiered management fee over horizon years.
func (b *Breakdown) management(cfg model.DealFormulaConfig, feeBase, horizon, discount decimal.Decimal) decimal.Decimal {
	df := discountFactor(discount)

	if !cfg.HasTieredManagement() {
		fee := feeBase.Mul(pct(cfg.ManagementFeePercent)).Mul(horizon).Mul(df)
		b.step("management", "FeeBase × AnnualPercent × Years × (1 - Discount)",
			fmt.Sprintf("%s × %s%% × %sy × %s = %s", feeBase, cfg.ManagementFeePercent, horizon, df, fee), fee)
		return fee
	}

	t1 := cfg.Tier1Period
	if !t1.IsPositive() {
		t1 = one
	}
	r1, r2 := cfg.ManagementFeeTier1Percent, cfg.ManagementFeeTier2Percent

	if horizon.LessThanOrEqual(t1) {
		fee := feeBase.Mul(pct(r1)).Mul(horizon).Mul(df)
		b.step("management", "FeeBase × Tier1Percent × Years × (1 - Discount)",
			fmt.Sprintf("%s × %s%% × %sy × %s = %s", feeBase, r1, horizon, df, fee), fee)
		return fee
	}

	rate := pct(r1).Mul(t1).Add(pct(r2).Mul(horizon.Sub(t1)))
	fee := feeBase.Mul(rate).Mul(df)
	b.step("management", "FeeBase × (Tier1Percent × T1 + Tier2Percent × (Years - T1)) × (1 - Discount)",
		fmt.Sprintf("%s × (%s%% × %s + %s%% × %s) × %s = %s", feeBase, r1, t1, r2, horizon.Sub(t1), df, fee), fee)
	return fee
}

func (b *Breakdown) step(name, formula, substituted string, result decimal.Decimal) {
	b.Steps = append(b.Steps, model.CalculationStep{
		Name:        name,
		Formula:     formula,
		Substituted: substituted,
		Result:      result,
	})
}

// pct converts a percentage (e.g. 2.5) to a fraction (0.025).
func pct(v decimal.Decimal) decimal.Decimal {
	return v.Div(hundred)
}

// discountFactor returns 1 - discount/100 with discount clamped to [0, 100].
func discountFactor(discount decimal.Decimal) decimal.Decimal {
	clamped := decimal.Min(decimal.Max(discount, decimal.Zero), hundred)
	return one.Sub(clamped.Div(hundred))
}

// unitPrice defaults a missing or non-positive unit price to 1.
func unitPrice(v *decimal.Decimal) decimal.Decimal {
	if v == nil || !v.IsPositive() {
		return one
	}
	return *v
}
