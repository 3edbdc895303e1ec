// Package model defines the core domain types shared across the fee engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fee base capital: which amount fee percentages are applied against.
const (
	FeeBaseGC = "GC"
	FeeBaseNC = "NC"
)

// Transaction types. Only primary transactions are validated.
const (
	TxPrimary   = "primary"
	TxSecondary = "secondary"
)

// Fee components as recorded on fee application rows.
const (
	ComponentPremium     = "PREMIUM"
	ComponentStructuring = "STRUCTURING"
	ComponentManagement  = "MANAGEMENT"
	ComponentAdmin       = "ADMIN"
	ComponentPerformance = "PERFORMANCE"
	ComponentAdvisory    = "ADVISORY"

	// DiscountSuffix marks a discount row against its base component,
	// e.g. STRUCTURING_DISCOUNT.
	DiscountSuffix = "_DISCOUNT"
)

// Fee application bases.
const (
	BasisGross           = "GROSS"
	BasisNet             = "NET"
	BasisNetAfterPremium = "NET_AFTER_PREMIUM"
)

// FeeScheduleEntry overrides the basis and application order of one fee
// component for a deal.
type FeeScheduleEntry struct {
	Component  string `json:"component"`
	Basis      string `json:"basis"`
	Precedence int    `json:"precedence"`
}

// DealFormulaConfig is the per-deal pricing and fee configuration. The
// engine treats it as read-only and works on a value copy loaded once per
// operation; Version identifies the snapshot used.
type DealFormulaConfig struct {
	DealID              int64  `json:"deal_id"`
	Name                string `json:"deal_name"`
	FormulaTemplate     string `json:"formula_template"`
	NCCalculationMethod string `json:"nc_calculation_method"`
	FeeBaseCapital      string `json:"fee_base_capital"` // "GC" or "NC"

	StructuringFeePercent     decimal.Decimal `json:"structuring_fee_percent"`
	ManagementFeePercent      decimal.Decimal `json:"management_fee_percent"` // flat annual rate
	ManagementFeeTier1Percent decimal.Decimal `json:"management_fee_tier_1_percent"`
	ManagementFeeTier2Percent decimal.Decimal `json:"management_fee_tier_2_percent"`
	Tier1Period               decimal.Decimal `json:"tier_1_period"` // years at tier-1 rate
	PerformanceFeePercent     decimal.Decimal `json:"performance_fee_percent"`
	PremiumFeePercent         decimal.Decimal `json:"premium_fee_percent"`
	AdminFee                  decimal.Decimal `json:"admin_fee"` // fixed amount
	OtherFeesAllowed          bool            `json:"other_fees_allowed"`

	// Deal-level formula defaults used when a transaction carries none.
	PMSP *decimal.Decimal `json:"pmsp,omitempty"`
	ISP  *decimal.Decimal `json:"isp,omitempty"`
	SFR  *decimal.Decimal `json:"sfr,omitempty"`

	FeeSchedule []FeeScheduleEntry `json:"fee_schedule,omitempty"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsesNetBase reports whether fee percentages apply to net capital.
func (c DealFormulaConfig) UsesNetBase() bool {
	return strings.EqualFold(c.FeeBaseCapital, FeeBaseNC)
}

// HasTieredManagement reports whether both management fee tiers are set.
func (c DealFormulaConfig) HasTieredManagement() bool {
	return !c.ManagementFeeTier1Percent.IsZero() && !c.ManagementFeeTier2Percent.IsZero()
}

// Discounts holds per-component discount percentages (0–100).
type Discounts struct {
	Structuring decimal.Decimal `json:"structuring"`
	Management  decimal.Decimal `json:"management"`
	Performance decimal.Decimal `json:"performance"`
	Premium     decimal.Decimal `json:"premium"`
}

// FeeApplication is one recorded fee row for a transaction. Fee rows are
// non-negative; discount rows carry a _DISCOUNT component and a negative
// amount.
type FeeApplication struct {
	TransactionID int64            `json:"transaction_id"`
	DealID        int64            `json:"deal_id"`
	Component     string           `json:"component"`
	Amount        decimal.Decimal  `json:"amount"`
	Percent       *decimal.Decimal `json:"percent,omitempty"`
	Basis         string           `json:"basis"`
	Precedence    int              `json:"precedence"`
	Sequence      int              `json:"sequence"` // order of application
	Notes         string           `json:"notes,omitempty"`
}

// IsDiscount reports whether the row is a discount against a base fee.
func (f FeeApplication) IsDiscount() bool {
	return strings.HasSuffix(f.Component, DiscountSuffix)
}

// BaseComponent returns the fee component a row belongs to, stripping the
// discount suffix.
func (f FeeApplication) BaseComponent() string {
	return strings.TrimSuffix(f.Component, DiscountSuffix)
}

// Transaction is one capital movement into a deal.
type Transaction struct {
	TransactionID   int64  `json:"transaction_id"`
	DealID          int64  `json:"deal_id"`
	InvestorID      int64  `json:"investor_id"`
	TransactionType string `json:"transaction_type"`

	GrossCapital decimal.Decimal `json:"gross_capital"`

	// Formula inputs; nil falls back to the deal default.
	PMSP *decimal.Decimal `json:"pmsp,omitempty"`
	ISP  *decimal.Decimal `json:"isp,omitempty"`
	SFR  *decimal.Decimal `json:"sfr,omitempty"`

	ExitUnitPrice    *decimal.Decimal `json:"exit_unit_price,omitempty"`
	InitialUnitPrice *decimal.Decimal `json:"initial_unit_price,omitempty"`

	Discounts Discounts       `json:"discounts"`
	OtherFees decimal.Decimal `json:"other_fees"`

	// InitialNetCapital is the stored value the validation engine checks.
	InitialNetCapital decimal.Decimal `json:"initial_net_capital"`

	// Post-fee transfer values checked by the net/units anomaly check.
	NetCapital decimal.Decimal `json:"net_capital"`
	Units      decimal.Decimal `json:"units"`
	UnitPrice  decimal.Decimal `json:"unit_price"`

	Fees []FeeApplication `json:"fees,omitempty"`

	TransactionDate time.Time `json:"transaction_date"`
}

// CompanyPosition is a deal's historical stake in one underlying company.
type CompanyPosition struct {
	DealID                int64           `json:"deal_id"`
	CompanyID             int64           `json:"company_id"`
	CompanyName           string          `json:"company_name"`
	SharesOwned           decimal.Decimal `json:"shares_owned"`
	PurchasePricePerShare decimal.Decimal `json:"purchase_price_per_share"`
	CostBasis             decimal.Decimal `json:"cost_basis"`
}

// EffectiveCostBasis returns the stored cost basis, or shares × purchase
// price when none was stored.
func (p CompanyPosition) EffectiveCostBasis() decimal.Decimal {
	if !p.CostBasis.IsZero() {
		return p.CostBasis
	}
	return p.SharesOwned.Mul(p.PurchasePricePerShare)
}

// InvestorPosition is an investor's invested capital in a deal.
type InvestorPosition struct {
	DealID       int64           `json:"deal_id"`
	InvestorID   int64           `json:"investor_id"`
	InvestorName string          `json:"investor_name"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
}
