package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalculationVersion is stamped on every calculation log entry.
const CalculationVersion = "2.0.0"

// CalculationStep is one line of the human-readable calculation trace:
// the symbolic formula, the formula with numbers substituted, and the
// resulting value.
type CalculationStep struct {
	Name        string          `json:"name"`
	Formula     string          `json:"formula"`
	Substituted string          `json:"substituted"`
	Result      decimal.Decimal `json:"result"`
}

// CalculationLog is an append-only audit record of one formula evaluation.
// Once created, these are never modified or deleted.
type CalculationLog struct {
	ID                  string            `json:"id"`
	TransactionID       int64             `json:"transaction_id"`
	DealID              int64             `json:"deal_id"`
	InvestorID          int64             `json:"investor_id"`
	FormulaTemplate     string            `json:"formula_template"`
	NCCalculationMethod string            `json:"nc_calculation_method"`
	FeeBaseCapital      string            `json:"fee_base_capital"`
	ConfigVersion       int               `json:"config_version"`
	Inputs              map[string]string `json:"inputs"`
	Steps               []CalculationStep `json:"steps"`
	Outputs             map[string]string `json:"outputs"`
	ValidationStatus    string            `json:"validation_status"`
	Discrepancy         decimal.Decimal   `json:"discrepancy"`
	CalculationVersion  string            `json:"calculation_version"`
	CreatedAt           time.Time         `json:"created_at"`
}

// ExitScenarioRecord is the persisted summary of one exit scenario run.
type ExitScenarioRecord struct {
	ID             string          `json:"id"`
	DealID         int64           `json:"deal_id"`
	ScenarioName   string          `json:"scenario_name"`
	ExitMultiple   decimal.Decimal `json:"exit_multiple"`
	ExitYear       int             `json:"exit_year"`
	GrossExitValue decimal.Decimal `json:"gross_exit_value"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	NetExitValue   decimal.Decimal `json:"net_exit_value"`
	NetIRR         decimal.Decimal `json:"net_irr"`
	NetMOIC        decimal.Decimal `json:"net_moic"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FormulaTemplate is a net capital formula stored as data. NCFormula is an
// arithmetic expression over GC, PMSP, ISP and SFR.
type FormulaTemplate struct {
	Code        string    `json:"formula_code"`
	Name        string    `json:"formula_name"`
	Description string    `json:"description,omitempty"`
	NCFormula   string    `json:"nc_formula"`
	Active      bool      `json:"is_active"`
	UpdatedAt   time.Time `json:"updated_at"`
}
