package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/metrics"
	"github.com/equitie/fee-engine/internal/model"
	"github.com/equitie/fee-engine/internal/store"
)

// Severities.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
	SeverityLow    = "LOW"
)

// Anomaly types.
const (
	AnomalyPrecedence = "PRECEDENCE_ERROR"
	AnomalySign       = "SIGN_ERROR"
	AnomalyBasis      = "BASIS_ERROR"
)

// Net/units and discount check outcomes.
const (
	CheckOK        = "OK"
	NetMismatch    = "NET_MISMATCH"
	UnitsMismatch  = "UNITS_MISMATCH"
	ExcessDiscount = "EXCESS_DISCOUNT"

	DiscountHigh   = "HIGH_DISCOUNT"
	DiscountMedium = "MEDIUM_DISCOUNT"
	DiscountNormal = "NORMAL"
)

// DefaultPrecedence is the application order used when a deal's fee
// schedule does not override it. Unlisted components sort last.
var DefaultPrecedence = map[string]int{
	model.ComponentPremium:     1,
	model.ComponentStructuring: 2,
	model.ComponentManagement:  3,
	model.ComponentAdmin:       4,
	model.ComponentPerformance: 5,
	model.ComponentAdvisory:    6,
}

const otherPrecedence = 99

var (
	defaultTolerance = decimal.NewFromFloat(0.01)
	highDiscountPct  = decimal.NewFromInt(50)
	medDiscountPct   = decimal.NewFromInt(25)
)

// Anomaly is one fee application row that breaks an ordering, sign or
// basis rule.
type Anomaly struct {
	TransactionID int64           `json:"transaction_id"`
	DealID        int64           `json:"deal_id"`
	Component     string          `json:"component"`
	Amount        decimal.Decimal `json:"amount"`
	Precedence    int             `json:"precedence"`
	Basis         string          `json:"basis,omitempty"`
	Type          string          `json:"type"`
	Severity      string          `json:"severity"`
	Message       string          `json:"message"`
}

// FeeCheck compares a transaction's recorded net capital and units with
// what its fee rows imply.
type FeeCheck struct {
	TransactionID   int64           `json:"transaction_id"`
	DealID          int64           `json:"deal_id"`
	GrossCapital    decimal.Decimal `json:"gross_capital"`
	NetCapital      decimal.Decimal `json:"net_capital"`
	TotalFees       decimal.Decimal `json:"total_fees"`
	TotalDiscounts  decimal.Decimal `json:"total_discounts"`
	ExpectedNet     decimal.Decimal `json:"expected_net"`
	NetResidual     decimal.Decimal `json:"net_residual"`
	ExpectedUnits   decimal.Decimal `json:"expected_units"`
	NetValidation   string          `json:"net_validation"`
	UnitsValidation string          `json:"units_validation"`
}

// DiscountCheck compares a discount with the fee it reduces.
type DiscountCheck struct {
	TransactionID     int64           `json:"transaction_id"`
	DealID            int64           `json:"deal_id"`
	BaseComponent     string          `json:"base_component"`
	BaseAmount        decimal.Decimal `json:"base_amount"`
	DiscountComponent string          `json:"discount_component"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	DiscountPercent   decimal.Decimal `json:"discount_percent"`
	Status            string          `json:"validation_status"`
	Level             string          `json:"discount_level"`
}

// HealthCounts are the inputs to a health score.
type HealthCounts struct {
	TotalTransactions int `json:"total_transactions"`
	TotalDeals        int `json:"total_deals"`
	High              int `json:"high_severity_issues"`
	Medium            int `json:"medium_severity_issues"`
	Low               int `json:"low_severity_issues"`
	NetMismatches     int `json:"net_mismatches"`
	UnitMismatches    int `json:"unit_mismatches"`
	ExcessDiscounts   int `json:"excess_discounts"`
	HighDiscounts     int `json:"high_discounts"`
}

// ScoreFunc turns health counts into a 0-100 score.
type ScoreFunc func(HealthCounts) float64

// DefaultScore subtracts weighted issue counts per transaction from 100.
func DefaultScore(c HealthCounts) float64 {
	if c.TotalTransactions == 0 {
		return 100
	}
	penalty := 10*c.High + 5*c.Medium + 5*c.NetMismatches + 2*c.UnitMismatches + 5*c.ExcessDiscounts + c.HighDiscounts
	score := 100 - float64(penalty)/float64(c.TotalTransactions)
	return max(0, min(100, score))
}

// Report is a deal's fee health report.
type Report struct {
	DealID          int64           `json:"deal_id"`
	Counts          HealthCounts    `json:"summary"`
	HealthScore     float64         `json:"health_score"`
	Anomalies       []Anomaly       `json:"anomalies"`
	ValidationErrs  []FeeCheck      `json:"validation_errors"`
	DiscountIssues  []DiscountCheck `json:"discount_issues"`
	Recommendations []string        `json:"recommendations"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// Invariants is the outcome of CheckInvariants.
type Invariants struct {
	TransactionID int64    `json:"transaction_id"`
	Valid         bool     `json:"valid"`
	Violations    []string `json:"violations"`
}

// Detector inspects recorded fee application rows. Score may be replaced
// to change the health policy without touching detection.
type Detector struct {
	Score     ScoreFunc
	Tolerance decimal.Decimal
}

// NewDetector returns a detector using DefaultScore and a one-cent
// residual tolerance.
func NewDetector() *Detector {
	return &Detector{Score: DefaultScore, Tolerance: defaultTolerance}
}

// precedence returns the expected order of a component under cfg.
func precedence(cfg model.DealFormulaConfig, component string) int {
	for _, e := range cfg.FeeSchedule {
		if e.Component == component && e.Precedence > 0 {
			return e.Precedence
		}
	}
	if p, ok := DefaultPrecedence[component]; ok {
		return p
	}
	return otherPrecedence
}

func scheduledBasis(cfg model.DealFormulaConfig, component string) string {
	for _, e := range cfg.FeeSchedule {
		if e.Component == component {
			return e.Basis
		}
	}
	return ""
}

func inSequence(fees []model.FeeApplication) []model.FeeApplication {
	rows := append([]model.FeeApplication(nil), fees...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Sequence < rows[j].Sequence })
	return rows
}

// Anomalies runs the precedence, sign and basis checks on one transaction.
func (d *Detector) Anomalies(tx model.Transaction, cfg model.DealFormulaConfig) []Anomaly {
	var out []Anomaly
	add := func(f model.FeeApplication, typ, sev, msg string) {
		out = append(out, Anomaly{
			TransactionID: tx.TransactionID,
			DealID:        tx.DealID,
			Component:     f.Component,
			Amount:        f.Amount,
			Precedence:    precedence(cfg, f.BaseComponent()),
			Basis:         f.Basis,
			Type:          typ,
			Severity:      sev,
			Message:       msg,
		})
	}

	rows := inSequence(tx.Fees)

	// Precedence, over fee rows only.
	var first *model.FeeApplication
	hasPremium := false
	highest, highestComp := 0, ""
	for i := range rows {
		f := rows[i]
		if f.IsDiscount() {
			continue
		}
		if first == nil {
			first = &rows[i]
		}
		if f.Component == model.ComponentPremium {
			hasPremium = true
		}
		p := precedence(cfg, f.Component)
		if p < highest {
			add(f, AnomalyPrecedence, SeverityHigh,
				fmt.Sprintf("%s (precedence %d) applied after %s (precedence %d)", f.Component, p, highestComp, highest))
			continue
		}
		highest, highestComp = p, f.Component
	}
	if hasPremium && first != nil && first.Component != model.ComponentPremium {
		add(*first, AnomalyPrecedence, SeverityLow,
			fmt.Sprintf("first fee applied is %s, expected %s", first.Component, model.ComponentPremium))
	}

	for _, f := range rows {
		// Sign.
		switch {
		case f.IsDiscount() && f.Amount.IsPositive():
			add(f, AnomalySign, SeverityHigh, fmt.Sprintf("discount %s has positive amount %s", f.Component, f.Amount))
		case !f.IsDiscount() && f.Amount.IsNegative():
			add(f, AnomalySign, SeverityHigh, fmt.Sprintf("fee %s has negative amount %s", f.Component, f.Amount))
		}

		// Basis.
		if want := scheduledBasis(cfg, f.BaseComponent()); want != "" && f.Basis != want {
			add(f, AnomalyBasis, SeverityMedium, fmt.Sprintf("%s basis %s, deal declares %s", f.Component, f.Basis, want))
		}
	}
	return out
}

// CheckFees compares stored net capital and units with the fee rows.
// Transactions without recorded fee rows are reported OK.
func (d *Detector) CheckFees(tx model.Transaction) FeeCheck {
	c := FeeCheck{
		TransactionID:   tx.TransactionID,
		DealID:          tx.DealID,
		GrossCapital:    tx.GrossCapital,
		NetCapital:      tx.NetCapital,
		NetValidation:   CheckOK,
		UnitsValidation: CheckOK,
	}
	for _, f := range tx.Fees {
		if f.IsDiscount() {
			c.TotalDiscounts = c.TotalDiscounts.Add(f.Amount.Abs())
		} else {
			c.TotalFees = c.TotalFees.Add(f.Amount)
		}
	}
	c.ExpectedNet = tx.GrossCapital.Sub(c.TotalFees).Add(c.TotalDiscounts)
	c.NetResidual = c.ExpectedNet.Sub(tx.NetCapital).Abs()

	if len(tx.Fees) > 0 && c.NetResidual.GreaterThan(d.Tolerance) {
		c.NetValidation = NetMismatch
	}
	if tx.UnitPrice.IsPositive() {
		c.ExpectedUnits = tx.NetCapital.Div(tx.UnitPrice).Floor()
		if !tx.Units.Equal(c.ExpectedUnits) {
			c.UnitsValidation = UnitsMismatch
		}
	}
	return c
}

// CheckDiscounts compares each discount with its base fee. A discount
// larger than its fee is EXCESS_DISCOUNT and is never clipped.
func (d *Detector) CheckDiscounts(tx model.Transaction) []DiscountCheck {
	base := make(map[string]decimal.Decimal)
	disc := make(map[string]decimal.Decimal)
	var order []string
	for _, f := range tx.Fees {
		comp := f.BaseComponent()
		if f.IsDiscount() {
			if _, seen := disc[comp]; !seen {
				order = append(order, comp)
			}
			disc[comp] = disc[comp].Add(f.Amount.Abs())
			continue
		}
		base[comp] = base[comp].Add(f.Amount)
	}

	out := make([]DiscountCheck, 0, len(order))
	for _, comp := range order {
		c := DiscountCheck{
			TransactionID:     tx.TransactionID,
			DealID:            tx.DealID,
			BaseComponent:     comp,
			BaseAmount:        base[comp],
			DiscountComponent: comp + model.DiscountSuffix,
			DiscountAmount:    disc[comp],
			Status:            CheckOK,
			Level:             DiscountNormal,
		}
		if c.BaseAmount.IsPositive() {
			c.DiscountPercent = c.DiscountAmount.Div(c.BaseAmount).Mul(hundred)
		}
		if c.DiscountAmount.GreaterThan(c.BaseAmount) {
			c.Status = ExcessDiscount
		}
		switch {
		case c.Status == ExcessDiscount || c.DiscountPercent.GreaterThan(highDiscountPct):
			c.Level = DiscountHigh
		case c.DiscountPercent.GreaterThan(medDiscountPct):
			c.Level = DiscountMedium
		}
		out = append(out, c)
	}
	return out
}

// Report runs every check over a deal's transactions.
func (d *Detector) Report(cfg model.DealFormulaConfig, txs []model.Transaction) Report {
	r := Report{
		DealID:          cfg.DealID,
		Anomalies:       []Anomaly{},
		ValidationErrs:  []FeeCheck{},
		DiscountIssues:  []DiscountCheck{},
		Recommendations: []string{},
		GeneratedAt:     time.Now().UTC(),
	}
	r.Counts.TotalTransactions = len(txs)
	r.Counts.TotalDeals = 1

	for _, tx := range txs {
		for _, a := range d.Anomalies(tx, cfg) {
			switch a.Severity {
			case SeverityHigh:
				r.Counts.High++
			case SeverityMedium:
				r.Counts.Medium++
			default:
				r.Counts.Low++
			}
			r.Anomalies = append(r.Anomalies, a)
		}

		fc := d.CheckFees(tx)
		if fc.NetValidation != CheckOK {
			r.Counts.NetMismatches++
		}
		if fc.UnitsValidation != CheckOK {
			r.Counts.UnitMismatches++
		}
		if fc.NetValidation != CheckOK || fc.UnitsValidation != CheckOK {
			r.ValidationErrs = append(r.ValidationErrs, fc)
		}

		for _, dc := range d.CheckDiscounts(tx) {
			switch {
			case dc.Status == ExcessDiscount:
				r.Counts.ExcessDiscounts++
			case dc.Level == DiscountHigh:
				r.Counts.HighDiscounts++
			}
			if dc.Status != CheckOK || dc.Level != DiscountNormal {
				r.DiscountIssues = append(r.DiscountIssues, dc)
			}
		}
	}

	score := d.Score
	if score == nil {
		score = DefaultScore
	}
	r.HealthScore = score(r.Counts)
	r.Recommendations = recommendations(r.Counts, r.HealthScore)
	return r
}

func recommendations(c HealthCounts, score float64) []string {
	recs := []string{}
	if c.High > 0 {
		recs = append(recs, "URGENT: Fix high severity issues immediately")
	}
	if c.NetMismatches > 0 {
		recs = append(recs, "Review net capital calculations")
	}
	if c.ExcessDiscounts > 0 {
		recs = append(recs, "Review discounts that exceed base fees")
	}
	switch {
	case score < 50:
		recs = append(recs, "System health is poor - immediate attention required")
	case score < 75:
		recs = append(recs, "System health needs improvement")
	}
	return recs
}

// CheckInvariants lists every violated fee invariant of one transaction.
func (d *Detector) CheckInvariants(tx model.Transaction, cfg model.DealFormulaConfig) Invariants {
	inv := Invariants{TransactionID: tx.TransactionID, Violations: []string{}}

	for _, a := range d.Anomalies(tx, cfg) {
		if a.Severity == SeverityHigh {
			inv.Violations = append(inv.Violations, a.Type+": "+a.Message)
		}
	}

	fc := d.CheckFees(tx)
	if fc.NetValidation != CheckOK {
		inv.Violations = append(inv.Violations,
			fmt.Sprintf("%s: expected %s, got %s", NetMismatch, fc.ExpectedNet, fc.NetCapital))
	}
	if fc.UnitsValidation != CheckOK {
		inv.Violations = append(inv.Violations,
			fmt.Sprintf("%s: expected %s, got %s", UnitsMismatch, fc.ExpectedUnits, tx.Units))
	}

	for _, dc := range d.CheckDiscounts(tx) {
		if dc.Status != CheckOK {
			inv.Violations = append(inv.Violations, dc.Status+": "+dc.DiscountComponent)
		}
	}

	inv.Valid = len(inv.Violations) == 0
	return inv
}

// --- Engine entry points ---

// SetDetector replaces the anomaly detector.
func (e *Engine) SetDetector(d *Detector) {
	if d != nil {
		e.detector = d
	}
}

// AnomalyReport loads a deal once and builds its fee health report.
func (e *Engine) AnomalyReport(ctx context.Context, dealID int64) (*Report, error) {
	cfg, txs, err := e.loadDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	r := e.detector.Report(*cfg, txs)
	for _, a := range r.Anomalies {
		metrics.AnomaliesTotal.WithLabelValues(a.Type, a.Severity).Inc()
	}
	metrics.HealthScore.WithLabelValues(strconv.FormatInt(dealID, 10)).Set(r.HealthScore)
	return &r, nil
}

// CheckTransaction runs CheckInvariants for one stored transaction.
func (e *Engine) CheckTransaction(ctx context.Context, transactionID int64) (*Invariants, error) {
	tx, err := e.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &TransactionNotFoundError{TransactionID: transactionID}
	}
	if err != nil {
		return nil, err
	}
	cfg, err := e.dealConfig(ctx, tx.DealID)
	if err != nil {
		return nil, err
	}
	inv := e.detector.CheckInvariants(*tx, *cfg)
	return &inv, nil
}
