// Package validation checks stored net capital against the deal's formula,
// recalculates rows that drifted, and detects fee application anomalies.
//
// Classifications (PASS/WARN/FAIL, OK/NET_MISMATCH, HIGH/MEDIUM/LOW) are
// results returned as data. Errors are reserved for unknown formulas,
// missing deals or transactions, and storage failures.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/equitie/fee-engine/internal/fee"
	"github.com/equitie/fee-engine/internal/formula"
	"github.com/equitie/fee-engine/internal/metrics"
	"github.com/equitie/fee-engine/internal/model"
	"github.com/equitie/fee-engine/internal/store"
)

// Validation statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

var (
	hundred       = decimal.NewFromInt(100)
	warnThreshold = decimal.NewFromInt(1) // percent
	failThreshold = decimal.NewFromInt(5) // percent
)

// DealNotFoundError is returned when an operation names a deal that does
// not exist.
type DealNotFoundError struct {
	DealID int64
}

func (e *DealNotFoundError) Error() string {
	return fmt.Sprintf("validation: deal %d not found", e.DealID)
}

// TransactionNotFoundError is returned when a transaction does not exist.
type TransactionNotFoundError struct {
	TransactionID int64
}

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("validation: transaction %d not found", e.TransactionID)
}

// Result is the outcome of validating one transaction.
type Result struct {
	TransactionID   int64                   `json:"transaction_id"`
	DealID          int64                   `json:"deal_id"`
	DealName        string                  `json:"deal_name"`
	InvestorID      int64                   `json:"investor_id"`
	FormulaTemplate string                  `json:"formula_template"`
	GrossCapital    decimal.Decimal         `json:"gross_capital"`
	StoredNC        decimal.Decimal         `json:"stored_nc"`
	CalculatedNC    decimal.Decimal         `json:"calculated_nc"`
	Discrepancy     decimal.Decimal         `json:"discrepancy"`
	DiscrepancyPct  decimal.Decimal         `json:"discrepancy_pct"`
	Status          string                  `json:"validation_status"`
	Message         string                  `json:"message,omitempty"`
	Degraded        bool                    `json:"degraded"`
	Formula         string                  `json:"formula"`
	Steps           []model.CalculationStep `json:"steps"`
	Fees            fee.Breakdown           `json:"fees"`

	inputs formula.Inputs
}

// Summary aggregates a set of results.
type Summary struct {
	TotalTransactions     int             `json:"total_transactions"`
	PassCount             int             `json:"pass_count"`
	WarnCount             int             `json:"warn_count"`
	FailCount             int             `json:"fail_count"`
	DegradedCount         int             `json:"degraded_count"`
	TotalDiscrepancy      decimal.Decimal `json:"total_discrepancy"`
	AverageDiscrepancyPct decimal.Decimal `json:"average_discrepancy_pct"`
}

// RowFailure reports a row whose write-back failed.
type RowFailure struct {
	TransactionID int64  `json:"transaction_id"`
	Error         string `json:"error"`
}

// RecalculationResult reports which rows of a deal were overwritten. Rows
// are written one at a time, so a failure leaves earlier rows updated.
type RecalculationResult struct {
	DealID            int64        `json:"deal_id"`
	TotalTransactions int          `json:"total_transactions"`
	Updated           int          `json:"updated"`
	UpdatedIDs        []int64      `json:"updated_ids"`
	Failed            []RowFailure `json:"failed"`
	Results           []Result     `json:"results"`
}

// DealOutcome is one deal's entry in a batch validation.
type DealOutcome struct {
	DealID  int64    `json:"deal_id"`
	Results []Result `json:"results,omitempty"`
	Summary Summary  `json:"summary"`
	Error   string   `json:"error,omitempty"`
}

// Engine validates deals against their formula configuration.
type Engine struct {
	store    store.Store
	registry *formula.Registry
	detector *Detector
	horizon  decimal.Decimal
	parallel int
	now      func() time.Time
}

// NewEngine creates a validation engine. A nil registry uses the built-in
// templates.
func NewEngine(st store.Store, reg *formula.Registry) *Engine {
	if reg == nil {
		reg = formula.NewRegistry()
	}
	return &Engine{
		store:    st,
		registry: reg,
		detector: NewDetector(),
		horizon:  decimal.NewFromInt(1),
		parallel: 4,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetParallelism bounds how many deals ValidateAll works on at once.
func (e *Engine) SetParallelism(n int) {
	if n > 0 {
		e.parallel = n
	}
}

// ValidateTransaction recomputes the transaction's net capital under the
// deal's formula and compares it to the stored value. It performs no I/O.
func (e *Engine) ValidateTransaction(tx model.Transaction, cfg model.DealFormulaConfig) (Result, error) {
	template := formula.TemplateFor(cfg)
	in := formula.InputsFor(tx, cfg)

	ev, err := e.registry.Evaluate(template, tx.GrossCapital, in)
	if err != nil {
		return Result{}, err
	}
	metrics.FormulaEvaluations.WithLabelValues(ev.Template, strconv.FormatBool(ev.Degraded)).Inc()

	breakdown := fee.Compute(cfg, fee.Request{
		GrossCapital:     tx.GrossCapital,
		NetCapital:       ev.NetCapital,
		Discounts:        tx.Discounts,
		TimeHorizonYears: e.horizon,
		ExitUnitPrice:    tx.ExitUnitPrice,
		InitialUnitPrice: tx.InitialUnitPrice,
		OtherFees:        tx.OtherFees,
	})

	stored := tx.InitialNetCapital
	discrepancy := ev.NetCapital.Sub(stored).Abs()
	pct := decimal.Zero
	if !stored.IsZero() {
		pct = discrepancy.Div(stored.Abs()).Mul(hundred)
	}
	status, msg := classify(pct)

	r := Result{
		TransactionID:   tx.TransactionID,
		DealID:          tx.DealID,
		DealName:        cfg.Name,
		InvestorID:      tx.InvestorID,
		FormulaTemplate: ev.Template,
		GrossCapital:    tx.GrossCapital,
		StoredNC:        stored,
		CalculatedNC:    ev.NetCapital,
		Discrepancy:     discrepancy,
		DiscrepancyPct:  pct,
		Status:          status,
		Message:         msg,
		Degraded:        ev.Degraded,
		Formula:         ev.Formula,
		Steps:           append([]model.CalculationStep{ev.Step()}, breakdown.Steps...),
		Fees:            breakdown,
		inputs:          in,
	}
	if ev.Degraded {
		r.Message = joinMessage(r.Message, "formula inputs missing, identity applied")
	}
	return r, nil
}

// classify maps a discrepancy percentage to a status. Bounds are strict:
// exactly 1% is WARN and exactly 5% is FAIL.
func classify(pct decimal.Decimal) (string, string) {
	switch {
	case pct.LessThan(warnThreshold):
		return StatusPass, ""
	case pct.LessThan(failThreshold):
		return StatusWarn, fmt.Sprintf("Minor discrepancy detected (%s%%)", pct.StringFixed(2))
	default:
		return StatusFail, fmt.Sprintf("Large discrepancy detected (%s%%)", pct.StringFixed(2))
	}
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// ValidateDeal validates every primary transaction of a deal and appends
// one calculation log per transaction.
func (e *Engine) ValidateDeal(ctx context.Context, dealID int64) ([]Result, error) {
	start := time.Now()
	defer func() {
		metrics.ValidationLatency.WithLabelValues("validate_deal").Observe(time.Since(start).Seconds())
	}()

	cfg, txs, err := e.loadDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(txs))
	for _, tx := range txs {
		r, err := e.ValidateTransaction(tx, *cfg)
		if err != nil {
			return nil, fmt.Errorf("deal %d transaction %d: %w", dealID, tx.TransactionID, err)
		}
		metrics.ValidationsTotal.WithLabelValues(r.Status).Inc()
		e.audit(ctx, *cfg, tx, r)
		results = append(results, r)
	}

	slog.Info("deal validated",
		"deal_id", dealID,
		"config_version", cfg.Version,
		"transactions", len(results),
	)
	return results, nil
}

// RecalculateDeal validates a deal and overwrites initial_net_capital with
// the calculated value for every WARN or FAIL row. This is destructive and
// only runs on explicit request.
func (e *Engine) RecalculateDeal(ctx context.Context, dealID int64) (*RecalculationResult, error) {
	results, err := e.ValidateDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	out := &RecalculationResult{
		DealID:            dealID,
		TotalTransactions: len(results),
		Results:           results,
	}
	for _, r := range results {
		if r.Status == StatusPass {
			continue
		}
		if err := e.store.UpdateTransactionNetCapital(ctx, r.TransactionID, r.CalculatedNC); err != nil {
			metrics.RecalculationWrites.WithLabelValues("failed").Inc()
			slog.Error("net capital write failed",
				"deal_id", dealID,
				"transaction_id", r.TransactionID,
				"err", err,
			)
			out.Failed = append(out.Failed, RowFailure{TransactionID: r.TransactionID, Error: err.Error()})
			continue
		}
		metrics.RecalculationWrites.WithLabelValues("updated").Inc()
		out.Updated++
		out.UpdatedIDs = append(out.UpdatedIDs, r.TransactionID)
	}

	slog.Info("deal recalculated",
		"deal_id", dealID,
		"updated", out.Updated,
		"failed", len(out.Failed),
	)
	return out, nil
}

// RecalculateTransaction validates one transaction and overwrites its
// stored net capital when the status is not PASS. The returned bool reports
// whether a write happened.
func (e *Engine) RecalculateTransaction(ctx context.Context, transactionID int64) (*Result, bool, error) {
	tx, err := e.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, &TransactionNotFoundError{TransactionID: transactionID}
	}
	if err != nil {
		return nil, false, err
	}

	cfg, err := e.dealConfig(ctx, tx.DealID)
	if err != nil {
		return nil, false, err
	}

	r, err := e.ValidateTransaction(*tx, *cfg)
	if err != nil {
		return nil, false, err
	}
	metrics.ValidationsTotal.WithLabelValues(r.Status).Inc()
	e.audit(ctx, *cfg, *tx, r)

	if r.Status == StatusPass {
		return &r, false, nil
	}
	if err := e.store.UpdateTransactionNetCapital(ctx, transactionID, r.CalculatedNC); err != nil {
		metrics.RecalculationWrites.WithLabelValues("failed").Inc()
		return &r, false, err
	}
	metrics.RecalculationWrites.WithLabelValues("updated").Inc()
	slog.Info("transaction recalculated",
		"deal_id", tx.DealID,
		"transaction_id", transactionID,
		"stored_nc", r.StoredNC.String(),
		"calculated_nc", r.CalculatedNC.String(),
	)
	return &r, true, nil
}

// ValidateAll validates several deals concurrently. A nil or empty list
// means every deal in the store. A deal that fails (for example on an
// unknown template) reports its error in its outcome and the batch goes on;
// only context cancellation aborts the batch.
func (e *Engine) ValidateAll(ctx context.Context, dealIDs []int64) ([]DealOutcome, error) {
	if len(dealIDs) == 0 {
		ids, err := e.store.ListDealIDs(ctx)
		if err != nil {
			return nil, err
		}
		dealIDs = ids
	}

	outcomes := make([]DealOutcome, len(dealIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for i, id := range dealIDs {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results, err := e.ValidateDeal(gctx, id)
			outcomes[i] = DealOutcome{DealID: id, Results: results, Summary: Summarize(results)}
			if err != nil {
				slog.Warn("deal validation failed", "deal_id", id, "err", err)
				outcomes[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Summarize counts statuses and averages the discrepancy percentage.
func Summarize(results []Result) Summary {
	s := Summary{TotalTransactions: len(results)}
	sumPct := decimal.Zero
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			s.PassCount++
		case StatusWarn:
			s.WarnCount++
		case StatusFail:
			s.FailCount++
		}
		if r.Degraded {
			s.DegradedCount++
		}
		s.TotalDiscrepancy = s.TotalDiscrepancy.Add(r.Discrepancy)
		sumPct = sumPct.Add(r.DiscrepancyPct)
	}
	if len(results) > 0 {
		s.AverageDiscrepancyPct = sumPct.Div(decimal.NewFromInt(int64(len(results))))
	}
	return s
}

// Discrepancies returns results whose absolute discrepancy exceeds
// threshold, largest first.
func Discrepancies(results []Result, threshold decimal.Decimal) []Result {
	var out []Result
	for _, r := range results {
		if r.Discrepancy.GreaterThan(threshold) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Discrepancy.GreaterThan(out[j].Discrepancy)
	})
	return out
}

// --- Loading and audit ---

// dealConfig reads a deal's configuration and makes sure its template is
// resolvable, loading a stored formula if needed.
func (e *Engine) dealConfig(ctx context.Context, dealID int64) (*model.DealFormulaConfig, error) {
	cfg, err := e.store.GetDealConfig(ctx, dealID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &DealNotFoundError{DealID: dealID}
	}
	if err != nil {
		return nil, err
	}
	if err := e.ensureTemplate(ctx, formula.TemplateFor(*cfg)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureTemplate registers the stored formula for name when no rule is
// registered under it. A template absent from the store is left for
// Evaluate to report as unknown.
func (e *Engine) ensureTemplate(ctx context.Context, name string) error {
	if e.registry.Has(name) {
		return nil
	}
	tmpl, err := e.store.GetFormulaTemplate(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !tmpl.Active {
		return nil
	}
	if err := e.registry.RegisterExpression(tmpl.Code, tmpl.NCFormula); err != nil {
		return err
	}
	slog.Info("formula template loaded", "template", tmpl.Code, "formula", tmpl.NCFormula)
	return nil
}

// loadDeal reads the config snapshot and primary transactions once.
func (e *Engine) loadDeal(ctx context.Context, dealID int64) (*model.DealFormulaConfig, []model.Transaction, error) {
	cfg, err := e.dealConfig(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}
	txs, err := e.store.ListTransactions(ctx, dealID, model.TxPrimary)
	if err != nil {
		return nil, nil, err
	}
	return cfg, txs, nil
}

// audit appends a calculation log. Failures are logged and counted, never
// returned.
func (e *Engine) audit(ctx context.Context, cfg model.DealFormulaConfig, tx model.Transaction, r Result) {
	entry := &model.CalculationLog{
		ID:                  uuid.NewString(),
		TransactionID:       tx.TransactionID,
		DealID:              tx.DealID,
		InvestorID:          tx.InvestorID,
		FormulaTemplate:     r.FormulaTemplate,
		NCCalculationMethod: cfg.NCCalculationMethod,
		FeeBaseCapital:      cfg.FeeBaseCapital,
		ConfigVersion:       cfg.Version,
		Inputs:              logInputs(tx, r.inputs),
		Steps:               r.Steps,
		Outputs: map[string]string{
			"calculated_nc":     r.CalculatedNC.String(),
			"total_fees":        r.Fees.Total.String(),
			"investor_proceeds": r.Fees.InvestorProceeds.String(),
			"discrepancy_pct":   r.DiscrepancyPct.StringFixed(4),
		},
		ValidationStatus:   r.Status,
		Discrepancy:        r.Discrepancy,
		CalculationVersion: model.CalculationVersion,
		CreatedAt:          e.now(),
	}
	if err := e.store.AppendCalculationLog(ctx, entry); err != nil {
		metrics.AuditLogFailures.Inc()
		slog.Warn("calculation log write failed",
			"deal_id", tx.DealID,
			"transaction_id", tx.TransactionID,
			"err", err,
		)
	}
}

func logInputs(tx model.Transaction, in formula.Inputs) map[string]string {
	m := map[string]string{
		"gross_capital": tx.GrossCapital.String(),
		"stored_nc":     tx.InitialNetCapital.String(),
	}
	if in.PMSP != nil {
		m["pmsp"] = in.PMSP.String()
	}
	if in.ISP != nil {
		m["isp"] = in.ISP.String()
	}
	if in.SFR != nil {
		m["sfr"] = in.SFR.String()
	}
	return m
}
