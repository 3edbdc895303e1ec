package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

// Timeout bounds every call to the wrapped store with a deadline. A zero or
// negative duration disables the limit.
type Timeout struct {
	inner Store
	d     time.Duration
}

// WithTimeout wraps s so each call runs under its own deadline of d.
func WithTimeout(s Store, d time.Duration) *Timeout {
	return &Timeout{inner: s, d: d}
}

func (t *Timeout) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if t.d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, t.d)
}

func (t *Timeout) GetDealConfig(ctx context.Context, dealID int64) (*model.DealFormulaConfig, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	cfg, err := t.inner.GetDealConfig(ctx, dealID)
	return cfg, wrap("get deal config", err)
}

func (t *Timeout) ListDealIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	ids, err := t.inner.ListDealIDs(ctx)
	return ids, wrap("list deals", err)
}

func (t *Timeout) ListTransactions(ctx context.Context, dealID int64, txType string) ([]model.Transaction, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	txs, err := t.inner.ListTransactions(ctx, dealID, txType)
	return txs, wrap("list transactions", err)
}

func (t *Timeout) GetTransaction(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	tx, err := t.inner.GetTransaction(ctx, transactionID)
	return tx, wrap("get transaction", err)
}

func (t *Timeout) UpdateTransactionNetCapital(ctx context.Context, transactionID int64, value decimal.Decimal) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return wrap("update net capital", t.inner.UpdateTransactionNetCapital(ctx, transactionID, value))
}

func (t *Timeout) AppendCalculationLog(ctx context.Context, entry *model.CalculationLog) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return wrap("append calculation log", t.inner.AppendCalculationLog(ctx, entry))
}

func (t *Timeout) ListCalculationLogs(ctx context.Context, dealID int64) ([]model.CalculationLog, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	logs, err := t.inner.ListCalculationLogs(ctx, dealID)
	return logs, wrap("list calculation logs", err)
}

func (t *Timeout) GetFormulaTemplate(ctx context.Context, code string) (*model.FormulaTemplate, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	tmpl, err := t.inner.GetFormulaTemplate(ctx, code)
	return tmpl, wrap("get formula template", err)
}

func (t *Timeout) ListFormulaTemplates(ctx context.Context, activeOnly bool) ([]model.FormulaTemplate, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	ts, err := t.inner.ListFormulaTemplates(ctx, activeOnly)
	return ts, wrap("list formula templates", err)
}

func (t *Timeout) ListCompanyPositions(ctx context.Context, dealID int64) ([]model.CompanyPosition, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	ps, err := t.inner.ListCompanyPositions(ctx, dealID)
	return ps, wrap("list company positions", err)
}

func (t *Timeout) ListInvestorPositions(ctx context.Context, dealID int64) ([]model.InvestorPosition, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	ps, err := t.inner.ListInvestorPositions(ctx, dealID)
	return ps, wrap("list investor positions", err)
}

func (t *Timeout) SaveExitScenario(ctx context.Context, rec *model.ExitScenarioRecord) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return wrap("save exit scenario", t.inner.SaveExitScenario(ctx, rec))
}

func (t *Timeout) ListExitScenarios(ctx context.Context, dealID int64) ([]model.ExitScenarioRecord, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	recs, err := t.inner.ListExitScenarios(ctx, dealID)
	return recs, wrap("list exit scenarios", err)
}

// InvalidateDeal forwards to the wrapped store when it caches deal
// configuration.
func (t *Timeout) InvalidateDeal(ctx context.Context, dealID int64) {
	if c, ok := t.inner.(interface {
		InvalidateDeal(context.Context, int64)
	}); ok {
		c.InvalidateDeal(ctx, dealID)
	}
}
