package validation

import (
	"context"
	"log/slog"
	"sort"

	"github.com/equitie/fee-engine/internal/formula"
	"github.com/equitie/fee-engine/internal/model"
)

// History limits.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 1000
)

// HistoryQuery selects calculation logs of one deal.
type HistoryQuery struct {
	InvestorID int64 // zero means every investor
	Limit      int   // zero means DefaultHistoryLimit
}

// CalculationHistory returns a deal's calculation logs, newest first.
func (e *Engine) CalculationHistory(ctx context.Context, dealID int64, q HistoryQuery) ([]model.CalculationLog, error) {
	if _, err := e.dealConfig(ctx, dealID); err != nil {
		return nil, err
	}
	logs, err := e.store.ListCalculationLogs(ctx, dealID)
	if err != nil {
		return nil, err
	}

	out := make([]model.CalculationLog, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		if q.InvestorID != 0 && logs[i].InvestorID != q.InvestorID {
			continue
		}
		out = append(out, logs[i])
	}
	// Reversed first so entries sharing a timestamp stay newest first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LoadTemplates registers every active stored formula template, replacing
// built-in rules of the same name. Templates that do not parse are logged
// and skipped. It returns how many were registered.
func (e *Engine) LoadTemplates(ctx context.Context) (int, error) {
	tmpls, err := e.store.ListFormulaTemplates(ctx, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tmpls {
		if err := e.registry.RegisterExpression(t.Code, t.NCFormula); err != nil {
			slog.Warn("formula template skipped", "template", t.Code, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

// Templates lists the rules the engine can evaluate.
func (e *Engine) Templates() []formula.TemplateInfo {
	return e.registry.Templates()
}
