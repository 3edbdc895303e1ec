package validation_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/formula"
	"github.com/equitie/fee-engine/internal/model"
	"github.com/equitie/fee-engine/internal/store"
	"github.com/equitie/fee-engine/internal/validation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func p(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

func seedDeal(t *testing.T, ms *store.MemoryStore, dealID int64, template string) {
	t.Helper()
	ms.PutDeal(model.DealFormulaConfig{
		DealID:                dealID,
		Name:                  "Deal",
		FormulaTemplate:       template,
		FeeBaseCapital:        model.FeeBaseGC,
		StructuringFeePercent: d(4),
		ManagementFeePercent:  d(2),
		AdminFee:              d(350),
		Version:               3,
	})
}

func seedTx(t *testing.T, ms *store.MemoryStore, tx model.Transaction) {
	t.Helper()
	if tx.TransactionType == "" {
		tx.TransactionType = model.TxPrimary
	}
	if err := ms.PutTransaction(tx); err != nil {
		t.Fatalf("failed to seed transaction: %v", err)
	}
}

func TestValidateTransaction_ThresholdBoundaries(t *testing.T) {
	eng := validation.NewEngine(store.NewMemoryStore(), nil)
	cfg := model.DealFormulaConfig{DealID: 1, FormulaTemplate: formula.TemplateStandard}

	tests := []struct {
		gc   float64
		want string
	}{
		{100, validation.StatusPass},
		{100.99, validation.StatusPass},
		{101, validation.StatusWarn}, // exactly 1%
		{104.99, validation.StatusWarn},
		{105, validation.StatusFail}, // exactly 5%
		{150, validation.StatusFail},
	}
	for _, tt := range tests {
		r, err := eng.ValidateTransaction(model.Transaction{
			TransactionID:     1,
			DealID:            1,
			GrossCapital:      d(tt.gc),
			InitialNetCapital: d(100),
		}, cfg)
		if err != nil {
			t.Fatalf("gc=%v: unexpected error: %v", tt.gc, err)
		}
		if r.Status != tt.want {
			t.Errorf("gc=%v: got %s (pct %s), want %s", tt.gc, r.Status, r.DiscrepancyPct, tt.want)
		}
	}
}

func TestValidateTransaction_ZeroStoredNC(t *testing.T) {
	eng := validation.NewEngine(store.NewMemoryStore(), nil)
	r, err := eng.ValidateTransaction(model.Transaction{GrossCapital: d(5000)}, model.DealFormulaConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.DiscrepancyPct.IsZero() || r.Status != validation.StatusPass {
		t.Errorf("zero stored NC: got pct %s status %s", r.DiscrepancyPct, r.Status)
	}
	if !r.Discrepancy.Equal(d(5000)) {
		t.Errorf("discrepancy should still be reported, got %s", r.Discrepancy)
	}
}

func TestValidateTransaction_UsesDealDefaults(t *testing.T) {
	eng := validation.NewEngine(store.NewMemoryStore(), nil)
	cfg := model.DealFormulaConfig{FormulaTemplate: formula.TemplateOpenAI, SFR: p(0.2), PMSP: p(150), ISP: p(100)}

	r, err := eng.ValidateTransaction(model.Transaction{GrossCapital: d(100000), InitialNetCapital: d(120000)}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.CalculatedNC.Equal(d(120000)) {
		t.Errorf("got %s, want 120000", r.CalculatedNC)
	}
	if r.Status != validation.StatusPass || r.Degraded {
		t.Errorf("expected clean PASS, got %s degraded=%v", r.Status, r.Degraded)
	}
	if len(r.Steps) < 2 || r.Steps[0].Name != "net_capital" {
		t.Errorf("expected net capital step first, got %+v", r.Steps)
	}
}

func TestValidateTransaction_DegradedFlagged(t *testing.T) {
	eng := validation.NewEngine(store.NewMemoryStore(), nil)
	cfg := model.DealFormulaConfig{FormulaTemplate: formula.TemplateSpaceX2}

	r, _ := eng.ValidateTransaction(model.Transaction{GrossCapital: d(1000), InitialNetCapital: d(1000)}, cfg)
	if !r.Degraded {
		t.Fatal("expected degraded result when pmsp/isp missing")
	}
	if !strings.Contains(r.Message, "inputs missing") {
		t.Errorf("expected degraded message, got %q", r.Message)
	}
}

func TestValidateTransaction_StrictRegistry(t *testing.T) {
	reg := formula.NewRegistry()
	reg.SetStrict(true)
	eng := validation.NewEngine(store.NewMemoryStore(), reg)

	_, err := eng.ValidateTransaction(model.Transaction{GrossCapital: d(1000)},
		model.DealFormulaConfig{FormulaTemplate: formula.TemplateImpossible})
	if !errors.Is(err, formula.ErrIncompleteInputs) {
		t.Fatalf("expected ErrIncompleteInputs, got %v", err)
	}
}

func TestValidateDeal_LogsEveryPrimaryTransaction(t *testing.T) {
	ms := store.NewMemoryStore()
	seedDeal(t, ms, 1, formula.TemplateStandard)
	seedTx(t, ms, model.Transaction{TransactionID: 1, DealID: 1, GrossCapital: d(1000), InitialNetCapital: d(1000)})
	seedTx(t, ms, model.Transaction{TransactionID: 2, DealID: 1, GrossCapital: d(2000), InitialNetCapital: d(1800)})
	seedTx(t, ms, model.Transaction{TransactionID: 3, DealID: 1, TransactionType: model.TxSecondary, GrossCapital: d(10)})

	eng := validation.NewEngine(ms, nil)
	results, err := eng.ValidateDeal(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 primary results, got %d", len(results))
	}
	if results[1].Status != validation.StatusFail {
		t.Errorf("expected FAIL for 11%% discrepancy, got %s", results[1].Status)
	}

	logs, _ := ms.ListCalculationLogs(context.Background(), 1)
	if len(logs) != 2 {
		t.Fatalf("expected 2 calculation logs, got %d", len(logs))
	}
	l := logs[1]
	if l.ID == "" || l.ConfigVersion != 3 || l.CalculationVersion != model.CalculationVersion {
		t.Errorf("unexpected log header: %+v", l)
	}
	if l.ValidationStatus != validation.StatusFail || !l.Discrepancy.Equal(d(200)) {
		t.Errorf("unexpected log outcome: %s %s", l.ValidationStatus, l.Discrepancy)
	}
	if l.Inputs["gross_capital"] != "2000" || l.Outputs["calculated_nc"] != "2000" {
		t.Errorf("unexpected log inputs/outputs: %v %v", l.Inputs, l.Outputs)
	}
}

func TestValidateDeal_NotFound(t *testing.T) {
	eng := validation.NewEngine(store.NewMemoryStore(), nil)
	_, err := eng.ValidateDeal(context.Background(), 77)
	var nf *validation.DealNotFoundError
	if !errors.As(err, &nf) || nf.DealID != 77 {
		t.Fatalf("expected DealNotFoundError, got %v", err)
	}
}

func TestValidateDeal_UnknownFormula(t *testing.T) {
	ms := store.NewMemoryStore()
	seedDeal(t, ms, 1, "mystery")
	seedTx(t, ms, model.Transaction{TransactionID: 1, DealID: 1, GrossCapital: d(1)})

	_, err := validation.NewEngine(ms, nil).ValidateDeal(context.Background(), 1)
	var ufe *formula.UnknownFormulaError
	if !errors.As(err, &ufe) {
		t.Fatalf("expected UnknownFormulaError, got %v", err)
	}
}

// failingLogStore rejects every audit write.
type failingLogStore struct {
	*store.MemoryStore
}

func (failingLogStore) AppendCalculationLog(context.Context, *model.CalculationLog) error {
	return errors.New("disk full")
}

func TestValidateDeal_AuditFailureIsNotFatal(t *testing.T) {
	ms := store.NewMemoryStore()
	seedDeal(t, ms, 1, formula.TemplateStandard)
	seedTx(t, ms, model.Transaction{TransactionID: 1, DealID: 1, GrossCapital: d(10), InitialNetCapital: d(10)})

	results, err := validation.NewEngine(failingLogStore{ms}, nil).ValidateDeal(context.Background(), 1)
	if err != nil {
		t.Fatalf("audit failure must not fail validation: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
}

func TestRecalculateDeal_OverwritesOnlyDriftedRows(t *testing.T) {
	ms := store.NewMemoryStore()
	seedDeal(t, ms, 1, formula.TemplateStandard)
	seedTx(t, ms, model.Transaction{TransactionID: 1, DealID: 1, GrossCapital: d(1000), InitialNetCapital: d(1000)})
	seedTx(t, ms, model.Transaction{TransactionID: 2, DealID: 1, GrossCapital: d(1000), InitialNetCapital: d(980)})
	seedTx(t, ms, model.Transaction{TransactionID: 3, DealID: 1, GrossCapital: d(1000), InitialNetCapital: d(700)})

	ctx := context.Background()
	res, err := validation.NewEngine(ms, nil).RecalculateDeal(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Updated != 2 || len(res.Failed) != 0 || res.TotalTransactions != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, id := range []int64{1, 2, 3} {
		tx, _ := ms.GetTransaction(ctx, id)
		if !tx.InitialNetCapital.Equal(d(1000)) {
			t.Errorf("tx %d: stored NC %s, want 1000", id, tx.InitialNetCapital)
		}
	}
}

// flakyUpdateStore fails writes for one transaction.
type flakyUpdateStore struct {
	*store.MemoryStore
	failID int64
}

func (s flakyUpdateStore) UpdateTransactionNetCapital(ctx context.Context, id int64, v decimal.Decimal) error {
	if id == s.failID {
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpdateTransactionNetCapital(ctx, id, v)
}

func TestRecalculateDeal_ReportsPartialFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	seedDeal(t, ms, 1, formula.TemplateStandard)
	seedTx(t, ms, model.Transaction{TransactionID: 1, DealID: 1, GrossCapital: d(1000), InitialNetCapital: d(900)})
	seedTx(t, ms, model.Transaction{TransactionID: 2, DealID: 1, GrossCapital: d(1000), InitialNetCapital: d(900)})

	res, err := validation.NewEngine(flakyUpdateStore{ms, 2}, nil).RecalculateDeal(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Updated != 1 || len(res.UpdatedIDs) != 1 || res.UpdatedIDs[0] != 1 {
		t.Errorf("expected only tx 1 updated, got %+v", res.UpdatedIDs)
	}
	if len(res.Failed) != 1 || res.Failed[0].TransactionID != 2 {
		t.Errorf("expected tx 2 failure, got %+v", res.Failed)
	}
}

func TestRecalculateTransaction(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutDeal(model.DealFormulaConfig{DealID: 1, FormulaTemplate: formula.TemplateFigure})
	seedTx(t, ms, model.Transaction{TransactionID: 5, DealID: 1, GrossCapital: d(80000), SFR: p(0.35), InitialNetCapital: d(80000)})

	ctx := context.Background()
	eng := validation.NewEngine(ms, nil)

	r, updated, err := eng.RecalculateTransaction(ctx, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated || !r.CalculatedNC.Equal(d(52000)) {
		t.Fatalf("expected update to 52000, got updated=%v nc=%s", updated, r.CalculatedNC)
	}
	tx, _ := ms.GetTransaction(ctx, 5)
	if !tx.InitialNetCapital.Equal(d(52000)) {
		t.Errorf("stored NC %s, want 52000", tx.InitialNetCapital)
	}

	// Second pass is clean.
	if _, updated, _ := eng.RecalculateTransaction(ctx, 5); updated {
		t.Error("expected no write for a PASS row")
	}

	_, _, err = eng.RecalculateTransaction(ctx, 404)
	var nf *validation.TransactionNotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected TransactionNotFoundError, got %v", err)
	}
}

func TestValidateAll_UnknownFormulaDoesNotAbortBatch(t *testing.T) {
	ms := store.NewMemoryStore()
	seedDeal(t, ms, 1, formula.TemplateStandard)
	seedDeal(t, ms, 2, "mystery")
	seedDeal(t, ms, 3, formula.TemplateStandard)
	for i, deal := range []int64{1, 2, 3} {
		seedTx(t, ms, model.Transaction{TransactionID: int64(i + 1), DealID: deal, GrossCapital: d(100), InitialNetCapital: d(100)})
	}

	eng := validation.NewEngine(ms, nil)
	eng.SetParallelism(2)
	outcomes, err := eng.ValidateAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		switch o.DealID {
		case 2:
			if o.Error == "" {
				t.Error("deal 2 should report its unknown template")
			}
		default:
			if o.Error != "" || o.Summary.PassCount != 1 {
				t.Errorf("deal %d: unexpected outcome %+v", o.DealID, o)
			}
		}
	}
}

func TestSummarizeAndDiscrepancies(t *testing.T) {
	results := []validation.Result{
		{TransactionID: 1, Status: validation.StatusPass, Discrepancy: d(0.5), DiscrepancyPct: d(0.5)},
		{TransactionID: 2, Status: validation.StatusWarn, Discrepancy: d(30), DiscrepancyPct: d(3)},
		{TransactionID: 3, Status: validation.StatusFail, Discrepancy: d(80), DiscrepancyPct: d(8.5), Degraded: true},
	}
	s := validation.Summarize(results)
	if s.PassCount != 1 || s.WarnCount != 1 || s.FailCount != 1 || s.DegradedCount != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if !s.TotalDiscrepancy.Equal(d(110.5)) {
		t.Errorf("total discrepancy: got %s", s.TotalDiscrepancy)
	}
	if !s.AverageDiscrepancyPct.Equal(d(4)) {
		t.Errorf("average pct: got %s, want 4", s.AverageDiscrepancyPct)
	}

	got := validation.Discrepancies(results, d(1))
	if len(got) != 2 || got[0].TransactionID != 3 || got[1].TransactionID != 2 {
		t.Errorf("expected tx 3 then 2, got %+v", got)
	}

	if empty := validation.Summarize(nil); !empty.AverageDiscrepancyPct.IsZero() {
		t.Errorf("empty summary average should be zero, got %s", empty.AverageDiscrepancyPct)
	}
}
