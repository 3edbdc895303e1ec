package sweep_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/formula"
	"github.com/equitie/fee-engine/internal/model"
	"github.com/equitie/fee-engine/internal/store"
	"github.com/equitie/fee-engine/internal/sweep"
	"github.com/equitie/fee-engine/internal/validation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRunOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutDeal(model.DealFormulaConfig{DealID: 1, FormulaTemplate: formula.TemplateStandard})
	ms.PutDeal(model.DealFormulaConfig{DealID: 2, FormulaTemplate: "missing"})
	for _, tx := range []model.Transaction{
		{TransactionID: 1, DealID: 1, GrossCapital: d(1000), InitialNetCapital: d(1000)},
		{TransactionID: 2, DealID: 1, GrossCapital: d(1200), InitialNetCapital: d(1000)},
		{TransactionID: 3, DealID: 2, GrossCapital: d(1000), InitialNetCapital: d(1000)},
	} {
		tx.TransactionType = model.TxPrimary
		if err := ms.PutTransaction(tx); err != nil {
			t.Fatal(err)
		}
	}

	var notified []validation.DealOutcome
	r := sweep.New(context.Background(), validation.NewEngine(ms, nil), func(o []validation.DealOutcome) {
		notified = o
	})

	outcomes, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 2 || len(notified) != 2 {
		t.Fatalf("expected 2 outcomes and a notification, got %d / %d", len(outcomes), len(notified))
	}
	if outcomes[0].Summary.FailCount != 1 || outcomes[0].Summary.PassCount != 1 {
		t.Errorf("deal 1: unexpected summary %+v", outcomes[0].Summary)
	}
	if outcomes[1].Error == "" {
		t.Error("deal 2: expected unknown formula error in outcome")
	}
}

type brokenValidator struct{}

func (brokenValidator) ValidateAll(context.Context, []int64) ([]validation.DealOutcome, error) {
	return nil, errors.New("db down")
}

func TestRunOnce_BatchError(t *testing.T) {
	called := false
	r := sweep.New(context.Background(), brokenValidator{}, func([]validation.DealOutcome) { called = true })
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("notify must not run on a failed sweep")
	}
}

func TestSchedule(t *testing.T) {
	r := sweep.New(context.Background(), brokenValidator{}, nil)
	if _, err := r.Schedule("not a spec"); err == nil {
		t.Error("expected error for invalid spec")
	}
	if _, err := r.Schedule("0 0 * * * *"); err != nil {
		t.Errorf("six-field spec should parse: %v", err)
	}
}
