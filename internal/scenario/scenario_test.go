package scenario_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
	"github.com/equitie/fee-engine/internal/scenario"
	"github.com/equitie/fee-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(ms *store.MemoryStore) {
	ms.PutDeal(model.DealFormulaConfig{
		DealID:                7,
		Name:                  "Growth Fund",
		StructuringFeePercent: d(2),
		ManagementFeePercent:  d(2),
		AdminFee:              d(1000),
		PerformanceFeePercent: d(20),
	})
	ms.PutCompanyPosition(model.CompanyPosition{
		DealID:                7,
		CompanyID:             1,
		CompanyName:           "Acme",
		SharesOwned:           d(1000),
		PurchasePricePerShare: d(1000),
	})
	ms.PutInvestorPosition(model.InvestorPosition{DealID: 7, InvestorID: 10, InvestorName: "A", CostBasis: d(600000)})
	ms.PutInvestorPosition(model.InvestorPosition{DealID: 7, InvestorID: 11, InvestorName: "B", CostBasis: d(400000)})
}

func TestModel_NoHoldingPeriod(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutDeal(model.DealFormulaConfig{DealID: 1, Name: "Seed"})
	ms.PutCompanyPosition(model.CompanyPosition{DealID: 1, CompanyID: 1, CostBasis: d(1000000)})

	p := scenario.NewProjector(ms, 0)
	r, err := p.Model(context.Background(), scenario.Request{DealID: 1, ExitMultiple: d(3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  decimal.Decimal
		want float64
	}{
		{"gross exit", r.GrossExitValue, 3000000},
		{"gross profit", r.GrossProfit, 2000000},
		{"performance", r.Fees.Performance, 400000},
		{"management", r.Fees.Management, 0},
		{"total fees", r.Fees.Total, 400000},
		{"net exit", r.NetExitValue, 2600000},
		{"net moic", r.Metrics.NetMOIC, 2.6},
		{"net irr", r.Metrics.NetIRR, 0},
	}
	for _, c := range checks {
		if !c.got.Equal(d(c.want)) {
			t.Errorf("%s: got %s, want %v", c.name, c.got, c.want)
		}
	}
	if r.ScenarioName != "3x Exit" {
		t.Errorf("default name: got %q", r.ScenarioName)
	}
}

func TestModel_FeesAndInvestorReturns(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)

	p := scenario.NewProjector(ms, 0)
	r, err := p.Model(context.Background(), scenario.Request{DealID: 7, ExitMultiple: d(2), ExitYear: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !r.TotalInvested.Equal(d(1000000)) {
		t.Errorf("cost basis should fall back to shares x price, got %s", r.TotalInvested)
	}
	if len(r.Companies) != 1 || !r.Companies[0].ExitSharePrice.Equal(d(2000)) {
		t.Fatalf("unexpected company values: %+v", r.Companies)
	}
	if !r.Fees.Total.Equal(d(325000)) {
		t.Errorf("total fees: got %s, want 325000", r.Fees.Total)
	}
	if !r.NetExitValue.Equal(d(1675000)) {
		t.Errorf("net exit: got %s, want 1675000", r.NetExitValue)
	}
	if !r.SponsorTake.EffectiveFeeRate.Equal(d(16.25)) {
		t.Errorf("effective fee rate: got %s", r.SponsorTake.EffectiveFeeRate)
	}
	if !r.SponsorTake.CarryAmount.Equal(d(200000)) {
		t.Errorf("carry: got %s", r.SponsorTake.CarryAmount)
	}
	if !r.Metrics.GrossIRR.Equal(d(14.8698)) {
		t.Errorf("gross irr: got %s, want 14.8698", r.Metrics.GrossIRR)
	}

	if len(r.Investors) != 2 {
		t.Fatalf("expected 2 investors, got %d", len(r.Investors))
	}
	a, b := r.Investors[0], r.Investors[1]
	if !a.Fees.Equal(d(195000)) || !a.NetReturn.Equal(d(1005000)) {
		t.Errorf("investor A: fees %s net %s", a.Fees, a.NetReturn)
	}
	if !b.Fees.Equal(d(130000)) || !b.NetReturn.Equal(d(670000)) {
		t.Errorf("investor B: fees %s net %s", b.Fees, b.NetReturn)
	}
	if !a.Fees.Add(b.Fees).Equal(r.Fees.Total) {
		t.Error("investor fees should sum to deal fees")
	}
}

func TestModel_LossHasNoCarry(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)

	r, err := scenario.NewProjector(ms, 0).Model(context.Background(), scenario.Request{DealID: 7, ExitMultiple: d(0.5), ExitYear: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Fees.Performance.IsZero() {
		t.Errorf("no carry on a loss, got %s", r.Fees.Performance)
	}
	if !r.Metrics.GrossIRR.Equal(d(-50)) {
		t.Errorf("gross irr: got %s, want -50", r.Metrics.GrossIRR)
	}
}

func TestModel_DealNotFound(t *testing.T) {
	p := scenario.NewProjector(store.NewMemoryStore(), 0)
	_, err := p.Model(context.Background(), scenario.Request{DealID: 99, ExitMultiple: d(2)})

	var nf *scenario.DealNotFoundError
	if !errors.As(err, &nf) || nf.DealID != 99 {
		t.Fatalf("expected DealNotFoundError, got %v", err)
	}
}

func TestModel_NegativeMultiple(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)
	_, err := scenario.NewProjector(ms, 0).Model(context.Background(), scenario.Request{DealID: 7, ExitMultiple: d(-1)})
	if !errors.Is(err, scenario.ErrNegativeMultiple) {
		t.Fatalf("expected ErrNegativeMultiple, got %v", err)
	}
}

func TestModel_CacheAndInvalidate(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)
	p := scenario.NewProjector(ms, time.Minute)
	ctx := context.Background()
	req := scenario.Request{DealID: 7, ExitMultiple: d(3), ExitYear: 5}

	if _, err := p.Model(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Model(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs, _ := p.History(ctx, 7)
	if len(recs) != 1 {
		t.Fatalf("cached result should not be saved again, got %d records", len(recs))
	}

	p.Invalidate(7)
	if _, err := p.Model(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs, _ = p.History(ctx, 7)
	if len(recs) != 2 {
		t.Fatalf("expected recompute after invalidate, got %d records", len(recs))
	}
	if recs[0].ID == "" || !recs[0].NetExitValue.IsPositive() {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestModel_CachedResultIsIsolated(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)
	p := scenario.NewProjector(ms, time.Minute)
	ctx := context.Background()
	req := scenario.Request{DealID: 7, ExitMultiple: d(2), ExitYear: 5}

	first, err := p.Model(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.Companies[0].ExitValue = d(1)
	first.Investors[0].NetReturn = d(1)

	hit, err := p.Model(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hit.Investors[1].Fees = d(1)

	again, err := p.Model(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Companies[0].ExitValue.Equal(d(2000000)) {
		t.Errorf("company exit value leaked into cache: %s", again.Companies[0].ExitValue)
	}
	if !again.Investors[0].NetReturn.Equal(d(1005000)) {
		t.Errorf("investor net return leaked into cache: %s", again.Investors[0].NetReturn)
	}
	if !again.Investors[1].Fees.Equal(d(130000)) {
		t.Errorf("cache hit should not share investor rows: %s", again.Investors[1].Fees)
	}
}

func TestModel_PersistDisabled(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)
	p := scenario.NewProjector(ms, 0)
	p.SetPersist(false)
	ctx := context.Background()

	if _, err := p.Model(ctx, scenario.Request{DealID: 7, ExitMultiple: d(2), ExitYear: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs, err := p.History(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no saved scenarios, got %d", len(recs))
	}
}

type failingSaveStore struct {
	*store.MemoryStore
}

func (failingSaveStore) SaveExitScenario(context.Context, *model.ExitScenarioRecord) error {
	return errors.New("disk full")
}

func TestModel_SaveFailureIsNotFatal(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)
	r, err := scenario.NewProjector(failingSaveStore{ms}, 0).Model(context.Background(), scenario.Request{DealID: 7, ExitMultiple: d(2), ExitYear: 5})
	if err != nil {
		t.Fatalf("save failure should not fail the scenario: %v", err)
	}
	if !r.NetExitValue.Equal(d(1675000)) {
		t.Errorf("got %s", r.NetExitValue)
	}
}

func TestStandardScenarios(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(ms)
	rs, err := scenario.NewProjector(ms, 0).StandardScenarios(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"2x Exit (5 years)", "3x Exit (5 years)", "5x Exit (5 years)", "10x Exit (5 years)"}
	if len(rs) != len(want) {
		t.Fatalf("expected %d scenarios, got %d", len(want), len(rs))
	}
	for i, r := range rs {
		if r.ScenarioName != want[i] || r.ExitYear != 5 {
			t.Errorf("scenario %d: got %q year %d", i, r.ScenarioName, r.ExitYear)
		}
	}
	for i := 1; i < len(rs); i++ {
		if !rs[i].NetExitValue.GreaterThan(rs[i-1].NetExitValue) {
			t.Errorf("net exit should rise with the multiple")
		}
	}
}

func TestSimpleIRR(t *testing.T) {
	tests := []struct {
		initial, final float64
		years          int
		want           float64
	}{
		{100, 200, 1, 100},
		{100, 400, 2, 100},
		{100, 121, 2, 10},
		{100, 100, 3, 0},
		{100, 200, 0, 0},
		{0, 200, 5, 0},
		{100, 0, 5, -100},
		{100, -10, 5, -100},
	}
	for _, tt := range tests {
		got := scenario.SimpleIRR(d(tt.initial), d(tt.final), tt.years)
		if !got.Equal(d(tt.want)) {
			t.Errorf("SimpleIRR(%v, %v, %d) = %s, want %v", tt.initial, tt.final, tt.years, got, tt.want)
		}
	}
}
