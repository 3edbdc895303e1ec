// Package scenario projects deal-level exit outcomes: exit value per
// company, undiscounted deal fees, pro-rata investor returns and summary
// IRR/MOIC metrics.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/fee"
	"github.com/equitie/fee-engine/internal/metrics"
	"github.com/equitie/fee-engine/internal/model"
	"github.com/equitie/fee-engine/internal/store"
)

// StandardMultiples are the exit multiples of StandardScenarios.
var StandardMultiples = []int64{2, 3, 5, 10}

// StandardExitYear is the holding period used by StandardScenarios.
const StandardExitYear = 5

var hundred = decimal.NewFromInt(100)

// ErrNegativeMultiple is returned for an exit multiple below zero.
var ErrNegativeMultiple = errors.New("scenario: exit multiple must not be negative")

// DealNotFoundError aborts a scenario for a deal that does not exist.
type DealNotFoundError struct {
	DealID int64
}

func (e *DealNotFoundError) Error() string {
	return fmt.Sprintf("scenario: deal %d not found", e.DealID)
}

// Request describes one hypothetical exit.
type Request struct {
	DealID       int64           `json:"deal_id"`
	ExitMultiple decimal.Decimal `json:"exit_multiple"`
	ExitYear     int             `json:"exit_year"`
	ScenarioName string          `json:"scenario_name,omitempty"`
}

// CompanyExitValue is one company position at exit.
type CompanyExitValue struct {
	CompanyID       int64           `json:"company_id"`
	CompanyName     string          `json:"company_name"`
	SharesOwned     decimal.Decimal `json:"shares_owned"`
	EntrySharePrice decimal.Decimal `json:"entry_share_price"`
	ExitSharePrice  decimal.Decimal `json:"exit_share_price"`
	CostBasis       decimal.Decimal `json:"cost_basis"`
	ExitValue       decimal.Decimal `json:"exit_value"`
	Gain            decimal.Decimal `json:"gain"`
	MOIC            decimal.Decimal `json:"company_moic"`
}

// InvestorReturn is one investor's pro-rata share of the exit.
type InvestorReturn struct {
	InvestorID   int64           `json:"investor_id"`
	InvestorName string          `json:"investor_name"`
	Invested     decimal.Decimal `json:"invested"`
	GrossReturn  decimal.Decimal `json:"gross_return"`
	Fees         decimal.Decimal `json:"total_fees"`
	NetReturn    decimal.Decimal `json:"net_return"`
	IRR          decimal.Decimal `json:"irr"`
	MOIC         decimal.Decimal `json:"moic"`
}

// SponsorTake is what the fund sponsor earns from the exit.
type SponsorTake struct {
	TotalFeesEarned     decimal.Decimal `json:"total_fees_earned"`
	CarryAmount         decimal.Decimal `json:"carry_amount"`
	ManagementFeesTotal decimal.Decimal `json:"management_fees_total"`
	EffectiveFeeRate    decimal.Decimal `json:"effective_fee_rate"` // percent of gross exit value
}

// Metrics are the deal-level return figures. IRR is a percentage.
type Metrics struct {
	GrossIRR  decimal.Decimal `json:"gross_irr"`
	NetIRR    decimal.Decimal `json:"net_irr"`
	GrossMOIC decimal.Decimal `json:"gross_moic"`
	NetMOIC   decimal.Decimal `json:"net_moic"`
}

// Result is a modelled exit scenario.
type Result struct {
	DealID         int64                 `json:"deal_id"`
	DealName       string                `json:"deal_name"`
	ScenarioName   string                `json:"scenario_name"`
	ExitMultiple   decimal.Decimal       `json:"exit_multiple"`
	ExitYear       int                   `json:"exit_year"`
	TotalInvested  decimal.Decimal       `json:"total_invested"`
	GrossExitValue decimal.Decimal       `json:"gross_exit_value"`
	GrossProfit    decimal.Decimal       `json:"gross_profit"`
	Companies      []CompanyExitValue    `json:"company_exit_values"`
	Fees           fee.ScenarioBreakdown `json:"fees"`
	NetExitValue   decimal.Decimal       `json:"net_exit_value"`
	Investors      []InvestorReturn      `json:"investor_returns"`
	SponsorTake    SponsorTake           `json:"equitie_take"`
	Metrics        Metrics               `json:"metrics"`
}

// Projector models exit scenarios. Results are cached per deal, multiple
// and year until the deal is invalidated or the entry expires.
type Projector struct {
	store   store.Store
	cache   *cache.Cache
	persist bool
	now     func() time.Time
}

// NewProjector creates a projector. A non-positive ttl disables caching.
func NewProjector(st store.Store, ttl time.Duration) *Projector {
	p := &Projector{
		store:   st,
		persist: true,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if ttl > 0 {
		p.cache = cache.New(ttl, 2*ttl)
	}
	return p
}

// SetPersist controls whether modelled scenarios are saved.
func (p *Projector) SetPersist(persist bool) {
	p.persist = persist
}

// Model projects one exit. The deal must exist; every other read failure
// also aborts with no partial result.
func (p *Projector) Model(ctx context.Context, req Request) (*Result, error) {
	if req.ExitMultiple.IsNegative() {
		return nil, ErrNegativeMultiple
	}

	key := cacheKey(req.DealID, req.ExitMultiple, req.ExitYear)
	if p.cache != nil {
		if v, ok := p.cache.Get(key); ok {
			metrics.ExitScenarios.WithLabelValues("hit").Inc()
			r := clone(v.(Result))
			if req.ScenarioName != "" {
				r.ScenarioName = req.ScenarioName
			}
			return &r, nil
		}
	}
	metrics.ExitScenarios.WithLabelValues("miss").Inc()

	cfg, err := p.store.GetDealConfig(ctx, req.DealID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &DealNotFoundError{DealID: req.DealID}
	}
	if err != nil {
		return nil, err
	}
	companies, err := p.store.ListCompanyPositions(ctx, req.DealID)
	if err != nil {
		return nil, err
	}
	investors, err := p.store.ListInvestorPositions(ctx, req.DealID)
	if err != nil {
		return nil, err
	}

	r := project(*cfg, companies, investors, req)

	if p.persist {
		p.save(ctx, r)
	}
	if p.cache != nil {
		p.cache.Set(key, clone(*r), cache.DefaultExpiration)
	}
	return r, nil
}

// clone copies r with its own company and investor slices so callers can
// not reach the cached value.
func clone(r Result) Result {
	r.Companies = append([]CompanyExitValue(nil), r.Companies...)
	r.Investors = append([]InvestorReturn(nil), r.Investors...)
	return r
}

// StandardScenarios models the 2x, 3x, 5x and 10x exits at five years.
func (p *Projector) StandardScenarios(ctx context.Context, dealID int64) ([]Result, error) {
	out := make([]Result, 0, len(StandardMultiples))
	for _, m := range StandardMultiples {
		r, err := p.Model(ctx, Request{
			DealID:       dealID,
			ExitMultiple: decimal.NewFromInt(m),
			ExitYear:     StandardExitYear,
			ScenarioName: fmt.Sprintf("%dx Exit (%d years)", m, StandardExitYear),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// History returns a deal's saved scenarios.
func (p *Projector) History(ctx context.Context, dealID int64) ([]model.ExitScenarioRecord, error) {
	return p.store.ListExitScenarios(ctx, dealID)
}

// Invalidate drops every cached scenario of a deal.
func (p *Projector) Invalidate(dealID int64) {
	if p.cache == nil {
		return
	}
	prefix := fmt.Sprintf("%d:", dealID)
	for k := range p.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			p.cache.Delete(k)
		}
	}
}

func (p *Projector) save(ctx context.Context, r *Result) {
	rec := &model.ExitScenarioRecord{
		ID:             uuid.NewString(),
		DealID:         r.DealID,
		ScenarioName:   r.ScenarioName,
		ExitMultiple:   r.ExitMultiple,
		ExitYear:       r.ExitYear,
		GrossExitValue: r.GrossExitValue,
		TotalFees:      r.Fees.Total,
		NetExitValue:   r.NetExitValue,
		NetIRR:         r.Metrics.NetIRR,
		NetMOIC:        r.Metrics.NetMOIC,
		CreatedAt:      p.now(),
	}
	if err := p.store.SaveExitScenario(ctx, rec); err != nil {
		slog.Warn("exit scenario save failed", "deal_id", r.DealID, "scenario", r.ScenarioName, "err", err)
	}
}

// project is the pure scenario computation.
func project(cfg model.DealFormulaConfig, companies []model.CompanyPosition, investors []model.InvestorPosition, req Request) *Result {
	m := req.ExitMultiple
	r := &Result{
		DealID:       req.DealID,
		DealName:     cfg.Name,
		ScenarioName: req.ScenarioName,
		ExitMultiple: m,
		ExitYear:     req.ExitYear,
		Companies:    make([]CompanyExitValue, 0, len(companies)),
		Investors:    make([]InvestorReturn, 0, len(investors)),
	}
	if r.ScenarioName == "" {
		r.ScenarioName = fmt.Sprintf("%sx Exit", m)
	}

	for _, pos := range companies {
		cost := pos.EffectiveCostBasis()
		exit := cost.Mul(m)
		r.TotalInvested = r.TotalInvested.Add(cost)
		r.GrossExitValue = r.GrossExitValue.Add(exit)
		r.Companies = append(r.Companies, CompanyExitValue{
			CompanyID:       pos.CompanyID,
			CompanyName:     pos.CompanyName,
			SharesOwned:     pos.SharesOwned,
			EntrySharePrice: pos.PurchasePricePerShare,
			ExitSharePrice:  pos.PurchasePricePerShare.Mul(m),
			CostBasis:       cost,
			ExitValue:       exit,
			Gain:            exit.Sub(cost),
			MOIC:            m,
		})
	}
	r.GrossProfit = r.GrossExitValue.Sub(r.TotalInvested)

	r.Fees = fee.ScenarioFees(cfg, r.TotalInvested, r.GrossProfit, req.ExitYear)
	r.NetExitValue = r.GrossExitValue.Sub(r.Fees.Total)

	// Investor shares are taken from invested capital recorded per investor.
	investedTotal := decimal.Zero
	for _, inv := range investors {
		investedTotal = investedTotal.Add(inv.CostBasis)
	}
	for _, inv := range investors {
		share := decimal.Zero
		if investedTotal.IsPositive() {
			share = inv.CostBasis.Div(investedTotal)
		}
		gross := inv.CostBasis.Mul(m)
		fees := r.Fees.Total.Mul(share)
		net := gross.Sub(fees)
		r.Investors = append(r.Investors, InvestorReturn{
			InvestorID:   inv.InvestorID,
			InvestorName: inv.InvestorName,
			Invested:     inv.CostBasis,
			GrossReturn:  gross,
			Fees:         fees,
			NetReturn:    net,
			IRR:          SimpleIRR(inv.CostBasis, net, req.ExitYear),
			MOIC:         ratio(net, inv.CostBasis),
		})
	}

	r.SponsorTake = SponsorTake{
		TotalFeesEarned:     r.Fees.Total,
		CarryAmount:         r.Fees.Performance,
		ManagementFeesTotal: r.Fees.Management,
		EffectiveFeeRate:    ratio(r.Fees.Total, r.GrossExitValue).Mul(hundred),
	}
	r.Metrics = Metrics{
		GrossIRR:  SimpleIRR(r.TotalInvested, r.GrossExitValue, req.ExitYear),
		NetIRR:    SimpleIRR(r.TotalInvested, r.NetExitValue, req.ExitYear),
		GrossMOIC: ratio(r.GrossExitValue, r.TotalInvested),
		NetMOIC:   ratio(r.NetExitValue, r.TotalInvested),
	}
	return r
}

// SimpleIRR approximates IRR as (final/initial)^(1/years) - 1, returned as
// a percentage rounded to four places. It ignores contribution timing.
// A non-positive investment or horizon yields 0; a non-positive final
// value yields -100.
func SimpleIRR(initial, final decimal.Decimal, years int) decimal.Decimal {
	if !initial.IsPositive() || years <= 0 {
		return decimal.Zero
	}
	multiple := final.Div(initial)
	if !multiple.IsPositive() {
		return hundred.Neg()
	}
	// Fractional powers have no exact decimal form; float64 is used only here.
	irr := math.Pow(multiple.InexactFloat64(), 1/float64(years)) - 1
	return decimal.NewFromFloat(irr * 100).Round(4)
}

// ratio returns a/b, or 0 when b is not positive.
func ratio(a, b decimal.Decimal) decimal.Decimal {
	if !b.IsPositive() {
		return decimal.Zero
	}
	return a.Div(b)
}

func cacheKey(dealID int64, multiple decimal.Decimal, year int) string {
	return fmt.Sprintf("%d:%s:%d", dealID, multiple.String(), year)
}
