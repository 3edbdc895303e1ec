// Package admin provides the HTTP handlers of the fee engine: deal
// validation, recalculation, anomaly reports, fee quotes, exit scenarios,
// calculation history and formula templates, plus a WebSocket feed of
// validation events.
//
// All monetary values use shopspring/decimal, never float64.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/fee"
	"github.com/equitie/fee-engine/internal/formula"
	"github.com/equitie/fee-engine/internal/model"
	"github.com/equitie/fee-engine/internal/scenario"
	"github.com/equitie/fee-engine/internal/store"
	"github.com/equitie/fee-engine/internal/validation"
)

// dealInvalidator is implemented by stores that cache deal configuration.
type dealInvalidator interface {
	InvalidateDeal(ctx context.Context, dealID int64)
}

// Service exposes the engine over HTTP.
type Service struct {
	store     store.Store
	engine    *validation.Engine
	projector *scenario.Projector
	hub       *Hub // optional
}

// NewService creates the admin service. Pass nil for hub if event
// broadcasting is not needed.
func NewService(st store.Store, eng *validation.Engine, proj *scenario.Projector, hub *Hub) *Service {
	return &Service{
		store:     st,
		engine:    eng,
		projector: proj,
		hub:       hub,
	}
}

// Mount registers the API routes on r. limit wraps the recalculation
// endpoints; nil means unlimited.
func (s *Service) Mount(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/deals/{dealID}", func(r chi.Router) {
		r.Get("/validation", s.ValidateDeal)
		r.With(limit).Post("/recalculate", s.RecalculateDeal)
		r.Get("/anomalies", s.AnomalyReport)
		r.Get("/calculation-logs", s.CalculationHistory)
		r.Post("/fees", s.ComputeFees)
		r.Get("/exit-scenarios", s.ListExitScenarios)
		r.Post("/exit-scenarios", s.ModelExitScenario)
		r.Get("/exit-scenarios/standard", s.StandardScenarios)
		r.Delete("/cache", s.InvalidateDeal)
	})
	r.Route("/transactions/{transactionID}", func(r chi.Router) {
		r.With(limit).Post("/recalculate", s.RecalculateTransaction)
		r.Get("/invariants", s.CheckInvariants)
	})
	r.Post("/validation/sweep", s.Sweep)
	r.Get("/formulas", s.ListFormulas)
	r.Post("/formulas/test", s.TryFormula)
	r.Post("/formulas/reload", s.ReloadFormulas)
}

// --- Request/Response types ---

// ValidationResponse is the body of GET /deals/{dealID}/validation.
type ValidationResponse struct {
	DealID        int64               `json:"deal_id"`
	Results       []validation.Result `json:"results"`
	Summary       validation.Summary  `json:"summary"`
	Discrepancies []validation.Result `json:"discrepancies,omitempty"`
}

// RecalculateRequest must carry confirm=true; recalculation overwrites
// stored values.
type RecalculateRequest struct {
	Confirm bool `json:"confirm"`
}

// TransactionRecalcResponse is the body of POST
// /transactions/{transactionID}/recalculate.
type TransactionRecalcResponse struct {
	Result  *validation.Result `json:"result"`
	Updated bool               `json:"updated"`
}

// ExitScenarioRequest is the JSON body for POST /deals/{dealID}/exit-scenarios.
type ExitScenarioRequest struct {
	ExitMultiple decimal.Decimal `json:"exit_multiple"`
	ExitYear     *int            `json:"exit_year"` // nil means five years
	ScenarioName string          `json:"scenario_name"`
}

// FormulaTestRequest is the JSON body for POST /formulas/test: a formula
// and sample inputs. Absent inputs count as missing.
type FormulaTestRequest struct {
	Formula      string           `json:"formula"`
	GrossCapital decimal.Decimal  `json:"gross_capital"`
	PMSP         *decimal.Decimal `json:"pmsp,omitempty"`
	ISP          *decimal.Decimal `json:"isp,omitempty"`
	SFR          *decimal.Decimal `json:"sfr,omitempty"`
}

// FormulaTestResponse reports whether the formula parsed and what it
// evaluates to.
type FormulaTestResponse struct {
	Success    bool                `json:"success"`
	Error      string              `json:"error,omitempty"`
	Variables  []string            `json:"variables,omitempty"`
	Evaluation *formula.Evaluation `json:"evaluation,omitempty"`
}

// SweepRequest lists the deals to validate; empty means every deal.
type SweepRequest struct {
	DealIDs []int64 `json:"deal_ids"`
}

// SweepResponse summarizes a batch validation.
type SweepResponse struct {
	Deals []validation.DealOutcome `json:"deals"`
}

// --- HTTP Handlers ---

// ValidateDeal handles GET /api/v1/deals/{dealID}/validation. An optional
// threshold query parameter also lists results whose absolute discrepancy
// amount exceeds it.
func (s *Service) ValidateDeal(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}

	var threshold *decimal.Decimal
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		t, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, "invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = &t
	}

	results, err := s.engine.ValidateDeal(r.Context(), dealID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := ValidationResponse{
		DealID:  dealID,
		Results: results,
		Summary: validation.Summarize(results),
	}
	if threshold != nil {
		resp.Discrepancies = validation.Discrepancies(results, *threshold)
	}

	s.hub.Publish(Event{Type: EventValidation, DealID: dealID, Payload: resp.Summary})
	writeJSON(w, http.StatusOK, resp)
}

// RecalculateDeal handles POST /api/v1/deals/{dealID}/recalculate.
func (s *Service) RecalculateDeal(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}

	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Confirm {
		writeError(w, "recalculation overwrites stored net capital; set confirm to true", http.StatusBadRequest)
		return
	}

	res, err := s.engine.RecalculateDeal(r.Context(), dealID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.projector.Invalidate(dealID)
	slog.Info("deal recalculation requested",
		"deal_id", dealID,
		"updated", res.Updated,
		"failed", len(res.Failed),
		"request_id", r.Header.Get("X-Request-Id"),
	)
	s.hub.Publish(Event{Type: EventRecalculation, DealID: dealID, Payload: map[string]any{
		"updated":     res.Updated,
		"updated_ids": res.UpdatedIDs,
		"failed":      len(res.Failed),
	}})
	writeJSON(w, http.StatusOK, res)
}

// RecalculateTransaction handles POST
// /api/v1/transactions/{transactionID}/recalculate.
func (s *Service) RecalculateTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathID(w, r, "transactionID")
	if !ok {
		return
	}

	res, updated, err := s.engine.RecalculateTransaction(r.Context(), txID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if updated {
		s.projector.Invalidate(res.DealID)
		s.hub.Publish(Event{Type: EventRecalculation, DealID: res.DealID, Payload: map[string]any{
			"updated":     1,
			"updated_ids": []int64{txID},
		}})
	}
	writeJSON(w, http.StatusOK, TransactionRecalcResponse{Result: res, Updated: updated})
}

// AnomalyReport handles GET /api/v1/deals/{dealID}/anomalies.
func (s *Service) AnomalyReport(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}
	rep, err := s.engine.AnomalyReport(r.Context(), dealID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// CalculationHistory handles GET /api/v1/deals/{dealID}/calculation-logs.
// Optional query parameters: investor_id and limit (default 10).
func (s *Service) CalculationHistory(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}

	var q validation.HistoryQuery
	if raw := r.URL.Query().Get("investor_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, "invalid investor_id", http.StatusBadRequest)
			return
		}
		q.InvestorID = id
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > validation.MaxHistoryLimit {
			writeError(w, "limit must be between 1 and "+strconv.Itoa(validation.MaxHistoryLimit), http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	logs, err := s.engine.CalculationHistory(r.Context(), dealID, q)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if logs == nil {
		logs = []model.CalculationLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// CheckInvariants handles GET /api/v1/transactions/{transactionID}/invariants.
func (s *Service) CheckInvariants(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathID(w, r, "transactionID")
	if !ok {
		return
	}
	inv, err := s.engine.CheckTransaction(r.Context(), txID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ComputeFees handles POST /api/v1/deals/{dealID}/fees: a fee quote for
// ad-hoc inputs against the deal's configuration. Nothing is stored.
func (s *Service) ComputeFees(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}

	var req fee.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := checkFeeRequest(req); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}
	if req.TimeHorizonYears.IsZero() {
		req.TimeHorizonYears = decimal.NewFromInt(1)
	}

	cfg, err := s.store.GetDealConfig(r.Context(), dealID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fee.Compute(*cfg, req))
}

var hundred = decimal.NewFromInt(100)

// checkFeeRequest returns a client-facing message for an unusable quote
// request, or "" when it is acceptable.
func checkFeeRequest(req fee.Request) string {
	switch {
	case req.GrossCapital.IsNegative() || req.NetCapital.IsNegative():
		return "capital must not be negative"
	case req.TimeHorizonYears.IsNegative():
		return "time_horizon_years must not be negative"
	case req.OtherFees.IsNegative():
		return "other_fees must not be negative"
	}
	discounts := []struct {
		name string
		pct  decimal.Decimal
	}{
		{"structuring", req.Discounts.Structuring},
		{"management", req.Discounts.Management},
		{"performance", req.Discounts.Performance},
		{"premium", req.Discounts.Premium},
	}
	for _, dc := range discounts {
		if dc.pct.IsNegative() || dc.pct.GreaterThan(hundred) {
			return dc.name + " discount must be between 0 and 100"
		}
	}
	return ""
}

// ModelExitScenario handles POST /api/v1/deals/{dealID}/exit-scenarios.
func (s *Service) ModelExitScenario(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}

	var req ExitScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	year := scenario.StandardExitYear
	if req.ExitYear != nil {
		year = *req.ExitYear
	}

	res, err := s.projector.Model(r.Context(), scenario.Request{
		DealID:       dealID,
		ExitMultiple: req.ExitMultiple,
		ExitYear:     year,
		ScenarioName: req.ScenarioName,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StandardScenarios handles GET /api/v1/deals/{dealID}/exit-scenarios/standard.
func (s *Service) StandardScenarios(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}
	res, err := s.projector.StandardScenarios(r.Context(), dealID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListExitScenarios handles GET /api/v1/deals/{dealID}/exit-scenarios.
func (s *Service) ListExitScenarios(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}
	recs, err := s.projector.History(r.Context(), dealID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// InvalidateDeal handles DELETE /api/v1/deals/{dealID}/cache: drops the
// cached deal configuration and exit scenarios after a deal is edited.
func (s *Service) InvalidateDeal(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(w, r, "dealID")
	if !ok {
		return
	}
	if inv, ok := s.store.(dealInvalidator); ok {
		inv.InvalidateDeal(r.Context(), dealID)
	}
	s.projector.Invalidate(dealID)
	slog.Info("deal cache invalidated", "deal_id", dealID)
	w.WriteHeader(http.StatusNoContent)
}

// Sweep handles POST /api/v1/validation/sweep.
func (s *Service) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	outcomes, err := s.engine.ValidateAll(r.Context(), req.DealIDs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	// Per-row results are dropped from the batch response; the summary and
	// error carry the outcome.
	for i := range outcomes {
		outcomes[i].Results = nil
	}
	s.hub.Publish(Event{Type: EventSweep, Payload: outcomes})
	writeJSON(w, http.StatusOK, SweepResponse{Deals: outcomes})
}

// ListFormulas handles GET /api/v1/formulas.
func (s *Service) ListFormulas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Templates())
}

// TryFormula handles POST /api/v1/formulas/test: parses a formula and
// evaluates it on sample inputs without registering it. A formula that
// does not parse is reported in the body with success=false.
func (s *Service) TryFormula(w http.ResponseWriter, r *http.Request) {
	var req FormulaTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Formula) == "" {
		writeError(w, "formula is required", http.StatusBadRequest)
		return
	}

	rule, err := formula.ExpressionRule(req.Formula)
	if err != nil {
		writeJSON(w, http.StatusOK, FormulaTestResponse{Error: err.Error()})
		return
	}
	ex, _ := formula.ParseExpression(req.Formula)
	ev := rule.Apply(req.GrossCapital, formula.Inputs{PMSP: req.PMSP, ISP: req.ISP, SFR: req.SFR})
	writeJSON(w, http.StatusOK, FormulaTestResponse{
		Success:    true,
		Variables:  ex.Variables(),
		Evaluation: &ev,
	})
}

// ReloadFormulas handles POST /api/v1/formulas/reload: re-reads active
// stored templates after they are edited.
func (s *Service) ReloadFormulas(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.LoadTemplates(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("formula templates reloaded", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"loaded": n})
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeEngineError maps engine errors to HTTP statuses. Unrecognized
// errors are logged and reported as a generic 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		dealNF     *validation.DealNotFoundError
		txNF       *validation.TransactionNotFoundError
		scenarioNF *scenario.DealNotFoundError
		unknown    *formula.UnknownFormulaError
		syntax     *formula.SyntaxError
		badVar     *formula.UnknownVariableError
	)
	switch {
	case errors.As(err, &dealNF), errors.As(err, &txNF), errors.As(err, &scenarioNF):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.As(err, &unknown), errors.Is(err, formula.ErrIncompleteInputs),
		errors.As(err, &syntax), errors.As(err, &badVar):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, scenario.ErrNegativeMultiple):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
