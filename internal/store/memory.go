package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	deals        map[int64]*model.DealFormulaConfig
	transactions map[int64]*model.Transaction
	companies    map[int64][]model.CompanyPosition
	investors    map[int64][]model.InvestorPosition
	templates    map[string]model.FormulaTemplate
	logs         []model.CalculationLog
	scenarios    []model.ExitScenarioRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:        make(map[int64]*model.DealFormulaConfig),
		transactions: make(map[int64]*model.Transaction),
		companies:    make(map[int64][]model.CompanyPosition),
		investors:    make(map[int64][]model.InvestorPosition),
		templates:    make(map[string]model.FormulaTemplate),
	}
}

// --- Seeding (MemoryStore only) ---

// PutDeal stores a copy of a deal configuration.
func (s *MemoryStore) PutDeal(cfg model.DealFormulaConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[cfg.DealID] = cloneDeal(&cfg)
}

// PutTransaction stores a copy of a transaction.
func (s *MemoryStore) PutTransaction(tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[tx.DealID]; !ok {
		return fmt.Errorf("deal %d not found", tx.DealID)
	}
	s.transactions[tx.TransactionID] = cloneTx(&tx)
	return nil
}

// PutCompanyPosition appends a company position to its deal.
func (s *MemoryStore) PutCompanyPosition(pos model.CompanyPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[pos.DealID] = append(s.companies[pos.DealID], pos)
}

// PutInvestorPosition appends an investor position to its deal.
func (s *MemoryStore) PutInvestorPosition(pos model.InvestorPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.investors[pos.DealID] = append(s.investors[pos.DealID], pos)
}

// PutFormulaTemplate stores a formula template under its code.
func (s *MemoryStore) PutFormulaTemplate(t model.FormulaTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[templateKey(t.Code)] = t
}

// --- Store ---

func (s *MemoryStore) GetDealConfig(_ context.Context, dealID int64) (*model.DealFormulaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.deals[dealID]
	if !ok {
		return nil, fmt.Errorf("deal %d: %w", dealID, ErrNotFound)
	}
	return cloneDeal(cfg), nil
}

func (s *MemoryStore) ListDealIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.deals))
	for id := range s.deals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, dealID int64, txType string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.DealID != dealID {
			continue
		}
		if txType != "" && tx.TransactionType != txType {
			continue
		}
		result = append(result, *cloneTx(tx))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TransactionID < result[j].TransactionID })
	return result, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, transactionID int64) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", transactionID, ErrNotFound)
	}
	return cloneTx(tx), nil
}

func (s *MemoryStore) UpdateTransactionNetCapital(_ context.Context, transactionID int64, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return fmt.Errorf("transaction %d: %w", transactionID, ErrNotFound)
	}
	tx.InitialNetCapital = value
	return nil
}

func (s *MemoryStore) AppendCalculationLog(_ context.Context, entry *model.CalculationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, *entry)
	return nil
}

func (s *MemoryStore) ListCalculationLogs(_ context.Context, dealID int64) ([]model.CalculationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CalculationLog
	for _, l := range s.logs {
		if l.DealID == dealID {
			result = append(result, l)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetFormulaTemplate(_ context.Context, code string) (*model.FormulaTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[templateKey(code)]
	if !ok {
		return nil, fmt.Errorf("formula template %q: %w", code, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) ListFormulaTemplates(_ context.Context, activeOnly bool) ([]model.FormulaTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FormulaTemplate
	for _, t := range s.templates {
		if activeOnly && !t.Active {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return templateKey(result[i].Code) < templateKey(result[j].Code) })
	return result, nil
}

func (s *MemoryStore) ListCompanyPositions(_ context.Context, dealID int64) ([]model.CompanyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.CompanyPosition(nil), s.companies[dealID]...), nil
}

func (s *MemoryStore) ListInvestorPositions(_ context.Context, dealID int64) ([]model.InvestorPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.InvestorPosition(nil), s.investors[dealID]...), nil
}

func (s *MemoryStore) SaveExitScenario(_ context.Context, rec *model.ExitScenarioRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, *rec)
	return nil
}

func (s *MemoryStore) ListExitScenarios(_ context.Context, dealID int64) ([]model.ExitScenarioRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExitScenarioRecord
	for _, r := range s.scenarios {
		if r.DealID == dealID {
			result = append(result, r)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ExitMultiple.LessThan(result[j].ExitMultiple) })
	return result, nil
}

func templateKey(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Copies prevent callers from mutating stored state.

func cloneDeal(cfg *model.DealFormulaConfig) *model.DealFormulaConfig {
	c := *cfg
	c.FeeSchedule = append([]model.FeeScheduleEntry(nil), cfg.FeeSchedule...)
	return &c
}

func cloneTx(tx *model.Transaction) *model.Transaction {
	c := *tx
	c.Fees = append([]model.FeeApplication(nil), tx.Fees...)
	return &c
}
