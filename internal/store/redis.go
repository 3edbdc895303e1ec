package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for deal configuration, which the engine reads on every operation
// but never writes. Everything else passes through to the primary.
//
// Entries are keyed by deal ID only: the config version is not known until
// the row is read. An edit made directly in the primary is therefore not
// seen for up to ttl. Whoever edits a deal must call InvalidateDeal,
// exposed as DELETE /api/v1/deals/{dealID}/cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetDealConfig(ctx context.Context, dealID int64) (*model.DealFormulaConfig, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, dealKey(dealID)).Bytes()
	if err == nil {
		var cfg model.DealFormulaConfig
		if json.Unmarshal(data, &cfg) == nil {
			return &cfg, nil
		}
	}

	// Cache miss: read from primary.
	cfg, err := s.primary.GetDealConfig(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(cfg); err == nil {
		s.rdb.Set(ctx, dealKey(dealID), data, s.ttl)
	}
	return cfg, nil
}

// InvalidateDeal drops the cached configuration of a deal so the next read
// sees the primary's current version.
func (s *CachedStore) InvalidateDeal(ctx context.Context, dealID int64) {
	s.rdb.Del(ctx, dealKey(dealID))
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDealIDs(ctx context.Context) ([]int64, error) {
	return s.primary.ListDealIDs(ctx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, dealID int64, txType string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, dealID, txType)
}

func (s *CachedStore) GetTransaction(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, transactionID)
}

func (s *CachedStore) UpdateTransactionNetCapital(ctx context.Context, transactionID int64, value decimal.Decimal) error {
	return s.primary.UpdateTransactionNetCapital(ctx, transactionID, value)
}

func (s *CachedStore) AppendCalculationLog(ctx context.Context, entry *model.CalculationLog) error {
	return s.primary.AppendCalculationLog(ctx, entry)
}

func (s *CachedStore) ListCalculationLogs(ctx context.Context, dealID int64) ([]model.CalculationLog, error) {
	return s.primary.ListCalculationLogs(ctx, dealID)
}

func (s *CachedStore) GetFormulaTemplate(ctx context.Context, code string) (*model.FormulaTemplate, error) {
	return s.primary.GetFormulaTemplate(ctx, code)
}

func (s *CachedStore) ListFormulaTemplates(ctx context.Context, activeOnly bool) ([]model.FormulaTemplate, error) {
	return s.primary.ListFormulaTemplates(ctx, activeOnly)
}

func (s *CachedStore) ListCompanyPositions(ctx context.Context, dealID int64) ([]model.CompanyPosition, error) {
	return s.primary.ListCompanyPositions(ctx, dealID)
}

func (s *CachedStore) ListInvestorPositions(ctx context.Context, dealID int64) ([]model.InvestorPosition, error) {
	return s.primary.ListInvestorPositions(ctx, dealID)
}

func (s *CachedStore) SaveExitScenario(ctx context.Context, rec *model.ExitScenarioRecord) error {
	return s.primary.SaveExitScenario(ctx, rec)
}

func (s *CachedStore) ListExitScenarios(ctx context.Context, dealID int64) ([]model.ExitScenarioRecord, error) {
	return s.primary.ListExitScenarios(ctx, dealID)
}

func dealKey(id int64) string { return fmt.Sprintf("deal_config:%d", id) }
