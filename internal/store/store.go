// Package store defines the persistence interface for the fee engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for deal configuration), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

// ErrNotFound is returned when a requested deal, transaction or formula
// template does not exist.
var ErrNotFound = errors.New("store: not found")

// PersistenceError wraps a storage-layer failure with the operation that
// produced it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// wrap returns nil, ErrNotFound unchanged, or a PersistenceError.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for deal configuration.
type Store interface {
	// --- Deal configuration (read-only to the engine) ---

	// GetDealConfig retrieves a deal's formula configuration.
	GetDealConfig(ctx context.Context, dealID int64) (*model.DealFormulaConfig, error)

	// ListDealIDs returns the ids of all configured deals.
	ListDealIDs(ctx context.Context) ([]int64, error)

	// --- Transactions ---

	// ListTransactions returns a deal's transactions of the given type,
	// including their recorded fee rows.
	ListTransactions(ctx context.Context, dealID int64, txType string) ([]model.Transaction, error)

	// GetTransaction retrieves one transaction with its fee rows.
	GetTransaction(ctx context.Context, transactionID int64) (*model.Transaction, error)

	// UpdateTransactionNetCapital overwrites initial_net_capital for one row.
	UpdateTransactionNetCapital(ctx context.Context, transactionID int64, value decimal.Decimal) error

	// --- Immutable audit log ---

	// AppendCalculationLog appends an audit record.
	AppendCalculationLog(ctx context.Context, entry *model.CalculationLog) error

	// ListCalculationLogs returns a deal's audit records, oldest first.
	ListCalculationLogs(ctx context.Context, dealID int64) ([]model.CalculationLog, error)

	// --- Formula templates ---

	// GetFormulaTemplate returns the stored template with the given code,
	// matched case-insensitively.
	GetFormulaTemplate(ctx context.Context, code string) (*model.FormulaTemplate, error)

	// ListFormulaTemplates returns stored templates ordered by code.
	ListFormulaTemplates(ctx context.Context, activeOnly bool) ([]model.FormulaTemplate, error)

	// --- Exit scenarios ---

	// ListCompanyPositions returns the deal's company positions.
	ListCompanyPositions(ctx context.Context, dealID int64) ([]model.CompanyPosition, error)

	// ListInvestorPositions returns invested capital per investor.
	ListInvestorPositions(ctx context.Context, dealID int64) ([]model.InvestorPosition, error)

	// SaveExitScenario persists a scenario summary.
	SaveExitScenario(ctx context.Context, rec *model.ExitScenarioRecord) error

	// ListExitScenarios returns a deal's saved scenarios by exit multiple.
	ListExitScenarios(ctx context.Context, dealID int64) ([]model.ExitScenarioRecord, error)
}
