package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back through ::TEXT casts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const dealColumns = `deal_id, deal_name,
	COALESCE(formula_template, ''), COALESCE(nc_calculation_method, ''), COALESCE(fee_base_capital, 'GC'),
	COALESCE(structuring_fee_percent, 0)::TEXT, COALESCE(management_fee_percent, 0)::TEXT,
	COALESCE(management_fee_tier_1_percent, 0)::TEXT, COALESCE(management_fee_tier_2_percent, 0)::TEXT,
	COALESCE(tier_1_period, 0)::TEXT, COALESCE(performance_fee_percent, 0)::TEXT,
	COALESCE(premium_fee_percent, 0)::TEXT, COALESCE(admin_fee, 0)::TEXT,
	COALESCE(other_fees_allowed, false),
	pmsp::TEXT, isp::TEXT, sfr::TEXT,
	COALESCE(fee_schedule, '[]'::JSONB), version, updated_at`

func (s *PostgresStore) GetDealConfig(ctx context.Context, dealID int64) (*model.DealFormulaConfig, error) {
	var (
		c                               model.DealFormulaConfig
		structuring, mgmt, tier1, tier2 string
		period, perf, premium, admin    string
		pmsp, isp, sfr                  *string
		schedule                        []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE deal_id = $1`, dealID).
		Scan(&c.DealID, &c.Name,
			&c.FormulaTemplate, &c.NCCalculationMethod, &c.FeeBaseCapital,
			&structuring, &mgmt, &tier1, &tier2,
			&period, &perf, &premium, &admin,
			&c.OtherFeesAllowed,
			&pmsp, &isp, &sfr,
			&schedule, &c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deal %d: %w", dealID, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get deal config", err)
	}

	c.StructuringFeePercent, _ = decimal.NewFromString(structuring)
	c.ManagementFeePercent, _ = decimal.NewFromString(mgmt)
	c.ManagementFeeTier1Percent, _ = decimal.NewFromString(tier1)
	c.ManagementFeeTier2Percent, _ = decimal.NewFromString(tier2)
	c.Tier1Period, _ = decimal.NewFromString(period)
	c.PerformanceFeePercent, _ = decimal.NewFromString(perf)
	c.PremiumFeePercent, _ = decimal.NewFromString(premium)
	c.AdminFee, _ = decimal.NewFromString(admin)
	c.PMSP = nullableDecimal(pmsp)
	c.ISP = nullableDecimal(isp)
	c.SFR = nullableDecimal(sfr)
	if err := json.Unmarshal(schedule, &c.FeeSchedule); err != nil {
		return nil, wrap("decode fee schedule", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListDealIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT deal_id FROM deals ORDER BY deal_id`)
	if err != nil {
		return nil, wrap("list deals", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("list deals", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("list deals", rows.Err())
}

const transactionColumns = `transaction_id, deal_id, COALESCE(investor_id, 0), transaction_type,
	COALESCE(gross_capital, 0)::TEXT,
	pmsp::TEXT, isp::TEXT, sfr::TEXT,
	exit_unit_price::TEXT, initial_unit_price::TEXT,
	COALESCE(structuring_fee_discount_percent, 0)::TEXT, COALESCE(management_fee_discount_percent, 0)::TEXT,
	COALESCE(performance_fee_discount_percent, 0)::TEXT, COALESCE(premium_fee_discount_percent, 0)::TEXT,
	COALESCE(other_fees, 0)::TEXT,
	COALESCE(initial_net_capital, 0)::TEXT, COALESCE(net_capital, 0)::TEXT,
	COALESCE(units, 0)::TEXT, COALESCE(unit_price, 0)::TEXT,
	transaction_date`

func (s *PostgresStore) ListTransactions(ctx context.Context, dealID int64, txType string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE deal_id = $1 AND ($2 = '' OR transaction_type = $2)
		 ORDER BY transaction_id`, dealID, txType)
	if err != nil {
		return nil, wrap("list transactions", err)
	}
	txs, err := scanTransactions(rows)
	rows.Close()
	if err != nil {
		return nil, wrap("list transactions", err)
	}

	fees, err := s.feesByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i].Fees = fees[txs[i].TransactionID]
	}
	return txs, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, wrap("get transaction", err)
	}
	txs, err := scanTransactions(rows)
	rows.Close()
	if err != nil {
		return nil, wrap("get transaction", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transaction %d: %w", transactionID, ErrNotFound)
	}

	tx := txs[0]
	fees, err := s.queryFees(ctx, `WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, err
	}
	tx.Fees = fees[tx.TransactionID]
	return &tx, nil
}

// UpdateTransactionNetCapital writes one row inside its own database
// transaction so the update either fully applies or is reported.
func (s *PostgresStore) UpdateTransactionNetCapital(ctx context.Context, transactionID int64, value decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE transactions SET initial_net_capital = $2::NUMERIC, updated_at = NOW()
			 WHERE transaction_id = $1`,
			transactionID, value.String())
		if err != nil {
			return wrap("update net capital", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("transaction %d: %w", transactionID, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) AppendCalculationLog(ctx context.Context, e *model.CalculationLog) error {
	inputs, err := json.Marshal(e.Inputs)
	if err != nil {
		return wrap("encode log inputs", err)
	}
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return wrap("encode log steps", err)
	}
	outputs, err := json.Marshal(e.Outputs)
	if err != nil {
		return wrap("encode log outputs", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO calculation_logs (id, transaction_id, deal_id, investor_id,
		        formula_template, nc_calculation_method, fee_base_capital, config_version,
		        inputs, steps, outputs, validation_status, discrepancy, calculation_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::NUMERIC, $14, $15)`,
		e.ID, e.TransactionID, e.DealID, e.InvestorID,
		e.FormulaTemplate, e.NCCalculationMethod, e.FeeBaseCapital, e.ConfigVersion,
		inputs, steps, outputs, e.ValidationStatus, e.Discrepancy.String(), e.CalculationVersion, e.CreatedAt,
	)
	return wrap("append calculation log", err)
}

func (s *PostgresStore) ListCalculationLogs(ctx context.Context, dealID int64) ([]model.CalculationLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, transaction_id, deal_id, investor_id,
		        formula_template, nc_calculation_method, fee_base_capital, config_version,
		        inputs, steps, outputs, validation_status, discrepancy::TEXT, calculation_version, created_at
		 FROM calculation_logs WHERE deal_id = $1 ORDER BY created_at`, dealID)
	if err != nil {
		return nil, wrap("list calculation logs", err)
	}
	defer rows.Close()

	var logs []model.CalculationLog
	for rows.Next() {
		var (
			l                      model.CalculationLog
			inputs, steps, outputs []byte
			discrepancy            string
		)
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.DealID, &l.InvestorID,
			&l.FormulaTemplate, &l.NCCalculationMethod, &l.FeeBaseCapital, &l.ConfigVersion,
			&inputs, &steps, &outputs, &l.ValidationStatus, &discrepancy, &l.CalculationVersion, &l.CreatedAt); err != nil {
			return nil, wrap("list calculation logs", err)
		}
		_ = json.Unmarshal(inputs, &l.Inputs)
		_ = json.Unmarshal(steps, &l.Steps)
		_ = json.Unmarshal(outputs, &l.Outputs)
		l.Discrepancy, _ = decimal.NewFromString(discrepancy)
		logs = append(logs, l)
	}
	return logs, wrap("list calculation logs", rows.Err())
}

func (s *PostgresStore) ListCompanyPositions(ctx context.Context, dealID int64) ([]model.CompanyPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.deal_id, p.company_id, COALESCE(c.company_name, ''),
		        COALESCE(p.shares_owned, 0)::TEXT, COALESCE(p.purchase_price_per_share, 0)::TEXT,
		        COALESCE(p.cost_basis, 0)::TEXT
		 FROM company_positions p
		 LEFT JOIN companies c ON c.company_id = p.company_id
		 WHERE p.deal_id = $1
		 ORDER BY p.company_id`, dealID)
	if err != nil {
		return nil, wrap("list company positions", err)
	}
	defer rows.Close()

	var positions []model.CompanyPosition
	for rows.Next() {
		var p model.CompanyPosition
		var shares, price, cost string
		if err := rows.Scan(&p.DealID, &p.CompanyID, &p.CompanyName, &shares, &price, &cost); err != nil {
			return nil, wrap("list company positions", err)
		}
		p.SharesOwned, _ = decimal.NewFromString(shares)
		p.PurchasePricePerShare, _ = decimal.NewFromString(price)
		p.CostBasis, _ = decimal.NewFromString(cost)
		positions = append(positions, p)
	}
	return positions, wrap("list company positions", rows.Err())
}

func (s *PostgresStore) ListInvestorPositions(ctx context.Context, dealID int64) ([]model.InvestorPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.deal_id, t.investor_id, COALESCE(MAX(i.full_name), ''),
		        COALESCE(SUM(t.gross_capital), 0)::TEXT
		 FROM transactions t
		 LEFT JOIN investors i ON i.investor_id = t.investor_id
		 WHERE t.deal_id = $1 AND t.transaction_type = 'primary'
		 GROUP BY t.deal_id, t.investor_id
		 ORDER BY t.investor_id`, dealID)
	if err != nil {
		return nil, wrap("list investor positions", err)
	}
	defer rows.Close()

	var positions []model.InvestorPosition
	for rows.Next() {
		var p model.InvestorPosition
		var cost string
		if err := rows.Scan(&p.DealID, &p.InvestorID, &p.InvestorName, &cost); err != nil {
			return nil, wrap("list investor positions", err)
		}
		p.CostBasis, _ = decimal.NewFromString(cost)
		positions = append(positions, p)
	}
	return positions, wrap("list investor positions", rows.Err())
}

const templateColumns = `formula_code, formula_name, COALESCE(description, ''), nc_formula,
	COALESCE(is_active, true), updated_at`

func (s *PostgresStore) GetFormulaTemplate(ctx context.Context, code string) (*model.FormulaTemplate, error) {
	var t model.FormulaTemplate
	err := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM formula_templates WHERE LOWER(formula_code) = LOWER($1)`, code).
		Scan(&t.Code, &t.Name, &t.Description, &t.NCFormula, &t.Active, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("formula template %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get formula template", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListFormulaTemplates(ctx context.Context, activeOnly bool) ([]model.FormulaTemplate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+templateColumns+` FROM formula_templates
		 WHERE NOT $1 OR COALESCE(is_active, true)
		 ORDER BY LOWER(formula_code)`, activeOnly)
	if err != nil {
		return nil, wrap("list formula templates", err)
	}
	defer rows.Close()

	var out []model.FormulaTemplate
	for rows.Next() {
		var t model.FormulaTemplate
		if err := rows.Scan(&t.Code, &t.Name, &t.Description, &t.NCFormula, &t.Active, &t.UpdatedAt); err != nil {
			return nil, wrap("list formula templates", err)
		}
		out = append(out, t)
	}
	return out, wrap("list formula templates", rows.Err())
}

func (s *PostgresStore) SaveExitScenario(ctx context.Context, r *model.ExitScenarioRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exit_scenarios (id, deal_id, scenario_name, exit_multiple, exit_year,
		        gross_exit_value, total_fees, net_exit_value, net_irr, net_moic, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		r.ID, r.DealID, r.ScenarioName, r.ExitMultiple.String(), r.ExitYear,
		r.GrossExitValue.String(), r.TotalFees.String(), r.NetExitValue.String(),
		r.NetIRR.String(), r.NetMOIC.String(), r.CreatedAt,
	)
	return wrap("save exit scenario", err)
}

func (s *PostgresStore) ListExitScenarios(ctx context.Context, dealID int64) ([]model.ExitScenarioRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, deal_id, scenario_name, exit_multiple::TEXT, exit_year,
		        gross_exit_value::TEXT, total_fees::TEXT, net_exit_value::TEXT,
		        net_irr::TEXT, net_moic::TEXT, created_at
		 FROM exit_scenarios WHERE deal_id = $1
		 ORDER BY exit_multiple, created_at`, dealID)
	if err != nil {
		return nil, wrap("list exit scenarios", err)
	}
	defer rows.Close()

	var recs []model.ExitScenarioRecord
	for rows.Next() {
		var r model.ExitScenarioRecord
		var multiple, gross, fees, net, irr, moic string
		if err := rows.Scan(&r.ID, &r.DealID, &r.ScenarioName, &multiple, &r.ExitYear,
			&gross, &fees, &net, &irr, &moic, &r.CreatedAt); err != nil {
			return nil, wrap("list exit scenarios", err)
		}
		r.ExitMultiple, _ = decimal.NewFromString(multiple)
		r.GrossExitValue, _ = decimal.NewFromString(gross)
		r.TotalFees, _ = decimal.NewFromString(fees)
		r.NetExitValue, _ = decimal.NewFromString(net)
		r.NetIRR, _ = decimal.NewFromString(irr)
		r.NetMOIC, _ = decimal.NewFromString(moic)
		recs = append(recs, r)
	}
	return recs, wrap("list exit scenarios", rows.Err())
}

// --- Fee rows ---

func (s *PostgresStore) feesByDeal(ctx context.Context, dealID int64) (map[int64][]model.FeeApplication, error) {
	return s.queryFees(ctx, `WHERE deal_id = $1`, dealID)
}

func (s *PostgresStore) queryFees(ctx context.Context, where string, arg int64) (map[int64][]model.FeeApplication, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, deal_id, component, amount::TEXT, percent::TEXT,
		        COALESCE(basis, ''), COALESCE(precedence, 0), COALESCE(applied_order, 0), COALESCE(notes, '')
		 FROM fee_applications `+where+`
		 ORDER BY transaction_id, applied_order`, arg)
	if err != nil {
		return nil, wrap("list fee applications", err)
	}
	defer rows.Close()

	fees := make(map[int64][]model.FeeApplication)
	for rows.Next() {
		var f model.FeeApplication
		var amount string
		var percent *string
		if err := rows.Scan(&f.TransactionID, &f.DealID, &f.Component, &amount, &percent,
			&f.Basis, &f.Precedence, &f.Sequence, &f.Notes); err != nil {
			return nil, wrap("list fee applications", err)
		}
		f.Amount, _ = decimal.NewFromString(amount)
		f.Percent = nullableDecimal(percent)
		fees[f.TransactionID] = append(fees[f.TransactionID], f)
	}
	return fees, wrap("list fee applications", rows.Err())
}

// scanTransactions reads pgx rows into Transaction slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var (
			t                        model.Transaction
			gc, other, initialNC, nc string
			units, unitPrice         string
			sd, md, pd, prd          string
			pmsp, isp, sfr, eup, iup *string
		)
		if err := rows.Scan(&t.TransactionID, &t.DealID, &t.InvestorID, &t.TransactionType,
			&gc,
			&pmsp, &isp, &sfr,
			&eup, &iup,
			&sd, &md, &pd, &prd,
			&other,
			&initialNC, &nc,
			&units, &unitPrice,
			&t.TransactionDate); err != nil {
			return nil, err
		}

		t.GrossCapital, _ = decimal.NewFromString(gc)
		t.PMSP = nullableDecimal(pmsp)
		t.ISP = nullableDecimal(isp)
		t.SFR = nullableDecimal(sfr)
		t.ExitUnitPrice = nullableDecimal(eup)
		t.InitialUnitPrice = nullableDecimal(iup)
		t.Discounts.Structuring, _ = decimal.NewFromString(sd)
		t.Discounts.Management, _ = decimal.NewFromString(md)
		t.Discounts.Performance, _ = decimal.NewFromString(pd)
		t.Discounts.Premium, _ = decimal.NewFromString(prd)
		t.OtherFees, _ = decimal.NewFromString(other)
		t.InitialNetCapital, _ = decimal.NewFromString(initialNC)
		t.NetCapital, _ = decimal.NewFromString(nc)
		t.Units, _ = decimal.NewFromString(units)
		t.UnitPrice, _ = decimal.NewFromString(unitPrice)

		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func nullableDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}
