package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

type portfolioRecord struct {
	ID          string          `db:"id"`
	UserID      string          `db:"user_id"`
	Name        string          `db:"name"`
	CurrentCash decimal.Decimal `db:"current_cash"`
	InitialCash decimal.Decimal `db:"initial_cash"`
	IsDefault   bool            `db:"is_default"`
	IsPublic    bool            `db:"is_public"`
	LastTradeAt int64           `db:"last_trade_at"`
	CreatedAt   int64           `db:"created_at"`
}

const portfolioColumns = "id, user_id, name, current_cash, initial_cash, is_default, is_public, last_trade_at, created_at"

func (r portfolioRecord) toPortfolio() models.Portfolio {
	p := models.Portfolio{
		ID:          r.ID,
		UserID:      r.UserID,
		Name:        r.Name,
		CurrentCash: r.CurrentCash,
		InitialCash: r.InitialCash,
		IsDefault:   r.IsDefault,
		IsPublic:    r.IsPublic,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
	}
	if r.LastTradeAt > 0 {
		p.LastTradeAt = time.Unix(0, r.LastTradeAt).UTC()
	}
	return p
}

type holdingRecord struct {
	PortfolioID  string          `db:"portfolio_id"`
	Symbol       string          `db:"symbol"`
	Quantity     decimal.Decimal `db:"quantity"`
	AverageCost  decimal.Decimal `db:"average_cost"`
	TotalCost    decimal.Decimal `db:"total_cost"`
	LastTradedAt int64           `db:"last_traded_at"`
}

const holdingColumns = "portfolio_id, symbol, quantity, average_cost, total_cost, last_traded_at"

func (r holdingRecord) toHolding() models.Holding {
	return models.Holding{
		PortfolioID:  r.PortfolioID,
		Symbol:       r.Symbol,
		Quantity:     r.Quantity,
		AverageCost:  r.AverageCost,
		TotalCost:    r.TotalCost,
		LastTradedAt: time.Unix(0, r.LastTradedAt).UTC(),
	}
}

// CreatePortfolio inserts a new portfolio. A reused id returns ErrDuplicateRecord.
// A user holds at most one default portfolio; a second one marked default is
// stored as non-default and p.IsDefault is cleared.
func (s *Store) CreatePortfolio(ctx context.Context, p *models.Portfolio) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}

	err := s.insertPortfolio(ctx, p)
	if p.IsDefault && isUniqueViolation(err) {
		// The user already has a default portfolio.
		p.IsDefault = false
		err = s.insertPortfolio(ctx, p)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: portfolio %s", common.ErrDuplicateRecord, p.ID)
		}
		return s.mapError(fmt.Errorf("failed to create portfolio %s: %w", p.ID, err))
	}
	return nil
}

func (s *Store) insertPortfolio(ctx context.Context, p *models.Portfolio) error {
	var lastTrade int64
	if !p.LastTradeAt.IsZero() {
		lastTrade = p.LastTradeAt.UnixNano()
	}
	q := "INSERT INTO portfolios (" + portfolioColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		p.ID, p.UserID, p.Name, p.CurrentCash.String(), p.InitialCash.String(),
		p.IsDefault, p.IsPublic, lastTrade, p.CreatedAt.UnixNano())
	return err
}

// GetPortfolio returns a portfolio or ErrNotFound.
func (s *Store) GetPortfolio(ctx context.Context, id string) (*models.Portfolio, error) {
	var rec portfolioRecord
	q := "SELECT " + portfolioColumns + " FROM portfolios WHERE id = ?"
	if err := s.db.GetContext(ctx, &rec, s.db.Rebind(q), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: portfolio %s", common.ErrNotFound, id)
		}
		return nil, s.mapError(fmt.Errorf("failed to get portfolio %s: %w", id, err))
	}
	p := rec.toPortfolio()
	return &p, nil
}

// ListPortfolios returns portfolios ordered by creation.
func (s *Store) ListPortfolios(ctx context.Context, publicOnly bool) ([]models.Portfolio, error) {
	q := "SELECT " + portfolioColumns + " FROM portfolios"
	var args []any
	if publicOnly {
		q += " WHERE is_public = ?"
		args = append(args, true)
	}
	q += " ORDER BY created_at, id"

	var recs []portfolioRecord
	if err := s.db.SelectContext(ctx, &recs, s.db.Rebind(q), args...); err != nil {
		return nil, s.mapError(fmt.Errorf("failed to list portfolios: %w", err))
	}
	out := make([]models.Portfolio, len(recs))
	for i, r := range recs {
		out[i] = r.toPortfolio()
	}
	return out, nil
}

// ListHoldings returns the open positions of a portfolio ordered by symbol.
func (s *Store) ListHoldings(ctx context.Context, portfolioID string) ([]models.Holding, error) {
	q := "SELECT " + holdingColumns + " FROM holdings WHERE portfolio_id = ? ORDER BY symbol"
	var recs []holdingRecord
	if err := s.db.SelectContext(ctx, &recs, s.db.Rebind(q), portfolioID); err != nil {
		return nil, s.mapError(fmt.Errorf("failed to list holdings of %s: %w", portfolioID, err))
	}
	out := make([]models.Holding, len(recs))
	for i, r := range recs {
		out[i] = r.toHolding()
	}
	return out, nil
}

// ListTransactions reads a portfolio's transaction log from the transactions series.
func (s *Store) ListTransactions(ctx context.Context, portfolioID string, from, to time.Time, order series.Order, limit int) ([]models.Transaction, error) {
	rows, err := s.QueryRange(ctx, series.Query{
		Series:  series.Transactions,
		Filters: map[string]string{"portfolio_id": portfolioID},
		From:    from,
		To:      to,
		Order:   order,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := rowTransaction(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// WithPortfolioTx locks the portfolio row for the duration of fn. Row lock
// waits are bounded by the configured lock timeout on PostgreSQL; SQLite
// serialises writers on its single connection.
func (s *Store) WithPortfolioTx(ctx context.Context, portfolioID string, fn func(tx interfaces.LedgerTx) error) error {
	c := series.ChunkFor(series.Transactions, s.now(), s.Policy(series.Transactions).ChunkWidth)
	if err := s.ensureChunk(ctx, c); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if stmt := s.dialect.lockTimeoutStmt(s.lockWait); stmt != "" {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}

		var rec portfolioRecord
		q := "SELECT " + portfolioColumns + " FROM portfolios WHERE id = ?" + s.dialect.forUpdate
		if err := tx.GetContext(ctx, &rec, tx.Rebind(q), portfolioID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: portfolio %s", common.ErrNotFound, portfolioID)
			}
			return fmt.Errorf("failed to lock portfolio %s: %w", portfolioID, err)
		}

		return fn(&ledgerTx{store: s, tx: tx, portfolio: rec.toPortfolio()})
	})
}

// ledgerTx is the LedgerTx bound to one open transaction.
type ledgerTx struct {
	store     *Store
	tx        *sqlx.Tx
	portfolio models.Portfolio
}

func (l *ledgerTx) Portfolio() models.Portfolio { return l.portfolio }

func (l *ledgerTx) Symbol(ctx context.Context, symbol string) (*models.Symbol, error) {
	return getSymbol(ctx, l.tx, l.tx.Rebind, symbol, func(err error) error { return err })
}

func (l *ledgerTx) Holding(ctx context.Context, symbol string) (*models.Holding, error) {
	var rec holdingRecord
	q := "SELECT " + holdingColumns + " FROM holdings WHERE portfolio_id = ? AND symbol = ?"
	if err := l.tx.GetContext(ctx, &rec, l.tx.Rebind(q), l.portfolio.ID, symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read holding %s/%s: %w", l.portfolio.ID, symbol, err)
	}
	h := rec.toHolding()
	return &h, nil
}

func (l *ledgerTx) SaveHolding(ctx context.Context, h models.Holding) error {
	q := `INSERT INTO holdings (` + holdingColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (portfolio_id, symbol) DO UPDATE SET
			quantity = excluded.quantity, average_cost = excluded.average_cost,
			total_cost = excluded.total_cost, last_traded_at = excluded.last_traded_at`
	_, err := l.tx.ExecContext(ctx, l.tx.Rebind(q),
		l.portfolio.ID, h.Symbol, h.Quantity.String(), h.AverageCost.String(), h.TotalCost.String(), h.LastTradedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save holding %s/%s: %w", l.portfolio.ID, h.Symbol, err)
	}
	return nil
}

func (l *ledgerTx) DeleteHolding(ctx context.Context, symbol string) error {
	q := "DELETE FROM holdings WHERE portfolio_id = ? AND symbol = ?"
	if _, err := l.tx.ExecContext(ctx, l.tx.Rebind(q), l.portfolio.ID, symbol); err != nil {
		return fmt.Errorf("failed to delete holding %s/%s: %w", l.portfolio.ID, symbol, err)
	}
	return nil
}

func (l *ledgerTx) UpdateCash(ctx context.Context, cash decimal.Decimal, lastTradeAt time.Time) error {
	if cash.IsNegative() {
		return fmt.Errorf("%w: cash of %s would become %s", common.ErrInsufficientFunds, l.portfolio.ID, cash)
	}
	q := "UPDATE portfolios SET current_cash = ?, last_trade_at = ? WHERE id = ?"
	if _, err := l.tx.ExecContext(ctx, l.tx.Rebind(q), cash.String(), lastTradeAt.UnixNano(), l.portfolio.ID); err != nil {
		return fmt.Errorf("failed to update cash of %s: %w", l.portfolio.ID, err)
	}
	l.portfolio.CurrentCash = cash
	l.portfolio.LastTradeAt = lastTradeAt
	return nil
}

// AppendTransaction writes the entry into the transactions series inside the
// ledger transaction, so the log commits or rolls back with the balances.
func (l *ledgerTx) AppendTransaction(ctx context.Context, txn models.Transaction) error {
	s := l.store
	schema, err := series.SchemaOf(series.Transactions)
	if err != nil {
		return err
	}

	c := series.ChunkFor(series.Transactions, txn.ExecutedAt, s.Policy(series.Transactions).ChunkWidth)
	_, compressed, err := s.prepareChunk(ctx, l.tx, c, true)
	if err != nil {
		return err
	}
	if compressed {
		return fmt.Errorf("transaction %s targets compressed chunk %s", txn.ID, c.ID())
	}

	res, err := l.tx.ExecContext(ctx, l.tx.Rebind(s.insertSQL(schema, c.TableName())), transactionArgs(schema, txn)...)
	if err != nil {
		return fmt.Errorf("failed to append transaction %s: %w", txn.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transaction %s", common.ErrDuplicateRecord, txn.ID)
	}
	return nil
}

func transactionRow(t models.Transaction) series.Row {
	r := series.NewRow(t.ExecutedAt)
	r.Values["id"] = t.ID
	r.Values["portfolio_id"] = t.PortfolioID
	r.Values["symbol"] = t.Symbol
	r.Values["type"] = string(t.Type)
	r.Values["quantity"] = t.Quantity.String()
	r.Values["price"] = t.Price.String()
	r.Values["total_amount"] = t.TotalAmount.String()
	r.Values["fees"] = t.Fees.String()
	r.Values["realized_pnl"] = t.RealizedPnL.String()
	r.Values["notes"] = nullText(t.Notes)
	return r
}

func transactionArgs(schema series.Schema, t models.Transaction) []any {
	r := transactionRow(t)
	args := make([]any, 0, len(schema.Columns)+1)
	args = append(args, r.Time.UnixNano())
	for _, c := range schema.Columns {
		args = append(args, r.Values[c.Name])
	}
	return args
}

func rowTransaction(r series.Row) (models.Transaction, error) {
	t := models.Transaction{
		ID:          r.Text("id"),
		PortfolioID: r.Text("portfolio_id"),
		Symbol:      r.Text("symbol"),
		Type:        models.TransactionType(r.Text("type")),
		Notes:       r.Text("notes"),
		ExecutedAt:  r.Time,
	}
	for col, dst := range map[string]*decimal.Decimal{
		"quantity":     &t.Quantity,
		"price":        &t.Price,
		"total_amount": &t.TotalAmount,
		"fees":         &t.Fees,
		"realized_pnl": &t.RealizedPnL,
	} {
		d, err := decimal.NewFromString(r.Text(col))
		if err != nil {
			return models.Transaction{}, fmt.Errorf("transaction %s: bad %s: %w", t.ID, col, err)
		}
		*dst = d
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
