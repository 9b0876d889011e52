package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/models"
)

const symbolColumns = "symbol, name, exchange, asset_type, currency, lot_size, tick_size, is_active"

// UpsertSymbol inserts or refreshes a reference symbol.
func (s *Store) UpsertSymbol(ctx context.Context, sym models.Symbol) error {
	sym.Symbol = strings.ToUpper(strings.TrimSpace(sym.Symbol))
	if sym.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", common.ErrInvalidArgument)
	}

	q := `INSERT INTO symbols (symbol, name, exchange, asset_type, currency, lot_size, tick_size, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			name = excluded.name, exchange = excluded.exchange, asset_type = excluded.asset_type,
			currency = excluded.currency, lot_size = excluded.lot_size, tick_size = excluded.tick_size,
			is_active = excluded.is_active, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		sym.Symbol, sym.Name, sym.Exchange, sym.AssetType, sym.Currency, sym.LotSize,
		sym.TickSize.String(), sym.IsActive, s.now().UnixNano())
	if err != nil {
		return s.mapError(fmt.Errorf("failed to upsert symbol %s: %w", sym.Symbol, err))
	}
	return nil
}

// GetSymbol returns a symbol or ErrNotFound.
func (s *Store) GetSymbol(ctx context.Context, symbol string) (*models.Symbol, error) {
	return getSymbol(ctx, s.db, s.db.Rebind, symbol, s.mapError)
}

func getSymbol(ctx context.Context, db interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}, rebind func(string) string, symbol string, mapErr func(error) error) (*models.Symbol, error) {
	var sym models.Symbol
	q := "SELECT " + symbolColumns + " FROM symbols WHERE symbol = ?"
	if err := db.GetContext(ctx, &sym, rebind(q), strings.ToUpper(symbol)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: symbol %s", common.ErrNotFound, symbol)
		}
		return nil, mapErr(fmt.Errorf("failed to get symbol %s: %w", symbol, err))
	}
	return &sym, nil
}

// ListSymbols returns symbols ordered by ticker.
func (s *Store) ListSymbols(ctx context.Context, activeOnly bool) ([]models.Symbol, error) {
	q := "SELECT " + symbolColumns + " FROM symbols"
	var args []any
	if activeOnly {
		q += " WHERE is_active = ?"
		args = append(args, true)
	}
	q += " ORDER BY symbol"

	var out []models.Symbol
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, s.mapError(fmt.Errorf("failed to list symbols: %w", err))
	}
	return out, nil
}
