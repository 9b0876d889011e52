package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

type replayed struct {
	qty   decimal.Decimal
	total decimal.Decimal
	avg   decimal.Decimal
}

// Reconcile replays a portfolio's transaction log from its initial cash and
// compares the result with the stored cash and holdings. The replay applies
// the same cost rules as ExecuteBuy and ExecuteSell.
func (s *Service) Reconcile(ctx context.Context, portfolioID string) (*models.Reconciliation, error) {
	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListTransactions(ctx, portfolioID, time.Time{}, time.Time{}, series.Ascending, 0)
	if err != nil {
		return nil, fmt.Errorf("read transaction log of %s: %w", portfolioID, err)
	}
	holdings, err := s.store.ListHoldings(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	rec := &models.Reconciliation{
		PortfolioID:      portfolioID,
		Transactions:     len(txns),
		ExpectedCash:     p.InitialCash,
		ActualCash:       p.CurrentCash,
		TotalFees:        decimal.Zero,
		TotalRealizedPnL: decimal.Zero,
	}

	positions := make(map[string]*replayed)
	for _, t := range txns {
		pos, ok := positions[t.Symbol]
		if !ok {
			pos = &replayed{}
			positions[t.Symbol] = pos
		}
		rec.TotalFees = rec.TotalFees.Add(t.Fees)

		switch t.Type {
		case models.TransactionBuy:
			rec.ExpectedCash = rec.ExpectedCash.Sub(t.TotalAmount).Sub(t.Fees)
			pos.qty = pos.qty.Add(t.Quantity)
			pos.total = pos.total.Add(t.TotalAmount)
			pos.avg = pos.total.DivRound(pos.qty, models.CostPlaces)
		case models.TransactionSell:
			rec.ExpectedCash = rec.ExpectedCash.Add(t.TotalAmount).Sub(t.Fees)
			rec.TotalRealizedPnL = rec.TotalRealizedPnL.Add(t.RealizedPnL)
			pos.qty = pos.qty.Sub(t.Quantity)
			pos.total = pos.qty.Mul(pos.avg)
			if pos.qty.IsZero() {
				pos.avg = decimal.Zero
			}
		default:
			return nil, fmt.Errorf("transaction %s has unknown type %q", t.ID, t.Type)
		}
	}

	stored := make(map[string]models.Holding, len(holdings))
	for _, h := range holdings {
		stored[h.Symbol] = h
	}

	symbols := make(map[string]struct{})
	for sym, pos := range positions {
		if !pos.qty.IsZero() {
			symbols[sym] = struct{}{}
		}
	}
	for sym := range stored {
		symbols[sym] = struct{}{}
	}

	for sym := range symbols {
		want := replayed{qty: decimal.Zero, total: decimal.Zero}
		if pos, ok := positions[sym]; ok {
			want = *pos
		}
		got := stored[sym]
		if want.qty.Equal(got.Quantity) && want.total.Equal(got.TotalCost) {
			continue
		}
		rec.Drift = append(rec.Drift, models.HoldingDrift{
			Symbol:            sym,
			ExpectedQuantity:  want.qty,
			ActualQuantity:    got.Quantity,
			ExpectedTotalCost: want.total,
			ActualTotalCost:   got.TotalCost,
		})
	}
	sort.Slice(rec.Drift, func(i, j int) bool { return rec.Drift[i].Symbol < rec.Drift[j].Symbol })

	return rec, nil
}

// ReconcileAll reconciles every portfolio and logs any that drifted.
func (s *Service) ReconcileAll(ctx context.Context) (models.ReconcileStats, error) {
	var stats models.ReconcileStats

	portfolios, err := s.store.ListPortfolios(ctx, false)
	if err != nil {
		return stats, err
	}

	var errs []error
	for _, p := range portfolios {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Portfolios++

		rec, err := s.Reconcile(ctx, p.ID)
		if err != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("reconcile %s: %w", p.ID, err))
			continue
		}
		if rec.Consistent() {
			continue
		}

		stats.Inconsistent++
		s.logger.Warn().
			Str("portfolio_id", p.ID).
			Str("expected_cash", rec.ExpectedCash.String()).
			Str("actual_cash", rec.ActualCash.String()).
			Int("drifted_holdings", len(rec.Drift)).
			Msg("Portfolio does not match its transaction log")
	}

	s.logger.Info().
		Int("portfolios", stats.Portfolios).
		Int("inconsistent", stats.Inconsistent).
		Int("failed", stats.Failed).
		Msg("Ledger reconciliation complete")

	return stats, errors.Join(errs...)
}
