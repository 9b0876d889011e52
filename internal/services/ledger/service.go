// Package ledger executes paper trades against portfolios. Every buy or sell
// runs inside one storage transaction holding the portfolio row lock, so cash,
// the holding and the transaction log change together or not at all.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/models"
)

// Service implements interfaces.LedgerService.
type Service struct {
	store       interfaces.LedgerStore
	locks       *keyedLock
	commission  decimal.Decimal
	initialCash decimal.Decimal
	lockTimeout time.Duration
	logger      *common.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewService creates a ledger over the storage manager's ledger tables.
func NewService(storage interfaces.StorageManager, config common.LedgerConfig, logger *common.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:       storage.LedgerStore(),
		locks:       newKeyedLock(),
		commission:  config.GetCommission(),
		initialCash: config.GetInitialCash(),
		lockTimeout: config.GetLockTimeout(),
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// CreatePortfolio opens a portfolio for userID. A zero initialCash takes the
// configured default; the user's first portfolio becomes their default one.
func (s *Service) CreatePortfolio(ctx context.Context, userID, name string, initialCash decimal.Decimal, isPublic bool) (*models.Portfolio, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", common.ErrInvalidArgument)
	}
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("%w: initial cash %s is negative", common.ErrInvalidArgument, initialCash)
	}
	if initialCash.IsZero() {
		initialCash = s.initialCash
	}
	if name == "" {
		name = "Default Portfolio"
	}

	p := &models.Portfolio{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		CurrentCash: initialCash,
		InitialCash: initialCash,
		IsDefault:   true,
		IsPublic:    isPublic,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreatePortfolio(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("portfolio_id", p.ID).
		Str("user_id", userID).
		Str("initial_cash", initialCash.String()).
		Bool("is_default", p.IsDefault).
		Msg("Portfolio created")
	return p, nil
}

// ExecuteBuy debits quantity × price plus commission and grows the holding at
// a weighted average cost. No partial fills.
func (s *Service) ExecuteBuy(ctx context.Context, req models.TradeRequest) (*models.BuyResult, error) {
	req, err := normalise(req)
	if err != nil {
		return nil, err
	}

	var result *models.BuyResult
	err = s.withPortfolio(ctx, models.TransactionBuy, req.PortfolioID, func(tx interfaces.LedgerTx) error {
		sym, err := tx.Symbol(ctx, req.Symbol)
		if err != nil {
			return symbolError(req.Symbol, err)
		}
		if !sym.IsActive {
			return fmt.Errorf("%w: %s is not active", common.ErrInvalidSymbol, req.Symbol)
		}

		p := tx.Portfolio()
		total := req.Quantity.Mul(req.Price)
		fees := s.commission
		cost := total.Add(fees)
		if cost.GreaterThan(p.CurrentCash) {
			return fmt.Errorf("%w: need %s, have %s", common.ErrInsufficientFunds, cost, p.CurrentCash)
		}

		oldQty, oldTotal := decimal.Zero, decimal.Zero
		h, err := tx.Holding(ctx, req.Symbol)
		if err != nil {
			return err
		}
		if h != nil {
			oldQty, oldTotal = h.Quantity, h.TotalCost
		}

		newQty := oldQty.Add(req.Quantity)
		newTotal := oldTotal.Add(total)
		avg := newTotal.DivRound(newQty, models.CostPlaces)
		executedAt := s.executedAt(p.LastTradeAt)

		if err := tx.SaveHolding(ctx, models.Holding{
			PortfolioID:  p.ID,
			Symbol:       req.Symbol,
			Quantity:     newQty,
			AverageCost:  avg,
			TotalCost:    newTotal,
			LastTradedAt: executedAt,
		}); err != nil {
			return err
		}

		cash := p.CurrentCash.Sub(cost)
		if err := tx.UpdateCash(ctx, cash, executedAt); err != nil {
			return err
		}

		txn := models.Transaction{
			ID:          uuid.NewString(),
			PortfolioID: p.ID,
			Symbol:      req.Symbol,
			Type:        models.TransactionBuy,
			Quantity:    req.Quantity,
			Price:       req.Price,
			TotalAmount: total,
			Fees:        fees,
			RealizedPnL: decimal.Zero,
			Notes:       req.Notes,
			ExecutedAt:  executedAt,
		}
		if err := tx.AppendTransaction(ctx, txn); err != nil {
			return err
		}

		result = &models.BuyResult{
			TransactionID:  txn.ID,
			Symbol:         req.Symbol,
			Quantity:       req.Quantity,
			Price:          req.Price,
			TotalAmount:    total,
			Fees:           fees,
			NewQuantity:    newQty,
			NewAverageCost: avg,
			RemainingCash:  cash,
			ExecutedAt:     executedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("portfolio_id", req.PortfolioID).
		Str("symbol", req.Symbol).
		Str("quantity", req.Quantity.String()).
		Str("price", req.Price.String()).
		Str("remaining_cash", result.RemainingCash.String()).
		Msg("Buy executed")
	return result, nil
}

// ExecuteSell reduces a holding at its unchanged average cost and credits the
// proceeds less commission. Selling more than is held fails; there is no shorting.
func (s *Service) ExecuteSell(ctx context.Context, req models.TradeRequest) (*models.SellResult, error) {
	req, err := normalise(req)
	if err != nil {
		return nil, err
	}

	var result *models.SellResult
	err = s.withPortfolio(ctx, models.TransactionSell, req.PortfolioID, func(tx interfaces.LedgerTx) error {
		// Inactive symbols can still be liquidated.
		if _, err := tx.Symbol(ctx, req.Symbol); err != nil {
			return symbolError(req.Symbol, err)
		}

		h, err := tx.Holding(ctx, req.Symbol)
		if err != nil {
			return err
		}
		if h == nil || h.Quantity.LessThan(req.Quantity) {
			held := decimal.Zero
			if h != nil {
				held = h.Quantity
			}
			return fmt.Errorf("%w: hold %s %s, selling %s", common.ErrInsufficientShares, held, req.Symbol, req.Quantity)
		}

		p := tx.Portfolio()
		proceeds := req.Quantity.Mul(req.Price)
		fees := s.commission
		newQty := h.Quantity.Sub(req.Quantity)
		newTotal := newQty.Mul(h.AverageCost)
		pnl := proceeds.Sub(h.TotalCost.Sub(newTotal))
		executedAt := s.executedAt(p.LastTradeAt)

		if newQty.IsZero() {
			if err := tx.DeleteHolding(ctx, req.Symbol); err != nil {
				return err
			}
		} else if err := tx.SaveHolding(ctx, models.Holding{
			PortfolioID:  p.ID,
			Symbol:       req.Symbol,
			Quantity:     newQty,
			AverageCost:  h.AverageCost,
			TotalCost:    newTotal,
			LastTradedAt: executedAt,
		}); err != nil {
			return err
		}

		cash := p.CurrentCash.Add(proceeds).Sub(fees)
		if err := tx.UpdateCash(ctx, cash, executedAt); err != nil {
			return err
		}

		txn := models.Transaction{
			ID:          uuid.NewString(),
			PortfolioID: p.ID,
			Symbol:      req.Symbol,
			Type:        models.TransactionSell,
			Quantity:    req.Quantity,
			Price:       req.Price,
			TotalAmount: proceeds,
			Fees:        fees,
			RealizedPnL: pnl,
			Notes:       req.Notes,
			ExecutedAt:  executedAt,
		}
		if err := tx.AppendTransaction(ctx, txn); err != nil {
			return err
		}

		result = &models.SellResult{
			TransactionID:     txn.ID,
			Symbol:            req.Symbol,
			Quantity:          req.Quantity,
			Price:             req.Price,
			TotalAmount:       proceeds,
			Fees:              fees,
			RemainingQuantity: newQty,
			RealizedPnL:       pnl,
			NewCash:           cash,
			ExecutedAt:        executedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("portfolio_id", req.PortfolioID).
		Str("symbol", req.Symbol).
		Str("quantity", req.Quantity.String()).
		Str("price", req.Price.String()).
		Str("realized_pnl", result.RealizedPnL.String()).
		Msg("Sell executed")
	return result, nil
}

// withPortfolio takes the in-process portfolio lock, then runs fn inside the
// storage transaction holding the row lock.
func (s *Service) withPortfolio(ctx context.Context, kind models.TransactionType, portfolioID string, fn func(tx interfaces.LedgerTx) error) error {
	start := time.Now()
	release, err := s.locks.Acquire(ctx, portfolioID, s.lockTimeout)
	s.metrics.RecordLockWait(time.Since(start))
	if err != nil {
		s.metrics.RecordTrade(string(kind), outcome(err))
		s.logger.Warn().Str("portfolio_id", portfolioID).Err(err).Msg("Portfolio lock not acquired")
		return err
	}
	defer release()

	err = s.store.WithPortfolioTx(ctx, portfolioID, fn)
	s.metrics.RecordTrade(string(kind), outcome(err))
	if err != nil && !common.IsBusinessRule(err) {
		s.logger.Warn().
			Str("portfolio_id", portfolioID).
			Str("type", string(kind)).
			Err(err).
			Msg("Trade failed")
	}
	return err
}

// executedAt keeps a portfolio's transaction times strictly increasing, so
// replaying the log in time order reproduces execution order.
func (s *Service) executedAt(lastTrade time.Time) time.Time {
	t := s.now().UTC()
	if floor := lastTrade.Add(time.Microsecond); !lastTrade.IsZero() && t.Before(floor) {
		return floor
	}
	return t
}

func normalise(req models.TradeRequest) (models.TradeRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	switch {
	case req.PortfolioID == "":
		return req, fmt.Errorf("%w: portfolio id is required", common.ErrInvalidArgument)
	case req.Symbol == "":
		return req, fmt.Errorf("%w: symbol is required", common.ErrInvalidArgument)
	case !req.Quantity.IsPositive():
		return req, fmt.Errorf("%w: quantity must be positive", common.ErrInvalidArgument)
	case !req.Price.IsPositive():
		return req, fmt.Errorf("%w: price must be positive", common.ErrInvalidArgument)
	case !req.Quantity.Equal(req.Quantity.Truncate(models.QuantityPlaces)):
		return req, fmt.Errorf("%w: quantity %s exceeds %d decimal places", common.ErrInvalidArgument, req.Quantity, models.QuantityPlaces)
	case !req.Price.Equal(req.Price.Truncate(models.PricePlaces)):
		return req, fmt.Errorf("%w: price %s exceeds %d decimal places", common.ErrInvalidArgument, req.Price, models.PricePlaces)
	}
	return req, nil
}

func symbolError(symbol string, err error) error {
	if errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("%w: %s", common.ErrInvalidSymbol, symbol)
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "executed"
	case common.IsBusinessRule(err):
		return "rejected"
	case errors.Is(err, common.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "failed"
	}
}

// Compile-time check
var _ interfaces.LedgerService = (*Service)(nil)
