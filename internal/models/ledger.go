package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the kind of ledger entry.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// CostPlaces is the scale average cost is rounded to.
const CostPlaces = 8

// QuantityPlaces is the finest fractional share quantity a trade may carry.
const QuantityPlaces = 8

// Portfolio owns a cash balance, holdings and an append-only transaction log.
type Portfolio struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Name        string          `json:"name" db:"name"`
	CurrentCash decimal.Decimal `json:"current_cash" db:"current_cash"`
	InitialCash decimal.Decimal `json:"initial_cash" db:"initial_cash"`
	IsDefault   bool            `json:"is_default" db:"is_default"`
	IsPublic    bool            `json:"is_public" db:"is_public"`
	LastTradeAt time.Time       `json:"last_trade_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Holding is the materialised position for one symbol. TotalCost tracks Quantity × AverageCost.
type Holding struct {
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost" db:"average_cost"`
	TotalCost    decimal.Decimal `json:"total_cost" db:"total_cost"`
	LastTradedAt time.Time       `json:"last_traded_at"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	Symbol      string          `json:"symbol"`
	Type        TransactionType `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Fees        decimal.Decimal `json:"fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Notes       string          `json:"notes,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// TradeRequest asks the ledger to buy or sell at an externally supplied price.
type TradeRequest struct {
	PortfolioID string          `json:"portfolio_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Notes       string          `json:"notes,omitempty"`
}

// BuyResult is returned by a successful buy.
type BuyResult struct {
	TransactionID  string          `json:"transaction_id"`
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Fees           decimal.Decimal `json:"fees"`
	NewQuantity    decimal.Decimal `json:"new_quantity"`
	NewAverageCost decimal.Decimal `json:"new_average_cost"`
	RemainingCash  decimal.Decimal `json:"remaining_cash"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// SellResult is returned by a successful sell.
type SellResult struct {
	TransactionID     string          `json:"transaction_id"`
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Fees              decimal.Decimal `json:"fees"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	NewCash           decimal.Decimal `json:"new_cash"`
	ExecutedAt        time.Time       `json:"executed_at"`
}

// HoldingSummary values a holding at a caller-supplied price.
type HoldingSummary struct {
	Holding
	CurrentPrice     decimal.Decimal `json:"current_price"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
	Priced           bool            `json:"priced"`
}

// PortfolioSummary is cash plus the valued holdings of a portfolio.
type PortfolioSummary struct {
	Portfolio     Portfolio        `json:"portfolio"`
	Holdings      []HoldingSummary `json:"holdings"`
	Cash          decimal.Decimal  `json:"cash"`
	HoldingsValue decimal.Decimal  `json:"holdings_value"`
	TotalCost     decimal.Decimal  `json:"total_cost"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	TotalValue    decimal.Decimal  `json:"total_value"`
	ReturnPct     decimal.Decimal  `json:"return_pct"`
}

// LeaderboardEntry ranks a public portfolio by total value.
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	PortfolioID   string          `json:"portfolio_id"`
	PortfolioName string          `json:"portfolio_name"`
	UserID        string          `json:"user_id"`
	TotalValue    decimal.Decimal `json:"total_value"`
	InitialValue  decimal.Decimal `json:"initial_value"`
	ReturnPct     decimal.Decimal `json:"return_pct"`
}

// HoldingDrift is a mismatch between a stored holding and the replayed log.
type HoldingDrift struct {
	Symbol            string          `json:"symbol"`
	ExpectedQuantity  decimal.Decimal `json:"expected_quantity"`
	ActualQuantity    decimal.Decimal `json:"actual_quantity"`
	ExpectedTotalCost decimal.Decimal `json:"expected_total_cost"`
	ActualTotalCost   decimal.Decimal `json:"actual_total_cost"`
}

// Reconciliation reports whether a portfolio's materialised state matches its transaction log.
type Reconciliation struct {
	PortfolioID      string          `json:"portfolio_id"`
	Transactions     int             `json:"transactions"`
	ExpectedCash     decimal.Decimal `json:"expected_cash"`
	ActualCash       decimal.Decimal `json:"actual_cash"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	Drift            []HoldingDrift  `json:"drift,omitempty"`
}

// Consistent reports whether cash and every holding matched.
func (r Reconciliation) Consistent() bool {
	return r.ExpectedCash.Equal(r.ActualCash) && len(r.Drift) == 0
}
