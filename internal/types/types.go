package types

import (
	"time"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that reduces a position opened with s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionState is the engine's belief about a subscription's exchange exposure
type PositionState string

const (
	PositionNone  PositionState = "NONE"
	PositionLong  PositionState = "LONG"
	PositionShort PositionState = "SHORT"
)

// OpenSide is the order side that opens the position
func (p PositionState) OpenSide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide is the order side that flattens the position
func (p PositionState) CloseSide() Side {
	return p.OpenSide().Opposite()
}

// ExchangeType identifies an exchange family
type ExchangeType string

const (
	ExchangeBinance ExchangeType = "binance"
	ExchangeBybit   ExchangeType = "bybit"
	ExchangeMock    ExchangeType = "mock"
)

// Valid reports whether e names a supported exchange
func (e ExchangeType) Valid() bool {
	switch e {
	case ExchangeBinance, ExchangeBybit, ExchangeMock:
		return true
	}
	return false
}

// Bot is a strategy instance bound to one symbol and timeframe
type Bot struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol" validate:"required,uppercase,alphanum,max=20"`
	Timeframe string    `json:"timeframe" validate:"required"`
	Active    bool      `json:"active"`  // admin kill switch
	Visible   bool      `json:"visible"` // shown to non-admin users
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription is one user's participation in a bot
type Subscription struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	BotID          string        `json:"bot_id"`
	Amount         float64       `json:"amount" validate:"gt=0"`
	Leverage       int           `json:"leverage" validate:"min=1,max=125"`
	Quantity       float64       `json:"quantity"` // sized at creation, informational
	Active         bool          `json:"active"`
	Position       PositionState `json:"position"`
	OpenTrades     int           `json:"open_trades"`
	RealizedProfit float64       `json:"realized_profit"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Candle is one closed OHLCV bar
type Candle struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	StartTime int64   `json:"start_time"` // unix ms
	Interval  string  `json:"interval"`
}

// IsGreen reports whether the candle closed above its open
func (c Candle) IsGreen() bool {
	return c.Close > c.Open
}

// Kline is a raw stream event, possibly for a still-forming candle
type Kline struct {
	Symbol    string
	Interval  string
	StartTime int64 // unix ms
	EndTime   int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// Candle converts the kline into a Candle
func (k Kline) Candle() Candle {
	return Candle{
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		StartTime: k.StartTime,
		Interval:  k.Interval,
	}
}

// Credential holds decrypted exchange API credentials for one user
type Credential struct {
	UserID    string       `json:"user_id" validate:"required"`
	Exchange  ExchangeType `json:"exchange" validate:"required,oneof=binance bybit mock"`
	APIKey    string       `json:"-" validate:"required"`
	APISecret string       `json:"-" validate:"required"`
}

// Position is an exchange-reported futures position
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"` // absolute size, 0 when flat
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
}

// IsFlat reports whether the exchange holds no exposure
func (p *Position) IsFlat() bool {
	return p == nil || p.Size == 0
}

// State maps the exchange position to a PositionState
func (p *Position) State() PositionState {
	if p.IsFlat() {
		return PositionNone
	}
	if p.Side == SideSell {
		return PositionShort
	}
	return PositionLong
}

// OrderRequest is a market order submitted to an exchange
type OrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      float64
	Leverage      int
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the exchange acknowledgement of an order
type OrderResult struct {
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Status      string  `json:"status"`
	ExecutedQty float64 `json:"executed_qty"`
	AvgPrice    float64 `json:"avg_price"`
}

// Trade is an exchange-reported fill
type Trade struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	RealizedPnL float64   `json:"realized_pnl"`
	Fee         float64   `json:"fee"`
	Time        time.Time `json:"time"`
}

// SymbolRules are the exchange lot constraints for a symbol
type SymbolRules struct {
	Symbol   string  `json:"symbol"`
	MinQty   float64 `json:"min_qty"`
	StepSize float64 `json:"step_size"`
}

// TradeStatus is the outcome of a submitted order
type TradeStatus string

const (
	TradeFilled TradeStatus = "filled"
	TradeFailed TradeStatus = "failed"
)

// TradeRecord is the audit row written for every order the engine places
type TradeRecord struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	BotID           string       `json:"bot_id"`
	SubscriptionID  string       `json:"subscription_id"`
	Exchange        ExchangeType `json:"exchange"`
	Symbol          string       `json:"symbol"`
	Side            Side         `json:"side"`
	Quantity        float64      `json:"quantity"`
	FilledPrice     float64      `json:"filled_price"`
	ReduceOnly      bool         `json:"reduce_only"`
	Status          TradeStatus  `json:"status"`
	ExchangeOrderID string       `json:"exchange_order_id,omitempty"`
	ClientOrderID   string       `json:"client_order_id,omitempty"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Action is the signal evaluator's verdict for one candle
type Action string

const (
	ActionHold      Action = "HOLD"
	ActionOpenLong  Action = "OPEN_LONG"
	ActionOpenShort Action = "OPEN_SHORT"
)

// Target returns the position state the action opens
func (a Action) Target() PositionState {
	switch a {
	case ActionOpenLong:
		return PositionLong
	case ActionOpenShort:
		return PositionShort
	}
	return PositionNone
}

// Decision is an Action plus whether an existing position must be closed first
type Decision struct {
	Action     Action
	CloseFirst bool
}

// SubscriptionState is the persisted runtime view of a subscription
type SubscriptionState struct {
	SubscriptionID string
	Position       PositionState
	OpenTrades     int
	RealizedProfit float64
	LastError      string
}

// AccountSummary is what a user sees for their exchange account
type AccountSummary struct {
	UserID    string       `json:"user_id"`
	Exchange  ExchangeType `json:"exchange"`
	Balance   float64      `json:"balance"`
	Positions []Position   `json:"positions"`
	Trades    []Trade      `json:"trades"`
}
