package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tradebots/internal/candles"
	"tradebots/internal/types"
)

// PriceSource supplies last prices to the mock from somewhere real
type PriceSource interface {
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Mock implements Adapter in memory. Orders fill instantly at the last
// price and move a net position per symbol.
type Mock struct {
	logger     *zap.Logger
	mu         sync.Mutex
	balances   map[string]float64
	prices     map[string]float64
	rules      map[string]types.SymbolRules
	positions  map[string]float64 // signed size, positive = long
	entries    map[string]float64
	trades     map[string][]types.Trade
	orders     []types.OrderRequest
	orderIDSeq atomic.Int64

	fillDelay   time.Duration
	failMessage string
	orderHook   func(types.OrderRequest) error
	closeLag    int
	lagging     map[string]int // polls left before a close shows as flat
	lagSnapshot map[string]float64
	positionErr error
	polls       atomic.Int64

	priceSource  PriceSource
	subscribeErr error
	streams      map[*mockStream]struct{}
	tickerSpeed  time.Duration
	volatility   float64
}

type mockStream struct {
	symbol   string
	interval string
	ch       chan types.Kline
	ctx      context.Context
}

// MockOption configures the mock exchange
type MockOption func(*Mock)

// WithMockBalance sets initial balance for an asset
func WithMockBalance(asset string, amount float64) MockOption {
	return func(m *Mock) {
		m.balances[asset] = amount
	}
}

// WithMockPrice sets the last price for a symbol
func WithMockPrice(symbol string, price float64) MockOption {
	return func(m *Mock) {
		m.prices[symbol] = price
	}
}

// WithMockRules sets lot constraints for a symbol
func WithMockRules(symbol string, minQty, step float64) MockOption {
	return func(m *Mock) {
		m.rules[symbol] = types.SymbolRules{Symbol: symbol, MinQty: minQty, StepSize: step}
	}
}

// WithMockPosition seeds an existing exchange position
func WithMockPosition(symbol string, side types.Side, size float64) MockOption {
	return func(m *Mock) {
		if side == types.SideSell {
			size = -size
		}
		m.positions[symbol] = size
	}
}

// WithFillDelay simulates order fill delay
func WithFillDelay(d time.Duration) MockOption {
	return func(m *Mock) {
		m.fillDelay = d
	}
}

// WithFailure makes the mock fail every order
func WithFailure(msg string) MockOption {
	return func(m *Mock) {
		m.failMessage = msg
	}
}

// WithOrderHook lets a test reject selected orders by returning an error
func WithOrderHook(hook func(types.OrderRequest) error) MockOption {
	return func(m *Mock) {
		m.orderHook = hook
	}
}

// WithCloseLag keeps a closed position visible for n more position polls
func WithCloseLag(n int) MockOption {
	return func(m *Mock) {
		m.closeLag = n
	}
}

// WithPriceSource makes src the authority for prices; orders fill at its latest quote
func WithPriceSource(src PriceSource) MockOption {
	return func(m *Mock) {
		m.priceSource = src
	}
}

// WithTickerSpeed makes SubscribeKlines generate a closed synthetic kline
// every d, walking the price around its base.
func WithTickerSpeed(d time.Duration) MockOption {
	return func(m *Mock) {
		m.tickerSpeed = d
	}
}

// NewMock creates a mock exchange
func NewMock(logger *zap.Logger, opts ...MockOption) *Mock {
	m := &Mock{
		logger:      logger,
		balances:    make(map[string]float64),
		prices:      make(map[string]float64),
		rules:       make(map[string]types.SymbolRules),
		positions:   make(map[string]float64),
		entries:     make(map[string]float64),
		trades:      make(map[string][]types.Trade),
		lagging:     make(map[string]int),
		lagSnapshot: make(map[string]float64),
		streams:     make(map[*mockStream]struct{}),
		volatility:  0.002,
	}

	for _, opt := range opts {
		opt(m)
	}

	// Set default balances if none provided
	if len(m.balances) == 0 {
		m.balances["USDT"] = 10000.0
	}
	return m
}

// Exchange implements Adapter
func (m *Mock) Exchange() types.ExchangeType {
	return types.ExchangeMock
}

// SubscribeKlines registers a stream fed by InjectKline or the synthetic ticker
func (m *Mock) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan types.Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	s := &mockStream{
		symbol:   symbol,
		interval: interval,
		ch:       make(chan types.Kline, 64),
		ctx:      ctx,
	}
	m.streams[s] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.streams[s]; ok {
			delete(m.streams, s)
			close(s.ch)
		}
	}()

	if m.tickerSpeed > 0 {
		go m.generateKlines(s)
	}

	m.logger.Info("[MOCK] Subscribed to klines",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
	)
	return s.ch, nil
}

// InjectKline delivers k to every stream subscribed to its symbol and interval
func (m *Mock) InjectKline(k types.Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k.Closed {
		m.prices[k.Symbol] = k.Close
	}
	for s := range m.streams {
		if s.symbol != k.Symbol || s.interval != k.Interval {
			continue
		}
		select {
		case s.ch <- k:
		case <-s.ctx.Done():
		}
	}
}

// DropStreams closes every open kline stream, as a network drop would
func (m *Mock) DropStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.streams {
		delete(m.streams, s)
		close(s.ch)
	}
}

// SetSubscribeError makes future SubscribeKlines calls fail with err (nil clears)
func (m *Mock) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// StreamCount returns the number of open kline streams
func (m *Mock) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// generateKlines is a random walk with mean reversion around the base price
func (m *Mock) generateKlines(s *mockStream) {
	step := time.Minute
	if d, err := candles.IntervalDuration(s.interval); err == nil {
		step = d
	}

	ticker := time.NewTicker(m.tickerSpeed)
	defer ticker.Stop()

	m.mu.Lock()
	base := m.prices[s.symbol]
	m.mu.Unlock()
	if base == 0 {
		base = 100.0
	}

	current := base
	direction := 1.0
	start := time.Now().Truncate(step)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			open := current
			if current > base*1.02 {
				direction = -1.0
			} else if current < base*0.98 {
				direction = 1.0
			} else if time.Now().UnixNano()%3 == 0 {
				direction *= -1
			}
			current += current * m.volatility * direction

			m.InjectKline(types.Kline{
				Symbol:    s.symbol,
				Interval:  s.interval,
				StartTime: start.UnixMilli(),
				EndTime:   start.Add(step).UnixMilli() - 1,
				Open:      open,
				High:      math.Max(open, current),
				Low:       math.Min(open, current),
				Close:     current,
				Volume:    1,
				Closed:    true,
			})
			start = start.Add(step)
		}
	}
}

// GetPosition returns the mock's net position for symbol
func (m *Mock) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	m.polls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.positionErr != nil {
		return nil, m.positionErr
	}

	signed := m.positions[symbol]
	if left := m.lagging[symbol]; left > 0 {
		m.lagging[symbol] = left - 1
		signed = m.lagSnapshot[symbol]
	}
	return m.positionFromSigned(symbol, signed), nil
}

func (m *Mock) positionFromSigned(symbol string, signed float64) *types.Position {
	pos := &types.Position{
		Symbol:     symbol,
		Side:       types.SideBuy,
		Size:       math.Abs(signed),
		EntryPrice: m.entries[symbol],
		MarkPrice:  m.prices[symbol],
		Leverage:   1,
	}
	if signed < 0 {
		pos.Side = types.SideSell
	}
	if pos.Size > 0 {
		pos.UnrealizedPnL = (pos.MarkPrice - pos.EntryPrice) * signed
	}
	return pos
}

// PlaceMarketOrder fills req at the last price
func (m *Mock) PlaceMarketOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	// Simulate fill delay if configured
	if m.fillDelay > 0 {
		select {
		case <-time.After(m.fillDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.priceSource != nil {
		if _, err := m.GetLatestPrice(ctx, req.Symbol); err != nil {
			return nil, fmt.Errorf("failed to price order: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check for configured failure
	if m.failMessage != "" {
		m.logger.Error("[MOCK] Order failed (configured)",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("error", m.failMessage),
		)
		return nil, fmt.Errorf("%s", m.failMessage)
	}
	if m.orderHook != nil {
		if err := m.orderHook(req); err != nil {
			return nil, err
		}
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %v", req.Quantity)
	}

	price := m.prices[req.Symbol]
	signed := req.Quantity
	if req.Side == types.SideSell {
		signed = -signed
	}

	before := m.positions[req.Symbol]
	after := before + signed
	if req.ReduceOnly {
		// Reduce-only never flips or grows the position.
		if before == 0 || (before > 0) == (signed > 0) {
			return nil, fmt.Errorf("reduce-only order would increase position")
		}
		if math.Abs(signed) > math.Abs(before) {
			after = 0
		}
		if m.closeLag > 0 && after == 0 {
			m.lagging[req.Symbol] = m.closeLag
			m.lagSnapshot[req.Symbol] = before
		}
	}

	orderID := fmt.Sprintf("MOCK-%d", m.orderIDSeq.Add(1))
	m.orders = append(m.orders, req)

	var realized float64
	if before != 0 && (before > 0) != (signed > 0) {
		closed := math.Min(math.Abs(signed), math.Abs(before))
		realized = (price - m.entries[req.Symbol]) * closed
		if before < 0 {
			realized = -realized
		}
	}

	m.positions[req.Symbol] = roundQty(after)
	if after == 0 {
		delete(m.entries, req.Symbol)
	} else if before == 0 || (before > 0) != (after > 0) {
		m.entries[req.Symbol] = price
	}
	m.balances["USDT"] += realized

	m.trades[req.Symbol] = append(m.trades[req.Symbol], types.Trade{
		ID:          fmt.Sprintf("MOCK-T-%d", len(m.orders)),
		OrderID:     orderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Price:       price,
		Quantity:    req.Quantity,
		RealizedPnL: realized,
		Time:        time.Now(),
	})

	m.logger.Info("[MOCK] Order executed",
		zap.String("order_id", orderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.Float64("price", price),
	)

	return &types.OrderResult{
		OrderID:     orderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      "FILLED",
		ExecutedQty: req.Quantity,
		AvgPrice:    price,
	}, nil
}

func roundQty(q float64) float64 {
	return math.Round(q*1e8) / 1e8
}

// GetBalance returns the mock balance for an asset
func (m *Mock) GetBalance(ctx context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset], nil
}

// GetTrades returns the last limit fills for symbol
func (m *Mock) GetTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.trades[symbol]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]types.Trade, len(all))
	copy(out, all)
	return out, nil
}

// GetSymbolRules returns configured rules, defaulting to 0.001/0.001
func (m *Mock) GetSymbolRules(ctx context.Context, symbol string) (*types.SymbolRules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rules[symbol]; ok {
		return &r, nil
	}
	return &types.SymbolRules{Symbol: symbol, MinQty: 0.001, StepSize: 0.001}, nil
}

// GetLatestPrice returns the price source's quote, or the configured price
func (m *Mock) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	price, ok := m.prices[symbol]
	src := m.priceSource
	m.mu.Unlock()

	if src != nil {
		p, err := src.GetLatestPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		m.SetPrice(symbol, p)
		return p, nil
	}
	if ok && price > 0 {
		return price, nil
	}
	return 0, fmt.Errorf("no price for %s", symbol)
}

// Close is a no-op for the mock exchange
func (m *Mock) Close() error {
	m.logger.Info("[MOCK] Exchange closed")
	return nil
}

// SetPrice sets the last price for symbol (for testing)
func (m *Mock) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetBalance sets a mock balance (for testing)
func (m *Mock) SetBalance(asset string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = amount
}

// SetFailure makes every later order fail with msg; "" clears it
func (m *Mock) SetFailure(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMessage = msg
}

// SetPositionError makes GetPosition fail with err; nil clears it
func (m *Mock) SetPositionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionErr = err
}

// GetOrders returns all recorded orders (for testing)
func (m *Mock) GetOrders() []types.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]types.OrderRequest, len(m.orders))
	copy(orders, m.orders)
	return orders
}

// ClearOrders clears the order history (for testing)
func (m *Mock) ClearOrders() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = nil
}

// PositionPolls counts GetPosition calls (for testing)
func (m *Mock) PositionPolls() int64 {
	return m.polls.Load()
}

// NetPosition returns the true signed position, ignoring close lag (for testing)
func (m *Mock) NetPosition(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[symbol]
}
