package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tradebots/internal/sizing"
	"tradebots/internal/types"
)

// UseBinanceTestnet points every futures client created afterwards at the testnet
func UseBinanceTestnet(enabled bool) {
	futures.UseTestnet = enabled
}

// BinanceFutures implements Adapter for Binance USDT-M futures
type BinanceFutures struct {
	client  *futures.Client
	logger  *zap.Logger
	limiter *rate.Limiter

	rulesMu sync.RWMutex
	rules   map[string]types.SymbolRules

	leverageMu sync.Mutex
	leverage   map[string]int
}

// NewBinanceFutures creates a futures client. Empty keys give a market-data-only client.
func NewBinanceFutures(apiKey, secretKey string, logger *zap.Logger) *BinanceFutures {
	return &BinanceFutures{
		client:   futures.NewClient(apiKey, secretKey),
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		rules:    make(map[string]types.SymbolRules),
		leverage: make(map[string]int),
	}
}

// Exchange implements Adapter
func (b *BinanceFutures) Exchange() types.ExchangeType {
	return types.ExchangeBinance
}

// SubscribeKlines opens one kline websocket. Reconnection is the caller's job.
func (b *BinanceFutures) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan types.Kline, error) {
	out := make(chan types.Kline, 64)

	handler := func(event *futures.WsKlineEvent) {
		k, err := parseWsKline(symbol, event)
		if err != nil {
			b.logger.Error("[BINANCE] Failed to parse kline",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			return
		}
		select {
		case out <- k:
		case <-ctx.Done():
		}
	}

	errHandler := func(err error) {
		b.logger.Error("[BINANCE] WebSocket error",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}

	doneC, stopC, err := futures.WsKlineServe(strings.ToLower(symbol), interval, handler, errHandler)
	if err != nil {
		return nil, fmt.Errorf("failed to connect kline websocket for %s: %w", symbol, err)
	}

	b.logger.Info("[BINANCE] WebSocket connected",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
	)

	go func() {
		defer close(out)
		select {
		case <-doneC:
			b.logger.Warn("[BINANCE] WebSocket disconnected", zap.String("symbol", symbol))
		case <-ctx.Done():
			close(stopC)
			<-doneC
		}
	}()

	return out, nil
}

func parseWsKline(symbol string, event *futures.WsKlineEvent) (types.Kline, error) {
	k := event.Kline
	vals := make([]float64, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.Kline{}, fmt.Errorf("failed to parse kline field %q: %w", s, err)
		}
		vals[i] = v
	}

	return types.Kline{
		Symbol:    symbol,
		Interval:  k.Interval,
		StartTime: k.StartTime,
		EndTime:   k.EndTime,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Closed:    k.IsFinal,
	}, nil
}

// GetPosition returns the one-way position for symbol
func (b *BinanceFutures) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get position for %s: %w", symbol, err)
	}

	return positionFromRisks(symbol, risks)
}

// positionFromRisks picks symbol's one-way position out of a position risk
// response. An unreadable amount is an error, never a flat position.
func positionFromRisks(symbol string, risks []*futures.PositionRisk) (*types.Position, error) {
	pos := &types.Position{Symbol: symbol, Side: types.SideBuy}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse position amount %q for %s: %w", r.PositionAmt, symbol, err)
		}
		if amt == 0 {
			continue
		}
		pos.Size = amt
		if amt < 0 {
			pos.Side = types.SideSell
			pos.Size = -amt
		}
		pos.EntryPrice, _ = strconv.ParseFloat(r.EntryPrice, 64)
		pos.MarkPrice, _ = strconv.ParseFloat(r.MarkPrice, 64)
		pos.UnrealizedPnL, _ = strconv.ParseFloat(r.UnRealizedProfit, 64)
		pos.Leverage, _ = strconv.Atoi(r.Leverage)
		break
	}
	return pos, nil
}

// PlaceMarketOrder sets leverage for opens, then submits a MARKET order
func (b *BinanceFutures) PlaceMarketOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if !req.ReduceOnly && req.Leverage > 0 {
		if err := b.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return nil, err
		}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	service := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(sizing.FormatQuantity(req.Quantity)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.ReduceOnly {
		service = service.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		service = service.NewClientOrderID(req.ClientOrderID)
	}

	order, err := service.Do(ctx)
	if err != nil {
		b.logger.Error("[BINANCE] Order failed",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.Bool("reduce_only", req.ReduceOnly),
			zap.Error(err),
		)
		return nil, err
	}

	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)

	b.logger.Info("[BINANCE] Order placed",
		zap.Int64("order_id", order.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("status", string(order.Status)),
	)

	return &types.OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Side:        req.Side,
		Status:      string(order.Status),
		ExecutedQty: executed,
		AvgPrice:    avgPrice,
	}, nil
}

// ensureLeverage changes symbol leverage only when it differs from the last value set
func (b *BinanceFutures) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	b.leverageMu.Lock()
	defer b.leverageMu.Unlock()

	if b.leverage[symbol] == leverage {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("failed to set leverage %d for %s: %w", leverage, symbol, err)
	}
	b.leverage[symbol] = leverage
	return nil
}

// GetBalance returns the available futures wallet balance for an asset
func (b *BinanceFutures) GetBalance(ctx context.Context, asset string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	for _, bal := range balances {
		if bal.Asset == asset {
			free, err := strconv.ParseFloat(bal.AvailableBalance, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse %s balance %q: %w", asset, bal.AvailableBalance, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

// GetTrades returns recent account fills for symbol
func (b *BinanceFutures) GetTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fills, err := b.client.NewListAccountTradeService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades for %s: %w", symbol, err)
	}

	trades := make([]types.Trade, 0, len(fills))
	for _, f := range fills {
		price, _ := strconv.ParseFloat(f.Price, 64)
		qty, _ := strconv.ParseFloat(f.Quantity, 64)
		pnl, _ := strconv.ParseFloat(f.RealizedPnl, 64)
		fee, _ := strconv.ParseFloat(f.Commission, 64)
		trades = append(trades, types.Trade{
			ID:          strconv.FormatInt(f.ID, 10),
			OrderID:     strconv.FormatInt(f.OrderID, 10),
			Symbol:      f.Symbol,
			Side:        types.Side(f.Side),
			Price:       price,
			Quantity:    qty,
			RealizedPnL: pnl,
			Fee:         fee,
			Time:        time.UnixMilli(f.Time),
		})
	}
	return trades, nil
}

// GetSymbolRules returns the LOT_SIZE filter, loading exchange info once
func (b *BinanceFutures) GetSymbolRules(ctx context.Context, symbol string) (*types.SymbolRules, error) {
	b.rulesMu.RLock()
	r, ok := b.rules[symbol]
	b.rulesMu.RUnlock()
	if ok {
		return &r, nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	b.rulesMu.Lock()
	defer b.rulesMu.Unlock()
	for _, s := range info.Symbols {
		lot := s.LotSizeFilter()
		if lot == nil {
			continue
		}
		minQty, errMin := strconv.ParseFloat(lot.MinQuantity, 64)
		step, errStep := strconv.ParseFloat(lot.StepSize, 64)
		if errMin != nil || errStep != nil {
			b.logger.Warn("[BINANCE] Skipping unreadable lot size filter", zap.String("symbol", s.Symbol))
			continue
		}
		b.rules[s.Symbol] = types.SymbolRules{Symbol: s.Symbol, MinQty: minQty, StepSize: step}
	}

	r, ok = b.rules[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not listed: %w", symbol, types.ErrNotFound)
	}
	return &r, nil
}

// GetLatestPrice returns the last price via REST
func (b *BinanceFutures) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price found for %s", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}

// Close is a no-op for the REST client; streams end with their contexts
func (b *BinanceFutures) Close() error {
	return nil
}
