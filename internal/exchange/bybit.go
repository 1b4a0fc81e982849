package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tradebots/internal/sizing"
	"tradebots/internal/types"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	bybitRecvWindow = 5000
	bybitPingPeriod = 20 * time.Second

	// retCode for "leverage not modified"
	bybitLeverageUnchanged = 110043
)

// Bybit implements Adapter for Bybit v5 linear perpetuals
type Bybit struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu       sync.Mutex
	rules    map[string]types.SymbolRules
	leverage map[string]int
}

// NewBybit creates a Bybit adapter. Empty URLs select mainnet.
func NewBybit(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *Bybit {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &Bybit{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		rules:     make(map[string]types.SymbolRules),
		leverage:  make(map[string]int),
	}
}

// Exchange implements Adapter
func (b *Bybit) Exchange() types.ExchangeType {
	return types.ExchangeBybit
}

// --- REST API ---

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// BybitAPIError is a non-zero retCode
type BybitAPIError struct {
	Code    int
	Message string
}

func (e *BybitAPIError) Error() string {
	return fmt.Sprintf("bybit api error %d: %s", e.Code, e.Message)
}

func (b *Bybit) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, bybitRecvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// call sends a signed request and decodes the result object into out
func (b *Bybit) call(ctx context.Context, method, path string, query url.Values, payload map[string]any, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	var paramsStr string
	target := b.baseURL + path

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if len(query) > 0 {
		paramsStr = query.Encode()
		target += "?" + paramsStr
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}

	timestamp := time.Now().UnixMilli()
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(bybitRecvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bybit http %d: %s", resp.StatusCode, string(respBody))
	}

	var env bybitEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode bybit response: %w", err)
	}
	if env.RetCode != 0 {
		return &BybitAPIError{Code: env.RetCode, Message: env.RetMsg}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("failed to decode bybit result: %w", err)
		}
	}
	return nil
}

// GetPosition returns the linear position for symbol
func (b *Bybit) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}

	q := url.Values{"category": {"linear"}, "symbol": {symbol}}
	if err := b.call(ctx, http.MethodGet, "/v5/position/list", q, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get position for %s: %w", symbol, err)
	}

	pos := &types.Position{Symbol: symbol, Side: types.SideBuy}
	for _, raw := range result.List {
		size, err := strconv.ParseFloat(raw.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse position size %q for %s: %w", raw.Size, symbol, err)
		}
		if size == 0 {
			continue
		}
		pos.Size = size
		if raw.Side == "Sell" {
			pos.Side = types.SideSell
		}
		pos.EntryPrice, _ = strconv.ParseFloat(raw.AvgPrice, 64)
		pos.MarkPrice, _ = strconv.ParseFloat(raw.MarkPrice, 64)
		pos.UnrealizedPnL, _ = strconv.ParseFloat(raw.UnrealisedPnl, 64)
		lev, _ := strconv.ParseFloat(raw.Leverage, 64)
		pos.Leverage = int(lev)
		break
	}
	return pos, nil
}

func bybitSide(s types.Side) string {
	if s == types.SideSell {
		return "Sell"
	}
	return "Buy"
}

// PlaceMarketOrder sets leverage for opens, then submits a Market order
func (b *Bybit) PlaceMarketOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if !req.ReduceOnly && req.Leverage > 0 {
		if err := b.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return nil, err
		}
	}

	payload := map[string]any{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      bybitSide(req.Side),
		"orderType": "Market",
		"qty":       sizing.FormatQuantity(req.Quantity),
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.call(ctx, http.MethodPost, "/v5/order/create", nil, payload, &result); err != nil {
		b.logger.Error("[BYBIT] Order failed",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.Bool("reduce_only", req.ReduceOnly),
			zap.Error(err),
		)
		return nil, err
	}

	b.logger.Info("[BYBIT] Order placed",
		zap.String("order_id", result.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
	)

	// Market order acks carry no fill data; fills are read back via GetTrades.
	return &types.OrderResult{
		OrderID:     result.OrderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      "SUBMITTED",
		ExecutedQty: req.Quantity,
	}, nil
}

func (b *Bybit) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	b.mu.Lock()
	current := b.leverage[symbol]
	b.mu.Unlock()
	if current == leverage {
		return nil
	}

	payload := map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	err := b.call(ctx, http.MethodPost, "/v5/position/set-leverage", nil, payload, nil)
	var apiErr *BybitAPIError
	if errors.As(err, &apiErr) && apiErr.Code == bybitLeverageUnchanged {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to set leverage %d for %s: %w", leverage, symbol, err)
	}

	b.mu.Lock()
	b.leverage[symbol] = leverage
	b.mu.Unlock()
	return nil
}

// GetBalance returns the unified-account available balance for a coin
func (b *Bybit) GetBalance(ctx context.Context, asset string) (float64, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}

	q := url.Values{"accountType": {"UNIFIED"}, "coin": {asset}}
	if err := b.call(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, &result); err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	for _, acct := range result.List {
		for _, c := range acct.Coin {
			if c.Coin != asset {
				continue
			}
			raw := c.AvailableToWithdraw
			if raw == "" {
				raw = c.WalletBalance
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse %s balance %q: %w", asset, raw, err)
			}
			return v, nil
		}
	}
	return 0, nil
}

// GetTrades returns recent executions for symbol, oldest first
func (b *Bybit) GetTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	var result struct {
		List []struct {
			ExecID    string `json:"execId"`
			OrderID   string `json:"orderId"`
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			ExecPrice string `json:"execPrice"`
			ExecQty   string `json:"execQty"`
			ExecFee   string `json:"execFee"`
			ExecTime  string `json:"execTime"`
		} `json:"list"`
	}

	q := url.Values{"category": {"linear"}, "symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	if err := b.call(ctx, http.MethodGet, "/v5/execution/list", q, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list trades for %s: %w", symbol, err)
	}

	trades := make([]types.Trade, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		e := result.List[i]
		price, _ := strconv.ParseFloat(e.ExecPrice, 64)
		qty, _ := strconv.ParseFloat(e.ExecQty, 64)
		fee, _ := strconv.ParseFloat(e.ExecFee, 64)
		ms, _ := strconv.ParseInt(e.ExecTime, 10, 64)
		side := types.SideBuy
		if e.Side == "Sell" {
			side = types.SideSell
		}
		trades = append(trades, types.Trade{
			ID:       e.ExecID,
			OrderID:  e.OrderID,
			Symbol:   e.Symbol,
			Side:     side,
			Price:    price,
			Quantity: qty,
			Fee:      fee,
			Time:     time.UnixMilli(ms),
		})
	}
	return trades, nil
}

// GetSymbolRules returns the lot size filter for symbol
func (b *Bybit) GetSymbolRules(ctx context.Context, symbol string) (*types.SymbolRules, error) {
	b.mu.Lock()
	r, ok := b.rules[symbol]
	b.mu.Unlock()
	if ok {
		return &r, nil
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}

	q := url.Values{"category": {"linear"}, "symbol": {symbol}}
	if err := b.call(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get instrument info for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("symbol %s not listed: %w", symbol, types.ErrNotFound)
	}

	lot := result.List[0].LotSizeFilter
	minQty, err := strconv.ParseFloat(lot.MinOrderQty, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse min order qty %q for %s: %w", lot.MinOrderQty, symbol, err)
	}
	step, err := strconv.ParseFloat(lot.QtyStep, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qty step %q for %s: %w", lot.QtyStep, symbol, err)
	}
	r = types.SymbolRules{Symbol: symbol, MinQty: minQty, StepSize: step}

	b.mu.Lock()
	b.rules[symbol] = r
	b.mu.Unlock()
	return &r, nil
}

// GetLatestPrice returns the ticker last price
func (b *Bybit) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}

	q := url.Values{"category": {"linear"}, "symbol": {symbol}}
	if err := b.call(ctx, http.MethodGet, "/v5/market/tickers", q, nil, &result); err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no price found for %s", symbol)
	}
	return strconv.ParseFloat(result.List[0].LastPrice, 64)
}

// Close is a no-op; streams end with their contexts
func (b *Bybit) Close() error {
	return nil
}

// --- WebSocket ---

// BybitInterval maps "1m".."1w" to Bybit kline intervals
func BybitInterval(interval string) (string, error) {
	switch interval {
	case "1m", "3m", "5m", "15m", "30m":
		return strings.TrimSuffix(interval, "m"), nil
	case "1h":
		return "60", nil
	case "2h":
		return "120", nil
	case "4h":
		return "240", nil
	case "6h":
		return "360", nil
	case "12h":
		return "720", nil
	case "1d":
		return "D", nil
	case "1w":
		return "W", nil
	}
	return "", fmt.Errorf("interval %q not supported by bybit", interval)
}

type bybitKlineMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start   int64  `json:"start"`
		End     int64  `json:"end"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

// parseKlineMessage decodes a kline push; non-kline frames yield nothing
func parseKlineMessage(msg []byte, symbol, interval string) ([]types.Kline, error) {
	var m bybitKlineMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(m.Topic, "kline.") {
		return nil, nil
	}

	out := make([]types.Kline, 0, len(m.Data))
	for _, d := range m.Data {
		open, _ := strconv.ParseFloat(d.Open, 64)
		high, _ := strconv.ParseFloat(d.High, 64)
		low, _ := strconv.ParseFloat(d.Low, 64)
		closePrice, _ := strconv.ParseFloat(d.Close, 64)
		volume, _ := strconv.ParseFloat(d.Volume, 64)
		out = append(out, types.Kline{
			Symbol:    symbol,
			Interval:  interval,
			StartTime: d.Start,
			EndTime:   d.End,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			Closed:    d.Confirm,
		})
	}
	return out, nil
}

// SubscribeKlines opens one public websocket for symbol/interval
func (b *Bybit) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan types.Kline, error) {
	bi, err := BybitInterval(interval)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect bybit websocket: %w", err)
	}

	sub := map[string]any{
		"op":   "subscribe",
		"args": []string{"kline." + bi + "." + symbol},
	}
	msg, _ := json.Marshal(sub)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe bybit klines: %w", err)
	}

	b.logger.Info("[BYBIT] WebSocket connected",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
	)

	out := make(chan types.Kline, 64)
	var writeMu sync.Mutex

	// Close the socket on cancel so the blocked read returns.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(bybitPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`))
				writeMu.Unlock()
				if err != nil {
					b.logger.Warn("[BYBIT] Ping failed", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer close(stop)
		defer conn.Close()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("[BYBIT] WebSocket disconnected",
						zap.String("symbol", symbol),
						zap.Error(err),
					)
				}
				return
			}

			klines, err := parseKlineMessage(message, symbol, interval)
			if err != nil {
				b.logger.Error("[BYBIT] Failed to parse message", zap.Error(err))
				continue
			}
			for _, k := range klines {
				select {
				case out <- k:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
