package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradebots/internal/exchange"
	"tradebots/internal/metrics"
	"tradebots/internal/sizing"
	"tradebots/internal/strategy"
	"tradebots/internal/types"
)

// ManagerConfig tunes how a PositionManager confirms closes
type ManagerConfig struct {
	ConfirmAttempts int
	ConfirmInterval time.Duration
	StrictConfirm   bool          // abort the open when a flip's close is not confirmed
	FlattenTimeout  time.Duration // budget for the final close on stop
}

// Snapshot is a read-only view of one running position manager
type Snapshot struct {
	SubscriptionID   string              `json:"subscription_id"`
	BotID            string              `json:"bot_id"`
	UserID           string              `json:"user_id"`
	Symbol           string              `json:"symbol"`
	Timeframe        string              `json:"timeframe"`
	Position         types.PositionState `json:"position"`
	Quantity         float64             `json:"quantity"`
	EntryPrice       float64             `json:"entry_price"`
	LastOrderID      string              `json:"last_order_id,omitempty"`
	LastCandle       *types.Candle       `json:"last_candle,omitempty"`
	ProcessedCandles int64               `json:"processed_candles"`
	QueuedCandles    int                 `json:"queued_candles"`
	OpenTrades       int                 `json:"open_trades"`
	RealizedProfit   float64             `json:"realized_profit"`
	LastError        string              `json:"last_error,omitempty"`
}

// PositionManager runs the long/short state machine of one subscription.
// Candles are handled one at a time on its own goroutine, so a slow close
// confirmation only delays this subscription.
type PositionManager struct {
	bot     types.Bot
	subID   string
	userID  string
	adapter exchange.Adapter
	writer  *stateWriter
	metrics *metrics.Metrics
	cfg     ManagerConfig
	logger  *zap.Logger

	inbox    *mailbox
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	mu          sync.Mutex
	amount      float64
	leverage    int
	state       types.PositionState
	quantity    float64
	entryPrice  float64
	reconciled  bool
	prev        *types.Candle
	lastOrderID string
	processed   int64
	openTrades  int
	realized    float64
	lastError   string
}

func newPositionManager(
	bot types.Bot,
	sub types.Subscription,
	adapter exchange.Adapter,
	writer *stateWriter,
	m *metrics.Metrics,
	cfg ManagerConfig,
	logger *zap.Logger,
) *PositionManager {
	if cfg.ConfirmAttempts < 1 {
		cfg.ConfirmAttempts = 1
	}
	if cfg.FlattenTimeout <= 0 {
		cfg.FlattenTimeout = 10 * time.Second
	}

	return &PositionManager{
		bot:     bot,
		subID:   sub.ID,
		userID:  sub.UserID,
		adapter: adapter,
		writer:  writer,
		metrics: m,
		cfg:     cfg,
		logger: logger.With(
			zap.String("subscription_id", sub.ID),
			zap.String("bot_id", bot.ID),
			zap.String("user_id", sub.UserID),
			zap.String("symbol", bot.Symbol),
		),
		inbox:      newMailbox(),
		done:       make(chan struct{}),
		amount:     sub.Amount,
		leverage:   sub.Leverage,
		state:      types.PositionNone,
		openTrades: sub.OpenTrades,
		realized:   sub.RealizedProfit,
	}
}

// start launches the processing loop; it reconciles with the exchange first
func (m *PositionManager) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	go m.run(ctx)
}

// deliver queues a closed candle without blocking
func (m *PositionManager) deliver(c types.Candle) bool {
	return m.inbox.put(c)
}

func (m *PositionManager) feedKey() feedKey {
	return feedKey{symbol: m.bot.Symbol, timeframe: m.bot.Timeframe}
}

func (m *PositionManager) run(ctx context.Context) {
	defer close(m.done)

	if err := m.ensureReconciled(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("[POSITION] Startup reconciliation failed, retrying on next candle", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.inbox.ready:
		}

		for ctx.Err() == nil {
			c, ok := m.inbox.pop()
			if !ok {
				break
			}
			m.handleCandle(ctx, c)
		}
	}
}

// handleCandle evaluates one closed candle and runs the resulting orders to completion
func (m *PositionManager) handleCandle(ctx context.Context, c types.Candle) {
	m.mu.Lock()
	prev := m.prev
	m.prev = &c
	m.processed++
	m.mu.Unlock()

	if err := m.ensureReconciled(ctx); err != nil {
		m.fail(ctx, err)
		return
	}

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	decision := strategy.Evaluate(prev, c, state)
	m.logger.Debug("[POSITION] Candle evaluated",
		zap.Int64("start_time", c.StartTime),
		zap.Float64("open", c.Open),
		zap.Float64("close", c.Close),
		zap.String("position", string(state)),
		zap.String("action", string(decision.Action)),
		zap.Bool("close_first", decision.CloseFirst),
	)

	if decision.Action == types.ActionHold {
		return
	}

	if decision.CloseFirst {
		if err := m.closePosition(ctx, "flip"); err != nil {
			// Never open against an unclosed leg. An unconfirmed close only
			// blocks the open in strict mode.
			if !errors.Is(err, types.ErrConfirmationTimeout) || m.cfg.StrictConfirm {
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	_ = m.open(ctx, decision.Action.Target())
}

// ensureReconciled adopts whatever position the exchange reports the first time it succeeds
func (m *PositionManager) ensureReconciled(ctx context.Context) error {
	m.mu.Lock()
	done := m.reconciled
	m.mu.Unlock()
	if done {
		return nil
	}

	pos, err := m.adapter.GetPosition(ctx, m.bot.Symbol)
	if err != nil {
		return fmt.Errorf("%w: reconcile %s: %v", types.ErrAdapterUnavailable, m.bot.Symbol, err)
	}

	m.mu.Lock()
	m.reconciled = true
	adopted := !pos.IsFlat()
	if adopted {
		m.state = pos.State()
		m.quantity = pos.Size
		m.entryPrice = pos.EntryPrice
	}
	m.mu.Unlock()

	if adopted {
		m.logger.Warn("[POSITION] Adopted existing exchange position",
			zap.String("position", string(pos.State())),
			zap.Float64("size", pos.Size),
			zap.Float64("entry_price", pos.EntryPrice),
		)
		m.persist(ctx)
	}
	return nil
}

// closePosition flattens the held position with one reduce-only order and
// waits for the exchange to report it flat.
func (m *PositionManager) closePosition(ctx context.Context, purpose string) error {
	m.mu.Lock()
	state, qty, entry := m.state, m.quantity, m.entryPrice
	m.mu.Unlock()

	if state == types.PositionNone {
		return nil
	}

	req := types.OrderRequest{
		Symbol:        m.bot.Symbol,
		Side:          state.CloseSide(),
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: newClientOrderID(),
	}

	res, err := m.place(ctx, req, purpose)
	if err != nil {
		oerr := &types.OrderError{Op: "close", Symbol: m.bot.Symbol, Err: err}
		m.fail(ctx, oerr)
		return oerr
	}

	exit := res.AvgPrice
	if exit <= 0 {
		if p, perr := m.adapter.GetLatestPrice(ctx, m.bot.Symbol); perr == nil {
			exit = p
		}
	}
	pnl := realizedPnL(state, entry, exit, qty)

	m.mu.Lock()
	m.state = types.PositionNone
	m.quantity = 0
	m.entryPrice = 0
	m.realized += pnl
	m.lastOrderID = res.OrderID
	m.lastError = ""
	m.mu.Unlock()

	m.logger.Info("[POSITION] Position closed",
		zap.String("purpose", purpose),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", qty),
		zap.Float64("exit_price", exit),
		zap.Float64("pnl", pnl),
		zap.String("order_id", res.OrderID),
	)

	err = m.confirmFlat(ctx)
	if errors.Is(err, types.ErrConfirmationTimeout) {
		m.metrics.ConfirmTimeout()
		m.logger.Warn("[POSITION] Close not confirmed by exchange",
			zap.Bool("strict", m.cfg.StrictConfirm),
			zap.Error(err),
		)
		m.mu.Lock()
		m.lastError = err.Error()
		m.mu.Unlock()
	}
	m.persist(ctx)
	return err
}

// confirmFlat polls the exchange until it reports no position or the budget runs out
func (m *PositionManager) confirmFlat(ctx context.Context) error {
	for attempt := 1; attempt <= m.cfg.ConfirmAttempts; attempt++ {
		pos, err := m.adapter.GetPosition(ctx, m.bot.Symbol)
		if err == nil && pos.IsFlat() {
			return nil
		}
		if err != nil {
			m.logger.Debug("[POSITION] Confirmation poll failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt == m.cfg.ConfirmAttempts {
			break
		}

		select {
		case <-time.After(m.cfg.ConfirmInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s still open after %d polls", types.ErrConfirmationTimeout, m.bot.Symbol, m.cfg.ConfirmAttempts)
}

// open sizes and places the market order that moves a flat subscription to target
func (m *PositionManager) open(ctx context.Context, target types.PositionState) error {
	price, err := m.adapter.GetLatestPrice(ctx, m.bot.Symbol)
	if err != nil {
		err = fmt.Errorf("failed to get price for %s: %w", m.bot.Symbol, err)
		m.fail(ctx, err)
		return err
	}
	rules, err := m.adapter.GetSymbolRules(ctx, m.bot.Symbol)
	if err != nil {
		err = fmt.Errorf("failed to get lot rules for %s: %w", m.bot.Symbol, err)
		m.fail(ctx, err)
		return err
	}

	m.mu.Lock()
	amount, leverage := m.amount, m.leverage
	m.mu.Unlock()

	qty := sizing.SizeOrder(amount, price, rules.MinQty, rules.StepSize)
	if qty == 0 {
		err := &types.MinimumQuantityError{MinQty: rules.MinQty, Price: price}
		m.fail(ctx, err)
		return err
	}

	req := types.OrderRequest{
		Symbol:        m.bot.Symbol,
		Side:          target.OpenSide(),
		Quantity:      qty,
		Leverage:      leverage,
		ClientOrderID: newClientOrderID(),
	}
	res, err := m.place(ctx, req, "open")
	if err != nil {
		oerr := &types.OrderError{Op: "open", Symbol: m.bot.Symbol, Err: err}
		m.fail(ctx, oerr)
		return oerr
	}

	filled := res.ExecutedQty
	if filled <= 0 {
		filled = qty
	}
	entry := res.AvgPrice
	if entry <= 0 {
		entry = price
	}

	m.mu.Lock()
	m.state = target
	m.quantity = filled
	m.entryPrice = entry
	m.openTrades++
	m.lastOrderID = res.OrderID
	m.lastError = ""
	m.mu.Unlock()

	m.logger.Info("[POSITION] Position opened",
		zap.String("position", string(target)),
		zap.String("side", string(req.Side)),
		zap.String("quantity", sizing.FormatQuantity(filled)),
		zap.Float64("entry_price", entry),
		zap.Int("leverage", leverage),
		zap.String("order_id", res.OrderID),
	)
	m.persist(ctx)
	return nil
}

// place submits the order and writes its audit row whatever the outcome
func (m *PositionManager) place(ctx context.Context, req types.OrderRequest, purpose string) (*types.OrderResult, error) {
	res, err := m.adapter.PlaceMarketOrder(ctx, req)
	m.metrics.OrderPlaced(string(m.adapter.Exchange()), string(req.Side), purpose, err)

	record := &types.TradeRecord{
		ID:             uuid.NewString(),
		UserID:         m.userID,
		BotID:          m.bot.ID,
		SubscriptionID: m.subID,
		Exchange:       m.adapter.Exchange(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		ReduceOnly:     req.ReduceOnly,
		ClientOrderID:  req.ClientOrderID,
		CreatedAt:      time.Now(),
	}
	if err != nil {
		record.Status = types.TradeFailed
		record.Error = err.Error()
	} else {
		record.Status = types.TradeFilled
		record.FilledPrice = res.AvgPrice
		record.ExchangeOrderID = res.OrderID
		if res.ExecutedQty > 0 {
			record.Quantity = res.ExecutedQty
		}
	}
	m.writer.RecordTrade(context.WithoutCancel(ctx), record)

	return res, err
}

// fail records err as the subscription's last error
func (m *PositionManager) fail(ctx context.Context, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	m.logger.Error("[POSITION] Action failed", zap.Error(err))

	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
	m.persist(ctx)
}

func (m *PositionManager) persist(ctx context.Context) {
	m.mu.Lock()
	st := types.SubscriptionState{
		SubscriptionID: m.subID,
		Position:       m.state,
		OpenTrades:     m.openTrades,
		RealizedProfit: m.realized,
		LastError:      m.lastError,
	}
	m.mu.Unlock()

	m.writer.Save(context.WithoutCancel(ctx), st)
}

// stop cancels the loop (and any confirmation poll) and waits for it. With
// flatten it then makes exactly one close attempt for whatever is held.
func (m *PositionManager) stop(flatten bool) error {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		m.inbox.close()

		if !flatten {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FlattenTimeout)
		defer cancel()

		// A flat state is confirmed once more: an open cut off by the cancel
		// may still have filled on the exchange.
		m.mu.Lock()
		recheck := m.reconciled && m.state == types.PositionNone
		if recheck {
			m.reconciled = false
		}
		m.mu.Unlock()

		if err := m.ensureReconciled(ctx); err != nil {
			if recheck {
				m.logger.Warn("[POSITION] Could not recheck exchange position on stop", zap.Error(err))
				return
			}
			m.fail(ctx, err)
			m.stopErr = err
			return
		}

		err := m.closePosition(ctx, "stop")
		if errors.Is(err, types.ErrConfirmationTimeout) {
			// The close order was accepted, so the subscription is flat as far as the engine knows.
			err = nil
		}
		m.stopErr = err
		if err == nil {
			m.persist(ctx)
		}
	})
	return m.stopErr
}

// UpdateParams changes the sizing inputs used by the next open
func (m *PositionManager) UpdateParams(amount float64, leverage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.amount = amount
	m.leverage = leverage
}

// recordError stores an error raised outside the loop, e.g. a lost feed
func (m *PositionManager) recordError(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
	m.persist(context.Background())
}

// Snapshot returns the manager's current view
func (m *PositionManager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		SubscriptionID:   m.subID,
		BotID:            m.bot.ID,
		UserID:           m.userID,
		Symbol:           m.bot.Symbol,
		Timeframe:        m.bot.Timeframe,
		Position:         m.state,
		Quantity:         m.quantity,
		EntryPrice:       m.entryPrice,
		LastOrderID:      m.lastOrderID,
		ProcessedCandles: m.processed,
		QueuedCandles:    m.inbox.len(),
		OpenTrades:       m.openTrades,
		RealizedProfit:   m.realized,
		LastError:        m.lastError,
	}
	if m.prev != nil {
		c := *m.prev
		s.LastCandle = &c
	}
	return s
}

func realizedPnL(state types.PositionState, entry, exit, qty float64) float64 {
	if entry <= 0 || exit <= 0 {
		return 0
	}
	if state == types.PositionShort {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

// newClientOrderID returns an id short enough for every supported exchange (36 chars max)
func newClientOrderID() string {
	return "tb-" + uuid.NewString()[:30]
}
