package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradebots/internal/candles"
	"tradebots/internal/exchange"
	"tradebots/internal/metrics"
	"tradebots/internal/sizing"
	"tradebots/internal/types"
)

// Store is the persistence the engine needs
type Store interface {
	StateRecorder
	exchange.CredentialSource

	CreateBot(ctx context.Context, bot *types.Bot) error
	GetBot(ctx context.Context, id string) (*types.Bot, error)
	ListBots(ctx context.Context) ([]types.Bot, error)
	UpdateBot(ctx context.Context, bot *types.Bot) error
	DeleteBot(ctx context.Context, id string) error
	CountSubscriptions(ctx context.Context, botID string) (int, error)

	CreateSubscription(ctx context.Context, sub *types.Subscription) error
	GetSubscription(ctx context.Context, id string) (*types.Subscription, error)
	ListSubscriptionsByBot(ctx context.Context, botID string) ([]types.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]types.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *types.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error

	ListTrades(ctx context.Context, subscriptionID string, limit int) ([]types.TradeRecord, error)
	SaveCredential(ctx context.Context, cred types.Credential) error
}

// AdapterProvider resolves the exchange adapter for a user
type AdapterProvider interface {
	ForUser(ctx context.Context, userID string) (exchange.Adapter, error)
	Invalidate(userID string)
}

// Config holds engine tuning
type Config struct {
	ConfirmAttempts    int
	ConfirmInterval    time.Duration
	StrictConfirm      bool
	FlattenTimeout     time.Duration
	MaxReconnects      int
	ReconnectBackoff   time.Duration
	MaxReconnectDelay  time.Duration
	StateRetryInterval time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ConfirmAttempts:    15,
		ConfirmInterval:    200 * time.Millisecond,
		FlattenTimeout:     10 * time.Second,
		MaxReconnects:      10,
		ReconnectBackoff:   time.Second,
		MaxReconnectDelay:  30 * time.Second,
		StateRetryInterval: 30 * time.Second,
	}
}

// Engine runs one position manager per active subscription and shares one
// candle feed per symbol and timeframe between them.
type Engine struct {
	cfg      Config
	store    Store
	adapters AdapterProvider
	logger   *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	writer   *stateWriter
	hub      *feedHub
	locks    *keyLock

	mu       sync.RWMutex
	managers map[string]*PositionManager // subscriptionID -> manager

	ctx         context.Context
	cancel      context.CancelFunc
	persistStop chan struct{}
	persistDone chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewEngine creates the engine. market feeds candles for every bot.
func NewEngine(
	store Store,
	adapters AdapterProvider,
	market candles.KlineSource,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		store:       store,
		adapters:    adapters,
		logger:      logger,
		metrics:     m,
		validate:    validator.New(),
		writer:      newStateWriter(store, logger, cfg.StateRetryInterval),
		locks:       newKeyLock(),
		managers:    make(map[string]*PositionManager),
		ctx:         ctx,
		cancel:      cancel,
		persistStop: make(chan struct{}),
		persistDone: make(chan struct{}),
	}

	var opts []candles.Option
	if cfg.MaxReconnects > 0 {
		opts = append(opts, candles.WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectBackoff > 0 {
		opts = append(opts, candles.WithBackoff(cfg.ReconnectBackoff, max(cfg.MaxReconnectDelay, cfg.ReconnectBackoff)))
	}
	e.hub = newFeedHub(market, logger, m, opts...)
	e.hub.onLost = e.handleFeedLost
	return e
}

func (e *Engine) managerConfig() ManagerConfig {
	return ManagerConfig{
		ConfirmAttempts: e.cfg.ConfirmAttempts,
		ConfirmInterval: e.cfg.ConfirmInterval,
		StrictConfirm:   e.cfg.StrictConfirm,
		FlattenTimeout:  e.cfg.FlattenTimeout,
	}
}

// Start launches the state retry loop and restores every active bot
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		go func() {
			defer close(e.persistDone)
			e.writer.StartPeriodicSave(e.persistStop)
		}()
	})

	if err := e.Restore(ctx); err != nil {
		e.logger.Error("[ENGINE] Some subscriptions failed to restore", zap.Error(err))
	}

	e.logger.Info("[ENGINE] Started", zap.Int("running_subscriptions", e.runningCount()))
	return nil
}

// Restore starts every active bot with its active subscriptions. Each
// manager starts flat and reconciles against the exchange before trading.
func (e *Engine) Restore(ctx context.Context) error {
	bots, err := e.store.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bots: %w", err)
	}

	var errs []error
	restored := 0
	for _, bot := range bots {
		if !bot.Active {
			continue
		}
		if err := e.StartBot(ctx, bot.ID); err != nil {
			errs = append(errs, fmt.Errorf("bot %s: %w", bot.ID, err))
			continue
		}
		restored++
	}

	e.logger.Info("[ENGINE] Restored bots",
		zap.Int("bots", restored),
		zap.Int("subscriptions", e.runningCount()),
	)
	return errors.Join(errs...)
}

// Stop shuts every manager down, with a final close when flatten is set,
// then closes the feeds and flushes unsaved state.
func (e *Engine) Stop(flatten bool) error {
	var errs []error
	e.stopOnce.Do(func() {
		e.mu.RLock()
		ids := make([]string, 0, len(e.managers))
		for id := range e.managers {
			ids = append(ids, id)
		}
		e.mu.RUnlock()

		var wg sync.WaitGroup
		var errMu sync.Mutex
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := e.stopSubscription(id, flatten); err != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("subscription %s: %w", id, err))
					errMu.Unlock()
				}
			}(id)
		}
		wg.Wait()

		e.hub.closeAll()
		e.cancel()

		close(e.persistStop)
		e.startOnce.Do(func() { close(e.persistDone) })
		<-e.persistDone

		e.logger.Info("[ENGINE] Stopped", zap.Bool("flattened", flatten))
	})
	return errors.Join(errs...)
}

// StartBot starts every active subscription of an active bot. Running
// subscriptions are left alone.
func (e *Engine) StartBot(ctx context.Context, botID string) error {
	unlock := e.locks.lock(botKey(botID))
	defer unlock()

	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if !bot.Active {
		return fmt.Errorf("bot %s: %w", botID, types.ErrBotInactive)
	}

	subs, err := e.store.ListSubscriptionsByBot(ctx, botID)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if err := e.startSubscription(ctx, *bot, sub.ID); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}

	e.logger.Info("[ENGINE] Bot started",
		zap.String("bot_id", bot.ID),
		zap.String("symbol", bot.Symbol),
		zap.String("timeframe", bot.Timeframe),
	)
	return errors.Join(errs...)
}

// StopBot flattens and stops every running subscription of the bot. The
// shared feed closes once its last listener is gone.
func (e *Engine) StopBot(ctx context.Context, botID string) error {
	unlock := e.locks.lock(botKey(botID))
	defer unlock()

	if _, err := e.store.GetBot(ctx, botID); err != nil {
		return err
	}
	return e.stopBotLocked(botID)
}

func (e *Engine) stopBotLocked(botID string) error {
	var errs []error
	for _, id := range e.runningForBot(botID) {
		if err := e.stopSubscription(id, true); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", id, err))
		}
	}

	e.logger.Info("[ENGINE] Bot stopped", zap.String("bot_id", botID))
	return errors.Join(errs...)
}

// StartSubscription starts one subscription of an active bot
func (e *Engine) StartSubscription(ctx context.Context, botID, subID string) error {
	unlock := e.locks.lock(botKey(botID))
	defer unlock()

	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if !bot.Active {
		return fmt.Errorf("bot %s: %w", botID, types.ErrBotInactive)
	}
	return e.startSubscription(ctx, *bot, subID)
}

// StopSubscription flattens and stops one subscription
func (e *Engine) StopSubscription(ctx context.Context, botID, subID string) error {
	unlock := e.locks.lock(botKey(botID))
	defer unlock()

	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.BotID != botID {
		return fmt.Errorf("%w: subscription %s does not belong to bot %s", types.ErrInvalidSubscription, subID, botID)
	}
	return e.stopSubscription(subID, true)
}

func (e *Engine) startSubscription(ctx context.Context, bot types.Bot, subID string) error {
	unlock := e.locks.lock(subKey(subID))
	defer unlock()

	if e.isRunning(subID) {
		return nil
	}

	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.BotID != bot.ID {
		return fmt.Errorf("%w: subscription %s does not belong to bot %s", types.ErrInvalidSubscription, subID, bot.ID)
	}
	if !sub.Active {
		return fmt.Errorf("%w: subscription %s is inactive", types.ErrInvalidSubscription, subID)
	}
	if other := e.runningOnSymbol(sub.UserID, bot.Symbol); other != "" {
		return fmt.Errorf("%w: %s is already traded by running subscription %s", types.ErrInvalidSubscription, bot.Symbol, other)
	}

	adapter, err := e.adapters.ForUser(ctx, sub.UserID)
	if err != nil {
		e.writer.Save(ctx, types.SubscriptionState{
			SubscriptionID: sub.ID,
			Position:       sub.Position,
			OpenTrades:     sub.OpenTrades,
			RealizedProfit: sub.RealizedProfit,
			LastError:      err.Error(),
		})
		return err
	}

	m := newPositionManager(bot, *sub, adapter, e.writer, e.metrics, e.managerConfig(), e.logger)
	m.start(e.ctx)

	if err := e.hub.join(e.ctx, m.feedKey(), m); err != nil {
		m.stop(false)
		return fmt.Errorf("failed to open candle feed %s: %w", m.feedKey(), err)
	}

	e.mu.Lock()
	e.managers[subID] = m
	e.mu.Unlock()
	e.metrics.SubscriptionStarted()

	e.logger.Info("[ENGINE] Subscription started",
		zap.String("subscription_id", sub.ID),
		zap.String("bot_id", bot.ID),
		zap.String("user_id", sub.UserID),
		zap.String("exchange", string(adapter.Exchange())),
	)
	return nil
}

// stopSubscription flattens first (when asked) and then leaves the feed
func (e *Engine) stopSubscription(subID string, flatten bool) error {
	unlock := e.locks.lock(subKey(subID))
	defer unlock()

	e.mu.Lock()
	m, ok := e.managers[subID]
	delete(e.managers, subID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	err := m.stop(flatten)
	e.hub.leave(m.feedKey(), subID)
	e.metrics.SubscriptionStopped()

	if err != nil {
		e.logger.Error("[ENGINE] Subscription stopped with error", zap.String("subscription_id", subID), zap.Error(err))
	} else {
		e.logger.Info("[ENGINE] Subscription stopped",
			zap.String("subscription_id", subID),
			zap.Bool("flattened", flatten),
		)
	}
	return err
}

// StartAllForUser activates every subscription of the user and starts those on active bots
func (e *Engine) StartAllForUser(ctx context.Context, userID string) error {
	subs, err := e.store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := e.setActive(ctx, sub, true); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

// StopAllForUser deactivates every subscription of the user, flattening each
func (e *Engine) StopAllForUser(ctx context.Context, userID string) error {
	subs, err := e.store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := e.setActive(ctx, sub, false); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

// setActive persists the flag and starts or flattens the subscription to match
func (e *Engine) setActive(ctx context.Context, sub types.Subscription, active bool) error {
	unlock := e.locks.lock(botKey(sub.BotID))
	defer unlock()

	if active {
		bot, err := e.store.GetBot(ctx, sub.BotID)
		if err != nil {
			return err
		}
		unlockUser := e.locks.lock(userKey(sub.UserID))
		defer unlockUser()
		if err := e.checkSymbolFree(ctx, sub.UserID, bot.Symbol, sub.ID, true); err != nil {
			return err
		}
	}

	if sub.Active != active {
		sub.Active = active
		if err := e.store.UpdateSubscription(ctx, &sub); err != nil {
			return err
		}
	}

	if !active {
		if e.isRunning(sub.ID) {
			return e.stopSubscription(sub.ID, true)
		}
		return e.flattenDetached(ctx, &sub)
	}

	bot, err := e.store.GetBot(ctx, sub.BotID)
	if err != nil {
		return err
	}
	if !bot.Active {
		return nil
	}
	return e.startSubscription(ctx, *bot, sub.ID)
}

// flattenDetached closes a position recorded for a subscription that has no
// running manager, e.g. after an earlier flatten failed.
func (e *Engine) flattenDetached(ctx context.Context, sub *types.Subscription) error {
	if sub.Position == types.PositionNone || sub.Position == "" {
		return nil
	}

	bot, err := e.store.GetBot(ctx, sub.BotID)
	if err != nil {
		return err
	}
	adapter, err := e.adapters.ForUser(ctx, sub.UserID)
	if err != nil {
		return err
	}

	m := newPositionManager(*bot, *sub, adapter, e.writer, e.metrics, e.managerConfig(), e.logger)
	return m.stop(true)
}

// CreateBot validates and stores a new bot
func (e *Engine) CreateBot(ctx context.Context, symbol, timeframe string, active, visible bool) (*types.Bot, error) {
	now := time.Now()
	bot := &types.Bot{
		ID:        uuid.NewString(),
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Timeframe: strings.TrimSpace(timeframe),
		Active:    active,
		Visible:   visible,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.validate.Struct(bot); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBot, err)
	}
	if _, err := candles.IntervalDuration(bot.Timeframe); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBot, err)
	}

	if err := e.store.CreateBot(ctx, bot); err != nil {
		return nil, err
	}

	e.logger.Info("[ENGINE] Bot created",
		zap.String("bot_id", bot.ID),
		zap.String("symbol", bot.Symbol),
		zap.String("timeframe", bot.Timeframe),
	)
	return bot, nil
}

// SetBotFlags updates the admin flags. Deactivating flattens and stops every
// subscription; reactivating starts them again.
func (e *Engine) SetBotFlags(ctx context.Context, botID string, active, visible *bool) (*types.Bot, error) {
	unlock := e.locks.lock(botKey(botID))

	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		unlock()
		return nil, err
	}

	wasActive := bot.Active
	if active != nil {
		bot.Active = *active
	}
	if visible != nil {
		bot.Visible = *visible
	}
	if err := e.store.UpdateBot(ctx, bot); err != nil {
		unlock()
		return nil, err
	}

	var stopErr error
	if wasActive && !bot.Active {
		stopErr = e.stopBotLocked(botID)
	}
	unlock()

	if !wasActive && bot.Active {
		if err := e.StartBot(ctx, botID); err != nil {
			return bot, err
		}
	}
	return bot, stopErr
}

// DeleteBot removes a bot nobody subscribes to
func (e *Engine) DeleteBot(ctx context.Context, botID string) error {
	unlock := e.locks.lock(botKey(botID))
	defer unlock()

	n, err := e.store.CountSubscriptions(ctx, botID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("bot %s has %d subscriptions: %w", botID, n, types.ErrBotInUse)
	}
	if err := e.store.DeleteBot(ctx, botID); err != nil {
		return err
	}

	e.logger.Info("[ENGINE] Bot deleted", zap.String("bot_id", botID))
	return nil
}

// ListBots returns all bots, or only the visible ones
func (e *Engine) ListBots(ctx context.Context, includeHidden bool) ([]types.Bot, error) {
	bots, err := e.store.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	if includeHidden {
		return bots, nil
	}

	visible := bots[:0]
	for _, b := range bots {
		if b.Visible {
			visible = append(visible, b)
		}
	}
	return visible, nil
}

// Subscribe creates a subscription after checking the user's balance and
// that the amount clears the exchange minimum, then starts it.
func (e *Engine) Subscribe(ctx context.Context, userID, botID string, amount float64, leverage int) (*types.Subscription, error) {
	now := time.Now()
	sub := &types.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		BotID:     botID,
		Amount:    amount,
		Leverage:  leverage,
		Active:    true,
		Position:  types.PositionNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.validate.Struct(sub); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSubscription, err)
	}

	unlock := e.locks.lock(botKey(botID))
	defer unlock()

	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if !bot.Active {
		return nil, fmt.Errorf("bot %s: %w", botID, types.ErrBotInactive)
	}

	unlockUser := e.locks.lock(userKey(userID))
	defer unlockUser()

	if err := e.checkSymbolFree(ctx, userID, bot.Symbol, "", false); err != nil {
		return nil, err
	}

	adapter, err := e.adapters.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	qty, err := e.checkAffordable(ctx, adapter, bot.Symbol, amount)
	if err != nil {
		return nil, err
	}
	sub.Quantity = qty

	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	e.logger.Info("[ENGINE] Subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("bot_id", botID),
		zap.String("user_id", userID),
		zap.String("amount", sizing.FormatUSD(amount)),
		zap.Int("leverage", leverage),
		zap.String("quantity", sizing.FormatQuantity(qty)),
	)

	if err := e.startSubscription(ctx, *bot, sub.ID); err != nil {
		// The record stays; Restore or an activation retries the start.
		e.logger.Warn("[ENGINE] Subscription created but not started", zap.String("subscription_id", sub.ID), zap.Error(err))
		sub.LastError = err.Error()
	}
	return sub, nil
}

// checkSymbolFree rejects a second subscription of userID trading symbol.
// The exchange keeps one position per symbol and account, so each symbol
// belongs to at most one of the user's state machines. With activeOnly,
// inactive subscriptions do not count.
func (e *Engine) checkSymbolFree(ctx context.Context, userID, symbol, exceptSubID string, activeOnly bool) error {
	subs, err := e.store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if s.ID == exceptSubID || (activeOnly && !s.Active) {
			continue
		}
		bot, err := e.store.GetBot(ctx, s.BotID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if bot.Symbol == symbol {
			return fmt.Errorf("%w: %s is already traded by subscription %s (bot %s %s)",
				types.ErrInvalidSubscription, symbol, s.ID, bot.Symbol, bot.Timeframe)
		}
	}
	return nil
}

// checkAffordable returns the quantity amount buys now, or the typed rejection
func (e *Engine) checkAffordable(ctx context.Context, adapter exchange.Adapter, symbol string, amount float64) (float64, error) {
	balance, err := adapter.GetBalance(ctx, "USDT")
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %v", types.ErrAdapterUnavailable, err)
	}
	if balance < amount {
		return 0, fmt.Errorf("%w: balance %s, required %s",
			types.ErrInsufficientFunds, sizing.FormatUSD(balance), sizing.FormatUSD(amount))
	}

	price, err := adapter.GetLatestPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: price for %s: %v", types.ErrAdapterUnavailable, symbol, err)
	}
	rules, err := adapter.GetSymbolRules(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: lot rules for %s: %v", types.ErrAdapterUnavailable, symbol, err)
	}

	qty := sizing.SizeOrder(amount, price, rules.MinQty, rules.StepSize)
	if qty == 0 {
		return 0, &types.MinimumQuantityError{MinQty: rules.MinQty, Price: price}
	}
	return qty, nil
}

// SubscriptionPatch lists the fields a user may change; nil means unchanged
type SubscriptionPatch struct {
	Amount   *float64 `json:"amount,omitempty"`
	Leverage *int     `json:"leverage,omitempty"`
	Active   *bool    `json:"active,omitempty"`
}

// UpdateSubscription applies patch. New sizing inputs are checked like a new
// subscription; deactivation flattens, activation starts.
func (e *Engine) UpdateSubscription(ctx context.Context, userID, subID string, patch SubscriptionPatch) (*types.Subscription, error) {
	sub, err := e.ownedSubscription(ctx, userID, subID)
	if err != nil {
		return nil, err
	}

	resize := false
	if patch.Amount != nil && *patch.Amount != sub.Amount {
		sub.Amount = *patch.Amount
		resize = true
	}
	if patch.Leverage != nil && *patch.Leverage != sub.Leverage {
		sub.Leverage = *patch.Leverage
		resize = true
	}
	if err := e.validate.Struct(sub); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSubscription, err)
	}

	if resize {
		bot, err := e.store.GetBot(ctx, sub.BotID)
		if err != nil {
			return nil, err
		}
		adapter, err := e.adapters.ForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		qty, err := e.checkAffordable(ctx, adapter, bot.Symbol, sub.Amount)
		if err != nil {
			return nil, err
		}
		sub.Quantity = qty

		if err := e.store.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		if m := e.manager(sub.ID); m != nil {
			m.UpdateParams(sub.Amount, sub.Leverage)
		}
	}

	if patch.Active != nil {
		if err := e.setActive(ctx, *sub, *patch.Active); err != nil {
			return nil, err
		}
	}

	return e.store.GetSubscription(ctx, subID)
}

// Unsubscribe flattens, stops and deletes the subscription. When the final
// close fails the record is kept so the user can retry.
func (e *Engine) Unsubscribe(ctx context.Context, userID, subID string) error {
	sub, err := e.ownedSubscription(ctx, userID, subID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(botKey(sub.BotID))
	defer unlock()

	if e.isRunning(subID) {
		err = e.stopSubscription(subID, true)
	} else {
		err = e.flattenDetached(ctx, sub)
	}
	if err != nil {
		sub.Active = false
		if uerr := e.store.UpdateSubscription(ctx, sub); uerr != nil {
			e.logger.Error("[ENGINE] Failed to deactivate subscription", zap.String("subscription_id", subID), zap.Error(uerr))
		}
		return fmt.Errorf("failed to flatten before unsubscribe: %w", err)
	}

	if err := e.store.DeleteSubscription(ctx, subID); err != nil {
		return err
	}

	e.logger.Info("[ENGINE] Unsubscribed", zap.String("subscription_id", subID), zap.String("user_id", userID))
	return nil
}

// ListSubscriptions returns the user's subscriptions
func (e *Engine) ListSubscriptions(ctx context.Context, userID string) ([]types.Subscription, error) {
	return e.store.ListSubscriptionsByUser(ctx, userID)
}

// ListTrades returns the recorded orders of one of the user's subscriptions
func (e *Engine) ListTrades(ctx context.Context, userID, subID string, limit int) ([]types.TradeRecord, error) {
	if _, err := e.ownedSubscription(ctx, userID, subID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.store.ListTrades(ctx, subID, limit)
}

func (e *Engine) ownedSubscription(ctx context.Context, userID, subID string) (*types.Subscription, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, fmt.Errorf("subscription %s: %w", subID, types.ErrNotFound)
	}
	return sub, nil
}

// SaveCredential stores the user's exchange keys. Keys cannot change under
// running subscriptions.
func (e *Engine) SaveCredential(ctx context.Context, cred types.Credential) error {
	if err := e.validate.Struct(cred); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidCredentials, err)
	}

	for _, s := range e.Status().Subscriptions {
		if s.UserID == cred.UserID {
			return fmt.Errorf("user %s: %w", cred.UserID, types.ErrCredentialsInUse)
		}
	}

	if err := e.store.SaveCredential(ctx, cred); err != nil {
		return err
	}
	e.adapters.Invalidate(cred.UserID)

	e.logger.Info("[ENGINE] Credentials saved",
		zap.String("user_id", cred.UserID),
		zap.String("exchange", string(cred.Exchange)),
	)
	return nil
}

// AccountSummary reads balance, open positions and recent fills for the
// symbols the user is subscribed to.
func (e *Engine) AccountSummary(ctx context.Context, userID string) (*types.AccountSummary, error) {
	adapter, err := e.adapters.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	balance, err := adapter.GetBalance(ctx, "USDT")
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	subs, err := e.store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	symbols := make(map[string]bool)
	for _, s := range subs {
		bot, err := e.store.GetBot(ctx, s.BotID)
		if err != nil {
			continue
		}
		symbols[bot.Symbol] = true
	}
	ordered := make([]string, 0, len(symbols))
	for s := range symbols {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	summary := &types.AccountSummary{
		UserID:    userID,
		Exchange:  adapter.Exchange(),
		Balance:   balance,
		Positions: []types.Position{},
		Trades:    []types.Trade{},
	}
	for _, symbol := range ordered {
		pos, err := adapter.GetPosition(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s position: %w", symbol, err)
		}
		if !pos.IsFlat() {
			summary.Positions = append(summary.Positions, *pos)
		}

		trades, err := adapter.GetTrades(ctx, symbol, 50)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s trades: %w", symbol, err)
		}
		summary.Trades = append(summary.Trades, trades...)
	}
	sort.Slice(summary.Trades, func(i, j int) bool {
		return summary.Trades[i].Time.After(summary.Trades[j].Time)
	})
	return summary, nil
}

// Status is the engine's runtime view
type Status struct {
	Subscriptions []Snapshot   `json:"subscriptions"`
	Feeds         []FeedStatus `json:"feeds"`
	PendingStates int          `json:"pending_states"`
}

// Status returns snapshots of every running manager and feed
func (e *Engine) Status() Status {
	e.mu.RLock()
	snaps := make([]Snapshot, 0, len(e.managers))
	for _, m := range e.managers {
		snaps = append(snaps, m.Snapshot())
	}
	e.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SubscriptionID < snaps[j].SubscriptionID })
	return Status{
		Subscriptions: snaps,
		Feeds:         e.hub.status(),
		PendingStates: e.writer.Pending(),
	}
}

// handleFeedLost stops every subscription a dead feed was driving and
// records the cause on each.
func (e *Engine) handleFeedLost(key feedKey, members []*PositionManager, cause error) {
	e.logger.Error("[ENGINE] Candle feed lost, stopping its subscriptions",
		zap.String("feed", key.String()),
		zap.Int("subscriptions", len(members)),
		zap.Error(cause),
	)

	for _, m := range members {
		err := e.stopSubscription(m.subID, true)
		if err != nil {
			m.recordError(errors.Join(cause, err))
			continue
		}
		m.recordError(cause)
	}
}

func (e *Engine) isRunning(subID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.managers[subID]
	return ok
}

func (e *Engine) manager(subID string) *PositionManager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.managers[subID]
}

func (e *Engine) runningForBot(botID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []string
	for id, m := range e.managers {
		if m.bot.ID == botID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// runningOnSymbol returns the running subscription of userID on symbol, if any
func (e *Engine) runningOnSymbol(userID, symbol string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, m := range e.managers {
		if m.userID == userID && m.bot.Symbol == symbol {
			return id
		}
	}
	return ""
}

func (e *Engine) runningCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.managers)
}
