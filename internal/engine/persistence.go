package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebots/internal/types"
)

// StateRecorder is the slice of persistence the position managers write to
type StateRecorder interface {
	RecordTrade(ctx context.Context, trade *types.TradeRecord) error
	SaveSubscriptionState(ctx context.Context, state types.SubscriptionState) error
}

// stateWriter writes subscription state through to the store and keeps
// whatever failed to save, retrying it periodically and once more on shutdown.
type stateWriter struct {
	store        StateRecorder
	logger       *zap.Logger
	mu           sync.Mutex
	pending      map[string]types.SubscriptionState // subscriptionID -> latest unsaved state
	saveInterval time.Duration
	lastSave     time.Time
}

func newStateWriter(store StateRecorder, logger *zap.Logger, saveInterval time.Duration) *stateWriter {
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}
	return &stateWriter{
		store:        store,
		logger:       logger,
		pending:      make(map[string]types.SubscriptionState),
		saveInterval: saveInterval,
	}
}

// Save writes st now; on failure it is kept for the next periodic flush
func (w *stateWriter) Save(ctx context.Context, st types.SubscriptionState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.store.SaveSubscriptionState(ctx, st); err != nil {
		w.pending[st.SubscriptionID] = st
		w.logger.Warn("[PERSISTENCE] Failed to save subscription state, will retry",
			zap.String("subscription_id", st.SubscriptionID),
			zap.Error(err),
		)
		return
	}
	delete(w.pending, st.SubscriptionID)
	w.lastSave = time.Now()
}

// RecordTrade writes the audit row. Trade rows are not retried.
func (w *stateWriter) RecordTrade(ctx context.Context, trade *types.TradeRecord) {
	if err := w.store.RecordTrade(ctx, trade); err != nil {
		w.logger.Error("[PERSISTENCE] Failed to record trade",
			zap.String("subscription_id", trade.SubscriptionID),
			zap.String("client_order_id", trade.ClientOrderID),
			zap.Error(err),
		)
	}
}

// Pending returns how many states are waiting for a retry
func (w *stateWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ShouldSave returns true if there is unsaved state and the retry interval has passed
func (w *stateWriter) ShouldSave() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0 && time.Since(w.lastSave) >= w.saveInterval
}

// Flush retries every pending state
func (w *stateWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for id, st := range w.pending {
		if err := w.store.SaveSubscriptionState(ctx, st); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(w.pending, id)
	}
	w.lastSave = time.Now()
	return errors.Join(errs...)
}

// StartPeriodicSave retries pending state until stopChan closes, then flushes once more
func (w *stateWriter) StartPeriodicSave(stopChan <-chan struct{}) {
	ticker := time.NewTicker(w.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.Flush(ctx); err != nil {
				w.logger.Error("[PERSISTENCE] Failed to save state on shutdown", zap.Error(err))
			} else {
				w.logger.Info("[PERSISTENCE] Final state saved on shutdown")
			}
			cancel()
			return
		case <-ticker.C:
			if w.ShouldSave() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := w.Flush(ctx); err != nil {
					w.logger.Error("[PERSISTENCE] Failed to save state", zap.Error(err))
				}
				cancel()
			}
		}
	}
}
