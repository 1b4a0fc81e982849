// Package candles turns a raw kline stream into exactly one closed candle per interval.
package candles

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebots/internal/types"
)

// KlineSource opens a kline stream. The channel closes when the stream drops.
type KlineSource interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan types.Kline, error)
}

// Aggregator emits each closed bucket of one symbol/interval once, in order
type Aggregator struct {
	source     KlineSource
	symbol     string
	interval   string
	intervalMs int64
	logger     *zap.Logger

	maxReconnects int
	baseBackoff   time.Duration
	maxBackoff    time.Duration

	lastBucket int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithMaxReconnects bounds consecutive failed resubscribe attempts
func WithMaxReconnects(n int) Option {
	return func(a *Aggregator) {
		a.maxReconnects = n
	}
}

// WithBackoff sets the reconnect backoff range
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(a *Aggregator) {
		a.baseBackoff = base
		a.maxBackoff = maxDelay
	}
}

// NewAggregator creates an aggregator for symbol at interval
func NewAggregator(source KlineSource, symbol, interval string, logger *zap.Logger, opts ...Option) (*Aggregator, error) {
	d, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		source:        source,
		symbol:        symbol,
		interval:      interval,
		intervalMs:    d.Milliseconds(),
		logger:        logger.With(zap.String("symbol", symbol), zap.String("interval", interval)),
		maxReconnects: 10,
		baseBackoff:   time.Second,
		maxBackoff:    30 * time.Second,
		lastBucket:    -1,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start subscribes and returns the closed-candle channel. The channel closes
// on Stop or after a permanent disconnect; Err tells them apart.
func (a *Aggregator) Start(ctx context.Context) (<-chan types.Candle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil, fmt.Errorf("aggregator for %s %s already started", a.symbol, a.interval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := a.source.SubscribeKlines(runCtx, a.symbol, a.interval)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe klines for %s %s: %w", a.symbol, a.interval, err)
	}

	a.started = true
	a.cancel = cancel

	out := make(chan types.Candle, 16)
	go a.run(runCtx, stream, out)

	a.logger.Info("[FEED] Aggregator started")
	return out, nil
}

// Stop unsubscribes and waits for the run loop. Partial candles are discarded.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	started := a.started
	a.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-a.done
}

// Err returns the permanent-disconnect error, or nil
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Aggregator) run(ctx context.Context, stream <-chan types.Kline, out chan<- types.Candle) {
	defer close(a.done)
	defer close(out)

	for {
		for k := range stream {
			if !a.accept(k) {
				continue
			}
			select {
			case out <- k.Candle():
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		a.logger.Warn("[FEED] Kline stream disconnected, reconnecting...")
		next, err := a.resubscribe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.mu.Lock()
				a.err = err
				a.mu.Unlock()
				a.logger.Error("[FEED] Giving up on kline stream", zap.Error(err))
			}
			return
		}
		stream = next
	}
}

// resubscribe retries with exponential backoff until it succeeds, the
// attempt budget runs out or ctx is cancelled.
func (a *Aggregator) resubscribe(ctx context.Context) (<-chan types.Kline, error) {
	backoff := a.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= a.maxReconnects; attempt++ {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		stream, err := a.source.SubscribeKlines(ctx, a.symbol, a.interval)
		if err == nil {
			a.logger.Info("[FEED] Kline stream reconnected", zap.Int("attempt", attempt))
			return stream, nil
		}

		lastErr = err
		a.logger.Warn("[FEED] Reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		backoff = min(backoff*2, a.maxBackoff)
	}

	return nil, fmt.Errorf("%w: %s %s after %d attempts: %v", types.ErrFeedClosed, a.symbol, a.interval, a.maxReconnects, lastErr)
}

// accept reports whether k closes a bucket that has not been emitted yet
func (a *Aggregator) accept(k types.Kline) bool {
	if !k.Closed {
		return false
	}
	bucket := k.StartTime / a.intervalMs
	if bucket <= a.lastBucket {
		return false
	}
	a.lastBucket = bucket
	return true
}
