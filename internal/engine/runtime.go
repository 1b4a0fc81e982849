package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tradebots/internal/candles"
	"tradebots/internal/metrics"
	"tradebots/internal/types"
)

type feedKey struct {
	symbol    string
	timeframe string
}

func (k feedKey) String() string {
	return k.symbol + "@" + k.timeframe
}

// FeedStatus describes one shared candle feed
type FeedStatus struct {
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	Subscribers int    `json:"subscribers"`
	Candles     int64  `json:"candles"`
}

// feed is one aggregator shared by every position manager on the same symbol and timeframe
type feed struct {
	key     feedKey
	agg     *candles.Aggregator
	done    chan struct{}
	candles atomic.Int64

	mu      sync.RWMutex
	members map[string]*PositionManager // subscriptionID -> manager
}

func (f *feed) snapshot() []*PositionManager {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*PositionManager, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	return out
}

// feedHub ref-counts feeds: the first join opens one, the last leave tears it down
type feedHub struct {
	source  candles.KlineSource
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    []candles.Option
	onLost  func(key feedKey, members []*PositionManager, err error)

	mu    sync.Mutex
	feeds map[feedKey]*feed
}

func newFeedHub(source candles.KlineSource, logger *zap.Logger, m *metrics.Metrics, opts ...candles.Option) *feedHub {
	return &feedHub{
		source:  source,
		logger:  logger,
		metrics: m,
		opts:    opts,
		feeds:   make(map[feedKey]*feed),
	}
}

// join adds m to the feed for key, opening it if needed
func (h *feedHub) join(ctx context.Context, key feedKey, m *PositionManager) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.feeds[key]
	if !ok {
		agg, err := candles.NewAggregator(h.source, key.symbol, key.timeframe, h.logger, h.opts...)
		if err != nil {
			return err
		}
		ch, err := agg.Start(ctx)
		if err != nil {
			return err
		}

		f = &feed{
			key:     key,
			agg:     agg,
			done:    make(chan struct{}),
			members: make(map[string]*PositionManager),
		}
		h.feeds[key] = f
		go h.pump(f, ch)

		h.metrics.FeedOpened()
		h.logger.Info("[FEED] Candle feed opened", zap.String("feed", key.String()))
	}

	f.mu.Lock()
	f.members[m.subID] = m
	f.mu.Unlock()
	return nil
}

// leave removes subID from the feed and closes the feed once nobody listens
func (h *feedHub) leave(key feedKey, subID string) {
	h.mu.Lock()
	f, ok := h.feeds[key]
	if !ok {
		h.mu.Unlock()
		return
	}

	f.mu.Lock()
	delete(f.members, subID)
	remaining := len(f.members)
	f.mu.Unlock()

	if remaining > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.feeds, key)
	h.mu.Unlock()

	f.agg.Stop()
	<-f.done
	h.metrics.FeedClosed()
	h.logger.Info("[FEED] Candle feed closed", zap.String("feed", key.String()))
}

// pump broadcasts each closed candle to every member's mailbox
func (h *feedHub) pump(f *feed, ch <-chan types.Candle) {
	for c := range ch {
		f.candles.Add(1)
		h.metrics.CandleBroadcast(f.key.symbol, f.key.timeframe)
		for _, m := range f.snapshot() {
			m.deliver(c)
		}
	}
	close(f.done)

	err := f.agg.Err()
	if err == nil {
		return
	}

	// Only a feed still registered was lost; one removed by leave was stopped on purpose.
	h.mu.Lock()
	if h.feeds[f.key] != f {
		h.mu.Unlock()
		return
	}
	delete(h.feeds, f.key)
	members := f.snapshot()
	h.mu.Unlock()

	h.metrics.FeedClosed()
	h.metrics.FeedFailed(f.key.symbol, f.key.timeframe)
	h.logger.Error("[FEED] Candle feed lost",
		zap.String("feed", f.key.String()),
		zap.Int("subscribers", len(members)),
		zap.Error(err),
	)

	if h.onLost != nil {
		h.onLost(f.key, members, err)
	}
}

// closeAll stops every feed, used on shutdown after the managers are gone
func (h *feedHub) closeAll() {
	h.mu.Lock()
	feeds := make([]*feed, 0, len(h.feeds))
	for k, f := range h.feeds {
		feeds = append(feeds, f)
		delete(h.feeds, k)
	}
	h.mu.Unlock()

	for _, f := range feeds {
		f.agg.Stop()
		<-f.done
		h.metrics.FeedClosed()
	}
}

func (h *feedHub) status() []FeedStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]FeedStatus, 0, len(h.feeds))
	for _, f := range h.feeds {
		f.mu.RLock()
		n := len(f.members)
		f.mu.RUnlock()
		out = append(out, FeedStatus{
			Symbol:      f.key.symbol,
			Timeframe:   f.key.timeframe,
			Subscribers: n,
			Candles:     f.candles.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}
