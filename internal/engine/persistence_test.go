package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tradebots/internal/types"
)

type flakyRecorder struct {
	mu       sync.Mutex
	failing  bool
	states   map[string]types.SubscriptionState
	trades   []*types.TradeRecord
	attempts int
}

func newFlakyRecorder() *flakyRecorder {
	return &flakyRecorder{states: make(map[string]types.SubscriptionState)}
}

func (r *flakyRecorder) setFailing(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = v
}

func (r *flakyRecorder) SaveSubscriptionState(ctx context.Context, st types.SubscriptionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failing {
		return errors.New("database is locked")
	}
	r.states[st.SubscriptionID] = st
	return nil
}

func (r *flakyRecorder) RecordTrade(ctx context.Context, trade *types.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("database is locked")
	}
	r.trades = append(r.trades, trade)
	return nil
}

func (r *flakyRecorder) state(id string) (types.SubscriptionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	return st, ok
}

func TestStateWriter_SaveWritesThrough(t *testing.T) {
	rec := newFlakyRecorder()
	w := newStateWriter(rec, zaptest.NewLogger(t), time.Minute)

	w.Save(context.Background(), types.SubscriptionState{SubscriptionID: "s1", Position: types.PositionLong, OpenTrades: 1})

	st, ok := rec.state("s1")
	require.True(t, ok)
	assert.Equal(t, types.PositionLong, st.Position)
	assert.Zero(t, w.Pending())
	assert.False(t, w.ShouldSave())
}

func TestStateWriter_FailedSaveIsRetried(t *testing.T) {
	rec := newFlakyRecorder()
	w := newStateWriter(rec, zaptest.NewLogger(t), time.Minute)
	ctx := context.Background()

	rec.setFailing(true)
	w.Save(ctx, types.SubscriptionState{SubscriptionID: "s1", Position: types.PositionLong})
	w.Save(ctx, types.SubscriptionState{SubscriptionID: "s1", Position: types.PositionShort})
	w.Save(ctx, types.SubscriptionState{SubscriptionID: "s2", Position: types.PositionNone})
	assert.Equal(t, 2, w.Pending(), "only the latest state per subscription is kept")

	assert.Error(t, w.Flush(ctx))
	assert.Equal(t, 2, w.Pending())

	rec.setFailing(false)
	require.NoError(t, w.Flush(ctx))
	assert.Zero(t, w.Pending())

	st, ok := rec.state("s1")
	require.True(t, ok)
	assert.Equal(t, types.PositionShort, st.Position)
}

func TestStateWriter_SuccessfulSaveClearsPending(t *testing.T) {
	rec := newFlakyRecorder()
	w := newStateWriter(rec, zaptest.NewLogger(t), time.Minute)
	ctx := context.Background()

	rec.setFailing(true)
	w.Save(ctx, types.SubscriptionState{SubscriptionID: "s1", Position: types.PositionLong})
	require.Equal(t, 1, w.Pending())

	rec.setFailing(false)
	w.Save(ctx, types.SubscriptionState{SubscriptionID: "s1", Position: types.PositionNone})
	assert.Zero(t, w.Pending())
}

func TestStateWriter_FinalFlushOnStop(t *testing.T) {
	rec := newFlakyRecorder()
	w := newStateWriter(rec, zaptest.NewLogger(t), time.Hour)

	rec.setFailing(true)
	w.Save(context.Background(), types.SubscriptionState{SubscriptionID: "s1", Position: types.PositionShort})
	rec.setFailing(false)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.StartPeriodicSave(stop)
	}()
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic save did not exit")
	}
	assert.Zero(t, w.Pending())
	_, ok := rec.state("s1")
	assert.True(t, ok)
}

func TestStateWriter_PeriodicRetry(t *testing.T) {
	rec := newFlakyRecorder()
	w := newStateWriter(rec, zaptest.NewLogger(t), 10*time.Millisecond)

	rec.setFailing(true)
	w.Save(context.Background(), types.SubscriptionState{SubscriptionID: "s1"})
	rec.setFailing(false)

	stop := make(chan struct{})
	defer close(stop)
	go w.StartPeriodicSave(stop)

	assert.Eventually(t, func() bool { return w.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStateWriter_RecordTradeFailureIsLogged(t *testing.T) {
	rec := newFlakyRecorder()
	w := newStateWriter(rec, zaptest.NewLogger(t), time.Minute)

	rec.setFailing(true)
	w.RecordTrade(context.Background(), &types.TradeRecord{SubscriptionID: "s1", ClientOrderID: "tb-1"})
	assert.Empty(t, rec.trades)
	assert.Zero(t, w.Pending(), "trade rows are not queued")
}
