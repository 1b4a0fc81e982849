package candles

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

const minute = int64(60_000)

// scriptedSource hands out queued streams; once they run out it fails
type scriptedSource struct {
	mu      sync.Mutex
	streams []chan types.Kline
	calls   int
	failErr error
}

func (s *scriptedSource) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan types.Kline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.streams) == 0 {
		if s.failErr == nil {
			s.failErr = errors.New("connection refused")
		}
		return nil, s.failErr
	}
	ch := s.streams[0]
	s.streams = s.streams[1:]
	return ch, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func kline(bucket int64, closed bool, open, close float64) types.Kline {
	return types.Kline{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		StartTime: bucket * minute,
		EndTime:   (bucket+1)*minute - 1,
		Open:      open,
		Close:     close,
		Closed:    closed,
	}
}

func recv(t *testing.T, ch <-chan types.Candle) types.Candle {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "candle channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for candle")
	}
	return types.Candle{}
}

func TestAggregator_Accept(t *testing.T) {
	a, err := NewAggregator(&scriptedSource{}, "BTCUSDT", "1m", zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, a.accept(kline(10, false, 1, 2)), "open kline")
	assert.True(t, a.accept(kline(10, true, 1, 2)))
	assert.False(t, a.accept(kline(10, true, 1, 3)), "duplicate close")
	assert.False(t, a.accept(kline(9, true, 1, 2)), "out of order")
	assert.True(t, a.accept(kline(12, true, 1, 2)), "gaps are fine")
	assert.False(t, a.accept(kline(11, true, 1, 2)))
}

func TestAggregator_EmitsOncePerBucket(t *testing.T) {
	stream := make(chan types.Kline, 10)
	src := &scriptedSource{streams: []chan types.Kline{stream}}

	a, err := NewAggregator(src, "BTCUSDT", "1m", zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := a.Start(context.Background())
	require.NoError(t, err)
	defer a.Stop()

	stream <- kline(1, false, 100, 101)
	stream <- kline(1, true, 100, 102)
	stream <- kline(1, true, 100, 102) // replayed
	stream <- kline(2, false, 102, 101)
	stream <- kline(2, true, 102, 99)

	c1 := recv(t, out)
	assert.Equal(t, 1*minute, c1.StartTime)
	assert.Equal(t, 102.0, c1.Close)

	c2 := recv(t, out)
	assert.Equal(t, 2*minute, c2.StartTime)
	assert.Equal(t, 99.0, c2.Close)

	select {
	case c := <-out:
		t.Fatalf("unexpected candle %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAggregator_ReconnectKeepsDedup(t *testing.T) {
	first := make(chan types.Kline, 4)
	second := make(chan types.Kline, 4)
	src := &scriptedSource{streams: []chan types.Kline{first, second}}

	a, err := NewAggregator(src, "BTCUSDT", "1m", zaptest.NewLogger(t),
		WithBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	out, err := a.Start(context.Background())
	require.NoError(t, err)
	defer a.Stop()

	first <- kline(5, true, 1, 2)
	assert.Equal(t, 5*minute, recv(t, out).StartTime)
	close(first)

	// The new connection replays the last closed kline before moving on.
	second <- kline(5, true, 1, 2)
	second <- kline(6, true, 2, 3)
	assert.Equal(t, 6*minute, recv(t, out).StartTime)
	assert.NoError(t, a.Err())
}

func TestAggregator_PermanentDisconnect(t *testing.T) {
	stream := make(chan types.Kline)
	src := &scriptedSource{streams: []chan types.Kline{stream}}

	a, err := NewAggregator(src, "BTCUSDT", "1m", zaptest.NewLogger(t),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxReconnects(3))
	require.NoError(t, err)

	out, err := a.Start(context.Background())
	require.NoError(t, err)

	close(stream)

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed after reconnects were exhausted")
	}

	assert.ErrorIs(t, a.Err(), types.ErrFeedClosed)
	assert.Equal(t, 4, src.Calls(), "initial subscribe plus three retries")
	a.Stop()
}

func TestAggregator_StopIsClean(t *testing.T) {
	stream := make(chan types.Kline)
	src := &scriptedSource{streams: []chan types.Kline{stream}}

	a, err := NewAggregator(src, "BTCUSDT", "1m", zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := a.Start(context.Background())
	require.NoError(t, err)

	a.Stop()
	_, ok := <-out
	assert.False(t, ok)
	assert.NoError(t, a.Err())

	_, err = a.Start(context.Background())
	assert.Error(t, err, "aggregators are single use")
}

func TestIntervalDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for in, want := range tests {
		got, err := IntervalDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "m", "0m", "5x", "-1h", "1M0"} {
		_, err := IntervalDuration(bad)
		assert.Error(t, err, bad)
	}
}
