package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tradebots/internal/types"
)

func TestMock_OpenAndClose(t *testing.T) {
	ctx := context.Background()
	m := NewMock(zaptest.NewLogger(t), WithMockPrice("BTCUSDT", 50000))

	_, err := m.PlaceMarketOrder(ctx, types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: 0.002, Leverage: 3})
	require.NoError(t, err)

	pos, err := m.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.PositionLong, pos.State())
	assert.Equal(t, 0.002, pos.Size)

	m.SetPrice("BTCUSDT", 51000)
	_, err = m.PlaceMarketOrder(ctx, types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideSell, Quantity: 0.002, ReduceOnly: true})
	require.NoError(t, err)

	pos, err = m.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.IsFlat())

	trades, err := m.GetTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 2.0, trades[1].RealizedPnL, 1e-9)

	bal, err := m.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 10002.0, bal, 1e-9)
}

func TestMock_ReduceOnlyNeverOpens(t *testing.T) {
	m := NewMock(zaptest.NewLogger(t), WithMockPrice("BTCUSDT", 50000))
	_, err := m.PlaceMarketOrder(context.Background(), types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideSell, Quantity: 1, ReduceOnly: true})
	assert.Error(t, err)
	assert.Zero(t, m.NetPosition("BTCUSDT"))
}

func TestMock_CloseLag(t *testing.T) {
	ctx := context.Background()
	m := NewMock(zaptest.NewLogger(t),
		WithMockPrice("ETHUSDT", 3000),
		WithMockPosition("ETHUSDT", types.SideSell, 1),
		WithCloseLag(2),
	)

	_, err := m.PlaceMarketOrder(ctx, types.OrderRequest{Symbol: "ETHUSDT", Side: types.SideBuy, Quantity: 1, ReduceOnly: true})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		pos, err := m.GetPosition(ctx, "ETHUSDT")
		require.NoError(t, err)
		assert.Equal(t, types.PositionShort, pos.State(), "poll %d still shows the old position", i)
	}
	pos, err := m.GetPosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, pos.IsFlat())
}

func TestMock_Failure(t *testing.T) {
	m := NewMock(zaptest.NewLogger(t), WithMockPrice("BTCUSDT", 1), WithFailure("rejected"))
	_, err := m.PlaceMarketOrder(context.Background(), types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: 1})
	assert.EqualError(t, err, "rejected")
	assert.Empty(t, m.GetOrders())
}

func TestMock_KlineStream(t *testing.T) {
	m := NewMock(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.SubscribeKlines(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	other, err := m.SubscribeKlines(ctx, "BTCUSDT", "5m")
	require.NoError(t, err)

	m.InjectKline(types.Kline{Symbol: "BTCUSDT", Interval: "1m", StartTime: 60_000, Close: 10, Closed: true})

	select {
	case k := <-ch:
		assert.Equal(t, int64(60_000), k.StartTime)
	case <-time.After(time.Second):
		t.Fatal("kline not delivered")
	}
	assert.Empty(t, other)

	price, err := m.GetLatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 10.0, price)

	cancel()
	assert.Eventually(t, func() bool { return m.StreamCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestMock_SyntheticTicker(t *testing.T) {
	m := NewMock(zaptest.NewLogger(t), WithMockPrice("BTCUSDT", 100), WithTickerSpeed(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.SubscribeKlines(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)

	k1 := <-ch
	k2 := <-ch
	assert.True(t, k1.Closed)
	assert.Equal(t, int64(60_000), k2.StartTime-k1.StartTime)
	assert.Equal(t, k1.Close, k2.Open)
}
