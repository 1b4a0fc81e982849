package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tradebots/internal/types"
)

const testKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "data", "tradebots.db"), testKey, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedBot(t *testing.T, store *SQLiteStore, id string) *types.Bot {
	t.Helper()
	now := time.Now()
	bot := &types.Bot{ID: id, Symbol: "BTCUSDT", Timeframe: "15m", Active: true, Visible: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateBot(context.Background(), bot))
	return bot
}

func seedSubscription(t *testing.T, store *SQLiteStore, id, userID, botID string) *types.Subscription {
	t.Helper()
	now := time.Now()
	sub := &types.Subscription{
		ID: id, UserID: userID, BotID: botID, Amount: 100, Leverage: 3, Quantity: 0.002,
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func TestSQLiteStore_Bots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedBot(t, store, "b1")
	seedBot(t, store, "b2")

	bot, err := store.GetBot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", bot.Symbol)
	assert.Equal(t, "15m", bot.Timeframe)
	assert.True(t, bot.Active)

	bot.Active = false
	bot.Visible = false
	require.NoError(t, store.UpdateBot(ctx, bot))

	bots, err := store.ListBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 2)
	assert.Equal(t, "b1", bots[0].ID)
	assert.False(t, bots[0].Active)
	assert.False(t, bots[0].Visible)

	require.NoError(t, store.DeleteBot(ctx, "b2"))
	_, err = store.GetBot(ctx, "b2")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, store.DeleteBot(ctx, "b2"), types.ErrNotFound)
	assert.ErrorIs(t, store.UpdateBot(ctx, &types.Bot{ID: "nope"}), types.ErrNotFound)
}

func TestSQLiteStore_Subscriptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedBot(t, store, "b1")
	seedBot(t, store, "b2")
	seedSubscription(t, store, "s1", "alice", "b1")
	seedSubscription(t, store, "s2", "bob", "b1")
	seedSubscription(t, store, "s3", "alice", "b2")

	n, err := store.CountSubscriptions(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byBot, err := store.ListSubscriptionsByBot(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, byBot, 2)

	byUser, err := store.ListSubscriptionsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "s1", byUser[0].ID)
	assert.Equal(t, "s3", byUser[1].ID)

	sub, err := store.GetSubscription(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.PositionNone, sub.Position)
	assert.Equal(t, 3, sub.Leverage)
	assert.Equal(t, 0.002, sub.Quantity)

	sub.Amount = 250
	sub.Leverage = 10
	sub.Active = false
	require.NoError(t, store.UpdateSubscription(ctx, sub))

	sub, err = store.GetSubscription(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 250.0, sub.Amount)
	assert.Equal(t, 10, sub.Leverage)
	assert.False(t, sub.Active)

	require.NoError(t, store.DeleteSubscription(ctx, "s2"))
	_, err = store.GetSubscription(ctx, "s2")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, store.DeleteSubscription(ctx, "s2"), types.ErrNotFound)
}

func TestSQLiteStore_SaveSubscriptionState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedBot(t, store, "b1")
	seedSubscription(t, store, "s1", "alice", "b1")

	require.NoError(t, store.SaveSubscriptionState(ctx, types.SubscriptionState{
		SubscriptionID: "s1",
		Position:       types.PositionShort,
		OpenTrades:     4,
		RealizedProfit: -1.25,
		LastError:      "order failed",
	}))

	sub, err := store.GetSubscription(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.PositionShort, sub.Position)
	assert.Equal(t, 4, sub.OpenTrades)
	assert.Equal(t, -1.25, sub.RealizedProfit)
	assert.Equal(t, "order failed", sub.LastError)

	// User edits leave the runtime columns alone.
	sub.Amount = 300
	require.NoError(t, store.UpdateSubscription(ctx, sub))
	sub, err = store.GetSubscription(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.PositionShort, sub.Position)
}

func TestSQLiteStore_Trades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordTrade(ctx, &types.TradeRecord{
			ID:             fmt.Sprintf("t%d", i),
			UserID:         "alice",
			BotID:          "b1",
			SubscriptionID: "s1",
			Exchange:       types.ExchangeMock,
			Symbol:         "BTCUSDT",
			Side:           types.SideBuy,
			Quantity:       0.002,
			FilledPrice:    50000,
			ReduceOnly:     i%2 == 1,
			Status:         types.TradeFilled,
			ClientOrderID:  fmt.Sprintf("tb-%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.RecordTrade(ctx, &types.TradeRecord{
		ID: "other", SubscriptionID: "s2", Status: types.TradeFailed, Error: "rejected", CreatedAt: base,
	}))

	trades, err := store.ListTrades(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "t2", trades[0].ID, "newest rows, oldest first")
	assert.Equal(t, "t4", trades[2].ID)
	assert.True(t, trades[1].ReduceOnly)
	assert.Equal(t, types.ExchangeMock, trades[0].Exchange)
	assert.Equal(t, types.TradeFilled, trades[0].Status)

	failed, err := store.ListTrades(ctx, "s2", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rejected", failed[0].Error)
}

func TestSQLiteStore_Credentials(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetUserCredential(ctx, "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, store.SaveCredential(ctx, types.Credential{
		UserID: "alice", Exchange: types.ExchangeBinance, APIKey: "key-1", APISecret: "secret-1",
	}))
	cred, err := store.GetUserCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ExchangeBinance, cred.Exchange)
	assert.Equal(t, "key-1", cred.APIKey)
	assert.Equal(t, "secret-1", cred.APISecret)

	var raw string
	require.NoError(t, store.db.QueryRow(`SELECT api_key_encrypted FROM user_trading_keys WHERE user_id = ?`, "alice").Scan(&raw))
	assert.NotContains(t, raw, "key-1", "stored encrypted")

	require.NoError(t, store.SaveCredential(ctx, types.Credential{
		UserID: "alice", Exchange: types.ExchangeBybit, APIKey: "key-2", APISecret: "secret-2",
	}))
	cred, err = store.GetUserCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ExchangeBybit, cred.Exchange)
	assert.Equal(t, "key-2", cred.APIKey)
}

func TestSQLiteStore_WrongKeyCannotDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store, err := NewSQLiteStore(ctx, path, testKey, logger)
	require.NoError(t, err)
	require.NoError(t, store.SaveCredential(ctx, types.Credential{UserID: "alice", Exchange: types.ExchangeBinance, APIKey: "k", APISecret: "s"}))
	require.NoError(t, store.Close())

	other, err := NewSQLiteStore(ctx, path, "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100", logger)
	require.NoError(t, err)
	defer other.Close()

	_, err = other.GetUserCredential(ctx, "alice")
	assert.Error(t, err)
}

func TestNewSQLiteStore_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStore(context.Background(), "", testKey, zaptest.NewLogger(t))
	assert.Error(t, err)
}
