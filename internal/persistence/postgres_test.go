package persistence

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tradebots/internal/types"
)

// newPostgresTestStore connects with the POSTGRES_* environment. Rows are
// namespaced by a random prefix and removed afterwards.
func newPostgresTestStore(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("POSTGRES_HOST not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, testKey, zaptest.NewLogger(t))
	require.NoError(t, err)

	prefix := "test-" + uuid.NewString()[:8] + "-"
	t.Cleanup(func() {
		like := prefix + "%"
		for _, q := range []string{
			`DELETE FROM trades WHERE id LIKE $1`,
			`DELETE FROM subscriptions WHERE id LIKE $1`,
			`DELETE FROM bots WHERE id LIKE $1`,
			`DELETE FROM user_trading_keys WHERE user_id LIKE $1`,
		} {
			_, err := store.pool.Exec(ctx, q, like)
			assert.NoError(t, err)
		}
		store.Close()
	})
	return store, prefix
}

func TestPostgresStore_BotsAndSubscriptions(t *testing.T) {
	store, p := newPostgresTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{p + "b1", p + "b2"} {
		require.NoError(t, store.CreateBot(ctx, &types.Bot{
			ID: id, Symbol: "BTCUSDT", Timeframe: "15m", Active: true, Visible: true, CreatedAt: now, UpdatedAt: now,
		}))
	}

	bot, err := store.GetBot(ctx, p+"b1")
	require.NoError(t, err)
	bot.Visible = false
	require.NoError(t, store.UpdateBot(ctx, bot))

	bots, err := store.ListBots(ctx)
	require.NoError(t, err)
	var ours []types.Bot
	for _, b := range bots {
		if strings.HasPrefix(b.ID, p) {
			ours = append(ours, b)
		}
	}
	require.Len(t, ours, 2)
	assert.False(t, ours[0].Visible)

	for i, user := range []string{p + "alice", p + "bob"} {
		require.NoError(t, store.CreateSubscription(ctx, &types.Subscription{
			ID: fmt.Sprintf("%ss%d", p, i+1), UserID: user, BotID: p + "b1", Amount: 100, Leverage: 3,
			Quantity: 0.002, Active: true, CreatedAt: now, UpdatedAt: now,
		}))
	}

	n, err := store.CountSubscriptions(ctx, p+"b1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byUser, err := store.ListSubscriptionsByUser(ctx, p+"alice")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, types.PositionNone, byUser[0].Position)

	require.NoError(t, store.SaveSubscriptionState(ctx, types.SubscriptionState{
		SubscriptionID: p + "s1", Position: types.PositionLong, OpenTrades: 2, RealizedProfit: 1.5, LastError: "x",
	}))
	sub, err := store.GetSubscription(ctx, p+"s1")
	require.NoError(t, err)
	assert.Equal(t, types.PositionLong, sub.Position)
	assert.Equal(t, 2, sub.OpenTrades)

	sub.Active = false
	require.NoError(t, store.UpdateSubscription(ctx, sub))
	sub, err = store.GetSubscription(ctx, p+"s1")
	require.NoError(t, err)
	assert.False(t, sub.Active)
	assert.Equal(t, types.PositionLong, sub.Position)

	require.NoError(t, store.DeleteSubscription(ctx, p+"s2"))
	_, err = store.GetSubscription(ctx, p+"s2")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, store.DeleteBot(ctx, p+"missing"), types.ErrNotFound)
}

func TestPostgresStore_TradesAndCredentials(t *testing.T) {
	store, p := newPostgresTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.RecordTrade(ctx, &types.TradeRecord{
			ID: fmt.Sprintf("%st%d", p, i), UserID: p + "alice", BotID: p + "b1", SubscriptionID: p + "s1",
			Exchange: types.ExchangeMock, Symbol: "BTCUSDT", Side: types.SideSell, Quantity: 0.002,
			ReduceOnly: i == 3, Status: types.TradeFilled, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	trades, err := store.ListTrades(ctx, p+"s1", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, p+"t2", trades[0].ID)
	assert.True(t, trades[1].ReduceOnly)

	_, err = store.GetUserCredential(ctx, p+"alice")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, store.SaveCredential(ctx, types.Credential{
		UserID: p + "alice", Exchange: types.ExchangeBybit, APIKey: "key-1", APISecret: "secret-1",
	}))
	require.NoError(t, store.SaveCredential(ctx, types.Credential{
		UserID: p + "alice", Exchange: types.ExchangeBinance, APIKey: "key-2", APISecret: "secret-2",
	}))
	cred, err := store.GetUserCredential(ctx, p+"alice")
	require.NoError(t, err)
	assert.Equal(t, types.ExchangeBinance, cred.Exchange)
	assert.Equal(t, "key-2", cred.APIKey)

	var raw string
	require.NoError(t, store.pool.QueryRow(ctx,
		`SELECT api_key_encrypted FROM user_trading_keys WHERE user_id = $1`, p+"alice").Scan(&raw))
	assert.NotContains(t, raw, "key-2")
}
