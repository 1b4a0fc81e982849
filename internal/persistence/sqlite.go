package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"tradebots/internal/crypto"
	"tradebots/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bots (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	visible     INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	bot_id          TEXT NOT NULL REFERENCES bots(id),
	amount          REAL NOT NULL,
	leverage        INTEGER NOT NULL,
	quantity        REAL NOT NULL DEFAULT 0,
	active          INTEGER NOT NULL DEFAULT 1,
	position        TEXT NOT NULL DEFAULT 'NONE',
	open_trades     INTEGER NOT NULL DEFAULT 0,
	realized_profit REAL NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_bot ON subscriptions(bot_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);

CREATE TABLE IF NOT EXISTS user_trading_keys (
	user_id              TEXT PRIMARY KEY,
	exchange             TEXT NOT NULL,
	api_key_encrypted    TEXT NOT NULL,
	api_secret_encrypted TEXT NOT NULL,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	bot_id            TEXT NOT NULL,
	subscription_id   TEXT NOT NULL,
	exchange          TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	quantity          REAL NOT NULL,
	filled_price      REAL NOT NULL DEFAULT 0,
	reduce_only       INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	client_order_id   TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_subscription ON trades(subscription_id, created_at);
`

// SQLiteStore persists engine state in an embedded SQLite file
type SQLiteStore struct {
	db            *sql.DB
	logger        *zap.Logger
	encryptionKey string
}

// NewSQLiteStore opens (and creates if needed) the database at path and applies the schema
func NewSQLiteStore(ctx context.Context, path, encryptionKey string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	logger.Info("[SQLITE] Database ready", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger, encryptionKey: encryptionKey}, nil
}

// Close releases the underlying DB handle
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

const botColumns = `id, symbol, timeframe, active, visible, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBot(row rowScanner) (*types.Bot, error) {
	var b types.Bot
	var created, updated int64
	if err := row.Scan(&b.ID, &b.Symbol, &b.Timeframe, &b.Active, &b.Visible, &created, &updated); err != nil {
		return nil, err
	}
	b.CreatedAt = time.UnixMilli(created)
	b.UpdatedAt = time.UnixMilli(updated)
	return &b, nil
}

// CreateBot inserts a bot
func (s *SQLiteStore) CreateBot(ctx context.Context, b *types.Bot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (`+botColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Symbol, b.Timeframe, b.Active, b.Visible, toMillis(b.CreatedAt), toMillis(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

// GetBot loads a bot by ID
func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*types.Bot, error) {
	b, err := scanSQLiteBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bot: %w", err)
	}
	return b, nil
}

// ListBots returns every bot, oldest first
func (s *SQLiteStore) ListBots(ctx context.Context) ([]types.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var bots []types.Bot
	for rows.Next() {
		b, err := scanSQLiteBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot row: %w", err)
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

// UpdateBot writes the bot's mutable flags
func (s *SQLiteStore) UpdateBot(ctx context.Context, b *types.Bot) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET active = ?, visible = ?, updated_at = ? WHERE id = ?`,
		b.Active, b.Visible, time.Now().UnixMilli(), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	return expectOne(res, "bot", b.ID)
}

// DeleteBot removes a bot
func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	return expectOne(res, "bot", id)
}

// CountSubscriptions counts subscriptions referencing botID
func (s *SQLiteStore) CountSubscriptions(ctx context.Context, botID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE bot_id = ?`, botID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return n, nil
}

const subscriptionColumns = `id, user_id, bot_id, amount, leverage, quantity, active, position,
	open_trades, realized_profit, last_error, created_at, updated_at`

func scanSQLiteSubscription(row rowScanner) (*types.Subscription, error) {
	var sub types.Subscription
	var position string
	var created, updated int64
	err := row.Scan(&sub.ID, &sub.UserID, &sub.BotID, &sub.Amount, &sub.Leverage, &sub.Quantity, &sub.Active,
		&position, &sub.OpenTrades, &sub.RealizedProfit, &sub.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	sub.Position = types.PositionState(position)
	sub.CreatedAt = time.UnixMilli(created)
	sub.UpdatedAt = time.UnixMilli(updated)
	return &sub, nil
}

func (s *SQLiteStore) querySubscriptions(ctx context.Context, where string, arg any) ([]types.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` ORDER BY created_at, rowid`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// CreateSubscription inserts a subscription
func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.Position == "" {
		sub.Position = types.PositionNone
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.BotID, sub.Amount, sub.Leverage, sub.Quantity, sub.Active, string(sub.Position),
		sub.OpenTrades, sub.RealizedProfit, sub.LastError, toMillis(sub.CreatedAt), toMillis(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription by ID
func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	sub, err := scanSQLiteSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsByBot returns the bot's subscriptions
func (s *SQLiteStore) ListSubscriptionsByBot(ctx context.Context, botID string) ([]types.Subscription, error) {
	return s.querySubscriptions(ctx, "bot_id = ?", botID)
}

// ListSubscriptionsByUser returns the user's subscriptions
func (s *SQLiteStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]types.Subscription, error) {
	return s.querySubscriptions(ctx, "user_id = ?", userID)
}

// UpdateSubscription writes the user-editable fields
func (s *SQLiteStore) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET amount = ?, leverage = ?, quantity = ?, active = ?, updated_at = ? WHERE id = ?`,
		sub.Amount, sub.Leverage, sub.Quantity, sub.Active, time.Now().UnixMilli(), sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return expectOne(res, "subscription", sub.ID)
}

// DeleteSubscription removes a subscription
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return expectOne(res, "subscription", id)
}

// SaveSubscriptionState writes the runtime view shown in the UI
func (s *SQLiteStore) SaveSubscriptionState(ctx context.Context, st types.SubscriptionState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET position = ?, open_trades = ?, realized_profit = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(st.Position), st.OpenTrades, st.RealizedProfit, st.LastError, time.Now().UnixMilli(), st.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to save subscription state: %w", err)
	}
	return nil
}

// RecordTrade inserts a trade audit row
func (s *SQLiteStore) RecordTrade(ctx context.Context, t *types.TradeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, user_id, bot_id, subscription_id, exchange, symbol, side, quantity, filled_price,
			reduce_only, status, exchange_order_id, client_order_id, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.BotID, t.SubscriptionID, string(t.Exchange), t.Symbol, string(t.Side), t.Quantity,
		t.FilledPrice, t.ReduceOnly, string(t.Status), t.ExchangeOrderID, t.ClientOrderID, t.Error, toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}

	s.logger.Debug("[SQLITE] Trade recorded",
		zap.String("trade_id", t.ID),
		zap.String("subscription_id", t.SubscriptionID),
		zap.String("side", string(t.Side)),
	)
	return nil
}

// ListTrades returns the newest limit trade rows for a subscription, oldest first
func (s *SQLiteStore) ListTrades(ctx context.Context, subscriptionID string, limit int) ([]types.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, bot_id, subscription_id, exchange, symbol, side, quantity, filled_price,
			reduce_only, status, exchange_order_id, client_order_id, error, created_at
		 FROM (SELECT rowid AS seq, * FROM trades WHERE subscription_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?)
		 ORDER BY created_at, seq`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var exchange, side, status string
		var created int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.BotID, &t.SubscriptionID, &exchange, &t.Symbol, &side, &t.Quantity,
			&t.FilledPrice, &t.ReduceOnly, &status, &t.ExchangeOrderID, &t.ClientOrderID, &t.Error, &created); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Exchange = types.ExchangeType(exchange)
		t.Side = types.Side(side)
		t.Status = types.TradeStatus(status)
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveCredential encrypts and upserts the user's exchange keys
func (s *SQLiteStore) SaveCredential(ctx context.Context, cred types.Credential) error {
	keyEnc, secretEnc, err := sealCredential(cred, s.encryptionKey)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_trading_keys (user_id, exchange, api_key_encrypted, api_secret_encrypted, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET exchange = excluded.exchange,
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			updated_at = excluded.updated_at`,
		cred.UserID, string(cred.Exchange), keyEnc, secretEnc, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetUserCredential loads and decrypts the user's exchange keys
func (s *SQLiteStore) GetUserCredential(ctx context.Context, userID string) (*types.Credential, error) {
	var exchange, keyEnc, secretEnc string
	err := s.db.QueryRowContext(ctx,
		`SELECT exchange, api_key_encrypted, api_secret_encrypted FROM user_trading_keys WHERE user_id = ?`, userID).
		Scan(&exchange, &keyEnc, &secretEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no trading keys found for user %s: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user credentials: %w", err)
	}
	return openCredential(userID, exchange, keyEnc, secretEnc, s.encryptionKey)
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, types.ErrNotFound)
	}
	return nil
}

func sealCredential(cred types.Credential, key string) (string, string, error) {
	keyEnc, err := crypto.EncryptToken(cred.APIKey, key)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt API key: %w", err)
	}
	secretEnc, err := crypto.EncryptToken(cred.APISecret, key)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt API secret: %w", err)
	}
	return keyEnc, secretEnc, nil
}

func openCredential(userID, exchange, keyEnc, secretEnc, key string) (*types.Credential, error) {
	apiKey, err := crypto.DecryptToken(keyEnc, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt API key: %w", err)
	}
	apiSecret, err := crypto.DecryptToken(secretEnc, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt API secret: %w", err)
	}
	return &types.Credential{
		UserID:    userID,
		Exchange:  types.ExchangeType(exchange),
		APIKey:    apiKey,
		APISecret: apiSecret,
	}, nil
}
