package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tradebots/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bots (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT true,
	visible     BOOLEAN NOT NULL DEFAULT true,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	bot_id          TEXT NOT NULL REFERENCES bots(id),
	amount          DOUBLE PRECISION NOT NULL,
	leverage        INTEGER NOT NULL,
	quantity        DOUBLE PRECISION NOT NULL DEFAULT 0,
	active          BOOLEAN NOT NULL DEFAULT true,
	position        TEXT NOT NULL DEFAULT 'NONE',
	open_trades     INTEGER NOT NULL DEFAULT 0,
	realized_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_bot ON subscriptions(bot_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);

CREATE TABLE IF NOT EXISTS user_trading_keys (
	user_id              TEXT PRIMARY KEY,
	exchange             TEXT NOT NULL,
	api_key_encrypted    TEXT NOT NULL,
	api_secret_encrypted TEXT NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS trades (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	bot_id            TEXT NOT NULL,
	subscription_id   TEXT NOT NULL,
	exchange          TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	quantity          DOUBLE PRECISION NOT NULL,
	filled_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
	reduce_only       BOOLEAN NOT NULL DEFAULT false,
	status            TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	client_order_id   TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_trades_subscription ON trades(subscription_id, created_at);
`

// PostgresStore persists engine state to PostgreSQL
type PostgresStore struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	encryptionKey string
}

// NewPostgresStore connects using POSTGRES_* environment variables and applies the schema
func NewPostgresStore(ctx context.Context, encryptionKey string, logger *zap.Logger) (*PostgresStore, error) {
	// Build connection string
	connStr := buildConnectionString()
	logger.Info("[POSTGRES] Connecting to database", zap.String("host", os.Getenv("POSTGRES_HOST")))

	// Create connection pool
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("[POSTGRES] Connected to database")

	return &PostgresStore{
		pool:          pool,
		logger:        logger,
		encryptionKey: encryptionKey,
	}, nil
}

// buildConnectionString creates a PostgreSQL connection string from environment variables
func buildConnectionString() string {
	host := getEnvOrDefault("POSTGRES_HOST", "localhost")
	port := getEnvOrDefault("POSTGRES_PORT", "5432")
	user := getEnvOrDefault("POSTGRES_USER", "tradebots")
	dbname := getEnvOrDefault("POSTGRES_DB", "tradebots")
	sslmode := getEnvOrDefault("POSTGRES_SSLMODE", "disable")

	// Try to read password from Docker secret first
	password := ""
	if data, err := os.ReadFile("/run/secrets/postgres_password"); err == nil {
		password = strings.TrimSpace(string(data))
	} else {
		password = os.Getenv("POSTGRES_PASSWORD")
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close closes the database connection pool
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("[POSTGRES] Connection closed")
	}
	return nil
}

func scanPostgresBot(row pgx.Row) (*types.Bot, error) {
	var b types.Bot
	if err := row.Scan(&b.ID, &b.Symbol, &b.Timeframe, &b.Active, &b.Visible, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBot inserts a bot
func (p *PostgresStore) CreateBot(ctx context.Context, b *types.Bot) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bots (`+botColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.Symbol, b.Timeframe, b.Active, b.Visible, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

// GetBot loads a single bot by ID
func (p *PostgresStore) GetBot(ctx context.Context, id string) (*types.Bot, error) {
	b, err := scanPostgresBot(p.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bot %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bot: %w", err)
	}
	return b, nil
}

// ListBots returns every bot, oldest first
func (p *PostgresStore) ListBots(ctx context.Context) ([]types.Bot, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var bots []types.Bot
	for rows.Next() {
		b, err := scanPostgresBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot row: %w", err)
		}
		bots = append(bots, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bot rows: %w", err)
	}
	return bots, nil
}

// UpdateBot writes the bot's mutable flags
func (p *PostgresStore) UpdateBot(ctx context.Context, b *types.Bot) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE bots SET active = $1, visible = $2, updated_at = NOW() WHERE id = $3`,
		b.Active, b.Visible, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	return expectOneTag(tag, "bot", b.ID)
}

// DeleteBot removes a bot
func (p *PostgresStore) DeleteBot(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	return expectOneTag(tag, "bot", id)
}

// CountSubscriptions counts subscriptions referencing botID
func (p *PostgresStore) CountSubscriptions(ctx context.Context, botID string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions WHERE bot_id = $1`, botID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return n, nil
}

func scanPostgresSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	var position string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.BotID, &sub.Amount, &sub.Leverage, &sub.Quantity, &sub.Active,
		&position, &sub.OpenTrades, &sub.RealizedProfit, &sub.LastError, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Position = types.PositionState(position)
	return &sub, nil
}

func (p *PostgresStore) querySubscriptions(ctx context.Context, where string, arg any) ([]types.Subscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		sub, err := scanPostgresSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// CreateSubscription inserts a subscription
func (p *PostgresStore) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.Position == "" {
		sub.Position = types.PositionNone
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID, sub.UserID, sub.BotID, sub.Amount, sub.Leverage, sub.Quantity, sub.Active, string(sub.Position),
		sub.OpenTrades, sub.RealizedProfit, sub.LastError, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription by ID
func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	sub, err := scanPostgresSubscription(p.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsByBot returns the bot's subscriptions
func (p *PostgresStore) ListSubscriptionsByBot(ctx context.Context, botID string) ([]types.Subscription, error) {
	return p.querySubscriptions(ctx, "bot_id = $1", botID)
}

// ListSubscriptionsByUser returns the user's subscriptions
func (p *PostgresStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]types.Subscription, error) {
	return p.querySubscriptions(ctx, "user_id = $1", userID)
}

// UpdateSubscription writes the user-editable fields
func (p *PostgresStore) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE subscriptions SET amount = $1, leverage = $2, quantity = $3, active = $4, updated_at = NOW() WHERE id = $5`,
		sub.Amount, sub.Leverage, sub.Quantity, sub.Active, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return expectOneTag(tag, "subscription", sub.ID)
}

// DeleteSubscription removes a subscription
func (p *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return expectOneTag(tag, "subscription", id)
}

// SaveSubscriptionState writes the runtime view shown in the UI
func (p *PostgresStore) SaveSubscriptionState(ctx context.Context, st types.SubscriptionState) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE subscriptions
		 SET position = $1, open_trades = $2, realized_profit = $3, last_error = $4, updated_at = NOW()
		 WHERE id = $5`,
		string(st.Position), st.OpenTrades, st.RealizedProfit, st.LastError, st.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to save subscription state: %w", err)
	}

	p.logger.Debug("[POSTGRES] Subscription state saved", zap.String("subscription_id", st.SubscriptionID))
	return nil
}

// RecordTrade inserts a new trade into the trades table
func (p *PostgresStore) RecordTrade(ctx context.Context, t *types.TradeRecord) error {
	query := `
		INSERT INTO trades (
			id, user_id, bot_id, subscription_id, exchange, symbol, side, quantity, filled_price,
			reduce_only, status, exchange_order_id, client_order_id, error, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	_, err := p.pool.Exec(ctx, query,
		t.ID, t.UserID, t.BotID, t.SubscriptionID, string(t.Exchange), t.Symbol, string(t.Side), t.Quantity,
		t.FilledPrice, t.ReduceOnly, string(t.Status), t.ExchangeOrderID, t.ClientOrderID, t.Error, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}

	p.logger.Info("[POSTGRES] Trade recorded",
		zap.String("trade_id", t.ID),
		zap.String("bot_id", t.BotID),
		zap.String("symbol", t.Symbol),
		zap.String("side", string(t.Side)),
		zap.Float64("quantity", t.Quantity),
		zap.Float64("price", t.FilledPrice),
	)
	return nil
}

// ListTrades returns the newest limit trade rows for a subscription, oldest first
func (p *PostgresStore) ListTrades(ctx context.Context, subscriptionID string, limit int) ([]types.TradeRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, bot_id, subscription_id, exchange, symbol, side, quantity, filled_price,
			reduce_only, status, exchange_order_id, client_order_id, error, created_at
		FROM (
			SELECT * FROM trades WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var exchange, side, status string
		if err := rows.Scan(&t.ID, &t.UserID, &t.BotID, &t.SubscriptionID, &exchange, &t.Symbol, &side, &t.Quantity,
			&t.FilledPrice, &t.ReduceOnly, &status, &t.ExchangeOrderID, &t.ClientOrderID, &t.Error, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Exchange = types.ExchangeType(exchange)
		t.Side = types.Side(side)
		t.Status = types.TradeStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveCredential encrypts and upserts the user's exchange keys
func (p *PostgresStore) SaveCredential(ctx context.Context, cred types.Credential) error {
	keyEnc, secretEnc, err := sealCredential(cred, p.encryptionKey)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO user_trading_keys (user_id, exchange, api_key_encrypted, api_secret_encrypted, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET exchange = EXCLUDED.exchange,
			api_key_encrypted = EXCLUDED.api_key_encrypted,
			api_secret_encrypted = EXCLUDED.api_secret_encrypted,
			updated_at = NOW()`,
		cred.UserID, string(cred.Exchange), keyEnc, secretEnc)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetUserCredential retrieves and decrypts the user's exchange API credentials
func (p *PostgresStore) GetUserCredential(ctx context.Context, userID string) (*types.Credential, error) {
	query := `
		SELECT exchange, api_key_encrypted, api_secret_encrypted
		FROM user_trading_keys
		WHERE user_id = $1
	`

	var exchange, apiKeyEnc, apiSecretEnc string
	err := p.pool.QueryRow(ctx, query, userID).Scan(&exchange, &apiKeyEnc, &apiSecretEnc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no trading keys found for user %s: %w", userID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user credentials: %w", err)
	}

	return openCredential(userID, exchange, apiKeyEnc, apiSecretEnc, p.encryptionKey)
}

func expectOneTag(tag pgconn.CommandTag, what, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, types.ErrNotFound)
	}
	return nil
}
