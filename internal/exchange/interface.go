package exchange

import (
	"context"

	"tradebots/internal/types"
)

// Adapter is the per-exchange capability set the engine trades through.
// One adapter serves one set of credentials.
type Adapter interface {
	// Exchange names the exchange family
	Exchange() types.ExchangeType

	// SubscribeKlines streams klines for symbol/interval until ctx is cancelled.
	// The channel is closed when the stream ends for any reason.
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan types.Kline, error)

	// GetPosition returns the open position for symbol, Size 0 when flat
	GetPosition(ctx context.Context, symbol string) (*types.Position, error)

	// PlaceMarketOrder submits a market order
	PlaceMarketOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)

	// GetBalance returns the available balance for an asset
	GetBalance(ctx context.Context, asset string) (float64, error)

	// GetTrades returns recent fills for symbol, newest last
	GetTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error)

	// GetSymbolRules returns lot size constraints for symbol
	GetSymbolRules(ctx context.Context, symbol string) (*types.SymbolRules, error)

	// GetLatestPrice returns the last traded price for symbol
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)

	// Close cleans up resources
	Close() error
}

// CredentialSource looks up a user's decrypted exchange credentials
type CredentialSource interface {
	GetUserCredential(ctx context.Context, userID string) (*types.Credential, error)
}
