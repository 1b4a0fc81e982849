package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tradebots/internal/types"
)

// Factory builds an adapter from decrypted credentials
type Factory func(cred *types.Credential) (Adapter, error)

// NewFactory returns the production factory, building the adapter the
// credentials name.
func NewFactory(logger *zap.Logger) Factory {
	return func(cred *types.Credential) (Adapter, error) {
		switch cred.Exchange {
		case types.ExchangeBinance:
			return NewBinanceFutures(cred.APIKey, cred.APISecret, logger), nil
		case types.ExchangeBybit:
			return NewBybit(cred.APIKey, cred.APISecret, "", "", logger), nil
		case types.ExchangeMock:
			return NewMock(logger), nil
		}
		return nil, fmt.Errorf("unsupported exchange %q", cred.Exchange)
	}
}

// NewMockFactory gives every user a private paper account priced from
// prices, whatever exchange their credentials name.
func NewMockFactory(logger *zap.Logger, prices PriceSource) Factory {
	return func(cred *types.Credential) (Adapter, error) {
		return NewMock(logger.With(zap.String("user_id", cred.UserID)), WithPriceSource(prices)), nil
	}
}

// MockCredentials falls back to paper credentials for users with none stored
type MockCredentials struct {
	Source CredentialSource
}

// GetUserCredential implements CredentialSource
func (c MockCredentials) GetUserCredential(ctx context.Context, userID string) (*types.Credential, error) {
	if c.Source != nil {
		cred, err := c.Source.GetUserCredential(ctx, userID)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}
	return &types.Credential{UserID: userID, Exchange: types.ExchangeMock, APIKey: "paper", APISecret: "paper"}, nil
}

// Registry hands out one adapter per user, built on first use
type Registry struct {
	creds   CredentialSource
	factory Factory
	logger  *zap.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter // userID -> adapter
}

// NewRegistry creates an empty registry
func NewRegistry(creds CredentialSource, factory Factory, logger *zap.Logger) *Registry {
	return &Registry{
		creds:    creds,
		factory:  factory,
		logger:   logger,
		adapters: make(map[string]Adapter),
	}
}

// ForUser returns the user's adapter, creating it from stored credentials.
// Missing or unusable credentials yield ErrAdapterUnavailable.
func (r *Registry) ForUser(ctx context.Context, userID string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[userID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	cred, err := r.creds.GetUserCredential(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials for user %s: %v", types.ErrAdapterUnavailable, userID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have built it meanwhile.
	if a, ok := r.adapters[userID]; ok {
		return a, nil
	}

	a, err = r.factory(cred)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAdapterUnavailable, err)
	}
	r.adapters[userID] = a

	r.logger.Info("[REGISTRY] Created adapter for user",
		zap.String("user_id", userID),
		zap.String("exchange", string(a.Exchange())),
	)
	return a, nil
}

// Invalidate drops the cached adapter so the next ForUser rebuilds it
func (r *Registry) Invalidate(userID string) {
	r.mu.Lock()
	a, ok := r.adapters[userID]
	delete(r.adapters, userID)
	r.mu.Unlock()

	if ok && !r.isShared(a) {
		if err := a.Close(); err != nil {
			r.logger.Warn("[REGISTRY] Failed to close adapter", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// isShared reports whether a is also cached for another user
func (r *Registry) isShared(a Adapter) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, other := range r.adapters {
		if other == a {
			return true
		}
	}
	return false
}

// Close closes every cached adapter once
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := make(map[Adapter]bool)
	for userID, a := range r.adapters {
		if closed[a] {
			continue
		}
		closed[a] = true
		if err := a.Close(); err != nil {
			r.logger.Warn("[REGISTRY] Failed to close adapter", zap.String("user_id", userID), zap.Error(err))
		}
	}
	r.adapters = make(map[string]Adapter)
	return nil
}
