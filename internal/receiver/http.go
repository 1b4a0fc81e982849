// Package receiver exposes the engine over an authenticated HTTP API.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradebots/internal/engine"
	"tradebots/internal/types"
)

// Engine is what the API drives
type Engine interface {
	CreateBot(ctx context.Context, symbol, timeframe string, active, visible bool) (*types.Bot, error)
	SetBotFlags(ctx context.Context, botID string, active, visible *bool) (*types.Bot, error)
	DeleteBot(ctx context.Context, botID string) error
	ListBots(ctx context.Context, includeHidden bool) ([]types.Bot, error)
	StartBot(ctx context.Context, botID string) error
	StopBot(ctx context.Context, botID string) error

	Subscribe(ctx context.Context, userID, botID string, amount float64, leverage int) (*types.Subscription, error)
	UpdateSubscription(ctx context.Context, userID, subID string, patch engine.SubscriptionPatch) (*types.Subscription, error)
	Unsubscribe(ctx context.Context, userID, subID string) error
	ListSubscriptions(ctx context.Context, userID string) ([]types.Subscription, error)
	ListTrades(ctx context.Context, userID, subID string, limit int) ([]types.TradeRecord, error)
	StartAllForUser(ctx context.Context, userID string) error
	StopAllForUser(ctx context.Context, userID string) error

	SaveCredential(ctx context.Context, cred types.Credential) error
	AccountSummary(ctx context.Context, userID string) (*types.AccountSummary, error)
	Status() engine.Status
}

// Options configures the HTTP server
type Options struct {
	Port      int
	JWTSecret string
	RateLimit int          // requests per second per IP, 0 disables
	Metrics   http.Handler // served on /metrics when set
}

// HTTPReceiver serves the REST API
type HTTPReceiver struct {
	server  *http.Server
	router  *gin.Engine
	engine  Engine
	opts    Options
	limiter *ipLimiter
	logger  *zap.Logger
}

// NewHTTPReceiver builds the router; Start binds the port
func NewHTTPReceiver(eng Engine, opts Options, logger *zap.Logger) *HTTPReceiver {
	r := &HTTPReceiver{
		engine: eng,
		opts:   opts,
		logger: logger,
	}
	if opts.RateLimit > 0 {
		r.limiter = newIPLimiter(opts.RateLimit)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(RequestLogger(logger))
	if r.limiter != nil {
		router.Use(RateLimitMiddleware(r.limiter, logger))
	}
	r.router = router
	r.routes()
	return r
}

func (r *HTTPReceiver) routes() {
	r.router.GET("/health", r.handleHealth)
	if r.opts.Metrics != nil {
		r.router.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}

	api := r.router.Group("/api")
	api.Use(AuthMiddleware(r.opts.JWTSecret))
	{
		api.GET("/bots", r.handleListBots)

		admin := api.Group("")
		admin.Use(RequireAdmin())
		admin.POST("/bots", r.handleCreateBot)
		admin.PATCH("/bots/:id", r.handleUpdateBot)
		admin.DELETE("/bots/:id", r.handleDeleteBot)
		admin.POST("/bots/:id/start", r.handleStartBot)
		admin.POST("/bots/:id/stop", r.handleStopBot)
		admin.GET("/engine/status", r.handleEngineStatus)

		api.GET("/subscriptions", r.handleListSubscriptions)
		api.POST("/subscriptions", r.handleSubscribe)
		api.POST("/subscriptions/start-all", r.handleStartAll)
		api.POST("/subscriptions/stop-all", r.handleStopAll)
		api.PATCH("/subscriptions/:id", r.handleUpdateSubscription)
		api.DELETE("/subscriptions/:id", r.handleUnsubscribe)
		api.GET("/subscriptions/:id/trades", r.handleListTrades)

		api.PUT("/credentials", r.handleSaveCredential)
		api.GET("/account/summary", r.handleAccountSummary)
	}
}

// Handler returns the router, for tests and embedding
func (r *HTTPReceiver) Handler() http.Handler {
	return r.router
}

// Start starts the HTTP server
func (r *HTTPReceiver) Start(ctx context.Context) error {
	r.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", r.opts.Port),
		Handler:      r.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second, // a flattening stop may wait on the exchange
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	r.logger.Info("[RECEIVER] Starting HTTP server",
		zap.Int("port", r.opts.Port),
		zap.String("address", r.server.Addr),
	)

	if r.limiter != nil {
		go r.limiter.janitor(ctx, 5*time.Minute)
	}

	// Run server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait briefly to check for immediate errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}

	r.logger.Info("[RECEIVER] Shutting down HTTP server")
	return r.server.Shutdown(ctx)
}
