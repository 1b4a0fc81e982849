package receiver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tradebots/internal/engine"
	"tradebots/internal/types"
)

type createBotRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Active    *bool  `json:"active"`
	Visible   *bool  `json:"visible"`
}

type updateBotRequest struct {
	Active  *bool `json:"active"`
	Visible *bool `json:"visible"`
}

type subscribeRequest struct {
	BotID    string  `json:"bot_id"`
	Amount   float64 `json:"amount"`
	Leverage int     `json:"leverage"`
}

type credentialRequest struct {
	Exchange  types.ExchangeType `json:"exchange"`
	APIKey    string             `json:"api_key"`
	APISecret string             `json:"api_secret"`
}

// decode reads a strict JSON body
func decode(c *gin.Context, dst any) bool {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": fmt.Sprintf("invalid JSON: %v", err),
		})
		return false
	}
	return true
}

// fail maps an engine error to a status code and error body
func (r *HTTPReceiver) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	body := gin.H{}

	var minErr *types.MinimumQuantityError
	switch {
	case errors.As(err, &minErr):
		status, code = http.StatusUnprocessableEntity, "BELOW_MINIMUM"
		body["minimum_amount"] = minErr.MinimumAmount()
	case errors.Is(err, types.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, types.ErrBotInUse):
		status, code = http.StatusConflict, "BOT_IN_USE"
	case errors.Is(err, types.ErrCredentialsInUse):
		status, code = http.StatusConflict, "CREDENTIALS_IN_USE"
	case errors.Is(err, types.ErrInsufficientFunds):
		status, code = http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	case errors.Is(err, types.ErrBotInactive):
		status, code = http.StatusUnprocessableEntity, "BOT_INACTIVE"
	case errors.Is(err, types.ErrInvalidSubscription),
		errors.Is(err, types.ErrInvalidBot),
		errors.Is(err, types.ErrInvalidCredentials):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, types.ErrAdapterUnavailable):
		status, code = http.StatusServiceUnavailable, "EXCHANGE_UNAVAILABLE"
	case errors.Is(err, types.ErrOrderFailed):
		status, code = http.StatusBadGateway, "ORDER_FAILED"
	}

	if status >= http.StatusInternalServerError {
		r.logger.Error("[RECEIVER] Request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", CurrentUserID(c)),
			zap.Error(err),
		)
	}

	body["code"] = code
	body["error"] = err.Error()
	c.JSON(status, body)
}

// handleHealth handles health check requests
func (r *HTTPReceiver) handleHealth(c *gin.Context) {
	st := r.engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"time":          time.Now().Format(time.RFC3339),
		"subscriptions": len(st.Subscriptions),
		"feeds":         len(st.Feeds),
	})
}

func (r *HTTPReceiver) handleListBots(c *gin.Context) {
	bots, err := r.engine.ListBots(c.Request.Context(), isAdmin(c))
	if err != nil {
		r.fail(c, err)
		return
	}
	if bots == nil {
		bots = []types.Bot{}
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

func (r *HTTPReceiver) handleCreateBot(c *gin.Context) {
	var req createBotRequest
	if !decode(c, &req) {
		return
	}
	active, visible := true, true
	if req.Active != nil {
		active = *req.Active
	}
	if req.Visible != nil {
		visible = *req.Visible
	}

	bot, err := r.engine.CreateBot(c.Request.Context(), req.Symbol, req.Timeframe, active, visible)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (r *HTTPReceiver) handleUpdateBot(c *gin.Context) {
	var req updateBotRequest
	if !decode(c, &req) {
		return
	}
	bot, err := r.engine.SetBotFlags(c.Request.Context(), c.Param("id"), req.Active, req.Visible)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (r *HTTPReceiver) handleDeleteBot(c *gin.Context) {
	if err := r.engine.DeleteBot(c.Request.Context(), c.Param("id")); err != nil {
		r.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *HTTPReceiver) handleStartBot(c *gin.Context) {
	if err := r.engine.StartBot(c.Request.Context(), c.Param("id")); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (r *HTTPReceiver) handleStopBot(c *gin.Context) {
	if err := r.engine.StopBot(c.Request.Context(), c.Param("id")); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (r *HTTPReceiver) handleEngineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.engine.Status())
}

func (r *HTTPReceiver) handleListSubscriptions(c *gin.Context) {
	subs, err := r.engine.ListSubscriptions(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		r.fail(c, err)
		return
	}
	if subs == nil {
		subs = []types.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (r *HTTPReceiver) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if !decode(c, &req) {
		return
	}
	sub, err := r.engine.Subscribe(c.Request.Context(), CurrentUserID(c), req.BotID, req.Amount, req.Leverage)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (r *HTTPReceiver) handleUpdateSubscription(c *gin.Context) {
	var patch engine.SubscriptionPatch
	if !decode(c, &patch) {
		return
	}
	sub, err := r.engine.UpdateSubscription(c.Request.Context(), CurrentUserID(c), c.Param("id"), patch)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (r *HTTPReceiver) handleUnsubscribe(c *gin.Context) {
	if err := r.engine.Unsubscribe(c.Request.Context(), CurrentUserID(c), c.Param("id")); err != nil {
		r.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *HTTPReceiver) handleListTrades(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	trades, err := r.engine.ListTrades(c.Request.Context(), CurrentUserID(c), c.Param("id"), limit)
	if err != nil {
		r.fail(c, err)
		return
	}
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *HTTPReceiver) handleStartAll(c *gin.Context) {
	if err := r.engine.StartAllForUser(c.Request.Context(), CurrentUserID(c)); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (r *HTTPReceiver) handleStopAll(c *gin.Context) {
	if err := r.engine.StopAllForUser(c.Request.Context(), CurrentUserID(c)); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (r *HTTPReceiver) handleSaveCredential(c *gin.Context) {
	var req credentialRequest
	if !decode(c, &req) {
		return
	}
	cred := types.Credential{
		UserID:    CurrentUserID(c),
		Exchange:  req.Exchange,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
	}
	if err := r.engine.SaveCredential(c.Request.Context(), cred); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "exchange": cred.Exchange})
}

func (r *HTTPReceiver) handleAccountSummary(c *gin.Context) {
	summary, err := r.engine.AccountSummary(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
