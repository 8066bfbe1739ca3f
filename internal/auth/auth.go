package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ubuygold/ocgateway/internal/apierr"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
	"github.com/ubuygold/ocgateway/internal/model"
	"github.com/ubuygold/ocgateway/internal/ratelimit"
)

const tokenContextKey = "tokenRecord"

var (
	errMissingToken  = apierr.New(http.StatusUnauthorized, apierr.Unauthorized, "Missing token")
	errInvalidToken  = apierr.New(http.StatusUnauthorized, apierr.Unauthorized, "Invalid token")
	errTokenDisabled = apierr.New(http.StatusForbidden, apierr.TokenDisabled, "Token has been disabled")
	errDailyQuota    = &apierr.Error{
		Status:  http.StatusTooManyRequests,
		Code:    apierr.QuotaExceeded,
		Message: "Daily quota exceeded. Resets at 00:00 UTC.",
		Type:    "insufficient_quota",
	}
	errMonthlyQuota = &apierr.Error{
		Status:  http.StatusTooManyRequests,
		Code:    apierr.QuotaExceeded,
		Message: "Monthly quota exceeded. Resets on the 1st at 00:00 UTC.",
		Type:    "insufficient_quota",
	}
)

// Gate makes the admit/deny decision for a token before any upstream work happens.
//
// The quota check reads usage that is incremented only after the relay finishes, so
// concurrent requests for one token can each pass the check and overrun the quota by
// a small bounded margin. The increment itself is an atomic upsert.
type Gate struct {
	store   db.Service
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewGate wires the token store and rate limiter together.
func NewGate(store db.Service, limiter *ratelimit.Limiter, log *slog.Logger) *Gate {
	return &Gate{
		store:   store,
		limiter: limiter,
		logger:  log.With("component", "gate"),
	}
}

// ExtractToken returns the caller's token. An "Authorization: Bearer" header wins
// over the "token" query parameter.
func ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(c.Query("token"))
}

// Identify checks existence then status.
func (g *Gate) Identify(token string) (*model.Token, error) {
	if token == "" {
		return nil, errMissingToken
	}
	record, err := g.store.FindToken(token)
	if err != nil {
		return nil, fmt.Errorf("look up token: %w", err)
	}
	if record == nil {
		return nil, errInvalidToken
	}
	if record.Disabled() {
		return nil, errTokenDisabled
	}
	return record, nil
}

// Admit runs the full check in order: existence, status, rate, daily quota, monthly quota.
// Only an admitted token is touched.
func (g *Gate) Admit(token string) (*model.Token, error) {
	record, err := g.Identify(token)
	if err != nil {
		return nil, err
	}

	if ok, retryAfter := g.limiter.Allow(token); !ok {
		g.logger.Info("Rate limit exceeded", "token_suffix", logger.TokenSuffix(token), "retry_after", retryAfter)
		return nil, &apierr.Error{
			Status:     http.StatusTooManyRequests,
			Code:       apierr.RateLimited,
			Message:    fmt.Sprintf("Rate limit exceeded: %d requests per minute", g.limiter.Limit()),
			Type:       "rate_limit_exceeded",
			RetryAfter: retryAfter,
		}
	}

	today, err := g.store.UsageToday(token)
	if err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	var dailyUsed int64
	if today != nil {
		dailyUsed = today.RequestCount
	}
	if dailyUsed >= int64(record.DailyLimit) {
		return nil, errDailyQuota
	}

	month, err := g.store.UsageMonth(token)
	if err != nil {
		return nil, fmt.Errorf("load monthly usage: %w", err)
	}
	if month.RequestCount >= int64(record.MonthlyLimit) {
		return nil, errMonthlyQuota
	}

	if err := g.store.TouchToken(token); err != nil {
		g.logger.Warn("Failed to touch token", "token_suffix", logger.TokenSuffix(token), "error", err)
	}
	return record, nil
}

// Forget drops any in-memory state held for the token.
func (g *Gate) Forget(token string) {
	g.limiter.Forget(token)
}

// AuthMiddleware admits the request through the full gate and stores the token record
// in the gin context.
func (g *Gate) AuthMiddleware() gin.HandlerFunc {
	return g.middleware(g.Admit)
}

// IdentityMiddleware only checks existence and status. Tunnel bookkeeping uses it
// so that publishing an address does not spend request quota.
func (g *Gate) IdentityMiddleware() gin.HandlerFunc {
	return g.middleware(g.Identify)
}

func (g *Gate) middleware(check func(string) (*model.Token, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := check(ExtractToken(c))
		if err != nil {
			if !isAPIError(err) {
				g.logger.Error("Token check failed", "error", err, "path", c.Request.URL.Path)
			}
			apierr.Abort(c, err)
			return
		}
		c.Set(tokenContextKey, record)
		c.Next()
	}
}

func isAPIError(err error) bool {
	return apierr.From(err).Code != apierr.ServiceUnavailable
}

// CurrentToken returns the token record stored by the middleware, or nil.
func CurrentToken(c *gin.Context) *model.Token {
	v, ok := c.Get(tokenContextKey)
	if !ok {
		return nil
	}
	record, _ := v.(*model.Token)
	return record
}

// AdminAuthMiddleware guards admin routes with the X-Admin-Secret header.
// With no secret configured every request is rejected.
func AdminAuthMiddleware(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secretMatches(adminSecret, c.GetHeader("X-Admin-Secret")) {
			apierr.Abort(c, apierr.New(http.StatusUnauthorized, apierr.Unauthorized, "Invalid admin secret"))
			return
		}
		c.Next()
	}
}

// BuildSecretMiddleware guards token allocation with the X-Build-Secret header.
// With no secret configured allocation is open.
func BuildSecretMiddleware(buildSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if buildSecret != "" && !secretMatches(buildSecret, c.GetHeader("X-Build-Secret")) {
			apierr.Abort(c, apierr.New(http.StatusUnauthorized, apierr.Unauthorized, "Token allocation requires build secret"))
			return
		}
		c.Next()
	}
}

func secretMatches(expected, provided string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
