package tokens

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ubuygold/ocgateway/internal/apierr"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
	"github.com/ubuygold/ocgateway/internal/model"
)

// StatusQuotaExceeded is reported for active tokens that hit either limit. It is
// computed and never stored.
const StatusQuotaExceeded = "quota_exceeded"

// CreateRequest is the body of POST /api/tokens.
type CreateRequest struct {
	Platform  string          `json:"platform"`
	InstallID string          `json:"install_id"`
	Version   string          `json:"version"`
	Meta      json.RawMessage `json:"meta"`
}

type QuotaLimits struct {
	DailyLimit   int `json:"daily_limit"`
	MonthlyLimit int `json:"monthly_limit"`
}

type CreateResponse struct {
	Token        string      `json:"token"`
	ProxyBaseURL string      `json:"proxy_base_url"`
	Quota        QuotaLimits `json:"quota"`
	CreatedAt    time.Time   `json:"created_at"`
}

// QuotaSnapshot is a token's quota state at one instant.
type QuotaSnapshot struct {
	DailyLimit       int   `json:"daily_limit"`
	DailyUsed        int64 `json:"daily_used"`
	DailyRemaining   int64 `json:"daily_remaining"`
	MonthlyLimit     int   `json:"monthly_limit"`
	MonthlyUsed      int64 `json:"monthly_used"`
	MonthlyRemaining int64 `json:"monthly_remaining"`
}

type StatusResponse struct {
	Token     string        `json:"token"`
	Status    string        `json:"status"`
	Quota     QuotaSnapshot `json:"quota"`
	CreatedAt time.Time     `json:"created_at"`
}

type Handler struct {
	store      db.Service
	platforms  []string
	publicBase string
	logger     *slog.Logger
}

func NewHandler(store db.Service, platforms []string, publicBase string, log *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		platforms:  platforms,
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     log.With("component", "tokens"),
	}
}

// Create handles POST /api/tokens.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "Invalid JSON body"))
		return
	}
	if !slices.Contains(h.platforms, req.Platform) {
		apierr.Abort(c, apierr.Newf(http.StatusBadRequest, apierr.InvalidRequest,
			"Missing or invalid platform. Must be one of: %s", strings.Join(h.platforms, ", ")))
		return
	}
	if strings.TrimSpace(req.InstallID) == "" {
		apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "Missing required field: install_id"))
		return
	}

	params := db.CreateTokenParams{
		Platform:  req.Platform,
		InstallID: req.InstallID,
		Version:   req.Version,
	}
	if len(req.Meta) > 0 && string(req.Meta) != "null" {
		params.Meta = req.Meta
	}

	record, err := h.store.CreateToken(params)
	if err != nil {
		h.logger.Error("Failed to create token", "error", err)
		apierr.Abort(c, err)
		return
	}

	h.logger.Info("Token created", "token_suffix", logger.TokenSuffix(record.Token), "platform", record.Platform)
	c.JSON(http.StatusOK, CreateResponse{
		Token:        record.Token,
		ProxyBaseURL: h.publicBase + "/v1",
		Quota:        QuotaLimits{DailyLimit: record.DailyLimit, MonthlyLimit: record.MonthlyLimit},
		CreatedAt:    record.CreatedAt,
	})
}

// Status handles GET /api/tokens/:token/status.
func (h *Handler) Status(c *gin.Context) {
	record, err := h.store.FindToken(c.Param("token"))
	if err != nil {
		h.logger.Error("Failed to look up token", "error", err)
		apierr.Abort(c, err)
		return
	}
	if record == nil {
		apierr.Abort(c, apierr.New(http.StatusNotFound, apierr.TokenNotFound, "Token not found"))
		return
	}

	quota, err := Snapshot(h.store, record)
	if err != nil {
		h.logger.Error("Failed to load usage", "token_suffix", logger.TokenSuffix(record.Token), "error", err)
		apierr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Token:     record.Token,
		Status:    EffectiveStatus(record, quota),
		Quota:     quota,
		CreatedAt: record.CreatedAt,
	})
}

// Snapshot loads the token's current daily and monthly usage.
func Snapshot(store db.Service, record *model.Token) (QuotaSnapshot, error) {
	today, err := store.UsageToday(record.Token)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	month, err := store.UsageMonth(record.Token)
	if err != nil {
		return QuotaSnapshot{}, err
	}

	var dailyUsed int64
	if today != nil {
		dailyUsed = today.RequestCount
	}
	return QuotaSnapshot{
		DailyLimit:       record.DailyLimit,
		DailyUsed:        dailyUsed,
		DailyRemaining:   max(0, int64(record.DailyLimit)-dailyUsed),
		MonthlyLimit:     record.MonthlyLimit,
		MonthlyUsed:      month.RequestCount,
		MonthlyRemaining: max(0, int64(record.MonthlyLimit)-month.RequestCount),
	}, nil
}

// EffectiveStatus reports quota_exceeded for an active token at or over either limit.
func EffectiveStatus(record *model.Token, quota QuotaSnapshot) string {
	if record.Status == model.StatusActive && (quota.DailyRemaining == 0 || quota.MonthlyRemaining == 0) {
		return StatusQuotaExceeded
	}
	return record.Status
}
