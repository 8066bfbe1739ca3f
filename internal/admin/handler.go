package admin

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ubuygold/ocgateway/internal/apierr"
	"github.com/ubuygold/ocgateway/internal/auth"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
	"github.com/ubuygold/ocgateway/internal/model"
	"github.com/ubuygold/ocgateway/internal/tokens"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 200
)

// TokenView is a token as the admin surface shows it, with decoded meta and usage.
type TokenView struct {
	model.Token
	Meta  any                  `json:"meta"`
	Quota tokens.QuotaSnapshot `json:"quota"`
}

type ListResponse struct {
	Tokens []TokenView `json:"tokens"`
	Total  int64       `json:"total"`
	Page   int         `json:"page"`
	Limit  int         `json:"limit"`
}

// UpdateRequest is a partial update; absent fields are left unchanged.
type UpdateRequest struct {
	Status *string `json:"status"`
	Quota  *struct {
		DailyLimit   *int `json:"daily_limit"`
		MonthlyLimit *int `json:"monthly_limit"`
	} `json:"quota"`
}

type Handler struct {
	db     db.Service
	gate   *auth.Gate
	logger *slog.Logger
}

func NewHandler(dbService db.Service, gate *auth.Gate, log *slog.Logger) *Handler {
	return &Handler{db: dbService, gate: gate, logger: log.With("component", "admin")}
}

func (h *Handler) ListTokensHandler(c *gin.Context) {
	page := queryInt(c, "page", defaultPage)
	limit := min(queryInt(c, "limit", defaultLimit), maxLimit)
	status := c.Query("status")
	if status != "" && status != model.StatusActive && status != model.StatusDisabled {
		apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "status must be 'active' or 'disabled'"))
		return
	}

	list, total, err := h.db.ListTokens(page, limit, status)
	if err != nil {
		h.logger.Error("Failed to list tokens", "error", err)
		apierr.Abort(c, err)
		return
	}

	views := make([]TokenView, 0, len(list))
	for i := range list {
		view, err := h.view(&list[i])
		if err != nil {
			h.logger.Error("Failed to load usage", "token_suffix", logger.TokenSuffix(list[i].Token), "error", err)
			apierr.Abort(c, err)
			return
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, ListResponse{Tokens: views, Total: total, Page: page, Limit: limit})
}

func (h *Handler) UpdateTokenHandler(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "Invalid JSON body"))
		return
	}

	var update model.TokenUpdate
	if req.Status != nil {
		if *req.Status != model.StatusActive && *req.Status != model.StatusDisabled {
			apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "status must be 'active' or 'disabled'"))
			return
		}
		update.Status = req.Status
	}
	if req.Quota != nil {
		if (req.Quota.DailyLimit != nil && *req.Quota.DailyLimit <= 0) ||
			(req.Quota.MonthlyLimit != nil && *req.Quota.MonthlyLimit <= 0) {
			apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "quota limits must be positive integers"))
			return
		}
		update.DailyLimit = req.Quota.DailyLimit
		update.MonthlyLimit = req.Quota.MonthlyLimit
	}

	token := c.Param("token")
	updated, err := h.db.UpdateToken(token, update)
	if err != nil {
		h.logger.Error("Failed to update token", "token_suffix", logger.TokenSuffix(token), "error", err)
		apierr.Abort(c, err)
		return
	}
	if updated == nil {
		apierr.Abort(c, apierr.New(http.StatusNotFound, apierr.TokenNotFound, "Token not found"))
		return
	}

	view, err := h.view(updated)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	h.logger.Info("Token updated", "token_suffix", logger.TokenSuffix(token), "status", updated.Status)
	c.JSON(http.StatusOK, view)
}

func (h *Handler) DeleteTokenHandler(c *gin.Context) {
	token := c.Param("token")
	deleted, err := h.db.DeleteToken(token)
	if err != nil {
		h.logger.Error("Failed to delete token", "token_suffix", logger.TokenSuffix(token), "error", err)
		apierr.Abort(c, err)
		return
	}
	if !deleted {
		apierr.Abort(c, apierr.New(http.StatusNotFound, apierr.TokenNotFound, "Token not found"))
		return
	}
	h.gate.Forget(token)
	h.logger.Info("Token deleted", "token_suffix", logger.TokenSuffix(token))
	c.Status(http.StatusNoContent)
}

func (h *Handler) view(record *model.Token) (TokenView, error) {
	quota, err := tokens.Snapshot(h.db, record)
	if err != nil {
		return TokenView{}, err
	}
	return TokenView{Token: *record, Meta: record.MetaValue(), Quota: quota}, nil
}

func queryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
