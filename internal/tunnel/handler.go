package tunnel

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/ubuygold/ocgateway/internal/apierr"
	"github.com/ubuygold/ocgateway/internal/auth"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
)

var offlinePage = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>OpenClaw is offline</title></head>
<body>
<h1>OpenClaw is offline</h1>
<p>The assistant on this machine has not published its address yet. Start it and refresh this page.</p>
{{if .}}<p><small>Last seen {{.}}</small></p>{{end}}
</body>
</html>
`))

// RegisterRequest is the body of PUT /api/tunnel.
type RegisterRequest struct {
	TunnelURL string `json:"tunnel_url"`
}

// RegisterResponse is returned after a successful registration.
type RegisterResponse struct {
	Token       string     `json:"token"`
	TunnelURL   string     `json:"tunnel_url"`
	OpenclawURL string     `json:"openclaw_url"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// Handler records tunnel bindings and resolves the public alias to them. It never
// forwards tunnel traffic.
type Handler struct {
	store      db.Service
	gate       *auth.Gate
	publicBase string
	logger     *slog.Logger
}

func NewHandler(store db.Service, gate *auth.Gate, publicBase string, log *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		gate:       gate,
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     log.With("component", "tunnel"),
	}
}

// AliasURL is the stable public address third parties use to reach a token's tunnel.
func (h *Handler) AliasURL(token string) string {
	return h.publicBase + "/openclaw?token=" + url.QueryEscape(token)
}

// Register handles PUT /api/tunnel. The last write wins.
func (h *Handler) Register(c *gin.Context) {
	record := auth.CurrentToken(c)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.TunnelURL) == "" {
		apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "Missing required field: tunnel_url"))
		return
	}
	tunnelURL := strings.TrimSpace(req.TunnelURL)
	if !strings.HasPrefix(tunnelURL, "https://") {
		apierr.Abort(c, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "tunnel_url must start with https://"))
		return
	}

	updated, err := h.store.SetTunnelURL(record.Token, tunnelURL)
	if err != nil {
		h.logger.Error("Failed to set tunnel url", "token_suffix", logger.TokenSuffix(record.Token), "error", err)
		apierr.Abort(c, err)
		return
	}
	if updated == nil {
		// Deleted between the identity check and the write.
		apierr.Abort(c, apierr.New(http.StatusUnauthorized, apierr.Unauthorized, "Token not found"))
		return
	}

	h.logger.Info("Tunnel registered", "token_suffix", logger.TokenSuffix(updated.Token))
	c.JSON(http.StatusOK, RegisterResponse{
		Token:       updated.Token,
		TunnelURL:   *updated.TunnelURL,
		OpenclawURL: h.AliasURL(updated.Token),
		UpdatedAt:   updated.TunnelUpdatedAt,
	})
}

// Clear handles DELETE /api/tunnel. Clearing an unbound token is not an error.
func (h *Handler) Clear(c *gin.Context) {
	record := auth.CurrentToken(c)

	found, err := h.store.ClearTunnelURL(record.Token)
	if err != nil {
		h.logger.Error("Failed to clear tunnel url", "token_suffix", logger.TokenSuffix(record.Token), "error", err)
		apierr.Abort(c, err)
		return
	}
	if !found {
		apierr.Abort(c, apierr.New(http.StatusUnauthorized, apierr.Unauthorized, "Token not found"))
		return
	}
	h.logger.Info("Tunnel cleared", "token_suffix", logger.TokenSuffix(record.Token))
	c.Status(http.StatusNoContent)
}

// Redirect handles GET /openclaw. Browsers hit this, so the token only comes from
// the query string.
func (h *Handler) Redirect(c *gin.Context) {
	record, err := h.gate.Identify(strings.TrimSpace(c.Query("token")))
	if err != nil {
		if apierr.From(err).Code == apierr.ServiceUnavailable {
			h.logger.Error("Token lookup failed", "error", err)
		}
		apierr.Abort(c, err)
		return
	}

	if record.TunnelURL == nil || *record.TunnelURL == "" {
		var lastSeen string
		if record.TunnelUpdatedAt != nil {
			lastSeen = record.TunnelUpdatedAt.UTC().Format(time.RFC3339)
		}
		c.Header("Cache-Control", "no-store")
		c.Render(http.StatusOK, render.HTML{Template: offlinePage, Name: "offline", Data: lastSeen})
		return
	}

	// http.Redirect escapes non-ASCII bytes, so the stored URL is written as-is.
	c.Header("Cache-Control", "no-store")
	c.Header("Location", *record.TunnelURL)
	c.Status(http.StatusFound)
	c.Writer.WriteHeaderNow()
}
