package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	openai "github.com/sashabaranov/go-openai"
	"github.com/ubuygold/ocgateway/internal/apierr"
	"github.com/ubuygold/ocgateway/internal/auth"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
	"github.com/ubuygold/ocgateway/internal/version"
)

const (
	autoModel       = "auto"
	maxRequestBytes = 8 << 20
	streamChunkSize = 32 * 1024
	modelsCacheKey  = "upstream"
	modelsCacheTTL  = 5 * time.Minute
)

// forwardedHeaders are the only upstream response headers passed to the client.
var forwardedHeaders = []string{"Content-Type", "X-Request-Id", "X-Ratelimit-Remaining", "X-Ratelimit-Limit"}

// Relay forwards chat completions for admitted tokens to the single upstream provider
// and meters successful responses.
type Relay struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
	store        db.Service
	models       *cache.Cache
	logger       *slog.Logger
}

// NewRelay builds a relay for the configured upstream. The upstream client has no
// whole-request timeout so long streams are not cut; only the wait for response
// headers is bounded.
func NewRelay(store db.Service, cfg *config.Config, log *slog.Logger) *Relay {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.HeaderTimeout()

	defaultModel := cfg.Upstream.DefaultModel
	if defaultModel == "" {
		defaultModel = config.DefaultUpstreamModel
	}

	return &Relay{
		baseURL:      strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		apiKey:       cfg.Upstream.APIKey,
		defaultModel: defaultModel,
		client:       &http.Client{Transport: transport},
		store:        store,
		models:       cache.New(modelsCacheTTL, 2*modelsCacheTTL),
		logger:       log.With("component", "relay"),
	}
}

// Configured reports whether an upstream API key is available.
func (r *Relay) Configured() bool {
	return r.apiKey != ""
}

// ChatCompletions handles POST /v1/chat/completions. The token must already have been
// admitted by the gate.
func (r *Relay) ChatCompletions(c *gin.Context) {
	record := auth.CurrentToken(c)
	if record == nil {
		apierr.Abort(c, apierr.New(http.StatusUnauthorized, apierr.Unauthorized, "Missing token"))
		return
	}
	if !r.Configured() {
		r.logger.Error("Upstream API key not configured")
		apierr.Abort(c, apierr.New(http.StatusServiceUnavailable, apierr.ServiceUnavailable,
			"Upstream LLM not configured (set GATEWAY_UPSTREAM_API_KEY)"))
		return
	}

	body, err := r.readRequestBody(c)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	ctx := c.Request.Context()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		r.logger.Error("Failed to build upstream request", "error", err)
		apierr.Abort(c, apierr.Newf(http.StatusBadGateway, apierr.UpstreamError, "Failed to reach upstream: %v", err))
		return
	}
	contentType := c.GetHeader("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			r.logger.Warn("Client disconnected before upstream responded", "token_suffix", logger.TokenSuffix(record.Token))
			c.Abort()
			return
		}
		r.logger.Error("Upstream request failed", "error", err)
		apierr.Abort(c, apierr.Newf(http.StatusBadGateway, apierr.UpstreamError, "Failed to reach upstream: %v", err))
		return
	}
	defer resp.Body.Close()

	for _, key := range forwardedHeaders {
		if v := resp.Header.Get(key); v != "" {
			c.Header(key, v)
		}
	}
	c.Header(version.Header, version.ProtocolVersion)

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	streaming := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream")

	switch {
	case !success:
		r.logger.Info("Upstream returned non-success status", "status", resp.StatusCode, "token_suffix", logger.TokenSuffix(record.Token))
		r.relayStream(c, resp)
	case streaming:
		c.Header("Cache-Control", "no-cache")
		r.relayStream(c, resp)
		r.recordUsage(record.Token, 0, 0)
	default:
		r.relayBuffered(c, resp, record.Token)
	}
}

// readRequestBody validates the client body and applies the model substitution.
// The body is re-encoded only when the model is rewritten.
func (r *Relay) readRequestBody(c *gin.Context) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierr.Newf(http.StatusBadRequest, apierr.InvalidRequest, "Request body exceeds %d bytes", maxRequestBytes)
		}
		return nil, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "Failed to read request body")
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "Request body must be a JSON object")
	}
	if msgs, ok := payload["messages"]; !ok || string(msgs) == "null" {
		return nil, apierr.New(http.StatusBadRequest, apierr.InvalidRequest, "messages is required")
	}

	if !r.needsDefaultModel(payload["model"]) {
		return raw, nil
	}
	encoded, err := json.Marshal(r.defaultModel)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	payload["model"] = encoded
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return out, nil
}

func (r *Relay) needsDefaultModel(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	var model string
	if err := json.Unmarshal(raw, &model); err != nil {
		// Non-string models are the upstream's problem.
		return false
	}
	model = strings.TrimSpace(model)
	return model == "" || model == autoModel
}

// relayStream copies the upstream body chunk by chunk, flushing after each write so
// events reach the client as they arrive. A blocked client write stalls the next
// upstream read. Relaying stops when either side goes away.
func (r *Relay) relayStream(c *gin.Context, resp *http.Response) {
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				r.logger.Warn("Client disconnected during stream", "error", writeErr)
				return
			}
			c.Writer.Flush()
		}
		if errors.Is(readErr, io.EOF) {
			return
		}
		if readErr != nil {
			if errors.Is(c.Request.Context().Err(), context.Canceled) {
				r.logger.Warn("Client disconnected during stream")
			} else {
				r.logger.Error("Upstream stream interrupted", "error", readErr)
			}
			return
		}
	}
}

func (r *Relay) relayBuffered(c *gin.Context, resp *http.Response, token string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(c.Request.Context().Err(), context.Canceled) {
			r.logger.Warn("Client disconnected while reading upstream response")
			c.Abort()
			return
		}
		r.logger.Error("Failed to read upstream response", "error", err)
		apierr.Abort(c, apierr.Newf(http.StatusBadGateway, apierr.UpstreamError, "Failed to read upstream response: %v", err))
		return
	}

	var parsed struct {
		Usage *openai.Usage `json:"usage"`
	}
	var prompt, completion int64
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Usage != nil {
		prompt = int64(parsed.Usage.PromptTokens)
		completion = int64(parsed.Usage.CompletionTokens)
	}

	c.Status(resp.StatusCode)
	if _, err := c.Writer.Write(body); err != nil {
		r.logger.Warn("Failed to write response to client", "error", err)
	}
	r.recordUsage(token, prompt, completion)
}

func (r *Relay) recordUsage(token string, prompt, completion int64) {
	if err := r.store.IncrementUsage(token, prompt, completion); err != nil {
		r.logger.Error("Failed to record usage", "token_suffix", logger.TokenSuffix(token), "error", err)
		return
	}
	r.logger.Debug("Usage recorded", "token_suffix", logger.TokenSuffix(token),
		"prompt_tokens", prompt, "completion_tokens", completion)
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels handles GET /v1/models: the logical "auto" model, the default upstream
// model and whatever else the upstream advertises.
func (r *Relay) ListModels(c *gin.Context) {
	models := []modelEntry{
		{ID: autoModel, Object: "model", OwnedBy: "proxy"},
		{ID: r.defaultModel, Object: "model", OwnedBy: "upstream"},
	}
	seen := map[string]struct{}{autoModel: {}, r.defaultModel: {}}
	for _, m := range r.upstreamModels(c.Request.Context()) {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		models = append(models, modelEntry{ID: m.ID, Object: "model", OwnedBy: "upstream"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

func (r *Relay) upstreamModels(ctx context.Context) []openai.Model {
	if !r.Configured() {
		return nil
	}
	if cached, ok := r.models.Get(modelsCacheKey); ok {
		return cached.([]openai.Model)
	}

	clientConfig := openai.DefaultConfig(r.apiKey)
	clientConfig.BaseURL = r.baseURL
	clientConfig.HTTPClient = r.client
	list, err := openai.NewClientWithConfig(clientConfig).ListModels(ctx)
	if err != nil {
		r.logger.Warn("Failed to list upstream models", "error", err)
		return nil
	}
	r.models.Set(modelsCacheKey, list.Models, cache.DefaultExpiration)
	return list.Models
}
