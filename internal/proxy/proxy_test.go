package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubuygold/ocgateway/internal/auth"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
	"github.com/ubuygold/ocgateway/internal/model"
	"github.com/ubuygold/ocgateway/internal/ratelimit"
)

type testEnv struct {
	store  db.Service
	relay  *Relay
	router *gin.Engine
	token  *model.Token
}

func setupRelay(t *testing.T, upstreamURL, apiKey string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	token, err := store.CreateToken(db.CreateTokenParams{Platform: "linux-x64", InstallID: "test"})
	require.NoError(t, err)

	cfg := &config.Config{Upstream: config.UpstreamConfig{
		BaseURL:      upstreamURL,
		APIKey:       apiKey,
		DefaultModel: "glm-5",
	}}
	relay := NewRelay(store, cfg, logger.Discard())
	gate := auth.NewGate(store, ratelimit.New(20), logger.Discard())

	router := gin.New()
	v1 := router.Group("/v1", gate.AuthMiddleware())
	v1.POST("/chat/completions", relay.ChatCompletions)
	v1.GET("/models", relay.ListModels)

	return &testEnv{store: store, relay: relay, router: router, token: token}
}

func (e *testEnv) post(body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token.Token)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) usageToday(t *testing.T) *model.UsageRecord {
	t.Helper()
	usage, err := e.store.UsageToday(e.token.Token)
	require.NoError(t, err)
	return usage
}

func TestChatCompletionsBuffered(t *testing.T) {
	const upstreamBody = `{"id":"cmpl-1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`
	var gotModel, gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotModel, _ = payload["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-42")
		w.Header().Set("X-Internal-Trace", "secret")
		io.WriteString(w, upstreamBody)
	}))
	defer upstream.Close()

	env := setupRelay(t, upstream.URL+"/api/paas/v4/", "up-key")
	rr := env.post(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, upstreamBody, rr.Body.String())
	assert.Equal(t, "/api/paas/v4/chat/completions", gotPath)
	assert.Equal(t, "Bearer up-key", gotAuth)
	assert.Equal(t, "glm-5", gotModel)
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-Id"))
	assert.Equal(t, "1.0.0", rr.Header().Get("X-Protocol-Version"))
	assert.Empty(t, rr.Header().Get("X-Internal-Trace"))

	usage := env.usageToday(t)
	require.NotNil(t, usage)
	assert.Equal(t, int64(1), usage.RequestCount)
	assert.Equal(t, int64(12), usage.PromptTokens)
	assert.Equal(t, int64(34), usage.CompletionTokens)
}

func TestChatCompletionsModelSubstitution(t *testing.T) {
	var received []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer upstream.Close()
	env := setupRelay(t, upstream.URL, "up-key")

	t.Run("explicit model passes through untouched", func(t *testing.T) {
		body := `{"model": "glm-4.6",  "messages":[],"temperature":0.2}`
		rr := env.post(body)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, body, string(received))
	})

	t.Run("missing model uses default", func(t *testing.T) {
		rr := env.post(`{"messages":[],"stream":false}`)
		assert.Equal(t, http.StatusOK, rr.Code)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(received, &payload))
		assert.Equal(t, "glm-5", payload["model"])
		assert.Equal(t, false, payload["stream"])
	})

	t.Run("missing usage still counts the request", func(t *testing.T) {
		usage := env.usageToday(t)
		require.NotNil(t, usage)
		assert.Equal(t, int64(2), usage.RequestCount)
		assert.Equal(t, int64(0), usage.PromptTokens)
	})
}

func TestChatCompletionsRejectsBeforeUpstream(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer upstream.Close()

	t.Run("no upstream key", func(t *testing.T) {
		env := setupRelay(t, upstream.URL, "")
		rr := env.post(`{"messages":[]}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, rr.Body.String(), "SERVICE_UNAVAILABLE")
		assert.Nil(t, env.usageToday(t))
	})

	env := setupRelay(t, upstream.URL, "up-key")
	for name, body := range map[string]string{
		"not json":         `model=auto`,
		"json array":       `[1,2]`,
		"missing messages": `{"model":"auto"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := env.post(body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), "INVALID_REQUEST")
		})
	}

	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.Nil(t, env.usageToday(t))
}

func TestChatCompletionsUpstreamErrorPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Ratelimit-Remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer upstream.Close()

	env := setupRelay(t, upstream.URL, "up-key")
	rr := env.post(`{"messages":[]}`)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, `{"error":{"message":"slow down"}}`, rr.Body.String())
	assert.Equal(t, "0", rr.Header().Get("X-Ratelimit-Remaining"))
	assert.Nil(t, env.usageToday(t), "failed upstream calls are not metered")
}

func TestChatCompletionsUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	env := setupRelay(t, url, "up-key")
	rr := env.post(`{"messages":[]}`)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "UPSTREAM_ERROR")
	assert.Nil(t, env.usageToday(t))
}

func TestChatCompletionsHeaderTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	env := setupRelay(t, upstream.URL, "up-key")
	env.relay = NewRelay(env.store, &config.Config{Upstream: config.UpstreamConfig{
		BaseURL: upstream.URL, APIKey: "up-key", HeaderTimeout: "50ms",
	}}, logger.Discard())
	router := gin.New()
	router.POST("/v1/chat/completions", func(c *gin.Context) {
		c.Set("tokenRecord", env.token)
	}, env.relay.ChatCompletions)
	env.router = router

	rr := env.post(`{"messages":[]}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestChatCompletionsStreaming(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: [DONE]\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, ev := range events {
			io.WriteString(w, ev)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	env := setupRelay(t, upstream.URL, "up-key")
	rr := env.post(`{"model":"auto","stream":true,"messages":[]}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, strings.Join(events, ""), rr.Body.String())
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.True(t, rr.Flushed)

	usage := env.usageToday(t)
	require.NotNil(t, usage)
	assert.Equal(t, int64(1), usage.RequestCount)
	assert.Equal(t, int64(0), usage.PromptTokens)
	assert.Equal(t, int64(0), usage.CompletionTokens)
}

func TestChatCompletionsStreamClientDisconnect(t *testing.T) {
	upstreamGone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamGone)
	}))
	defer upstream.Close()

	env := setupRelay(t, upstream.URL, "up-key")
	gateway := httptest.NewServer(env.router)
	defer gateway.Close()

	req, err := http.NewRequest(http.MethodPost, gateway.URL+"/v1/chat/completions", strings.NewReader(`{"stream":true,"messages":[]}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.token.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The first event has been relayed, so the stream is in flight when the client leaves.
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: first\n", line)
	require.NoError(t, resp.Body.Close())

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled after client disconnect")
	}

	require.Eventually(t, func() bool {
		usage, err := env.store.UsageToday(env.token.Token)
		return err == nil && usage != nil && usage.RequestCount == 1
	}, 5*time.Second, 20*time.Millisecond, "an accepted stream is credited even when the client aborts")
}

func TestListModels(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"glm-5","object":"model","owned_by":"zhipu"},{"id":"glm-4.6","object":"model","owned_by":"zhipu"}]}`)
	}))
	defer upstream.Close()

	env := setupRelay(t, upstream.URL, "up-key")
	get := func() []string {
		req, _ := http.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("Authorization", "Bearer "+env.token.Token)
		rr := httptest.NewRecorder()
		env.router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Object string       `json:"object"`
			Data   []modelEntry `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "list", resp.Object)
		ids := make([]string, 0, len(resp.Data))
		for _, m := range resp.Data {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, "proxy", resp.Data[0].OwnedBy)
		return ids
	}

	assert.Equal(t, []string{"auto", "glm-5", "glm-4.6"}, get())
	assert.Equal(t, []string{"auto", "glm-5", "glm-4.6"}, get())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "upstream listing is cached")
}

func TestListModelsDegradesWithoutUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer upstream.Close()

	env := setupRelay(t, upstream.URL, "up-key")
	req, _ := http.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+env.token.Token)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"object":"list","data":[
		{"id":"auto","object":"model","owned_by":"proxy"},
		{"id":"glm-5","object":"model","owned_by":"upstream"}]}`, rr.Body.String())
}
