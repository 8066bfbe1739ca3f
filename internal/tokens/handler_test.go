package tokens

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
	"github.com/ubuygold/ocgateway/internal/model"
)

func setupRealDB(t *testing.T, opts ...db.Option) db.Service {
	t.Helper()
	store, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func setupTestRouter(store db.Service, buildSecret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(store, config.DefaultPlatforms, "https://gw.example.com", logger.Discard())
	SetupRoutes(router, handler, buildSecret)
	return router
}

func postToken(router *gin.Engine, body string, headers map[string]string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, "/api/tokens", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateToken(t *testing.T) {
	store := setupRealDB(t)
	router := setupTestRouter(store, "")

	rr := postToken(router, `{"platform":"linux-x64","install_id":"abc","version":"0.3.1","meta":{"hostname":"box"}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp CreateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Token, "ocp_"))
	assert.Equal(t, "https://gw.example.com/v1", resp.ProxyBaseURL)
	assert.Equal(t, QuotaLimits{DailyLimit: 100, MonthlyLimit: 3000}, resp.Quota)
	assert.False(t, resp.CreatedAt.IsZero())

	record, err := store.FindToken(resp.Token)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "abc", record.InstallID)
	require.NotNil(t, record.Version)
	assert.Equal(t, "0.3.1", *record.Version)
	assert.Equal(t, map[string]any{"hostname": "box"}, record.MetaValue())
}

func TestCreateTokenValidation(t *testing.T) {
	router := setupTestRouter(setupRealDB(t), "")

	testCases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing platform", `{"install_id":"abc"}`},
		{"unknown platform", `{"platform":"freebsd-x64","install_id":"abc"}`},
		{"missing install id", `{"platform":"linux-x64"}`},
		{"blank install id", `{"platform":"linux-x64","install_id":"  "}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postToken(router, tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), "INVALID_REQUEST")
		})
	}
}

func TestCreateTokenBuildSecret(t *testing.T) {
	router := setupTestRouter(setupRealDB(t), "build-secret")
	body := `{"platform":"win-x64","install_id":"pc-1"}`

	rr := postToken(router, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = postToken(router, body, map[string]string{"X-Build-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = postToken(router, body, map[string]string{"X-Build-Secret": "build-secret"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func getStatus(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, "/api/tokens/"+token+"/status", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestTokenStatus(t *testing.T) {
	store := setupRealDB(t, db.WithDefaultLimits(2, 10))
	router := setupTestRouter(store, "")

	rr := getStatus(router, "ocp_missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "TOKEN_NOT_FOUND")

	token, err := store.CreateToken(db.CreateTokenParams{Platform: "linux-x64", InstallID: "abc"})
	require.NoError(t, err)
	require.NoError(t, store.IncrementUsage(token.Token, 5, 7))

	rr = getStatus(router, token.Token)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusActive, resp.Status)
	assert.Equal(t, QuotaSnapshot{
		DailyLimit: 2, DailyUsed: 1, DailyRemaining: 1,
		MonthlyLimit: 10, MonthlyUsed: 1, MonthlyRemaining: 9,
	}, resp.Quota)

	require.NoError(t, store.IncrementUsage(token.Token, 0, 0))
	require.NoError(t, store.IncrementUsage(token.Token, 0, 0))
	rr = getStatus(router, token.Token)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, StatusQuotaExceeded, resp.Status)
	assert.Equal(t, int64(0), resp.Quota.DailyRemaining, "remaining never goes negative")
	assert.Equal(t, int64(3), resp.Quota.DailyUsed)

	disabled := model.StatusDisabled
	_, err = store.UpdateToken(token.Token, model.TokenUpdate{Status: &disabled})
	require.NoError(t, err)
	rr = getStatus(router, token.Token)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusDisabled, resp.Status)
}

type failingStore struct {
	db.Service
}

func (failingStore) FindToken(string) (*model.Token, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) CreateToken(db.CreateTokenParams) (*model.Token, error) {
	return nil, errors.New("database is locked")
}

func TestStoreFailuresAre503(t *testing.T) {
	router := setupTestRouter(failingStore{}, "")

	rr := getStatus(router, "ocp_x")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	rr = postToken(router, `{"platform":"linux-x64","install_id":"abc"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "SERVICE_UNAVAILABLE")
}
