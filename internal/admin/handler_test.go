package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/store"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	s := store.NewMockStore()
	cache := store.NewKeyCache(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(s, cache, "admin", "hunter2", []byte("test-secret"), 24*time.Hour, logger)
}

func TestLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHandler(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"correct credentials", `{"username":"admin","password":"hunter2"}`, http.StatusOK},
		{"wrong password", `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"missing fields", `{}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request, _ = http.NewRequest("POST", "/admin/login", bytes.NewBufferString(tt.body))
			c.Request.Header.Set("Content-Type", "application/json")
			h.Login(c)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestJWTMiddleware_RejectsMissingAndInvalidTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/admin/providers", nil)
	h.JWTMiddleware()(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, c.IsAborted())

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request, _ = http.NewRequest("GET", "/admin/providers", nil)
	c2.Request.Header.Set("Authorization", "Bearer not-a-real-token")
	h.JWTMiddleware()(c2)
	assert.Equal(t, http.StatusUnauthorized, w2.Code)
}

func TestJWTMiddleware_AcceptsTokenMintedByLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin/login", bytes.NewBufferString(`{"username":"admin","password":"hunter2"}`))
	c.Request.Header.Set("Content-Type", "application/json")
	h.Login(c)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request, _ = http.NewRequest("GET", "/admin/providers", nil)
	c2.Request.Header.Set("Authorization", "Bearer "+resp.Token)
	h.JWTMiddleware()(c2)
	assert.False(t, c2.IsAborted())
}

func TestCreateAndListProviders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin/providers", bytes.NewBufferString(
		`{"name":"p1","endpoint":"https://example.com/v1/chat/completions","api_key":"sk-up","model":"gpt-4"}`))
	c.Request.Header.Set("Content-Type", "application/json")
	h.CreateProvider(c)
	require.Equal(t, http.StatusCreated, w.Code)

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request, _ = http.NewRequest("GET", "/admin/providers", nil)
	h.ListProviders(c2)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), "gpt-4")
}

func TestModelImport_SkipsDuplicateTripletsOnRerun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "gpt-4"},
				{"id": "gpt-3.5-turbo"},
			},
		})
	}))
	defer upstream.Close()

	h := testHandler(t)
	runImport := func() string {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		body := `{"base_url":"` + upstream.URL + `","api_key":"sk-up"}`
		c.Request, _ = http.NewRequest("POST", "/admin/providers/models/import", bytes.NewBufferString(body))
		c.Request.Header.Set("Content-Type", "application/json")
		h.ModelImport(c)
		return w.Body.String()
	}

	first := runImport()
	assert.Contains(t, first, "DONE=imported 2 models (2 new)")

	providers, err := h.Store.ListProviders(context.Background(), store.ProviderFilter{})
	require.NoError(t, err)
	require.Len(t, providers, 2)

	second := runImport()
	assert.Contains(t, second, "DONE=imported 2 models (0 new)", "re-running import must not duplicate existing providers")

	providers, err = h.Store.ListProviders(context.Background(), store.ProviderFilter{})
	require.NoError(t, err)
	assert.Len(t, providers, 2, "re-running import must not create duplicate provider rows")
}

func TestCreateApiKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin/keys", bytes.NewBufferString(`{"group_names":["g1"]}`))
	c.Request.Header.Set("Content-Type", "application/json")
	h.CreateApiKey(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"sk-`)
}
