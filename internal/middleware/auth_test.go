package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/store"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	s := store.NewMockStore()
	active, err := s.CreateApiKey(context.Background(), []string{"g1"})
	require.NoError(t, err)
	inactive, err := s.CreateApiKey(context.Background(), []string{"g1"})
	require.NoError(t, err)
	require.NoError(t, s.DeactivateApiKey(context.Background(), inactive.ID))

	tests := []struct {
		name           string
		header         string
		value          string
		expectedStatus int
	}{
		{"valid bearer token", "Authorization", "Bearer " + active.Key, http.StatusOK},
		{"valid x-api-key", "x-api-key", active.Key, http.StatusOK},
		{"unknown key", "Authorization", "Bearer sk-doesnotexist", http.StatusUnauthorized},
		{"deactivated key", "Authorization", "Bearer " + inactive.Key, http.StatusUnauthorized},
		{"missing header", "", "", http.StatusUnauthorized},
		{"malformed header", "Authorization", "Basic foo", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request, _ = http.NewRequest("GET", "/", nil)
			if tt.header != "" {
				c.Request.Header.Set(tt.header, tt.value)
			}

			cache := store.NewKeyCache(time.Minute)
			AuthMiddleware(s, cache)(c)
			if !c.IsAborted() {
				c.Status(http.StatusOK)
			}
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestAuthMiddleware_RejectedRequestsPersistCallLog(t *testing.T) {
	gin.SetMode(gin.TestMode)

	setHeader := func(c *gin.Context, header, value string) {
		if header != "" {
			c.Request.Header.Set(header, value)
		}
	}

	assertRejectedAndLogged := func(t *testing.T, s *store.MockStore, c *gin.Context, w *httptest.ResponseRecorder) {
		cache := store.NewKeyCache(time.Minute)
		AuthMiddleware(s, cache)(c)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		logs, err := s.ListCallLogs(context.Background(), store.CallLogFilter{})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Nil(t, logs[0].ProviderID)
		assert.Equal(t, http.StatusUnauthorized, logs[0].StatusCode)
		assert.False(t, logs[0].IsSuccess)
	}

	t.Run("missing key", func(t *testing.T) {
		s := store.NewMockStore()
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"g1"}`))
		assertRejectedAndLogged(t, s, c, w)
	})

	t.Run("unknown key", func(t *testing.T) {
		s := store.NewMockStore()
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"g1"}`))
		setHeader(c, "Authorization", "Bearer sk-doesnotexist")
		assertRejectedAndLogged(t, s, c, w)
	})

	t.Run("deactivated key", func(t *testing.T) {
		s := store.NewMockStore()
		inactive, err := s.CreateApiKey(context.Background(), []string{"g1"})
		require.NoError(t, err)
		require.NoError(t, s.DeactivateApiKey(context.Background(), inactive.ID))

		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"g1"}`))
		setHeader(c, "Authorization", "Bearer "+inactive.Key)
		assertRejectedAndLogged(t, s, c, w)
	})
}

func TestAuthMiddleware_SetsApiKeyInContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := store.NewMockStore()
	key, err := s.CreateApiKey(context.Background(), []string{"g1"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/", nil)
	c.Request.Header.Set("Authorization", "Bearer "+key.Key)

	cache := store.NewKeyCache(time.Minute)
	AuthMiddleware(s, cache)(c)
	require.False(t, c.IsAborted())

	val, exists := c.Get("api_key")
	require.True(t, exists)
	got := val.(models.ApiKey)
	assert.Equal(t, key.ID, got.ID)
}
