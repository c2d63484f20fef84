package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/store"
)

// AuthMiddleware validates a dialect endpoint's API key (§4.8): accepts
// "Authorization: Bearer sk-..." on every dialect endpoint, and additionally
// "x-api-key" on the D-msg route, checking the in-process KeyCache before
// falling through to the store. The resolved models.ApiKey is stashed in
// the gin context for AuthorizeGroup and the call-log pipeline.
func AuthMiddleware(st store.Store, cache *store.KeyCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractAPIKey(c)
		if token == "" {
			logAuthFailure(c, st, "missing API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing API key"}})
			return
		}

		if cached, ok := cache.Get(token); ok {
			c.Set("api_key", cached)
			c.Next()
			return
		}

		apiKey, err := st.GetApiKeyByKey(c.Request.Context(), token)
		if err != nil {
			slog.Warn("api key lookup failed", "error", err, "ip", c.ClientIP())
			logAuthFailure(c, st, "invalid API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid API key"}})
			return
		}
		if !apiKey.IsActive {
			logAuthFailure(c, st, "API key is deactivated")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "API key is deactivated"}})
			return
		}

		cache.Set(token, apiKey)
		c.Set("api_key", apiKey)

		if err := st.TouchApiKeyLastUsed(c.Request.Context(), apiKey.ID); err != nil {
			slog.Warn("touch api key last_used failed", "error", err)
		}

		c.Next()
	}
}

// logAuthFailure persists a CallLog for a request rejected before
// authentication, per §4.7's AUTH step: null provider, the rejection
// status, and the offending body.
func logAuthFailure(c *gin.Context, st store.Store, reason string) {
	raw := readAndRestoreBody(c)
	now := time.Now()
	log := &models.CallLog{
		RequestTimestamp:  now,
		ResponseTimestamp: &now,
		IsSuccess:         false,
		StatusCode:        http.StatusUnauthorized,
		ErrorMessage:      reason,
	}
	detail := &models.CallLogDetail{RequestBody: string(raw)}
	if _, err := st.CreateCallLog(c.Request.Context(), log, detail); err != nil {
		slog.Warn("create call log for auth failure failed", "error", err)
	}
}

// readAndRestoreBody drains the request body for logging and replaces it
// so a downstream handler (which never runs on this path, but might on a
// future route) still sees an intact reader.
func readAndRestoreBody(c *gin.Context) []byte {
	if c.Request.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	return raw
}

// extractAPIKey reads "Authorization: Bearer <key>" on every route, and
// additionally "x-api-key: <key>" — the header Anthropic's own SDK sends,
// accepted here only because the messages route must interoperate with it.
func extractAPIKey(c *gin.Context) string {
	if v := c.GetHeader("x-api-key"); v != "" {
		return v
	}
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
