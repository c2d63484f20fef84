// Package admin implements the data-layer CRUD contract C1 exposes to the
// (out-of-scope) admin console: Provider/Group/Membership/ApiKey/ErrorKeyword/
// Setting CRUD, call-log listing/detail, dashboard aggregates, and the
// streamed model-import endpoint. Grounded on the teacher's AdminHandler
// (X-Admin-Key middleware, gin.H error envelopes) generalized to JWT auth
// per SPEC_FULL's admin-login requirement.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/store"
)

// Handler serves every admin-authenticated route.
type Handler struct {
	Store      store.Store
	KeyCache   *store.KeyCache
	HTTPClient *http.Client
	Logger     *slog.Logger

	AdminUsername string
	AdminPassword string
	JWTSecret     []byte
	JWTTTL        time.Duration
}

func NewHandler(st store.Store, cache *store.KeyCache, username, password string, jwtSecret []byte, jwtTTL time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		Store:         st,
		KeyCache:      cache,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Logger:        logger,
		AdminUsername: username,
		AdminPassword: password,
		JWTSecret:     jwtSecret,
		JWTTTL:        jwtTTL,
	}
}

func errEnvelope(message string) gin.H {
	return gin.H{"error": gin.H{"message": message}}
}

// LoginRequest is the admin username/password login body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login mints a bearer JWT (subject = admin username, HS256, default 24h TTL)
// for a correct username/password pair, per §4.8.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	if req.Username != h.AdminUsername || req.Password != h.AdminPassword {
		c.JSON(http.StatusUnauthorized, errEnvelope("invalid credentials"))
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.JWTTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope("failed to sign token"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_at": claims.ExpiresAt.Time})
}

// JWTMiddleware verifies "Authorization: Bearer <JWT>" and rejects anything
// whose signature or expiry doesn't check out against HS256/JWTSecret.
func (h *Handler) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errEnvelope("missing bearer token"))
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("admin: unexpected signing method %v", t.Header["alg"])
			}
			return h.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errEnvelope("invalid or expired token"))
			return
		}
		c.Set("admin_username", claims.Subject)
		c.Next()
	}
}

// ---- Providers ----

func (h *Handler) ListProviders(c *gin.Context) {
	var filter store.ProviderFilter
	if v := c.Query("group_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errEnvelope("invalid group_id"))
			return
		}
		filter.GroupID = &id
	}
	providers, err := h.Store.ListProviders(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, providers)
}

func (h *Handler) CreateProvider(c *gin.Context) {
	var p models.Provider
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	p.IsActive = true
	if err := h.Store.CreateProvider(c.Request.Context(), &p); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdateProvider(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid id"))
		return
	}
	var p models.Provider
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	p.ID = id
	if err := h.Store.UpdateProvider(c.Request.Context(), &p); err != nil {
		status := http.StatusInternalServerError
		if err == store.ErrNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) DeactivateProvider(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid id"))
		return
	}
	if err := h.Store.DeactivateProvider(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteProvidersByKey is the bulk cascade admin operation (§3): removes
// every Provider row created under a given ApiKey's id, along with their
// memberships and CallLogs, in one transaction.
func (h *Handler) DeleteProvidersByKey(c *gin.Context) {
	apiKeyID, err := strconv.ParseInt(c.Param("api_key_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid api_key_id"))
		return
	}
	n, err := h.Store.DeleteProvidersByKey(c.Request.Context(), apiKeyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// ---- Groups ----

func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.Store.ListGroups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, groups)
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var g models.Group
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	if err := h.Store.CreateGroup(c.Request.Context(), &g); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid id"))
		return
	}
	if err := h.Store.DeleteGroup(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- Memberships ----

type membershipRequest struct {
	ProviderID int64 `json:"provider_id" binding:"required"`
	GroupID    int64 `json:"group_id" binding:"required"`
	Priority   int   `json:"priority"`
}

// AddProviderToGroup is the upsert that preserves ActiveCalls (I1/I2):
// re-posting an existing (provider, group) pair only updates its priority.
func (h *Handler) AddProviderToGroup(c *gin.Context) {
	var req membershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	if err := h.Store.AddProviderToGroup(c.Request.Context(), req.ProviderID, req.GroupID, req.Priority); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RemoveProviderFromGroup(c *gin.Context) {
	providerID, err := strconv.ParseInt(c.Param("provider_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid provider_id"))
		return
	}
	groupID, err := strconv.ParseInt(c.Param("group_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid group_id"))
		return
	}
	if err := h.Store.RemoveProviderFromGroup(c.Request.Context(), providerID, groupID); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- API keys ----

type createApiKeyRequest struct {
	GroupNames []string `json:"group_names" binding:"required"`
}

func (h *Handler) CreateApiKey(c *gin.Context) {
	var req createApiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	key, err := h.Store.CreateApiKey(c.Request.Context(), req.GroupNames)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (h *Handler) ListApiKeys(c *gin.Context) {
	keys, err := h.Store.ListApiKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) DeactivateApiKey(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid id"))
		return
	}
	key, err := h.getApiKeyByID(c.Request.Context(), id)
	if err == nil {
		h.KeyCache.Invalidate(key.Key)
	}
	if err := h.Store.DeactivateApiKey(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getApiKeyByID(ctx context.Context, id int64) (models.ApiKey, error) {
	keys, err := h.Store.ListApiKeys(ctx)
	if err != nil {
		return models.ApiKey{}, err
	}
	for _, k := range keys {
		if k.ID == id {
			return k, nil
		}
	}
	return models.ApiKey{}, store.ErrNotFound
}

// ---- Error keywords ----

func (h *Handler) ListErrorKeywords(c *gin.Context) {
	keywords, err := h.Store.ListActiveErrorKeywords(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, keywords)
}

func (h *Handler) CreateErrorKeyword(c *gin.Context) {
	var kw models.ErrorKeyword
	if err := c.ShouldBindJSON(&kw); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	kw.IsActive = true
	if err := h.Store.CreateErrorKeyword(c.Request.Context(), &kw); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, kw)
}

func (h *Handler) DeleteErrorKeyword(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid id"))
		return
	}
	if err := h.Store.DeleteErrorKeyword(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- Settings ----

func (h *Handler) GetSetting(c *gin.Context) {
	key := c.Param("key")
	value, ok, err := h.Store.GetSetting(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, errEnvelope("setting not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

type setSettingRequest struct {
	Value string `json:"value"`
}

func (h *Handler) SetSetting(c *gin.Context) {
	key := c.Param("key")
	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	if err := h.Store.SetSetting(c.Request.Context(), key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- Call logs ----

func (h *Handler) ListCallLogs(c *gin.Context) {
	filter := store.CallLogFilter{Limit: 50}
	if v := c.Query("provider_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			filter.ProviderID = &id
		}
	}
	if v := c.Query("api_key_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			filter.APIKeyID = &id
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	logs, err := h.Store.ListCallLogs(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) GetCallLogDetail(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid id"))
		return
	}
	detail, err := h.Store.GetCallLogDetail(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if err == store.ErrNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Dashboard returns call counts/success-rate aggregates over the most recent
// window of CallLogs — a narrow in-memory summary rather than a SQL GROUP BY,
// since the Store port only exposes the list projection (§3's sidecar rule).
func (h *Handler) Dashboard(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	logs, err := h.Store.ListCallLogs(c.Request.Context(), store.CallLogFilter{Since: &since, Limit: 10000})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}

	var total, successful int
	var totalCost float64
	byGroup := map[int64]int{}
	for _, l := range logs {
		total++
		if l.IsSuccess {
			successful++
		}
		if l.Cost != nil {
			totalCost += *l.Cost
		}
		if l.ProviderID != nil {
			byGroup[*l.ProviderID]++
		}
	}
	successRate := 0.0
	if total > 0 {
		successRate = float64(successful) / float64(total)
	}
	c.JSON(http.StatusOK, gin.H{
		"window_hours":       24,
		"total_calls":        total,
		"successful_calls":   successful,
		"success_rate":       successRate,
		"total_cost":         totalCost,
		"calls_by_provider":  byGroup,
	})
}

// ---- Model import ----

type modelImportRequest struct {
	BaseURL      string `json:"base_url" binding:"required"`
	APIKey       string `json:"api_key" binding:"required"`
	Alias        string `json:"alias"`
	DefaultType  string `json:"default_type"`
	FilterMode   string `json:"filter_mode"`
	FilterKeyword string `json:"filter_keyword"`
}

type upstreamModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ModelImport streams TOTAL=/PROGRESS=/DONE=|ERROR= lines while fetching an
// upstream /v1/models listing and upserting a Provider per surviving id,
// following the original's import_models semantics (§SUPPLEMENTED FEATURES).
func (h *Handler) ModelImport(c *gin.Context) {
	var req modelImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errEnvelope("streaming unsupported"))
		return
	}
	emit := func(line string) {
		fmt.Fprintf(c.Writer, "%s\n", line)
		flusher.Flush()
	}

	baseURL := normalizeBaseURL(req.BaseURL)
	httpReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		emit("ERROR=" + err.Error())
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := h.HTTPClient.Do(httpReq)
	if err != nil {
		emit("ERROR=" + err.Error())
		return
	}
	defer resp.Body.Close()

	var list upstreamModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		emit("ERROR=" + err.Error())
		return
	}

	ids := filterModelIDs(list, req.FilterMode, req.FilterKeyword)
	emit(fmt.Sprintf("TOTAL=%d", len(ids)))

	endpoint := baseURL + "/chat/completions"

	existing, err := h.Store.ListProviders(c.Request.Context(), store.ProviderFilter{})
	if err != nil {
		emit("ERROR=" + err.Error())
		return
	}
	// §6: insert a Provider keyed by the (endpoint, api_key, model) triplet
	// only if not already present — re-running import must not duplicate
	// providers for models already on record.
	existingTriplets := make(map[string]bool, len(existing))
	for _, p := range existing {
		existingTriplets[providerTriplet(p.Endpoint, p.APIKey, p.Model)] = true
	}

	created := 0
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		seen[id] = true
		triplet := providerTriplet(endpoint, req.APIKey, id)
		if existingTriplets[triplet] {
			emit(fmt.Sprintf("PROGRESS=%d", i+1))
			continue
		}

		name := req.Alias
		if name == "" {
			name = strings.ReplaceAll(id, "/", ".")
		}
		p := models.Provider{
			Name:     name,
			Endpoint: endpoint,
			APIKey:   req.APIKey,
			Model:    id,
			IsActive: true,
		}
		if err := h.Store.CreateProvider(c.Request.Context(), &p); err != nil {
			h.Logger.Warn("model import: create provider failed", "model", id, "error", err)
		} else {
			existingTriplets[triplet] = true
			created++
		}
		emit(fmt.Sprintf("PROGRESS=%d", i+1))
	}

	deactivated := 0
	for _, p := range existing {
		if p.Endpoint == endpoint && p.APIKey == req.APIKey && p.IsActive && !seen[p.Model] {
			if err := h.Store.DeactivateProvider(c.Request.Context(), p.ID); err == nil {
				deactivated++
			}
		}
	}

	emit(fmt.Sprintf("DONE=imported %d models (%d new), deactivated %d stale providers", len(ids), created, deactivated))
}

// providerTriplet is the uniqueness key model-import dedups providers on.
func providerTriplet(endpoint, apiKey, model string) string {
	return endpoint + "\x00" + apiKey + "\x00" + model
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

func filterModelIDs(list upstreamModelList, mode, keyword string) []string {
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		switch strings.ToLower(mode) {
		case "include":
			if keyword != "" && !strings.Contains(m.ID, keyword) {
				continue
			}
		case "exclude":
			if keyword != "" && strings.Contains(m.ID, keyword) {
				continue
			}
		}
		ids = append(ids, m.ID)
	}
	return ids
}
