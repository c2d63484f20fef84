package gatewayapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/concurrency"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/proxy"
	"github.com/relaygate/gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupHandler wires a Handler against a single "g1" group with one
// provider pointed at upstream, authorizing apiKey for "g1".
func setupHandler(t *testing.T, upstreamURL string) (*Handler, models.ApiKey) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	s := store.NewMockStore()

	p := models.Provider{Endpoint: upstreamURL + "/chat/completions", Model: "upstream-model", IsActive: true}
	require.NoError(t, s.CreateProvider(ctx, &p))
	g := models.Group{Name: "g1"}
	require.NoError(t, s.CreateGroup(ctx, &g))
	require.NoError(t, s.AddProviderToGroup(ctx, p.ID, g.ID, 1))

	key, err := s.CreateApiKey(ctx, []string{"g1"})
	require.NoError(t, err)

	engine := proxy.NewEngine(s, concurrency.NewCounter(s), store.NoopArchiver{}, nil, testLogger())
	h := NewHandler(engine, s, testLogger(), 5*time.Second, 5*time.Second, 5*time.Second)
	return h, key
}

func TestChatCompletions_NonStreamingHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prompt, completion := 5, 7
		resp := map[string]any{
			"id":    "resp-1",
			"model": "upstream-model",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "hi there"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": prompt, "completion_tokens": completion},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	h, key := setupHandler(t, upstream.URL)

	body := `{"model":"g1","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("api_key", key)

	h.ChatCompletions(c)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	choices := out["choices"].([]any)
	require.Len(t, choices, 1)
}

func TestChatCompletions_UnauthorizedModelRejected(t *testing.T) {
	h, key := setupHandler(t, "http://unused")

	body := `{"model":"not-my-group","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("api_key", key)

	h.ChatCompletions(c)
	assert.Equal(t, http.StatusForbidden, w.Code)

	logs, err := h.Store.ListCallLogs(context.Background(), store.CallLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].ProviderID)
	assert.Equal(t, 403, logs[0].StatusCode)
	assert.False(t, logs[0].IsSuccess)
}

func TestAuthMiddleware_MissingKeyLogsCallLog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	s := store.NewMockStore()
	cache := store.NewKeyCache(time.Minute)

	body := `{"model":"g1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	middleware.AuthMiddleware(s, cache)(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	logs, err := s.ListCallLogs(ctx, store.CallLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].ProviderID)
	assert.Equal(t, 401, logs[0].StatusCode)

	detail, err := s.GetCallLogDetail(ctx, logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, body, detail.RequestBody)
}

func TestMessages_TranslatesAnthropicRequestAndResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id":    "resp-1",
			"model": "upstream-model",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "claude-ish reply"}, "finish_reason": "stop"},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	h, key := setupHandler(t, upstream.URL)

	body := `{"model":"g1","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("api_key", key)

	h.Messages(c)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "message", out["type"])
	content := out["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "claude-ish reply", block["text"])
}

func TestCompletions_RewritesEndpointAndFlattensPrompt(t *testing.T) {
	var hitPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPath = r.URL.Path
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "legacy ok"}, "finish_reason": "stop"},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	h, key := setupHandler(t, upstream.URL)

	body := `{"model":"g1","prompt":"say hi"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("api_key", key)

	h.Completions(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/completions", hitPath)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "text_completion", out["object"])
}

func TestEmbeddings_PassthroughPatchesModelOnly(t *testing.T) {
	var receivedModel string
	var hitPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPath = r.URL.Path
		var in map[string]any
		json.NewDecoder(r.Body).Decode(&in)
		receivedModel, _ = in["model"].(string)
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
	}))
	defer upstream.Close()

	h, key := setupHandler(t, upstream.URL)

	body := `{"model":"g1","input":"embed this"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(body))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("api_key", key)

	h.Embeddings(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/embeddings", hitPath)
	assert.Equal(t, "upstream-model", receivedModel)
}

func TestListModels_ReturnsAuthorizedGroups(t *testing.T) {
	h, key := setupHandler(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("api_key", key)

	h.ListModels(c)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	data := out["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "g1", data[0].(map[string]any)["id"])
}

func TestStatus_ReturnsGroupsProvidersAndMemberships(t *testing.T) {
	h, _ := setupHandler(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	h.Status(c)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.NotNil(t, out["groups"])
	assert.NotNil(t, out["providers"])
	assert.NotNil(t, out["memberships"])
}

func TestChatCompletions_Streaming_StripsThinkTagsAndForwardsSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`data: {"choices":[{"delta":{"content":"<think>reasoning</think>hello "}}]}`,
			`data: {"choices":[{"delta":{"content":"world"}}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			io.WriteString(w, l+"\n")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	h, key := setupHandler(t, upstream.URL)

	body := `{"model":"g1","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("api_key", key)

	h.ChatCompletions(c)

	out := w.Body.String()
	assert.NotContains(t, out, "<think>")
	assert.NotContains(t, out, "reasoning")
	assert.Contains(t, out, "hello ")
	assert.Contains(t, out, "world")
}
