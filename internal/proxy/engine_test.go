package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/concurrency"
	"github.com/relaygate/gateway/internal/dialect"
	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func setupEngine(t *testing.T, endpoint string, price float64) (*Engine, *store.MockStore, models.Provider, models.Group) {
	t.Helper()
	s := store.NewMockStore()
	ctx := context.Background()

	p := models.Provider{Endpoint: endpoint, Model: "upstream-model", IsActive: true, PricePerMillionTokens: &price}
	require.NoError(t, s.CreateProvider(ctx, &p))
	g := models.Group{Name: "g1"}
	require.NoError(t, s.CreateGroup(ctx, &g))
	require.NoError(t, s.AddProviderToGroup(ctx, p.ID, g.ID, 1))

	e := NewEngine(s, concurrency.NewCounter(s), store.NoopArchiver{}, nil, testLogger())
	return e, s, p, g
}

func TestDispatchNonStreaming_HappyPath(t *testing.T) {
	prompt, completion := 10, 20
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := dialect.ChatResponse{
			ID:    "resp-1",
			Model: "upstream-model",
			Choices: []dialect.ChatChoice{
				{Message: dialect.ChatChoiceMessage{Role: "assistant", Content: "hello"}, FinishReason: "stop"},
			},
			Usage: dialect.ChatUsage{PromptTokens: &prompt, CompletionTokens: &completion},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	e, s, p, _ := setupEngine(t, upstream.URL, 10.0)
	req := dialect.ChatRequest{Messages: []dialect.ChatMessage{{Role: "user"}}}

	resp, err := e.DispatchNonStreaming(context.Background(), "g1", 1, req, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)

	logs, err := s.ListCallLogs(context.Background(), store.CallLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsSuccess)
	assert.Equal(t, p.ID, *logs[0].ProviderID)
	require.NotNil(t, logs[0].Cost)
}

func TestDispatchNonStreaming_FailsOverToSecondProvider(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := dialect.ChatResponse{
			Choices: []dialect.ChatChoice{{Message: dialect.ChatChoiceMessage{Content: "ok"}}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer good.Close()

	s := store.NewMockStore()
	ctx := context.Background()
	p1 := models.Provider{Endpoint: bad.URL, Model: "m1", IsActive: true}
	require.NoError(t, s.CreateProvider(ctx, &p1))
	p2 := models.Provider{Endpoint: good.URL, Model: "m2", IsActive: true}
	require.NoError(t, s.CreateProvider(ctx, &p2))
	g := models.Group{Name: "g1"}
	require.NoError(t, s.CreateGroup(ctx, &g))
	require.NoError(t, s.AddProviderToGroup(ctx, p1.ID, g.ID, 1))
	require.NoError(t, s.AddProviderToGroup(ctx, p2.ID, g.ID, 2))

	e := NewEngine(s, concurrency.NewCounter(s), store.NoopArchiver{}, nil, testLogger())
	req := dialect.ChatRequest{Messages: []dialect.ChatMessage{{Role: "user"}}}

	resp, err := e.DispatchNonStreaming(ctx, "g1", 1, req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)

	logs, err := s.ListCallLogs(ctx, store.CallLogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 2, "one failed attempt + one successful attempt should both be logged")
}

func TestDispatchNonStreaming_QuotaErrorDeactivatesProvider(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"Insufficient Quota for this account"}`))
	}))
	defer upstream.Close()

	e, s, p, _ := setupEngine(t, upstream.URL, 1.0)
	req := dialect.ChatRequest{Messages: []dialect.ChatMessage{{Role: "user"}}}

	_, err := e.DispatchNonStreaming(context.Background(), "g1", 1, req, 2*time.Second)
	assert.ErrorIs(t, err, ErrExhausted)

	got, err := s.GetProvider(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive, "provider must be auto-deactivated on quota exhaustion")
}

func TestDispatchNonStreaming_SentinelMatchTriggersRetryThenExhausts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := dialect.ChatResponse{
			Choices: []dialect.ChatChoice{{Message: dialect.ChatChoiceMessage{Content: "service temporarily overloaded"}}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	e, s, _, _ := setupEngine(t, upstream.URL, 1.0)
	kw := &models.ErrorKeyword{Keyword: "overloaded", IsActive: true}
	require.NoError(t, s.CreateErrorKeyword(context.Background(), kw))

	req := dialect.ChatRequest{Messages: []dialect.ChatMessage{{Role: "user"}}}
	_, err := e.DispatchNonStreaming(context.Background(), "g1", 1, req, 2*time.Second)
	assert.ErrorIs(t, err, ErrExhausted)
}
