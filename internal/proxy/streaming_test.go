package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/concurrency"
	"github.com/relaygate/gateway/internal/dialect"
	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/store"
)

type bufferSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
}

func (s *bufferSink) WriteLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(line)
	return nil
}

func (s *bufferSink) Flush() {}

func (s *bufferSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestDispatchStreaming_HappyPathStripsThinkTags(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`data: {"choices":[{"delta":{"content":"<think>reasoning</think>hello "}}]}`,
			`data: {"choices":[{"delta":{"content":"world"}}]}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			w.Write([]byte(c + "\n\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	e, _, _, _ := setupEngine(t, upstream.URL, 1.0)
	sink := &bufferSink{}
	req := dialect.ChatRequest{Messages: []dialect.ChatMessage{{Role: "user"}}, Stream: true}

	err := e.DispatchStreaming(context.Background(), "g1", 1, req, 5*time.Second, sink)
	require.NoError(t, err)

	out := sink.String()
	assert.NotContains(t, out, "<think>")
	assert.NotContains(t, out, "reasoning")
	assert.Contains(t, out, "hello ")
	assert.Contains(t, out, "world")
}

func TestDispatchStreaming_SentinelMatchAbortsMidStreamAndFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`data: {"choices":[{"delta":{"content":"partial before failure "}}]}`,
			`data: {"choices":[{"delta":{"content":"service overloaded, retry later"}}]}`,
			`data: {"choices":[{"delta":{"content":"content after the match, never sent"}}]}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			w.Write([]byte(c + "\n\n"))
			flusher.Flush()
		}
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"ok from failover"}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
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
	kw := &models.ErrorKeyword{Keyword: "overloaded", IsActive: true}
	require.NoError(t, s.CreateErrorKeyword(ctx, kw))

	e := NewEngine(s, concurrency.NewCounter(s), store.NoopArchiver{}, nil, testLogger())
	req := dialect.ChatRequest{Messages: []dialect.ChatMessage{{Role: "user"}}, Stream: true}
	sink := &bufferSink{}
	err := e.DispatchStreaming(ctx, "g1", 1, req, 5*time.Second, sink)
	require.NoError(t, err)

	out := sink.String()
	assert.Contains(t, out, "partial before failure", "bytes forwarded before the match must remain forwarded")
	assert.NotContains(t, out, "overloaded", "the matching chunk itself is never forwarded")
	assert.NotContains(t, out, "never sent", "nothing after the match is forwarded from the failing attempt")
	assert.Contains(t, out, "ok from failover")
}

func TestDispatchStreaming_RetryableStatusFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"bad gateway"}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
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
	req := dialect.ChatRequest{Messages: []dialect.ChatMessage{{Role: "user"}}, Stream: true}
	sink := &bufferSink{}
	err := e.DispatchStreaming(ctx, "g1", 1, req, 5*time.Second, sink)
	require.NoError(t, err)
	assert.True(t, strings.Contains(sink.String(), "ok"))
}
