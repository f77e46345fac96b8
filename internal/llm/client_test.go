package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(Config{
		Host:    server.URL,
		Model:   "test-model",
		Timeout: 2 * time.Second,
	}, logging.NewNop())
}

func completionHandler(content string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func TestHTTPClient_Summarize(t *testing.T) {
	client := newTestClient(t, completionHandler("a concise summary"))

	summary, err := client.Summarize(context.Background(), "long content here", 240, "anchor")
	require.NoError(t, err)
	assert.Equal(t, "a concise summary", summary)
}

func TestHTTPClient_Generate_SendsSystemAnchor(t *testing.T) {
	var sawSystem atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" && req.Messages[0].Content == "project anchor" {
			sawSystem.Store(true)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "done"}}},
		})
	})
	client := newTestClient(t, handler)

	_, err := client.Generate(context.Background(), "reduce these summaries", "project anchor", 500)
	require.NoError(t, err)
	assert.True(t, sawSystem.Load())
}

func TestHTTPClient_Available_Caching(t *testing.T) {
	var probes atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	})
	client := newTestClient(t, handler)

	ctx := context.Background()
	assert.True(t, client.Available(ctx))
	assert.True(t, client.Available(ctx))
	assert.True(t, client.Available(ctx))
	assert.Equal(t, int32(1), probes.Load(), "probe should be cached")
}

func TestHTTPClient_Available_Down(t *testing.T) {
	client := NewHTTPClient(Config{
		Host:    "http://127.0.0.1:1", // nothing listens here
		Model:   "test-model",
		Timeout: time.Second,
	}, logging.NewNop())

	assert.False(t, client.Available(context.Background()))
}

func TestHTTPClient_Unavailable_ErrorTaxonomy(t *testing.T) {
	client := NewHTTPClient(Config{
		Host:    "http://127.0.0.1:1",
		Model:   "test-model",
		Timeout: time.Second,
	}, logging.NewNop())

	_, err := client.Summarize(context.Background(), "content", 100, "")
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestHTTPClient_InvalidResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	})
	client := newTestClient(t, handler)

	_, err := client.Generate(context.Background(), "prompt", "", 100)
	assert.ErrorIs(t, err, types.ErrInvalidResponse)
}

func TestHTTPClient_StreamSummary(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: [DONE]`,
		}
		for _, frame := range frames {
			_, _ = w.Write([]byte(frame + "\n\n"))
		}
	})
	client := newTestClient(t, handler)

	tokens, err := client.StreamSummary(context.Background(), "content")
	require.NoError(t, err)

	var got string
	for token := range tokens {
		got += token
	}
	assert.Equal(t, "hello", got)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 3, EstimateTokens("twelve bytes"))
}
