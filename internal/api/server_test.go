package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"komorebi/internal/bulk"
	"komorebi/internal/capture"
	"komorebi/internal/compactor"
	"komorebi/internal/events"
	"komorebi/internal/logging"
	"komorebi/internal/similarity"
	"komorebi/internal/storage"
	"komorebi/internal/worker"
	"komorebi/pkg/types"
)

type staticLLM struct{}

func (staticLLM) Available(_ context.Context) bool { return false }
func (staticLLM) Summarize(_ context.Context, _ string, _ int, _ string) (string, error) {
	return "", types.ErrUnavailable
}
func (staticLLM) Generate(_ context.Context, _ string, _ string, _ int) (string, error) {
	return "", types.ErrUnavailable
}
func (staticLLM) ExtractEntities(_ context.Context, _ string, _ string) (string, error) {
	return "", types.ErrUnavailable
}
func (staticLLM) StreamSummary(_ context.Context, _ string) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

type testEnv struct {
	server *httptest.Server
	store  *storage.SQLStore
	bus    *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "komorebi.db"), 1, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(logging.NewNop())
	t.Cleanup(bus.Close)

	// The pool is deliberately not started: captured chunks stay at
	// inbox, which keeps listing assertions deterministic.
	pool := worker.NewPool(worker.Config{Workers: 1, QueueCapacity: 100}, logging.NewNop())

	comp := compactor.New(compactor.Config{}, store, staticLLM{}, bus, nil, logging.NewNop())
	captureService := capture.NewService(capture.Config{}, store, bus, pool, comp, logging.NewNop())
	bulkManager := bulk.NewManager(store, bus, logging.NewNop())
	finder := similarity.NewFinder(store)

	apiServer := NewServer(Config{}, store, captureService, comp, bulkManager, nil, finder, bus, logging.NewNop())
	httpServer := httptest.NewServer(apiServer.Router())
	t.Cleanup(httpServer.Close)

	return &testEnv{server: httpServer, store: store, bus: bus}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCaptureEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/chunks", map[string]any{
		"content": "Fix login bug in session handler",
		"tags":    []string{"bug"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	chunk := decodeJSON[types.Chunk](t, resp)
	assert.Equal(t, types.StatusInbox, chunk.Status)
	assert.Equal(t, []string{"bug"}, chunk.Tags)

	// Captured chunk is immediately queryable at inbox.
	listResp := env.get(t, "/api/v1/chunks?status=inbox")
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	listing := decodeJSON[struct {
		Items []types.Chunk `json:"items"`
		Total int           `json:"total"`
	}](t, listResp)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, chunk.ID, listing.Items[0].ID)
}

func TestCaptureEndpoint_Validation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/chunks", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	badResp, err := http.Post(env.server.URL+"/api/v1/chunks", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
	_ = badResp.Body.Close()
}

func TestGetChunkEndpoint(t *testing.T) {
	env := newTestEnv(t)

	created := decodeJSON[types.Chunk](t, env.post(t, "/api/v1/chunks", map[string]any{"content": "find me"}))

	resp := env.get(t, "/api/v1/chunks/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[struct {
		Chunk    types.Chunk    `json:"chunk"`
		Entities []types.Entity `json:"entities"`
	}](t, resp)
	assert.Equal(t, "find me", body.Chunk.Content)
	assert.Empty(t, body.Entities)

	missing := env.get(t, "/api/v1/chunks/does-not-exist")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	_ = missing.Body.Close()
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	decodeJSON[types.Chunk](t, env.post(t, "/api/v1/chunks", map[string]any{"content": "postgres connection pool exhausted"}))
	decodeJSON[types.Chunk](t, env.post(t, "/api/v1/chunks", map[string]any{"content": "frontend button misaligned"}))

	resp := env.get(t, "/api/v1/chunks?q=postgres")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeJSON[struct {
		Items []types.Chunk `json:"items"`
		Total int           `json:"total"`
	}](t, resp)
	require.Equal(t, 1, listing.Total)
	assert.Contains(t, listing.Items[0].Content, "postgres")
}

func TestProjectEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/projects", map[string]any{
		"name":        "komorebi",
		"description": "cognitive infrastructure",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	project := decodeJSON[types.Project](t, resp)
	assert.NotEmpty(t, project.ID)

	listResp := env.get(t, "/api/v1/projects")
	listing := decodeJSON[struct {
		Items []types.Project `json:"items"`
		Total int             `json:"total"`
	}](t, listResp)
	assert.Equal(t, 1, listing.Total)

	empty := env.post(t, "/api/v1/projects", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, empty.StatusCode)
	_ = empty.Body.Close()
}

func TestProjectEntitiesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := decodeJSON[types.Project](t, env.post(t, "/api/v1/projects", map[string]any{"name": "apollo"}))
	chunk := decodeJSON[types.Chunk](t, env.post(t, "/api/v1/chunks", map[string]any{
		"content":    "see https://example.com/docs",
		"project_id": project.ID,
	}))

	_, err := env.store.BulkCreateEntities(ctx, []*types.Entity{
		types.NewEntity(chunk.ID, project.ID, types.EntityURL, "https://example.com/docs", "", 0.95),
		types.NewEntity(chunk.ID, project.ID, types.EntityToolID, "grep", "", 0.7),
	})
	require.NoError(t, err)

	resp := env.get(t, "/api/v1/projects/"+project.ID+"/entities?type=URL")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeJSON[struct {
		Items []types.Entity `json:"items"`
		Total int            `json:"total"`
	}](t, resp)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, "https://example.com/docs", listing.Items[0].Value)
}

func TestBulkEndpoints(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		decodeJSON[types.Chunk](t, env.post(t, "/api/v1/chunks", map[string]any{"content": fmt.Sprintf("note %d", i)}))
	}

	resp := env.post(t, "/api/v1/bulk", map[string]any{
		"action": "archive",
		"filter": map[string]any{"status": "inbox"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	action := decodeJSON[types.BulkAction](t, resp)
	assert.Equal(t, 3, action.AffectedCount)

	undoResp := env.post(t, "/api/v1/bulk/"+action.ID+"/undo", nil)
	require.Equal(t, http.StatusOK, undoResp.StatusCode)
	undone := decodeJSON[types.BulkAction](t, undoResp)
	assert.True(t, undone.Undone)

	again := env.post(t, "/api/v1/bulk/"+action.ID+"/undo", nil)
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	_ = again.Body.Close()
}

func TestMCPEndpointsWithoutServers(t *testing.T) {
	env := newTestEnv(t)

	tools := env.get(t, "/api/v1/mcp/tools")
	assert.Equal(t, http.StatusOK, tools.StatusCode)
	_ = tools.Body.Close()

	call := env.post(t, "/api/v1/mcp/call", map[string]any{"server": "x", "tool": "y"})
	assert.Equal(t, http.StatusServiceUnavailable, call.StatusCode)
	_ = call.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	// First frame is the connected comment.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ":"))

	env.bus.Publish(types.NewEvent(types.EventChunkCreated).WithChunk("c-1"))

	deadline := time.After(3 * time.Second)
	found := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: ") {
				found <- strings.TrimSpace(strings.TrimPrefix(line, "event: "))
				return
			}
		}
	}()

	select {
	case eventType := <-found:
		assert.Equal(t, types.EventChunkCreated, eventType)
	case <-deadline:
		t.Fatal("no SSE event received")
	}
}

func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	// Give the server loop a beat to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	env.bus.Publish(types.NewEvent(types.EventChunkUpdated).WithChunk("c-2"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event types.ChunkEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, types.EventChunkUpdated, event.Type)
	assert.Equal(t, "c-2", event.ChunkID)
}
