package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folio-ai/folio/bus"
	"github.com/folio-ai/folio/comfy"
	"github.com/folio-ai/folio/gen"
	foliotesting "github.com/folio-ai/folio/internal/testing"
	"github.com/folio-ai/folio/queue"
	"github.com/folio-ai/folio/storage"
	"github.com/folio-ai/folio/workflow"
)

type testServer struct {
	srv     *Server
	store   *gen.Store
	service *gen.Service
	queue   *queue.Queue
	events  *bus.Bus
	ts      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	conn := foliotesting.CreateTestDB(t)
	store := gen.NewStore(conn)

	files, err := storage.New(t.TempDir())
	require.NoError(t, err)

	q, err := queue.Open(files.Root(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	events := bus.New(nil)
	service := gen.NewService(store, q, events, files, workflow.Builtin, nil)
	worker := comfy.New("http://127.0.0.1:1", time.Millisecond, nil)

	srv := New(service, q, events, worker, files, []string{"http://localhost:5173"}, true, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, store: store, service: service, queue: q, events: events, ts: ts}
}

func (s *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeGeneration(t *testing.T, resp *http.Response) *gen.Generation {
	t.Helper()
	defer resp.Body.Close()
	var g gen.Generation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&g))
	return &g
}

func TestCreateGeneration(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/api/generations", map[string]any{
		"portfolio_id":    "p1",
		"generation_type": "txt2img",
		"prompt":          "a red barn",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	g := decodeGeneration(t, resp)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, gen.StatusPending, g.Status)
	assert.Equal(t, 1024, g.Width)

	// Entry is waiting at HIGH
	status := s.queue.Status()
	assert.Equal(t, 1, status.HighPending)
}

func TestCreateGenerationValidationError(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/api/generations", map[string]any{
		"portfolio_id":    "p1",
		"generation_type": "not-a-kind",
		"prompt":          "x",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetGeneration(t *testing.T) {
	s := newTestServer(t)

	created, err := s.service.Create(&gen.CreateRequest{
		PortfolioID: "p1", Kind: "txt2img", Prompt: "x",
	})
	require.NoError(t, err)

	resp, err := http.Get(s.ts.URL + "/api/generations/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	g := decodeGeneration(t, resp)
	assert.Equal(t, created.ID, g.ID)
}

func TestGetGenerationNotFound(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/generations/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListGenerations(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, err := s.service.Create(&gen.CreateRequest{
			PortfolioID: "p1", Kind: "txt2img", Prompt: "x",
		})
		require.NoError(t, err)
	}

	resp, err := http.Get(s.ts.URL + "/api/generations?portfolio_id=p1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var gens []*gen.Generation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gens))
	assert.Len(t, gens, 3)
}

func TestListGenerationsRequiresPortfolio(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/generations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIterateGeneration(t *testing.T) {
	s := newTestServer(t)

	created, err := s.service.Create(&gen.CreateRequest{
		PortfolioID: "p1", Kind: "txt2img", Prompt: "original",
	})
	require.NoError(t, err)

	resp := s.post(t, "/api/generations/"+created.ID+"/iterate", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	variation := decodeGeneration(t, resp)
	assert.Equal(t, created.ID, variation.ParentID)
	assert.Equal(t, "original", variation.Prompt)
	assert.NotEqual(t, created.ID, variation.ID)
}

func TestDeleteGeneration(t *testing.T) {
	s := newTestServer(t)

	created, err := s.service.Create(&gen.CreateRequest{
		PortfolioID: "p1", Kind: "txt2img", Prompt: "x",
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, s.ts.URL+"/api/generations/"+created.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)

	_, err = s.store.Get(created.ID)
	require.Error(t, err)
}

func TestQueueStatus(t *testing.T) {
	s := newTestServer(t)

	_, err := s.service.Create(&gen.CreateRequest{
		PortfolioID: "p1", Kind: "txt2img", Prompt: "x",
	})
	require.NoError(t, err)

	resp, err := http.Get(s.ts.URL + "/api/queue/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status queue.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 0, status.Running)
}

func TestHealthReportsUnreachableWorker(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["comfyui_healthy"])
	assert.Equal(t, true, health["ffmpeg_available"])
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ts.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	readFrame := func() (string, string) {
		t.Helper()
		eventLine, err := reader.ReadString('\n')
		require.NoError(t, err)
		dataLine, err := reader.ReadString('\n')
		require.NoError(t, err)
		blank, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "\n", blank)

		require.True(t, strings.HasPrefix(eventLine, "event: "))
		require.True(t, strings.HasPrefix(dataLine, "data: "))
		return strings.TrimSpace(strings.TrimPrefix(eventLine, "event: ")),
			strings.TrimSpace(strings.TrimPrefix(dataLine, "data: "))
	}

	// Connected handshake arrives first
	event, data := readFrame()
	assert.Equal(t, "connected", event)
	assert.Equal(t, "{}", data)

	// Wait for the subscription to be registered, then publish
	require.Eventually(t, func() bool {
		return s.events.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	s.events.Publish(bus.EventGenerationCreated, map[string]string{"id": "g1"})

	event, data = readFrame()
	assert.Equal(t, bus.EventGenerationCreated, event)
	assert.JSONEq(t, `{"id": "g1"}`, data)
}

func TestCORSHeaders(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/queue/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	// Unknown origins get no CORS grant
	req2, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/queue/status", nil)
	require.NoError(t, err)
	req2.Header.Set("Origin", "http://evil.example")

	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}
