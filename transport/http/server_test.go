package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/browser"
	"github.com/taskmesh/orchestrator/events"
	"github.com/taskmesh/orchestrator/executor"
	"github.com/taskmesh/orchestrator/llmsvc"
	"github.com/taskmesh/orchestrator/model"
	"github.com/taskmesh/orchestrator/pipeline"
	"github.com/taskmesh/orchestrator/planner"
	"github.com/taskmesh/orchestrator/ratelimit"
	"github.com/taskmesh/orchestrator/resilience"
	"github.com/taskmesh/orchestrator/resultparser"
	"github.com/taskmesh/orchestrator/scheduler"
	"github.com/taskmesh/orchestrator/taskstore"
)

func newTestServer(t *testing.T) (*Server, *taskstore.Store, *events.Broadcaster) {
	t.Helper()
	agent := llmsvc.NewFakeBrowserAgent(
		&llmsvc.BrowserAgentResult{Raw: `{}`},
		&llmsvc.BrowserAgentResult{Raw: `{}`},
		&llmsvc.BrowserAgentResult{Raw: `{"extracted":[{"name":"X","price":50,"rating":4.0,"source":"a"}]}`},
	)
	llm := llmsvc.NewFakeLLM(`{"comparison":"done"}`, `{"summary":"done"}`)

	exec := executor.New(executor.Config{
		LLM:            llm,
		Agent:          agent,
		LLMBreaker:     resilience.NewCircuitBreaker(resilience.Config{Name: "llm"}),
		BrowserBreaker: resilience.NewCircuitBreaker(resilience.Config{Name: "browser"}),
		Parser:         resultparser.New(nil, nil),
		BrowserTimeout: time.Second,
	})
	broadcaster := events.NewBroadcaster(nil)
	store := taskstore.New(nil, nil)

	driver := pipeline.New(pipeline.Config{
		Store:   store,
		Planner: planner.New(nil, nil),
		NewScheduler: func() *scheduler.Scheduler {
			return scheduler.New(exec, broadcaster, nil)
		},
		Broadcaster:         broadcaster,
		BrowserAgentFactory: func() browser.Agent { return nil },
		MaxSessions:         3,
	})

	srv := NewServer(Config{
		Driver:      driver,
		Store:       store,
		Broadcaster: broadcaster,
		Limiter:     ratelimit.New(10, 600, nil),
	})
	return srv, store, broadcaster
}

func TestHandleSubmitTaskSyncReturnsTerminalTask(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(submitTaskRequest{Command: "find a laptop from amazon", OutputFormat: "json", Sync: true})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var task model.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.True(t, task.Status.IsTerminal())
	assert.NotEmpty(t, rec.Header().Get("RateLimit-Limit"))
}

func TestHandleSubmitTaskAsyncReturnsQueuedEnvelope(t *testing.T) {
	srv, store, _ := newTestServer(t)

	body, _ := json.Marshal(submitTaskRequest{Command: "find a laptop from amazon", OutputFormat: "json"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var task model.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, model.TaskQueued, task.Status)

	stored, err := store.Get(req.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, stored.ID)
}

func TestHandleSubmitTaskRejectsEmptyCommand(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(submitTaskRequest{Command: "", OutputFormat: "json"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetTaskNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzIsExemptFromRateLimitHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("RateLimit-Limit"))
}

func TestRateLimitRejectsOverCapacity(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.limiter = ratelimit.New(1, 1, nil)

	body, _ := json.Marshal(submitTaskRequest{Command: "x", OutputFormat: "json"})

	req1 := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req1.RemoteAddr = "1.2.3.4:5555"
	rec1 := httptest.NewRecorder()
	srv.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusAccepted, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req2.RemoteAddr = "1.2.3.4:5555"
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
}
