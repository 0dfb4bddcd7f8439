package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"Mosaic-Protocol/internal/coordinator"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/task"
)

type stubRunner struct {
	mu       sync.Mutex
	tasks    []string
	quotes   []string
	optCount []int
	failWith xerrors.Code
}

func (s *stubRunner) ExecuteTask(_ context.Context, goal string, opts ...coordinator.RunOption) *market.TaskExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, goal)
	s.optCount = append(s.optCount, len(opts))
	if s.failWith != "" {
		return &market.TaskExecutionResult{RunID: "run-1", Error: "failed", ErrorCode: string(s.failWith)}
	}
	return &market.TaskExecutionResult{RunID: "run-1", Success: true, Output: "report", TotalCost: 800000, TotalCostFormatted: "0.8"}
}

func (s *stubRunner) ExecuteTaskWithQuote(_ context.Context, quote *market.Quote, opts ...coordinator.RunOption) *market.TaskExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = append(s.quotes, quote.QuoteID)
	s.optCount = append(s.optCount, len(opts))
	return &market.TaskExecutionResult{RunID: "run-q", Success: true, Output: "quoted", TotalCost: quote.TotalPrice}
}

func newTestServer(opts ...Option) (*Server, *task.MemoryStore) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(16), 3)
	return NewServer(":0", svc, opts...), store
}

func doRequest(t *testing.T, handler http.Handler, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleTaskDetailSuccess(t *testing.T) {
	server, store := newTestServer()

	sample := &task.Task{
		ID:         "task-success",
		Kind:       task.KindTask,
		Goal:       "demo",
		Status:     task.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		CreatedAt:  1700000000,
		UpdatedAt:  1700000001,
		Result: &market.TaskExecutionResult{
			Success: true,
			Output:  "ok",
		},
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}

	rec := doRequest(t, server.Handler(), http.MethodGet, "/api/v1/tasks/task-success", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID {
		t.Fatalf("unexpected task id: got %q want %q", got.ID, sample.ID)
	}
	if got.Result == nil || got.Result.Output != "ok" {
		t.Fatalf("unexpected task result: %+v", got.Result)
	}
}

func TestHandleTaskDetailErrors(t *testing.T) {
	server, _ := newTestServer()
	handler := server.Handler()

	t.Run("invalid method", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodDelete, "/api/v1/tasks/task-1", nil, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/v1/tasks/missing", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		var body errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Code != string(task.CodeTaskNotFound) {
			t.Fatalf("unexpected error code: %q", body.Code)
		}
	})

	t.Run("invalid status filter", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/v1/tasks?status=sleeping", nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestCreateListAndStatsTasks(t *testing.T) {
	server, _ := newTestServer()
	handler := server.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/tasks", task.Request{Goal: "research solana"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected create status: %d (%s)", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusPending || created.Kind != task.KindTask {
		t.Fatalf("unexpected created task: %+v", created)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/tasks", task.Request{Goal: "   "}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected validation failure, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/tasks?status=pending&kind=task&q=solana", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected list status: %d", rec.Code)
	}
	var listed []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("unexpected list result: %+v", listed)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/tasks?kind=quote", nil, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no quoted jobs, got %d", len(listed))
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/tasks/stats", nil, nil)
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunEndpoint(t *testing.T) {
	runner := &stubRunner{}
	server, _ := newTestServer(WithRunner(runner))
	handler := server.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/runs", runRequest{
		Task:   "research then analyze",
		Wallet: "0x00000000000000000000000000000000000000aa",
		RunID:  "run-1",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	var result market.TaskExecutionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.TotalCost != 800000 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if runner.optCount[0] != 2 {
		t.Fatalf("expected run id and wallet options, got %d", runner.optCount[0])
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/runs", runRequest{Task: "x", Wallet: "nope"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid wallet rejection, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/runs", runRequest{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected empty task rejection, got %d", rec.Code)
	}

	runner.failWith = xerrors.CodePlanningFailed
	rec = doRequest(t, handler, http.MethodPost, "/api/v1/runs", runRequest{Task: "broken"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected failed run to map to 422, got %d", rec.Code)
	}
}

func TestRunEndpointDisabledWithoutRunner(t *testing.T) {
	server, _ := newTestServer()
	rec := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/runs", runRequest{Task: "x"}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestExecuteQuoteEndpoint(t *testing.T) {
	runner := &stubRunner{}
	server, _ := newTestServer(WithRunner(runner))
	handler := server.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/quotes/execute", runRequest{Quote: &market.Quote{QuoteID: "q-empty"}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected empty quote rejection, got %d", rec.Code)
	}

	quote := &market.Quote{
		QuoteID:    "q-1",
		Task:       "research",
		Agents:     []market.AgentOption{{TokenID: 1, Name: "Researcher", Capability: "research", Price: 500000}},
		TotalPrice: 500000,
	}
	rec = doRequest(t, handler, http.MethodPost, "/api/v1/quotes/execute", runRequest{Quote: quote}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	if len(runner.quotes) != 1 || runner.quotes[0] != "q-1" {
		t.Fatalf("expected quoted execution, got %v", runner.quotes)
	}
}

func TestTokenMiddleware(t *testing.T) {
	server, _ := newTestServer(WithToken("secret"))
	handler := server.Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/tasks", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/v1/tasks", nil, map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/v1/tasks", nil, map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health check should not require a token, got %d", rec.Code)
	}
}

func TestHealthzReportsFailingChecks(t *testing.T) {
	server, _ := newTestServer(
		WithHealthCheck("redis", func(context.Context) error { return nil }),
		WithHealthCheck("chain", func(context.Context) error { return errors.New("rpc unreachable") }),
	)
	rec := doRequest(t, server.Handler(), http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rpc unreachable") {
		t.Fatalf("expected failing check in body: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer()
	handler := server.Handler()
	doRequest(t, handler, http.MethodGet, "/api/v1/tasks", nil, nil)

	rec := doRequest(t, handler, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/api/v1/tasks") {
		t.Fatalf("expected http metrics to include route label")
	}
}

func TestHubStreamsRunEvents(t *testing.T) {
	hub := NewHub()
	server, _ := newTestServer(WithHub(hub))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?run=run-1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Emit(ctx, events.New(events.TypeTaskPlan, "run-2", map[string]any{"subtasks": 1}))
	hub.Emit(ctx, events.New(events.TypePaymentSent, "run-1", map[string]any{"amount": 500000}))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != events.TypePaymentSent || evt.RunID != "run-1" {
		t.Fatalf("expected filtered run event, got %+v", evt)
	}
}
