package mosaic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Mosaic-Protocol/internal/api"
	"Mosaic-Protocol/internal/coordinator"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/task"
)

type echoRunner struct{}

func (echoRunner) ExecuteTask(_ context.Context, goal string, _ ...coordinator.RunOption) *market.TaskExecutionResult {
	if goal == "fail" {
		return &market.TaskExecutionResult{RunID: "run-fail", Error: "no agents", ErrorCode: "SYNTHESIS_FAILED"}
	}
	return &market.TaskExecutionResult{RunID: "run-ok", Success: true, Output: "report: " + goal, TotalCost: 800000}
}

func (echoRunner) ExecuteTaskWithQuote(_ context.Context, quote *market.Quote, _ ...coordinator.RunOption) *market.TaskExecutionResult {
	return &market.TaskExecutionResult{RunID: "run-quote", Success: true, Output: quote.Task, TotalCost: quote.TotalPrice}
}

func startDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	svc := task.NewService(store, queue, 3)
	processor := task.NewProcessor(echoRunner{}, store, queue, queue)
	go func() { _ = processor.Start(ctx) }()

	server := api.NewServer(":0", svc, api.WithRunner(echoRunner{}), api.WithToken("secret"))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitAndWaitForTask(t *testing.T) {
	srv := startDaemon(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, TaskSubmission{Goal: "analyze jupiter"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if submitted.ID == "" || submitted.Kind != "task" {
		t.Fatalf("unexpected submitted task: %+v", submitted)
	}

	done, err := client.WaitForTask(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result == nil || done.Result.Output != "report: analyze jupiter" {
		t.Fatalf("unexpected finished task: %+v", done)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != 1 || stats.TotalCost != 800000 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunTaskAndExecuteQuote(t *testing.T) {
	srv := startDaemon(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("secret")
	ctx := context.Background()

	result, err := client.RunTask(ctx, RunRequest{Task: "research"})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if !result.Success || result.RunID != "run-ok" {
		t.Fatalf("unexpected run result: %+v", result)
	}

	failed, err := client.RunTask(ctx, RunRequest{Task: "fail"})
	if err != nil {
		t.Fatalf("failed run should not be a transport error: %v", err)
	}
	if failed.Success || failed.ErrorCode != "SYNTHESIS_FAILED" {
		t.Fatalf("unexpected failed run: %+v", failed)
	}

	quoted, err := client.ExecuteQuote(ctx, Quote{
		QuoteID:    "q-1",
		Task:       "quoted research",
		Agents:     []Agent{{TokenID: 1, Name: "Researcher", Capability: "research", Price: 500000}},
		TotalPrice: 500000,
	}, "")
	if err != nil {
		t.Fatalf("execute quote: %v", err)
	}
	if quoted.TotalCost != 500000 || quoted.Output != "quoted research" {
		t.Fatalf("unexpected quoted run: %+v", quoted)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	srv := startDaemon(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.SubmitTask(context.Background(), TaskSubmission{Goal: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/task-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "TASK_NOT_FOUND", "error": "missing"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || apiErr.Message != "missing" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
