package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Mosaic-Protocol/internal/coordinator"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/observability/alerting"
)

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration

	mu       sync.Mutex
	failures map[string][]xerrors.Code
	quotes   []string
	optCount []int
}

func (f *fakeRunner) ExecuteTask(ctx context.Context, task string, opts ...coordinator.RunOption) *market.TaskExecutionResult {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return &market.TaskExecutionResult{Error: ctx.Err().Error(), ErrorCode: string(xerrors.CodeTimeout)}
		}
	}
	f.mu.Lock()
	f.optCount = append(f.optCount, len(opts))
	var code xerrors.Code
	if queued := f.failures[task]; len(queued) > 0 {
		code = queued[0]
		f.failures[task] = queued[1:]
	}
	f.mu.Unlock()

	f.processed.Add(1)
	if code != "" {
		return &market.TaskExecutionResult{Error: "run failed: " + string(code), ErrorCode: string(code)}
	}
	return &market.TaskExecutionResult{Success: true, Output: "done: " + task, TotalCost: 800000, TotalCostFormatted: "0.8"}
}

func (f *fakeRunner) ExecuteTaskWithQuote(_ context.Context, quote *market.Quote, opts ...coordinator.RunOption) *market.TaskExecutionResult {
	f.mu.Lock()
	f.quotes = append(f.quotes, quote.QuoteID)
	f.optCount = append(f.optCount, len(opts))
	f.mu.Unlock()
	f.processed.Add(1)
	return &market.TaskExecutionResult{Success: true, Output: "quoted", TotalCost: quote.TotalPrice}
}

type alertSink struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertSink) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *alertSink) snapshot() []alerting.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Event(nil), a.events...)
}

func startProcessor(t *testing.T, runner Runner, opts ...ProcessorOption) (*Service, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue, opts...)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return service, ctx
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	runner := &fakeRunner{latency: 10 * time.Millisecond}
	service, ctx := startProcessor(t, runner, WithWorkerCount(8))

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, Request{Goal: fmt.Sprintf("goal-%d", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(runner.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", runner.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesPlanningFailures(t *testing.T) {
	runner := &fakeRunner{failures: map[string][]xerrors.Code{
		"flaky": {xerrors.CodePlanningFailed, xerrors.CodePlanningFailed},
	}}
	service, ctx := startProcessor(t, runner)

	submitted, err := service.Submit(ctx, Request{Goal: "flaky"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("expected success after retries, got %s (%s)", done.Status, done.LastError)
	}
	if done.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", done.Attempts)
	}
	if done.Result == nil || done.Result.TotalCost != 800000 {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
}

func TestProcessorDoesNotRetryAfterCharges(t *testing.T) {
	runner := &fakeRunner{failures: map[string][]xerrors.Code{
		"broken": {xerrors.CodeSynthesisFailed},
	}}
	alerts := &alertSink{}
	service, ctx := startProcessor(t, runner, WithAlertDispatcher(alerts))

	submitted, err := service.Submit(ctx, Request{Goal: "broken"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 1 {
		t.Fatalf("expected terminal failure on first attempt, got %+v", done)
	}
	if done.ErrorCode != string(xerrors.CodeSynthesisFailed) {
		t.Fatalf("unexpected error code: %s", done.ErrorCode)
	}
	if done.Result == nil {
		t.Fatalf("expected failed run result to be stored")
	}

	events := alerts.snapshot()
	if len(events) != 1 || events[0].TaskID != submitted.ID || events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alerts: %+v", events)
	}
}

func TestProcessorExhaustsPlanningRetries(t *testing.T) {
	runner := &fakeRunner{failures: map[string][]xerrors.Code{
		"hopeless": {xerrors.CodePlanningFailed, xerrors.CodePlanningFailed, xerrors.CodePlanningFailed},
	}}
	service, ctx := startProcessor(t, runner)

	submitted, err := service.Submit(ctx, Request{Goal: "hopeless"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got %s/%d", done.Status, done.Attempts)
	}
}

func TestProcessorRoutesQuotedJobs(t *testing.T) {
	runner := &fakeRunner{}
	service, ctx := startProcessor(t, runner)

	quote := &market.Quote{
		QuoteID:    "q-1",
		Task:       "research then analyze",
		Agents:     []market.AgentOption{{TokenID: 1, Name: "Researcher", Capability: "research", Price: 500000}},
		TotalPrice: 500000,
	}
	submitted, err := service.Submit(ctx, Request{Quote: quote, Wallet: "0x00000000000000000000000000000000000000aa"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Kind != KindQuote || submitted.Goal != quote.Task {
		t.Fatalf("unexpected submitted job: %+v", submitted)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result.TotalCost != 500000 {
		t.Fatalf("unexpected quoted job: %+v", done)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.quotes) != 1 || runner.quotes[0] != "q-1" {
		t.Fatalf("expected quoted execution, got %v", runner.quotes)
	}
	if runner.optCount[0] != 2 {
		t.Fatalf("expected run id and wallet options, got %d", runner.optCount[0])
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	ctx := context.Background()

	if _, err := service.Submit(ctx, Request{Goal: "  "}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for empty goal, got %v", err)
	}
	if _, err := service.Submit(ctx, Request{Goal: "g", Wallet: "not-an-address"}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for wallet, got %v", err)
	}
	if _, err := service.Submit(ctx, Request{Quote: &market.Quote{Task: "t"}}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for empty quote, got %v", err)
	}

	first, err := service.Submit(ctx, Request{ID: "fixed", Goal: "g"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := service.Submit(ctx, Request{ID: "fixed", Goal: "other"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != first.ID || again.Goal != "g" {
		t.Fatalf("expected idempotent submit, got %+v", again)
	}
}
