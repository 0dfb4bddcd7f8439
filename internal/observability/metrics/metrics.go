// Package metrics 以 Prometheus 格式暴露编排、支付与 HTTP 指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mosaic"

// Registry 是本进程所有指标的注册表。
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_request_errors_total",
		Help: "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})
	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "runs_total",
		Help: "Orchestration runs by entry point and outcome.",
	}, []string{"kind", "outcome"})
	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "run_duration_seconds",
		Help:    "Orchestration run duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind"})
	subtasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "subtasks_total",
		Help: "Subtasks by capability and outcome (completed or a skip reason).",
	}, []string{"capability", "outcome"})
	spend = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "agent_spend_base_units_total",
		Help: "Amount charged to agents, in token base units.",
	}, []string{"capability", "autonomous"})
	verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "verifications_total",
		Help: "Verification attempts by result.",
	}, []string{"result"})
	collusionBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "collusion_blocks_total",
		Help: "Hires blocked by the collusion detector, by rule.",
	}, []string{"rule"})
	escrowActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "escrow_actions_total",
		Help: "Escrow settle and refund calls by result.",
	}, []string{"action", "result"})
	taskJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "task_jobs_total",
		Help: "Queued task jobs by final status.",
	}, []string{"status"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		runs, runDuration, subtasks, spend, verifications, collusionBlocks, escrowActions, taskJobs,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRun records one orchestration run.
func ObserveRun(kind string, success bool, duration time.Duration) {
	runs.WithLabelValues(kind, outcome(success)).Inc()
	runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveSubtask records how a subtask ended: "completed" or the skip reason.
func ObserveSubtask(capability, result string) {
	subtasks.WithLabelValues(capability, result).Inc()
}

// AddSpend adds a charge in base units.
func AddSpend(capability string, autonomous bool, amount int64) {
	if amount <= 0 {
		return
	}
	spend.WithLabelValues(capability, strconv.FormatBool(autonomous)).Add(float64(amount))
}

// ObserveVerification records one verification attempt.
func ObserveVerification(verified bool) {
	if verified {
		verifications.WithLabelValues("verified").Inc()
		return
	}
	verifications.WithLabelValues("failed").Inc()
}

// CollusionBlocked records a blocked hire.
func CollusionBlocked(rule string) {
	collusionBlocks.WithLabelValues(rule).Inc()
}

// ObserveEscrow records a settle or refund call.
func ObserveEscrow(action string, ok bool) {
	escrowActions.WithLabelValues(action, outcome(ok)).Inc()
}

// ObserveJob records a task job reaching a terminal status.
func ObserveJob(status string) {
	taskJobs.WithLabelValues(status).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
