package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"Mosaic-Protocol/internal/observability/metrics"
	"Mosaic-Protocol/internal/task"
	"Mosaic-Protocol/pkg/logger"
)

// TaskService 是 API 依赖的任务服务能力。
type TaskService interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// HealthCheck 在 /healthz 中报告某个依赖的可用性。
type HealthCheck func(ctx context.Context) error

// Server 负责暴露 REST 与 WebSocket 接口，供外部提交和观察编排任务。
type Server struct {
	addr    string
	tasks   TaskService
	runner  task.Runner
	hub     *Hub
	token   string
	checks  map[string]HealthCheck
	timeout time.Duration
	log     *slog.Logger
}

// Option 调整 Server 的可选行为。
type Option func(*Server)

// WithRunner 启用同步执行接口 /runs 与 /quotes/execute。
func WithRunner(runner task.Runner) Option {
	return func(s *Server) { s.runner = runner }
}

// WithHub 启用 /events WebSocket 推送。
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithToken 要求请求携带指定的 Bearer Token，空字符串表示不鉴权。
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithHealthCheck 注册一个健康检查项。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithRunTimeout 限制同步执行接口的最长耗时。
func WithRunTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		tasks:   tasks,
		checks:  make(map[string]HealthCheck),
		timeout: 5 * time.Minute,
		log:     logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回挂载了全部路由的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireToken(s.token))

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/stats", s.handleTaskStats)
		r.Get("/tasks/{id}", s.handleTaskDetail)

		r.Post("/runs", s.handleRun)
		r.Post("/quotes/execute", s.handleExecuteQuote)

		if s.hub != nil {
			r.Get("/events", s.hub.HandleWS)
		}
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	body := map[string]any{"status": "ok", "checks": report}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.hub != nil {
		body["websocket_clients"] = s.hub.ConnectionCount()
	}
	writeJSON(w, status, body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
