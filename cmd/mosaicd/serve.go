package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Mosaic-Protocol/internal/api"
	"Mosaic-Protocol/internal/observability/metrics"
	"Mosaic-Protocol/internal/task"
	"Mosaic-Protocol/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and task processor",
	Long: `Start the coordinator daemon.

Exposes:
  - /api/v1/tasks       queued task submission and inspection
  - /api/v1/runs        synchronous orchestration
  - /api/v1/events      websocket stream of orchestration events
  - /metrics, /healthz  Prometheus metrics and health probe`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	hub := api.NewHub()
	a, err := buildApp(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer a.close()

	store, queue, err := a.newTaskBackend(ctx)
	if err != nil {
		return err
	}
	service := task.NewService(store, queue, cfg.Queue.MaxRetries)
	// 先停止处理器再关闭存储与队列。
	a.onClose(func() { _ = service.Close() })

	processor := task.NewProcessor(a.runner, store, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(a.alerts),
	)

	opts := []api.Option{
		api.WithRunner(a.runner),
		api.WithHub(hub),
		api.WithToken(cfg.Server.Token),
		api.WithRunTimeout(cfg.Coordinator.AgentTimeout.Std() * 5),
	}
	if a.redis != nil {
		client := a.redis
		opts = append(opts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	for dsn, db := range a.dbs {
		db := db
		name := "mysql"
		if len(a.dbs) > 1 {
			name = "mysql:" + redactDSN(dsn)
		}
		opts = append(opts, api.WithHealthCheck(name, db.PingContext))
	}
	if a.chains != nil {
		chains := a.chains
		opts = append(opts, api.WithHealthCheck("chain", func(ctx context.Context) error {
			if len(chains.Snapshots(ctx)) == 0 {
				return errors.New("没有可用的链节点")
			}
			return nil
		}))
	}
	server := api.NewServer(cfg.Server.Address, service, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddr))
		})
	}

	printStatus(statusOK, fmt.Sprintf("mosaicd listening on %s", cfg.Server.Address))
	err = g.Wait()
	a.log.Info("守护进程退出", slog.Any("error", err))
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// redactDSN 去掉 DSN 中的凭据部分。
func redactDSN(dsn string) string {
	for i := len(dsn) - 1; i >= 0; i-- {
		if dsn[i] == '@' {
			return dsn[i+1:]
		}
	}
	return dsn
}
