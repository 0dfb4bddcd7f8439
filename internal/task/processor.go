package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Mosaic-Protocol/internal/coordinator"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/observability/alerting"
	"Mosaic-Protocol/internal/observability/metrics"
	"Mosaic-Protocol/pkg/logger"
)

// Runner 定义了处理器所需的编排能力，由 coordinator.Coordinator 实现。
type Runner interface {
	ExecuteTask(ctx context.Context, task string, opts ...coordinator.RunOption) *market.TaskExecutionResult
	ExecuteTaskWithQuote(ctx context.Context, quote *market.Quote, opts ...coordinator.RunOption) *market.TaskExecutionResult
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result := p.run(ctx, task)
	if result.Success {
		return p.handleSuccess(ctx, task, result)
	}
	return p.handleFailure(ctx, task, result)
}

// run 把任务交给编排器；每次尝试使用独立的 runId，便于在账本中区分。
func (p *Processor) run(ctx context.Context, task *Task) *market.TaskExecutionResult {
	runID := task.ID
	if task.Attempts > 1 {
		runID = fmt.Sprintf("%s-%d", task.ID, task.Attempts)
	}
	opts := []coordinator.RunOption{coordinator.WithRunID(runID)}
	if task.Wallet != "" {
		opts = append(opts, coordinator.WithWallet(common.HexToAddress(task.Wallet)))
	}

	var result *market.TaskExecutionResult
	switch task.Kind {
	case KindQuote:
		if task.Quote == nil {
			break
		}
		result = p.runner.ExecuteTaskWithQuote(ctx, task.Quote, opts...)
	default:
		result = p.runner.ExecuteTask(ctx, task.Goal, opts...)
	}
	if result == nil {
		now := time.Now().UTC()
		result = &market.TaskExecutionResult{
			RunID:       runID,
			Error:       "编排器没有返回结果",
			ErrorCode:   string(CodeTaskProcessing),
			StartedAt:   now,
			CompletedAt: now,
		}
	}
	return result
}

func (p *Processor) handleSuccess(ctx context.Context, task *Task, result *market.TaskExecutionResult) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		// 运行已经扣费，不能重投，只能告警等待人工修复。
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务结果失败")
		logger.L().Error("标记任务成功状态失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, xerrors.CodeStorageFailure, wrapped, "persist")
		return wrapped
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("run_id", result.RunID),
		slog.String("kind", string(task.Kind)),
		slog.String("total_cost", result.TotalCostFormatted),
		slog.Int("agents", len(result.AgentsUsed)),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *Task, result *market.TaskExecutionResult) error {
	code := xerrors.Code(result.ErrorCode)
	if code == "" {
		code = CodeTaskProcessing
	}
	retry := retryable(code) && task.Attempts < task.MaxRetries
	terminal := !retry

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, result.Error, result, terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("run_id", result.RunID),
		slog.Bool("terminal", terminal),
		slog.String("error", result.Error),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.ObserveJob(string(StatusFailed))
		p.emitAlert(ctx, task, code, stdErrors.New(result.Error), "terminal")
		return nil
	}

	metrics.ObserveJob(string(StatusRetrying))
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage": stage,
		"kind":  string(task.Kind),
	}
	if cause != nil && cause.Error() != "" {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
