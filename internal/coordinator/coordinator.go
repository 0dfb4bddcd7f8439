// Package coordinator 驱动一次用户任务从规划到最终交付：按优先级逐个拍卖子任务，
// 执行合谋检查、出资、执行与验证，合并结果，允许代理自主雇佣，最后综合输出。
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"Mosaic-Protocol/internal/auction"
	"Mosaic-Protocol/internal/autonomy"
	"Mosaic-Protocol/internal/collusion"
	"Mosaic-Protocol/internal/discovery"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/executor"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/observability/alerting"
	"Mosaic-Protocol/internal/observability/metrics"
	"Mosaic-Protocol/internal/payment"
	"Mosaic-Protocol/internal/planner"
	"Mosaic-Protocol/internal/protocol"
	"Mosaic-Protocol/pkg/logger"
)

// Config 是协调器的运行参数。
type Config struct {
	// Identity 是协调器自身的代理身份，作为顶层雇佣方与默认付款方。
	Identity       market.AgentOption
	Funding        payment.Mode
	ZKVerification bool
	Fallback       bool
	MaxDepth       int
	AutonomyBudget int64
	AgentTimeout   time.Duration
}

// Deps 是协调器依赖的协作方。Reputation、Escrow、Events、Alerts 与 Dispatcher 可以为空。
type Deps struct {
	Planner    planner.Planner
	Auction    auction.Auctioneer
	Collusion  *collusion.Detector
	Payments   *payment.Service
	Executors  *executor.Registry
	Reputation discovery.Reputation
	Escrow     payment.Escrow
	Events     events.Sink
	Alerts     alerting.Dispatcher
	Dispatcher *protocol.Dispatcher
}

// Coordinator 是任务编排器。多个运行可以并发执行，每个运行独占自己的 RunState 与 TaskContext。
type Coordinator struct {
	cfg      Config
	deps     Deps
	sink     events.Sink
	autonomy *autonomy.Engine
	tracer   trace.Tracer
	log      *slog.Logger

	background sync.WaitGroup
}

// New 创建协调器。
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Planner == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置规划器")
	case deps.Collusion == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置合谋检测器")
	case deps.Payments == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置支付服务")
	case deps.Executors == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置执行器注册表")
	}
	if cfg.Funding == "" {
		cfg.Funding = payment.ModeStreaming
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = market.DefaultMaxDepth
	}
	if cfg.Identity.Name == "" {
		cfg.Identity.Name = "coordinator"
	}
	sink := deps.Events
	if sink == nil {
		sink = events.Nop
	}
	c := &Coordinator{
		cfg:    cfg,
		deps:   deps,
		sink:   sink,
		tracer: otel.Tracer("Mosaic-Protocol/internal/coordinator"),
		log:    logger.Named("coordinator"),
	}
	c.autonomy = autonomy.NewEngine(c,
		autonomy.WithDispatcher(deps.Dispatcher),
		autonomy.WithDelegator(cfg.Identity.Wallet),
		autonomy.WithEvents(sink))
	return c, nil
}

// Config 返回生效的配置。
func (c *Coordinator) Config() Config { return c.cfg }

// Wait 等待后台的信誉反馈写完，用于停机与测试。
func (c *Coordinator) Wait() { c.background.Wait() }

type runOptions struct {
	runID  string
	wallet *common.Address
	// escrowFunded 为真时资金全部来自协调器托管池，用户钱包只作记录。
	escrowFunded bool
}

// RunOption 调整单次运行。
type RunOption func(*runOptions)

// WithRunID 指定运行编号，便于与外部任务关联。
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithWallet 指定付款钱包，未指定时由协调器钱包付款。
func WithWallet(addr common.Address) RunOption {
	return func(o *runOptions) { o.wallet = &addr }
}

// run 是一次运行内的全部状态。
type run struct {
	state   *market.RunState
	tctx    *market.TaskContext
	em      events.Emitter
	payer   common.Address
	log     *slog.Logger
	started time.Time
}

func (c *Coordinator) newRun(task string, opts []RunOption) *run {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := market.NewRunState()
	if o.runID != "" {
		state.RunID = o.runID
	}
	payer := c.cfg.Identity.Wallet
	if o.wallet != nil && !o.escrowFunded {
		payer = *o.wallet
	}
	r := &run{
		state:   state,
		tctx:    market.NewTaskContext(task, c.cfg.MaxDepth, o.wallet),
		em:      events.NewEmitter(c.sink, state.RunID),
		payer:   payer,
		log:     logger.ForRun("coordinator", state.RunID),
		started: time.Now(),
	}
	c.autonomy.DelegateBudget(state, payer, c.cfg.Identity.Wallet, c.cfg.AutonomyBudget)
	return r
}

// ExecuteTask 执行一个自然语言任务。规划或综合失败时返回 Success=false 的结果，
// 子任务级别的失败只会跳过该子任务。
func (c *Coordinator) ExecuteTask(ctx context.Context, task string, opts ...RunOption) (result *market.TaskExecutionResult) {
	r := c.newRun(task, opts)
	ctx, span := c.tracer.Start(ctx, "coordinator.ExecuteTask", trace.WithAttributes(
		attribute.String("run.id", r.state.RunID),
		attribute.String("funding", string(c.cfg.Funding)),
	))
	defer func() { c.finish(ctx, span, r, "task", result) }()
	defer c.recoverRun(r, nil, &result)

	r.log.InfoContext(ctx, "开始执行任务", slog.Int("task_len", len(task)))
	plan, err := c.deps.Planner.Plan(ctx, task)
	if err != nil {
		return c.fail(ctx, r, nil, xerrors.CodePlanningFailed, err)
	}
	r.em.Emit(ctx, events.TypeTaskPlan, map[string]any{"plan": plan, "subtasks": len(plan.Subtasks)})

	c.runSubtasks(ctx, r, plan, func(st market.Subtask) (hireSpec, *Step) {
		return hireSpec{
			capability: st.Capability,
			task:       st.Task,
			hirer:      c.cfg.Identity,
			funding:    c.cfg.Funding,
			payer:      r.payer,
			mergeKey:   mergeByName,
		}, nil
	})
	return c.synthesize(ctx, r, plan)
}

// runSubtasks 按优先级顺序执行子任务。子任务之间严格串行，后一个可以看到前一个合并的结果。
// specFor 返回非空 Step 时该子任务直接按其结论跳过。
func (c *Coordinator) runSubtasks(ctx context.Context, r *run, plan *market.TaskPlan, specFor func(market.Subtask) (hireSpec, *Step)) {
	for idx, st := range plan.Ordered() {
		sctx, span := c.tracer.Start(ctx, "coordinator.subtask", trace.WithAttributes(
			attribute.Int("subtask.index", idx),
			attribute.String("subtask.capability", st.Capability),
			attribute.Int("subtask.priority", st.Priority),
		))
		spec, pre := specFor(st)
		var step Step
		if pre != nil {
			step = *pre
		} else {
			step = c.runStep(sctx, r, spec)
		}
		span.SetAttributes(attribute.String("subtask.outcome", step.outcome()))

		if step.Kind == StepSkipped {
			c.skip(sctx, r, st, step)
			span.End()
			continue
		}
		final, additional := c.autonomy.ProcessAgentResult(sctx, r.state, step.Agent, step.Result, r.tctx)
		if len(additional) > 0 {
			r.log.InfoContext(sctx, "子任务触发自主雇佣",
				slog.String("agent", step.Agent.Name),
				slog.Int("hired", len(final.SubAgentsHired)),
				slog.Int("results", len(additional)))
		}
		c.recordReputation(sctx, r, step.Agent, true)
		metrics.ObserveSubtask(st.Capability, "completed")
		span.End()
	}
}

func (c *Coordinator) skip(ctx context.Context, r *run, st market.Subtask, step Step) {
	r.state.Skip(market.SkippedSubtask{Capability: st.Capability, Task: st.Task, Reason: step.Reason, Detail: step.Detail})
	payload := map[string]any{"capability": st.Capability, "reason": step.Reason, "detail": step.Detail}
	if step.Agent.Name != "" {
		payload["agent"] = step.Agent.Name
	}
	r.em.Emit(ctx, events.TypeSkipped, payload)
	r.log.WarnContext(ctx, "跳过子任务",
		slog.String("capability", st.Capability),
		slog.String("reason", step.Reason),
		slog.String("detail", step.Detail))
	if step.executed {
		c.recordReputation(ctx, r, step.Agent, false)
	}
	metrics.ObserveSubtask(st.Capability, step.Reason)
}

// synthesize 综合各代理输出并组装最终结果。
func (c *Coordinator) synthesize(ctx context.Context, r *run, plan *market.TaskPlan) *market.TaskExecutionResult {
	output, err := c.deps.Planner.Synthesize(ctx, r.tctx.OriginalTask, plan, r.tctx.PreviousResults)
	if err != nil {
		return c.fail(ctx, r, plan, xerrors.CodeSynthesisFailed, err)
	}
	result := r.state.Result(plan, output, "", "")
	r.em.Emit(ctx, events.TypeTaskComplete, map[string]any{
		"totalCost":               result.TotalCostFormatted,
		"agentsUsed":              len(result.AgentsUsed),
		"decisions":               result.Decisions,
		"autonomousDecisions":     result.AutonomousDecisions,
		"verificationsCompleted":  result.VerificationsCompleted,
		"verificationsSuccessful": result.VerificationsSuccessful,
		"microPayments":           result.MicroPayments,
		"skipped":                 len(result.Skipped),
	})
	return result
}

// fail 组装失败结果。
func (c *Coordinator) fail(ctx context.Context, r *run, plan *market.TaskPlan, code xerrors.Code, err error) *market.TaskExecutionResult {
	r.log.ErrorContext(ctx, "任务执行失败", slog.String("code", string(code)), slog.Any("error", err))
	r.em.Emit(ctx, events.TypeTaskFailed, map[string]any{"code": string(code), "error": err.Error()})
	return r.state.Result(plan, "", string(code), err.Error())
}

// recoverRun 把运行中未预期的 panic 转为失败结果。
func (c *Coordinator) recoverRun(r *run, plan *market.TaskPlan, result **market.TaskExecutionResult) {
	if rec := recover(); rec != nil {
		err := xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("运行异常: %v", rec))
		*result = c.fail(context.Background(), r, plan, xerrors.CodeUnknown, err)
	}
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, r *run, kind string, result *market.TaskExecutionResult) {
	defer span.End()
	if result == nil {
		return
	}
	span.SetAttributes(
		attribute.Int64("run.total_cost", result.TotalCost),
		attribute.Int("run.agents_used", len(result.AgentsUsed)),
		attribute.Int("run.skipped", len(result.Skipped)),
	)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	metrics.ObserveRun(kind, result.Success, time.Since(r.started))
	r.log.InfoContext(ctx, "任务结束",
		slog.Bool("success", result.Success),
		slog.Int64("total_cost", result.TotalCost),
		slog.Int("agents_used", len(result.AgentsUsed)),
		slog.Int("skipped", len(result.Skipped)))
}

// recordReputation 在后台写入信誉反馈，失败只记录日志。
func (c *Coordinator) recordReputation(ctx context.Context, r *run, agent market.AgentOption, success bool) {
	if c.deps.Reputation == nil || agent.TokenID == 0 {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.deps.Reputation.RecordTaskCompletion(rctx, agent.TokenID, success); err != nil {
			r.log.Warn("写入信誉反馈失败", slog.String("agent", agent.Name), slog.Any("error", err))
			return
		}
		r.em.Emit(rctx, events.TypeReputationSaved, map[string]any{"agent": agent.Name, "tokenId": agent.TokenID, "success": success})
	}()
}
