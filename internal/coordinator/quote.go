package coordinator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/observability/metrics"
	"Mosaic-Protocol/internal/payment"
)

// escrowBinder 由能把托管与运行编号关联起来的托管实现提供。
type escrowBinder interface {
	BindRun(escrowID, runID string)
}

// ExecuteTaskWithQuote 按已支付的报价执行任务：不再拍卖，直接使用报价中预选的代理，
// 资金一律以流式方式从托管中支出。结束时托管恰好被结算或退款一次。
func (c *Coordinator) ExecuteTaskWithQuote(ctx context.Context, quote *market.Quote, opts ...RunOption) (result *market.TaskExecutionResult) {
	if quote == nil {
		r := c.newRun("", opts)
		return c.fail(ctx, r, nil, xerrors.CodeInvalidArgument, xerrors.New(xerrors.CodeInvalidArgument, "报价不能为空"))
	}
	if quote.PayerWallet != nil {
		opts = append([]RunOption{WithWallet(*quote.PayerWallet)}, opts...)
	}
	// 用户已向托管存入报价金额，自主雇佣同样从协调器钱包支出。
	opts = append(opts, func(o *runOptions) { o.escrowFunded = true })
	r := c.newRun(quote.Task, opts)
	ctx, span := c.tracer.Start(ctx, "coordinator.ExecuteTaskWithQuote", trace.WithAttributes(
		attribute.String("run.id", r.state.RunID),
		attribute.String("quote.id", quote.QuoteID),
		attribute.String("escrow.id", quote.EscrowTaskID),
	))
	defer func() { c.finish(ctx, span, r, "quote", result) }()
	defer func() { c.compensate(ctx, r, quote, result) }()
	defer c.recoverRun(r, &quote.Plan, &result)

	if b, ok := c.deps.Escrow.(escrowBinder); ok && quote.EscrowTaskID != "" {
		b.BindRun(quote.EscrowTaskID, r.state.RunID)
	}
	if quote.Expired(time.Now()) {
		return c.fail(ctx, r, &quote.Plan, xerrors.CodeQuoteExpired,
			xerrors.New(xerrors.CodeQuoteExpired, "", xerrors.WithMetadata("quote_id", quote.QuoteID)))
	}

	plan := quote.Plan
	r.em.Emit(ctx, events.TypeTaskPlan, map[string]any{"plan": plan, "subtasks": len(plan.Subtasks), "quoteId": quote.QuoteID})
	c.runSubtasks(ctx, r, &plan, func(st market.Subtask) (hireSpec, *Step) {
		spec := hireSpec{
			capability: st.Capability,
			task:       st.Task,
			hirer:      c.cfg.Identity,
			funding:    payment.ModeStreaming,
			escrowID:   quote.EscrowTaskID,
			payer:      c.cfg.Identity.Wallet,
			mergeKey:   mergeByCapability,
		}
		agent, ok := quote.AgentFor(st.Capability)
		if !ok {
			return spec, &Step{Kind: StepSkipped, Reason: ReasonQuoteMismatch, Detail: "报价中没有 " + st.Capability + " 代理"}
		}
		spec.agent = &agent
		return spec, nil
	})
	return c.synthesize(ctx, r, &plan)
}

// compensate 在运行结束后结算或退还托管。失败只记录日志、告警并发出事件，不改变运行结果。
func (c *Coordinator) compensate(ctx context.Context, r *run, quote *market.Quote, result *market.TaskExecutionResult) {
	if c.deps.Escrow == nil || quote.EscrowTaskID == "" || result == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var (
		action = "settle"
		err    error
	)
	if result.Success {
		_, err = c.deps.Escrow.SettleEscrowTask(ctx, quote.EscrowTaskID, true)
	} else {
		action = "refund"
		_, err = c.deps.Escrow.RefundEscrowTask(ctx, quote.EscrowTaskID, result.Error)
	}
	metrics.ObserveEscrow(action, err == nil)
	if err == nil {
		r.log.InfoContext(ctx, "托管已处理", slog.String("escrow_id", quote.EscrowTaskID), slog.String("action", action))
		return
	}
	if !xerrors.HasCode(err, xerrors.CodeEscrowClosed) && !xerrors.HasCode(err, xerrors.CodeEscrowFailed) {
		err = xerrors.Wrap(xerrors.CodeEscrowFailed, err, "", xerrors.WithMetadata("escrow_id", quote.EscrowTaskID))
	}
	r.log.ErrorContext(ctx, "托管处理失败",
		slog.String("escrow_id", quote.EscrowTaskID),
		slog.String("action", action),
		slog.Any("error", err))
	c.alert(ctx, r, err)
	r.em.Emit(ctx, events.TypeEscrowFailed, map[string]any{
		"escrowId": quote.EscrowTaskID, "action": action, "error": err.Error(),
	})
}
