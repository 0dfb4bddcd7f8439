package coordinator

import (
	"context"
	"log/slog"
	"time"

	"Mosaic-Protocol/internal/autonomy"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/pkg/logger"
)

// Hire 实现 autonomy.Hirer：以委托预算为上限拍卖 call.Capability，排除发起方本身，
// 之后走与顶层子任务相同的合谋检查、出资、执行与记账流程。
func (c *Coordinator) Hire(ctx context.Context, state *market.RunState, call autonomy.HireCall) autonomy.HireOutcome {
	r := &run{
		state:   state,
		tctx:    call.Context,
		em:      events.NewEmitter(c.sink, state.RunID),
		log:     logger.ForRun("coordinator", state.RunID),
		started: time.Now(),
	}
	spec := hireSpec{
		capability: call.Capability,
		task:       call.Task,
		hirer:      call.Requester,
		funding:    c.cfg.Funding,
		autonomous: true,
		mergeKey:   mergeByName,
		delegation: call.Delegation,
	}
	if call.Delegation != nil {
		spec.payer = call.Delegation.Payer
	} else {
		spec.payer = c.cfg.Identity.Wallet
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.autonomousHire")
	defer span.End()

	step := c.runStep(ctx, r, spec)
	if step.Kind == StepSkipped {
		r.log.InfoContext(ctx, "自主雇佣被跳过",
			slog.String("requester", call.Requester.Name),
			slog.String("capability", call.Capability),
			slog.String("reason", step.Reason),
			slog.String("detail", step.Detail))
		if step.executed {
			c.recordReputation(ctx, r, step.Agent, false)
		}
		return autonomy.HireOutcome{Reason: step.Reason}
	}
	c.recordReputation(ctx, r, step.Agent, true)
	agent := step.Agent
	return autonomy.HireOutcome{Success: true, Result: step.Result, Agent: &agent, Cost: step.Cost}
}
