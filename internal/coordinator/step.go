package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ethereum/go-ethereum/common"

	"Mosaic-Protocol/internal/auction"
	"Mosaic-Protocol/internal/collusion"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/executor"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/observability/alerting"
	"Mosaic-Protocol/internal/observability/metrics"
	"Mosaic-Protocol/internal/payment"
)

// 子任务被跳过的原因。
const (
	ReasonNoWinner           = "no_winner"
	ReasonAuctionFailed      = "auction_failed"
	ReasonQuoteMismatch      = "quote_mismatch"
	ReasonBudgetExhausted    = "budget_exhausted"
	ReasonCollusionBlocked   = "collusion_blocked"
	ReasonCollusionError     = "collusion_check_failed"
	ReasonPaymentFailed      = "payment_failed"
	ReasonUnknownCapability  = "unknown_capability"
	ReasonExecutionFailed    = "execution_failed"
	ReasonVerificationFailed = "verification_failed"
	ReasonInternal           = "internal_error"
)

// StepKind 区分子任务的两种结局。
type StepKind int

const (
	StepCompleted StepKind = iota
	StepSkipped
)

// Step 是一次雇佣流水线的结果。Completed 时 Result 非空；Skipped 时 Reason 说明原因。
type Step struct {
	Kind   StepKind
	Agent  market.AgentOption
	Result *market.AgentResult
	Cost   int64
	Reason string
	Detail string

	// executed 表示代理已被实际调用，跳过时也需要负面信誉反馈。
	executed bool
}

func (s Step) outcome() string {
	if s.Kind == StepCompleted {
		return "completed"
	}
	return s.Reason
}

func skipped(agent market.AgentOption, reason string, err error) Step {
	st := Step{Kind: StepSkipped, Agent: agent, Reason: reason}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}

type mergeKey int

const (
	mergeByName mergeKey = iota
	mergeByCapability
)

// hireSpec 描述一次雇佣：顶层子任务、报价子任务与自主雇佣共用同一条流水线。
type hireSpec struct {
	capability string
	task       string
	hirer      market.AgentOption
	// agent 非空时跳过拍卖，直接使用报价中预选的代理。
	agent      *market.AgentOption
	funding    payment.Mode
	escrowID   string
	payer      common.Address
	delegation *market.Delegation
	autonomous bool
	mergeKey   mergeKey
}

// runStep 依次执行选择代理、合谋检查、出资、执行与验证、记账和合并上下文。
// 任何一步失败都只让该子任务被跳过，panic 同样被转换为跳过。
func (c *Coordinator) runStep(ctx context.Context, r *run, spec hireSpec) (step Step) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "子任务执行异常",
				slog.String("capability", spec.capability),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			step = skipped(step.Agent, ReasonInternal, fmt.Errorf("panic: %v", rec))
		}
	}()

	agent, skip := c.selectAgent(ctx, r, spec)
	if skip != nil {
		return *skip
	}
	step.Agent = agent

	reserved := false
	if spec.delegation != nil {
		if !spec.delegation.Reserve(agent.Price) {
			return skipped(agent, ReasonBudgetExhausted, xerrors.New(xerrors.CodeBudgetExhausted, ""))
		}
		reserved = true
	}
	release := func(amount int64) {
		if reserved && amount > 0 {
			spec.delegation.Release(amount)
		}
	}

	decision, err := c.deps.Collusion.CheckAndRecord(ctx, collusion.Hire{
		HirerID:    spec.hirer.TokenID,
		HirerName:  spec.hirer.Name,
		HirerOwner: spec.hirer.Owner,
		HireeID:    agent.TokenID,
		HireeName:  agent.Name,
		HireeOwner: agent.Owner,
		Capability: spec.capability,
		Price:      agent.Price,
	})
	if err != nil {
		release(agent.Price)
		return skipped(agent, ReasonCollusionError, err)
	}
	if !decision.Allowed {
		release(agent.Price)
		metrics.CollusionBlocked(string(decision.Rule))
		r.em.Emit(ctx, events.TypeCollusionBlocked, map[string]any{
			"hirer": spec.hirer.Name, "agent": agent.Name, "rule": string(decision.Rule), "reason": decision.Reason,
		})
		return skipped(agent, ReasonCollusionBlocked,
			xerrors.New(xerrors.CodeCollusionBlocked, decision.Reason, xerrors.WithMetadata("rule", string(decision.Rule))))
	}

	c.decide(ctx, r, spec, agent)

	moved := int64(0)
	if spec.funding == payment.ModeUpfront {
		if _, err := c.deps.Payments.PayUpfront(ctx, payment.UpfrontRequest{
			RunID: r.state.RunID, Payer: spec.payer, Agent: agent, Hirer: spec.hirer.Name,
		}); err != nil {
			release(agent.Price)
			return skipped(agent, ReasonPaymentFailed, err)
		}
		moved = agent.Price
	}

	exec, err := c.deps.Executors.New(agent)
	if err != nil {
		c.charge(ctx, r, spec, agent, moved, false)
		release(agent.Price - moved)
		reason := ReasonUnknownCapability
		if !xerrors.HasCode(err, xerrors.CodeUnknownCapability) {
			reason = ReasonExecutionFailed
		}
		return skipped(agent, reason, err)
	}

	at := c.execute(ctx, r, spec, exec)
	res := at.result
	if res != nil {
		r.state.AddMicroPayments(res.MicroPayments)
	}
	if spec.funding == payment.ModeStreaming && res != nil && res.StreamID != "" {
		moved = c.settleStream(ctx, r, agent, res, at.err == nil && at.rejected == nil)
	}

	verified := res != nil && res.Verification != nil && res.Verification.Verified
	c.charge(ctx, r, spec, agent, moved, verified)
	release(agent.Price - moved)

	switch {
	case at.err != nil && res == nil && spec.funding == payment.ModeStreaming:
		// 支付流未能开启，代理没有被调用。
		return skipped(agent, ReasonPaymentFailed, at.err)
	case at.err != nil:
		step = skipped(agent, ReasonExecutionFailed, at.err)
		step.executed = true
		return step
	case at.rejected != nil:
		step = skipped(agent, ReasonVerificationFailed, at.rejected)
		step.executed = true
		return step
	}

	key := agent.Name
	if spec.mergeKey == mergeByCapability {
		key = spec.capability
	}
	r.tctx.Merge(key, agent.Name, spec.capability, res.Output, res.StructuredData)

	step.Kind = StepCompleted
	step.Result = res
	step.Cost = moved
	return step
}

// selectAgent 从报价中取出预选代理，或为该能力发起拍卖。
func (c *Coordinator) selectAgent(ctx context.Context, r *run, spec hireSpec) (market.AgentOption, *Step) {
	if spec.agent != nil {
		return *spec.agent, nil
	}
	if c.deps.Auction == nil {
		st := skipped(market.AgentOption{}, ReasonAuctionFailed, xerrors.New(xerrors.CodeInitializationFailure, "未配置拍卖"))
		return market.AgentOption{}, &st
	}
	opts := []auction.RunOption{auction.WithRunID(r.state.RunID)}
	if spec.hirer.TokenID != 0 {
		opts = append(opts, auction.Exclude(spec.hirer.TokenID))
	}
	if spec.delegation != nil {
		opts = append(opts, auction.WithMaxPrice(spec.delegation.Remaining()))
	}
	res, err := c.deps.Auction.RunAuction(ctx, spec.capability, spec.hirer.Name, opts...)
	if err != nil {
		st := skipped(market.AgentOption{}, ReasonAuctionFailed, err)
		return market.AgentOption{}, &st
	}
	if res == nil {
		st := skipped(market.AgentOption{}, ReasonNoWinner, nil)
		st.Detail = fmt.Sprintf("没有可雇佣的 %s 代理", spec.capability)
		return market.AgentOption{}, &st
	}
	return res.Winner, nil
}

func (c *Coordinator) decide(ctx context.Context, r *run, spec hireSpec, agent market.AgentOption) {
	d := market.Decision{
		Kind:       "hire",
		Agent:      agent.Name,
		Detail:     fmt.Sprintf("%s 以 %s 雇佣 %s 完成 %s", spec.hirer.Name, market.FormatUSDC(agent.Price), agent.Name, spec.capability),
		Autonomous: spec.autonomous,
	}
	r.state.RecordDecision(d)
	r.em.Emit(ctx, events.TypeDecision, map[string]any{
		"kind": d.Kind, "hirer": spec.hirer.Name, "agent": agent.Name, "capability": spec.capability,
		"price": market.FormatUSDC(agent.Price), "autonomous": spec.autonomous, "depth": r.tctx.Depth,
	})
}

// attempt 是一次执行的结果。rejected 非空表示验证未通过且没有回退。
type attempt struct {
	result   *market.AgentResult
	err      error
	rejected error
}

// execute 运行代理。开启验证时先执行可验证执行，验证未通过且允许回退时复用同一支付流重跑。
func (c *Coordinator) execute(ctx context.Context, r *run, spec hireSpec, exec executor.Executor) attempt {
	req := executor.Request{
		RunID:     r.state.RunID,
		Task:      spec.task,
		Context:   r.tctx,
		HirerName: spec.hirer.Name,
		Payer:     spec.payer,
		Funding:   spec.funding,
		EscrowID:  spec.escrowID,
		Timeout:   c.cfg.AgentTimeout,
	}
	if !c.cfg.ZKVerification {
		res, err := exec.ExecuteWithStreaming(ctx, req)
		return attempt{result: res, err: err}
	}

	res, err := exec.ExecuteWithVerification(ctx, req)
	if err != nil || res == nil || res.Verification == nil {
		return attempt{result: res, err: err}
	}
	verified := res.Verification.Verified
	r.state.RecordVerification(verified)
	metrics.ObserveVerification(verified)
	if verified {
		return attempt{result: res}
	}

	reason := res.Verification.Error
	if reason == "" {
		reason = "输出未通过验证"
	}
	if !c.cfg.Fallback {
		return attempt{result: res, rejected: xerrors.New(xerrors.CodeVerificationFailed, reason, xerrors.WithMetadata("agent", exec.Agent().Name))}
	}
	r.log.WarnContext(ctx, "验证未通过，回退为普通执行",
		slog.String("agent", exec.Agent().Name), slog.String("reason", reason))
	req.StreamID = res.StreamID
	fallback, err := exec.ExecuteWithStreaming(ctx, req)
	if fallback != nil {
		fallback.MicroPayments += res.MicroPayments
		fallback.Verification = res.Verification
		if fallback.StreamID == "" {
			fallback.StreamID = res.StreamID
		}
	}
	if fallback == nil {
		fallback = res
	}
	return attempt{result: fallback, err: err}
}

// settleStream 关闭支付流，返回实际转出的金额。
func (c *Coordinator) settleStream(ctx context.Context, r *run, agent market.AgentOption, res *market.AgentResult, success bool) int64 {
	proof := ""
	if res.Verification != nil {
		proof = res.Verification.TxHash
	}
	summary, err := c.deps.Payments.SettleStream(ctx, res.StreamID, proof, success)
	if err != nil {
		r.log.ErrorContext(ctx, "关闭支付流失败",
			slog.String("agent", agent.Name),
			slog.String("stream_id", res.StreamID),
			slog.Any("error", err))
		c.alert(ctx, r, err)
	}
	return summary.Paid
}

// charge 记录实际发生的支付。金额为零时不记账。
func (c *Coordinator) charge(ctx context.Context, r *run, spec hireSpec, agent market.AgentOption, amount int64, verified bool) {
	if amount <= 0 {
		return
	}
	r.state.RecordCharge(market.AgentUsage{
		TokenID:    agent.TokenID,
		Name:       agent.Name,
		Capability: spec.capability,
		Owner:      agent.Owner,
		Cost:       amount,
		HiredBy:    spec.hirer.Name,
		Autonomous: spec.autonomous,
		Depth:      r.tctx.Depth,
		Verified:   verified,
	})
	metrics.AddSpend(spec.capability, spec.autonomous, amount)
	r.em.Emit(ctx, events.TypeOwnerEarning, map[string]any{
		"owner": agent.Owner.Hex(), "agent": agent.Name, "amount": market.FormatUSDC(amount),
		"totalCost": market.FormatUSDC(r.state.TotalCost()),
	})
}

func (c *Coordinator) alert(ctx context.Context, r *run, err error) {
	if c.deps.Alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if nerr := c.deps.Alerts.Notify(ctx, alerting.FromError(err, r.state.RunID)); nerr != nil {
		r.log.WarnContext(ctx, "发送告警失败", slog.Any("error", nerr))
	}
}
