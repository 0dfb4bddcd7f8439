// Package autonomy 允许执行中的代理请求雇佣其他代理：解析输出中的雇佣标记，
// 在深度上限与委托预算内递归完成雇佣。
package autonomy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/protocol"
	"Mosaic-Protocol/pkg/logger"
)

// 软失败原因。
const (
	ReasonDepthExceeded   = "depth_exceeded"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonInvalidRequest  = "invalid_request"
	ReasonNoAgent         = "no_agent"
	ReasonHireFailed      = "hire_failed"
)

// HireCall 是交给 Hirer 的一次自主雇佣。
type HireCall struct {
	Requester  market.AgentOption
	Capability string
	Task       string
	Reason     string
	Context    *market.TaskContext
	Delegation *market.Delegation
	Request    protocol.AgentRequest
}

// HireOutcome 是一次自主雇佣的结果，失败时 Success 为 false 且 Reason 说明原因。
type HireOutcome struct {
	Success    bool                `json:"success"`
	Result     *market.AgentResult `json:"result,omitempty"`
	Agent      *market.AgentOption `json:"hiredAgent,omitempty"`
	Cost       int64               `json:"cost"`
	Depth      int                 `json:"depth"`
	Reason     string              `json:"reason,omitempty"`
	Additional []Additional        `json:"additional,omitempty"`
}

// Additional 是递归雇佣产生的一条附加结果。
type Additional struct {
	Agent  market.AgentOption  `json:"agent"`
	Result *market.AgentResult `json:"result"`
	Depth  int                 `json:"depth"`
}

// Hirer 执行与主流程相同的拍卖、合谋检查、出资、执行与合并步骤，
// 由协调器实现。资金来自 call.Delegation。
type Hirer interface {
	Hire(ctx context.Context, run *market.RunState, call HireCall) HireOutcome
}

// Engine 是自主雇佣引擎。
type Engine struct {
	hirer      Hirer
	dispatcher *protocol.Dispatcher
	delegator  common.Address
	sink       events.Sink
	log        *slog.Logger
}

// Option 自定义引擎。
type Option func(*Engine)

// WithDispatcher 指定请求校验与超时使用的调度器。
func WithDispatcher(d *protocol.Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatcher = d
		}
	}
}

// WithDelegator 指定请求方没有独立授权时使用的默认授权方。
func WithDelegator(addr common.Address) Option {
	return func(e *Engine) { e.delegator = addr }
}

// WithEvents 指定事件投递通道。
func WithEvents(sink events.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// NewEngine 创建自主雇佣引擎。
func NewEngine(hirer Hirer, opts ...Option) *Engine {
	e := &Engine{
		hirer: hirer,
		sink:  events.Nop,
		log:   logger.Named("autonomy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = protocol.NewDispatcher(nil)
	}
	return e
}

// DelegateBudget 为付款方与授权方记录本次运行的预算上限。
func (e *Engine) DelegateBudget(run *market.RunState, payer, delegator common.Address, max int64) {
	if max < 0 {
		max = 0
	}
	run.SetDelegation(&market.Delegation{Payer: payer, Delegator: delegator, Ceiling: max})
	e.log.Debug("记录委托预算",
		slog.String("run_id", run.RunID),
		slog.String("delegator", delegator.Hex()),
		slog.Int64("ceiling", max))
}

func (e *Engine) delegationFor(run *market.RunState, requester market.AgentOption) *market.Delegation {
	if d := run.Delegation(requester.Wallet); d != nil {
		return d
	}
	return run.Delegation(e.delegator)
}

// ExecuteAutonomousHire 为 requester 雇佣一个 capability 代理。深度在雇佣前检查，
// 嵌套调用期间 tctx.Depth 加一。任何失败都只体现在返回值中。
func (e *Engine) ExecuteAutonomousHire(ctx context.Context, run *market.RunState, requester market.AgentOption,
	capability, originalTask, reason string, tctx *market.TaskContext) HireOutcome {
	log := e.log.With(slog.String("run_id", run.RunID), slog.String("requester", requester.Name), slog.String("capability", capability))

	if !tctx.CanDelegate() {
		log.Info("已达到最大雇佣深度", slog.Int("depth", tctx.Depth))
		return HireOutcome{Depth: tctx.Depth, Reason: ReasonDepthExceeded}
	}
	delegation := e.delegationFor(run, requester)
	if delegation.Remaining() <= 0 {
		log.Info("委托预算不足")
		return HireOutcome{Depth: tctx.Depth, Reason: ReasonBudgetExhausted}
	}

	params := map[string]any{"task": hireTask(originalTask, requester.Name, capability, reason)}
	if reason != "" {
		params["reason"] = reason
	}
	if prev := tctx.PreviousResults[requester.Name]; prev != "" {
		params["context"] = prev
	}
	req := protocol.NewRequest(requester.Name, requester.TokenID, capability, params)

	restore := tctx.Descend()
	defer restore()

	var outcome HireOutcome
	resp, err := e.dispatcher.Call(ctx, req, func(callCtx context.Context, r protocol.AgentRequest) (*protocol.AgentResponse, error) {
		outcome = e.hirer.Hire(callCtx, run, HireCall{
			Requester:  requester,
			Capability: r.TargetCapability,
			Task:       r.StringParam("task"),
			Reason:     reason,
			Context:    tctx,
			Delegation: delegation,
			Request:    r,
		})
		resp := &protocol.AgentResponse{RequestID: r.ID, Success: outcome.Success, Cost: outcome.Cost, Error: outcome.Reason}
		if outcome.Result != nil {
			resp.Raw = outcome.Result.Output
			resp.Data = outcome.Result.StructuredData
		}
		if outcome.Agent != nil {
			resp.From = outcome.Agent.Name
		}
		return resp, nil
	})
	outcome.Depth = tctx.Depth
	if err != nil {
		outcome.Success = false
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidRequest:
			outcome.Reason = ReasonInvalidRequest
		default:
			if outcome.Reason == "" {
				outcome.Reason = ReasonHireFailed
			}
		}
		log.Warn("自主雇佣失败", slog.Any("error", err))
		return outcome
	}
	if !resp.Success || outcome.Agent == nil || outcome.Result == nil {
		outcome.Success = false
		if outcome.Reason == "" {
			outcome.Reason = ReasonNoAgent
		}
		log.Info("自主雇佣未完成", slog.String("reason", outcome.Reason))
		return outcome
	}

	events.NewEmitter(e.sink, run.RunID).Emit(ctx, events.TypeAutonomyHire, map[string]any{
		"requester":  requester.Name,
		"agent":      outcome.Agent.Name,
		"capability": capability,
		"reason":     reason,
		"depth":      tctx.Depth,
		"cost":       market.FormatUSDC(outcome.Cost),
		"remaining":  market.FormatUSDC(delegation.Remaining()),
	})
	log.Info("自主雇佣完成", slog.String("agent", outcome.Agent.Name), slog.Int("depth", tctx.Depth))

	// 被雇佣代理的输出同样可能包含雇佣请求，深度检查保证递归终止。
	_, outcome.Additional = e.ProcessAgentResult(ctx, run, *outcome.Agent, outcome.Result, tctx)
	return outcome
}

// ProcessAgentResult 检查一次执行结果中的雇佣请求，最多完成一次雇佣。
// 返回的 final 在雇佣成功时是附带 SubAgentsHired 的副本，原结果不被修改；
// additional 按雇佣顺序列出本次及其递归产生的全部附加结果。
func (e *Engine) ProcessAgentResult(ctx context.Context, run *market.RunState, requester market.AgentOption,
	result *market.AgentResult, tctx *market.TaskContext) (*market.AgentResult, []Additional) {
	if result == nil || !result.Success {
		return result, nil
	}
	hire, ok := ParseHireRequest(result.Output)
	if !ok {
		return result, nil
	}
	outcome := e.ExecuteAutonomousHire(ctx, run, requester, hire.Capability, tctx.OriginalTask, hire.Reason, tctx)
	if !outcome.Success {
		return result, nil
	}

	final := *result
	final.SubAgentsHired = append(append([]market.HiredAgent(nil), result.SubAgentsHired...), market.HiredAgent{
		TokenID: outcome.Agent.TokenID,
		Name:    outcome.Agent.Name,
		Cost:    outcome.Cost,
	})
	additional := append([]Additional{{Agent: *outcome.Agent, Result: outcome.Result, Depth: outcome.Depth}}, outcome.Additional...)
	return &final, additional
}

func hireTask(original, requester, capability, reason string) string {
	if reason == "" {
		return fmt.Sprintf("%s\n\n%s needs help with %s.", original, requester, capability)
	}
	return fmt.Sprintf("%s\n\n%s needs help with %s: %s", original, requester, capability, reason)
}
