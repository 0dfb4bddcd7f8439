// Package executor 把被雇佣的代理包装为可执行单元：执行任务、按输出量结算流式
// 微支付，并在需要时对输出做可验证执行。
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/payment"
	"Mosaic-Protocol/internal/verification"
	"Mosaic-Protocol/pkg/logger"
)

// WorkOutput 是领域代理的原始产出。
type WorkOutput struct {
	Output         string
	StructuredData map[string]any
	TokensUsed     int
	ToolsUsed      []string
}

// Worker 是领域代理的统一契约。
type Worker interface {
	Capability() string
	Execute(ctx context.Context, task string, tctx *market.TaskContext) (*WorkOutput, error)
}

// StreamingWorker 在执行过程中按输出进度回调，执行器据此实时结算微支付。
// onTokens 必须在调用 ExecuteStream 的 goroutine 中顺序调用。
type StreamingWorker interface {
	Worker
	ExecuteStream(ctx context.Context, task string, tctx *market.TaskContext, onTokens func(n int)) (*WorkOutput, error)
}

// Request 是一次执行的参数。
type Request struct {
	RunID     string
	Task      string
	Context   *market.TaskContext
	HirerName string
	Payer     common.Address
	Funding   payment.Mode
	EscrowID  string
	// StreamID 非空时复用已开启的支付流，用于验证失败后的重跑。
	StreamID string
	Timeout  time.Duration
}

// Executor 绑定到一个被雇佣的代理。
type Executor interface {
	Agent() market.AgentOption
	ExecuteWithStreaming(ctx context.Context, req Request) (*market.AgentResult, error)
	ExecuteWithVerification(ctx context.Context, req Request) (*market.AgentResult, error)
}

// Deps 是执行器共享的依赖。
type Deps struct {
	Payments       *payment.Service
	Verifier       verification.Verifier
	Events         events.Sink
	TokensPerChunk int
	MaxChunks      int
	Timeout        time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.TokensPerChunk <= 0 {
		d.TokensPerChunk = 500
	}
	if d.MaxChunks <= 0 {
		d.MaxChunks = 10
	}
	if d.Timeout <= 0 {
		d.Timeout = 2 * time.Minute
	}
	if d.Events == nil {
		d.Events = events.Nop
	}
	return d
}

type agentExecutor struct {
	agent  market.AgentOption
	worker Worker
	deps   Deps
	log    *slog.Logger
}

// New 把 worker 包装为绑定 agent 的执行器。
func New(agent market.AgentOption, worker Worker, deps Deps) Executor {
	return &agentExecutor{
		agent:  agent,
		worker: worker,
		deps:   deps.withDefaults(),
		log:    logger.Named("executor").With(slog.String("agent", agent.Name)),
	}
}

func (e *agentExecutor) Agent() market.AgentOption { return e.agent }

// ExecuteWithStreaming 执行任务。流式资金模式下先开启支付流，执行中按输出量结算分块。
// 执行失败时仍返回带 StreamID 的结果，调用方负责关闭支付流。
func (e *agentExecutor) ExecuteWithStreaming(ctx context.Context, req Request) (*market.AgentResult, error) {
	em := events.NewEmitter(e.deps.Events, req.RunID)
	em.Emit(ctx, events.TypeAgentStatus, map[string]any{"agent": e.agent.Name, "status": "working", "hiredBy": req.HirerName})

	var meter *chunkMeter
	streamID := req.StreamID
	if req.Funding == payment.ModeStreaming && e.deps.Payments != nil {
		if streamID == "" {
			id, err := e.deps.Payments.OpenStream(ctx, payment.StreamRequest{
				RunID:     req.RunID,
				AgentName: e.agent.Name,
				Payer:     req.Payer,
				Payee:     e.agent.Wallet,
				Total:     e.agent.Price,
				Chunks:    e.deps.MaxChunks,
				EscrowID:  req.EscrowID,
			})
			if err != nil {
				em.Emit(ctx, events.TypeAgentStatus, map[string]any{"agent": e.agent.Name, "status": "failed"})
				return nil, err
			}
			streamID = id
		}
		meter = &chunkMeter{payments: e.deps.Payments, streamID: streamID, perChunk: e.deps.TokensPerChunk, max: e.deps.MaxChunks, log: e.log}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.deps.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.run(runCtx, req, meter)
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	result := &market.AgentResult{StreamID: streamID}
	if meter != nil {
		result.MicroPayments = meter.settled
	}
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "代理执行超时")
		} else if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeAgentFailure, err, "")
		}
		result.Error = err.Error()
		e.log.WarnContext(ctx, "代理执行失败", slog.String("run_id", req.RunID), slog.Any("error", err))
		em.Emit(ctx, events.TypeAgentStatus, map[string]any{"agent": e.agent.Name, "status": "failed", "error": result.Error})
		return result, err
	}

	if meter != nil {
		meter.finish(ctx, out.TokensUsed)
		result.MicroPayments = meter.settled
	}
	result.Success = true
	result.Output = out.Output
	result.StructuredData = out.StructuredData
	result.TokensUsed = out.TokensUsed
	result.ToolsUsed = out.ToolsUsed
	em.Emit(ctx, events.TypeAgentStatus, map[string]any{
		"agent": e.agent.Name, "status": "complete", "tokens": out.TokensUsed, "microPayments": result.MicroPayments,
	})
	return result, nil
}

func (e *agentExecutor) run(ctx context.Context, req Request, meter *chunkMeter) (*WorkOutput, error) {
	if sw, ok := e.worker.(StreamingWorker); ok && meter != nil {
		return sw.ExecuteStream(ctx, req.Task, req.Context, func(n int) { meter.add(ctx, n) })
	}
	return e.worker.Execute(ctx, req.Task, req.Context)
}

// ExecuteWithVerification 执行任务后对输出做可验证执行。验证失败不视为执行错误，
// 结论写在结果的 Verification 字段中。
func (e *agentExecutor) ExecuteWithVerification(ctx context.Context, req Request) (*market.AgentResult, error) {
	result, err := e.ExecuteWithStreaming(ctx, req)
	if err != nil {
		return result, err
	}
	if e.deps.Verifier == nil {
		result.Verification = &market.VerificationSummary{Verified: false, Error: "未配置验证器"}
		return result, nil
	}
	outcome, verr := e.deps.Verifier.Verify(ctx, verification.Job{
		RunID:     req.RunID,
		AgentName: e.agent.Name,
		TokenID:   e.agent.TokenID,
		Task:      req.Task,
		Output:    result.Output,
	})
	summary := &market.VerificationSummary{
		Verified: outcome.Verified && verr == nil,
		JobID:    outcome.JobID,
	}
	if outcome.Commitment != (common.Hash{}) {
		summary.Commitment = outcome.Commitment.Hex()
	}
	if outcome.TxHash != (common.Hash{}) {
		summary.TxHash = outcome.TxHash.Hex()
	}
	if verr != nil {
		summary.Error = verr.Error()
	}
	result.Verification = summary
	return result, nil
}

// chunkMeter 把输出 token 数换算为微支付分块。
type chunkMeter struct {
	payments *payment.Service
	streamID string
	perChunk int
	max      int
	tokens   int
	settled  int
	stopped  bool
	log      *slog.Logger
}

// add 在执行中累计 token，每跨过一个分块阈值结算一次。
func (m *chunkMeter) add(ctx context.Context, n int) {
	m.tokens += n
	for !m.stopped && m.settled < m.max-1 && m.tokens >= (m.settled+1)*m.perChunk {
		m.settleOne(ctx)
	}
}

// finish 在执行结束后按最终用量补齐分块，并把流的分块数收敛到实际值。
func (m *chunkMeter) finish(ctx context.Context, totalTokens int) {
	if totalTokens > m.tokens {
		m.tokens = totalTokens
	}
	want := ChunkCount(m.tokens, m.perChunk, m.max)
	if want < m.settled {
		want = m.settled
	}
	if err := m.payments.SetChunks(m.streamID, want); err != nil {
		m.log.WarnContext(ctx, "调整支付流分块失败", slog.String("stream_id", m.streamID), slog.Any("error", err))
		return
	}
	for !m.stopped && m.settled < want {
		m.settleOne(ctx)
	}
}

func (m *chunkMeter) settleOne(ctx context.Context) {
	if _, err := m.payments.SettleChunk(ctx, m.streamID); err != nil {
		m.stopped = true
		m.log.WarnContext(ctx, "微支付结算失败，剩余金额将在关闭时补齐",
			slog.String("stream_id", m.streamID), slog.Any("error", err))
		return
	}
	m.settled++
}

// ChunkCount 计算 ceil(tokens/perChunk) 并限制在 [1, max]。
func ChunkCount(tokens, perChunk, max int) int {
	if perChunk <= 0 {
		return 1
	}
	n := (tokens + perChunk - 1) / perChunk
	if n < 1 {
		n = 1
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
