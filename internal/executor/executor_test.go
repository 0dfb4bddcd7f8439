package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/llm"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/payment"
	"Mosaic-Protocol/internal/verification"
)

var (
	payerAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	workerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testAgent() market.AgentOption {
	return market.AgentOption{TokenID: 3, Name: "scout", Capability: "research", Wallet: workerAddr, Price: 1_200}
}

func fixedWorker(tokens int, output string) WorkerFunc {
	return WorkerFunc{Cap: "research", Fn: func(context.Context, string, *market.TaskContext) (*WorkOutput, error) {
		return &WorkOutput{Output: output, TokensUsed: tokens, StructuredData: map[string]any{"ok": true}}, nil
	}}
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 1, ChunkCount(0, 500, 10))
	assert.Equal(t, 3, ChunkCount(1001, 500, 10))
	assert.Equal(t, 10, ChunkCount(1_000_000, 500, 10))
	assert.Equal(t, 1, ChunkCount(10, 0, 10))
}

func TestStreamingExecutionSettlesChunks(t *testing.T) {
	ctx := context.Background()
	settler := payment.NewSimulatedSettler(false)
	rec := &events.Recorder{}
	payments := payment.NewService(settler, payment.WithEvents(rec))
	exec := New(testAgent(), fixedWorker(1_400, "findings"), Deps{Payments: payments, Events: rec, TokensPerChunk: 500})

	res, err := exec.ExecuteWithStreaming(ctx, Request{RunID: "r", Task: "look", Payer: payerAddr, Funding: payment.ModeStreaming})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.MicroPayments)
	require.NotEmpty(t, res.StreamID)
	assert.Equal(t, int64(1_200), settler.Balance(workerAddr))

	summary, err := payments.SettleStream(ctx, res.StreamID, "", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1_200), summary.Paid)
	assert.Equal(t, 3, rec.Count(events.TypeStreamMicro))
}

func TestUpfrontExecutionDoesNotOpenStream(t *testing.T) {
	payments := payment.NewService(payment.NewSimulatedSettler(false))
	exec := New(testAgent(), fixedWorker(10, "x"), Deps{Payments: payments})

	res, err := exec.ExecuteWithStreaming(context.Background(), Request{Funding: payment.ModeUpfront})
	require.NoError(t, err)
	assert.Empty(t, res.StreamID)
	assert.Zero(t, res.MicroPayments)
}

func TestExecutionFailureKeepsStreamForSettlement(t *testing.T) {
	payments := payment.NewService(payment.NewSimulatedSettler(false))
	worker := WorkerFunc{Cap: "research", Fn: func(context.Context, string, *market.TaskContext) (*WorkOutput, error) {
		return nil, errors.New("model offline")
	}}
	exec := New(testAgent(), worker, Deps{Payments: payments})

	res, err := exec.ExecuteWithStreaming(context.Background(), Request{Payer: payerAddr, Funding: payment.ModeStreaming})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeAgentFailure, xerrors.CodeOf(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.StreamID)
}

func TestExecutionTimeout(t *testing.T) {
	worker := WorkerFunc{Cap: "research", Fn: func(ctx context.Context, _ string, _ *market.TaskContext) (*WorkOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	exec := New(testAgent(), worker, Deps{})
	_, err := exec.ExecuteWithStreaming(context.Background(), Request{Funding: payment.ModeUpfront, Timeout: 10 * time.Millisecond})
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

type streamingWorker struct{ WorkerFunc }

func (s streamingWorker) ExecuteStream(_ context.Context, _ string, _ *market.TaskContext, onTokens func(int)) (*WorkOutput, error) {
	for i := 0; i < 4; i++ {
		onTokens(250)
	}
	return &WorkOutput{Output: "streamed", TokensUsed: 1_000}, nil
}

func TestStreamingWorkerSettlesDuringExecution(t *testing.T) {
	settler := payment.NewSimulatedSettler(false)
	payments := payment.NewService(settler)
	exec := New(testAgent(), streamingWorker{WorkerFunc{Cap: "research"}}, Deps{Payments: payments, TokensPerChunk: 500, MaxChunks: 4})

	res, err := exec.ExecuteWithStreaming(context.Background(), Request{Payer: payerAddr, Funding: payment.ModeStreaming})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MicroPayments)

	summary, err := payments.SettleStream(context.Background(), res.StreamID, "", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1_200), summary.Paid)
}

func TestExecuteWithVerification(t *testing.T) {
	rec := &events.Recorder{}
	signer, err := verification.NewSigner(nil, verification.WithEvents(rec),
		verification.WithRejector(func(j verification.Job) bool { return j.Output == "bad" }))
	require.NoError(t, err)

	good := New(testAgent(), fixedWorker(5, "good"), Deps{Verifier: signer})
	res, err := good.ExecuteWithVerification(context.Background(), Request{Funding: payment.ModeUpfront})
	require.NoError(t, err)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.Verified)
	assert.NotEmpty(t, res.Verification.TxHash)

	bad := New(testAgent(), fixedWorker(5, "bad"), Deps{Verifier: signer})
	res, err = bad.ExecuteWithVerification(context.Background(), Request{Funding: payment.ModeUpfront})
	require.NoError(t, err, "verification failure is reported in the result")
	assert.False(t, res.Verification.Verified)
	assert.True(t, res.Success)
}

func TestRegistryUnknownCapability(t *testing.T) {
	reg := NewRegistry(Deps{})
	reg.RegisterWorker(fixedWorker(1, "x"))

	_, err := reg.New(market.AgentOption{Name: "ghost", Capability: "teleport"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUnknownCapability, xerrors.CodeOf(err))

	exec, err := reg.New(testAgent())
	require.NoError(t, err)
	assert.Equal(t, "scout", exec.Agent().Name)
	assert.Equal(t, []string{"research"}, reg.Capabilities())
}

func TestLLMWorkerParsesStructuredOutput(t *testing.T) {
	var captured llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		captured = req
		return &llm.Response{Text: "Risk is low.\n{\"risk\":\"low\",\"score\":12}", TokensIn: 40, TokensOut: 20}, nil
	})
	worker := NewLLMWorker("token_safety_analysis", client, WithHiring(true))

	tctx := market.NewTaskContext("Is PEPE safe?", 3, nil)
	tctx.PreviousResults["scout"] = "liquidity locked"
	out, err := worker.Execute(context.Background(), "scan PEPE", tctx)
	require.NoError(t, err)
	assert.Equal(t, 60, out.TokensUsed)
	assert.Equal(t, "low", out.StructuredData["risk"])
	assert.Contains(t, captured.System, "HIRE_AGENT")
	require.Len(t, captured.History, 1)
	assert.Equal(t, "scout", captured.History[0].Agent)
}
