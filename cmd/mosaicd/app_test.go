package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mosaic-Protocol/internal/config"
	"Mosaic-Protocol/internal/discovery"
	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/llm"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/internal/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Events.Sinks = []string{"log"}
	cfg.Log.Level = "error"
	return cfg
}

func TestBuildAppRunsOfflineOrchestration(t *testing.T) {
	rec := &events.Recorder{}
	a, err := buildApp(context.Background(), testConfig(t), rec)
	require.NoError(t, err)

	res := a.runner.ExecuteTask(context.Background(), "research solana")
	a.close()

	require.True(t, res.Success, res.Error)
	require.Len(t, res.AgentsUsed, 2)
	assert.Equal(t, "research", res.AgentsUsed[0].Capability)
	assert.Equal(t, "analysis", res.AgentsUsed[1].Capability)
	assert.Positive(t, res.TotalCost)
	assert.NotEmpty(t, res.Output)
	assert.Zero(t, rec.Count(events.TypeTaskComplete), "websocket 通道未启用时不应收到事件")

	var out bytes.Buffer
	printResult(&out, res)
	assert.Contains(t, out.String(), "Summary")
	assert.Contains(t, out.String(), res.AgentsUsed[0].Name)
}

func TestBuildAppStreamsToWebsocketSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Sinks = []string{"websocket"}
	rec := &events.Recorder{}
	a, err := buildApp(context.Background(), cfg, rec)
	require.NoError(t, err)

	res := a.runner.ExecuteTask(context.Background(), "research solana")
	a.close()

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, rec.Count(events.TypeTaskComplete))
}

func TestEscrowRunnerDepositsQuoteFunds(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.close()

	registry := discovery.DefaultRegistry()
	var agents []market.AgentOption
	for _, capability := range []string{"research", "analysis"} {
		found, err := registry.Discover(context.Background(), capability)
		require.NoError(t, err)
		require.NotEmpty(t, found)
		agents = append(agents, found[0])
	}
	payer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	quote := &market.Quote{
		QuoteID: "q-1",
		Task:    "research solana",
		Plan: market.TaskPlan{Subtasks: []market.Subtask{
			{Capability: "research", Task: "Research solana", Priority: 1},
			{Capability: "analysis", Task: "Analyse solana", Priority: 2},
		}},
		Agents:       agents,
		TotalPrice:   agents[0].Price + agents[1].Price,
		EscrowTaskID: "escrow-1",
		PayerWallet:  &payer,
	}

	res := a.runner.ExecuteTaskWithQuote(context.Background(), quote)
	require.True(t, res.Success, res.Error)

	// 成功运行后托管已结算，再次结算会被拒绝。
	_, err = a.escrow.SettleEscrowTask(context.Background(), "escrow-1", true)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeEscrowClosed), "got %v", err)
}

func TestNewTaskBackendRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.close()

	store, queue, err := a.newTaskBackend(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &task.MemoryStore{}, store)
	assert.IsType(t, &task.MemoryQueue{}, queue)

	cfg.Queue.Driver = "kafka"
	_, _, err = a.newTaskBackend(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestBuildAppRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*config.Config){
		"settler":  func(c *config.Config) { c.Payment.Settler = "paypal" },
		"wallet":   func(c *config.Config) { c.Coordinator.Wallet = "not-an-address" },
		"budget":   func(c *config.Config) { c.Coordinator.AutonomyBudget = "lots" },
		"provider": func(c *config.Config) { c.LLM.Provider = "mystery" },
		"sink":     func(c *config.Config) { c.Events.Sinks = []string{"carrier-pigeon"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(cfg)
			_, err := buildApp(context.Background(), cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestOfflineModelUsesKnowledgeAndHistory(t *testing.T) {
	resp, err := offlineModel().Generate(context.Background(), llm.Request{
		Prompt:    "Analyse solana\nextra detail",
		Knowledge: []llm.KnowledgeCard{{Title: "Solana", Content: "High throughput L1"}},
		History:   []llm.HistoryEntry{{Agent: "Perplexity-Research", Content: "findings"}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Analyse solana")
	assert.NotContains(t, resp.Text, "extra detail")
	assert.Contains(t, resp.Text, "Solana: High throughput L1")
	assert.Contains(t, resp.Text, "Perplexity-Research")
	assert.Positive(t, resp.TokensUsed())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = offlineModel().Generate(ctx, llm.Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "tcp(db:3306)/mosaic", redactDSN("root:secret@tcp(db:3306)/mosaic"))
	assert.Equal(t, "tcp(db:3306)/mosaic", redactDSN("tcp(db:3306)/mosaic"))
}
