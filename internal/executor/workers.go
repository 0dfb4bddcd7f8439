package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"Mosaic-Protocol/internal/knowledge"
	"Mosaic-Protocol/internal/llm"
	"Mosaic-Protocol/internal/market"
)

// WorkerFunc 把函数适配为 Worker。
type WorkerFunc struct {
	Cap string
	Fn  func(ctx context.Context, task string, tctx *market.TaskContext) (*WorkOutput, error)
}

// Capability 实现 Worker。
func (w WorkerFunc) Capability() string { return w.Cap }

// Execute 实现 Worker。
func (w WorkerFunc) Execute(ctx context.Context, task string, tctx *market.TaskContext) (*WorkOutput, error) {
	return w.Fn(ctx, task, tctx)
}

// DefaultRoles 是内置能力的角色描述，用作 LLMWorker 的系统提示。
var DefaultRoles = map[string]string{
	"research":              "You are a research agent. Gather the key facts needed for the task and cite where they come from.",
	"market_data":           "You are a market data agent. Report current prices, volumes and notable moves relevant to the task.",
	"analysis":              "You are an analysis agent. Reason over the supplied material and give a clear assessment with the main drivers.",
	"token_safety_analysis": "You are a token safety agent. Look for honeypot behaviour, ownership risks, liquidity locks and abnormal taxes.",
	"onchain_analysis":      "You are an on-chain analyst. Interpret wallet, contract and transaction activity relevant to the task.",
	"dex_routing":           "You are a DEX routing agent. Propose the best swap route with expected output, fees and slippage.",
	"writing":               "You are a writing agent. Produce a polished deliverable from the material you are given.",
	"summarization":         "You are a summarization agent. Condense the material into the shortest faithful summary.",
}

// HireInstructions 告诉内置代理如何请求雇佣其他代理。
const HireInstructions = "If you cannot finish without help from a different specialist, end your answer with exactly one line " +
	"of the form [HIRE_AGENT: <capability> | <reason>]. Only do this when it is necessary."

// LLMWorker 使用大模型完成某个能力的任务。
type LLMWorker struct {
	capability string
	role       string
	client     llm.Client
	knowledge  knowledge.Provider
	maxTokens  int
	allowHires bool
}

// LLMWorkerOption 自定义 LLMWorker。
type LLMWorkerOption func(*LLMWorker)

// WithKnowledge 为提示词附加参考资料。
func WithKnowledge(p knowledge.Provider) LLMWorkerOption {
	return func(w *LLMWorker) { w.knowledge = p }
}

// WithRole 覆盖系统提示中的角色描述。
func WithRole(role string) LLMWorkerOption {
	return func(w *LLMWorker) {
		if strings.TrimSpace(role) != "" {
			w.role = role
		}
	}
}

// WithHiring 允许代理在输出中请求雇佣其他代理。
func WithHiring(allow bool) LLMWorkerOption {
	return func(w *LLMWorker) { w.allowHires = allow }
}

// NewLLMWorker 创建 LLMWorker。
func NewLLMWorker(capability string, client llm.Client, opts ...LLMWorkerOption) *LLMWorker {
	role := DefaultRoles[capability]
	if role == "" {
		role = fmt.Sprintf("You are a specialist agent for the %q capability.", capability)
	}
	w := &LLMWorker{capability: capability, role: role, client: client, maxTokens: 2048}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Capability 实现 Worker。
func (w *LLMWorker) Capability() string { return w.capability }

// Execute 实现 Worker。输出中若包含 JSON 对象，会解析为结构化数据。
func (w *LLMWorker) Execute(ctx context.Context, task string, tctx *market.TaskContext) (*WorkOutput, error) {
	system := w.role
	if w.allowHires {
		system += "\n" + HireInstructions
	}
	req := llm.Request{System: system, Prompt: buildPrompt(task, tctx), MaxTokens: w.maxTokens}
	if tctx != nil {
		req.History = history(tctx)
	}
	if w.knowledge != nil {
		req.Knowledge = knowledge.Cards(w.knowledge.Query(task, w.capability))
	}

	resp, err := w.client.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s 代理调用模型失败: %w", w.capability, err)
	}
	out := &WorkOutput{Output: strings.TrimSpace(resp.Text), TokensUsed: resp.TokensUsed(), ToolsUsed: []string{"llm"}}
	if raw := llm.ExtractJSON(resp.Text); raw != "" {
		var data map[string]any
		if json.Unmarshal([]byte(raw), &data) == nil {
			out.StructuredData = data
		}
	}
	if out.TokensUsed == 0 {
		out.TokensUsed = len(strings.Fields(out.Output))
	}
	return out, nil
}

func buildPrompt(task string, tctx *market.TaskContext) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(strings.TrimSpace(task))
	if tctx != nil && strings.TrimSpace(tctx.OriginalTask) != "" && tctx.OriginalTask != task {
		b.WriteString("\n\n## Overall goal\n")
		b.WriteString(strings.TrimSpace(tctx.OriginalTask))
	}
	return b.String()
}

func history(tctx *market.TaskContext) []llm.HistoryEntry {
	keys := make([]string, 0, len(tctx.PreviousResults))
	for k := range tctx.PreviousResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]llm.HistoryEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, llm.HistoryEntry{Agent: k, Content: tctx.PreviousResults[k]})
	}
	return out
}
