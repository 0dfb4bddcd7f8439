package planner

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/knowledge"
	"Mosaic-Protocol/internal/llm"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/pkg/logger"
)

// Planner 是编排器依赖的规划与综合协作方。
type Planner interface {
	Plan(ctx context.Context, task string) (*market.TaskPlan, error)
	Synthesize(ctx context.Context, task string, plan *market.TaskPlan, results map[string]string) (string, error)
}

// DefaultCapabilities 是规划时允许使用的能力。
var DefaultCapabilities = []string{
	"research", "market_data", "analysis", "token_safety_analysis",
	"onchain_analysis", "dex_routing", "writing", "summarization",
}

// defaultMaxSubtasks 是单个计划允许的子任务数量上限。
const defaultMaxSubtasks = 6

// LLMPlanner 使用大模型生成计划与最终报告。
type LLMPlanner struct {
	llmClient    llm.Client
	knowledge    knowledge.Provider
	llmTimeout   time.Duration
	capabilities []string
	maxSubtasks  int
	fallback     Planner
	log          *slog.Logger
}

// Option 定义可选的 LLMPlanner 配置。
type Option func(*LLMPlanner)

// WithKnowledgeProvider 配置知识库，用于在规划前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(p *LLMPlanner) {
		p.knowledge = provider
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(p *LLMPlanner) {
		if timeout <= 0 {
			p.llmTimeout = 0
			return
		}
		p.llmTimeout = timeout
	}
}

// WithCapabilities 限定计划可以使用的能力。
func WithCapabilities(caps []string) Option {
	return func(p *LLMPlanner) {
		if len(caps) > 0 {
			p.capabilities = append([]string(nil), caps...)
		}
	}
}

// WithMaxSubtasks 设置子任务数量上限。
func WithMaxSubtasks(n int) Option {
	return func(p *LLMPlanner) {
		if n > 0 {
			p.maxSubtasks = n
		}
	}
}

// WithFallback 在大模型不可用或返回无效计划时改用 fallback。
func WithFallback(fallback Planner) Option {
	return func(p *LLMPlanner) {
		p.fallback = fallback
	}
}

// New 创建 LLMPlanner。
func New(llmClient llm.Client, opts ...Option) *LLMPlanner {
	p := &LLMPlanner{
		llmClient:    llmClient,
		capabilities: DefaultCapabilities,
		maxSubtasks:  defaultMaxSubtasks,
		log:          logger.Named("planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

const planSystem = "You are the coordinator of an agent marketplace. Break the user's task into subtasks, " +
	"each handled by one specialist capability. Allowed capabilities: %s. " +
	`Answer with JSON: {"understanding": string, "requiredCapabilities": [string], ` +
	`"subtasks": [{"capability": string, "task": string, "priority": number}], "finalDeliverable": string}. ` +
	"Lower priority numbers run first. Use at most %d subtasks."

type planPayload struct {
	Understanding        string   `json:"understanding"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
	Subtasks             []struct {
		Capability string `json:"capability"`
		Task       string `json:"task"`
		Priority   *int   `json:"priority"`
	} `json:"subtasks"`
	FinalDeliverable string `json:"finalDeliverable"`
}

// Plan 调用大模型生成计划并校验。
func (p *LLMPlanner) Plan(ctx context.Context, task string) (*market.TaskPlan, error) {
	if strings.TrimSpace(task) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}
	if p.llmClient == nil {
		return p.planFallback(ctx, task, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端"))
	}

	resp, err := p.generate(ctx, llm.Request{
		System:    fmt.Sprintf(planSystem, strings.Join(p.capabilities, ", "), p.maxSubtasks),
		Prompt:    task,
		Knowledge: p.collectKnowledge(task),
		MaxTokens: 1024,
		JSON:      true,
	})
	if err != nil {
		return p.planFallback(ctx, task, err)
	}
	plan, err := p.parsePlan(resp.Text)
	if err != nil {
		return p.planFallback(ctx, task, err)
	}
	return plan, nil
}

func (p *LLMPlanner) planFallback(ctx context.Context, task string, cause error) (*market.TaskPlan, error) {
	if p.fallback == nil {
		if xerrors.HasCode(cause, xerrors.CodePlanningFailed) {
			return nil, cause
		}
		return nil, xerrors.Wrap(xerrors.CodePlanningFailed, cause, "")
	}
	p.log.WarnContext(ctx, "大模型规划失败，改用备用规划器", slog.Any("error", cause))
	return p.fallback.Plan(ctx, task)
}

func (p *LLMPlanner) parsePlan(text string) (*market.TaskPlan, error) {
	raw := llm.ExtractJSON(text)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodePlanningFailed, "模型输出中没有 JSON 计划")
	}
	var payload planPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanningFailed, err, "解析计划失败")
	}

	allowed := make(map[string]struct{}, len(p.capabilities))
	for _, c := range p.capabilities {
		allowed[c] = struct{}{}
	}
	plan := &market.TaskPlan{
		Understanding:    strings.TrimSpace(payload.Understanding),
		FinalDeliverable: strings.TrimSpace(payload.FinalDeliverable),
	}
	for idx, st := range payload.Subtasks {
		capability := strings.TrimSpace(st.Capability)
		if _, ok := allowed[capability]; !ok {
			p.log.Warn("计划包含未知能力，已忽略", slog.String("capability", capability))
			continue
		}
		if strings.TrimSpace(st.Task) == "" {
			continue
		}
		priority := idx + 1
		if st.Priority != nil {
			priority = *st.Priority
		}
		plan.Subtasks = append(plan.Subtasks, market.Subtask{Capability: capability, Task: strings.TrimSpace(st.Task), Priority: priority})
		if len(plan.Subtasks) == p.maxSubtasks {
			break
		}
	}
	if len(plan.Subtasks) == 0 {
		return nil, xerrors.New(xerrors.CodePlanningFailed, "计划没有可执行的子任务")
	}
	plan.RequiredCapabilities = plan.Capabilities()
	return plan, nil
}

const synthesisSystem = "You are the coordinator of an agent marketplace. Combine the specialists' results into the final deliverable. " +
	"Do not invent facts that none of the specialists reported."

// Synthesize 根据各代理的输出生成最终报告。
func (p *LLMPlanner) Synthesize(ctx context.Context, task string, plan *market.TaskPlan, results map[string]string) (string, error) {
	if p.llmClient == nil {
		if p.fallback != nil {
			return p.fallback.Synthesize(ctx, task, plan, results)
		}
		return "", xerrors.New(xerrors.CodeSynthesisFailed, "未配置大模型客户端")
	}
	prompt := "## Task\n" + task
	if plan != nil && plan.FinalDeliverable != "" {
		prompt += "\n\n## Deliverable\n" + plan.FinalDeliverable
	}
	resp, err := p.generate(ctx, llm.Request{
		System:    synthesisSystem,
		Prompt:    prompt,
		History:   historyOf(results),
		MaxTokens: 2048,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSynthesisFailed, err, "")
	}
	out := strings.TrimSpace(resp.Text)
	if out == "" {
		return "", xerrors.New(xerrors.CodeSynthesisFailed, "模型返回空报告")
	}
	return out, nil
}

// generate 调用大模型并施加超时。
func (p *LLMPlanner) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if p.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, p.llmTimeout)
		defer cancel()
	}
	resp, err := p.llmClient.Generate(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, err
	}
	if resp == nil {
		return nil, stdErrors.New("大模型返回空响应")
	}
	return resp, nil
}

// collectKnowledge 从知识库中检索与任务相关的内容。
func (p *LLMPlanner) collectKnowledge(task string) []llm.KnowledgeCard {
	if p.knowledge == nil {
		return nil
	}
	return knowledge.Cards(p.knowledge.Query(task, ""))
}

func historyOf(results map[string]string) []llm.HistoryEntry {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	history := make([]llm.HistoryEntry, 0, len(keys))
	for _, k := range keys {
		history = append(history, llm.HistoryEntry{Agent: k, Content: results[k]})
	}
	return history
}
