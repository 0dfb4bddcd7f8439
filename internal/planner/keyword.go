package planner

import (
	"context"
	"fmt"
	"strings"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/market"
)

// Rule 把任务中的关键词映射到一个能力。
type Rule struct {
	Capability string
	Keywords   []string
	Priority   int
	Template   string
}

// DefaultRules 是关键词规划器的内置规则，按优先级排列。
var DefaultRules = []Rule{
	{Capability: "research", Keywords: []string{"research", "find", "investigate", "news", "what is", "who"}, Priority: 1,
		Template: "Research the background needed for: %s"},
	{Capability: "market_data", Keywords: []string{"price", "market", "volume", "chart", "trading"}, Priority: 1,
		Template: "Collect current market data for: %s"},
	{Capability: "token_safety_analysis", Keywords: []string{"safe", "rug", "honeypot", "scam", "audit"}, Priority: 2,
		Template: "Assess token safety risks for: %s"},
	{Capability: "onchain_analysis", Keywords: []string{"wallet", "whale", "on-chain", "onchain", "transaction", "holder"}, Priority: 2,
		Template: "Analyse on-chain activity for: %s"},
	{Capability: "dex_routing", Keywords: []string{"swap", "route", "dex", "exchange", "slippage"}, Priority: 2,
		Template: "Find the best swap route for: %s"},
	{Capability: "analysis", Keywords: []string{"analy", "compare", "evaluate", "should i", "assess", "risk"}, Priority: 3,
		Template: "Analyse the findings and answer: %s"},
	{Capability: "summarization", Keywords: []string{"summar", "tl;dr", "brief"}, Priority: 4,
		Template: "Summarise the findings for: %s"},
	{Capability: "writing", Keywords: []string{"write", "report", "draft", "article", "post"}, Priority: 4,
		Template: "Write the final deliverable for: %s"},
}

// KeywordPlanner 按关键词规则生成计划，不依赖大模型。
type KeywordPlanner struct {
	rules    []Rule
	fallback Rule
}

// NewKeywordPlanner 创建关键词规划器，rules 为空时使用 DefaultRules。
func NewKeywordPlanner(rules []Rule) *KeywordPlanner {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &KeywordPlanner{
		rules:    rules,
		fallback: Rule{Capability: "research", Priority: 1, Template: "Research the background needed for: %s"},
	}
}

// Plan 实现 Planner。没有规则命中时退化为单个 research 子任务，
// 只命中 research 时追加一个 analysis 子任务。
func (k *KeywordPlanner) Plan(_ context.Context, task string) (*market.TaskPlan, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, xerrors.New(xerrors.CodePlanningFailed, "任务不能为空")
	}
	lower := strings.ToLower(task)
	plan := &market.TaskPlan{
		Understanding:    fmt.Sprintf("User wants: %s", task),
		FinalDeliverable: "A concise report answering the task",
	}
	for _, rule := range k.rules {
		if matches(lower, rule.Keywords) {
			plan.Subtasks = append(plan.Subtasks, subtask(rule, task))
		}
	}
	if len(plan.Subtasks) == 0 {
		plan.Subtasks = append(plan.Subtasks, subtask(k.fallback, task))
	}
	if len(plan.Subtasks) == 1 && plan.Subtasks[0].Capability == "research" {
		plan.Subtasks = append(plan.Subtasks, market.Subtask{
			Capability: "analysis", Task: fmt.Sprintf("Analyse the findings and answer: %s", task), Priority: 2,
		})
	}
	plan.RequiredCapabilities = plan.Capabilities()
	return plan, nil
}

// Synthesize 实现 Planner，按结果键名排序拼接各代理输出。
func (k *KeywordPlanner) Synthesize(_ context.Context, task string, plan *market.TaskPlan, results map[string]string) (string, error) {
	if len(results) == 0 {
		return "", xerrors.New(xerrors.CodeSynthesisFailed, "没有可综合的结果")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", task)
	for _, k := range historyOf(results) {
		fmt.Fprintf(&b, "\n## %s\n%s\n", k.Agent, strings.TrimSpace(k.Content))
	}
	return strings.TrimSpace(b.String()), nil
}

func subtask(rule Rule, task string) market.Subtask {
	return market.Subtask{Capability: rule.Capability, Task: fmt.Sprintf(rule.Template, task), Priority: rule.Priority}
}

func matches(task string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(task, kw) {
			return true
		}
	}
	return false
}
