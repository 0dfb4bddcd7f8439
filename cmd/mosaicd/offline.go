package main

import (
	"context"
	"fmt"
	"strings"

	"Mosaic-Protocol/internal/llm"
)

// offlineModel 在未配置大模型时驱动内置代理：只根据知识片段与上游输出拼出答复，
// 便于在没有外部服务的环境中演示完整的雇佣与结算流程。
func offlineModel() llm.Client {
	return llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n", firstLine(req.Prompt))
		for _, card := range req.Knowledge {
			fmt.Fprintf(&b, "- %s: %s\n", card.Title, firstLine(card.Content))
		}
		for _, entry := range req.History {
			fmt.Fprintf(&b, "- 参考 %s: %s\n", entry.Agent, firstLine(entry.Content))
		}
		text := strings.TrimSpace(b.String())
		return &llm.Response{
			Text:      text,
			Model:     "offline",
			TokensIn:  len(strings.Fields(llm.RenderPrompt(req))),
			TokensOut: len(strings.Fields(text)),
		}, nil
	})
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 160 {
		s = string(r[:160]) + "..."
	}
	return s
}
