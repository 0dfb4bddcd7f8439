package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request 描述一次模型调用。
type Request struct {
	System    string
	Prompt    string
	History   []HistoryEntry
	Knowledge []KnowledgeCard
	MaxTokens int
	// JSON 为 true 时要求模型只返回一个 JSON 对象。
	JSON bool
}

// Response 是模型返回的文本与用量。
type Response struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// TokensUsed 返回输入与输出用量之和。
func (r *Response) TokensUsed() int {
	if r == nil {
		return 0
	}
	return r.TokensIn + r.TokensOut
}

// KnowledgeCard 是提供给模型参考的知识片段。
type KnowledgeCard struct {
	Title   string
	Content string
}

// HistoryEntry 是此前代理的一段输出。
type HistoryEntry struct {
	Agent   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 把函数适配为 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

const maxPromptItems = 5

// RenderPrompt 把任务、历史与知识拼成用户提示词。
func RenderPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))

	if len(req.History) > 0 {
		b.WriteString("\n\n## Previous agent results\n")
		for idx, entry := range req.History {
			if idx >= maxPromptItems {
				break
			}
			fmt.Fprintf(&b, "[%s] %s\n", strings.TrimSpace(entry.Agent), truncate(entry.Content, 600))
		}
	}
	if len(req.Knowledge) > 0 {
		b.WriteString("\n## Reference notes\n")
		for idx, card := range req.Knowledge {
			if idx >= maxPromptItems {
				break
			}
			fmt.Fprintf(&b, "[%d] %s: %s\n", idx+1, strings.TrimSpace(card.Title), truncate(card.Content, 300))
		}
	}
	if req.JSON {
		b.WriteString("\nRespond with a single JSON object and nothing else.")
	}
	return b.String()
}

// ExtractJSON 返回文本中第一个完整的 JSON 对象，找不到时返回空串。
// 支持 ```json 代码块以及夹杂在说明文字中的对象。
func ExtractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(text); i++ {
			c := text[i]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			return ""
		}
		start += next + 1
	}
	return ""
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
