// Package knowledge 为内置代理提供按能力与任务检索的参考资料。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"Mosaic-Protocol/internal/llm"
)

// Provider 定义知识检索接口。
type Provider interface {
	Query(task, capability string) []Snippet
}

// Snippet 是一段可供代理引用的知识。
type Snippet struct {
	Title        string   `json:"title" yaml:"title"`
	Content      string   `json:"content" yaml:"content"`
	Keywords     []string `json:"keywords" yaml:"keywords"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// StaticProvider 基于静态条目做关键词匹配。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回与能力相符且关键词命中任务描述的条目。
// 未声明能力的条目对所有能力可见，未声明关键词的条目总是命中。
func (p *StaticProvider) Query(task, capability string) []Snippet {
	if p == nil {
		return nil
	}
	task = strings.ToLower(task)
	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !servesCapability(item, capability) || !mentions(item, task) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func servesCapability(s Snippet, capability string) bool {
	if len(s.Capabilities) == 0 {
		return true
	}
	for _, c := range s.Capabilities {
		if strings.EqualFold(strings.TrimSpace(c), capability) {
			return true
		}
	}
	return false
}

func mentions(s Snippet, task string) bool {
	if len(s.Keywords) == 0 {
		return true
	}
	for _, kw := range s.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(task, kw) {
			return true
		}
	}
	return false
}

// Cards 把条目转换为模型提示使用的知识卡片。
func Cards(snippets []Snippet) []llm.KnowledgeCard {
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, s := range snippets {
		cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

var _ Provider = (*StaticProvider)(nil)
