package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxDepth 是自主雇佣允许的最大递归深度。
const DefaultMaxDepth = 3

// HistoryEntry 记录一次代理输出。
type HistoryEntry struct {
	Agent      string    `json:"agent"`
	Capability string    `json:"capability"`
	Content    string    `json:"content"`
	Depth      int       `json:"depth"`
	At         time.Time `json:"at"`
}

// TaskContext 是单次运行内在各个代理之间传递的共享工作区。
//
// 一次运行只有一个 goroutine 使用它，因此不加锁。
type TaskContext struct {
	OriginalTask        string                    `json:"originalTask"`
	PreviousResults     map[string]string         `json:"previousResults"`
	StructuredResults   map[string]map[string]any `json:"structuredResults"`
	ConversationHistory []HistoryEntry            `json:"conversationHistory"`
	Depth               int                       `json:"depth"`
	MaxDepth            int                       `json:"maxDepth"`
	WalletAddress       *common.Address           `json:"walletAddress,omitempty"`
}

// NewTaskContext 创建深度为 0 的上下文。
func NewTaskContext(task string, maxDepth int, wallet *common.Address) *TaskContext {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &TaskContext{
		OriginalTask:      task,
		PreviousResults:   make(map[string]string),
		StructuredResults: make(map[string]map[string]any),
		MaxDepth:          maxDepth,
		WalletAddress:     wallet,
	}
}

// Merge 把一次执行的输出写入上下文，同名键直接覆盖，历史只追加。
func (c *TaskContext) Merge(key, agent, capability, output string, structured map[string]any) {
	c.PreviousResults[key] = output
	if structured != nil {
		c.StructuredResults[capability] = structured
	}
	c.ConversationHistory = append(c.ConversationHistory, HistoryEntry{
		Agent:      agent,
		Capability: capability,
		Content:    output,
		Depth:      c.Depth,
		At:         time.Now().UTC(),
	})
}

// CanDelegate 判断当前深度是否还允许再雇佣一层。
func (c *TaskContext) CanDelegate() bool {
	return c.Depth < c.MaxDepth
}

// Descend 进入下一层递归，返回的函数用于恢复深度。
func (c *TaskContext) Descend() func() {
	c.Depth++
	return func() { c.Depth-- }
}
