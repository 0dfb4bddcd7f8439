package discovery

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/market"
)

//go:embed agents.yaml
var defaultAgents []byte

// DefaultAlpha 是信誉指数移动平均的权重。
const DefaultAlpha = 0.2

type agentFile struct {
	Agents []market.AgentOption `yaml:"agents"`
}

// StaticRegistry 是基于 YAML 清单的内存注册表，同时维护信誉。
type StaticRegistry struct {
	mu     sync.RWMutex
	agents map[uint64]*market.AgentOption
	alpha  float64
}

// NewStaticRegistry 用给定代理创建注册表。
func NewStaticRegistry(agents []market.AgentOption) *StaticRegistry {
	r := &StaticRegistry{agents: make(map[uint64]*market.AgentOption, len(agents)), alpha: DefaultAlpha}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// DefaultRegistry 返回内置演示代理清单。
func DefaultRegistry() *StaticRegistry {
	reg, err := ParseRegistry(defaultAgents)
	if err != nil {
		panic(fmt.Sprintf("内置代理清单无效: %v", err))
	}
	return reg
}

// LoadStaticRegistry 从 YAML 文件加载代理清单。
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取代理清单失败: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry 解析 YAML 代理清单，token_id 重复时报错。
func ParseRegistry(data []byte) (*StaticRegistry, error) {
	var file agentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析代理清单失败: %w", err)
	}
	seen := make(map[uint64]struct{}, len(file.Agents))
	for _, a := range file.Agents {
		if a.TokenID == 0 || a.Name == "" || a.Capability == "" {
			return nil, fmt.Errorf("代理清单条目不完整: %+v", a)
		}
		if _, dup := seen[a.TokenID]; dup {
			return nil, fmt.Errorf("代理 token_id 重复: %d", a.TokenID)
		}
		seen[a.TokenID] = struct{}{}
	}
	return NewStaticRegistry(file.Agents), nil
}

// Register 新增或替换代理。
func (r *StaticRegistry) Register(agent market.AgentOption) {
	a := agent.WithFormattedPrice()
	r.mu.Lock()
	r.agents[a.TokenID] = &a
	r.mu.Unlock()
}

// Get 返回指定代理的快照。
func (r *StaticRegistry) Get(tokenID uint64) (market.AgentOption, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[tokenID]
	if !ok {
		return market.AgentOption{}, false
	}
	return *a, true
}

// Agents 返回全部代理，按 token_id 排序。
func (r *StaticRegistry) Agents() []market.AgentOption {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]market.AgentOption, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Discover 实现 Registry，只返回处于激活状态的代理。
func (r *StaticRegistry) Discover(_ context.Context, capability string) ([]market.AgentOption, error) {
	var out []market.AgentOption
	for _, a := range r.Agents() {
		if a.Capability == capability && a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

// RecordTaskCompletion 以指数移动平均更新信誉（0 到 100），并累加任务数。
func (r *StaticRegistry) RecordTaskCompletion(_ context.Context, tokenID uint64, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[tokenID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "代理不存在", xerrors.WithMetadata("token_id", fmt.Sprint(tokenID)))
	}
	target := 0.0
	if success {
		target = 100
	}
	a.Reputation += r.alpha * (target - a.Reputation)
	a.TotalTasks++
	return nil
}
