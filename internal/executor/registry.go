package executor

import (
	"sort"
	"sync"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/market"
)

// Factory 为一个被雇佣的代理创建领域 Worker。
type Factory func(agent market.AgentOption) (Worker, error)

// Registry 维护能力到 Factory 的映射，启动时注册，运行期只读。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deps      Deps
}

// NewRegistry 创建执行器注册表。
func NewRegistry(deps Deps) *Registry {
	return &Registry{factories: make(map[string]Factory), deps: deps}
}

// Register 注册能力对应的 Factory，重复注册会覆盖。
func (r *Registry) Register(capability string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[capability] = f
}

// RegisterWorker 注册与代理无关的单例 Worker。
func (r *Registry) RegisterWorker(w Worker) {
	r.Register(w.Capability(), func(market.AgentOption) (Worker, error) { return w, nil })
}

// Has 判断能力是否已注册。
func (r *Registry) Has(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[capability]
	return ok
}

// Capabilities 返回已注册能力，按字母排序。
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// New 为代理创建执行器。能力未注册时返回 UNKNOWN_CAPABILITY 错误。
func (r *Registry) New(agent market.AgentOption) (Executor, error) {
	r.mu.RLock()
	f, ok := r.factories[agent.Capability]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownCapability, "",
			xerrors.WithMetadata("capability", agent.Capability),
			xerrors.WithMetadata("agent", agent.Name))
	}
	worker, err := f(agent)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "创建代理失败", xerrors.WithMetadata("agent", agent.Name))
	}
	return New(agent, worker, r.deps), nil
}
