package protocol

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "Mosaic-Protocol/internal/errors"
)

//go:embed contracts.yaml
var defaultContracts []byte

// ParamSpec 描述一个参数是否必填。
type ParamSpec struct {
	Name     string
	Optional bool
}

// ContractTable 记录每个能力支持的动作及参数。
type ContractTable struct {
	mu      sync.RWMutex
	actions map[string]map[string][]ParamSpec
}

type contractFile struct {
	Capabilities map[string]map[string][]string `yaml:"capabilities"`
}

// DefaultContracts 返回内置契约表。
func DefaultContracts() *ContractTable {
	table, err := ParseContracts(defaultContracts)
	if err != nil {
		panic(fmt.Sprintf("内置契约表无效: %v", err))
	}
	return table
}

// LoadContracts 从 YAML 文件加载契约表。
func LoadContracts(path string) (*ContractTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取契约表失败: %w", err)
	}
	return ParseContracts(data)
}

// ParseContracts 解析 YAML 契约表，参数名以 "?" 结尾表示可选。
func ParseContracts(data []byte) (*ContractTable, error) {
	var file contractFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析契约表失败: %w", err)
	}
	table := &ContractTable{actions: make(map[string]map[string][]ParamSpec, len(file.Capabilities))}
	for capability, actions := range file.Capabilities {
		for action, params := range actions {
			table.Register(capability, action, params...)
		}
	}
	return table, nil
}

// Register 为能力添加或覆盖一个动作。
func (t *ContractTable) Register(capability, action string, params ...string) {
	specs := make([]ParamSpec, 0, len(params))
	for _, p := range params {
		name, optional := strings.CutSuffix(strings.TrimSpace(p), "?")
		specs = append(specs, ParamSpec{Name: name, Optional: optional})
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.actions == nil {
		t.actions = make(map[string]map[string][]ParamSpec)
	}
	if t.actions[capability] == nil {
		t.actions[capability] = make(map[string][]ParamSpec)
	}
	t.actions[capability][action] = specs
}

// Has 判断能力是否在契约表中。
func (t *ContractTable) Has(capability string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.actions[capability]
	return ok
}

// Capabilities 返回排序后的能力列表。
func (t *ContractTable) Capabilities() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.actions))
	for c := range t.actions {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate 在调用任何代理之前校验请求。
func (t *ContractTable) Validate(req AgentRequest) error {
	if req.TargetCapability == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "目标能力为空")
	}
	if req.Timeout < 0 {
		return xerrors.New(xerrors.CodeInvalidRequest, "超时时间不能为负数")
	}
	switch req.ResponseFormat {
	case "", FormatText, FormatJSON, FormatStructured:
	default:
		return xerrors.Newf(xerrors.CodeInvalidRequest, "不支持的响应格式 %q", req.ResponseFormat)
	}

	t.mu.RLock()
	actions, ok := t.actions[req.TargetCapability]
	var params []ParamSpec
	if ok {
		params, ok = actions[req.Action]
	}
	t.mu.RUnlock()
	if actions == nil {
		return xerrors.New(xerrors.CodeInvalidRequest, "未知能力",
			xerrors.WithMetadata("capability", req.TargetCapability))
	}
	if !ok {
		return xerrors.Newf(xerrors.CodeInvalidRequest, "能力 %s 不支持动作 %q", req.TargetCapability, req.Action)
	}

	var missing []string
	for _, p := range params {
		if p.Optional {
			continue
		}
		if isEmpty(req.Params[p.Name]) {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return xerrors.Newf(xerrors.CodeInvalidRequest, "缺少必填参数: %s", strings.Join(missing, ", "))
	}
	return nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
