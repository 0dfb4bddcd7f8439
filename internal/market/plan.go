package market

import "sort"

// Subtask 是计划中的一个工作单元。
type Subtask struct {
	Capability string `json:"capability"`
	Task       string `json:"task"`
	Priority   int    `json:"priority"`
}

// TaskPlan 是规划器输出的任务分解，计算完成后不再修改。
type TaskPlan struct {
	Understanding        string    `json:"understanding"`
	RequiredCapabilities []string  `json:"requiredCapabilities"`
	Subtasks             []Subtask `json:"subtasks"`
	FinalDeliverable     string    `json:"finalDeliverable"`
}

// Ordered 返回按优先级升序排列的子任务副本，同优先级保持计划中的顺序。
func (p *TaskPlan) Ordered() []Subtask {
	if p == nil {
		return nil
	}
	ordered := make([]Subtask, len(p.Subtasks))
	copy(ordered, p.Subtasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

// Capabilities 返回计划涉及的能力集合，优先使用 RequiredCapabilities。
func (p *TaskPlan) Capabilities() []string {
	if p == nil {
		return nil
	}
	if len(p.RequiredCapabilities) > 0 {
		return append([]string(nil), p.RequiredCapabilities...)
	}
	seen := make(map[string]struct{}, len(p.Subtasks))
	caps := make([]string, 0, len(p.Subtasks))
	for _, st := range p.Subtasks {
		if _, ok := seen[st.Capability]; ok {
			continue
		}
		seen[st.Capability] = struct{}{}
		caps = append(caps, st.Capability)
	}
	return caps
}
