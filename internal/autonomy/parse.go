package autonomy

import (
	"regexp"
	"strings"
)

// HireRequest 是代理在输出中请求雇佣的能力与理由。
type HireRequest struct {
	Capability string `json:"capability"`
	Reason     string `json:"reason,omitempty"`
}

var (
	// markerPrefix 宽松匹配所有疑似标记，用于判断是否存在歧义。
	markerPrefix = regexp.MustCompile(`(?i)\[\s*(?:hire|need)_agent\b`)
	hireMarker   = regexp.MustCompile(`\[HIRE_AGENT:\s*([^\]|]*?)\s*\|\s*([^\]|]*?)\s*\]`)
	needMarker   = regexp.MustCompile(`\[NEED_AGENT:\s*([^\]|]*?)\s*\]`)
	reasonPrefix = regexp.MustCompile(`(?i)\[\s*reason\b`)
	reasonMarker = regexp.MustCompile(`\[REASON:\s*([^\]]*?)\s*\]`)
	capability   = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)
)

// ParseHireRequest 从代理输出中解析雇佣请求。
//
// 只接受恰好一个格式正确的标记：
//
//	[HIRE_AGENT: <capability> | <reason>]
//	[NEED_AGENT: <capability>]   可选附带一个 [REASON: <reason>]
//
// 缺失、格式错误或出现多个标记时一律视为没有请求。
func ParseHireRequest(text string) (HireRequest, bool) {
	if len(markerPrefix.FindAllStringIndex(text, 2)) != 1 {
		return HireRequest{}, false
	}

	if m := hireMarker.FindStringSubmatch(text); m != nil {
		if !capability.MatchString(m[1]) || strings.TrimSpace(m[2]) == "" {
			return HireRequest{}, false
		}
		return HireRequest{Capability: m[1], Reason: strings.TrimSpace(m[2])}, true
	}

	m := needMarker.FindStringSubmatch(text)
	if m == nil || !capability.MatchString(m[1]) {
		return HireRequest{}, false
	}
	req := HireRequest{Capability: m[1]}
	switch len(reasonPrefix.FindAllStringIndex(text, 2)) {
	case 0:
	case 1:
		r := reasonMarker.FindStringSubmatch(text)
		if r == nil {
			return HireRequest{}, false
		}
		req.Reason = strings.TrimSpace(r[1])
	default:
		return HireRequest{}, false
	}
	return req, true
}
