package market

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// USDCDecimals 是结算代币的精度。
const USDCDecimals = 6

// AgentOption 是一次选择时刻的代理快照。
type AgentOption struct {
	TokenID        uint64         `json:"tokenId" yaml:"token_id"`
	Name           string         `json:"name" yaml:"name"`
	Capability     string         `json:"capability" yaml:"capability"`
	Wallet         common.Address `json:"wallet" yaml:"wallet"`
	Owner          common.Address `json:"owner" yaml:"owner"`
	Price          int64          `json:"price" yaml:"price"`
	PriceFormatted string         `json:"priceFormatted" yaml:"-"`
	Reputation     float64        `json:"reputation" yaml:"reputation"`
	TotalTasks     int            `json:"totalTasks" yaml:"total_tasks"`
	Endpoint       string         `json:"endpoint,omitempty" yaml:"endpoint"`
	IsActive       bool           `json:"isActive" yaml:"active"`
}

// WithFormattedPrice 返回补齐 PriceFormatted 的副本。
func (a AgentOption) WithFormattedPrice() AgentOption {
	a.PriceFormatted = FormatUSDC(a.Price)
	return a
}

// FormatUSDC 把最小单位金额渲染为十进制字符串，去掉末尾的零。
func FormatUSDC(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)
	if len(s) <= USDCDecimals {
		s = strings.Repeat("0", USDCDecimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-USDCDecimals], strings.TrimRight(s[len(s)-USDCDecimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ParseUSDC 把十进制字符串解析为最小单位金额。
func ParseUSDC(value string) (int64, error) {
	value = strings.TrimSpace(value)
	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > USDCDecimals {
		return 0, strconv.ErrRange
	}
	frac += strings.Repeat("0", USDCDecimals-len(frac))
	if whole == "" {
		whole = "0"
	}
	return strconv.ParseInt(whole+frac, 10, 64)
}
