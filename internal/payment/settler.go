// Package payment 负责代理雇佣的资金流转：预付、流式微支付、托管结算与退款。
// 所有转账都经过 Settler 完成，并写入 Ledger 供对账。
package payment

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Mosaic-Protocol/internal/errors"
)

// Transfer 是一次代币转账请求。
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount int64
	Memo   string
}

// Settler 执行实际的转账。
type Settler interface {
	Transfer(ctx context.Context, t Transfer) (common.Hash, error)
}

// SimulatedSettler 在进程内模拟转账，生成确定性的交易哈希。
// 开启余额校验后，余额不足的转账会失败。
type SimulatedSettler struct {
	mu       sync.Mutex
	nonce    uint64
	strict   bool
	balances map[common.Address]int64
}

// NewSimulatedSettler 创建模拟结算器，strict 为 true 时校验余额。
func NewSimulatedSettler(strict bool) *SimulatedSettler {
	return &SimulatedSettler{strict: strict, balances: make(map[common.Address]int64)}
}

// Fund 给地址增加余额。
func (s *SimulatedSettler) Fund(addr common.Address, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[addr] += amount
}

// Balance 返回地址余额。
func (s *SimulatedSettler) Balance(addr common.Address) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[addr]
}

// Transfer 实现 Settler。
func (s *SimulatedSettler) Transfer(ctx context.Context, t Transfer) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if t.Amount < 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额不能为负数")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strict && s.balances[t.From] < t.Amount {
		return common.Hash{}, xerrors.New(xerrors.CodePaymentFailed,
			fmt.Sprintf("余额不足: %s 持有 %d，需要 %d", t.From.Hex(), s.balances[t.From], t.Amount))
	}
	s.balances[t.From] -= t.Amount
	s.balances[t.To] += t.Amount
	s.nonce++

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], s.nonce)
	binary.BigEndian.PutUint64(buf[8:], uint64(t.Amount))
	return crypto.Keccak256Hash(t.From.Bytes(), t.To.Bytes(), buf[:], []byte(t.Memo)), nil
}

// TokenTransferer 是链上客户端提供的 ERC-20 转账能力。
type TokenTransferer interface {
	TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	Address() common.Address
}

// ChainSettler 通过 EVM 链上的 ERC-20 合约完成转账，付款方固定为签名账户。
type ChainSettler struct {
	client TokenTransferer
	token  common.Address
}

// NewChainSettler 创建链上结算器。
func NewChainSettler(client TokenTransferer, token common.Address) *ChainSettler {
	return &ChainSettler{client: client, token: token}
}

// Transfer 实现 Settler。
func (s *ChainSettler) Transfer(ctx context.Context, t Transfer) (common.Hash, error) {
	if t.From != (common.Address{}) && t.From != s.client.Address() {
		return common.Hash{}, xerrors.New(xerrors.CodePaymentFailed,
			fmt.Sprintf("付款地址 %s 与签名账户 %s 不一致", t.From.Hex(), s.client.Address().Hex()))
	}
	hash, err := s.client.TransferToken(ctx, s.token, t.To, big.NewInt(t.Amount))
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodePaymentFailed, err, "链上转账失败")
	}
	return hash, nil
}
