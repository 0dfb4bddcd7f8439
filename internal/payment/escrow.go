package payment

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/pkg/logger"
)

// EscrowReceipt 是托管结算或退款的回执。
type EscrowReceipt struct {
	EscrowID string         `json:"escrowId"`
	TxHash   common.Hash    `json:"txHash"`
	To       common.Address `json:"to"`
	Amount   int64          `json:"amount"`
	Refunded bool           `json:"refunded"`
}

// Escrow 管理报价执行前用户托管的资金。
type Escrow interface {
	SettleEscrowTask(ctx context.Context, escrowID string, success bool) (EscrowReceipt, error)
	RefundEscrowTask(ctx context.Context, escrowID, reason string) (EscrowReceipt, error)
}

type deposit struct {
	payer  common.Address
	amount int64
	runID  string
	closed bool
}

// LedgerEscrow 由托管钱包持有资金：结算时转给受益人，退款时退回付款方。
type LedgerEscrow struct {
	settler     Settler
	ledger      Ledger
	sink        events.Sink
	holder      common.Address
	beneficiary common.Address
	log         *slog.Logger

	mu       sync.Mutex
	deposits map[string]*deposit
}

// NewLedgerEscrow 创建托管服务。holder 是托管钱包，beneficiary 是结算收款方。
func NewLedgerEscrow(settler Settler, ledger Ledger, holder, beneficiary common.Address, sink events.Sink) *LedgerEscrow {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if sink == nil {
		sink = events.Nop
	}
	return &LedgerEscrow{
		settler:     settler,
		ledger:      ledger,
		sink:        sink,
		holder:      holder,
		beneficiary: beneficiary,
		log:         logger.Named("escrow"),
		deposits:    make(map[string]*deposit),
	}
}

// Deposit 登记一笔托管资金，资金应已转入托管钱包。
func (e *LedgerEscrow) Deposit(_ context.Context, escrowID string, payer common.Address, amount int64) error {
	if escrowID == "" || amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管编号或金额无效")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.deposits[escrowID]; ok {
		return xerrors.New(xerrors.CodeConflict, "托管任务已存在", xerrors.WithMetadata("escrow_id", escrowID))
	}
	e.deposits[escrowID] = &deposit{payer: payer, amount: amount}
	return nil
}

// BindRun 把托管任务关联到运行编号，用于账本与事件。
func (e *LedgerEscrow) BindRun(escrowID, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.deposits[escrowID]; ok {
		d.runID = runID
	}
}

// SettleEscrowTask 实现 Escrow。success 为 false 时等同退款。
func (e *LedgerEscrow) SettleEscrowTask(ctx context.Context, escrowID string, success bool) (EscrowReceipt, error) {
	if !success {
		return e.RefundEscrowTask(ctx, escrowID, "task failed")
	}
	return e.close(ctx, escrowID, false, "")
}

// RefundEscrowTask 实现 Escrow。
func (e *LedgerEscrow) RefundEscrowTask(ctx context.Context, escrowID, reason string) (EscrowReceipt, error) {
	return e.close(ctx, escrowID, true, reason)
}

func (e *LedgerEscrow) close(ctx context.Context, escrowID string, refund bool, reason string) (EscrowReceipt, error) {
	e.mu.Lock()
	d, ok := e.deposits[escrowID]
	if !ok {
		e.mu.Unlock()
		return EscrowReceipt{}, xerrors.New(xerrors.CodeNotFound, "托管任务不存在", xerrors.WithMetadata("escrow_id", escrowID))
	}
	if d.closed {
		e.mu.Unlock()
		return EscrowReceipt{}, xerrors.New(xerrors.CodeEscrowClosed, "", xerrors.WithMetadata("escrow_id", escrowID))
	}
	d.closed = true
	dep := *d
	e.mu.Unlock()

	to, kind, evt := e.beneficiary, KindEscrowSettle, events.TypeEscrowSettled
	if refund {
		to, kind, evt = dep.payer, KindEscrowRefund, events.TypeEscrowRefunded
	}
	hash, err := e.settler.Transfer(ctx, Transfer{From: e.holder, To: to, Amount: dep.amount, Memo: string(kind) + ":" + escrowID})
	if err != nil {
		e.mu.Lock()
		d.closed = false
		e.mu.Unlock()
		return EscrowReceipt{}, xerrors.Wrap(xerrors.CodeEscrowFailed, err, "托管转账失败", xerrors.WithMetadata("escrow_id", escrowID))
	}

	entry := Entry{TxHash: hash.Hex(), RunID: dep.runID, Kind: kind, From: e.holder, To: to, Amount: dep.amount, EscrowID: escrowID}
	if err := e.ledger.Record(ctx, entry); err != nil {
		e.log.ErrorContext(ctx, "写入账本失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
	}
	logger.Audit().InfoContext(ctx, "escrow",
		slog.String("escrow_id", escrowID),
		slog.String("kind", string(kind)),
		slog.String("reason", reason),
		slog.Int64("amount", dep.amount),
		slog.String("tx_hash", hash.Hex()))
	events.NewEmitter(e.sink, dep.runID).Emit(ctx, evt, map[string]any{
		"escrowId": escrowID, "amount": market.FormatUSDC(dep.amount), "txHash": hash.Hex(), "reason": reason,
	})
	return EscrowReceipt{EscrowID: escrowID, TxHash: hash, To: to, Amount: dep.amount, Refunded: refund}, nil
}
