package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/internal/market"
	"Mosaic-Protocol/pkg/logger"
)

// Mode 是资金模式。
type Mode string

const (
	ModeUpfront   Mode = "upfront"
	ModeStreaming Mode = "streaming"
)

// ParseMode 解析资金模式，未知值回退为流式。
func ParseMode(v string) Mode {
	if Mode(v) == ModeUpfront {
		return ModeUpfront
	}
	return ModeStreaming
}

// Receipt 是一次转账的回执。
type Receipt struct {
	TxHash common.Hash    `json:"txHash"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
	Kind   Kind           `json:"kind"`
	At     time.Time      `json:"at"`
}

// UpfrontRequest 描述一次预付。
type UpfrontRequest struct {
	RunID string
	Payer common.Address
	Agent market.AgentOption
	Hirer string
}

// StreamRequest 描述一次流式支付的开启参数。
type StreamRequest struct {
	RunID     string
	AgentName string
	Payer     common.Address
	Payee     common.Address
	Total     int64
	Chunks    int
	EscrowID  string
}

// StreamSummary 是关闭流之后的汇总。
type StreamSummary struct {
	StreamID      string      `json:"streamId"`
	Total         int64       `json:"total"`
	Paid          int64       `json:"paid"`
	MicroPayments int         `json:"microPayments"`
	SettleTx      common.Hash `json:"settleTx"`
	ProofTx       string      `json:"proofTx,omitempty"`
	Success       bool        `json:"success"`
}

type stream struct {
	id       string
	req      StreamRequest
	paid     int64
	settled  int
	closed   bool
	openedAt time.Time
}

// Service 编排预付与流式支付。
type Service struct {
	settler Settler
	ledger  Ledger
	sink    events.Sink
	log     *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// ServiceOption 自定义支付服务。
type ServiceOption func(*Service)

// WithLedger 指定账本，默认使用内存账本。
func WithLedger(l Ledger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.ledger = l
		}
	}
}

// WithEvents 指定事件投递通道。
func WithEvents(sink events.Sink) ServiceOption {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// NewService 创建支付服务。
func NewService(settler Settler, opts ...ServiceOption) *Service {
	s := &Service{
		settler: settler,
		ledger:  NewMemoryLedger(),
		sink:    events.Nop,
		log:     logger.Named("payment"),
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger 返回账本。
func (s *Service) Ledger() Ledger { return s.ledger }

// PayUpfront 在构建执行器之前一次性支付约定价格。
func (s *Service) PayUpfront(ctx context.Context, req UpfrontRequest) (Receipt, error) {
	em := events.NewEmitter(s.sink, req.RunID)
	rec, err := s.transfer(ctx, Entry{
		RunID:     req.RunID,
		Kind:      KindUpfront,
		From:      req.Payer,
		To:        req.Agent.Wallet,
		Amount:    req.Agent.Price,
		AgentName: req.Agent.Name,
	})
	if err != nil {
		em.Emit(ctx, events.TypePaymentFailed, map[string]any{
			"agent": req.Agent.Name, "amount": req.Agent.Price, "error": err.Error(),
		})
		return Receipt{}, err
	}
	em.Emit(ctx, events.TypePaymentSent, map[string]any{
		"from": req.Hirer, "to": req.Agent.Name, "amount": market.FormatUSDC(rec.Amount), "txHash": rec.TxHash.Hex(),
	})
	return rec, nil
}

// OpenStream 开启流式支付，返回流编号。
func (s *Service) OpenStream(ctx context.Context, req StreamRequest) (string, error) {
	if req.Total < 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "流总额不能为负数")
	}
	if req.Chunks <= 0 {
		req.Chunks = 1
	}
	st := &stream{id: "stream-" + uuid.NewString(), req: req, openedAt: time.Now().UTC()}
	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()

	events.NewEmitter(s.sink, req.RunID).Emit(ctx, events.TypeStreamOpen, map[string]any{
		"streamId": st.id, "agent": req.AgentName, "total": market.FormatUSDC(req.Total),
		"chunks": req.Chunks, "escrowId": req.EscrowID,
	})
	return st.id, nil
}

// SetChunks 在执行结束、实际分块数确定后调整流的分块数。已结算的分块不受影响。
func (s *Service) SetChunks(streamID string, chunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "支付流不存在", xerrors.WithMetadata("stream_id", streamID))
	}
	if chunks < st.settled {
		chunks = st.settled
	}
	if chunks <= 0 {
		chunks = 1
	}
	st.req.Chunks = chunks
	return nil
}

// SettleChunk 结算一个分块，金额为 Total/Chunks 且不超过未付余额，余数留到关闭时补齐。
func (s *Service) SettleChunk(ctx context.Context, streamID string) (Receipt, error) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return Receipt{}, xerrors.New(xerrors.CodeNotFound, "支付流不存在", xerrors.WithMetadata("stream_id", streamID))
	}
	if st.closed {
		s.mu.Unlock()
		return Receipt{}, xerrors.New(xerrors.CodeAlreadyCompleted, "支付流已关闭")
	}
	if st.settled >= st.req.Chunks {
		s.mu.Unlock()
		return Receipt{}, xerrors.New(xerrors.CodeConflict, "分块已全部结算")
	}
	amount := st.req.Total / int64(st.req.Chunks)
	if rest := st.req.Total - st.paid; amount > rest {
		amount = rest
	}
	if amount <= 0 {
		s.mu.Unlock()
		return Receipt{}, xerrors.New(xerrors.CodeConflict, "流余额已结清")
	}
	req := st.req
	st.settled++
	st.paid += amount
	index := st.settled
	s.mu.Unlock()

	rec, err := s.transfer(ctx, Entry{
		RunID: req.RunID, Kind: KindMicro, From: req.Payer, To: req.Payee,
		Amount: amount, AgentName: req.AgentName, StreamID: streamID, EscrowID: req.EscrowID,
	})
	if err != nil {
		s.mu.Lock()
		st.settled--
		st.paid -= amount
		s.mu.Unlock()
		return Receipt{}, err
	}
	events.NewEmitter(s.sink, req.RunID).Emit(ctx, events.TypeStreamMicro, map[string]any{
		"streamId": streamID, "agent": req.AgentName, "index": index,
		"amount": market.FormatUSDC(amount), "txHash": rec.TxHash.Hex(),
	})
	return rec, nil
}

// SettleStream 关闭支付流并补齐剩余金额，无论执行成功与否都按约定总价结算。
func (s *Service) SettleStream(ctx context.Context, streamID, proofTx string, success bool) (StreamSummary, error) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return StreamSummary{}, xerrors.New(xerrors.CodeNotFound, "支付流不存在", xerrors.WithMetadata("stream_id", streamID))
	}
	if st.closed {
		s.mu.Unlock()
		return StreamSummary{}, xerrors.New(xerrors.CodeAlreadyCompleted, "支付流已关闭")
	}
	st.closed = true
	remaining := st.req.Total - st.paid
	req, settled := st.req, st.settled
	s.mu.Unlock()

	summary := StreamSummary{
		StreamID: streamID, Total: req.Total, Paid: req.Total - remaining,
		MicroPayments: settled, ProofTx: proofTx, Success: success,
	}
	if remaining > 0 {
		rec, err := s.transfer(ctx, Entry{
			RunID: req.RunID, Kind: KindStreamSettle, From: req.Payer, To: req.Payee,
			Amount: remaining, AgentName: req.AgentName, StreamID: streamID, EscrowID: req.EscrowID,
		})
		if err != nil {
			s.mu.Lock()
			st.closed = false
			s.mu.Unlock()
			return summary, err
		}
		summary.SettleTx = rec.TxHash
		summary.Paid = req.Total
		s.mu.Lock()
		st.paid = req.Total
		s.mu.Unlock()
	}

	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()

	events.NewEmitter(s.sink, req.RunID).Emit(ctx, events.TypeStreamSettled, map[string]any{
		"streamId": streamID, "agent": req.AgentName, "total": market.FormatUSDC(req.Total),
		"microPayments": summary.MicroPayments, "success": success, "proofTx": proofTx,
	})
	return summary, nil
}

func (s *Service) transfer(ctx context.Context, e Entry) (Receipt, error) {
	hash, err := s.settler.Transfer(ctx, Transfer{From: e.From, To: e.To, Amount: e.Amount, Memo: string(e.Kind) + ":" + e.AgentName})
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodePaymentFailed, err, fmt.Sprintf("%s 转账失败", e.Kind))
		}
		s.log.WarnContext(ctx, "转账失败",
			slog.String("run_id", e.RunID),
			slog.String("kind", string(e.Kind)),
			slog.String("agent", e.AgentName),
			slog.Any("error", err))
		return Receipt{}, err
	}
	e.TxHash = hash.Hex()
	e.CreatedAt = time.Now().UTC()
	if err := s.ledger.Record(ctx, e); err != nil {
		s.log.ErrorContext(ctx, "写入账本失败", slog.String("tx_hash", e.TxHash), slog.Any("error", err))
	}
	logger.Audit().InfoContext(ctx, "payment",
		slog.String("run_id", e.RunID),
		slog.String("kind", string(e.Kind)),
		slog.String("from", e.From.Hex()),
		slog.String("to", e.To.Hex()),
		slog.Int64("amount", e.Amount),
		slog.String("tx_hash", e.TxHash))
	return Receipt{TxHash: hash, From: e.From, To: e.To, Amount: e.Amount, Kind: e.Kind, At: e.CreatedAt}, nil
}
