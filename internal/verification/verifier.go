// Package verification 为代理输出生成可校验的承诺与证明，并在链下模拟验证流程。
//
// 证明是验证者密钥对输出承诺的签名，验证通过公钥恢复完成。它只证明输出在
// 提交之后未被篡改，不是零知识证明。
package verification

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/pkg/logger"
)

// Job 描述一次待验证的执行。
type Job struct {
	RunID     string
	AgentName string
	TokenID   uint64
	Task      string
	Output    string
}

// Outcome 是验证结论。
type Outcome struct {
	Verified   bool          `json:"verified"`
	JobID      string        `json:"jobId"`
	Commitment common.Hash   `json:"commitment"`
	Proof      string        `json:"proof"`
	TxHash     common.Hash   `json:"txHash"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Verifier 验证一次执行的输出。
type Verifier interface {
	Verify(ctx context.Context, job Job) (Outcome, error)
}

// Signer 生成并校验签名证明。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	nonce   atomic.Uint64
	now     func() time.Time
	sink    events.Sink
	reject  func(Job) bool
	delay   time.Duration
	log     *slog.Logger
}

// Option 自定义验证器。
type Option func(*Signer)

// WithEvents 指定事件投递通道。
func WithEvents(sink events.Sink) Option {
	return func(s *Signer) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithRejector 注入一个判定函数，返回 true 的任务会验证失败。
func WithRejector(reject func(Job) bool) Option {
	return func(s *Signer) { s.reject = reject }
}

// WithStepDelay 在每个阶段之间停顿，便于前端展示进度。
func WithStepDelay(d time.Duration) Option {
	return func(s *Signer) { s.delay = d }
}

// NewSigner 使用给定私钥创建验证器，key 为空时生成临时密钥。
func NewSigner(key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	if key == nil {
		generated, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("生成验证密钥失败: %w", err)
		}
		key = generated
	}
	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		now:     time.Now,
		sink:    events.Nop,
		log:     logger.Named("verification"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address 返回验证者地址。
func (s *Signer) Address() common.Address { return s.address }

// Commit 计算输出承诺。
func Commit(output string) common.Hash {
	return crypto.Keccak256Hash([]byte(output))
}

// Verify 实现 Verifier。事件顺序固定为
// start, job_created, committed, proof_generating, proof_generated, verified|failed, complete。
func (s *Signer) Verify(ctx context.Context, job Job) (Outcome, error) {
	started := s.now()
	em := events.NewEmitter(s.sink, job.RunID)
	base := map[string]any{"agent": job.AgentName, "tokenId": job.TokenID}
	with := func(extra map[string]any) map[string]any {
		out := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	em.Emit(ctx, events.TypeVerificationStart, with(nil))
	out := Outcome{JobID: "vjob-" + uuid.NewString()}
	em.Emit(ctx, events.TypeVerificationJobCreated, with(map[string]any{"jobId": out.JobID}))
	if err := s.pause(ctx); err != nil {
		return s.fail(ctx, em, with, out, started, err)
	}

	out.Commitment = Commit(job.Output)
	em.Emit(ctx, events.TypeVerificationCommitted, with(map[string]any{"jobId": out.JobID, "commitment": out.Commitment.Hex()}))

	em.Emit(ctx, events.TypeVerificationProofGenerating, with(map[string]any{"jobId": out.JobID}))
	if err := s.pause(ctx); err != nil {
		return s.fail(ctx, em, with, out, started, err)
	}
	sig, err := crypto.Sign(digest(out.JobID, out.Commitment), s.key)
	if err != nil {
		return s.fail(ctx, em, with, out, started, fmt.Errorf("生成证明失败: %w", err))
	}
	out.Proof = hexutil.Encode(sig)
	em.Emit(ctx, events.TypeVerificationProofGenerated, with(map[string]any{"jobId": out.JobID, "proof": out.Proof}))

	if s.reject != nil && s.reject(job) {
		return s.fail(ctx, em, with, out, started, xerrors.New(xerrors.CodeVerificationFailed, "证明被拒绝"))
	}
	if err := CheckProof(out.JobID, job.Output, sig, s.address); err != nil {
		return s.fail(ctx, em, with, out, started, err)
	}

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.nonce.Add(1))
	out.TxHash = crypto.Keccak256Hash(sig, n[:])
	out.Verified = true
	out.Duration = s.now().Sub(started)
	em.Emit(ctx, events.TypeVerificationVerified, with(map[string]any{"jobId": out.JobID, "txHash": out.TxHash.Hex()}))
	em.Emit(ctx, events.TypeVerificationComplete, with(map[string]any{"jobId": out.JobID, "verified": true}))
	return out, nil
}

func (s *Signer) fail(ctx context.Context, em events.Emitter, with func(map[string]any) map[string]any, out Outcome, started time.Time, cause error) (Outcome, error) {
	out.Verified = false
	out.Error = cause.Error()
	out.Duration = s.now().Sub(started)
	s.log.WarnContext(ctx, "验证失败", slog.String("job_id", out.JobID), slog.Any("error", cause))
	em.Emit(ctx, events.TypeVerificationFailed, with(map[string]any{"jobId": out.JobID, "error": out.Error}))
	em.Emit(ctx, events.TypeVerificationComplete, with(map[string]any{"jobId": out.JobID, "verified": false}))
	if _, ok := xerrors.From(cause); ok {
		return out, cause
	}
	return out, xerrors.Wrap(xerrors.CodeVerificationFailed, cause, "")
}

func (s *Signer) pause(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func digest(jobID string, commitment common.Hash) []byte {
	return crypto.Keccak256([]byte(jobID), commitment.Bytes())
}

// CheckProof 校验证明确实由 signer 针对 output 生成。
func CheckProof(jobID, output string, sig []byte, signer common.Address) error {
	pub, err := crypto.SigToPub(digest(jobID, Commit(output)), sig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeVerificationFailed, err, "无法恢复签名公钥")
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return xerrors.New(xerrors.CodeVerificationFailed, "证明签名者不匹配")
	}
	return nil
}
