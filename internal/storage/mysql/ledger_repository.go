package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Mosaic-Protocol/internal/payment"
)

// LedgerRepository 将支付账本写入 payment_ledger 表。
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository 基于已迁移的连接池创建账本。
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Record 实现 payment.Ledger。
func (r *LedgerRepository) Record(ctx context.Context, e payment.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO payment_ledger
        (tx_hash, run_id, kind, from_addr, to_addr, amount, agent_name, stream_id, escrow_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, stmt,
		e.TxHash,
		e.RunID,
		string(e.Kind),
		e.From.Hex(),
		e.To.Hex(),
		e.Amount,
		e.AgentName,
		e.StreamID,
		e.EscrowID,
		e.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("写入账本失败: %w", err)
	}
	return nil
}

// List 实现 payment.Ledger，按时间先后返回；Limit 保留最新的若干条。
func (r *LedgerRepository) List(ctx context.Context, f payment.Filter) ([]payment.Entry, error) {
	query := `SELECT tx_hash, run_id, kind, from_addr, to_addr, amount, agent_name, stream_id, escrow_id, created_at
        FROM payment_ledger`
	var (
		conditions []string
		args       []any
	)
	if f.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.StreamID != "" {
		conditions = append(conditions, "stream_id = ?")
		args = append(args, f.StreamID)
	}
	if f.EscrowID != "" {
		conditions = append(conditions, "escrow_id = ?")
		args = append(args, f.EscrowID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询账本失败: %w", err)
	}
	defer rows.Close()

	var entries []payment.Entry
	for rows.Next() {
		var (
			e         payment.Entry
			kind      string
			from, to  string
			createdAt int64
		)
		if err := rows.Scan(&e.TxHash, &e.RunID, &kind, &from, &to, &e.Amount, &e.AgentName, &e.StreamID, &e.EscrowID, &createdAt); err != nil {
			return nil, fmt.Errorf("解析账本记录失败: %w", err)
		}
		e.Kind = payment.Kind(kind)
		e.From = common.HexToAddress(from)
		e.To = common.HexToAddress(to)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历账本失败: %w", err)
	}

	out := make([]payment.Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

var _ payment.Ledger = (*LedgerRepository)(nil)
