package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TxRecord 一条交易提交记录
type TxRecord struct {
	SubmissionID string `json:"submission_id"`
	TxHash       string `json:"tx_hash"`
	SignerID     string `json:"signer_id"`
	Status       string `json:"status"`
	Polls        int    `json:"polls"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// TxFilter 查询过滤条件
type TxFilter struct {
	Status   string
	SignerID string
	Limit    int
	Offset   int
}

// TxStats 按状态汇总的交易统计
type TxStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

// QueryTransactions 按过滤条件查询交易记录，按创建时间倒序
func (t *Tracker) QueryTransactions(ctx context.Context, filter TxFilter) ([]TxRecord, error) {
	if !t.Enabled() {
		return nil, nil
	}

	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SignerID != "" {
		conditions = append(conditions, "signer_id = ?")
		args = append(args, filter.SignerID)
	}

	query := "SELECT submission_id, tx_hash, signer_id, status, polls, error_message, created_at, updated_at FROM transactions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += t.adapter.BuildLimitOffset(limit, filter.Offset)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var records []TxRecord
	for rows.Next() {
		var r TxRecord
		var txHash, errorMessage sql.NullString
		if err := rows.Scan(&r.SubmissionID, &txHash, &r.SignerID, &r.Status, &r.Polls, &errorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		r.TxHash = txHash.String
		r.ErrorMessage = errorMessage.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetStats 统计各状态的交易数量
func (t *Tracker) GetStats(ctx context.Context) (*TxStats, error) {
	if !t.Enabled() {
		return &TxStats{ByStatus: map[string]int64{}}, nil
	}

	rows, err := t.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM transactions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction stats: %w", err)
	}
	defer rows.Close()

	stats := &TxStats{ByStatus: make(map[string]int64)}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}
