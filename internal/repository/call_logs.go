package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"samia-escalation/internal/models"

	"go.uber.org/zap"
)

// CallLogsRepository 呼叫日志仓库（append-only，插入后不再修改）
type CallLogsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCallLogsRepository 创建呼叫日志仓库
func NewCallLogsRepository(db *sql.DB, logger *zap.Logger) *CallLogsRepository {
	return &CallLogsRepository{
		db:     db,
		logger: logger,
	}
}

// AppendLog 追加一条呼叫日志
func (r *CallLogsRepository) AppendLog(ctx context.Context, log *models.CallLog) error {
	if log == nil {
		return fmt.Errorf("log is required")
	}
	if log.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	if log.LogType == "" {
		return fmt.Errorf("log_type is required")
	}

	metadata := log.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	query := `
		INSERT INTO call_logs (
			log_id, call_id, log_type, message, metadata, logged_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.LogID,
		log.CallID,
		log.LogType,
		log.Message,
		[]byte(metadata),
		log.LoggedBy,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append call log: %w", err)
	}

	return nil
}

// ListByCall 获取呼叫的全部日志（时间升序，审计轨迹展示用）
func (r *CallLogsRepository) ListByCall(ctx context.Context, callID string) ([]*models.CallLog, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}

	query := `
		SELECT log_id, call_id, log_type, message, metadata, logged_by, created_at
		FROM call_logs
		WHERE call_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.CallLog{}
	for rows.Next() {
		var log models.CallLog
		var metadata []byte

		err := rows.Scan(
			&log.LogID,
			&log.CallID,
			&log.LogType,
			&log.Message,
			&metadata,
			&log.LoggedBy,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}

		if len(metadata) > 0 {
			log.Metadata = metadata
		} else {
			log.Metadata = json.RawMessage("{}")
		}

		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call logs: %w", err)
	}

	return logs, nil
}
