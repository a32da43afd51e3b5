package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"samia-escalation/internal/models"

	"go.uber.org/zap"
)

// AvailabilityRepository 塔罗师在线状态仓库
type AvailabilityRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAvailabilityRepository 创建在线状态仓库
func NewAvailabilityRepository(db *sql.DB, logger *zap.Logger) *AvailabilityRepository {
	return &AvailabilityRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertHeartbeat 写入心跳（不存在则插入）
func (r *AvailabilityRepository) UpsertHeartbeat(ctx context.Context, a *models.ReaderAvailability) error {
	if a == nil {
		return fmt.Errorf("availability is required")
	}
	if a.ReaderID == "" {
		return fmt.Errorf("reader_id is required")
	}

	query := `
		INSERT INTO reader_availability (
			reader_id, is_online, emergency_opt_in, last_seen,
			status_message, max_concurrent, current_concurrent
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reader_id) DO UPDATE SET
			is_online = EXCLUDED.is_online,
			emergency_opt_in = EXCLUDED.emergency_opt_in,
			last_seen = EXCLUDED.last_seen,
			status_message = EXCLUDED.status_message,
			max_concurrent = EXCLUDED.max_concurrent,
			current_concurrent = EXCLUDED.current_concurrent
	`

	_, err := r.db.ExecContext(ctx, query,
		a.ReaderID,
		a.IsOnline,
		a.EmergencyOptIn,
		a.LastSeen,
		a.StatusMessage,
		a.MaxConcurrent,
		a.CurrentConcurrent,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}

	return nil
}

// GetAvailability 获取单个塔罗师在线状态；不存在返回 nil
func (r *AvailabilityRepository) GetAvailability(ctx context.Context, readerID string) (*models.ReaderAvailability, error) {
	if readerID == "" {
		return nil, fmt.Errorf("reader_id is required")
	}

	query := `
		SELECT reader_id, is_online, emergency_opt_in, last_seen,
		       status_message, max_concurrent, current_concurrent
		FROM reader_availability
		WHERE reader_id = $1
	`

	var a models.ReaderAvailability
	err := r.db.QueryRowContext(ctx, query, readerID).Scan(
		&a.ReaderID,
		&a.IsOnline,
		&a.EmergencyOptIn,
		&a.LastSeen,
		&a.StatusMessage,
		&a.MaxConcurrent,
		&a.CurrentConcurrent,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 从未上报过心跳
		}
		return nil, fmt.Errorf("failed to get availability: %w", err)
	}

	return &a, nil
}

// ListOnlineReaders 获取当前在线且开启紧急接单的塔罗师
// staleAfter：心跳超过该时长视为离线
func (r *AvailabilityRepository) ListOnlineReaders(ctx context.Context, staleAfter time.Duration) ([]*models.ReaderAvailability, error) {
	threshold := time.Now().Add(-staleAfter)

	query := `
		SELECT reader_id, is_online, emergency_opt_in, last_seen,
		       status_message, max_concurrent, current_concurrent
		FROM reader_availability
		WHERE is_online = true
		  AND emergency_opt_in = true
		  AND last_seen > $1
		ORDER BY last_seen DESC
	`

	rows, err := r.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query online readers: %w", err)
	}
	defer rows.Close()

	readers := []*models.ReaderAvailability{}
	for rows.Next() {
		var a models.ReaderAvailability
		err := rows.Scan(
			&a.ReaderID,
			&a.IsOnline,
			&a.EmergencyOptIn,
			&a.LastSeen,
			&a.StatusMessage,
			&a.MaxConcurrent,
			&a.CurrentConcurrent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan availability: %w", err)
		}
		readers = append(readers, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate online readers: %w", err)
	}

	return readers, nil
}
