package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"samia-escalation/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SirensRepository 警报器仓库
// "同一 (call_id, escalation_level) 最多一条活跃警报器"由部分唯一索引保证：
//   CREATE UNIQUE INDEX uq_siren_active_call_level
//   ON siren_controls (call_id, escalation_level) WHERE is_active
type SirensRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSirensRepository 创建警报器仓库
func NewSirensRepository(db *sql.DB, logger *zap.Logger) *SirensRepository {
	return &SirensRepository{
		db:     db,
		logger: logger,
	}
}

const sirenColumns = `
	siren_id,
	call_id,
	siren_type,
	pattern,
	intensity_level,
	target_roles,
	started_at,
	auto_stop_after_minutes,
	stopped_at,
	stopped_by,
	stop_reason,
	is_active,
	acknowledged_by,
	escalation_level,
	metadata
`

func scanSiren(row interface{ Scan(...interface{}) error }) (*models.SirenControl, error) {
	var siren models.SirenControl
	var autoStop sql.NullInt64
	var stoppedAt sql.NullTime
	var stoppedBy, stopReason sql.NullString
	var targetRoles, acknowledgedBy pq.StringArray
	var metadata []byte

	err := row.Scan(
		&siren.SirenID,
		&siren.CallID,
		&siren.SirenType,
		&siren.Pattern,
		&siren.IntensityLevel,
		&targetRoles,
		&siren.StartedAt,
		&autoStop,
		&stoppedAt,
		&stoppedBy,
		&stopReason,
		&siren.IsActive,
		&acknowledgedBy,
		&siren.EscalationLevel,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	if autoStop.Valid {
		minutes := int(autoStop.Int64)
		siren.AutoStopAfterMinutes = &minutes
	}
	if stoppedAt.Valid {
		siren.StoppedAt = &stoppedAt.Time
	}
	if stoppedBy.Valid {
		siren.StoppedBy = &stoppedBy.String
	}
	if stopReason.Valid {
		siren.StopReason = &stopReason.String
	}

	siren.TargetRoles = []string(targetRoles)
	siren.AcknowledgedBy = []string(acknowledgedBy)

	if len(metadata) > 0 {
		siren.Metadata = metadata
	} else {
		siren.Metadata = json.RawMessage("{}")
	}

	return &siren, nil
}

// CreateSiren 创建活跃警报器
// 依赖部分唯一索引去重：并发打开同一 (call, level) 时只有一条插入成功，
// 失败方拿到 inserted=false 而不是错误
// 插入以呼叫仍为 pending 为条件：级别提交与打开警报器之间呼叫被接受/解除时，
// 本次插入不命中任何行，不会给已离开 pending 的呼叫留下活跃警报器
func (r *SirensRepository) CreateSiren(ctx context.Context, siren *models.SirenControl) (bool, error) {
	if siren == nil {
		return false, fmt.Errorf("siren is required")
	}
	if siren.CallID == "" {
		return false, fmt.Errorf("call_id is required")
	}

	metadata := siren.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	query := `
		INSERT INTO siren_controls (
			siren_id, call_id, siren_type, pattern, intensity_level,
			target_roles, started_at, auto_stop_after_minutes,
			is_active, acknowledged_by, escalation_level, metadata
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE EXISTS (
			SELECT 1 FROM emergency_calls
			WHERE call_id = $2
			  AND status = 'pending'
		)
		ON CONFLICT DO NOTHING
	`

	var autoStop interface{}
	if siren.AutoStopAfterMinutes != nil {
		autoStop = *siren.AutoStopAfterMinutes
	}

	result, err := r.db.ExecContext(ctx, query,
		siren.SirenID,
		siren.CallID,
		siren.SirenType,
		siren.Pattern,
		siren.IntensityLevel,
		pq.Array(siren.TargetRoles),
		siren.StartedAt,
		autoStop,
		siren.IsActive,
		pq.Array(siren.AcknowledgedBy),
		siren.EscalationLevel,
		[]byte(metadata),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create siren: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// GetSiren 根据 siren_id 获取警报器
func (r *SirensRepository) GetSiren(ctx context.Context, sirenID string) (*models.SirenControl, error) {
	if sirenID == "" {
		return nil, fmt.Errorf("siren_id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM siren_controls WHERE siren_id = $1`, sirenColumns)

	siren, err := scanSiren(r.db.QueryRowContext(ctx, query, sirenID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("siren not found: siren_id=%s", sirenID)
		}
		return nil, fmt.Errorf("failed to get siren: %w", err)
	}

	return siren, nil
}

// StopSiren 停止单个警报器；已停止时为幂等 no-op（stopped=false）
func (r *SirensRepository) StopSiren(ctx context.Context, sirenID, stoppedBy, reason string) (bool, error) {
	if sirenID == "" {
		return false, fmt.Errorf("siren_id is required")
	}
	if reason == "" {
		return false, fmt.Errorf("reason is required")
	}

	query := `
		UPDATE siren_controls
		SET is_active = false,
		    stopped_at = CURRENT_TIMESTAMP,
		    stopped_by = $1,
		    stop_reason = $2
		WHERE siren_id = $3
		  AND is_active = true
	`

	result, err := r.db.ExecContext(ctx, query, stoppedBy, reason, sirenID)
	if err != nil {
		return false, fmt.Errorf("failed to stop siren: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// StopAllForCall 停止呼叫的全部活跃警报器，返回被停止的警报器
func (r *SirensRepository) StopAllForCall(ctx context.Context, callID, stoppedBy, reason string) ([]*models.SirenControl, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}

	query := fmt.Sprintf(`
		UPDATE siren_controls
		SET is_active = false,
		    stopped_at = CURRENT_TIMESTAMP,
		    stopped_by = $1,
		    stop_reason = $2
		WHERE call_id = $3
		  AND is_active = true
		RETURNING %s
	`, sirenColumns)

	rows, err := r.db.QueryContext(ctx, query, stoppedBy, reason, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to stop sirens for call: %w", err)
	}
	defer rows.Close()

	sirens := []*models.SirenControl{}
	for rows.Next() {
		siren, err := scanSiren(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stopped siren: %w", err)
		}
		sirens = append(sirens, siren)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stopped sirens: %w", err)
	}

	return sirens, nil
}

// Acknowledge 将用户追加到确认集合（确认≠解除，警报器保持活跃）
// array_append 仅在用户不在集合中时执行，重复确认为 no-op
func (r *SirensRepository) Acknowledge(ctx context.Context, sirenID, userID string) (bool, error) {
	if sirenID == "" {
		return false, fmt.Errorf("siren_id is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user_id is required")
	}

	query := `
		UPDATE siren_controls
		SET acknowledged_by = array_append(acknowledged_by, $1)
		WHERE siren_id = $2
		  AND is_active = true
		  AND NOT ($1 = ANY(acknowledged_by))
	`

	result, err := r.db.ExecContext(ctx, query, userID, sirenID)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge siren: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ListActiveByRole 获取面向指定角色的活跃警报器（看板登录轮询用）
func (r *SirensRepository) ListActiveByRole(ctx context.Context, role string) ([]*models.SirenControl, error) {
	if role == "" {
		return nil, fmt.Errorf("role is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM siren_controls
		WHERE is_active = true
		  AND $1 = ANY(target_roles)
		ORDER BY started_at DESC
	`, sirenColumns)

	rows, err := r.db.QueryContext(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sirens: %w", err)
	}
	defer rows.Close()

	sirens := []*models.SirenControl{}
	for rows.Next() {
		siren, err := scanSiren(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan siren: %w", err)
		}
		sirens = append(sirens, siren)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active sirens: %w", err)
	}

	return sirens, nil
}

// ListDueForExpiry 获取已过自动停止截止时间的活跃非临界警报器
// criticalCeiling 及以上级别永不自动过期（安全性质），由调用方传入当前配置值
func (r *SirensRepository) ListDueForExpiry(ctx context.Context, criticalCeiling int, now time.Time) ([]*models.SirenControl, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM siren_controls
		WHERE is_active = true
		  AND escalation_level < $1
		  AND auto_stop_after_minutes IS NOT NULL
		  AND started_at + (auto_stop_after_minutes || ' minutes')::interval < $2
		ORDER BY started_at ASC
	`, sirenColumns)

	rows, err := r.db.QueryContext(ctx, query, criticalCeiling, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due sirens: %w", err)
	}
	defer rows.Close()

	sirens := []*models.SirenControl{}
	for rows.Next() {
		siren, err := scanSiren(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due siren: %w", err)
		}
		sirens = append(sirens, siren)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due sirens: %w", err)
	}

	return sirens, nil
}
