package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"samia-escalation/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallsRepository 紧急呼叫仓库
type CallsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCallsRepository 创建紧急呼叫仓库
func NewCallsRepository(db *sql.DB, logger *zap.Logger) *CallsRepository {
	return &CallsRepository{
		db:     db,
		logger: logger,
	}
}

const callColumns = `
	call_id,
	client_id,
	status,
	escalation_level,
	assigned_reader_id,
	created_at,
	last_activity_at,
	updated_at
`

func scanCall(row interface{ Scan(...interface{}) error }) (*models.EmergencyCall, error) {
	var call models.EmergencyCall
	var assignedReader sql.NullString

	err := row.Scan(
		&call.CallID,
		&call.ClientID,
		&call.Status,
		&call.EscalationLevel,
		&assignedReader,
		&call.CreatedAt,
		&call.LastActivityAt,
		&call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if assignedReader.Valid {
		call.AssignedReaderID = &assignedReader.String
	}

	return &call, nil
}

// CreateCall 创建 pending 呼叫（由预约方触发）
func (r *CallsRepository) CreateCall(ctx context.Context, clientID string) (*models.EmergencyCall, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	now := time.Now()
	call := &models.EmergencyCall{
		CallID:          uuid.New().String(),
		ClientID:        clientID,
		Status:          models.CallStatusPending,
		EscalationLevel: 0,
		CreatedAt:       now,
		LastActivityAt:  now,
		UpdatedAt:       now,
	}

	query := `
		INSERT INTO emergency_calls (
			call_id, client_id, status, escalation_level,
			created_at, last_activity_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		call.CallID,
		call.ClientID,
		call.Status,
		call.EscalationLevel,
		call.CreatedAt,
		call.LastActivityAt,
		call.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create emergency call: %w", err)
	}

	return call, nil
}

// GetCall 根据 call_id 获取呼叫
func (r *CallsRepository) GetCall(ctx context.Context, callID string) (*models.EmergencyCall, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM emergency_calls WHERE call_id = $1`, callColumns)

	call, err := scanCall(r.db.QueryRowContext(ctx, query, callID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("emergency call not found: call_id=%s", callID)
		}
		return nil, fmt.Errorf("failed to get emergency call: %w", err)
	}

	return call, nil
}

// ListPendingCalls 获取所有 pending 呼叫（超时监控扫描用）
func (r *CallsRepository) ListPendingCalls(ctx context.Context) ([]*models.EmergencyCall, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM emergency_calls
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`, callColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending calls: %w", err)
	}
	defer rows.Close()

	calls := []*models.EmergencyCall{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emergency call: %w", err)
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending calls: %w", err)
	}

	return calls, nil
}

// EscalateLevel 级别升级的 compare-and-set
// 仅当呼叫仍为 pending 且级别等于 fromLevel 时生效；返回是否抢到本次升级
// 两个监控实例同时观察到同一超时呼叫时，只有一个能成功
func (r *CallsRepository) EscalateLevel(ctx context.Context, callID string, fromLevel, toLevel int) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}
	if toLevel <= fromLevel {
		return false, fmt.Errorf("to_level must be greater than from_level")
	}

	query := `
		UPDATE emergency_calls
		SET escalation_level = $1,
		    last_activity_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE call_id = $2
		  AND status = 'pending'
		  AND escalation_level = $3
	`

	result, err := r.db.ExecContext(ctx, query, toLevel, callID, fromLevel)
	if err != nil {
		return false, fmt.Errorf("failed to escalate call: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// AssignReader 调度指派塔罗师（呼叫保持 pending，等待塔罗师接受）
// 仅对 pending 呼叫生效；重复指派覆盖前一次
func (r *CallsRepository) AssignReader(ctx context.Context, callID, readerID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}
	if readerID == "" {
		return false, fmt.Errorf("reader_id is required")
	}

	query := `
		UPDATE emergency_calls
		SET assigned_reader_id = $1,
		    last_activity_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE call_id = $2
		  AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, readerID, callID)
	if err != nil {
		return false, fmt.Errorf("failed to assign reader: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// AcceptCall 塔罗师接受呼叫的 compare-and-set
// 仅对 pending 呼叫生效；升级与接受并发时，接受方胜出后升级的状态检查会失败
func (r *CallsRepository) AcceptCall(ctx context.Context, callID, readerID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}
	if readerID == "" {
		return false, fmt.Errorf("reader_id is required")
	}

	query := `
		UPDATE emergency_calls
		SET status = 'accepted',
		    assigned_reader_id = $1,
		    last_activity_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE call_id = $2
		  AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, readerID, callID)
	if err != nil {
		return false, fmt.Errorf("failed to accept call: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ResolveCall 将 accepted 呼叫置为 resolved（终态）
func (r *CallsRepository) ResolveCall(ctx context.Context, callID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}

	query := `
		UPDATE emergency_calls
		SET status = 'resolved',
		    last_activity_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE call_id = $1
		  AND status IN ('pending', 'accepted')
	`

	result, err := r.db.ExecContext(ctx, query, callID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve call: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// TimeOutCalls 将超过硬截止仍 pending 的呼叫置为 timed_out，返回受影响的呼叫ID
func (r *CallsRepository) TimeOutCalls(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		UPDATE emergency_calls
		SET status = 'timed_out',
		    updated_at = CURRENT_TIMESTAMP
		WHERE status = 'pending'
		  AND created_at < $1
		RETURNING call_id
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to time out calls: %w", err)
	}
	defer rows.Close()

	callIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan call_id: %w", err)
		}
		callIDs = append(callIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timed out calls: %w", err)
	}

	return callIDs, nil
}

// TouchActivity 刷新呼叫最后活动时间（呼叫内有活动时调用，推迟下一次超时判定）
func (r *CallsRepository) TouchActivity(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}

	query := `
		UPDATE emergency_calls
		SET last_activity_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE call_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, callID); err != nil {
		return fmt.Errorf("failed to touch call activity: %w", err)
	}

	return nil
}
