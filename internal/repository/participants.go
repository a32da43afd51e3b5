package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"samia-escalation/internal/models"

	"go.uber.org/zap"
)

// ParticipantsRepository 呼叫参与者仓库
type ParticipantsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewParticipantsRepository 创建呼叫参与者仓库
func NewParticipantsRepository(db *sql.DB, logger *zap.Logger) *ParticipantsRepository {
	return &ParticipantsRepository{
		db:     db,
		logger: logger,
	}
}

// AddParticipant 加入参与者
func (r *ParticipantsRepository) AddParticipant(ctx context.Context, callID, participantID, role string) error {
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}
	if participantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	if !models.ValidRole(role) {
		return fmt.Errorf("invalid role: %s", role)
	}

	query := `
		INSERT INTO call_participants (call_id, participant_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, callID, participantID, role, time.Now()); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}

	return nil
}

// MarkAllLeft 呼叫结束时标记所有未离开的参与者离开时间
func (r *ParticipantsRepository) MarkAllLeft(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}

	query := `
		UPDATE call_participants
		SET left_at = CURRENT_TIMESTAMP
		WHERE call_id = $1
		  AND left_at IS NULL
	`

	if _, err := r.db.ExecContext(ctx, query, callID); err != nil {
		return fmt.Errorf("failed to mark participants left: %w", err)
	}

	return nil
}

// ListByCall 获取呼叫的参与者列表
func (r *ParticipantsRepository) ListByCall(ctx context.Context, callID string) ([]*models.CallParticipant, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}

	query := `
		SELECT call_id, participant_id, role, joined_at, left_at
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	participants := []*models.CallParticipant{}
	for rows.Next() {
		var p models.CallParticipant
		var leftAt sql.NullTime

		err := rows.Scan(&p.CallID, &p.ParticipantID, &p.Role, &p.JoinedAt, &leftAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}

		if leftAt.Valid {
			p.LeftAt = &leftAt.Time
		}

		participants = append(participants, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}

	return participants, nil
}
