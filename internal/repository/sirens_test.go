package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"samia-escalation/internal/models"
)

func setupMockSirensDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SirensRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewSirensRepository(db, logger)

	return db, mock, repo
}

func sirenRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"siren_id", "call_id", "siren_type", "pattern", "intensity_level",
		"target_roles", "started_at", "auto_stop_after_minutes",
		"stopped_at", "stopped_by", "stop_reason", "is_active",
		"acknowledged_by", "escalation_level", "metadata",
	})
}

// ============================================
// 创建测试
// ============================================

func TestCreateSiren_Success(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	autoStop := 30
	siren := &models.SirenControl{
		SirenID:              uuid.New().String(),
		CallID:               uuid.New().String(),
		SirenType:            models.SirenTypeEmergency,
		Pattern:              "pulse",
		IntensityLevel:       25,
		TargetRoles:          []string{models.RoleReader, models.RoleMonitor},
		StartedAt:            time.Now(),
		AutoStopAfterMinutes: &autoStop,
		IsActive:             true,
		AcknowledgedBy:       []string{},
		EscalationLevel:      1,
	}

	mock.ExpectExec(`INSERT INTO siren_controls`).
		WithArgs(siren.SirenID, siren.CallID, siren.SirenType, siren.Pattern,
			siren.IntensityLevel, sqlmock.AnyArg(), sqlmock.AnyArg(), autoStop,
			true, sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.CreateSiren(context.Background(), siren)

	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSiren_DuplicateActiveLevel(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	siren := &models.SirenControl{
		SirenID:         uuid.New().String(),
		CallID:          uuid.New().String(),
		SirenType:       models.SirenTypeEmergency,
		Pattern:         "continuous",
		IntensityLevel:  100,
		TargetRoles:     []string{models.RoleAdmin},
		StartedAt:       time.Now(),
		IsActive:        true,
		AcknowledgedBy:  []string{},
		EscalationLevel: 3,
	}

	// 同一 (call, level) 已有活跃警报器：ON CONFLICT DO NOTHING 不插入
	mock.ExpectExec(`INSERT INTO siren_controls`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.CreateSiren(context.Background(), siren)

	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSiren_CallNoLongerPending(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	siren := &models.SirenControl{
		SirenID:         uuid.New().String(),
		CallID:          uuid.New().String(),
		SirenType:       models.SirenTypeEmergency,
		Pattern:         "pulse",
		IntensityLevel:  25,
		TargetRoles:     []string{models.RoleReader, models.RoleMonitor},
		StartedAt:       time.Now(),
		IsActive:        true,
		AcknowledgedBy:  []string{},
		EscalationLevel: 1,
	}

	// 呼叫在级别提交与打开警报器之间被接受：条件 INSERT 不命中任何行
	mock.ExpectExec(`INSERT INTO siren_controls`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.CreateSiren(context.Background(), siren)

	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 停止与确认测试
// ============================================

func TestGetSiren_Success(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	sirenID := uuid.New().String()
	callID := uuid.New().String()
	now := time.Now()

	rows := sirenRows().AddRow(
		sirenID, callID, "emergency", "fast_pulse", 50,
		"{reader,monitor,admin}", now, 30,
		nil, nil, nil, true,
		"{}", 2, `{"trigger_condition":"unanswered_timeout"}`,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(sirenID).
		WillReturnRows(rows)

	siren, err := repo.GetSiren(context.Background(), sirenID)

	require.NoError(t, err)
	assert.Equal(t, sirenID, siren.SirenID)
	assert.Equal(t, callID, siren.CallID)
	assert.Equal(t, "fast_pulse", siren.Pattern)
	assert.Equal(t, 50, siren.IntensityLevel)
	assert.Equal(t, []string{"reader", "monitor", "admin"}, siren.TargetRoles)
	require.NotNil(t, siren.AutoStopAfterMinutes)
	assert.Equal(t, 30, *siren.AutoStopAfterMinutes)
	assert.True(t, siren.IsActive)
	assert.Empty(t, siren.AcknowledgedBy)
	assert.Nil(t, siren.StoppedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStopSiren_Success(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	sirenID := uuid.New().String()
	userID := uuid.New().String()

	mock.ExpectExec(`UPDATE siren_controls`).
		WithArgs(userID, models.StopReasonManual, sirenID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stopped, err := repo.StopSiren(context.Background(), sirenID, userID, models.StopReasonManual)

	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStopSiren_AlreadyStopped(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	sirenID := uuid.New().String()
	userID := uuid.New().String()

	mock.ExpectExec(`UPDATE siren_controls`).
		WithArgs(userID, models.StopReasonManual, sirenID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	stopped, err := repo.StopSiren(context.Background(), sirenID, userID, models.StopReasonManual)

	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStopAllForCall_ReturnsStopped(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	callID := uuid.New().String()
	now := time.Now()

	rows := sirenRows().AddRow(
		uuid.New().String(), callID, "emergency", "pulse", 25,
		"{reader,monitor}", now, 30,
		now, "system", "resolved", false,
		"{}", 1, `{}`,
	).AddRow(
		uuid.New().String(), callID, "emergency", "fast_pulse", 50,
		"{reader,monitor,admin}", now, 30,
		now, "system", "resolved", false,
		"{}", 2, `{}`,
	)

	mock.ExpectQuery(`UPDATE siren_controls`).
		WithArgs("system", models.StopReasonResolved, callID).
		WillReturnRows(rows)

	stopped, err := repo.StopAllForCall(context.Background(), callID, "system", models.StopReasonResolved)

	require.NoError(t, err)
	require.Len(t, stopped, 2)
	assert.Equal(t, 1, stopped[0].EscalationLevel)
	assert.Equal(t, 2, stopped[1].EscalationLevel)
	assert.False(t, stopped[0].IsActive)
	require.NotNil(t, stopped[0].StopReason)
	assert.Equal(t, models.StopReasonResolved, *stopped[0].StopReason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledge_SecondCallIsNoOp(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	sirenID := uuid.New().String()
	userID := uuid.New().String()

	mock.ExpectExec(`UPDATE siren_controls`).
		WithArgs(userID, sirenID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE siren_controls`).
		WithArgs(userID, sirenID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	added, err := repo.Acknowledge(context.Background(), sirenID, userID)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.Acknowledge(context.Background(), sirenID, userID)
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 查询测试
// ============================================

func TestListActiveByRole_Success(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	now := time.Now()
	rows := sirenRows().AddRow(
		uuid.New().String(), uuid.New().String(), "emergency", "continuous", 100,
		"{reader,monitor,admin,super_admin}", now, nil,
		nil, nil, nil, true,
		"{admin-1}", 3, `{}`,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(models.RoleAdmin).
		WillReturnRows(rows)

	sirens, err := repo.ListActiveByRole(context.Background(), models.RoleAdmin)

	require.NoError(t, err)
	require.Len(t, sirens, 1)
	assert.Nil(t, sirens[0].AutoStopAfterMinutes)
	assert.Equal(t, []string{"admin-1"}, sirens[0].AcknowledgedBy)
	assert.Equal(t, 100, sirens[0].IntensityLevel)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveByRole_MissingRole(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	sirens, err := repo.ListActiveByRole(context.Background(), "")

	assert.Error(t, err)
	assert.Nil(t, sirens)
	assert.Contains(t, err.Error(), "role is required")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueForExpiry_Success(t *testing.T) {
	db, mock, repo := setupMockSirensDB(t)
	defer db.Close()

	now := time.Now()
	started := now.Add(-45 * time.Minute)

	rows := sirenRows().AddRow(
		uuid.New().String(), uuid.New().String(), "emergency", "pulse", 25,
		"{reader,monitor}", started, 30,
		nil, nil, nil, true,
		"{}", 1, `{}`,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(3, now).
		WillReturnRows(rows)

	sirens, err := repo.ListDueForExpiry(context.Background(), 3, now)

	require.NoError(t, err)
	require.Len(t, sirens, 1)
	assert.Equal(t, 1, sirens[0].EscalationLevel)

	require.NoError(t, mock.ExpectationsWereMet())
}
