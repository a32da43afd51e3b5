package siren

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"samia-escalation/internal/config"
	"samia-escalation/internal/models"
	"samia-escalation/internal/notifier"
)

type fakeSirenRepo struct {
	sirens       map[string]*models.SirenControl
	insertReject bool
}

func newFakeSirenRepo() *fakeSirenRepo {
	return &fakeSirenRepo{sirens: map[string]*models.SirenControl{}}
}

func (f *fakeSirenRepo) CreateSiren(ctx context.Context, siren *models.SirenControl) (bool, error) {
	if f.insertReject {
		return false, nil
	}
	for _, existing := range f.sirens {
		if existing.IsActive && existing.CallID == siren.CallID && existing.EscalationLevel == siren.EscalationLevel {
			return false, nil
		}
	}
	f.sirens[siren.SirenID] = siren
	return true, nil
}

func (f *fakeSirenRepo) GetSiren(ctx context.Context, sirenID string) (*models.SirenControl, error) {
	siren, ok := f.sirens[sirenID]
	if !ok {
		return nil, fmt.Errorf("siren not found: siren_id=%s", sirenID)
	}
	return siren, nil
}

func (f *fakeSirenRepo) StopSiren(ctx context.Context, sirenID, stoppedBy, reason string) (bool, error) {
	siren, ok := f.sirens[sirenID]
	if !ok || !siren.IsActive {
		return false, nil
	}
	now := time.Now()
	siren.IsActive = false
	siren.StoppedAt = &now
	siren.StoppedBy = &stoppedBy
	siren.StopReason = &reason
	return true, nil
}

func (f *fakeSirenRepo) StopAllForCall(ctx context.Context, callID, stoppedBy, reason string) ([]*models.SirenControl, error) {
	stopped := []*models.SirenControl{}
	for _, siren := range f.sirens {
		if siren.CallID == callID && siren.IsActive {
			if ok, _ := f.StopSiren(ctx, siren.SirenID, stoppedBy, reason); ok {
				stopped = append(stopped, siren)
			}
		}
	}
	return stopped, nil
}

func (f *fakeSirenRepo) Acknowledge(ctx context.Context, sirenID, userID string) (bool, error) {
	siren, ok := f.sirens[sirenID]
	if !ok || !siren.IsActive {
		return false, nil
	}
	for _, existing := range siren.AcknowledgedBy {
		if existing == userID {
			return false, nil
		}
	}
	siren.AcknowledgedBy = append(siren.AcknowledgedBy, userID)
	return true, nil
}

func (f *fakeSirenRepo) ListActiveByRole(ctx context.Context, role string) ([]*models.SirenControl, error) {
	matched := []*models.SirenControl{}
	for _, siren := range f.sirens {
		if !siren.IsActive {
			continue
		}
		for _, r := range siren.TargetRoles {
			if r == role {
				matched = append(matched, siren)
				break
			}
		}
	}
	return matched, nil
}

func (f *fakeSirenRepo) ListDueForExpiry(ctx context.Context, criticalCeiling int, now time.Time) ([]*models.SirenControl, error) {
	due := []*models.SirenControl{}
	for _, siren := range f.sirens {
		if !siren.IsActive || siren.EscalationLevel >= criticalCeiling || siren.AutoStopAfterMinutes == nil {
			continue
		}
		deadline := siren.StartedAt.Add(time.Duration(*siren.AutoStopAfterMinutes) * time.Minute)
		if deadline.Before(now) {
			// 返回查询时刻的快照，与数据库扫描行为一致
			snapshot := *siren
			due = append(due, &snapshot)
		}
	}
	return due, nil
}

type fakeBroadcaster struct {
	events []string
	sirens []*models.SirenControl
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, eventType string, siren *models.SirenControl) error {
	f.events = append(f.events, eventType)
	f.sirens = append(f.sirens, siren)
	return nil
}

type fakeAuditor struct {
	logTypes []string
}

func (f *fakeAuditor) Record(ctx context.Context, logType, callID, actor, message string, metadata map[string]interface{}) {
	f.logTypes = append(f.logTypes, logType)
}

func setupController(t *testing.T) (*Controller, *fakeSirenRepo, *fakeBroadcaster, *fakeAuditor) {
	mr := miniredis.RunT(t)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{}
	cfg.Escalation.CriticalCeiling = 3
	cfg.Escalation.AutoStopMinutes = 30
	cfg.Escalation.Cache.SirenKeyPrefix = "escalation:sirens:"
	cfg.Escalation.Cache.SirenTTL = 30

	repo := newFakeSirenRepo()
	broadcaster := &fakeBroadcaster{}
	auditor := &fakeAuditor{}

	controller := NewController(cfg, repo, broadcaster, auditor, redisClient, zap.NewNop())
	return controller, repo, broadcaster, auditor
}

// ============================================
// 打开测试
// ============================================

func TestOpen_NonCriticalLevel(t *testing.T) {
	controller, _, broadcaster, auditor := setupController(t)

	siren, err := controller.Open(context.Background(), "call-1", 1,
		[]string{models.RoleReader, models.RoleMonitor}, 25)

	require.NoError(t, err)
	require.NotNil(t, siren)
	assert.Equal(t, "pulse", siren.Pattern)
	assert.Equal(t, 25, siren.IntensityLevel)
	require.NotNil(t, siren.AutoStopAfterMinutes)
	assert.Equal(t, 30, *siren.AutoStopAfterMinutes)
	assert.True(t, siren.IsActive)

	assert.Equal(t, []string{notifier.EventSirenStarted}, broadcaster.events)
	assert.Equal(t, []string{models.LogSirenStarted}, auditor.logTypes)
}

func TestOpen_CriticalLevelNeverAutoStops(t *testing.T) {
	controller, _, _, _ := setupController(t)

	siren, err := controller.Open(context.Background(), "call-1", 3,
		[]string{models.RoleReader, models.RoleMonitor, models.RoleAdmin, models.RoleSuperAdmin}, 75)

	require.NoError(t, err)
	require.NotNil(t, siren)
	assert.Equal(t, "continuous", siren.Pattern)
	assert.Nil(t, siren.AutoStopAfterMinutes)
}

func TestOpen_DuplicateLevelReturnsNil(t *testing.T) {
	controller, _, broadcaster, _ := setupController(t)

	first, err := controller.Open(context.Background(), "call-1", 1, []string{models.RoleReader}, 25)
	require.NoError(t, err)
	require.NotNil(t, first)

	// 并发打开落败方：nil 而非错误，不广播第二次
	second, err := controller.Open(context.Background(), "call-1", 1, []string{models.RoleReader}, 25)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, broadcaster.events, 1)
}

// ============================================
// 停止与确认测试
// ============================================

func TestStop_Idempotent(t *testing.T) {
	controller, repo, broadcaster, auditor := setupController(t)

	siren, err := controller.Open(context.Background(), "call-1", 1, []string{models.RoleReader}, 25)
	require.NoError(t, err)

	require.NoError(t, controller.Stop(context.Background(), siren.SirenID, "monitor-1", models.StopReasonManual))
	assert.False(t, repo.sirens[siren.SirenID].IsActive)
	require.NotNil(t, repo.sirens[siren.SirenID].StopReason)
	assert.Equal(t, models.StopReasonManual, *repo.sirens[siren.SirenID].StopReason)

	// 重复停止：no-op，不再审计或广播
	require.NoError(t, controller.Stop(context.Background(), siren.SirenID, "monitor-2", models.StopReasonManual))
	assert.Equal(t, []string{notifier.EventSirenStarted, notifier.EventSirenStopped}, broadcaster.events)
	assert.Equal(t, []string{models.LogSirenStarted, models.LogSirenStopped}, auditor.logTypes)
}

func TestStopAllForCall_StopsEveryLevel(t *testing.T) {
	controller, repo, broadcaster, _ := setupController(t)

	ctx := context.Background()
	_, err := controller.Open(ctx, "call-1", 1, []string{models.RoleReader}, 25)
	require.NoError(t, err)
	_, err = controller.Open(ctx, "call-1", 2, []string{models.RoleReader, models.RoleAdmin}, 50)
	require.NoError(t, err)

	require.NoError(t, controller.StopAllForCall(ctx, "call-1", SystemActor, models.StopReasonResolved))

	for _, siren := range repo.sirens {
		assert.False(t, siren.IsActive)
	}
	stops := 0
	for _, event := range broadcaster.events {
		if event == notifier.EventSirenStopped {
			stops++
		}
	}
	assert.Equal(t, 2, stops)
}

func TestAcknowledge_DoesNotStopSiren(t *testing.T) {
	controller, repo, _, auditor := setupController(t)

	siren, err := controller.Open(context.Background(), "call-1", 2, []string{models.RoleAdmin}, 50)
	require.NoError(t, err)

	require.NoError(t, controller.Acknowledge(context.Background(), siren.SirenID, "admin-1"))

	assert.True(t, repo.sirens[siren.SirenID].IsActive)
	assert.Equal(t, []string{"admin-1"}, repo.sirens[siren.SirenID].AcknowledgedBy)
	assert.Contains(t, auditor.logTypes, models.LogSirenAcknowledged)

	// 重复确认：no-op，不重复审计
	require.NoError(t, controller.Acknowledge(context.Background(), siren.SirenID, "admin-1"))
	assert.Equal(t, []string{"admin-1"}, repo.sirens[siren.SirenID].AcknowledgedBy)
	assert.Equal(t, []string{models.LogSirenStarted, models.LogSirenAcknowledged}, auditor.logTypes)
}

// ============================================
// 过期清扫测试
// ============================================

func TestExpireDue_BroadcastsStoppedState(t *testing.T) {
	controller, repo, broadcaster, _ := setupController(t)

	ctx := context.Background()
	siren, err := controller.Open(ctx, "call-1", 1, []string{models.RoleReader}, 25)
	require.NoError(t, err)
	repo.sirens[siren.SirenID].StartedAt = time.Now().Add(-time.Hour)

	_, err = controller.ExpireDue(ctx)
	require.NoError(t, err)

	// 广播载荷携带停止后的状态，而不是扫描时刻的快照
	require.Len(t, broadcaster.events, 2)
	assert.Equal(t, notifier.EventSirenStopped, broadcaster.events[1])
	payload := broadcaster.sirens[1]
	assert.False(t, payload.IsActive)
	require.NotNil(t, payload.StopReason)
	assert.Equal(t, models.StopReasonExpired, *payload.StopReason)
	require.NotNil(t, payload.StoppedBy)
	assert.Equal(t, SystemActor, *payload.StoppedBy)
	assert.NotNil(t, payload.StoppedAt)
}

func TestExpireDue_SkipsCriticalSirens(t *testing.T) {
	controller, repo, _, _ := setupController(t)

	ctx := context.Background()
	overdue, err := controller.Open(ctx, "call-1", 1, []string{models.RoleReader}, 25)
	require.NoError(t, err)
	critical, err := controller.Open(ctx, "call-2", 3, []string{models.RoleAdmin}, 75)
	require.NoError(t, err)

	// 非临界警报器已过截止时间
	repo.sirens[overdue.SirenID].StartedAt = time.Now().Add(-time.Hour)
	repo.sirens[critical.SirenID].StartedAt = time.Now().Add(-24 * time.Hour)

	expired, err := controller.ExpireDue(ctx)

	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.SirenID, expired[0].SirenID)
	assert.False(t, repo.sirens[overdue.SirenID].IsActive)
	assert.Equal(t, models.StopReasonExpired, *repo.sirens[overdue.SirenID].StopReason)

	// 临界级别永不自动过期
	assert.True(t, repo.sirens[critical.SirenID].IsActive)
}

// ============================================
// 角色查询缓存测试
// ============================================

func TestActiveSirensFor_CacheInvalidatedOnStop(t *testing.T) {
	controller, _, _, _ := setupController(t)

	ctx := context.Background()
	siren, err := controller.Open(ctx, "call-1", 1, []string{models.RoleReader}, 25)
	require.NoError(t, err)

	active, err := controller.ActiveSirensFor(ctx, models.RoleReader)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, siren.SirenID, active[0].SirenID)

	require.NoError(t, controller.Stop(ctx, siren.SirenID, "monitor-1", models.StopReasonManual))

	active, err = controller.ActiveSirensFor(ctx, models.RoleReader)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestActiveSirensFor_InvalidRole(t *testing.T) {
	controller, _, _, _ := setupController(t)

	sirens, err := controller.ActiveSirensFor(context.Background(), "intruder")
	assert.Error(t, err)
	assert.Nil(t, sirens)
}
