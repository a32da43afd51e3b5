package siren

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"samia-escalation/internal/config"
	"samia-escalation/internal/models"
	"samia-escalation/internal/notifier"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SystemActor 系统自动操作的 actor 标识
const SystemActor = "system"

// Repository 警报器存储接口（由 repository.SirensRepository 实现）
type Repository interface {
	CreateSiren(ctx context.Context, siren *models.SirenControl) (bool, error)
	GetSiren(ctx context.Context, sirenID string) (*models.SirenControl, error)
	StopSiren(ctx context.Context, sirenID, stoppedBy, reason string) (bool, error)
	StopAllForCall(ctx context.Context, callID, stoppedBy, reason string) ([]*models.SirenControl, error)
	Acknowledge(ctx context.Context, sirenID, userID string) (bool, error)
	ListActiveByRole(ctx context.Context, role string) ([]*models.SirenControl, error)
	ListDueForExpiry(ctx context.Context, criticalCeiling int, now time.Time) ([]*models.SirenControl, error)
}

// Broadcaster 事件扇出接口（由 notifier.Notifier 实现）
type Broadcaster interface {
	Broadcast(ctx context.Context, eventType string, siren *models.SirenControl) error
}

// Auditor 审计接口（由 audit.Logger 实现）
type Auditor interface {
	Record(ctx context.Context, logType, callID, actor, message string, metadata map[string]interface{})
}

// Controller 警报器生命周期控制
// 每次升级转换打开一个新警报器；关闭只由解除、手动停止或非临界过期触发，
// 临界级别警报器永不自动消失
type Controller struct {
	config      *config.Config
	repo        Repository
	broadcaster Broadcaster
	auditor     Auditor
	redis       *redis.Client
	logger      *zap.Logger
}

// NewController 创建警报器控制器
func NewController(
	cfg *config.Config,
	repo Repository,
	broadcaster Broadcaster,
	auditor Auditor,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		config:      cfg,
		repo:        repo,
		broadcaster: broadcaster,
		auditor:     auditor,
		redis:       redisClient,
		logger:      logger,
	}
}

// patternFor 级别对应的警报模式
func patternFor(level, criticalCeiling int) string {
	switch {
	case level >= criticalCeiling:
		return "continuous"
	case level >= 2:
		return "fast_pulse"
	default:
		return "pulse"
	}
}

// Open 为升级级别打开新警报器
// 并发打开同一 (call, level) 时由存储唯一性约束去重；插入以呼叫仍为 pending
// 为条件。两种落败都返回 nil（非错误）
func (c *Controller) Open(ctx context.Context, callID string, level int, targetRoles []string, intensity int) (*models.SirenControl, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}
	if len(targetRoles) == 0 {
		return nil, fmt.Errorf("target_roles is required")
	}

	ceiling := c.config.Escalation.CriticalCeiling

	var autoStop *int
	if level < ceiling {
		minutes := c.config.Escalation.AutoStopMinutes
		autoStop = &minutes
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"opened_by": SystemActor,
	})

	siren := &models.SirenControl{
		SirenID:              uuid.New().String(),
		CallID:               callID,
		SirenType:            models.SirenTypeEmergency,
		Pattern:              patternFor(level, ceiling),
		IntensityLevel:       intensity,
		TargetRoles:          targetRoles,
		StartedAt:            time.Now(),
		AutoStopAfterMinutes: autoStop,
		IsActive:             true,
		AcknowledgedBy:       []string{},
		EscalationLevel:      level,
		Metadata:             metadata,
	}

	inserted, err := c.repo.CreateSiren(ctx, siren)
	if err != nil {
		return nil, fmt.Errorf("failed to open siren: %w", err)
	}
	if !inserted {
		// 另一实例已为该级别打开警报器，或呼叫已在提交与打开之间离开 pending
		c.logger.Debug("Siren not opened: duplicate level or call no longer pending",
			zap.String("call_id", callID),
			zap.Int("escalation_level", level),
		)
		return nil, nil
	}

	c.auditor.Record(ctx, models.LogSirenStarted, callID, SystemActor,
		fmt.Sprintf("siren opened at level %d", level),
		map[string]interface{}{
			"siren_id":         siren.SirenID,
			"escalation_level": level,
			"intensity_level":  intensity,
			"target_roles":     targetRoles,
		})

	if err := c.broadcaster.Broadcast(ctx, notifier.EventSirenStarted, siren); err != nil {
		c.logger.Error("Failed to broadcast siren start",
			zap.String("siren_id", siren.SirenID),
			zap.Error(err),
		)
	}

	c.invalidateRoleCache(ctx, siren.TargetRoles)

	c.logger.Info("Siren opened",
		zap.String("siren_id", siren.SirenID),
		zap.String("call_id", callID),
		zap.Int("escalation_level", level),
		zap.Int("intensity_level", intensity),
	)

	return siren, nil
}

// StopAllForCall 停止呼叫的全部活跃警报器（解除或手动停止时）
// 停止已停止的警报器是幂等 no-op
func (c *Controller) StopAllForCall(ctx context.Context, callID, actor, reason string) error {
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}

	stopped, err := c.repo.StopAllForCall(ctx, callID, actor, reason)
	if err != nil {
		return fmt.Errorf("failed to stop sirens: %w", err)
	}

	for _, siren := range stopped {
		c.afterStop(ctx, siren, actor, reason)
	}

	return nil
}

// Stop 停止单个警报器；已停止则为 no-op
func (c *Controller) Stop(ctx context.Context, sirenID, actor, reason string) error {
	if sirenID == "" {
		return fmt.Errorf("siren_id is required")
	}
	if reason == "" {
		reason = models.StopReasonManual
	}

	stopped, err := c.repo.StopSiren(ctx, sirenID, actor, reason)
	if err != nil {
		return fmt.Errorf("failed to stop siren: %w", err)
	}
	if !stopped {
		// 幂等：重复停止不是错误
		c.logger.Debug("Siren already stopped",
			zap.String("siren_id", sirenID),
		)
		return nil
	}

	siren, err := c.repo.GetSiren(ctx, sirenID)
	if err != nil {
		c.logger.Error("Failed to load stopped siren",
			zap.String("siren_id", sirenID),
			zap.Error(err),
		)
		return nil
	}

	c.afterStop(ctx, siren, actor, reason)
	return nil
}

// Acknowledge 将用户追加到确认集合；确认只告知他人有人知晓，不停止警报器
func (c *Controller) Acknowledge(ctx context.Context, sirenID, userID string) error {
	if sirenID == "" {
		return fmt.Errorf("siren_id is required")
	}
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	added, err := c.repo.Acknowledge(ctx, sirenID, userID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge siren: %w", err)
	}
	if !added {
		// 重复确认或警报器已停止
		return nil
	}

	siren, err := c.repo.GetSiren(ctx, sirenID)
	if err != nil {
		c.logger.Error("Failed to load acknowledged siren",
			zap.String("siren_id", sirenID),
			zap.Error(err),
		)
		return nil
	}

	c.auditor.Record(ctx, models.LogSirenAcknowledged, siren.CallID, userID,
		"siren acknowledged",
		map[string]interface{}{
			"siren_id": sirenID,
		})

	c.invalidateRoleCache(ctx, siren.TargetRoles)

	return nil
}

// ExpireDue 停止所有已过截止时间的活跃非临界警报器，返回被停止的警报器
// 临界级别（>= ceiling）不参与过期，只能人工停止
func (c *Controller) ExpireDue(ctx context.Context) ([]*models.SirenControl, error) {
	due, err := c.repo.ListDueForExpiry(ctx, c.config.Escalation.CriticalCeiling, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due sirens: %w", err)
	}

	expired := []*models.SirenControl{}
	for _, siren := range due {
		stopped, err := c.repo.StopSiren(ctx, siren.SirenID, SystemActor, models.StopReasonExpired)
		if err != nil {
			c.logger.Error("Failed to expire siren",
				zap.String("siren_id", siren.SirenID),
				zap.Error(err),
			)
			continue
		}
		if !stopped {
			continue // 另一实例已处理
		}

		// due 里是停止前的快照，广播前补齐停止字段
		now := time.Now()
		actor := SystemActor
		reason := models.StopReasonExpired
		siren.IsActive = false
		siren.StoppedAt = &now
		siren.StoppedBy = &actor
		siren.StopReason = &reason

		c.afterStop(ctx, siren, SystemActor, models.StopReasonExpired)
		expired = append(expired, siren)
	}

	return expired, nil
}

// ActiveSirensFor 获取面向角色的活跃警报器（Redis 缓存在前）
func (c *Controller) ActiveSirensFor(ctx context.Context, role string) ([]*models.SirenControl, error) {
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("invalid role: %s", role)
	}

	key := c.roleCacheKey(role)

	if cached, err := c.redis.Get(ctx, key).Result(); err == nil {
		var sirens []*models.SirenControl
		if err := json.Unmarshal([]byte(cached), &sirens); err == nil {
			return sirens, nil
		}
		// 缓存损坏则穿透到存储
	} else if err != redis.Nil {
		c.logger.Warn("Siren cache read failed",
			zap.String("role", role),
			zap.Error(err),
		)
	}

	sirens, err := c.repo.ListActiveByRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sirens: %w", err)
	}

	if data, err := json.Marshal(sirens); err == nil {
		ttl := time.Duration(c.config.Escalation.Cache.SirenTTL) * time.Second
		if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
			c.logger.Warn("Siren cache write failed",
				zap.String("role", role),
				zap.Error(err),
			)
		}
	}

	return sirens, nil
}

// afterStop 停止后的审计、广播与缓存失效
func (c *Controller) afterStop(ctx context.Context, siren *models.SirenControl, actor, reason string) {
	c.auditor.Record(ctx, models.LogSirenStopped, siren.CallID, actor,
		fmt.Sprintf("siren stopped: %s", reason),
		map[string]interface{}{
			"siren_id":         siren.SirenID,
			"escalation_level": siren.EscalationLevel,
			"stop_reason":      reason,
		})

	if err := c.broadcaster.Broadcast(ctx, notifier.EventSirenStopped, siren); err != nil {
		c.logger.Error("Failed to broadcast siren stop",
			zap.String("siren_id", siren.SirenID),
			zap.Error(err),
		)
	}

	c.invalidateRoleCache(ctx, siren.TargetRoles)

	c.logger.Info("Siren stopped",
		zap.String("siren_id", siren.SirenID),
		zap.String("call_id", siren.CallID),
		zap.String("stop_reason", reason),
		zap.String("stopped_by", actor),
	)
}

func (c *Controller) roleCacheKey(role string) string {
	return c.config.Escalation.Cache.SirenKeyPrefix + role
}

func (c *Controller) invalidateRoleCache(ctx context.Context, roles []string) {
	for _, role := range roles {
		if err := c.redis.Del(ctx, c.roleCacheKey(role)).Err(); err != nil {
			c.logger.Warn("Failed to invalidate siren cache",
				zap.String("role", role),
				zap.Error(err),
			)
		}
	}
}
