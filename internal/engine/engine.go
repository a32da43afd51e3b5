package engine

import (
	"context"
	"fmt"
	"time"

	"samia-escalation/internal/config"
	"samia-escalation/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CallStore 呼叫存储接口（由 repository.CallsRepository 实现）
type CallStore interface {
	CreateCall(ctx context.Context, clientID string) (*models.EmergencyCall, error)
	GetCall(ctx context.Context, callID string) (*models.EmergencyCall, error)
	EscalateLevel(ctx context.Context, callID string, fromLevel, toLevel int) (bool, error)
	AssignReader(ctx context.Context, callID, readerID string) (bool, error)
	AcceptCall(ctx context.Context, callID, readerID string) (bool, error)
	ResolveCall(ctx context.Context, callID string) (bool, error)
}

// RuleSource 规则来源（由 rules.Store 实现）
type RuleSource interface {
	ActiveRuleFor(triggerCondition string) (*models.EscalationRule, bool)
}

// SirenController 警报器控制接口（由 siren.Controller 实现）
type SirenController interface {
	Open(ctx context.Context, callID string, level int, targetRoles []string, intensity int) (*models.SirenControl, error)
	StopAllForCall(ctx context.Context, callID, actor, reason string) error
}

// ParticipantStore 参与者存储接口（由 repository.ParticipantsRepository 实现）
type ParticipantStore interface {
	AddParticipant(ctx context.Context, callID, participantID, role string) error
	MarkAllLeft(ctx context.Context, callID string) error
}

// Auditor 审计接口（由 audit.Logger 实现）
type Auditor interface {
	Record(ctx context.Context, logType, callID, actor, message string, metadata map[string]interface{})
}

// Engine 升级状态机
// level 0 → 1 → 2 → … → 临界上限；终态 accepted / resolved / timed_out
// 所有转换以 pending 状态检查 + compare-and-set 提交，多实例并发下恰好生效一次，
// 解除与升级竞争时解除胜出
type Engine struct {
	config       *config.Config
	calls        CallStore
	rules        RuleSource
	sirens       SirenController
	participants ParticipantStore
	auditor      Auditor
	redis        *redis.Client
	logger       *zap.Logger
}

// NewEngine 创建升级引擎
func NewEngine(
	cfg *config.Config,
	calls CallStore,
	ruleSource RuleSource,
	sirens SirenController,
	participants ParticipantStore,
	auditor Auditor,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:       cfg,
		calls:        calls,
		rules:        ruleSource,
		sirens:       sirens,
		participants: participants,
		auditor:      auditor,
		redis:        redisClient,
		logger:       logger,
	}
}

// TargetRolesFor 级别对应的通知角色集
// 每升一级扩大受众而不是重复打扰同一批未响应的人；
// 集合链严格递增，保证 n+1 级是 n 级的超集
func (e *Engine) TargetRolesFor(level int) []string {
	switch {
	case level <= 1:
		return []string{models.RoleReader, models.RoleMonitor}
	case level == 2:
		return []string{models.RoleReader, models.RoleMonitor, models.RoleAdmin}
	default:
		return []string{models.RoleReader, models.RoleMonitor, models.RoleAdmin, models.RoleSuperAdmin}
	}
}

// IntensityFor 级别对应的警报强度（每级 +step，饱和于 100）
func (e *Engine) IntensityFor(level int) int {
	intensity := e.config.Escalation.IntensityStepPct * level
	if intensity > 100 {
		intensity = 100
	}
	return intensity
}

// CreateCall 创建紧急呼叫（预约协作方调用）
func (e *Engine) CreateCall(ctx context.Context, clientID string) (*models.EmergencyCall, error) {
	call, err := e.calls.CreateCall(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if err := e.participants.AddParticipant(ctx, call.CallID, clientID, models.RoleClient); err != nil {
		e.logger.Error("Failed to add client participant",
			zap.String("call_id", call.CallID),
			zap.Error(err),
		)
	}

	e.auditor.Record(ctx, models.LogCallInitiated, call.CallID, clientID,
		"emergency call created", nil)

	e.logger.Info("Emergency call created",
		zap.String("call_id", call.CallID),
		zap.String("client_id", clientID),
	)

	return call, nil
}

// Escalate 状态机转换函数：计算并提交下一个严重级别
// 返回提交后的级别；所有 no-op 分支返回当前级别且不报错
func (e *Engine) Escalate(ctx context.Context, callID, triggerCondition, actor string) (int, error) {
	if callID == "" {
		return 0, fmt.Errorf("call_id is required")
	}

	// 1. 解析触发条件对应的启用规则；无规则视为配置缺失，跳过本次升级
	rule, ok := e.rules.ActiveRuleFor(triggerCondition)
	if !ok {
		e.logger.Warn("No active rule for trigger, escalation skipped",
			zap.String("call_id", callID),
			zap.String("trigger_condition", triggerCondition),
		)
		call, err := e.calls.GetCall(ctx, callID)
		if err != nil {
			return 0, err
		}
		return call.EscalationLevel, nil
	}

	call, err := e.calls.GetCall(ctx, callID)
	if err != nil {
		return 0, err
	}

	// 2. 升级只作用于未响应呼叫；非 pending 是不变量保护，不是调用方错误
	if !call.IsPending() {
		e.logger.Debug("Escalation rejected: call is not pending",
			zap.String("call_id", callID),
			zap.String("status", call.Status),
		)
		return call.EscalationLevel, nil
	}

	// 3. 计算新级别，封顶于临界上限
	ceiling := e.config.Escalation.CriticalCeiling
	if call.EscalationLevel >= ceiling {
		e.logger.Debug("Escalation rejected: critical ceiling reached",
			zap.String("call_id", callID),
			zap.Int("escalation_level", call.EscalationLevel),
		)
		return call.EscalationLevel, nil
	}
	newLevel := call.EscalationLevel + 1

	// 4. 突破窗口去重：同一呼叫同一触发条件在规则超时窗口内只升一次
	acquired, err := e.markBreach(ctx, callID, triggerCondition, rule.Timeout())
	if err != nil {
		e.logger.Warn("Breach marker unavailable, relying on CAS only",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	} else if !acquired {
		e.logger.Debug("Escalation deduplicated within breach window",
			zap.String("call_id", callID),
			zap.String("trigger_condition", triggerCondition),
		)
		return call.EscalationLevel, nil
	}

	// 5. compare-and-set 提交；竞争失败（并发升级或已被接受）即 no-op
	committed, err := e.calls.EscalateLevel(ctx, callID, call.EscalationLevel, newLevel)
	if err != nil {
		return call.EscalationLevel, err
	}
	if !committed {
		e.logger.Debug("Escalation lost race, no-op",
			zap.String("call_id", callID),
			zap.Int("from_level", call.EscalationLevel),
		)
		return call.EscalationLevel, nil
	}

	e.auditor.Record(ctx, models.LogEscalated, callID, actor,
		fmt.Sprintf("escalated to level %d (%s)", newLevel, triggerCondition),
		map[string]interface{}{
			"trigger_condition": triggerCondition,
			"from_level":        call.EscalationLevel,
			"to_level":          newLevel,
			"rule_name":         rule.RuleName,
		})

	// 6. 为新级别打开警报器（存储唯一性约束兜底并发打开）
	targetRoles := e.TargetRolesFor(newLevel)
	intensity := e.IntensityFor(newLevel)
	if _, err := e.sirens.Open(ctx, callID, newLevel, targetRoles, intensity); err != nil {
		e.logger.Error("Failed to open siren after escalation",
			zap.String("call_id", callID),
			zap.Int("escalation_level", newLevel),
			zap.Error(err),
		)
	}

	e.logger.Info("Call escalated",
		zap.String("call_id", callID),
		zap.String("trigger_condition", triggerCondition),
		zap.Int("escalation_level", newLevel),
		zap.Strings("target_roles", targetRoles),
	)

	return newLevel, nil
}

// AssignReader 调度指派：把呼叫派给塔罗师，呼叫保持 pending 直到对方接受
// 指派后超时监控开始检查该塔罗师的可达性（reader_offline 触发条件）
func (e *Engine) AssignReader(ctx context.Context, callID, readerID, actor string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}
	if readerID == "" {
		return false, fmt.Errorf("reader_id is required")
	}

	assigned, err := e.calls.AssignReader(ctx, callID, readerID)
	if err != nil {
		return false, err
	}
	if !assigned {
		e.logger.Debug("Assign rejected: call is not pending",
			zap.String("call_id", callID),
		)
		return false, nil
	}

	e.auditor.Record(ctx, models.LogReaderAssigned, callID, actor,
		"reader assigned to call",
		map[string]interface{}{
			"reader_id": readerID,
		})

	e.logger.Info("Reader assigned",
		zap.String("call_id", callID),
		zap.String("reader_id", readerID),
	)

	return true, nil
}

// HandleCallAccepted 人工响应：接受呼叫、冻结级别、停止全部警报器
// 返回是否真正发生了状态转换（已非 pending 时为幂等 no-op）
func (e *Engine) HandleCallAccepted(ctx context.Context, callID, readerID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}
	if readerID == "" {
		return false, fmt.Errorf("reader_id is required")
	}

	accepted, err := e.calls.AcceptCall(ctx, callID, readerID)
	if err != nil {
		return false, err
	}
	if !accepted {
		e.logger.Debug("Accept rejected: call is not pending",
			zap.String("call_id", callID),
		)
		return false, nil
	}

	if err := e.participants.AddParticipant(ctx, callID, readerID, models.RoleReader); err != nil {
		e.logger.Error("Failed to add reader participant",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}

	e.auditor.Record(ctx, models.LogCallAnswered, callID, readerID,
		"call accepted by reader", nil)

	if err := e.sirens.StopAllForCall(ctx, callID, readerID, models.StopReasonResolved); err != nil {
		e.logger.Error("Failed to stop sirens after accept",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}

	e.clearBreachMarkers(ctx, callID)

	e.logger.Info("Call accepted",
		zap.String("call_id", callID),
		zap.String("reader_id", readerID),
	)

	return true, nil
}

// HandleCallResolved 终态解除：呼叫结束、参与者离场、警报器停止
func (e *Engine) HandleCallResolved(ctx context.Context, callID, actor string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}

	resolved, err := e.calls.ResolveCall(ctx, callID)
	if err != nil {
		return false, err
	}
	if !resolved {
		e.logger.Debug("Resolve rejected: call already terminal",
			zap.String("call_id", callID),
		)
		return false, nil
	}

	e.auditor.Record(ctx, models.LogCallEnded, callID, actor,
		"call resolved", nil)

	if err := e.sirens.StopAllForCall(ctx, callID, actor, models.StopReasonResolved); err != nil {
		e.logger.Error("Failed to stop sirens after resolve",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}

	if err := e.participants.MarkAllLeft(ctx, callID); err != nil {
		e.logger.Error("Failed to mark participants left",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}

	e.clearBreachMarkers(ctx, callID)

	e.logger.Info("Call resolved",
		zap.String("call_id", callID),
		zap.String("actor", actor),
	)

	return true, nil
}

// FlagKeyword 聊天层上报敏感词：记录 flag_raised 并按 keyword_detected 升级
func (e *Engine) FlagKeyword(ctx context.Context, callID, actor, keyword string) (int, error) {
	if callID == "" {
		return 0, fmt.Errorf("call_id is required")
	}

	e.auditor.Record(ctx, models.LogFlagRaised, callID, actor,
		"keyword flag raised",
		map[string]interface{}{
			"keyword": keyword,
		})

	return e.Escalate(ctx, callID, models.TriggerKeywordDetected, actor)
}

// markBreach 在 Redis 记录突破标记（SETNX + 规则超时作为 TTL）
// 多监控实例在同一突破窗口内只有一个实例继续执行升级
func (e *Engine) markBreach(ctx context.Context, callID, trigger string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := e.breachKey(callID, trigger)
	return e.redis.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
}

// clearBreachMarkers 呼叫离开 pending 后清理突破标记
func (e *Engine) clearBreachMarkers(ctx context.Context, callID string) {
	triggers := []string{
		models.TriggerUnansweredTimeout,
		models.TriggerKeywordDetected,
		models.TriggerManualEscalation,
		models.TriggerReaderOffline,
	}
	for _, trigger := range triggers {
		if err := e.redis.Del(ctx, e.breachKey(callID, trigger)).Err(); err != nil {
			e.logger.Debug("Failed to clear breach marker",
				zap.String("call_id", callID),
				zap.String("trigger_condition", trigger),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) breachKey(callID, trigger string) string {
	return fmt.Sprintf("%s%s:%s", e.config.Escalation.Cache.BreachKeyPrefix, callID, trigger)
}
