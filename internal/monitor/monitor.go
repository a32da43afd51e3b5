package monitor

import (
	"context"
	"fmt"
	"time"

	"samia-escalation/internal/config"
	"samia-escalation/internal/models"
	"samia-escalation/internal/siren"

	"go.uber.org/zap"
)

// CallSource 呼叫来源（由 repository.CallsRepository 实现）
type CallSource interface {
	ListPendingCalls(ctx context.Context) ([]*models.EmergencyCall, error)
	TimeOutCalls(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Escalator 升级入口（由 engine.Engine 实现）
type Escalator interface {
	Escalate(ctx context.Context, callID, triggerCondition, actor string) (int, error)
}

// RuleSource 规则来源（由 rules.Store 实现）
type RuleSource interface {
	ActiveRuleFor(triggerCondition string) (*models.EscalationRule, bool)
}

// AvailabilitySource 在线状态来源（由 repository.AvailabilityRepository 实现）
type AvailabilitySource interface {
	GetAvailability(ctx context.Context, readerID string) (*models.ReaderAvailability, error)
}

// Auditor 审计接口（由 audit.Logger 实现）
type Auditor interface {
	Record(ctx context.Context, logType, callID, actor, message string, metadata map[string]interface{})
}

// TimeoutMonitor 超时监控
// 周期扫描 pending 呼叫，对突破阈值的呼叫触发升级；扫描失败只记日志，
// 下一个周期重扫同样能捕获这些呼叫，漏掉一个 tick 是自愈的
// 可多实例并发运行：升级本身由引擎的 CAS 保证恰好一次
type TimeoutMonitor struct {
	config       *config.Config
	calls        CallSource
	escalator    Escalator
	rules        RuleSource
	availability AvailabilitySource
	auditor      Auditor
	logger       *zap.Logger
}

// NewTimeoutMonitor 创建超时监控
func NewTimeoutMonitor(
	cfg *config.Config,
	calls CallSource,
	escalator Escalator,
	ruleSource RuleSource,
	availability AvailabilitySource,
	auditor Auditor,
	logger *zap.Logger,
) *TimeoutMonitor {
	return &TimeoutMonitor{
		config:       cfg,
		calls:        calls,
		escalator:    escalator,
		rules:        ruleSource,
		availability: availability,
		auditor:      auditor,
		logger:       logger,
	}
}

// Start 启动监控循环（立即扫描一次，然后按周期）
func (m *TimeoutMonitor) Start(ctx context.Context) {
	interval := time.Duration(m.config.Escalation.MonitorInterval) * time.Second

	m.logger.Info("Timeout monitor started",
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := m.Scan(ctx); err != nil {
		m.logger.Error("Failed to scan calls on startup",
			zap.Error(err),
		)
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Timeout monitor stopped")
			return
		case <-ticker.C:
			if err := m.Scan(ctx); err != nil {
				m.logger.Error("Failed to scan calls",
					zap.Error(err),
				)
				// 继续执行，下个 tick 重试
			}
		}
	}
}

// Scan 单次扫描：超时突破、塔罗师离线、硬截止
func (m *TimeoutMonitor) Scan(ctx context.Context) error {
	calls, err := m.calls.ListPendingCalls(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending calls: %w", err)
	}

	m.logger.Debug("Scanning pending calls",
		zap.Int("call_count", len(calls)),
	)

	now := time.Now()

	timeoutRule, hasTimeoutRule := m.rules.ActiveRuleFor(models.TriggerUnansweredTimeout)
	if !hasTimeoutRule {
		m.logger.Warn("No active unanswered_timeout rule, timeout escalation disabled")
	}

	_, hasOfflineRule := m.rules.ActiveRuleFor(models.TriggerReaderOffline)

	for _, call := range calls {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 超时突破：距上次活动超过规则阈值
		if hasTimeoutRule && now.Sub(call.LastActivityAt) > timeoutRule.Timeout() {
			if _, err := m.escalator.Escalate(ctx, call.CallID, models.TriggerUnansweredTimeout, siren.SystemActor); err != nil {
				m.logger.Error("Failed to escalate overdue call",
					zap.String("call_id", call.CallID),
					zap.Error(err),
				)
				continue
			}
		}

		// 指派的塔罗师掉线：按在线状态而非流逝时间判定
		if hasOfflineRule && call.AssignedReaderID != nil {
			m.checkReaderOffline(ctx, call)
		}
	}

	return m.enforceHardCutoff(ctx, now)
}

// checkReaderOffline 校验指派塔罗师的可达性，掉线则按 reader_offline 升级
func (m *TimeoutMonitor) checkReaderOffline(ctx context.Context, call *models.EmergencyCall) {
	staleAfter := time.Duration(m.config.Escalation.PresenceStaleSeconds) * time.Second

	availability, err := m.availability.GetAvailability(ctx, *call.AssignedReaderID)
	if err != nil {
		m.logger.Error("Failed to check reader availability",
			zap.String("call_id", call.CallID),
			zap.String("reader_id", *call.AssignedReaderID),
			zap.Error(err),
		)
		return
	}

	if availability != nil && availability.IsOnline && time.Since(availability.LastSeen) <= staleAfter {
		return
	}

	if _, err := m.escalator.Escalate(ctx, call.CallID, models.TriggerReaderOffline, siren.SystemActor); err != nil {
		m.logger.Error("Failed to escalate for offline reader",
			zap.String("call_id", call.CallID),
			zap.Error(err),
		)
	}
}

// enforceHardCutoff 超过硬截止仍无人响应的呼叫置为 timed_out
// 呼叫的警报器保持自身生命周期：非临界的由过期清扫收尾，临界的等待人工停止
func (m *TimeoutMonitor) enforceHardCutoff(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-time.Duration(m.config.Escalation.HardCutoffMinutes) * time.Minute)

	timedOut, err := m.calls.TimeOutCalls(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to enforce hard cutoff: %w", err)
	}

	for _, callID := range timedOut {
		m.auditor.Record(ctx, models.LogCallEnded, callID, siren.SystemActor,
			"call timed out past hard cutoff",
			map[string]interface{}{
				"hard_cutoff_minutes": m.config.Escalation.HardCutoffMinutes,
			})

		m.logger.Warn("Call timed out past hard cutoff",
			zap.String("call_id", callID),
		)
	}

	return nil
}

// SirenExpirer 过期清扫入口（由 siren.Controller 实现）
type SirenExpirer interface {
	ExpireDue(ctx context.Context) ([]*models.SirenControl, error)
}

// ExpirySweeper 警报器过期清扫
// 与超时监控独立的周期任务（建议 60秒）；只处理非临界警报器
type ExpirySweeper struct {
	config  *config.Config
	expirer SirenExpirer
	logger  *zap.Logger
}

// NewExpirySweeper 创建过期清扫器
func NewExpirySweeper(cfg *config.Config, expirer SirenExpirer, logger *zap.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		config:  cfg,
		expirer: expirer,
		logger:  logger,
	}
}

// Start 启动清扫循环
func (s *ExpirySweeper) Start(ctx context.Context) {
	interval := time.Duration(s.config.Escalation.ExpiryInterval) * time.Second

	s.logger.Info("Expiry sweeper started",
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			expired, err := s.expirer.ExpireDue(ctx)
			if err != nil {
				s.logger.Error("Failed to expire sirens",
					zap.Error(err),
				)
				continue
			}
			if len(expired) > 0 {
				s.logger.Info("Sirens expired",
					zap.Int("expired_count", len(expired)),
				)
			}
		}
	}
}
