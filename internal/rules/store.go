package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"samia-escalation/internal/models"

	"go.uber.org/zap"
)

// Source 规则数据来源（由 repository.RulesRepository 实现）
type Source interface {
	ListActiveRules(ctx context.Context) ([]*models.EscalationRule, error)
}

// Store 升级规则缓存
// 规则由管理员低频修改，引擎按快照读取；变更在下一次刷新周期生效
type Store struct {
	source          Source
	refreshInterval time.Duration
	logger          *zap.Logger

	mu        sync.RWMutex
	byTrigger map[string][]*models.EscalationRule
	byName    map[string]*models.EscalationRule
}

// NewStore 创建规则缓存
func NewStore(source Source, refreshInterval time.Duration, logger *zap.Logger) *Store {
	return &Store{
		source:          source,
		refreshInterval: refreshInterval,
		logger:          logger,
		byTrigger:       map[string][]*models.EscalationRule{},
		byName:          map[string]*models.EscalationRule{},
	}
}

// Refresh 从数据源重建快照
func (s *Store) Refresh(ctx context.Context) error {
	rules, err := s.source.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh escalation rules: %w", err)
	}

	byTrigger := map[string][]*models.EscalationRule{}
	byName := map[string]*models.EscalationRule{}
	for _, rule := range rules {
		byTrigger[rule.TriggerCondition] = append(byTrigger[rule.TriggerCondition], rule)
		byName[rule.RuleName] = rule
	}

	s.mu.Lock()
	s.byTrigger = byTrigger
	s.byName = byName
	s.mu.Unlock()

	s.logger.Debug("Escalation rules refreshed",
		zap.Int("rule_count", len(rules)),
	)

	return nil
}

// Start 启动后台刷新（先刷新一次，失败只记日志，下个周期重试）
func (s *Store) Start(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("Failed to refresh rules on startup",
			zap.Error(err),
		)
	}

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Rule store refresh stopped")
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("Failed to refresh rules",
					zap.Error(err),
				)
			}
		}
	}
}

// RulesFor 获取触发条件对应的启用规则（优先级降序）
func (s *Store) RulesFor(triggerCondition string) []*models.EscalationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byTrigger[triggerCondition]
}

// ActiveRuleFor 获取触发条件当前采用的规则（最高优先级）；无规则返回 false
func (s *Store) ActiveRuleFor(triggerCondition string) (*models.EscalationRule, bool) {
	rules := s.RulesFor(triggerCondition)
	if len(rules) == 0 {
		return nil, false
	}
	// ListActiveRules 已按优先级降序返回
	return rules[0], true
}

// RuleByName 按名称获取规则；未找到返回 false
func (s *Store) RuleByName(name string) (*models.EscalationRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.byName[name]
	return rule, ok
}
