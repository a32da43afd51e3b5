package repository

import (
	"context"
	"database/sql"
	"fmt"

	"samia-escalation/internal/models"

	"go.uber.org/zap"
)

// RulesRepository 升级规则仓库（引擎只读）
type RulesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRulesRepository 创建升级规则仓库
func NewRulesRepository(db *sql.DB, logger *zap.Logger) *RulesRepository {
	return &RulesRepository{
		db:     db,
		logger: logger,
	}
}

const ruleColumns = `
	rule_name,
	trigger_condition,
	timeout_seconds,
	escalate_to_role,
	priority,
	notification_profile,
	is_active,
	created_at,
	updated_at
`

// ListActiveRules 获取全部启用规则（按触发条件、优先级降序）
func (r *RulesRepository) ListActiveRules(ctx context.Context) ([]*models.EscalationRule, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM escalation_rules
		WHERE is_active = true
		ORDER BY trigger_condition ASC, priority DESC
	`, ruleColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation rules: %w", err)
	}
	defer rows.Close()

	rules := []*models.EscalationRule{}
	for rows.Next() {
		var rule models.EscalationRule
		err := rows.Scan(
			&rule.RuleName,
			&rule.TriggerCondition,
			&rule.TimeoutSeconds,
			&rule.EscalateToRole,
			&rule.Priority,
			&rule.NotificationProfile,
			&rule.IsActive,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation rule: %w", err)
		}
		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalation rules: %w", err)
	}

	return rules, nil
}

// GetRuleByName 按名称获取规则
func (r *RulesRepository) GetRuleByName(ctx context.Context, ruleName string) (*models.EscalationRule, error) {
	if ruleName == "" {
		return nil, fmt.Errorf("rule_name is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM escalation_rules WHERE rule_name = $1`, ruleColumns)

	var rule models.EscalationRule
	err := r.db.QueryRowContext(ctx, query, ruleName).Scan(
		&rule.RuleName,
		&rule.TriggerCondition,
		&rule.TimeoutSeconds,
		&rule.EscalateToRole,
		&rule.Priority,
		&rule.NotificationProfile,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("escalation rule not found: rule_name=%s", ruleName)
		}
		return nil, fmt.Errorf("failed to get escalation rule: %w", err)
	}

	return &rule, nil
}
