package models

import "time"

// EscalationRule 升级规则（管理员配置，引擎只读）
type EscalationRule struct {
	RuleName            string    `json:"rule_name"`
	TriggerCondition    string    `json:"trigger_condition"`
	TimeoutSeconds      int       `json:"timeout_seconds"`
	EscalateToRole      string    `json:"escalate_to_role"`
	Priority            int       `json:"priority"` // 1-5，高优先级先被采用
	NotificationProfile string    `json:"notification_profile"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Timeout 规则超时时长
func (r *EscalationRule) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}
