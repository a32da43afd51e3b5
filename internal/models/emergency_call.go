package models

import "time"

// 呼叫状态
const (
	CallStatusPending  = "pending"
	CallStatusAccepted = "accepted"
	CallStatusResolved = "resolved"
	CallStatusTimedOut = "timed_out"
)

// 升级触发条件
const (
	TriggerUnansweredTimeout = "unanswered_timeout"
	TriggerKeywordDetected   = "keyword_detected"
	TriggerManualEscalation  = "manual_escalation"
	TriggerReaderOffline     = "reader_offline"
)

// EmergencyCall 紧急呼叫记录
// escalation_level 在 pending 状态下单调递增，离开 pending 后冻结
type EmergencyCall struct {
	CallID           string     `json:"call_id"`
	ClientID         string     `json:"client_id"`
	Status           string     `json:"status"`
	EscalationLevel  int        `json:"escalation_level"`
	AssignedReaderID *string    `json:"assigned_reader_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsPending 是否仍在等待响应
func (c *EmergencyCall) IsPending() bool {
	return c.Status == CallStatusPending
}
