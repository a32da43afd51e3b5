package models

import (
	"encoding/json"
	"time"
)

// 警报器停止原因
const (
	StopReasonResolved = "resolved"
	StopReasonManual   = "manual"
	StopReasonExpired  = "expired"
)

// 警报器类型
const (
	SirenTypeEmergency = "emergency_call"
)

// SirenControl 警报器记录（一次告警广播，绑定一个呼叫的一个升级级别）
// 同一 (call_id, escalation_level) 同时最多一条 is_active = true
type SirenControl struct {
	SirenID              string          `json:"siren_id"`
	CallID               string          `json:"call_id"`
	SirenType            string          `json:"siren_type"`
	Pattern              string          `json:"pattern"`
	IntensityLevel       int             `json:"intensity_level"` // 0-100
	TargetRoles          []string        `json:"target_roles"`
	StartedAt            time.Time       `json:"started_at"`
	AutoStopAfterMinutes *int            `json:"auto_stop_after_minutes,omitempty"` // nil 表示不自动停止（临界级别）
	StoppedAt            *time.Time      `json:"stopped_at,omitempty"`
	StoppedBy            *string         `json:"stopped_by,omitempty"`
	StopReason           *string         `json:"stop_reason,omitempty"`
	IsActive             bool            `json:"is_active"`
	AcknowledgedBy       []string        `json:"acknowledged_by"`
	EscalationLevel      int             `json:"escalation_level"`
	Metadata             json.RawMessage `json:"metadata"`
}

// Deadline 自动停止截止时间；无截止返回 false
func (s *SirenControl) Deadline() (time.Time, bool) {
	if s.AutoStopAfterMinutes == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(time.Duration(*s.AutoStopAfterMinutes) * time.Minute), true
}
