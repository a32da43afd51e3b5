package models

import (
	"encoding/json"
	"time"
)

// 呼叫日志类型（append-only 审计轨迹）
const (
	LogCallInitiated      = "call_initiated"
	LogCallAnswered       = "call_answered"
	LogCallEnded          = "call_ended"
	LogRecordingStarted   = "recording_started"
	LogRecordingStopped   = "recording_stopped"
	LogFlagRaised         = "flag_raised"
	LogEscalated          = "escalated"
	LogReaderAssigned     = "reader_assigned"
	LogAdminNote          = "admin_note"
	LogSirenStarted       = "siren_started"
	LogSirenStopped       = "siren_stopped"
	LogSirenAcknowledged  = "siren_acknowledged"
)

// CallLog 呼叫生命周期日志，插入后不再修改
type CallLog struct {
	LogID     string          `json:"log_id"`
	CallID    string          `json:"call_id"`
	LogType   string          `json:"log_type"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
	LoggedBy  string          `json:"logged_by"`
	CreatedAt time.Time       `json:"created_at"`
}
