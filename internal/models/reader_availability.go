package models

import "time"

// ReaderAvailability 塔罗师在线状态（由塔罗师心跳维护）
type ReaderAvailability struct {
	ReaderID          string    `json:"reader_id"`
	IsOnline          bool      `json:"is_online"`
	EmergencyOptIn    bool      `json:"emergency_opt_in"`
	LastSeen          time.Time `json:"last_seen"`
	StatusMessage     string    `json:"status_message"`
	MaxConcurrent     int       `json:"max_concurrent"`
	CurrentConcurrent int       `json:"current_concurrent"`
}

// IsReachable 当前能否接收紧急呼叫通知
func (a *ReaderAvailability) IsReachable(staleAfter time.Duration, now time.Time) bool {
	if !a.IsOnline || !a.EmergencyOptIn {
		return false
	}
	if now.Sub(a.LastSeen) > staleAfter {
		return false
	}
	return a.CurrentConcurrent < a.MaxConcurrent
}
