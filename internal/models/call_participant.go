package models

import "time"

// CallParticipant 呼叫参与者（按角色绑定到呼叫）
type CallParticipant struct {
	CallID        string     `json:"call_id"`
	ParticipantID string     `json:"participant_id"`
	Role          string     `json:"role"`
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
}
