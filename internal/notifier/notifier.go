package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"samia-escalation/internal/config"
	"samia-escalation/internal/models"
	"samia-escalation/internal/mqtt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 广播事件类型
const (
	EventSirenStarted = "siren_started"
	EventSirenStopped = "siren_stopped"
)

// Event 警报器广播消息
type Event struct {
	Event           string               `json:"event"`
	Siren           *models.SirenControl `json:"siren"`
	EscalationLevel int                  `json:"escalation_level"`
	SentAt          time.Time            `json:"sent_at"`
}

// PresenceSource 在线状态来源（由 repository.AvailabilityRepository 实现）
type PresenceSource interface {
	ListOnlineReaders(ctx context.Context, staleAfter time.Duration) ([]*models.ReaderAvailability, error)
}

// Notifier 警报器事件扇出
// 传输为 best-effort / at-least-once：离线成员收不到实时推送，
// 依靠登录后轮询 activeSirensFor 补齐；按角色流保留近期事件供补发
type Notifier struct {
	config    *config.Config
	publisher mqtt.Publisher
	redis     *redis.Client
	presence  PresenceSource
	logger    *zap.Logger
}

// NewNotifier 创建扇出器
func NewNotifier(
	cfg *config.Config,
	publisher mqtt.Publisher,
	redisClient *redis.Client,
	presence PresenceSource,
	logger *zap.Logger,
) *Notifier {
	return &Notifier{
		config:    cfg,
		publisher: publisher,
		redis:     redisClient,
		presence:  presence,
		logger:    logger,
	}
}

// roleTopic 角色广播主题
func roleTopic(role string) string {
	return fmt.Sprintf("samia/alerts/%s", role)
}

// userTopic 定向用户主题
func userTopic(userID string) string {
	return fmt.Sprintf("samia/alerts/user/%s", userID)
}

// Broadcast 将警报器事件投递给目标角色集的每个当前可达成员
// 同一发布路径顺序调用，单个接收方不会先看到 stop 再看到 start
func (n *Notifier) Broadcast(ctx context.Context, eventType string, siren *models.SirenControl) error {
	if siren == nil {
		return fmt.Errorf("siren is required")
	}

	event := Event{
		Event:           eventType,
		Siren:           siren,
		EscalationLevel: siren.EscalationLevel,
		SentAt:          time.Now(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal siren event: %w", err)
	}

	qos := n.config.MQTT.QoS

	for _, role := range siren.TargetRoles {
		// 角色主题：在线订阅者实时收到
		if err := n.publisher.Publish(roleTopic(role), qos, false, payload); err != nil {
			// 单个投递失败不中断其余角色
			n.logger.Error("Failed to publish siren event",
				zap.String("siren_id", siren.SirenID),
				zap.String("role", role),
				zap.Error(err),
			)
		}

		// 按角色事件流：供重连客户端补拉近期事件
		if err := n.appendRoleStream(ctx, role, eventType, siren.SirenID, payload); err != nil {
			n.logger.Error("Failed to append siren event stream",
				zap.String("siren_id", siren.SirenID),
				zap.String("role", role),
				zap.Error(err),
			)
		}
	}

	// 塔罗师按可达性定向投递（level 1 的"可用塔罗师"语义）
	if containsRole(siren.TargetRoles, models.RoleReader) {
		n.notifyReachableReaders(ctx, qos, payload, siren)
	}

	n.logger.Info("Siren event broadcast",
		zap.String("event", eventType),
		zap.String("siren_id", siren.SirenID),
		zap.String("call_id", siren.CallID),
		zap.Strings("target_roles", siren.TargetRoles),
	)

	return nil
}

// notifyReachableReaders 向当前可达的塔罗师逐个定向投递
func (n *Notifier) notifyReachableReaders(ctx context.Context, qos byte, payload []byte, siren *models.SirenControl) {
	staleAfter := time.Duration(n.config.Escalation.PresenceStaleSeconds) * time.Second

	readers, err := n.presence.ListOnlineReaders(ctx, staleAfter)
	if err != nil {
		n.logger.Error("Failed to list online readers",
			zap.String("siren_id", siren.SirenID),
			zap.Error(err),
		)
		return
	}

	now := time.Now()
	for _, reader := range readers {
		if !reader.IsReachable(staleAfter, now) {
			continue
		}
		if err := n.publisher.Publish(userTopic(reader.ReaderID), qos, false, payload); err != nil {
			n.logger.Error("Failed to publish siren event to reader",
				zap.String("siren_id", siren.SirenID),
				zap.String("reader_id", reader.ReaderID),
				zap.Error(err),
			)
		}
	}
}

// appendRoleStream 追加事件到按角色的 Redis Stream（带长度上限）
func (n *Notifier) appendRoleStream(ctx context.Context, role, eventType, sirenID string, payload []byte) error {
	stream := fmt.Sprintf("escalation:events:%s", role)

	return n.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 256,
		Approx: true,
		Values: map[string]interface{}{
			"event":    eventType,
			"siren_id": sirenID,
			"payload":  string(payload),
		},
	}).Err()
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
