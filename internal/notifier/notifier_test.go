package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"samia-escalation/internal/config"
	"samia-escalation/internal/models"
)

type fakePublisher struct {
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakePresence struct {
	readers []*models.ReaderAvailability
}

func (f *fakePresence) ListOnlineReaders(ctx context.Context, staleAfter time.Duration) ([]*models.ReaderAvailability, error) {
	return f.readers, nil
}

func setupNotifier(t *testing.T, presence *fakePresence) (*Notifier, *fakePublisher, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{}
	cfg.MQTT.QoS = 1
	cfg.Escalation.PresenceStaleSeconds = 90

	publisher := &fakePublisher{}
	return NewNotifier(cfg, publisher, redisClient, presence, zap.NewNop()), publisher, mr
}

func activeSiren(level int, roles []string) *models.SirenControl {
	return &models.SirenControl{
		SirenID:         "siren-1",
		CallID:          "call-1",
		SirenType:       models.SirenTypeEmergency,
		Pattern:         "pulse",
		IntensityLevel:  25 * level,
		TargetRoles:     roles,
		StartedAt:       time.Now(),
		IsActive:        true,
		AcknowledgedBy:  []string{},
		EscalationLevel: level,
	}
}

func TestBroadcast_PublishesToEachTargetRole(t *testing.T) {
	notif, publisher, _ := setupNotifier(t, &fakePresence{})

	siren := activeSiren(2, []string{models.RoleMonitor, models.RoleAdmin})
	err := notif.Broadcast(context.Background(), EventSirenStarted, siren)

	require.NoError(t, err)
	assert.Equal(t, []string{"samia/alerts/monitor", "samia/alerts/admin"}, publisher.topics)
	assert.Contains(t, string(publisher.payloads[0]), `"event":"siren_started"`)
	assert.Contains(t, string(publisher.payloads[0]), `"escalation_level":2`)
}

func TestBroadcast_AppendsRoleStreams(t *testing.T) {
	notif, _, mr := setupNotifier(t, &fakePresence{})

	siren := activeSiren(1, []string{models.RoleReader, models.RoleMonitor})
	require.NoError(t, notif.Broadcast(context.Background(), EventSirenStarted, siren))

	// 每个目标角色各有一条流记录，供重连客户端补拉
	assert.True(t, mr.Exists("escalation:events:reader"))
	assert.True(t, mr.Exists("escalation:events:monitor"))
	assert.False(t, mr.Exists("escalation:events:admin"))
}

func TestBroadcast_TargetsReachableReadersOnly(t *testing.T) {
	now := time.Now()
	presence := &fakePresence{
		readers: []*models.ReaderAvailability{
			{ReaderID: "reader-online", IsOnline: true, EmergencyOptIn: true, LastSeen: now, MaxConcurrent: 1},
			{ReaderID: "reader-stale", IsOnline: true, EmergencyOptIn: true, LastSeen: now.Add(-10 * time.Minute), MaxConcurrent: 1},
			{ReaderID: "reader-opted-out", IsOnline: true, EmergencyOptIn: false, LastSeen: now, MaxConcurrent: 1},
			{ReaderID: "reader-busy", IsOnline: true, EmergencyOptIn: true, LastSeen: now, MaxConcurrent: 1, CurrentConcurrent: 1},
		},
	}
	notif, publisher, _ := setupNotifier(t, presence)

	siren := activeSiren(1, []string{models.RoleReader})
	require.NoError(t, notif.Broadcast(context.Background(), EventSirenStarted, siren))

	assert.Contains(t, publisher.topics, "samia/alerts/reader")
	assert.Contains(t, publisher.topics, "samia/alerts/user/reader-online")
	assert.NotContains(t, publisher.topics, "samia/alerts/user/reader-stale")
	assert.NotContains(t, publisher.topics, "samia/alerts/user/reader-opted-out")
	assert.NotContains(t, publisher.topics, "samia/alerts/user/reader-busy")
}

func TestBroadcast_NoReaderFanoutWithoutReaderRole(t *testing.T) {
	presence := &fakePresence{
		readers: []*models.ReaderAvailability{
			{ReaderID: "reader-online", IsOnline: true, EmergencyOptIn: true, LastSeen: time.Now(), MaxConcurrent: 1},
		},
	}
	notif, publisher, _ := setupNotifier(t, presence)

	// 高级别广播仍包含 reader 角色；此处构造一个不含 reader 的集合验证定向逻辑受角色门控
	siren := activeSiren(2, []string{models.RoleMonitor})
	require.NoError(t, notif.Broadcast(context.Background(), EventSirenStopped, siren))

	assert.Equal(t, []string{"samia/alerts/monitor"}, publisher.topics)
}

func TestBroadcast_NilSiren(t *testing.T) {
	notif, _, _ := setupNotifier(t, &fakePresence{})

	err := notif.Broadcast(context.Background(), EventSirenStarted, nil)
	assert.Error(t, err)
}
