package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"samia-escalation/internal/config"
	"samia-escalation/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// HeartbeatStore 心跳存储（由 repository.AvailabilityRepository 实现）
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, a *models.ReaderAvailability) error
}

const readersBasePath = "/escalation/api/v1/readers"

// ReaderHandler 塔罗师在线状态 Handler
// 心跳双写：PostgreSQL 为权威数据，Redis 镜像（带 TTL）供低延迟可达性判断
type ReaderHandler struct {
	config *config.Config
	store  HeartbeatStore
	redis  *redis.Client
	logger *zap.Logger
}

// NewReaderHandler 创建塔罗师 Handler
func NewReaderHandler(cfg *config.Config, store HeartbeatStore, redisClient *redis.Client, logger *zap.Logger) *ReaderHandler {
	return &ReaderHandler{
		config: cfg,
		store:  store,
		redis:  redisClient,
		logger: logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *ReaderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, readersBasePath+"/")
	if rest == r.URL.Path {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost {
		h.Heartbeat(w, r, parts[0])
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

// Heartbeat 塔罗师在线心跳
func (h *ReaderHandler) Heartbeat(w http.ResponseWriter, r *http.Request, readerID string) {
	ctx := r.Context()

	var req struct {
		IsOnline          bool   `json:"is_online"`
		EmergencyOptIn    bool   `json:"emergency_opt_in"`
		StatusMessage     string `json:"status_message"`
		MaxConcurrent     int    `json:"max_concurrent"`
		CurrentConcurrent int    `json:"current_concurrent"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}

	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 1
	}

	availability := &models.ReaderAvailability{
		ReaderID:          readerID,
		IsOnline:          req.IsOnline,
		EmergencyOptIn:    req.EmergencyOptIn,
		LastSeen:          time.Now(),
		StatusMessage:     req.StatusMessage,
		MaxConcurrent:     req.MaxConcurrent,
		CurrentConcurrent: req.CurrentConcurrent,
	}

	if err := h.store.UpsertHeartbeat(ctx, availability); err != nil {
		h.logger.Error("Failed to upsert heartbeat",
			zap.String("reader_id", readerID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to record heartbeat"))
		return
	}

	// Redis 在线镜像：键过期即视为掉线
	presenceKey := h.config.Escalation.Cache.PresenceKeyPrefix + readerID
	ttl := time.Duration(h.config.Escalation.PresenceStaleSeconds) * time.Second
	if req.IsOnline {
		if err := h.redis.Set(ctx, presenceKey, time.Now().Unix(), ttl).Err(); err != nil {
			h.logger.Warn("Failed to mirror presence to redis",
				zap.String("reader_id", readerID),
				zap.Error(err),
			)
		}
	} else {
		if err := h.redis.Del(ctx, presenceKey).Err(); err != nil {
			h.logger.Warn("Failed to clear presence in redis",
				zap.String("reader_id", readerID),
				zap.Error(err),
			)
		}
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"reader_id": readerID,
		"last_seen": availability.LastSeen,
	}))
}
