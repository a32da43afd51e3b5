package httpapi

import (
	"context"
	"net/http"
	"strings"

	"samia-escalation/internal/models"

	"go.uber.org/zap"
)

// SirenService 警报器控制入口（由 siren.Controller 实现）
type SirenService interface {
	Stop(ctx context.Context, sirenID, actor, reason string) error
	Acknowledge(ctx context.Context, sirenID, userID string) error
	ActiveSirensFor(ctx context.Context, role string) ([]*models.SirenControl, error)
}

const sirensBasePath = "/escalation/api/v1/sirens"

// SirenHandler 警报器操作 Handler
type SirenHandler struct {
	sirens SirenService
	logger *zap.Logger
}

// NewSirenHandler 创建警报器 Handler
func NewSirenHandler(sirens SirenService, logger *zap.Logger) *SirenHandler {
	return &SirenHandler{
		sirens: sirens,
		logger: logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *SirenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == sirensBasePath+"/active" && r.Method == http.MethodGet {
		h.ActiveSirens(w, r)
		return
	}

	rest := strings.TrimPrefix(path, sirensBasePath+"/")
	if rest == path {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		h.StopSiren(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "acknowledge" && r.Method == http.MethodPost:
		h.AcknowledgeSiren(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ActiveSirens 按角色查询活跃警报器（看板登录轮询）
func (h *SirenHandler) ActiveSirens(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role == "" {
		writeJSON(w, http.StatusOK, Fail("role is required"))
		return
	}

	sirens, err := h.sirens.ActiveSirensFor(r.Context(), role)
	if err != nil {
		h.logger.Error("Failed to list active sirens",
			zap.String("role", role),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to list active sirens"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(sirens))
}

// StopSiren 授权角色手动停止警报器（幂等）
func (h *SirenHandler) StopSiren(w http.ResponseWriter, r *http.Request, sirenID string) {
	actorID := r.Header.Get("X-User-Id")
	if actorID == "" {
		writeJSON(w, http.StatusOK, Fail("user ID is required"))
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}
	if req.Reason == "" {
		req.Reason = models.StopReasonManual
	}

	if err := h.sirens.Stop(r.Context(), sirenID, actorID, req.Reason); err != nil {
		h.logger.Error("Failed to stop siren",
			zap.String("siren_id", sirenID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to stop siren"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"siren_id": sirenID,
		"stopped":  true,
	}))
}

// AcknowledgeSiren 确认警报器（不停止，只告知他人有人知晓）
func (h *SirenHandler) AcknowledgeSiren(w http.ResponseWriter, r *http.Request, sirenID string) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeJSON(w, http.StatusOK, Fail("user ID is required"))
		return
	}

	if err := h.sirens.Acknowledge(r.Context(), sirenID, userID); err != nil {
		h.logger.Error("Failed to acknowledge siren",
			zap.String("siren_id", sirenID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to acknowledge siren"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"siren_id":     sirenID,
		"acknowledged": true,
	}))
}
