package httpapi

import (
	"context"
	"net/http"
	"strings"

	"samia-escalation/internal/models"

	"go.uber.org/zap"
)

// EscalationService 升级引擎入口（由 engine.Engine 实现）
type EscalationService interface {
	CreateCall(ctx context.Context, clientID string) (*models.EmergencyCall, error)
	Escalate(ctx context.Context, callID, triggerCondition, actor string) (int, error)
	AssignReader(ctx context.Context, callID, readerID, actor string) (bool, error)
	HandleCallAccepted(ctx context.Context, callID, readerID string) (bool, error)
	HandleCallResolved(ctx context.Context, callID, actor string) (bool, error)
	FlagKeyword(ctx context.Context, callID, actor, keyword string) (int, error)
}

// CallReader 呼叫读取（由 repository.CallsRepository 实现）
type CallReader interface {
	GetCall(ctx context.Context, callID string) (*models.EmergencyCall, error)
}

// LogReader 审计轨迹读取（由 repository.CallLogsRepository 实现）
type LogReader interface {
	ListByCall(ctx context.Context, callID string) ([]*models.CallLog, error)
}

const callsBasePath = "/escalation/api/v1/calls"

// CallHandler 呼叫操作 Handler
type CallHandler struct {
	escalation EscalationService
	calls      CallReader
	logs       LogReader
	logger     *zap.Logger
}

// NewCallHandler 创建呼叫 Handler
func NewCallHandler(escalation EscalationService, calls CallReader, logs LogReader, logger *zap.Logger) *CallHandler {
	return &CallHandler{
		escalation: escalation,
		calls:      calls,
		logs:       logs,
		logger:     logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// 路由分发
	switch {
	case path == callsBasePath && r.Method == http.MethodPost:
		h.CreateCall(w, r)
		return
	}

	rest := strings.TrimPrefix(path, callsBasePath+"/")
	if rest == path {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.GetCall(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "escalate" && r.Method == http.MethodPost:
		h.ManualEscalate(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "flag" && r.Method == http.MethodPost:
		h.FlagCall(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "assign" && r.Method == http.MethodPost:
		h.AssignReader(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "accept" && r.Method == http.MethodPost:
		h.AcceptCall(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		h.ResolveCall(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		h.ListLogs(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// CreateCall 创建紧急呼叫（预约协作方调用）
func (h *CallHandler) CreateCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ClientID string `json:"client_id"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}
	if req.ClientID == "" {
		writeJSON(w, http.StatusOK, Fail("client_id is required"))
		return
	}

	call, err := h.escalation.CreateCall(ctx, req.ClientID)
	if err != nil {
		h.logger.Error("Failed to create call",
			zap.String("client_id", req.ClientID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to create call"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(call))
}

// GetCall 呼叫详情
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request, callID string) {
	call, err := h.calls.GetCall(r.Context(), callID)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail("call not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(call))
}

// ManualEscalate 人工升级
func (h *CallHandler) ManualEscalate(w http.ResponseWriter, r *http.Request, callID string) {
	actorID := r.Header.Get("X-User-Id")
	if actorID == "" {
		writeJSON(w, http.StatusOK, Fail("user ID is required"))
		return
	}

	level, err := h.escalation.Escalate(r.Context(), callID, models.TriggerManualEscalation, actorID)
	if err != nil {
		h.logger.Error("Failed to escalate call",
			zap.String("call_id", callID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to escalate call"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"call_id":          callID,
		"escalation_level": level,
	}))
}

// FlagCall 聊天层敏感词上报
func (h *CallHandler) FlagCall(w http.ResponseWriter, r *http.Request, callID string) {
	actorID := r.Header.Get("X-User-Id")
	if actorID == "" {
		writeJSON(w, http.StatusOK, Fail("user ID is required"))
		return
	}

	var req struct {
		Keyword string `json:"keyword"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}

	level, err := h.escalation.FlagKeyword(r.Context(), callID, actorID, req.Keyword)
	if err != nil {
		h.logger.Error("Failed to flag call",
			zap.String("call_id", callID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to flag call"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"call_id":          callID,
		"escalation_level": level,
	}))
}

// AssignReader 调度指派塔罗师（呼叫保持 pending）
func (h *CallHandler) AssignReader(w http.ResponseWriter, r *http.Request, callID string) {
	actorID := r.Header.Get("X-User-Id")
	if actorID == "" {
		writeJSON(w, http.StatusOK, Fail("user ID is required"))
		return
	}

	var req struct {
		ReaderID string `json:"reader_id"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}
	if req.ReaderID == "" {
		writeJSON(w, http.StatusOK, Fail("reader_id is required"))
		return
	}

	assigned, err := h.escalation.AssignReader(r.Context(), callID, req.ReaderID, actorID)
	if err != nil {
		h.logger.Error("Failed to assign reader",
			zap.String("call_id", callID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to assign reader"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"call_id":  callID,
		"assigned": assigned,
	}))
}

// AcceptCall 塔罗师接受呼叫
func (h *CallHandler) AcceptCall(w http.ResponseWriter, r *http.Request, callID string) {
	var req struct {
		ReaderID string `json:"reader_id"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}
	if req.ReaderID == "" {
		writeJSON(w, http.StatusOK, Fail("reader_id is required"))
		return
	}

	accepted, err := h.escalation.HandleCallAccepted(r.Context(), callID, req.ReaderID)
	if err != nil {
		h.logger.Error("Failed to accept call",
			zap.String("call_id", callID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to accept call"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"call_id":  callID,
		"accepted": accepted,
	}))
}

// ResolveCall 终态解除
func (h *CallHandler) ResolveCall(w http.ResponseWriter, r *http.Request, callID string) {
	actorID := r.Header.Get("X-User-Id")
	if actorID == "" {
		writeJSON(w, http.StatusOK, Fail("user ID is required"))
		return
	}

	resolved, err := h.escalation.HandleCallResolved(r.Context(), callID, actorID)
	if err != nil {
		h.logger.Error("Failed to resolve call",
			zap.String("call_id", callID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to resolve call"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"call_id":  callID,
		"resolved": resolved,
	}))
}

// ListLogs 审计轨迹
func (h *CallHandler) ListLogs(w http.ResponseWriter, r *http.Request, callID string) {
	logs, err := h.logs.ListByCall(r.Context(), callID)
	if err != nil {
		h.logger.Error("Failed to list call logs",
			zap.String("call_id", callID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to list call logs"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(logs))
}
