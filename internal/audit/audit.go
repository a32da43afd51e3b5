package audit

import (
	"context"
	"encoding/json"
	"time"

	"samia-escalation/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogWriter 日志写入接口（由 repository.CallLogsRepository 实现）
type LogWriter interface {
	AppendLog(ctx context.Context, log *models.CallLog) error
}

// Logger 审计日志器
// 审计写入失败不回滚主操作：合规问题而非功能问题，升级到 error 级别日志
// 由运维告警渠道接手
type Logger struct {
	writer LogWriter
	logger *zap.Logger
}

// NewLogger 创建审计日志器
func NewLogger(writer LogWriter, logger *zap.Logger) *Logger {
	return &Logger{
		writer: writer,
		logger: logger,
	}
}

// Record 追加一条审计记录
func (l *Logger) Record(ctx context.Context, logType, callID, actor, message string, metadata map[string]interface{}) {
	metadataJSON := json.RawMessage("{}")
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			metadataJSON = data
		} else {
			l.logger.Error("Failed to marshal audit metadata",
				zap.String("call_id", callID),
				zap.String("log_type", logType),
				zap.Error(err),
			)
		}
	}

	entry := &models.CallLog{
		LogID:     uuid.New().String(),
		CallID:    callID,
		LogType:   logType,
		Message:   message,
		Metadata:  metadataJSON,
		LoggedBy:  actor,
		CreatedAt: time.Now(),
	}

	if err := l.writer.AppendLog(ctx, entry); err != nil {
		// 审计丢失必须浮出水面，但不阻断触发它的操作
		l.logger.Error("Audit write failed",
			zap.String("call_id", callID),
			zap.String("log_type", logType),
			zap.String("actor", actor),
			zap.Error(err),
		)
		return
	}

	l.logger.Debug("Audit entry recorded",
		zap.String("call_id", callID),
		zap.String("log_type", logType),
	)
}
