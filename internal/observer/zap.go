package observer

import "go.uber.org/zap"

// ZapSink 將通知寫入 zap 日誌
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink 建立 zap 通知接收器
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

// Log 實作 LogSink
func (s *ZapSink) Log(entry LogEntry) {
	fields := []zap.Field{zap.String("protocol", entry.Protocol)}
	switch entry.Level {
	case LevelDebug:
		s.logger.Debug(entry.Message, fields...)
	case LevelWarn:
		s.logger.Warn(entry.Message, fields...)
	case LevelError:
		s.logger.Error(entry.Message, fields...)
	default:
		s.logger.Info(entry.Message, fields...)
	}
}

// ConnectionChanged 實作 ConnectionSink
func (s *ZapSink) ConnectionChanged(event ConnectionEvent) {
	msg := "用戶端已斷線"
	if event.Connected {
		msg = "用戶端已連線"
	}
	s.logger.Info(msg,
		zap.String("protocol", event.Protocol),
		zap.String("conn_id", event.ConnID),
		zap.String("remote", event.Remote),
		zap.String("detail", event.Detail),
	)
}

// ValueChanged 實作 ValueSink
func (s *ZapSink) ValueChanged(change ValueChange) {
	s.logger.Debug("數值變更",
		zap.String("protocol", change.Protocol),
		zap.String("area", change.Area),
		zap.Int("address", change.Address),
		zap.Int("count", change.Count),
	)
}
