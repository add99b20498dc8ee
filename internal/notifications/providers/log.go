package providers

import (
	"context"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
)

// LogProvider writes notifications to the server log. It is always
// available and serves as the default provider.
type LogProvider struct {
	logger *logger.Logger
}

// NewLogProvider creates a log-backed provider.
func NewLogProvider(log *logger.Logger) *LogProvider {
	return &LogProvider{logger: log.WithFields(zap.String("component", "notifications"))}
}

func (p *LogProvider) Available() bool {
	return p.logger != nil
}

func (p *LogProvider) Validate(_ map[string]interface{}) error {
	return nil
}

func (p *LogProvider) Send(_ context.Context, message Message) error {
	fields := []zap.Field{
		zap.String("event_type", message.EventType),
		zap.String("environment_id", message.EnvironmentID),
		zap.String("body", message.Body),
	}
	switch message.Severity {
	case "error":
		p.logger.Error(message.Title, fields...)
	case "warning":
		p.logger.Warn(message.Title, fields...)
	default:
		p.logger.Info(message.Title, fields...)
	}
	return nil
}
