package reminder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LogTransport is a transport that only logs messages, used in
// development when no WhatsApp credentials are configured.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) SendText(ctx context.Context, to, body string) (string, error) {
	t.logger.Info("logging message (development mode)",
		zap.String("to", to),
		zap.String("body", body),
	)
	return fmt.Sprintf("log-%d", time.Now().UnixNano()), nil
}
