package linker

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the linker package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the linker package's logger.
// Guest log calls go to a child named "guest".
func SetLogger(l *zap.Logger) {
	logger = l
}

// guestLogger returns the logger guest log calls for requestID write to.
func guestLogger(requestID string) *zap.Logger {
	l := Logger().Named("guest")
	if requestID != "" {
		l = l.With(zap.String("request_id", requestID))
	}
	return l
}
