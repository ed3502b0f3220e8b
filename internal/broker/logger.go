package broker

import (
	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// ZeroLogger is a wrapper around zerolog.Logger to implement the NATS Logger interface
type ZeroLogger struct {
	logger   zerolog.Logger
	serverID string
}

// NewZeroLogger creates a new ZeroLogger
func NewZeroLogger(logger zerolog.Logger, serverID string) ZeroLogger {
	return ZeroLogger{
		logger:   logger,
		serverID: serverID,
	}
}

func (l ZeroLogger) Noticef(format string, v ...interface{}) {
	// notices are about the embedded server starting and stopping, which the
	// tunnel commands already report
	l.logWithLevel(zerolog.DebugLevel, format, v)
}

func (l ZeroLogger) Warnf(format string, v ...interface{}) {
	l.logWithLevel(zerolog.WarnLevel, format, v)
}

func (l ZeroLogger) Fatalf(format string, v ...interface{}) {
	// never exit the process from inside the embedded server
	l.logWithLevel(zerolog.ErrorLevel, format, v)
}

func (l ZeroLogger) Errorf(format string, v ...interface{}) {
	l.logWithLevel(zerolog.ErrorLevel, format, v)
}

func (l ZeroLogger) Debugf(format string, v ...interface{}) {
	l.logWithLevel(zerolog.TraceLevel, format, v)
}

func (l ZeroLogger) Tracef(format string, v ...interface{}) {
	l.logWithLevel(zerolog.TraceLevel, format, v)
}

func (l ZeroLogger) logWithLevel(level zerolog.Level, format string, v []interface{}) {
	l.logger.WithLevel(level).Str("server", l.serverID).Msgf(format, v...)
}

// compile-time check whether the ZeroLogger implements the Logger interface
var _ server.Logger = (*ZeroLogger)(nil)
