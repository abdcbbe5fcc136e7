package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogLevelEnvVar is consulted when Initialize is called with an empty level.
// Valid values: "debug", "info", "warn", "error". An unset variable means
// silent mode.
const LogLevelEnvVar = "WEBSERV_LOG_LEVEL"

// Initialize creates a new logger with the specified level.
// If level is empty, it checks WEBSERV_LOG_LEVEL environment variable.
// If neither is set, logging is disabled (silent mode).
func Initialize(level string) error {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}

	if level == "" {
		logger = zap.NewNop()
		return nil
	}

	zapLevel, err := ParseLevel(level)
	if err != nil {
		return err
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err = config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// ParseLevel maps a level name onto a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", level)
	}
}

// SetLogger replaces the global logger. Tests use it with zaptest/observer cores.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// LogConnection logs a connection lifecycle event
func LogConnection(connID string, remoteAddr string, event string) {
	Debug("Connection event",
		zap.String("conn_id", connID),
		zap.String("remote_addr", remoteAddr),
		zap.String("event", event),
	)
}

// LogRequest logs a parsed request head
func LogRequest(connID string, method string, target string, host string) {
	Info("HTTP request received",
		zap.String("conn_id", connID),
		zap.String("method", method),
		zap.String("target", target),
		zap.String("host", host),
	)
}

// LogResponse logs the status line queued for a request
func LogResponse(connID string, statusCode int, mode string, keepAlive bool) {
	Info("HTTP response queued",
		zap.String("conn_id", connID),
		zap.Int("status_code", statusCode),
		zap.String("mode", mode),
		zap.Bool("keep_alive", keepAlive),
	)
}

// LogCGI logs a CGI process lifecycle event
func LogCGI(connID string, pid int, event string, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("conn_id", connID),
		zap.Int("pid", pid),
		zap.String("event", event),
	}, fields...)
	Info("CGI process event", all...)
}

// LogRawBytes logs a printable dump of data at debug level.
func LogRawBytes(label string, data []byte) {
	if !GetLogger().Core().Enabled(zapcore.DebugLevel) {
		return
	}
	Debug(label,
		zap.Int("length", len(data)),
		zap.String("ascii", asciiDump(data)),
	)
}

func asciiDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	// Limit to first 256 bytes
	if len(data) > 256 {
		data = data[:256]
	}

	result := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			result[i] = b
		} else {
			result[i] = '.'
		}
	}
	return string(result)
}

// Sync flushes any buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
