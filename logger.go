package qtdi

// Logger defines the interface for container logging.
// The container uses structured logging with key-value pairs to provide
// consistent, parseable log output for every framework operation
// (registration, validation, publishing, unpublishing, configuration
// refresh).
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus, zap, and others.
//
// Example implementation using Go's standard log/slog:
//
//	type SlogLogger struct {
//	    logger *slog.Logger
//	}
//
//	func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
//	func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
//	func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
//	func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	// Used for recoverable publish failures and skipped autowire candidates.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}
