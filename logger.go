package modrun

import (
	"github.com/rs/zerolog"
)

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so that host
// applications can plug in their own logging stack. The variadic arguments
// are alternating keys and values, compatible with slog, zerolog, zap and
// similar libraries:
//
//	logger.Info("module loaded", "module", "com.vendor.invoicing", "tenant", "t1")
type Logger interface {
	// Info logs normal runtime events such as loads, installs and unloads.
	Info(msg string, args ...any)

	// Error logs failures that should be investigated.
	Error(msg string, args ...any)

	// Warn logs unusual conditions that don't prevent operation.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics, typically disabled in production.
	Debug(msg string, args ...any)
}

// ZerologAdapter adapts a zerolog.Logger to the runtime Logger interface.
// It is the default logger implementation shipped with the runtime.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter wraps the given zerolog logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

func (z *ZerologAdapter) Info(msg string, args ...any) {
	z.emit(z.logger.Info(), msg, args)
}

func (z *ZerologAdapter) Error(msg string, args ...any) {
	z.emit(z.logger.Error(), msg, args)
}

func (z *ZerologAdapter) Warn(msg string, args ...any) {
	z.emit(z.logger.Warn(), msg, args)
}

func (z *ZerologAdapter) Debug(msg string, args ...any) {
	z.emit(z.logger.Debug(), msg, args)
}

func (z *ZerologAdapter) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

// NopLogger discards everything. Useful in tests and as a safe default.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Debug(string, ...any) {}
