package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/arbiterhq/arbiter/theme"
)

// StyledLogger is the logging surface handed to components. It wraps slog
// with theme-aware helpers for the identifiers the forwarder deals in.
type StyledLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	InfoWithProvider(msg string, provider string, args ...any)
	WarnWithProvider(msg string, provider string, args ...any)
	InfoWithEndpoint(msg string, endpoint string, args ...any)
	ErrorWithEndpoint(msg string, endpoint string, args ...any)
	InfoBreakerState(msg string, id string, state string, args ...any)

	With(args ...any) StyledLogger
	WithRequestID(requestID string) StyledLogger
	GetUnderlying() *slog.Logger
}

type styledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, t *theme.Theme) StyledLogger {
	return &styledLogger{logger: logger, theme: t}
}

// NewPlainStyledLogger wraps a bare slog logger with the default theme,
// mainly for tests
func NewPlainStyledLogger(logger *slog.Logger) StyledLogger {
	return &styledLogger{logger: logger, theme: theme.Default()}
}

func (sl *styledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *styledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *styledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *styledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

func (sl *styledLogger) InfoWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Provider}.Sprint(provider))
	sl.logger.Info(styledMsg, args...)
}

func (sl *styledLogger) WarnWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Provider}.Sprint(provider))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *styledLogger) InfoWithEndpoint(msg string, endpoint string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Endpoint}.Sprint(endpoint))
	sl.logger.Info(styledMsg, args...)
}

func (sl *styledLogger) ErrorWithEndpoint(msg string, endpoint string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Endpoint}.Sprint(endpoint))
	sl.logger.Error(styledMsg, args...)
}

func (sl *styledLogger) InfoBreakerState(msg string, id string, state string, args ...any) {
	var stateColor pterm.Color
	switch state {
	case "closed":
		stateColor = sl.theme.BreakerClosed
	case "open":
		stateColor = sl.theme.BreakerOpen
	case "half-open":
		stateColor = sl.theme.BreakerHalfOpen
	default:
		stateColor = sl.theme.Numbers
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg,
		pterm.Style{sl.theme.Provider}.Sprint(id),
		pterm.Style{stateColor}.Sprint(state))
	sl.logger.Info(styledMsg, args...)
}

func (sl *styledLogger) With(args ...any) StyledLogger {
	return &styledLogger{logger: sl.logger.With(args...), theme: sl.theme}
}

func (sl *styledLogger) WithRequestID(requestID string) StyledLogger {
	return sl.With("request_id", requestID)
}

func (sl *styledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}
