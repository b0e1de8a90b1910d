// Package logger zerolog 日志封装
package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	traceIDKey   ctxKey = "traceID"
	workspaceKey ctxKey = "workspace"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Logger 结构化日志
type Logger struct {
	logger zerolog.Logger
}

// New 创建日志，w 为空时写到 stdout
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}

	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{logger: l}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// SetLevel 设置日志级别（debug/info/warn/error）
func (l *Logger) SetLevel(level string) *Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return &Logger{logger: l.logger.Level(parsed)}
}

// WithContext 注入 traceID / workspace
func (l *Logger) WithContext(ctx context.Context) *Logger {
	ctxLog := l.logger.With()
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		ctxLog = ctxLog.Str("traceID", traceID)
	}
	if ws := WorkspaceFromContext(ctx); ws != "" {
		ctxLog = ctxLog.Str("workspace", ws)
	}
	return &Logger{logger: ctxLog.Logger()}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Infof 带字段的 Info 日志
func (l *Logger) Infof(msg string, fields map[string]interface{}) {
	event := l.logger.Info()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Warnf 带字段的 Warn 日志
func (l *Logger) Warnf(msg string, fields map[string]interface{}) {
	event := l.logger.Warn()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Errorf 带字段的 Error 日志
func (l *Logger) Errorf(msg string, fields map[string]interface{}) {
	event := l.logger.Error()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField 添加单个字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithWorkspace 添加 workspace 字段
func (l *Logger) WithWorkspace(workspace string) *Logger {
	return &Logger{logger: l.logger.With().Str("workspace", workspace).Logger()}
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspace)
}

func TraceIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, traceIDKey)
}

func WorkspaceFromContext(ctx context.Context) string {
	return stringFromContext(ctx, workspaceKey)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}
