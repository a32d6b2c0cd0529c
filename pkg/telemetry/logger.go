package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Logger is a zerolog.Logger carrying the control plane's field names:
// component, resource_id, kind, project_id, flow_id and step.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger creates a logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(out).Level(parseLogLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}, nil
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(l.zlog.With().Str("component", component))
}

// WithResource tags the logger with the identity of res.
func (l *Logger) WithResource(res *engine.Resource) *Logger {
	zctx := l.zlog.With().
		Str("resource_id", res.ID).
		Str("kind", string(res.Kind))
	if res.Project != nil {
		zctx = zctx.Str("project_id", res.Project.ID)
	}
	return l.with(zctx)
}

// WithFlowID tags the logger with a flow run.
func (l *Logger) WithFlowID(flowID string) *Logger {
	return l.with(l.zlog.With().Str("flow_id", flowID))
}

// WithStep tags the logger with a creation step.
func (l *Logger) WithStep(step engine.Step) *Logger {
	return l.with(l.zlog.With().Str("step", string(step)))
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value))
}

// WithError adds the error field.
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

func (l *Logger) with(zctx zerolog.Context) *Logger {
	return &Logger{zlog: zctx.Logger()}
}

// WithContext attaches the logger to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger attached to ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NopLogger()
}

// Zerolog returns the underlying logger, as taken by the engine, adapters,
// stores and policy packages.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
