package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger carrying the settings it was built from. Log through the
// embedded logger (logger.Info().Msg(...)); the With* helpers return child loggers.
type Logger struct {
	zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	// bursts of patch logs from busy sessions are sampled, errors never are
	if cfg.EnableSampling {
		zlog = zlog.Sample(zerolog.LevelSampler{
			DebugSampler: sessionSampler(cfg),
			InfoSampler:  sessionSampler(cfg),
		})
	}

	return &Logger{Logger: zlog, config: cfg}, nil
}

func openLogOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return f, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

func sessionSampler(cfg LoggingConfig) zerolog.Sampler {
	return &zerolog.BurstSampler{
		Burst:       uint32(cfg.SamplingInitial),
		Period:      time.Second,
		NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
	}
}

func (l *Logger) child(zlog zerolog.Logger) *Logger {
	return &Logger{Logger: zlog, config: l.config}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(l.With().Str("component", component).Logger())
}

// WithSessionID tags log lines with an editing session.
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return l.child(l.With().Str("session_id", sessionID).Logger())
}

// WithField returns a child logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(l.With().Interface(key, value).Logger())
}

// WithFields returns a child logger with extra fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.child(l.With().Fields(fields).Logger())
}

// WithError returns a child logger that records err on every line.
func (l *Logger) WithError(err error) *Logger {
	return l.child(l.With().Err(err).Logger())
}

// Zerolog returns the plain zerolog.Logger for packages that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.Logger
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a logger that discards everything.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{Logger: zerolog.Nop()}
}
