// Package logging is the process-wide zap logger and the field helpers used
// across portalsfs.
package logging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

var (
	global       atomic.Pointer[zap.Logger]
	fallback     *zap.Logger
	fallbackOnce sync.Once
	level        = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config selects the level, encoding and destination of log output.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stderr when empty
}

// Init builds the global logger. An unknown level falls back to info.
func Init(cfg Config) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(cfg.Level)); err != nil {
		l = zapcore.InfoLevel
	}
	level.SetLevel(l)

	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	// stdout carries command output
	zc.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}
	global.Store(logger.Named("portalsfs"))
	return nil
}

// SetLogger replaces the global logger. Tests use it with zap.NewNop or an
// observer core.
func SetLogger(l *zap.Logger) {
	global.Store(l)
}

// Sync flushes buffered entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the global logger, building a production one on first use.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	fallbackOnce.Do(func() {
		fallback, _ = zap.NewProduction(zap.AddCallerSkip(1))
		global.CompareAndSwap(nil, fallback)
	})
	if l := global.Load(); l != nil {
		return l
	}
	return fallback
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// WithContext returns the logger carried by ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// WithFields returns a context whose logger carries fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, loggerKey{}, WithContext(ctx).With(fields...))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

func String(key, val string) zap.Field                { return zap.String(key, val) }
func Int(key string, val int) zap.Field               { return zap.Int(key, val) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func Err(err error) zap.Field                         { return zap.Error(err) }

// Path is a virtual filesystem path.
func Path(p string) zap.Field { return zap.String("path", p) }

// Entity is a schema entity type name.
func Entity(name string) zap.Field { return zap.String("entity", name) }

// URL is a Dataverse request URL.
func URL(u string) zap.Field { return zap.String("url", u) }

// Status is an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }
