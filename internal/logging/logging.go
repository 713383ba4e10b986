// Package logging configures the process logger and the HTTP request log.
package logging

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// loggers pairs the configured logger with a copy whose caller annotation
// skips the package-level helpers.
type loggers struct {
	base   *zap.Logger
	helper *zap.Logger
}

var current atomic.Pointer[loggers]

func init() {
	use(zap.NewNop())
}

func use(l *zap.Logger) {
	current.Store(&loggers{base: l, helper: l.WithOptions(zap.AddCallerSkip(1))})
}

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error; anything else means info
	Format     string // json or console
	OutputPath string // stdout, stderr or a file path
}

// Init replaces the process logger. Until it is called nothing is logged.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	l, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	use(l)
	return nil
}

// Sync flushes buffered entries.
func Sync() error {
	return current.Load().base.Sync()
}

// Named returns a component logger. Loggers taken before Init keep
// discarding.
func Named(name string) *zap.Logger {
	return current.Load().base.Named(name)
}

// WithContext returns the request logger stored by Middleware, or the
// process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return current.Load().base
}

func Debug(msg string, fields ...zap.Field) { current.Load().helper.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { current.Load().helper.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { current.Load().helper.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { current.Load().helper.Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { current.Load().helper.Fatal(msg, fields...) }

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Middleware tags each request with an id, exposes a logger carrying it
// through WithContext and logs one line when the request completes. Server
// errors are logged at warn level.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := WithContext(r.Context()).With(zap.String("request_id", id))
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, logger))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		// The mux records the matched pattern on r.
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", r.Pattern),
			zap.Int("status", rec.status),
			zap.Int64("size", rec.size),
			zap.Duration("duration", time.Since(start)),
		}
		if rec.status >= http.StatusInternalServerError {
			logger.Warn("request failed", fields...)
			return
		}
		logger.Info("request completed", fields...)
	})
}
