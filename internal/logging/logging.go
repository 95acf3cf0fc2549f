// Package logging provides the daemon's zap logger, request scoped loggers
// and the HTTP access log.
package logging

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

var (
	mu           sync.RWMutex
	globalLogger *zap.Logger
	// callerLogger skips the frame of the package level helpers.
	callerLogger *zap.Logger
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init initializes the global logger.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	globalLevel.SetLevel(level)
	config.Level = globalLevel
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Set(logger)
	return nil
}

// Set replaces the global logger.
func Set(l *zap.Logger) {
	mu.Lock()
	setLocked(l)
	mu.Unlock()
}

func setLocked(l *zap.Logger) {
	globalLogger = l
	callerLogger = nil
	if l != nil {
		callerLogger = l.WithOptions(zap.AddCallerSkip(1))
	}
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

// LevelHandler serves and changes the global level over HTTP: GET returns
// {"level":"info"}, PUT with the same body changes it.
func LevelHandler() http.Handler { return globalLevel }

// L returns the global logger, a production logger until Init is called.
func L() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		cfg := zap.NewProductionConfig()
		cfg.Level = globalLevel
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		setLocked(l)
	}
	return globalLogger
}

func caller() *zap.Logger {
	mu.RLock()
	l := callerLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	L()
	mu.RLock()
	defer mu.RUnlock()
	return callerLogger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named returns the global logger for a component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// WithContext returns the request logger stored in ctx, or the global
// logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// WithRequestID stores the request ID and a logger carrying it in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	logger := WithContext(ctx).With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, loggerKey, logger)
}

// GetRequestID returns the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func Debug(msg string, fields ...zap.Field) { caller().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { caller().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { caller().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { caller().Error(msg, fields...) }

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) { caller().Fatal(msg, fields...) }

var requestIDCounter atomic.Uint64

func generateRequestID() string {
	return fmt.Sprintf("%s-%06d", time.Now().UTC().Format("20060102T150405"), requestIDCounter.Add(1))
}

// responseWriter records status and size. It keeps Flush working so event
// streams pass through the access log.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware logs every request and tags it with a request ID, taken from
// X-Request-ID when the client sends one.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		logger := WithContext(ctx)
		logger.Debug("request started",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		next.ServeHTTP(rw, r)

		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// URI is the field used for file URIs. Pass friendly URIs only; an empty
// uri is skipped.
func URI(uri string) zap.Field {
	if uri == "" {
		return zap.Skip()
	}
	return zap.String("uri", uri)
}

// Scheme is the field used for URI schemes.
func Scheme(scheme string) zap.Field {
	return zap.String("scheme", scheme)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}
