// Package logging carries a per-request logging context that collects
// errors and extra key-values while a device request is processed, and
// emits a single log line once the request is done.
package logging

import (
	"context"
	"strings"
	"sync"
	"time"

	kithttp "github.com/go-kit/kit/transport/http"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/trace"
)

type key int

const loggingKey key = 0

// NewContext creates a new context.Context with a LoggingContext.
func NewContext(ctx context.Context, l *LoggingContext) context.Context {
	return context.WithValue(ctx, loggingKey, l)
}

// FromContext returns a pointer to the LoggingContext.
func FromContext(ctx context.Context) (*LoggingContext, bool) {
	v, ok := ctx.Value(loggingKey).(*LoggingContext)
	return v, ok
}

// WithStartTime returns a context with logging.StartTime marked as the current time
func WithStartTime(ctx context.Context) context.Context {
	if logCtx, ok := FromContext(ctx); ok {
		logCtx.setStartTime()
	}
	return ctx
}

// WithErr returns a context with logging.Err set as the error provided
func WithErr(ctx context.Context, err ...error) context.Context {
	if logCtx, ok := FromContext(ctx); ok {
		logCtx.setErrs(err...)
	}
	return ctx
}

// WithExtras returns a context with logging.Extras set as the values provided
func WithExtras(ctx context.Context, extras ...interface{}) context.Context {
	if logCtx, ok := FromContext(ctx); ok {
		logCtx.setExtras(extras...)
	}
	return ctx
}

// WithLevel forces a log level for the current request.
func WithLevel(ctx context.Context, level func(kitlog.Logger) kitlog.Logger) context.Context {
	if logCtx, ok := FromContext(ctx); ok {
		logCtx.setForceLevel(level)
	}
	return ctx
}

// LoggingContext contains the context information for logging the current request
type LoggingContext struct {
	l sync.Mutex

	StartTime  time.Time
	Errs       []error
	Extras     []interface{}
	ForceLevel func(kitlog.Logger) kitlog.Logger
}

func (l *LoggingContext) setStartTime() {
	l.l.Lock()
	defer l.l.Unlock()
	l.StartTime = time.Now()
}

func (l *LoggingContext) setErrs(err ...error) {
	l.l.Lock()
	defer l.l.Unlock()
	for _, e := range err {
		if e != nil {
			l.Errs = append(l.Errs, e)
		}
	}
}

func (l *LoggingContext) setExtras(extras ...interface{}) {
	l.l.Lock()
	defer l.l.Unlock()
	l.Extras = append(l.Extras, extras...)
}

func (l *LoggingContext) setForceLevel(level func(kitlog.Logger) kitlog.Logger) {
	l.l.Lock()
	defer l.l.Unlock()
	l.ForceLevel = level
}

// Log logs the data within the context
func (l *LoggingContext) Log(ctx context.Context, logger kitlog.Logger) {
	l.l.Lock()
	defer l.l.Unlock()

	logger = NewTraceLogger(&ctx, logger)

	switch {
	case l.ForceLevel != nil:
		logger = l.ForceLevel(logger)
	case len(l.Errs) > 0:
		logger = level.Info(logger)
	default:
		logger = level.Debug(logger)
	}

	var keyvals []interface{}
	if method, ok := ctx.Value(kithttp.ContextKeyRequestMethod).(string); ok {
		keyvals = append(keyvals, "method", method)
	}
	if uri, ok := ctx.Value(kithttp.ContextKeyRequestURI).(string); ok {
		keyvals = append(keyvals, "uri", uri)
	}
	if !l.StartTime.IsZero() {
		keyvals = append(keyvals, "took", time.Since(l.StartTime))
	}

	if len(l.Errs) > 0 {
		var errs []string
		for _, e := range l.Errs {
			errs = append(errs, e.Error())
		}
		keyvals = append(keyvals, "err", strings.Join(errs, " || "))
	}

	if len(l.Extras) > 0 {
		keyvals = append(keyvals, l.Extras...)
	}

	_ = logger.Log(keyvals...)
}

// TraceLogger wraps a go-kit logger to inject the OTEL trace_id and span_id
// of the request into every log call. It reads the context through a pointer
// on each Log call, so it picks up child spans started after its creation.
type TraceLogger struct {
	ctx    *context.Context
	logger kitlog.Logger
}

// NewTraceLogger creates a logger that injects trace_id and span_id from the
// OTEL trace context, if there is one.
func NewTraceLogger(ctx *context.Context, logger kitlog.Logger) *TraceLogger {
	return &TraceLogger{ctx: ctx, logger: logger}
}

// Log implements kitlog.Logger.
func (t *TraceLogger) Log(keyvals ...any) error {
	if spanCtx := trace.SpanContextFromContext(*t.ctx); spanCtx.IsValid() {
		keyvals = append(keyvals, "trace_id", spanCtx.TraceID().String(), "span_id", spanCtx.SpanID().String())
	}
	return t.logger.Log(keyvals...)
}
