package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const traceKey = "trace_id"

// NewLogger returns a JSON logger for production and a text logger otherwise.
// An unparsable level falls back to info.
func NewLogger(env, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if env == "prod" || env == "production" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Discard returns a logger that writes nowhere.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// WithTrace tags log with the trace id of the span in ctx, when there is one.
func WithTrace(ctx context.Context, log logrus.FieldLogger) logrus.FieldLogger {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return log.WithField(traceKey, sc.TraceID().String())
	}
	return log
}
