// Package observe wires structured logging and tracing spans.
package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tiered-memory")

// Observer handles logging and tracing.
type Observer struct {
	log *bolt.Logger
}

// New creates an Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	l := bolt.New(bolt.NewConsoleHandler(out))
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// NewJSON creates an Observer with JSON output.
func NewJSON(out io.Writer, verbose bool) *Observer {
	l := bolt.New(bolt.NewJSONHandler(out))
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// FromConfig picks the handler by format ("json" or "console") and enables
// info-level output for levels "debug" and "info".
func FromConfig(out io.Writer, level, format string) *Observer {
	verbose := level == "debug" || level == "info"
	if format == "json" {
		return NewJSON(out, verbose)
	}
	return New(out, verbose)
}

// Discard returns an Observer that writes nowhere.
func Discard() *Observer {
	return New(io.Discard, false)
}

// Log returns the underlying logger.
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span.
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// Close flushes nothing today; bolt handlers write synchronously.
func (o *Observer) Close() error {
	return nil
}
