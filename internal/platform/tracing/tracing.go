// Package tracing installs the OpenTelemetry tracer provider and an echo
// middleware that opens a server span per request.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pediclinic/clinic/internal/platform/tracing"

// Options configures Init.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Output is "stdout", "stderr" or a file path for the stdout exporter.
	Output string
}

// Shutdown flushes and stops the provider installed by Init.
type Shutdown func(context.Context) error

// Init installs a global tracer provider exporting spans as JSON through the
// stdout exporter and registers the W3C trace-context propagator.
func Init(opts Options) (Shutdown, error) {
	w, closeOut, err := openOutput(opts.Output)
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		closeOut()
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp, err := NewProvider(opts, exporter)
	if err != nil {
		closeOut()
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		defer closeOut()
		return tp.Shutdown(ctx)
	}, nil
}

// NewProvider builds a provider that batches spans into exporter.
func NewProvider(opts Options, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", opts.ServiceName),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func openOutput(output string) (io.Writer, func(), error) {
	switch output {
	case "", "stdout":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// Middleware starts a server span for each request, continuing any trace
// named in the incoming headers. Spans are named after the matched route.
func Middleware(tp trace.TracerProvider) echo.MiddlewareFunc {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(instrumentationName)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if tid, ok := c.Get("tenant_id").(string); ok {
				span.SetAttributes(attribute.String("clinic.subdomain", tid))
			}
			SetStatusFromHTTPCode(span, status)
			if err != nil && status >= 500 {
				span.RecordError(err)
			}
			return err
		}
	}
}

// SetStatusFromHTTPCode marks 5xx responses as errors. 4xx are the caller's
// fault and leave the server span unset.
func SetStatusFromHTTPCode(span trace.Span, code int) {
	switch {
	case code >= 500:
		span.SetStatus(codes.Error, "server error")
	case code >= 100 && code < 400:
		span.SetStatus(codes.Ok, "")
	}
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
