// Package observability installs the process-wide logger.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatOTel = "otel"
)

const serviceName = "keysync"

// Instrument sets the default slog logger for the given level and format and
// returns a function that flushes buffered records on shutdown.
//
// The otel format hands records to the OpenTelemetry log SDK. They are
// exported over OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT or
// OTEL_EXPORTER_OTLP_LOGS_ENDPOINT is set and written to stdout otherwise.
func Instrument(ctx context.Context, level slog.Level, format string) (func(context.Context) error, error) {
	return instrument(ctx, level, format, os.Stderr)
}

func instrument(ctx context.Context, level slog.Level, format string, w io.Writer) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch format {
	case FormatText, "":
		slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
		return noop, nil
	case FormatJSON:
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
		return noop, nil
	case FormatOTel:
		return instrumentOTel(ctx, level, w)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func instrumentOTel(ctx context.Context, level slog.Level, w io.Writer) (func(context.Context) error, error) {
	exporter, err := newExporter(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(level))
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(processor),
	)
	global.SetLoggerProvider(lp)

	slog.SetDefault(slog.New(otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(lp))))

	return func(ctx context.Context) error {
		return errors.Join(lp.ForceFlush(ctx), lp.Shutdown(ctx))
	}, nil
}

func newExporter(ctx context.Context, w io.Writer) (sdklog.Exporter, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" || os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") != "" {
		// Endpoint, headers and TLS come from the standard OTEL_* variables.
		return otlploghttp.New(ctx)
	}
	return stdoutlog.New(stdoutlog.WithWriter(w))
}

// severity maps a slog level to the minimum severity passed to the exporter.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
