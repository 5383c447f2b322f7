// Package telemetry installs the global OpenTelemetry providers that the
// sync engine reports its spans and counters to. Traces, metrics and logs
// are exported over one OTLP gRPC connection.
//
// Without a telemetry block in the config nothing is installed and the
// engine's instruments stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/njoerd114/datastore/internal/config"
)

// DefaultServiceName is the service.name attribute when none is configured.
const DefaultServiceName = "datastore"

// ShutdownFunc flushes pending telemetry and closes the collector
// connection. Call it with a fresh context; the main one is usually
// cancelled by then.
type ShutdownFunc func(context.Context) error

// Setup installs the providers described by cfg. A nil cfg installs nothing.
// The returned ShutdownFunc is never nil, so callers can defer it
// unconditionally.
func Setup(ctx context.Context, cfg *config.TelemetryConfig, logger *slog.Logger) (ShutdownFunc, error) {
	if cfg == nil {
		return noopShutdown, nil
	}

	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return noopShutdown, err
	}
	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var s shutdowns
	s.add("OTLP gRPC connection close", func(context.Context) error { return conn.Close() })

	tp, err := newTracerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return noopShutdown, errors.Join(err, s.run(ctx))
	}
	s.add("trace provider shutdown", tp.Shutdown)
	otel.SetTracerProvider(tp)

	mp, err := newMeterProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return noopShutdown, errors.Join(err, s.run(ctx))
	}
	s.add("metric provider shutdown", mp.Shutdown)
	otel.SetMeterProvider(mp)

	lp, err := newLoggerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return noopShutdown, errors.Join(err, s.run(ctx))
	}
	s.add("log provider shutdown", lp.Shutdown)
	global.SetLoggerProvider(lp)

	logger.Info("telemetry enabled", "endpoint", cfg.OTLPEndpoint, "service", serviceName(cfg.ServiceName))
	return s.run, nil
}

// --- helpers ---

func serviceName(name string) string {
	if name == "" {
		return DefaultServiceName
	}
	return name
}

// newResource merges the SDK defaults with service.name. NewSchemaless
// avoids a schema URL clash between the SDK's semconv and ours.
func newResource(name string) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName(name))))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func dial(cfg *config.TelemetryConfig) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// shutdowns runs its steps in reverse registration order, so providers
// flush before the shared connection closes.
type shutdowns []shutdownStep

func (s *shutdowns) add(name string, fn func(context.Context) error) {
	*s = append(*s, shutdownStep{name: name, fn: fn})
}

func (s shutdowns) run(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s[i].name, err))
		}
	}
	return errors.Join(errs...)
}

func noopShutdown(context.Context) error { return nil }
