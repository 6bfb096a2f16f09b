package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans and instruments produced by the ledger.
const InstrumentationName = "thunderfuel/rewards"

const (
	defaultEndpoint = "localhost:4318"

	// Resource attributes identifying which ledger produced the telemetry.
	NetworkKey    = attribute.Key("thunderfuel.network")
	LedgerRootKey = attribute.Key("thunderfuel.ledger_root")
	BackendKey    = attribute.Key("thunderfuel.storage_backend")
)

// Config captures the knobs for wiring OpenTelemetry exporters.
//
// Endpoint is either host:port or a full http(s) URL. An http URL implies an
// insecure connection.
type Config struct {
	ServiceName string
	Environment string
	Network     string
	LedgerRoot  string
	Backend     string
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	Metrics     bool
	Traces      bool
	// SampleRatio is the fraction of root operations traced. Zero traces all.
	SampleRatio float64
}

// Tracer returns the ledger tracer from the global provider. Before Init runs
// the global provider is a no-op, so spans cost nothing.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Init configures the global OpenTelemetry providers and returns their
// shutdown function. With both signals disabled Init only installs the
// propagator. If one exporter fails to start, providers already created are
// shut down before the error is returned.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name required for telemetry")
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("telemetry sample ratio %v outside [0, 1]", cfg.SampleRatio)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.Traces {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}
	if cfg.Metrics {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return shutdown, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	if cfg.Network != "" {
		attrs = append(attrs, NetworkKey.String(cfg.Network))
	}
	if cfg.LedgerRoot != "" {
		attrs = append(attrs, LedgerRootKey.String(cfg.LedgerRoot))
	}
	if cfg.Backend != "" {
		attrs = append(attrs, BackendKey.String(cfg.Backend))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	target, isURL, insecure := exporterTarget(cfg)
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target)}
	if isURL {
		opts = []otlptracehttp.Option{otlptracehttp.WithEndpointURL(target)}
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(2*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	target, isURL, insecure := exporterTarget(cfg)
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target)}
	if isURL {
		opts = []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(target)}
	}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	), nil
}

// exporterTarget resolves the configured endpoint. isURL reports whether
// target carries a scheme and path.
func exporterTarget(cfg Config) (target string, isURL, insecure bool) {
	target = strings.TrimSpace(cfg.Endpoint)
	if target == "" {
		target = defaultEndpoint
	}
	switch {
	case strings.HasPrefix(target, "http://"):
		return target, true, true
	case strings.HasPrefix(target, "https://"):
		return target, true, cfg.Insecure
	default:
		return target, false, cfg.Insecure
	}
}

// sampler traces every operation unless a ratio is set. Child spans follow
// their parent's decision.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// ParseHeaders converts a comma-separated header string (key=value,foo=bar)
// into exporter headers. Malformed pairs are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
