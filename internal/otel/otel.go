// Package otel wires OpenTelemetry tracing and metrics for the ranking engine.
// A disabled config yields no-op providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	ScopeName          = "github.com/basket/stratrank"
	DefaultServiceName = "stratrank"
)

// Config is the otel section of config.yaml.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter selects where spans go: otlp-http (default), stdout or none.
	Exporter string `yaml:"exporter"`
	// Endpoint is host:port (plain HTTP) or a full URL. Empty defers to the
	// OTEL_EXPORTER_OTLP_ENDPOINT environment variable.
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	// MetricsEnabled turns the metric instruments on. Defaults to on.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

// Identity describes the running binary. It becomes the trace resource, so a
// span can be traced back to the build and configuration that produced it.
type Identity struct {
	Version           string
	ConfigFingerprint string
}

// Provider holds the tracer and meter handed to the engine components.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	reader    *sdkmetric.ManualReader
	shutdowns []func(context.Context) error
}

// Init builds the providers for cfg. The result must be Shutdown on exit.
func Init(ctx context.Context, cfg Config, id Identity) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
			MeterProvider: mp,
			Meter:         mp.Meter(ScopeName),
		}, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	res, err := newResource(ctx, cfg, id)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)
	otel.SetTracerProvider(tp)
	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(ScopeName, trace.WithInstrumentationVersion(id.Version)),
		shutdowns:      []func(context.Context) error{tp.Shutdown},
	}

	if cfg.MetricsEnabled != nil && !*cfg.MetricsEnabled {
		p.MeterProvider = noop.NewMeterProvider()
	} else {
		// Readings are pulled with Collect; nothing is pushed.
		p.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(p.reader))
		p.MeterProvider = mp
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}
	p.Meter = p.MeterProvider.Meter(ScopeName, metric.WithInstrumentationVersion(id.Version))
	return p, nil
}

// Collect returns the current metric readings. It fails when metrics are
// disabled.
func (p *Provider) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if p.reader == nil {
		return rm, errors.New("otel: metrics are disabled")
	}
	err := p.reader.Collect(ctx, &rm)
	return rm, err
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		errs = append(errs, fn(ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg Config, id Identity) (*resource.Resource, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceInstanceID(instanceID()),
	}
	if id.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(id.Version))
	}
	if id.ConfigFingerprint != "" {
		attrs = append(attrs, AttrConfigFingerprint.String(id.ConfigFingerprint))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "otlp", "otlp-http", "otlphttp":
		return otlptracehttp.New(ctx, otlpOptions(cfg)...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// otlpOptions maps the endpoint setting onto exporter options. A bare
// host:port is a local collector over plain HTTP; a URL decides its own
// transport security.
func otlpOptions(cfg Config) []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	switch ep := strings.TrimSpace(cfg.Endpoint); {
	case ep == "":
	case strings.Contains(ep, "://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(ep))
	default:
		opts = append(opts, otlptracehttp.WithEndpoint(ep), otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts
}

func sampleRate(r float64) float64 {
	switch {
	case r <= 0:
		return 1
	case r > 1:
		return 1
	}
	return r
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
