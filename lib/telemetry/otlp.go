package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceNamespace = "gymops"

// Endpoint is one OTLP collector. Grpc wins when both are set.
type Endpoint struct {
	Grpc    string            `json:"grpc_endpoint"`
	Http    string            `json:"http_endpoint"`
	Headers map[string]string `json:"headers"`
}

func (e Endpoint) protocol() string {
	if e.Grpc != "" {
		return "grpc"
	}
	return "http"
}

func (e Endpoint) url() string {
	if e.Grpc != "" {
		return e.Grpc
	}
	return e.Http
}

type OtlpConfig struct {
	Traces  Endpoint `json:"traces"`
	Metrics Endpoint `json:"metrics"`
}

// Config is the shape of telemetry.json5.
type Config struct {
	Otlp OtlpConfig `json:"otlp"`
	// Deployment names the portal deployment the process talks to, such as
	// "production" or "staging". It becomes deployment.environment.
	Deployment string `json:"deployment"`
	// Club tags every span and metric with the club the staff account
	// belongs to, for collectors shared between clubs.
	Club string `json:"club"`
	// MetricIntervalSeconds defaults to 5. Batch runs are short, a long
	// interval loses their counters.
	MetricIntervalSeconds int `json:"metric_interval_seconds"`
}

func (c Config) metricInterval() time.Duration {
	if c.MetricIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MetricIntervalSeconds) * time.Second
}

// newResource identifies one run of a gymops binary. Every run gets its own
// instance id so concurrent batch runs can be told apart.
func newResource(serviceName string, c Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNamespace(serviceNamespace),
		semconv.ServiceName(serviceName),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if c.Deployment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(c.Deployment))
	}
	if c.Club != "" {
		attrs = append(attrs, attribute.String("gymops.club", c.Club))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
}

func logExporter(signal string, e Endpoint) {
	slog.Info(
		"otlp exporter initialized",
		"signal", signal,
		"type", e.protocol(),
		"endpoint", e.url(),
		"headers", len(e.Headers) > 0,
	)
}

func newTraceProvider(ctx context.Context, r *resource.Resource, c Config) (*trace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	e := c.Otlp.Traces
	logExporter("traces", e)

	var exporter trace.SpanExporter
	var err error
	switch e.protocol() {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpointURL(e.Grpc),
			otlptracegrpc.WithHeaders(e.Headers),
		)
	default:
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(e.Http),
			otlptracehttp.WithHeaders(e.Headers),
		)
	}
	if err != nil {
		return nil, err
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(r),
	), nil
}

func newMetricProvider(ctx context.Context, r *resource.Resource, c Config) (*metric.MeterProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	e := c.Otlp.Metrics
	logExporter("metrics", e)

	var exporter metric.Exporter
	var err error
	switch e.protocol() {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpointURL(e.Grpc),
			otlpmetricgrpc.WithHeaders(e.Headers),
		)
	default:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpointURL(e.Http),
			otlpmetrichttp.WithHeaders(e.Headers),
		)
	}
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(c.metricInterval()))),
		metric.WithResource(r),
	), nil
}
