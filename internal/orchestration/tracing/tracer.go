// Package tracing wires OpenTelemetry through the orchestrator so a session
// can be reconstructed span by span: spawn, routing, step transitions,
// checkpoints, cleanup.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName identifies the orchestrator in exported traces.
const DefaultServiceName = "swarm-orchestrator"

// Exporter backends.
const (
	ExporterNone   = "none"
	ExporterFile   = "file"
	ExporterStdout = "stdout"
)

// Config configures the tracing subsystem.
type Config struct {
	// Enabled controls whether tracing is active. When false every span is
	// a no-op.
	Enabled bool

	// Exporter selects the export backend: "none", "file", or "stdout".
	Exporter string

	// FilePath is the JSONL output for the "file" exporter, typically
	// ./.swarm/traces.jsonl.
	FilePath string

	// SampleRate is the fraction of traces to keep. <= 0 means sample all.
	SampleRate float64

	// ServiceName overrides the service.name resource attribute.
	ServiceName string
}

// DefaultConfig returns the development defaults: disabled, file exporter.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    ExporterFile,
		SampleRate:  1.0,
		ServiceName: DefaultServiceName,
	}
}

// Provider owns the tracer provider lifecycle. A disabled provider hands out
// no-op tracers with zero overhead.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewProvider builds a provider from config and installs it globally.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracer:  noop.NewTracerProvider().Tracer("noop"),
			enabled: false,
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case ExporterFile:
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file exporter needs a file path")
		}
		exporter, err = NewFileExporter(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create file exporter: %w", err)
		}
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case ExporterNone, "":
		// Spans are still created for internal correlation, nothing leaves
		// the process.
	default:
		return nil, fmt.Errorf("unsupported exporter %q", cfg.Exporter)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	// NewSchemaless avoids schema version conflicts with resource.Default.
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Provider{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		enabled:  true,
	}, nil
}

// Tracer returns the tracer for creating spans. Safe to use even when
// tracing is disabled.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Enabled reports whether spans are actually recorded.
func (p *Provider) Enabled() bool { return p.enabled }

// Shutdown flushes pending spans. Call on orchestrator shutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}
