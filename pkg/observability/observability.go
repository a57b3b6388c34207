// Package observability wires OpenTelemetry tracing and metrics and the
// process logger for paycore services.
//
// Traces and metrics export over OTLP gRPC. Request handling follows the
// RED pattern (rate, errors, duration) through TrackOperation.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const instrumentationName = "paycore"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string        `mapstructure:"service_version" yaml:"service_version"`
	Environment    string        `mapstructure:"environment" yaml:"environment"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"` // host:port, gRPC
	SampleRate     float64       `mapstructure:"sample_rate" yaml:"sample_rate"`     // 0.0 to 1.0
	BatchTimeout   time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Insecure       bool          `mapstructure:"insecure" yaml:"insecure"` // dev only
	CertFile       string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile        string        `mapstructure:"key_file" yaml:"key_file"`
	CAFile         string        `mapstructure:"ca_file" yaml:"ca_file"`
}

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "paycore",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages the trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New creates a provider. When config.Enabled is false nothing is exported
// but RED instruments still record against the global (no-op) meter.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewSchemaless(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		creds, err := p.transportCredentials()
		if err != nil {
			return nil, err
		}
		if err := p.initTraceProvider(ctx, res, creds); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res, creds); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"enabled", config.Enabled,
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// transportCredentials builds TLS credentials from the configured files.
// It returns nil when the exporters should use an insecure connection.
func (p *Provider) transportCredentials() (credentials.TransportCredentials, error) {
	if p.config.Insecure {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.config.CAFile != "" {
		pem, err := os.ReadFile(p.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", p.config.CAFile)
		}
		cfg.RootCAs = pool
	}
	if p.config.CertFile != "" || p.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.CertFile, p.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler(p.config.SampleRate)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("paycore.requests.total",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("paycore.errors.total",
		metric.WithDescription("Total number of failed requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("paycore.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("paycore.operations.active",
		metric.WithDescription("Number of in-flight requests"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation starts a span and the RED bookkeeping for one operation.
// Call the returned function exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	p.activeOperations.Add(ctx, 1, set)
	p.requestCounter.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, set)
		p.durationHist.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrErrorCode.String(errorCode(err)))...))
		}
		span.End()
	}
}
