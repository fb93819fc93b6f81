package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultOTLPEndpoint   = "localhost:4317"
	defaultExportInterval = 15 * time.Second
	exporterTimeout       = 10 * time.Second
)

// Config selects where spans and metrics of a sync session are exported
type Config struct {
	ServiceName    string
	ServiceVersion string
	SessionID      string
	Environment    string
	OTLPEndpoint   string
	// SampleRatio is the share of root spans kept, in [0, 1]
	SampleRatio    float64
	ExportInterval time.Duration
	Enabled        bool
}

// NewConfig reads OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_TRACES_SAMPLER_ARG, OTEL_METRIC_EXPORT_INTERVAL (milliseconds) and
// ENVIRONMENT. Exporting is off unless OTEL_ENABLED is set.
func NewConfig(serviceName, serviceVersion, sessionID string) Config {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		SessionID:      sessionID,
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLPEndpoint),
		SampleRatio:    1,
		ExportInterval: defaultExportInterval,
	}

	if enabled, err := strconv.ParseBool(os.Getenv("OTEL_ENABLED")); err == nil {
		cfg.Enabled = enabled
	}
	if ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
		cfg.SampleRatio = min(max(ratio, 0), 1)
	}
	if ms, err := strconv.Atoi(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); err == nil && ms > 0 {
		cfg.ExportInterval = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Telemetry owns the exporters installed as the global otel providers
type Telemetry struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
}

// Initialize installs the OTLP trace and metric providers. A provider
// whose exporter cannot be created is skipped; an error is returned only
// when neither could be set up.
func Initialize(ctx context.Context, cfg Config) (*Telemetry, error) {
	logger := GetLogger().WithField("component", "telemetry")
	if !cfg.Enabled {
		logger.Debug("Telemetry disabled")
		return &Telemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("coursesync.session", cfg.SessionID),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &Telemetry{}
	var setupErrs []error

	if t.tracer, err = newTracerProvider(ctx, cfg, res); err != nil {
		setupErrs = append(setupErrs, fmt.Errorf("trace exporter: %w", err))
	} else {
		otel.SetTracerProvider(t.tracer)
	}

	if t.meter, err = newMeterProvider(ctx, cfg, res); err != nil {
		setupErrs = append(setupErrs, fmt.Errorf("metric exporter: %w", err))
	} else {
		otel.SetMeterProvider(t.meter)
	}

	if t.tracer == nil && t.meter == nil {
		return nil, errors.Join(setupErrs...)
	}
	for _, err := range setupErrs {
		logger.WithError(err).Warn("Telemetry partially unavailable")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithFields(map[string]interface{}{
		"endpoint":     cfg.OTLPEndpoint,
		"sample_ratio": cfg.SampleRatio,
	}).Info("Telemetry exporting")
	return t, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exporterTimeout),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exporterTimeout),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)), nil
}

// Enabled reports whether at least one exporter is installed
func (t *Telemetry) Enabled() bool {
	return t != nil && (t.tracer != nil || t.meter != nil)
}

// Shutdown flushes and stops the providers. Metrics go first so the
// counters of the last sync session are exported.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}

	var errs []error
	if t.meter != nil {
		errs = append(errs, t.meter.Shutdown(ctx))
	}
	if t.tracer != nil {
		errs = append(errs, t.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
