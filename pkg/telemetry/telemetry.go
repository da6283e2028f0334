package telemetry

import (
	"context"

	"treefuzz/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	GetLogger() log.Logger
}

type TelemetryImpl struct {
	tracer trace.Tracer
	logger log.Logger
}

type TelemetryParams struct {
	fx.In
	Lifecyle fx.Lifecycle
	Config   *config.AppConfig
}

// NewTelemetry returns nil when no collector endpoint is configured. The exporters read the
// endpoint from the standard OTEL_EXPORTER_OTLP_* environment.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if !p.Config.TelemetryEnabled() {
		return nil, nil
	}
	telemetryCtx, cancel := context.WithCancel(context.Background())

	// --- Tracing Setup ---
	tracerExp, err := otlptracegrpc.New(telemetryCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(tracerExp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			attribute.String("service.name", p.Config.ServiceName),
		)),
	)
	otel.SetTracerProvider(traceProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// --- Logging Setup ---
	// the log exporter is optional, traces still work without it
	logExp, err := otlploggrpc.New(telemetryCtx)
	var logProvider *sdklog.LoggerProvider
	var logger log.Logger
	if err == nil {
		logProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)))
		logger = logProvider.Logger(p.Config.ServiceName)
	}

	p.Lifecyle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			traceProvider.Shutdown(ctx)
			if logProvider != nil {
				logProvider.Shutdown(ctx)
			}
			return nil
		},
	})

	return New(traceProvider.Tracer(p.Config.ServiceName), logger), nil
}

func New(tracer trace.Tracer, logger log.Logger) *TelemetryImpl {
	return &TelemetryImpl{tracer, logger}
}

func (t *TelemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}

func (t *TelemetryImpl) GetLogger() log.Logger {
	return t.logger
}
