package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	logx "github.com/promptchain/server/pkg/logger"
)

type Config struct {
	Enabled     bool   `envconfig:"TELEMETRY_ENABLED" default:"false"`
	ServiceName string `envconfig:"TELEMETRY_SERVICE_NAME" default:"promptchain"`
	PrettyPrint bool   `envconfig:"TELEMETRY_PRETTY_PRINT" default:"false"`
}

// InitTracer installs a global tracer provider exporting spans to w, or stdout
// when w is nil. When telemetry is disabled the global no-op provider stays in
// place and the returned shutdown does nothing.
func InitTracer(cfg Config, w io.Writer) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	if w == nil {
		w = os.Stdout
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logx.Info().Str("service", cfg.ServiceName).Msg("OpenTelemetry initialized")
	return tp.Shutdown, nil
}
