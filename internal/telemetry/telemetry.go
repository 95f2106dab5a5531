// Package telemetry wires the OpenTelemetry meter and tracer providers used
// by speak: metrics are exposed to Prometheus, spans go to an OTLP collector
// or to stderr.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName identifies speak in exported telemetry.
const ServiceName = "speak"

// Options selects the exporters.
type Options struct {
	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables the endpoint; instruments still work.
	MetricsAddr string
	// OTLPEndpoint is a host:port collector address for spans.
	OTLPEndpoint string
	OTLPInsecure bool
	// TraceStdout writes spans to TraceWriter (stderr by default) when no
	// OTLP endpoint is configured.
	TraceStdout bool
	TraceWriter io.Writer
	Version     string
	Logger      *log.Logger
}

// Providers holds the configured providers. Shutdown flushes and stops
// everything Setup started.
type Providers struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// MetricsAddr is the bound address of the /metrics server, if any.
	MetricsAddr string

	shutdown []func(context.Context) error
}

// Setup builds the providers, installs them as the otel globals and starts
// the metrics server when requested.
func Setup(ctx context.Context, opts Options) (*Providers, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "telemetry")

	attrs := []attribute.KeyValue{semconv.ServiceName(ServiceName)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	p := &Providers{}

	tp, err := newTracerProvider(ctx, opts, res, logger)
	if err != nil {
		return nil, err
	}
	p.TracerProvider = tp
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		p.shutdown = append(p.shutdown, sdk.Shutdown)
	}

	mp, handler, err := newMeterProvider(res, logger)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	p.MeterProvider = mp
	p.shutdown = append(p.shutdown, mp.Shutdown)

	if opts.MetricsAddr != "" && handler != nil {
		stop, addr, err := serveMetrics(opts.MetricsAddr, handler, logger)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.MetricsAddr = addr
		p.shutdown = append([]func(context.Context) error{stop}, p.shutdown...)
	}

	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	return p, nil
}

// Shutdown stops the metrics server and flushes the providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, opts Options, res *resource.Resource, logger *log.Logger) (trace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(opts.OTLPEndpoint); endpoint != "" {
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if opts.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
		logger.Debug("Tracing initialized", "exporter", "otlp", "endpoint", endpoint)
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	}

	if opts.TraceStdout {
		w := opts.TraceWriter
		if w == nil {
			w = os.Stderr
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		logger.Debug("Tracing initialized", "exporter", "stdout")
		return sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exporter),
			sdktrace.WithResource(res),
		), nil
	}

	return noop.NewTracerProvider(), nil
}

func newMeterProvider(res *resource.Resource, logger *log.Logger) (*sdkmetric.MeterProvider, http.Handler, error) {
	// A private registry keeps repeated Setup calls from colliding.
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		logger.Warn("Prometheus exporter unavailable", "error", err)
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil, nil
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func serveMetrics(addr string, handler http.Handler, logger *log.Logger) (func(context.Context) error, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	logger.Debug("Serving metrics", "addr", ln.Addr().String())

	return srv.Shutdown, ln.Addr().String(), nil
}
