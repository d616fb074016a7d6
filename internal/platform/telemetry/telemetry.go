// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the server. HTTP middleware records request metrics and spans; domain code
// reports export outcomes and task fetch timings through the provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "camcops"

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a gRPC collector address. Spans are still created when
	// empty but are not exported anywhere.
	OTLPEndpoint   string
	MetricsEnabled *bool // nil = use default (true)
	TracingEnabled *bool // nil = use default (true)
	Environment    string
	SampleRate     float64 // 0.0 to 1.0
	// SpanProcessor, if set, receives every span in addition to the exporter.
	SpanProcessor sdktrace.SpanProcessor
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	if c.TracingEnabled == nil {
		return true
	}
	return *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "camcops-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns the metric registry and the tracer provider.
// A nil *TelemetryProvider is valid and records nothing.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpActive     prometheus.Gauge
	dbPoolActive   prometheus.Gauge
	dbPoolIdle     prometheus.Gauge
	exportsTotal   *prometheus.CounterVec
	exportDuration *prometheus.HistogramVec
	taskFetch      *prometheus.HistogramVec
	logins         *prometheus.CounterVec
}

// NewTelemetryProvider builds the registry and tracer provider and installs
// the tracer provider globally so otel.Tracer works in every package.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig) (*TelemetryProvider, error) {
	cfg.applyDefaults()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	p := &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "active_requests",
			Help: "Requests currently being served.",
		}),
		dbPoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db", Name: "pool_acquired_connections",
			Help: "Connections currently checked out of the pool.",
		}),
		dbPoolIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db", Name: "pool_idle_connections",
			Help: "Idle connections in the pool.",
		}),
		exportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "tasks_total",
			Help: "Task exports by recipient and outcome.",
		}, []string{"recipient", "status"}),
		exportDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "export", Name: "duration_seconds",
			Help:    "Time to export one task, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"transmission"}),
		taskFetch: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "task", Name: "fetch_duration_seconds",
			Help:    "Time to fetch one task class for a collection.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	opts = append(opts, sdktrace.WithResource(res))

	if cfg.tracingOn() && cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	if cfg.SpanProcessor != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(cfg.SpanProcessor))
	}

	p.tp = sdktrace.NewTracerProvider(opts...)
	p.tracer = p.tp.Tracer("github.com/camcops/camcops")
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return p, nil
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// SetDBPool records connection pool gauges.
func (p *TelemetryProvider) SetDBPool(acquired, idle int32) {
	if p == nil {
		return
	}
	p.dbPoolActive.Set(float64(acquired))
	p.dbPoolIdle.Set(float64(idle))
}

// RecordExport counts one finished export attempt.
func (p *TelemetryProvider) RecordExport(recipient, transmission, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.exportsTotal.WithLabelValues(recipient, status).Inc()
	p.exportDuration.WithLabelValues(transmission).Observe(d.Seconds())
}

// ObserveTaskFetch records how long one task class took to load.
func (p *TelemetryProvider) ObserveTaskFetch(table string, d time.Duration) {
	if p == nil {
		return
	}
	p.taskFetch.WithLabelValues(table).Observe(d.Seconds())
}

// RecordLogin counts a login attempt; result is "success", "failure" or "locked".
func (p *TelemetryProvider) RecordLogin(result string) {
	if p == nil {
		return
	}
	p.logins.WithLabelValues(result).Inc()
}

// TracingMiddleware starts a server span per request, continuing any trace
// propagated in the request headers.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil || !p.cfg.tracingOn() {
				return next(c)
			}

			req := c.Request()
			route := routeOf(c)
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if rid, ok := c.Get("request_id").(string); ok {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request counts, latency and in-flight requests.
func (p *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil || !p.cfg.metricsOn() {
				return next(c)
			}

			p.httpActive.Inc()
			start := time.Now()

			err := next(c)

			p.httpActive.Dec()
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			route := routeOf(c)
			p.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			p.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()

			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// routeOf uses the matched route pattern so label cardinality stays bounded.
func routeOf(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return "unmatched"
}
