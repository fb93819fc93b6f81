package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/coursesync/server/observability"

// HTTPMetrics instruments the sync API and the progress WebSocket
type HTTPMetrics struct {
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	liveSockets metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the instruments on the global meter provider
func NewHTTPMetrics() (*HTTPMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &HTTPMetrics{}

	var err, e error
	m.requests, e = meter.Int64Counter("coursesync.http.requests",
		metric.WithDescription("Sync API requests by route and status"),
		metric.WithUnit("{requests}"))
	err = errors.Join(err, e)
	m.duration, e = meter.Float64Histogram("coursesync.http.duration",
		metric.WithDescription("Sync API request latency"),
		metric.WithUnit("s"))
	err = errors.Join(err, e)
	m.liveSockets, e = meter.Int64UpDownCounter("coursesync.ws.connections",
		metric.WithDescription("Open progress WebSocket connections"),
		metric.WithUnit("{connections}"))
	err = errors.Join(err, e)

	if err != nil {
		return nil, err
	}
	return m, nil
}

// statusRecorder remembers the response status and whether the
// connection was taken over by a WebSocket upgrade
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		rec.hijacked = true
		rec.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// TracingMiddleware opens a server span per request, named after the chi
// route. A WebSocket span covers the whole connection.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	tracer := otel.Tracer(instrumentationName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("service.name", serviceName),
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.request_id", chimw.GetReqID(r.Context())),
				),
			)
			defer span.End()
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := record(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.status_code", rec.status),
				attribute.Bool("websocket", rec.hijacked),
			)
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

// MetricsMiddleware counts requests and their latency. Upgraded requests
// are counted as open connections until the socket closes.
func MetricsMiddleware(metrics *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := record(w)
			upgrade := r.Header.Get("Upgrade") != ""
			if upgrade {
				metrics.liveSockets.Add(r.Context(), 1)
				defer metrics.liveSockets.Add(r.Context(), -1)
			}

			next.ServeHTTP(rec, r)

			attrs := metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", routePattern(r)),
				attribute.Int("http.status_code", rec.status),
			)
			metrics.requests.Add(r.Context(), 1, attrs)
			if !rec.hijacked {
				metrics.duration.Record(r.Context(), time.Since(start).Seconds(), attrs)
			}
		})
	}
}

// routePattern returns the matched chi pattern rather than the raw path
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
