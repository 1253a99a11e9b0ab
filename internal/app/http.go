package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Routes are the handlers served by the process.
type Routes struct {
	// Metrics serves /metrics.
	Metrics http.Handler
	// Health serves /livez, /readyz and /healthz.
	Health http.Handler
	// API is mounted under /v1 when set.
	API http.Handler
}

// NewHTTPHandler wires metrics, health and the /v1 job and alert API on one
// router. API requests get a request id, panic recovery and an access log.
func NewHTTPHandler(routes Routes, logger ...*zap.Logger) http.Handler {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}

	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", routes.Metrics))
	for _, probe := range []string{"livez", "readyz", "healthz"} {
		router.Handle("/"+probe, wrapHTTPHandler(traceMode, probe, routes.Health))
	}
	if routes.API != nil {
		router.Route("/v1", func(api chi.Router) {
			api.Use(middleware.RequestID)
			api.Use(accessLog(log))
			api.Use(middleware.Recoverer)
			api.Mount("/", routes.API)
		})
	}
	return router
}

// accessLog logs one line per API request. Server errors log at warn.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			recorder := &statusCapturingResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", routePattern(r)),
				zap.Int("status", recorder.status),
				zap.Duration("elapsed", time.Since(started)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if recorder.status >= http.StatusInternalServerError {
				logger.Warn("api request failed", fields...)
				return
			}
			logger.Info("api request", fields...)
		})
	}
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("reach-monitor/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(
			attribute.Int("http.status_code", recorder.status),
			attribute.String("http.route", routePattern(r)),
		)
		if requestID := middleware.GetReqID(ctx); requestID != "" {
			span.SetAttributes(attribute.String("http.request_id", requestID))
		}
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "")
	})
}

// routePattern returns the matched chi pattern, or the raw path outside chi.
func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.status = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(body []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(body)
}
