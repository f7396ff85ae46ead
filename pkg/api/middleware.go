package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/paycore/pkg/observability"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so that the first one is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type requestIDKey struct{}

// RequestID assigns every request an ID, echoed in X-Request-ID. A
// well-formed client supplied UUID is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request ID set by RequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// clientIP is the remote host without port.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// RateLimit enforces policy per client IP. A store failure rejects the
// request.
func RateLimit(store LimiterStore, policy RatePolicy) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := store.Allow(r.Context(), clientIP(r), policy, 1)
			if err != nil {
				slog.ErrorContext(r.Context(), "rate limiter unavailable", "error", err)
				WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "rate limiter unavailable")
				return
			}
			if !ok {
				retry := 1
				if policy.RPS > 0 && policy.RPS < 1 {
					retry = int(1/policy.RPS + 0.5)
				}
				WriteTooManyRequests(w, retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder remembers the status written.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Instrument logs every request and records it with the telemetry provider.
func Instrument(logger *slog.Logger, telemetry *observability.Provider) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, finish := telemetry.TrackOperation(r.Context(), r.Method+" "+r.URL.Path,
				attribute.String("http.request.method", r.Method))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					logger.ErrorContext(ctx, "handler panic", "panic", p, "path", r.URL.Path)
					WriteInternal(rec, nil)
				}
				var err error
				if rec.status >= http.StatusInternalServerError {
					err = errHTTP(rec.status)
				}
				finish(err)
				logger.InfoContext(ctx, "request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"duration", time.Since(start),
					"request_id", RequestIDFrom(ctx),
				)
			}()
			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

type errHTTP int

func (e errHTTP) Error() string { return http.StatusText(int(e)) }
