// Package middleware provides HTTP middleware for the orchestration API:
// request logging, panic recovery, API-key authentication, local-network
// restriction, and rate limiting for the unauthenticated endpoints.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/logfields"
	"github.com/undergrid/hell/internal/metrics"
)

// APIKeyHeader carries the caller's credential.
const APIKeyHeader = "X-API-KEY"

// KeyValidator checks API keys; the access store implements it.
type KeyValidator interface {
	ValidateKey(ctx context.Context, token string) (bool, error)
}

// Chain returns a wrapper applying logging and panic recovery around a handler.
func Chain(logger *slog.Logger, adapter *derrors.HTTPErrorAdapter, recorder metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return loggingMiddleware(logger, recorder, panicRecoveryMiddleware(logger, adapter, next))
	}
}

// loggingMiddleware logs method, path, status, duration, user agent, and
// remote addr, and records the request in metrics.
func loggingMiddleware(logger *slog.Logger, recorder metrics.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)
		recorder.ObserveHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, duration)
		logger.Info("HTTP request",
			logfields.Method(r.Method),
			logfields.Path(r.URL.Path),
			logfields.Status(wrapped.statusCode),
			slog.Duration("duration", duration),
			logfields.UserAgent(r.UserAgent()),
			logfields.RemoteAddr(r.RemoteAddr))
	})
}

// panicRecoveryMiddleware recovers from panics and writes a structured error
// response via the HTTPErrorAdapter.
func panicRecoveryMiddleware(logger *slog.Logger, adapter *derrors.HTTPErrorAdapter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("HTTP handler panic",
					"error", rec,
					logfields.Path(r.URL.Path),
					logfields.Method(r.Method),
					logfields.RemoteAddr(r.RemoteAddr))

				panicErr := derrors.InternalError("internal server error").
					WithContext("path", r.URL.Path).
					WithContext("method", r.Method).Build()
				adapter.WriteErrorResponse(w, panicErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// APIKeyAuth rejects requests whose X-API-KEY header is not a known key.
func APIKeyAuth(validator KeyValidator, adapter *derrors.HTTPErrorAdapter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(APIKeyHeader)
			ok, err := validator.ValidateKey(r.Context(), token)
			if err != nil {
				adapter.WriteErrorResponse(w, err)
				return
			}
			if !ok {
				adapter.WriteErrorResponse(w, derrors.AuthError("missing or invalid api key").Build())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LocalOnly restricts an endpoint to loopback and private-network callers.
func LocalOnly(adapter *derrors.HTTPErrorAdapter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isLocalNetwork(r.RemoteAddr) {
				adapter.WriteErrorResponse(w, derrors.AuthError("endpoint restricted to the local network").
					WithContext("remote_addr", r.RemoteAddr).Build())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit bounds an endpoint with a shared token bucket. perMinute tokens
// refill per minute with a burst of the same size.
func RateLimit(perMinute int, adapter *derrors.HTTPErrorAdapter) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 60
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLocalNetwork(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// responseWriter captures status codes for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
