package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries a per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// RequestID returns middleware setting a random X-Request-ID on requests that
// don't have one. A replayed request keeps the ID of the original.
func RequestID() Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get(RequestIDHeader) != "" {
				return baseOrDefault(next).RoundTrip(req)
			}
			req = req.Clone(req.Context())
			req.Header.Set(RequestIDHeader, uuid.NewString())
			return baseOrDefault(next).RoundTrip(req)
		})
	}
}

// Logging returns middleware logging each round trip at debug level.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			res, err := baseOrDefault(next).RoundTrip(req)
			attrs := []any{
				baseLogAttr,
				slog.String("method", req.Method),
				slog.String("url", req.URL.Redacted()),
				slog.String("request_id", req.Header.Get(RequestIDHeader)),
				slog.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				logger.DebugContext(req.Context(), "request failed", append(attrs, errAttr(err))...)
				return nil, err
			}
			logger.DebugContext(req.Context(), "request completed", append(attrs, slog.Int("status", res.StatusCode))...)
			return res, nil
		})
	}
}
