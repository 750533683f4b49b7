package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RoundTripper logs outbound HTTP exchanges and stamps each request with an
// X-Request-ID header, reusing the id stored in the request context when
// one is present.
type RoundTripper struct {
	Next   http.RoundTripper
	Logger Logger
}

// NewRoundTripper wraps next; a nil next uses http.DefaultTransport
func NewRoundTripper(logger Logger, next http.RoundTripper) *RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RoundTripper{Next: next, Logger: logger}
}

// RoundTrip implements http.RoundTripper
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	requestID := req.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = RequestIDFromContext(req.Context())
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req = req.Clone(req.Context())
	req.Header.Set("X-Request-ID", requestID)

	logger := rt.Logger.WithFields(
		String("request_id", requestID),
		String("method", req.Method),
		String("url", req.URL.Redacted()),
	)

	start := time.Now()
	resp, err := rt.Next.RoundTrip(req)
	if err != nil {
		logger.WithError(err).Debug("HTTP request failed", Duration("duration", time.Since(start)))
		return nil, err
	}

	logger.Debug("HTTP request completed",
		Int("status", resp.StatusCode),
		Duration("duration", time.Since(start)),
	)
	return resp, nil
}
