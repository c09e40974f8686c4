package util

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// responseMeter records the status and body size written by a handler.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (m *responseMeter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += int64(n)
	return n, err
}

// WithRequestLog logs one http_request line per call through the request
// scoped logger, so request_id is attached when WithRequestID runs first.
// Health probes log at debug; 5xx at error; 4xx at warn.
func WithRequestLog(service string, next http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(m, r)
		if m.status == 0 {
			m.status = http.StatusOK
		}

		level := slog.LevelInfo
		switch {
		case m.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case m.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case r.URL.Path == "/healthz":
			level = slog.LevelDebug
		}
		LoggerFromContext(r.Context()).Log(r.Context(), level, "http_request",
			"service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.status,
			"bytes", m.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
