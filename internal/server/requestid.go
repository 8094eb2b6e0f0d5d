package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tjfontaine/memchat-relay/internal/telemetry"
)

// RequestIDMiddleware assigns a correlation ID to each request. An inbound
// X-Request-ID is reused so upstream callers can trace their own requests;
// otherwise a fresh UUID is generated. The ID is stored in the context and
// echoed as the X-Request-ID response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := telemetry.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
