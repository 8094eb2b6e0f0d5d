package telemetry

import "context"

// requestIDKey is the context key for the request correlation ID.
type requestIDKey struct{}

// WithRequestID attaches the correlation ID set by the server middleware.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the correlation ID, or "" when none is set.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
