package gateway

import "context"

type ctxKey string

const (
	clientIDKey  ctxKey = "clientID"
	requestIDKey ctxKey = "requestID"
)

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func withRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ClientIDFromContext returns the WebSocket client id, or "http" for /rpc calls.
func ClientIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, clientIDKey)
}

// RequestIDFromContext returns the JSON-RPC id of the call being served.
func RequestIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, requestIDKey)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}
