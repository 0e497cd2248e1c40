package util

import (
	"context"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored in ctx, or "" when there is none.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// NewRequestID keeps a well-formed inbound id and mints one otherwise.
func NewRequestID(inbound ...string) string {
	for _, id := range inbound {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.New().String()
}
