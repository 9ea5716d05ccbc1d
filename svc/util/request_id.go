package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id carried by ctx, minting a fresh one if absent.
func GetRequestID(ctx context.Context) string {
	if id, ok := RequestIDFrom(ctx); ok {
		return id
	}
	return NewRequestID()
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

func NewRequestID() string {
	return uuid.New().String()
}
