package domain

import "context"

type contextKey int

const sessionIDKey contextKey = iota

// ContextWithSessionID attaches the session id to ctx so logs and traces
// emitted deep in the stack can be correlated to the turn.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the attached session id, or "" when none.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
