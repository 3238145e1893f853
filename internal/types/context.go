package types

import "context"

type contextKey string

const occurrenceIDKey contextKey = "occurrence_id"

// WithOccurrenceID stores the per-occurrence trace ID in the context. The
// poll loop sets it once per claimed occurrence; outbound HTTP calls and log
// lines carry it so one firing can be followed across retries.
func WithOccurrenceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, occurrenceIDKey, id)
}

// GetOccurrenceID retrieves the per-occurrence trace ID, or "" if unset.
func GetOccurrenceID(ctx context.Context) string {
	id, _ := ctx.Value(occurrenceIDKey).(string)
	return id
}
