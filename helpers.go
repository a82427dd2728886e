package talkflow

import "time"

// ToPtr returns a pointer to the given value.
// This is useful for creating pointers to literals or converting values to pointers.
func ToPtr[T any](v T) *T {
	return &v
}

// CopyVars returns a shallow copy of a variable map, never nil.
func CopyVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// ElapsedMs returns the milliseconds between start and end, or 0 when start is nil.
func ElapsedMs(start *time.Time, end time.Time) int64 {
	if start == nil {
		return 0
	}
	return end.Sub(*start).Milliseconds()
}
