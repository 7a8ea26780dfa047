package util

import "time"

// Ptr returns a pointer to the given value.
// This is a generic helper for creating pointers to literals.
func Ptr[T any](v T) *T {
	return &v
}

// UnixMilli converts a nullable millisecond timestamp into a *time.Time in UTC.
func UnixMilli(ms int64, valid bool) *time.Time {
	if !valid {
		return nil
	}
	return Ptr(time.UnixMilli(ms).UTC())
}
