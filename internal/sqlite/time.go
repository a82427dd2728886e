package sqlite

import (
	"database/sql"
	"time"
)

// Timestamps are stored as fractional unix seconds (REAL) so that the
// non-Go processes sharing these files can read them without parsing.

// ToUnix converts t to fractional unix seconds
func ToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnix converts fractional unix seconds back to a time
func FromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// NullUnix converts an optional time for storage
func NullUnix(t *time.Time) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: ToUnix(*t), Valid: true}
}

// TimePtr converts an optional stored timestamp
func TimePtr(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromUnix(v.Float64)
	return &t
}

// NullString maps "" to NULL
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
