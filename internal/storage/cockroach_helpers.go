package storage

import (
	"database/sql"
	"time"
)

// nullableTime converts a possibly-zero time.Time into a sql.NullTime,
// since Turn.EndedAt and Budget.Deadline are both zero-valued until set.
func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
