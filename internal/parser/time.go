package parser

import (
	"strconv"
	"time"
)

// Timestamp layouts seen across vendors, tried in order.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006/01/02 15:04:05",
	"2006-01-02T15:04:05",
}

// Time parses the record's canonical timestamp. The second return value is
// false when the field is absent or unparseable. Numeric values are treated
// as epoch seconds, milliseconds, or nanoseconds depending on magnitude.
func (r Record) Time() (time.Time, bool) {
	raw := r.Timestamp
	if raw == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return epochTime(n), true
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// epochTime interprets an integer timestamp by magnitude:
// 19+ digits are nanoseconds, 13+ milliseconds, otherwise seconds.
func epochTime(n int64) time.Time {
	switch {
	case n >= 1e18:
		return time.Unix(0, n).UTC()
	case n >= 1e12:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}
