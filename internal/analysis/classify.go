package analysis

import (
	"github.com/coffersTech/logsieve/internal/parser"
)

// Classifier applies the three security classifications to parsed records.
type Classifier struct {
	trusted map[string]struct{}
}

// NewClassifier builds a Classifier with the given trusted-country allow-list.
func NewClassifier(trustedCountries []string) *Classifier {
	trusted := make(map[string]struct{}, len(trustedCountries))
	for _, c := range trustedCountries {
		trusted[c] = struct{}{}
	}
	return &Classifier{trusted: trusted}
}

// IsFailure reports whether a record represents a failed connection.
func IsFailure(rec *parser.Record) bool {
	return rec.Status == "failure" ||
		rec.Result == "ERROR" ||
		rec.Action == "deny" ||
		rec.Disposition == "blocked"
}

// Observe classifies one record into the accumulator. Records with an absent
// country field are excluded from both the trusted and the unusual sets.
func (c *Classifier) Observe(rec *parser.Record, acc *Accumulator) {
	if IsFailure(rec) {
		acc.Failed = append(acc.Failed, FailedConnection{
			RemoteIP:   rec.RemoteIP,
			DestPort:   rec.DestPort,
			Status:     failureDetail(rec),
			Timestamp:  rec.Timestamp,
			Occurrence: int64(len(acc.Failed)),
			Fields:     rec.Fields,
		})
	}

	if rec.Country != "" {
		if _, ok := c.trusted[rec.Country]; !ok {
			key := UnusualKey(rec.RemoteIP, rec.Country)
			if _, seen := acc.Unusual[key]; !seen {
				acc.Unusual[key] = UnusualIP{
					RemoteIP: rec.RemoteIP,
					Country:  rec.Country,
					Fields:   rec.Fields,
				}
			}
		}
	}

	if rec.RemoteIP != "" {
		c.trackFrequency(rec, acc)
	}
}

func (c *Classifier) trackFrequency(rec *parser.Record, acc *Accumulator) {
	entry, ok := acc.Frequency[rec.RemoteIP]
	if !ok {
		entry = &FrequencyEntry{
			IP:    rec.RemoteIP,
			Ports: make(map[string]struct{}),
		}
		acc.Frequency[rec.RemoteIP] = entry
	}

	entry.Count++
	if ts, ok := rec.Time(); ok {
		if entry.FirstSeen.IsZero() || ts.Before(entry.FirstSeen) {
			entry.FirstSeen = ts
		}
		if ts.After(entry.LastSeen) {
			entry.LastSeen = ts
		}
	}
	if rec.DestPort != "" {
		entry.Ports[rec.DestPort] = struct{}{}
	}
}

// failureDetail returns the field value that triggered the failure predicate.
func failureDetail(rec *parser.Record) string {
	switch {
	case rec.Status != "":
		return rec.Status
	case rec.Result != "":
		return rec.Result
	case rec.Action != "":
		return rec.Action
	default:
		return rec.Disposition
	}
}
