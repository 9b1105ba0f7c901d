package analysis

import (
	"time"
)

// FailedConnection is a snapshot of a record that matched the failure
// predicate. Every occurrence is retained; the Occurrence index makes each
// event's identity unique within its source file.
type FailedConnection struct {
	RemoteIP   string
	DestPort   string
	Status     string
	Timestamp  string
	Occurrence int64

	// Fields is the full capture of the source record under the original
	// vendor field names.
	Fields map[string]string
}

// UnusualIP is a snapshot of a record whose source country is absent from
// the trusted set. Entries are keyed by (RemoteIP, Country); identical pairs
// collapse into one entry.
type UnusualIP struct {
	RemoteIP string
	Country  string

	Fields map[string]string
}

// FrequencyEntry tracks cumulative connection activity for one remote IP.
// FirstSeen and LastSeen come from record timestamps only, never from the
// wall clock, so merged aggregates are independent of scheduling order.
type FrequencyEntry struct {
	IP        string
	Count     int64
	FirstSeen time.Time
	LastSeen  time.Time
	Ports     map[string]struct{}
}

// Accumulator holds the three aggregate tables. Each worker task owns a
// private Accumulator exclusively until it hands the value to the merge
// step; the merged totals are written only by the scheduler's collector.
type Accumulator struct {
	Failed    []FailedConnection
	Unusual   map[string]UnusualIP
	Frequency map[string]*FrequencyEntry
}

// NewAccumulator returns an empty Accumulator with initialized tables.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		Unusual:   make(map[string]UnusualIP),
		Frequency: make(map[string]*FrequencyEntry),
	}
}

// UnusualKey builds the composite map key for an (ip, country) pair.
func UnusualKey(ip, country string) string {
	return ip + "|" + country
}
