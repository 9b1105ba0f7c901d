package analysis

import (
	"sort"
	"strings"
)

// Merge folds src into dst. The operation is commutative and associative:
// counts are summed, port sets unioned, seen-timestamps combined with
// min/max, and duplicate unusual-IP captures resolved by a deterministic
// tie-break, so the final totals do not depend on the order in which task
// partials arrive. Merge must only be called from a single goroutine (the
// scheduler's collector); it performs no locking of its own.
func Merge(dst, src *Accumulator) {
	dst.Failed = append(dst.Failed, src.Failed...)

	for key, entry := range src.Unusual {
		existing, seen := dst.Unusual[key]
		if !seen || unusualLess(entry, existing) {
			dst.Unusual[key] = entry
		}
	}

	for ip, partial := range src.Frequency {
		entry, ok := dst.Frequency[ip]
		if !ok {
			dst.Frequency[ip] = clone(partial)
			continue
		}

		entry.Count += partial.Count
		if !partial.FirstSeen.IsZero() &&
			(entry.FirstSeen.IsZero() || partial.FirstSeen.Before(entry.FirstSeen)) {
			entry.FirstSeen = partial.FirstSeen
		}
		if partial.LastSeen.After(entry.LastSeen) {
			entry.LastSeen = partial.LastSeen
		}
		for port := range partial.Ports {
			entry.Ports[port] = struct{}{}
		}
	}
}

// unusualLess orders duplicate (ip, country) captures by their serialized
// fields. Which snapshot survives a key collision is then a function of the
// entries alone, not of task-completion order.
func unusualLess(a, b UnusualIP) bool {
	return canonicalFields(a.Fields) < canonicalFields(b.Fields)
}

func canonicalFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return b.String()
}

func clone(e *FrequencyEntry) *FrequencyEntry {
	c := &FrequencyEntry{
		IP:        e.IP,
		Count:     e.Count,
		FirstSeen: e.FirstSeen,
		LastSeen:  e.LastSeen,
		Ports:     make(map[string]struct{}, len(e.Ports)),
	}
	for port := range e.Ports {
		c.Ports[port] = struct{}{}
	}
	return c
}
