package analysis

// Risk is the High/Medium/Low classification of a remote IP derived from its
// attempt count.
type Risk string

const (
	RiskHigh   Risk = "High"
	RiskMedium Risk = "Medium"
	RiskLow    Risk = "Low"
)

// RiskFor derives the risk tier for an attempt count. It is a pure function
// of the count and the configured threshold; tiers are never stored, only
// computed at export time.
func RiskFor(count int64, threshold int) Risk {
	switch {
	case count >= 2*int64(threshold):
		return RiskHigh
	case count >= int64(threshold):
		return RiskMedium
	default:
		return RiskLow
	}
}
