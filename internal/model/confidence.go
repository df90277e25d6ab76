package model

// Confidence defaults for semantic knowledge.
const (
	DefaultConfidenceCap   = 0.95
	DefaultConfidenceBoost = 0.1
	DefaultConfidenceK     = 3.0
)

// InitialConfidence is the confidence of a record first seen with the given
// amount of evidence: f/(f+k), capped.
func InitialConfidence(evidence int, k, limit float64) float64 {
	if evidence <= 0 {
		return 0
	}
	if k <= 0 {
		k = DefaultConfidenceK
	}
	c := float64(evidence) / (float64(evidence) + k)
	return clampConfidence(c, limit)
}

// GrowConfidence applies n reinforcements of c + (1-c)*boost. The result never
// decreases and never exceeds limit, except that a value already above limit
// is left as is.
func GrowConfidence(c float64, n int, boost, limit float64) float64 {
	if limit <= 0 || limit > 1 {
		limit = DefaultConfidenceCap
	}
	if c >= limit {
		return c
	}
	for i := 0; i < n; i++ {
		c += (1 - c) * boost
	}
	return clampConfidence(c, limit)
}

func clampConfidence(c, limit float64) float64 {
	if limit <= 0 || limit > 1 {
		limit = DefaultConfidenceCap
	}
	if c > limit {
		return limit
	}
	if c < 0 {
		return 0
	}
	return c
}
