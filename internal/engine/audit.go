package engine

import "math"

// LogitRangeAuditResult describes the spread of a logit vector.
type LogitRangeAuditResult struct {
	Max, Min  float32
	Mean, RMS float32
	NumNaNs   int
	NumInfs   int
	// IsFlat is set when the finite logits have near-zero variance.
	IsFlat bool
}

// AuditLogitRange inspects raw logits for non-finite values or a flat
// distribution.
func AuditLogitRange(logits []float32) LogitRangeAuditResult {
	var audit LogitRangeAuditResult
	if len(logits) == 0 {
		return audit
	}

	var sum, sumSq float64
	minVal, maxVal := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	finite := 0
	for _, v := range logits {
		switch {
		case math.IsNaN(float64(v)):
			audit.NumNaNs++
			continue
		case math.IsInf(float64(v), 0):
			audit.NumInfs++
			continue
		}
		minVal = min(minVal, v)
		maxVal = max(maxVal, v)
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		finite++
	}
	if finite == 0 {
		return audit
	}

	audit.Max, audit.Min = maxVal, minVal
	mean := sum / float64(finite)
	audit.Mean = float32(mean)
	audit.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	audit.IsFlat = sumSq/float64(finite)-mean*mean < 1e-6
	return audit
}
