package poll

import "time"

// DefaultSoftThreshold is the budget percentage at which a job that still
// finished in time is reported as near its timeout.
const DefaultSoftThreshold = 90.0

// Budget is a wall-clock ceiling for one job.
type Budget struct {
	Limit time.Duration
	// SoftThreshold is a percentage of Limit; zero means DefaultSoftThreshold.
	SoftThreshold float64
}

// NewBudget returns a Budget with the default soft threshold.
func NewBudget(limit time.Duration) Budget {
	return Budget{Limit: limit}
}

// Exceeded reports whether elapsed has used up the budget.
func (b Budget) Exceeded(elapsed time.Duration) bool {
	return elapsed >= b.Limit
}

// Remaining returns the unused part of the budget, never negative.
func (b Budget) Remaining(elapsed time.Duration) time.Duration {
	if elapsed >= b.Limit {
		return 0
	}
	return b.Limit - elapsed
}

// Pct returns elapsed as a percentage of the budget. A zero budget reports
// 100% once any time has passed.
func (b Budget) Pct(elapsed time.Duration) float64 {
	if b.Limit <= 0 {
		if elapsed > 0 {
			return 100
		}
		return 0
	}
	return float64(elapsed) * 100 / float64(b.Limit)
}

// NearTimeout reports whether elapsed reached the soft threshold.
func (b Budget) NearTimeout(elapsed time.Duration) bool {
	threshold := b.SoftThreshold
	if threshold <= 0 {
		threshold = DefaultSoftThreshold
	}
	return b.Pct(elapsed) >= threshold
}
