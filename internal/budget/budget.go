// Package budget tracks cumulative resource consumption against run limits
package budget

import (
	"time"

	"github.com/cloud-shuttle/tally/pkg/types"
)

// Limits configures the budget for a run session; zero values mean unlimited
type Limits struct {
	Tokens    int64
	CostUnits float64
	WallTime  time.Duration
	// WarnThreshold is the percentage of any limit at which the monitor
	// starts reporting a soft warning. Warnings never block.
	WarnThreshold int
}

// Remaining is what is left of each limit; unlimited dimensions report -1
type Remaining struct {
	Tokens    int64
	CostUnits float64
	WallTime  time.Duration
}

// Sum aggregates usage across attempts
func Sum(usages []types.ResourceUsage) types.ResourceUsage {
	var total types.ResourceUsage
	for _, u := range usages {
		total = total.Add(u)
	}
	return total
}

// RemainingOf computes what is left of each configured limit
func RemainingOf(used types.ResourceUsage, l Limits) Remaining {
	r := Remaining{Tokens: -1, CostUnits: -1, WallTime: -1}
	if l.Tokens > 0 {
		r.Tokens = l.Tokens - used.Tokens
	}
	if l.CostUnits > 0 {
		r.CostUnits = l.CostUnits - used.CostUnits
	}
	if l.WallTime > 0 {
		r.WallTime = l.WallTime - time.Duration(used.DurationMs)*time.Millisecond
	}
	return r
}

// Exhausted reports whether any configured limit has been reached.
// Checked before every new attempt; a true result stops the loop cleanly.
func Exhausted(used types.ResourceUsage, l Limits) bool {
	if l.Tokens > 0 && used.Tokens >= l.Tokens {
		return true
	}
	if l.CostUnits > 0 && used.CostUnits >= l.CostUnits {
		return true
	}
	if l.WallTime > 0 && time.Duration(used.DurationMs)*time.Millisecond >= l.WallTime {
		return true
	}
	return false
}

// Warn reports whether usage has crossed the soft warning threshold
// on any configured limit
func Warn(used types.ResourceUsage, l Limits) bool {
	pct := l.WarnThreshold
	if pct <= 0 || pct >= 100 {
		return false
	}
	if l.Tokens > 0 && used.Tokens*100 >= l.Tokens*int64(pct) {
		return true
	}
	if l.CostUnits > 0 && used.CostUnits*100 >= l.CostUnits*float64(pct) {
		return true
	}
	if l.WallTime > 0 {
		elapsed := time.Duration(used.DurationMs) * time.Millisecond
		if elapsed*100 >= l.WallTime*time.Duration(pct) {
			return true
		}
	}
	return false
}
