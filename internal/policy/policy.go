// Package policy decides whether a task should be retried, escalated, or abandoned
package policy

import (
	"github.com/cloud-shuttle/tally/pkg/types"
)

// Kind is the category of decision the policy can make
type Kind int

const (
	// KindRetry means run another attempt on Decision.Tier
	KindRetry Kind = iota
	// KindAccept means the last attempt succeeded; finalize as success
	KindAccept
	// KindGiveUp means escalation options are exhausted; finalize as failure
	KindGiveUp
)

// String returns a human-readable decision kind
func (k Kind) String() string {
	switch k {
	case KindRetry:
		return "retry"
	case KindAccept:
		return "accept"
	case KindGiveUp:
		return "give_up"
	}
	return "unknown"
}

// Decision is the outcome of consulting the policy
type Decision struct {
	Kind Kind
	Tier types.Tier // set when Kind == KindRetry
}

// Policy configures the escalation ladder.
// Tiers are ordered cheapest first; escalation is monotonic.
type Policy struct {
	Tiers              []types.Tier
	MaxAttemptsPerTier int
	MaxTotalAttempts   int
}

// Decide is a pure function of the attempt history: the same history always
// yields the same decision.
//
// Rules: start at the lowest tier. On a retryable failure (validation or tool
// error) below the per-tier ceiling, retry the same tier; otherwise escalate
// to the next tier. Give up when the top tier has hit the per-tier ceiling or
// the absolute attempt ceiling is reached.
func Decide(attempts []types.Attempt, p Policy) Decision {
	if len(p.Tiers) == 0 {
		return Decision{Kind: KindGiveUp}
	}

	if len(attempts) == 0 {
		return Decision{Kind: KindRetry, Tier: p.Tiers[0]}
	}

	last := attempts[len(attempts)-1]
	if last.Success {
		return Decision{Kind: KindAccept}
	}

	if p.MaxTotalAttempts > 0 && len(attempts) >= p.MaxTotalAttempts {
		return Decision{Kind: KindGiveUp}
	}

	current := tierIndex(p.Tiers, last.Tier)
	if current < 0 {
		// History mentions a tier this policy doesn't know; restart the
		// ladder rather than guessing a position on it.
		return Decision{Kind: KindRetry, Tier: p.Tiers[0]}
	}

	atTier := attemptsOnTier(attempts, last.Tier)
	top := current == len(p.Tiers)-1

	if last.ErrorClass.Retryable() && atTier < p.MaxAttemptsPerTier {
		return Decision{Kind: KindRetry, Tier: last.Tier}
	}

	if !top {
		return Decision{Kind: KindRetry, Tier: p.Tiers[current+1]}
	}

	// Top tier: keep trying until the per-tier ceiling, then give up.
	if atTier < p.MaxAttemptsPerTier {
		return Decision{Kind: KindRetry, Tier: last.Tier}
	}
	return Decision{Kind: KindGiveUp}
}

func tierIndex(tiers []types.Tier, t types.Tier) int {
	for i, tier := range tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

func attemptsOnTier(attempts []types.Attempt, t types.Tier) int {
	n := 0
	for _, a := range attempts {
		if a.Tier == t {
			n++
		}
	}
	return n
}
