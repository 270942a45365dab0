// Package fallback selects which provider serves the next attempt of a
// request. A chain is an immutable ordered preference list validated at
// construction; candidate selection is a pure function over the set of
// providers already attempted, so routing decisions are trivially testable
// and never hold locks.
package fallback

import (
	"errors"

	"github.com/modelrelay/modelrelay/internal/provider"
	apperrors "github.com/modelrelay/modelrelay/pkg/errors"
)

// Chain is an agent's ordered provider preference: the primary first, then
// each fallback. Chains are validated once and never mutated.
type Chain struct {
	AgentID   string
	Primary   string
	Fallbacks []string
}

// NewChain validates and builds a chain. The primary is required, every
// entry must be a known provider, and no provider may appear twice.
func NewChain(agentID, primary string, fallbacks []string, known map[string]bool) (*Chain, error) {
	if agentID == "" {
		return nil, apperrors.NewValidationError("agent id is required")
	}
	if primary == "" {
		return nil, apperrors.NewValidationError("chain requires a primary provider").WithDetail("agent", agentID)
	}

	seen := map[string]bool{}
	for _, id := range append([]string{primary}, fallbacks...) {
		if known != nil && !known[id] {
			return nil, apperrors.NewValidationError("chain references unknown provider").
				WithDetail("agent", agentID).
				WithDetail("provider", id)
		}
		if seen[id] {
			return nil, apperrors.NewValidationError("chain lists provider more than once").
				WithDetail("agent", agentID).
				WithDetail("provider", id)
		}
		seen[id] = true
	}

	return &Chain{
		AgentID:   agentID,
		Primary:   primary,
		Fallbacks: append([]string(nil), fallbacks...),
	}, nil
}

// Providers returns the chain in preference order.
func (c *Chain) Providers() []string {
	out := make([]string, 0, 1+len(c.Fallbacks))
	out = append(out, c.Primary)
	out = append(out, c.Fallbacks...)
	return out
}

// Len is the number of providers in the chain.
func (c *Chain) Len() int {
	return 1 + len(c.Fallbacks)
}

// NextCandidate returns the first provider in preference order that has not
// been attempted. The second return is false when the chain is exhausted.
func NextCandidate(chain *Chain, attempted map[string]bool) (string, bool) {
	for _, id := range chain.Providers() {
		if !attempted[id] {
			return id, true
		}
	}
	return "", false
}

// Classify maps an attempt error onto its outcome class. A nil error is a
// success; anything unrecognized is OutcomeOther.
func Classify(err error) provider.OutcomeClass {
	if err == nil {
		return provider.OutcomeSuccess
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return provider.OutcomeOther
	}

	switch appErr.Type {
	case apperrors.ErrorTypeRateLimit:
		return provider.OutcomeRejected
	case apperrors.ErrorTypeTimeout:
		return provider.OutcomeTimeout
	case apperrors.ErrorTypeNetwork:
		return provider.OutcomeNetwork
	case apperrors.ErrorTypeExternal:
		return provider.OutcomeOther
	case apperrors.ErrorTypeAcquireTimeout:
		return provider.OutcomeAcquireTimeout
	default:
		return provider.OutcomeOther
	}
}

// ShouldAdvance reports whether an attempt failure warrants moving to the
// next provider in the chain. Cancellation and caller mistakes are terminal;
// provider-side trouble is worth a fallback.
func ShouldAdvance(err error) bool {
	return apperrors.IsRetryable(err)
}
