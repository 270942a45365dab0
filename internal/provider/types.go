package provider

import (
	"time"
)

// OutcomeClass classifies the result of one provider attempt. The fallback
// router and throttle controller branch on this rather than inspecting raw
// error values, so the branching stays exhaustive.
type OutcomeClass int

const (
	// OutcomeSuccess - the provider returned a usable response
	OutcomeSuccess OutcomeClass = iota
	// OutcomeRejected - the provider signaled overload (429-equivalent)
	OutcomeRejected
	// OutcomeTimeout - the call exceeded its deadline
	OutcomeTimeout
	// OutcomeNetwork - transport-level failure before a response arrived
	OutcomeNetwork
	// OutcomeOther - any other provider-side failure
	OutcomeOther
	// OutcomeAcquireTimeout - our own admission policy denied capacity in time
	OutcomeAcquireTimeout
)

func (o OutcomeClass) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNetwork:
		return "network_error"
	case OutcomeOther:
		return "other_error"
	case OutcomeAcquireTimeout:
		return "acquire_timeout"
	default:
		return "unknown"
	}
}

// Message is a single turn of conversation history
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// CallRequest is the unified request shape passed to provider clients
type CallRequest struct {
	Prompt    string    `json:"prompt"`
	System    string    `json:"system,omitempty"`
	History   []Message `json:"history,omitempty"`
	Model     string    `json:"model,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// CallResponse is the unified response shape returned by provider clients
type CallResponse struct {
	Content   string        `json:"content"`
	Model     string        `json:"model"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	Latency   time.Duration `json:"latency"`
}
