// Package llm defines the streaming LLM provider boundary consumed by the
// orchestrator.
package llm

import (
	"context"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

// Request is an assembled prompt ready for the provider.
type Request struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Delta is one increment of a streaming completion. Exactly one of the
// fields is meaningful per delta; a Usage delta, when the provider reports
// one, arrives after the last text delta.
type Delta struct {
	Text         string
	FinishReason string
	Usage        *domain.Usage
	Err          error
}

// Provider is a streaming LLM backend.
type Provider interface {
	Name() string

	// Stream opens a completion stream. The channel closes when the stream
	// ends; a Delta with Err set terminates it early.
	Stream(ctx context.Context, req *Request) (<-chan Delta, error)
}
