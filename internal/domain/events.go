package domain

// StreamEvent is the closed set of events a chat stream can carry.
//
// A well-formed stream is zero or more TokenEvent values followed by exactly
// one terminal sequence: a UsageEvent then a DoneEvent on success, or a single
// ErrorEvent on failure. Nothing follows a terminal event. The emitter
// enforces this ordering; the closed interface makes the serialization
// boundary exhaustively matchable.
type StreamEvent interface {
	// EventType is the SSE event name on the wire.
	EventType() string
}

// TokenEvent carries one incremental text delta from the provider.
type TokenEvent struct {
	Text string `json:"text"`
}

func (TokenEvent) EventType() string { return "token" }

// UsageEvent reports token accounting and cost for the completed turn.
// Emitted exactly once, immediately before DoneEvent.
type UsageEvent struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	Model     string  `json:"model"`
}

func (UsageEvent) EventType() string { return "usage" }

// DoneEvent terminates a successful stream.
type DoneEvent struct {
	FinishReason string `json:"finish_reason"`
}

func (DoneEvent) EventType() string { return "done" }

// ErrorEvent terminates a failed stream. Token events already sent remain
// valid; the client renders the turn as interrupted.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (ErrorEvent) EventType() string { return "error" }
