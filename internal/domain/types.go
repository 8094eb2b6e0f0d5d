// Package domain holds the canonical types shared across the relay:
// chat requests, memory entries, retrieval payloads, stream events,
// usage and pricing.
package domain

import "time"

// ChatRequest is a single incoming chat turn. It is immutable once decoded.
type ChatRequest struct {
	Message   string `json:"message"`
	UseMemory bool   `json:"use_memory"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// MemoryType categorizes a memory entry.
type MemoryType string

const (
	MemoryTypeMessage MemoryType = "message"
	MemoryTypeFact    MemoryType = "fact"
	MemoryTypeSummary MemoryType = "summary"
)

// Provenance records where a memory entry came from and how it was shaped
// before it reached the relay.
type Provenance struct {
	Collection     string `json:"collection"`
	SearchType     string `json:"search_type"`
	OriginalLength int    `json:"original_length"`
	WasRedacted    bool   `json:"was_redacted"`
}

// MemoryEntry is a single result from the memory service. Entries are never
// mutated after creation; filtering and truncation produce new values.
type MemoryEntry struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Score      float64    `json:"score"`
	Timestamp  time.Time  `json:"timestamp"`
	SessionID  string     `json:"session_id,omitempty"`
	Type       MemoryType `json:"type"`
	Provenance Provenance `json:"provenance"`
}

// RetrievalMetadata describes what the retrieval policy did to a result set.
type RetrievalMetadata struct {
	QueryTimeMs     int64    `json:"query_time_ms"`
	TotalResults    int      `json:"total_results"`
	IncludedResults int      `json:"included_results"`
	TotalTokens     int      `json:"total_tokens"`
	AppliedFilters  []string `json:"applied_filters"`
}

// RetrievalPayload is the shaped, token-budgeted memory context for one
// request. The entries satisfy sum(EstimateTokens(m.Content)) <= the
// configured budget.
type RetrievalPayload struct {
	Memories []MemoryEntry     `json:"memories"`
	Metadata RetrievalMetadata `json:"metadata"`
}

// Usage is the token accounting for one completed turn.
// Estimated is true when the provider did not report usage and the counts
// were derived from the text instead.
type Usage struct {
	TokensIn       int  `json:"tokens_in"`
	TokensOut      int  `json:"tokens_out"`
	CachedTokensIn int  `json:"cached_tokens_in,omitempty"`
	Estimated      bool `json:"estimated,omitempty"`
}

// ModelPricing holds per-million-token rates for one model.
// CachedInputPerMtok of zero means the model has no cached-input discount.
type ModelPricing struct {
	Model              string  `json:"model"`
	InputPerMtok       float64 `json:"input_per_mtok"`
	OutputPerMtok      float64 `json:"output_per_mtok"`
	CachedInputPerMtok float64 `json:"cached_input_per_mtok,omitempty"`
}

// CostBreakdown is the computed cost of one turn. ModelFound is false when
// the pricing lookup missed and default rates were used; such results are
// flagged for anomaly logging downstream.
type CostBreakdown struct {
	TotalUSD   float64 `json:"total_usd"`
	InputUSD   float64 `json:"input_usd"`
	OutputUSD  float64 `json:"output_usd"`
	CachedUSD  float64 `json:"cached_usd"`
	ModelFound bool    `json:"model_found"`
}
