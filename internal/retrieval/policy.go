// Package retrieval shapes raw memory-search results into a deduplicated,
// clipped, token-budgeted context list. The engine is a pure function of its
// inputs; it performs no I/O and holds no state.
package retrieval

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

// Config bounds how much memory context a request may carry. Loaded once at
// startup (admin overrides included) and read-only per request.
type Config struct {
	TopK          int     `koanf:"top_k"`
	ClipSentences int     `koanf:"clip_sentences"`
	MaxTokens     int     `koanf:"max_tokens"`
	MinScore      float64 `koanf:"min_score"`
	SearchType    string  `koanf:"search_type"`
}

// DefaultConfig returns the stock retrieval policy.
func DefaultConfig() Config {
	return Config{
		TopK:          8,
		ClipSentences: 2,
		MaxTokens:     1500,
		MinScore:      0.3,
		SearchType:    "hybrid",
	}
}

// Normalize clamps out-of-range values to the documented bounds.
func (c Config) Normalize() Config {
	out := c
	out.TopK = clamp(out.TopK, 1, 20)
	out.ClipSentences = clamp(out.ClipSentences, 1, 5)
	out.MaxTokens = clamp(out.MaxTokens, 100, 3000)
	if out.MinScore < 0 {
		out.MinScore = 0
	}
	if out.MinScore > 1 {
		out.MinScore = 1
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EstimateTokens is the 4-chars-per-token estimate used for budget
// enforcement, rounded up.
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	sentenceRe   = regexp.MustCompile(`[^.!?]*[.!?]+|[^.!?]+`)
)

// Engine applies the retrieval policy. Zero value is usable.
type Engine struct{}

// NewEngine returns a retrieval policy engine.
func NewEngine() *Engine { return &Engine{} }

// Process filters, deduplicates, interleaves, clips, and budgets the raw
// result set. The returned payload never exceeds cfg.MaxTokens in estimated
// tokens. QueryTimeMs in the metadata is left to the caller, which owns the
// wall clock of the search call.
func (e *Engine) Process(raw []domain.MemoryEntry, cfg Config) domain.RetrievalPayload {
	cfg = cfg.Normalize()

	payload := domain.RetrievalPayload{
		Memories: []domain.MemoryEntry{},
		Metadata: domain.RetrievalMetadata{
			TotalResults:   len(raw),
			AppliedFilters: []string{},
		},
	}
	if len(raw) == 0 {
		return payload
	}

	// AppliedFilters lists only the stages that changed the set.
	applied := make([]string, 0, 5)

	scored := make([]domain.MemoryEntry, 0, len(raw))
	for _, m := range raw {
		if m.Score >= cfg.MinScore {
			scored = append(scored, m)
		}
	}
	if len(scored) < len(raw) {
		applied = append(applied, "min_score")
	}

	deduped := dedupe(scored)
	if len(deduped) < len(scored) {
		applied = append(applied, "dedupe")
	}

	selected := interleave(deduped, cfg.TopK)
	if interleaveChanged(deduped, selected) {
		applied = append(applied, "interleave")
	}

	total := 0
	clippedAny := false
	budgetHit := false
	for _, m := range selected {
		clipped := clipSentences(m, cfg.ClipSentences)
		if clipped.Content != m.Content {
			clippedAny = true
		}
		cost := EstimateTokens(clipped.Content)
		if total+cost <= cfg.MaxTokens {
			payload.Memories = append(payload.Memories, clipped)
			total += cost
			continue
		}

		// The entry would overflow: keep a prefix that exactly fills the
		// remaining budget, then stop.
		budgetHit = true
		remaining := cfg.MaxTokens - total
		if remaining > 0 {
			truncated := truncateToTokens(clipped, remaining)
			if truncated.Content != "" {
				payload.Memories = append(payload.Memories, truncated)
				total += EstimateTokens(truncated.Content)
			}
		}
		break
	}
	if clippedAny {
		applied = append(applied, "clip")
	}
	if budgetHit {
		applied = append(applied, "token_budget")
	}

	payload.Metadata.AppliedFilters = applied
	payload.Metadata.IncludedResults = len(payload.Memories)
	payload.Metadata.TotalTokens = total
	return payload
}

// interleaveChanged reports whether selection dropped entries or reordered
// them relative to the deduped input.
func interleaveChanged(before, after []domain.MemoryEntry) bool {
	if len(after) != len(before) {
		return true
	}
	for i := range after {
		if after[i].ID != before[i].ID {
			return true
		}
	}
	return false
}

// dedupe drops entries whose normalized content hash was already seen,
// preserving input order.
func dedupe(entries []domain.MemoryEntry) []domain.MemoryEntry {
	seen := make(map[uint64]struct{}, len(entries))
	out := make([]domain.MemoryEntry, 0, len(entries))
	for _, m := range entries {
		h := contentHash(m.Content)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, m)
	}
	return out
}

// contentHash hashes the normalized form of the content: lowercase, NFKC,
// collapsed whitespace, boundary punctuation stripped.
func contentHash(content string) uint64 {
	s := strings.ToLower(content)
	s = norm.NFKC.String(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})

	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// interleave alternates between the score-descending and timestamp-descending
// orderings (even picks from score, odd from recency), skipping entries
// already chosen, until topK entries are selected or both orderings exhaust.
func interleave(entries []domain.MemoryEntry, topK int) []domain.MemoryEntry {
	if len(entries) == 0 {
		return nil
	}

	byScore := make([]domain.MemoryEntry, len(entries))
	copy(byScore, entries)
	sort.SliceStable(byScore, func(i, j int) bool {
		return byScore[i].Score > byScore[j].Score
	})

	byRecency := make([]domain.MemoryEntry, len(entries))
	copy(byRecency, entries)
	sort.SliceStable(byRecency, func(i, j int) bool {
		return byRecency[i].Timestamp.After(byRecency[j].Timestamp)
	})

	chosen := make(map[string]struct{}, topK)
	out := make([]domain.MemoryEntry, 0, topK)
	si, ri := 0, 0
	for len(out) < topK && (si < len(byScore) || ri < len(byRecency)) {
		var source []domain.MemoryEntry
		var idx *int
		if len(out)%2 == 0 && si < len(byScore) {
			source, idx = byScore, &si
		} else if ri < len(byRecency) {
			source, idx = byRecency, &ri
		} else {
			source, idx = byScore, &si
		}

		picked := false
		for *idx < len(source) {
			candidate := source[*idx]
			*idx++
			if _, dup := chosen[candidate.ID]; dup {
				continue
			}
			chosen[candidate.ID] = struct{}{}
			out = append(out, candidate)
			picked = true
			break
		}
		if !picked && si >= len(byScore) && ri >= len(byRecency) {
			break
		}
	}
	return out
}

// clipSentences keeps the first n sentences of the entry's content, appending
// an ellipsis marker when sentences were dropped.
func clipSentences(m domain.MemoryEntry, n int) domain.MemoryEntry {
	sentences := sentenceRe.FindAllString(m.Content, -1)
	if len(sentences) <= n {
		return m
	}

	clipped := strings.TrimSpace(strings.Join(sentences[:n], ""))
	out := m
	out.Content = clipped + " …"
	return out
}

// truncateToTokens cuts the entry's content to at most budget estimated
// tokens, respecting rune boundaries.
func truncateToTokens(m domain.MemoryEntry, budget int) domain.MemoryEntry {
	maxBytes := budget * 4
	if len(m.Content) <= maxBytes {
		return m
	}

	cut := maxBytes
	for cut > 0 && !utf8RuneStart(m.Content[cut]) {
		cut--
	}

	out := m
	out.Content = m.Content[:cut]
	return out
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
