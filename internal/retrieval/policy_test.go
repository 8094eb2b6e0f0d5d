package retrieval

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

func entry(id, content string, score float64, age time.Duration) domain.MemoryEntry {
	return domain.MemoryEntry{
		ID:        id,
		Content:   content,
		Score:     score,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(-age),
		Type:      domain.MemoryTypeMessage,
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	engine := NewEngine()

	payload := engine.Process(nil, DefaultConfig())

	if len(payload.Memories) != 0 {
		t.Errorf("Memories = %d, want 0", len(payload.Memories))
	}
	if payload.Metadata.TotalTokens != 0 {
		t.Errorf("TotalTokens = %d, want 0", payload.Metadata.TotalTokens)
	}
	if payload.Metadata.TotalResults != 0 {
		t.Errorf("TotalResults = %d, want 0", payload.Metadata.TotalResults)
	}
}

func TestProcess_MinScoreFilter(t *testing.T) {
	engine := NewEngine()
	raw := []domain.MemoryEntry{
		entry("a", "kept entry one", 0.9, time.Hour),
		entry("b", "dropped entry", 0.1, time.Hour),
		entry("c", "kept entry two", 0.31, time.Hour),
	}

	payload := engine.Process(raw, DefaultConfig())

	if len(payload.Memories) != 2 {
		t.Fatalf("Memories = %d, want 2", len(payload.Memories))
	}
	for _, m := range payload.Memories {
		if m.ID == "b" {
			t.Error("entry below min_score was included")
		}
	}
	if payload.Metadata.TotalResults != 3 {
		t.Errorf("TotalResults = %d, want 3 (pre-filter)", payload.Metadata.TotalResults)
	}
	if payload.Metadata.IncludedResults != 2 {
		t.Errorf("IncludedResults = %d, want 2", payload.Metadata.IncludedResults)
	}
}

func TestProcess_DeduplicatesNormalizedContent(t *testing.T) {
	engine := NewEngine()
	raw := []domain.MemoryEntry{
		entry("a", "The sky is blue.", 0.9, time.Hour),
		entry("b", "  the   sky is BLUE!  ", 0.8, 2*time.Hour),
		entry("c", "Water is wet.", 0.7, 3*time.Hour),
	}

	payload := engine.Process(raw, DefaultConfig())

	if len(payload.Memories) != 2 {
		t.Fatalf("Memories = %d, want 2 after dedupe", len(payload.Memories))
	}
	if payload.Memories[0].ID == "b" || payload.Memories[1].ID == "b" {
		t.Error("duplicate entry b survived dedupe; first occurrence should win")
	}
}

func TestProcess_DedupeIdempotent(t *testing.T) {
	engine := NewEngine()
	raw := []domain.MemoryEntry{
		entry("a", "First fact.", 0.9, time.Hour),
		entry("b", "Second fact.", 0.8, 2*time.Hour),
		entry("c", "Third fact.", 0.7, 3*time.Hour),
	}

	first := engine.Process(raw, DefaultConfig())
	second := engine.Process(first.Memories, DefaultConfig())

	if len(second.Memories) != len(first.Memories) {
		t.Fatalf("second pass changed entry count: %d -> %d", len(first.Memories), len(second.Memories))
	}
	for i := range first.Memories {
		if second.Memories[i].ID != first.Memories[i].ID {
			t.Errorf("entry %d changed: %s -> %s", i, first.Memories[i].ID, second.Memories[i].ID)
		}
	}
}

func TestProcess_InterleavesScoreAndRecency(t *testing.T) {
	engine := NewEngine()
	// "old" has the best score, "new" is the most recent.
	raw := []domain.MemoryEntry{
		entry("old", "Oldest but highest score.", 0.99, 100*time.Hour),
		entry("mid", "Middle of the road.", 0.5, 50*time.Hour),
		entry("new", "Newest but lowest score.", 0.4, time.Minute),
	}

	cfg := DefaultConfig()
	cfg.TopK = 2
	payload := engine.Process(raw, cfg)

	if len(payload.Memories) != 2 {
		t.Fatalf("Memories = %d, want 2", len(payload.Memories))
	}
	if payload.Memories[0].ID != "old" {
		t.Errorf("position 0 = %s, want old (score order)", payload.Memories[0].ID)
	}
	if payload.Memories[1].ID != "new" {
		t.Errorf("position 1 = %s, want new (recency order)", payload.Memories[1].ID)
	}
}

func TestProcess_ClipsSentences(t *testing.T) {
	engine := NewEngine()
	raw := []domain.MemoryEntry{
		entry("a", "One. Two. Three. Four.", 0.9, time.Hour),
	}

	cfg := DefaultConfig()
	cfg.ClipSentences = 2
	payload := engine.Process(raw, cfg)

	if len(payload.Memories) != 1 {
		t.Fatalf("Memories = %d, want 1", len(payload.Memories))
	}
	got := payload.Memories[0].Content
	if !strings.HasSuffix(got, "…") {
		t.Errorf("clipped content %q missing ellipsis marker", got)
	}
	if strings.Contains(got, "Three") {
		t.Errorf("clipped content %q retains dropped sentence", got)
	}
	if !strings.Contains(got, "One.") || !strings.Contains(got, "Two.") {
		t.Errorf("clipped content %q lost kept sentences", got)
	}
}

func TestProcess_NeverExceedsTokenBudget(t *testing.T) {
	engine := NewEngine()

	long := strings.Repeat("word ", 200) // ~250 estimated tokens after clip is bypassed
	var raw []domain.MemoryEntry
	for i := 0; i < 20; i++ {
		raw = append(raw, entry(fmt.Sprintf("e%d", i), fmt.Sprintf("%s unique %d", long, i), 0.9, time.Duration(i)*time.Hour))
	}

	cfg := DefaultConfig()
	cfg.TopK = 20
	cfg.ClipSentences = 5
	cfg.MaxTokens = 500
	payload := engine.Process(raw, cfg)

	total := 0
	for _, m := range payload.Memories {
		total += EstimateTokens(m.Content)
	}
	if total > cfg.MaxTokens {
		t.Errorf("estimated tokens %d exceed budget %d", total, cfg.MaxTokens)
	}
	if total != payload.Metadata.TotalTokens {
		t.Errorf("metadata TotalTokens = %d, recomputed %d", payload.Metadata.TotalTokens, total)
	}
	// The overflowing entry is kept as an exact-fill truncated prefix.
	if total != cfg.MaxTokens {
		t.Errorf("total = %d, want exact fill %d", total, cfg.MaxTokens)
	}
}

func TestProcess_ScenarioFifteenResultsWithDuplicates(t *testing.T) {
	engine := NewEngine()

	var raw []domain.MemoryEntry
	for i := 0; i < 12; i++ {
		raw = append(raw, entry(fmt.Sprintf("u%d", i), fmt.Sprintf("Unique memory number %d.", i), 0.4+float64(i)*0.04, time.Duration(i)*time.Hour))
	}
	// Three duplicates by normalized hash.
	raw = append(raw,
		entry("d1", "unique MEMORY number 1.", 0.9, time.Minute),
		entry("d2", "  Unique memory number 2. ", 0.9, 2*time.Minute),
		entry("d3", "UNIQUE MEMORY NUMBER 3!", 0.9, 3*time.Minute),
	)

	cfg := DefaultConfig()
	cfg.TopK = 8
	cfg.MaxTokens = 1500
	payload := engine.Process(raw, cfg)

	if len(payload.Memories) > 8 {
		t.Errorf("Memories = %d, want <= 8", len(payload.Memories))
	}
	if payload.Metadata.TotalTokens > 1500 {
		t.Errorf("TotalTokens = %d, want <= 1500", payload.Metadata.TotalTokens)
	}
	seen := map[uint64]bool{}
	for _, m := range payload.Memories {
		h := contentHash(m.Content)
		if seen[h] {
			t.Errorf("duplicate normalized content in output: %q", m.Content)
		}
		seen[h] = true
	}
}

func TestProcess_AppliedFiltersReflectStages(t *testing.T) {
	engine := NewEngine()

	t.Run("no-op pipeline reports nothing", func(t *testing.T) {
		raw := []domain.MemoryEntry{
			entry("a", "One short sentence.", 0.9, time.Hour),
		}

		payload := engine.Process(raw, DefaultConfig())

		if len(payload.Metadata.AppliedFilters) != 0 {
			t.Errorf("AppliedFilters = %v, want empty for a pass-through set", payload.Metadata.AppliedFilters)
		}
	})

	t.Run("empty input reports nothing", func(t *testing.T) {
		payload := engine.Process(nil, DefaultConfig())

		if len(payload.Metadata.AppliedFilters) != 0 {
			t.Errorf("AppliedFilters = %v, want empty", payload.Metadata.AppliedFilters)
		}
	})

	t.Run("active stages are listed", func(t *testing.T) {
		long := strings.Repeat("word ", 200)
		raw := []domain.MemoryEntry{
			entry("low", "Below the score floor.", 0.1, time.Hour),
			entry("a", "The sky is blue. It also rains. Often.", 0.9, time.Hour),
			entry("dup", "the SKY is blue. It also rains. Often!", 0.8, 2*time.Hour),
			entry("big1", long+"one", 0.7, 3*time.Hour),
			entry("big2", long+"two", 0.6, 4*time.Hour),
		}

		cfg := DefaultConfig()
		cfg.ClipSentences = 2
		cfg.MaxTokens = 200
		payload := engine.Process(raw, cfg)

		got := map[string]bool{}
		for _, f := range payload.Metadata.AppliedFilters {
			got[f] = true
		}
		for _, want := range []string{"min_score", "dedupe", "clip", "token_budget"} {
			if !got[want] {
				t.Errorf("AppliedFilters = %v, missing %q", payload.Metadata.AppliedFilters, want)
			}
		}
	})
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "clamps low",
			in:   Config{TopK: 0, ClipSentences: 0, MaxTokens: 10, MinScore: -1},
			want: Config{TopK: 1, ClipSentences: 1, MaxTokens: 100, MinScore: 0},
		},
		{
			name: "clamps high",
			in:   Config{TopK: 100, ClipSentences: 9, MaxTokens: 9000, MinScore: 2},
			want: Config{TopK: 20, ClipSentences: 5, MaxTokens: 3000, MinScore: 1},
		},
		{
			name: "in range untouched",
			in:   Config{TopK: 8, ClipSentences: 2, MaxTokens: 1500, MinScore: 0.3},
			want: Config{TopK: 8, ClipSentences: 2, MaxTokens: 1500, MinScore: 0.3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got.TopK != tt.want.TopK || got.ClipSentences != tt.want.ClipSentences ||
				got.MaxTokens != tt.want.MaxTokens || got.MinScore != tt.want.MinScore {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
