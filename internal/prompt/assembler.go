// Package prompt renders the final model prompt from the system text, the
// retrieved memory context, and the user message, under fixed per-segment
// token budgets.
package prompt

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/memchat-relay/internal/domain"
	"github.com/tjfontaine/memchat-relay/internal/retrieval"
)

// Budgets are the per-segment token caps. Segments never borrow from each
// other.
type Budgets struct {
	System int `koanf:"system"`
	Memory int `koanf:"memory"`
	User   int `koanf:"user"`
}

// DefaultBudgets returns the stock segment caps.
func DefaultBudgets() Budgets {
	return Budgets{System: 200, Memory: 1500, User: 2000}
}

// InclusionReport records which memory entries made it into the prompt, by
// id, for auditability.
type InclusionReport struct {
	IncludedMemoryIDs []string
	ExcludedMemoryIDs []string
	SystemTruncated   bool
	UserTruncated     bool
}

// Prompt is the assembled model input.
type Prompt struct {
	System string
	User   string
}

// Assembler renders prompts. Deterministic given identical inputs.
type Assembler struct {
	budgets Budgets
}

// NewAssembler creates an assembler with the given budgets. Zero or negative
// caps fall back to the defaults.
func NewAssembler(budgets Budgets) *Assembler {
	defaults := DefaultBudgets()
	if budgets.System <= 0 {
		budgets.System = defaults.System
	}
	if budgets.Memory <= 0 {
		budgets.Memory = defaults.Memory
	}
	if budgets.User <= 0 {
		budgets.User = defaults.User
	}
	return &Assembler{budgets: budgets}
}

// Assemble renders the prompt. memories may be nil (no-memory degradation);
// the prompt then simply omits the context block.
func (a *Assembler) Assemble(systemText string, memories *domain.RetrievalPayload, userMessage string) (Prompt, InclusionReport) {
	var report InclusionReport

	system, sysTruncated := truncateToTokens(systemText, a.budgets.System)
	report.SystemTruncated = sysTruncated

	memoryBlock := a.renderMemories(memories, &report)
	if memoryBlock != "" {
		system = system + "\n\n" + memoryBlock
	}

	user, userTruncated := truncateToTokens(userMessage, a.budgets.User)
	report.UserTruncated = userTruncated

	return Prompt{System: system, User: user}, report
}

// renderMemories formats entries into the context block, stopping at the
// memory budget. Entries that do not fit whole are excluded; the retrieval
// engine has already done fine-grained truncation upstream.
func (a *Assembler) renderMemories(memories *domain.RetrievalPayload, report *InclusionReport) string {
	if memories == nil || len(memories.Memories) == 0 {
		return ""
	}

	var b strings.Builder
	header := "Relevant context from prior conversations:"
	used := retrieval.EstimateTokens(header)
	b.WriteString(header)

	for _, m := range memories.Memories {
		line := fmt.Sprintf("\n- [%s] %s", m.Type, m.Content)
		cost := retrieval.EstimateTokens(line)
		if used+cost > a.budgets.Memory {
			report.ExcludedMemoryIDs = append(report.ExcludedMemoryIDs, m.ID)
			continue
		}
		b.WriteString(line)
		used += cost
		report.IncludedMemoryIDs = append(report.IncludedMemoryIDs, m.ID)
	}

	if len(report.IncludedMemoryIDs) == 0 {
		return ""
	}
	return b.String()
}

// truncateToTokens cuts text to the cap using the 4-chars-per-token estimate,
// respecting rune boundaries.
func truncateToTokens(text string, budget int) (string, bool) {
	maxBytes := budget * 4
	if len(text) <= maxBytes {
		return text, false
	}

	cut := maxBytes
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut], true
}
