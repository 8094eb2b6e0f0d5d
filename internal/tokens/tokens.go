// Package tokens provides token counting for usage accounting: exact counts
// via tiktoken for OpenAI-family models, and a word/char estimator for
// everything else. Counts here are only used when the provider does not
// report usage itself.
package tokens

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens of plain text for a model.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Registry resolves the counter for a model, falling back to estimation.
// Count never fails: a counter error degrades to the estimator.
type Registry struct {
	counters []Counter
}

// NewRegistry creates a registry with the OpenAI counter registered.
func NewRegistry() *Registry {
	return &Registry{counters: []Counter{NewOpenAICounter()}}
}

// Register adds a counter. Counters are tried in registration order.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// Count returns the token count for text under the model's tokenizer, or the
// estimate when no counter supports the model. The bool reports whether the
// count is an estimate.
func (r *Registry) Count(model, text string) (int, bool) {
	for _, c := range r.counters {
		if !c.SupportsModel(model) {
			continue
		}
		n, err := c.CountText(model, text)
		if err == nil {
			return n, false
		}
	}
	return Estimate(text), true
}

// Estimate blends a word-based and a character-based token estimate:
// round(0.5*words*1.3 + 0.5*chars/4). Returns at least 1 for non-empty text
// so usage is never silently zero.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := utf8.RuneCountInString(text)
	n := int(math.Round(0.5*float64(words)*1.3 + 0.5*float64(chars)/4.0))
	if n < 1 {
		n = 1
	}
	return n
}

// OpenAICounter counts tokens for OpenAI-family models using tiktoken.
type OpenAICounter struct {
	prefixes []string

	cacheMu    sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewOpenAICounter creates a tiktoken-backed counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		prefixes:   []string{"gpt-", "o1", "o3", "o4", "text-embedding"},
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// SupportsModel returns true for OpenAI-family model names.
func (c *OpenAICounter) SupportsModel(model string) bool {
	model = strings.ToLower(model)
	for _, p := range c.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// CountText counts tokens for plain text.
func (c *OpenAICounter) CountText(model, text string) (int, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *OpenAICounter) getCodec(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return codec, nil
	}

	encoding := encodingFor(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()
	return codec, nil
}

// encodingFor maps model prefixes to fallback encodings. Newer families use
// o200k_base; gpt-4/gpt-3.5 use cl100k_base.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
