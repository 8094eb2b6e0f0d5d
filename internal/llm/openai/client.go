// Package openai implements llm.Provider against an OpenAI-compatible chat
// completions API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/memchat-relay/internal/domain"
	"github.com/tjfontaine/memchat-relay/internal/llm"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// Provider streams completions from an OpenAI-compatible endpoint.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ llm.Provider = (*Provider)(nil)

// New creates a provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "openai" }

// Stream opens a streaming chat completion. Usage reporting is requested via
// stream_options so the final chunk carries token counts.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	apiReq := &chatCompletionRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &streamOpts{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "system", Content: req.System})
	}
	apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "user", Content: req.User})
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewDependencyError(domain.Classify(err), err.Error()).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, domain.NewDependencyError(domain.ClassFromStatus(resp.StatusCode), msg).
			WithStatus(resp.StatusCode)
	}

	out := make(chan llm.Delta)
	go p.streamReader(resp.Body, out)
	return out, nil
}

// streamReader parses SSE data lines into deltas and closes the channel on
// [DONE] or EOF.
func (p *Provider) streamReader(body io.ReadCloser, out chan<- llm.Delta) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- llm.Delta{Err: fmt.Errorf("failed to unmarshal chunk: %w", err)}
			return
		}

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				out <- llm.Delta{Text: choice.Delta.Content}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				out <- llm.Delta{FinishReason: *choice.FinishReason}
			}
		}

		if chunk.Usage != nil {
			usage := &domain.Usage{
				TokensIn:  chunk.Usage.PromptTokens,
				TokensOut: chunk.Usage.CompletionTokens,
			}
			if chunk.Usage.PromptTokensDetails != nil {
				usage.CachedTokensIn = chunk.Usage.PromptTokensDetails.CachedTokens
			}
			out <- llm.Delta{Usage: usage}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- llm.Delta{Err: fmt.Errorf("stream read error: %w", err)}
	}
}
