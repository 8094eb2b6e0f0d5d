// Package memory talks to the remote long-term memory service and wraps it in
// the fallback machinery that keeps the chat path responsive when the service
// is slow or down.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

const defaultBaseURL = "http://localhost:8750"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL for the memory service.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is the HTTP client for the memory service. Collections are per-user
// namespaces; callers derive them with CollectionForUser and never cross
// users.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a memory service client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CollectionForUser derives the per-user namespace.
func CollectionForUser(userID string) string {
	return "user:" + userID
}

// SearchRequest is the wire shape of a memory search.
type SearchRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
	SearchType string `json:"search_type,omitempty"`
}

// SearchResponse is the wire shape of a memory search result.
type SearchResponse struct {
	Results     []domain.MemoryEntry `json:"results"`
	QueryTimeMs int64                `json:"query_time_ms"`
}

// TurnMessage is one message persisted for future retrieval.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Search queries the collection. Errors are classified dependency errors.
func (c *Client) Search(ctx context.Context, collection, query string, limit int, searchType string) (*SearchResponse, error) {
	req := SearchRequest{
		Collection: collection,
		Query:      query,
		Limit:      limit,
		SearchType: searchType,
	}

	var resp SearchResponse
	if err := c.post(ctx, "/v1/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddMessages persists chat messages into the collection. Callers treat this
// as fire-and-forget; the error only feeds telemetry.
func (c *Client) AddMessages(ctx context.Context, collection, sessionID string, messages []TurnMessage) error {
	req := struct {
		Collection string        `json:"collection"`
		SessionID  string        `json:"session_id,omitempty"`
		Messages   []TurnMessage `json:"messages"`
	}{collection, sessionID, messages}

	return c.post(ctx, "/v1/messages", req, nil)
}

// AddFacts persists extracted facts into the collection. Fire-and-forget like
// AddMessages.
func (c *Client) AddFacts(ctx context.Context, collection string, facts []string) error {
	req := struct {
		Collection string   `json:"collection"`
		Facts      []string `json:"facts"`
	}{collection, facts}

	return c.post(ctx, "/v1/facts", req, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.NewDependencyError(domain.Classify(err), err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return domain.NewDependencyError(domain.ClassFromStatus(resp.StatusCode), msg).
			WithStatus(resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
