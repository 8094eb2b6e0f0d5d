package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

func TestClient_Search(t *testing.T) {
	var gotReq SearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			t.Errorf("path = %s, want /v1/search", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)

		json.NewEncoder(w).Encode(SearchResponse{
			Results: []domain.MemoryEntry{
				{ID: "m1", Content: "User likes tea.", Score: 0.8, Timestamp: time.Now()},
			},
			QueryTimeMs: 12,
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	resp, err := client.Search(context.Background(), CollectionForUser("u1"), "tea", 8, "hybrid")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if gotReq.Collection != "user:u1" {
		t.Errorf("collection = %q, want user:u1", gotReq.Collection)
	}
	if gotReq.Limit != 8 {
		t.Errorf("limit = %d, want 8", gotReq.Limit)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "m1" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if resp.QueryTimeMs != 12 {
		t.Errorf("QueryTimeMs = %d, want 12", resp.QueryTimeMs)
	}
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorClass
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrorClassRateLimited},
		{"gateway timeout", http.StatusGatewayTimeout, domain.ErrorClassGatewayTimeout},
		{"server error", http.StatusInternalServerError, domain.ErrorClassServer},
		{"client error", http.StatusBadRequest, domain.ErrorClassClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream unhappy", tt.status)
			}))
			defer srv.Close()

			client := NewClient("", WithBaseURL(srv.URL))
			_, err := client.Search(context.Background(), "user:u1", "q", 5, "")
			if err == nil {
				t.Fatal("expected error")
			}

			var depErr *domain.DependencyError
			if !errors.As(err, &depErr) {
				t.Fatalf("err = %T, want DependencyError", err)
			}
			if depErr.Class != tt.want {
				t.Errorf("class = %v, want %v", depErr.Class, tt.want)
			}
			if depErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", depErr.StatusCode, tt.status)
			}
		})
	}
}

func TestClient_TimeoutClassifiedAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; otherwise srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Search(ctx, "user:u1", "q", 5, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := domain.Classify(err); got != domain.ErrorClassTimeout {
		t.Errorf("Classify = %v, want timeout", got)
	}
}

func TestClient_AddMessages(t *testing.T) {
	var got struct {
		Collection string        `json:"collection"`
		SessionID  string        `json:"session_id"`
		Messages   []TurnMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	err := client.AddMessages(context.Background(), "user:u1", "sess-1", []TurnMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})
	if err != nil {
		t.Fatalf("AddMessages() error = %v", err)
	}
	if got.Collection != "user:u1" || got.SessionID != "sess-1" || len(got.Messages) != 2 {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestClient_AddFacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/facts" {
			t.Errorf("path = %s, want /v1/facts", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	if err := client.AddFacts(context.Background(), "user:u1", []string{"likes tea"}); err != nil {
		t.Fatalf("AddFacts() error = %v", err)
	}
}
