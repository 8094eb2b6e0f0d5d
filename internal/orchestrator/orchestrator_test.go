package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/memchat-relay/internal/domain"
	"github.com/tjfontaine/memchat-relay/internal/llm"
	"github.com/tjfontaine/memchat-relay/internal/memory"
	"github.com/tjfontaine/memchat-relay/internal/pricing"
	"github.com/tjfontaine/memchat-relay/internal/prompt"
	"github.com/tjfontaine/memchat-relay/internal/retrieval"
	"github.com/tjfontaine/memchat-relay/internal/telemetry"
	"github.com/tjfontaine/memchat-relay/internal/tokens"
)

type fakeProvider struct {
	mu     sync.Mutex
	req    *llm.Request
	deltas []llm.Delta
	err    error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	f.mu.Lock()
	f.req = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.Delta, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) lastRequest() *llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req
}

type fakeMemory struct {
	mu      sync.Mutex
	calls   int
	payload *domain.RetrievalPayload
	block   bool
}

func (f *fakeMemory) GetContext(ctx context.Context, userID, query string, cfg retrieval.Config) *domain.RetrievalPayload {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil
	}
	return f.payload
}

func (f *fakeMemory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTurns struct {
	added chan []memory.TurnMessage
}

func newFakeTurns() *fakeTurns {
	return &fakeTurns{added: make(chan []memory.TurnMessage, 1)}
}

func (f *fakeTurns) AddMessages(ctx context.Context, collection, sessionID string, messages []memory.TurnMessage) error {
	f.added <- messages
	return nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	kind   string
	fields map[string]any
}

func (r *captureRecorder) Record(ctx context.Context, kind string, requestID string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, capturedEvent{kind: kind, fields: fields})
}

func (r *captureRecorder) byKind(kind string) []capturedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []capturedEvent
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(provider llm.Provider, mem MemorySource, turns TurnWriter, rec telemetry.Recorder) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(
		provider,
		mem,
		turns,
		prompt.NewAssembler(prompt.Budgets{}),
		tokens.NewRegistry(),
		pricing.NewCalculator(nil, domain.ModelPricing{}, logger),
		rec,
		logger,
		Config{
			SystemText:        "You are a helpful assistant.",
			Retrieval:         retrieval.DefaultConfig(),
			PreludeTimeout:    100 * time.Millisecond,
			HeartbeatInterval: time.Minute,
		},
	)
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	lines := strings.Split(body, "\n")
	for i := 0; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "event: ") {
			ev := sseEvent{name: strings.TrimPrefix(lines[i], "event: ")}
			if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "data: ") {
				ev.data = strings.TrimPrefix(lines[i+1], "data: ")
			}
			events = append(events, ev)
		}
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.name
	}
	return names
}

func TestStream_SuccessWithMemory(t *testing.T) {
	provider := &fakeProvider{deltas: []llm.Delta{
		{Text: "Hel"},
		{Text: "lo"},
		{FinishReason: "stop"},
		{Usage: &domain.Usage{TokensIn: 10, TokensOut: 2}},
	}}
	mem := &fakeMemory{payload: &domain.RetrievalPayload{
		Memories: []domain.MemoryEntry{{ID: "m1", Content: "User likes Go.", Type: domain.MemoryTypeFact}},
		Metadata: domain.RetrievalMetadata{TotalResults: 1, IncludedResults: 1},
	}}
	turns := newFakeTurns()
	rec := &captureRecorder{}
	orch := newTestOrchestrator(provider, mem, turns, rec)

	w := httptest.NewRecorder()
	orch.Stream(context.Background(), w, &domain.ChatRequest{Message: "hi", UseMemory: true, SessionID: "s1"}, "u1")

	events := parseSSE(w.Body.String())
	want := []string{"token", "token", "usage", "done"}
	if got := eventNames(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}

	var usage domain.UsageEvent
	if err := json.Unmarshal([]byte(events[2].data), &usage); err != nil {
		t.Fatalf("unmarshal usage: %v", err)
	}
	if usage.TokensIn != 10 || usage.TokensOut != 2 {
		t.Errorf("usage = %+v", usage)
	}
	if usage.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", usage.CostUSD)
	}

	if req := provider.lastRequest(); !strings.Contains(req.System, "User likes Go.") {
		t.Errorf("memory context missing from system prompt: %q", req.System)
	}

	select {
	case msgs := <-turns.added:
		if len(msgs) != 2 || msgs[1].Role != "assistant" || msgs[1].Content != "Hello" {
			t.Errorf("persisted = %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Error("turn was not persisted")
	}

	if got := rec.byKind(telemetry.KindChatCompleted); len(got) != 1 {
		t.Errorf("chat_completed records = %d, want 1", len(got))
	}
}

func TestStream_MemoryTimeoutStillStreams(t *testing.T) {
	provider := &fakeProvider{deltas: []llm.Delta{
		{Text: "ok"},
		{FinishReason: "stop"},
		{Usage: &domain.Usage{TokensIn: 5, TokensOut: 1}},
	}}
	mem := &fakeMemory{block: true}
	rec := &captureRecorder{}
	orch := newTestOrchestrator(provider, mem, nil, rec)

	w := httptest.NewRecorder()
	start := time.Now()
	orch.Stream(context.Background(), w, &domain.ChatRequest{Message: "hi", UseMemory: true}, "u1")

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stream blocked on memory for %v", elapsed)
	}

	names := eventNames(parseSSE(w.Body.String()))
	if strings.Join(names, ",") != "token,usage,done" {
		t.Fatalf("events = %v", names)
	}
	if req := provider.lastRequest(); strings.Contains(req.System, "Relevant context") {
		t.Errorf("system prompt should not contain a memory block: %q", req.System)
	}
}

func TestStream_UseMemoryFalseSkipsFetch(t *testing.T) {
	provider := &fakeProvider{deltas: []llm.Delta{
		{Text: "ok"},
		{Usage: &domain.Usage{TokensIn: 1, TokensOut: 1}},
	}}
	mem := &fakeMemory{}
	orch := newTestOrchestrator(provider, mem, nil, &captureRecorder{})

	w := httptest.NewRecorder()
	orch.Stream(context.Background(), w, &domain.ChatRequest{Message: "hi"}, "u1")

	if mem.callCount() != 0 {
		t.Errorf("memory fetched %d times, want 0", mem.callCount())
	}
}

func TestStream_ProviderErrorEmitsSingleError(t *testing.T) {
	provider := &fakeProvider{
		err: domain.NewDependencyError(domain.ErrorClassRateLimited, "slow down").WithStatus(429),
	}
	rec := &captureRecorder{}
	orch := newTestOrchestrator(provider, &fakeMemory{}, nil, rec)

	w := httptest.NewRecorder()
	orch.Stream(context.Background(), w, &domain.ChatRequest{Message: "hi"}, "u1")

	events := parseSSE(w.Body.String())
	if len(events) != 1 || events[0].name != "error" {
		t.Fatalf("events = %v, want single error", eventNames(events))
	}

	var errEvent domain.ErrorEvent
	if err := json.Unmarshal([]byte(events[0].data), &errEvent); err != nil {
		t.Fatalf("unmarshal error event: %v", err)
	}
	if errEvent.Code != string(domain.ErrorClassRateLimited) {
		t.Errorf("code = %q, want rate_limited", errEvent.Code)
	}

	if got := rec.byKind(telemetry.KindChatError); len(got) != 1 {
		t.Fatalf("chat_error records = %d, want 1", len(got))
	}
	if got := rec.byKind(telemetry.KindChatCompleted); len(got) != 0 {
		t.Errorf("chat_completed records = %d, want 0", len(got))
	}
}

func TestStream_MidStreamErrorKeepsPartialTokens(t *testing.T) {
	provider := &fakeProvider{deltas: []llm.Delta{
		{Text: "partial"},
		{Err: domain.NewDependencyError(domain.ErrorClassServer, "upstream reset").WithStatus(500)},
	}}
	rec := &captureRecorder{}
	orch := newTestOrchestrator(provider, &fakeMemory{}, nil, rec)

	w := httptest.NewRecorder()
	orch.Stream(context.Background(), w, &domain.ChatRequest{Message: "hi"}, "u1")

	names := eventNames(parseSSE(w.Body.String()))
	if strings.Join(names, ",") != "token,error" {
		t.Fatalf("events = %v, want token then error", names)
	}
}

func TestStream_EstimatesUsageWhenProviderSilent(t *testing.T) {
	provider := &fakeProvider{deltas: []llm.Delta{
		{Text: "an answer with several words in it"},
		{FinishReason: "stop"},
	}}
	rec := &captureRecorder{}
	orch := newTestOrchestrator(provider, &fakeMemory{}, nil, rec)

	w := httptest.NewRecorder()
	orch.Stream(context.Background(), w, &domain.ChatRequest{Message: "hi", Model: "unknown-model"}, "u1")

	events := parseSSE(w.Body.String())
	names := eventNames(events)
	if strings.Join(names, ",") != "token,usage,done" {
		t.Fatalf("events = %v", names)
	}

	var usage domain.UsageEvent
	if err := json.Unmarshal([]byte(events[1].data), &usage); err != nil {
		t.Fatalf("unmarshal usage: %v", err)
	}
	if usage.TokensIn <= 0 || usage.TokensOut <= 0 {
		t.Errorf("estimated usage = %+v, want positive counts", usage)
	}

	completed := rec.byKind(telemetry.KindChatCompleted)
	if len(completed) != 1 {
		t.Fatalf("chat_completed records = %d", len(completed))
	}
	if completed[0].fields["estimated"] != true {
		t.Errorf("estimated field = %v, want true", completed[0].fields["estimated"])
	}
}

func TestHandleChat_RejectsEmptyMessage(t *testing.T) {
	orch := newTestOrchestrator(&fakeProvider{}, &fakeMemory{}, nil, &captureRecorder{})
	handler := NewHandler(orch)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"  "}`))
	w := httptest.NewRecorder()
	handler.HandleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleChat_RejectsMalformedBody(t *testing.T) {
	orch := newTestOrchestrator(&fakeProvider{}, &fakeMemory{}, nil, &captureRecorder{})
	handler := NewHandler(orch)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	handler.HandleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
