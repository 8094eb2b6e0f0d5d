// Package orchestrator sequences one chat turn: stream start, memory
// retrieval, prompt assembly, provider streaming, usage accounting, and
// fire-and-forget turn persistence.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/memchat-relay/internal/domain"
	"github.com/tjfontaine/memchat-relay/internal/llm"
	"github.com/tjfontaine/memchat-relay/internal/memory"
	"github.com/tjfontaine/memchat-relay/internal/pricing"
	"github.com/tjfontaine/memchat-relay/internal/prompt"
	"github.com/tjfontaine/memchat-relay/internal/retrieval"
	"github.com/tjfontaine/memchat-relay/internal/server"
	"github.com/tjfontaine/memchat-relay/internal/sse"
	"github.com/tjfontaine/memchat-relay/internal/telemetry"
	"github.com/tjfontaine/memchat-relay/internal/tokens"
)

// MemorySource provides shaped memory context. *memory.FallbackService
// implements it; a nil payload means "answer without memory".
type MemorySource interface {
	GetContext(ctx context.Context, userID, query string, cfg retrieval.Config) *domain.RetrievalPayload
}

// TurnWriter persists completed turns. *memory.Client implements it.
type TurnWriter interface {
	AddMessages(ctx context.Context, collection, sessionID string, messages []memory.TurnMessage) error
}

// Config tunes one orchestrator instance.
type Config struct {
	SystemText   string
	DefaultModel string
	MaxTokens    int
	Retrieval    retrieval.Config

	// PreludeTimeout bounds memory retrieval plus prompt assembly. A
	// non-responsive memory service never delays the first provider byte
	// past this.
	PreludeTimeout time.Duration

	// HeartbeatInterval is forwarded to the SSE emitter.
	HeartbeatInterval time.Duration

	// PersistTimeout bounds the background turn write.
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PreludeTimeout <= 0 {
		c.PreludeTimeout = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o-mini"
	}
	return c
}

// Orchestrator drives chat turns. One instance is shared by all requests;
// per-request state lives on the stack of Stream.
type Orchestrator struct {
	provider  llm.Provider
	memories  MemorySource
	turns     TurnWriter
	assembler *prompt.Assembler
	counter   *tokens.Registry
	costs     *pricing.Calculator
	recorder  telemetry.Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
}

// New wires an orchestrator. turns may be nil to disable persistence.
func New(provider llm.Provider, memories MemorySource, turns TurnWriter, assembler *prompt.Assembler, counter *tokens.Registry, costs *pricing.Calculator, recorder telemetry.Recorder, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		memories:  memories,
		turns:     turns,
		assembler: assembler,
		counter:   counter,
		costs:     costs,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("memchat-relay/orchestrator"),
		cfg:       cfg.withDefaults(),
	}
}

// Stream runs one chat turn against w. It always leaves the emitter in a
// terminal state: Usage+Done, a single Error, or Close on client disconnect.
func (o *Orchestrator) Stream(ctx context.Context, w http.ResponseWriter, req *domain.ChatRequest, userID string) {
	model := req.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}

	ctx, span := o.tracer.Start(ctx, "chat.stream",
		trace.WithAttributes(
			attribute.String("model", model),
			attribute.Bool("use_memory", req.UseMemory),
		))
	defer span.End()

	requestID := telemetry.RequestIDFrom(ctx)
	server.AddLogField(ctx, "model", model)

	emitter, err := sse.NewEmitter(w, sse.WithHeartbeatInterval(o.cfg.HeartbeatInterval))
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Headers are on the wire. Fetch memory on its own goroutine and
	// deadline so a slow memory service cannot stall the stream prelude.
	memoryCh := make(chan *domain.RetrievalPayload, 1)
	if req.UseMemory && o.memories != nil {
		memCtx, memCancel := context.WithTimeout(ctx, o.cfg.PreludeTimeout)
		defer memCancel()
		go func() {
			memoryCh <- o.memories.GetContext(memCtx, userID, req.Message, o.cfg.Retrieval)
		}()
	} else {
		memoryCh <- nil
	}

	var payload *domain.RetrievalPayload
	select {
	case payload = <-memoryCh:
	case <-ctx.Done():
		emitter.Close()
		return
	}

	assembled, report := o.assembler.Assemble(o.cfg.SystemText, payload, req.Message)

	var (
		assistant    string
		finishReason string
		usage        *domain.Usage
	)
	defer o.persistTurn(ctx, userID, req, &assistant)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	deltas, err := o.provider.Stream(streamCtx, &llm.Request{
		Model:     model,
		System:    assembled.System,
		User:      assembled.User,
		MaxTokens: o.cfg.MaxTokens,
	})
	if err != nil {
		o.failStream(ctx, emitter, span, requestID, model, err)
		return
	}

	for d := range deltas {
		if d.Err != nil {
			if ctx.Err() != nil {
				// Client is gone; no terminal event.
				emitter.Close()
				return
			}
			o.failStream(ctx, emitter, span, requestID, model, d.Err)
			return
		}
		if d.Text != "" {
			if err := emitter.Token(d.Text); err != nil {
				// Write failed mid-stream, treat as disconnect.
				cancelStream()
				for range deltas {
				}
				emitter.Close()
				return
			}
			assistant += d.Text
		}
		if d.FinishReason != "" {
			finishReason = d.FinishReason
		}
		if d.Usage != nil {
			usage = d.Usage
		}
	}

	if ctx.Err() != nil {
		emitter.Close()
		return
	}

	if usage == nil {
		usage = o.estimateUsage(model, assembled, assistant)
	}
	if finishReason == "" {
		finishReason = "stop"
	}

	cost := o.costs.Calculate(ctx, model, usage.TokensIn, usage.TokensOut, usage.CachedTokensIn)
	totalUSD := pricing.RoundStored(cost.TotalUSD)

	if err := emitter.Usage(domain.UsageEvent{
		TokensIn:  usage.TokensIn,
		TokensOut: usage.TokensOut,
		CostUSD:   totalUSD,
		Model:     model,
	}); err != nil {
		emitter.Close()
		return
	}
	if err := emitter.Done(finishReason); err != nil {
		emitter.Close()
		return
	}

	o.recorder.Record(ctx, telemetry.KindChatCompleted, requestID, map[string]any{
		"model":            model,
		"tokens_in":        usage.TokensIn,
		"tokens_out":       usage.TokensOut,
		"cached_tokens_in": usage.CachedTokensIn,
		"cost_usd":         totalUSD,
		"estimated":        usage.Estimated,
		"model_found":      cost.ModelFound,
		"memory_included":  len(report.IncludedMemoryIDs),
		"finish_reason":    finishReason,
	})
}

// failStream emits the single terminal error event and records chat_error.
// Token events already sent remain valid.
func (o *Orchestrator) failStream(ctx context.Context, emitter *sse.Emitter, span trace.Span, requestID, model string, err error) {
	class := domain.Classify(err)
	span.RecordError(err)
	server.AddError(ctx, err)

	if emitErr := emitter.Error("model provider request failed", string(class)); emitErr != nil {
		emitter.Close()
	}

	o.recorder.Record(ctx, telemetry.KindChatError, requestID, map[string]any{
		"model":  model,
		"reason": string(class),
	})
	o.logger.Error("chat stream failed",
		slog.String("request_id", requestID),
		slog.String("model", model),
		slog.String("reason", string(class)),
		slog.String("error", err.Error()),
	)
}

// estimateUsage derives token counts when the provider reported none.
func (o *Orchestrator) estimateUsage(model string, p prompt.Prompt, assistant string) *domain.Usage {
	in, _ := o.counter.Count(model, p.System+"\n"+p.User)
	out, _ := o.counter.Count(model, assistant)
	return &domain.Usage{TokensIn: in, TokensOut: out, Estimated: true}
}

// persistTurn writes the turn to the memory service off the request's
// critical path. The parent cancellation is detached so a client disconnect
// does not lose the turn; failures are logged, never surfaced.
func (o *Orchestrator) persistTurn(ctx context.Context, userID string, req *domain.ChatRequest, assistant *string) {
	if o.turns == nil {
		return
	}

	messages := []memory.TurnMessage{{Role: "user", Content: req.Message}}
	if *assistant != "" {
		messages = append(messages, memory.TurnMessage{Role: "assistant", Content: *assistant})
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		bg, cancel := context.WithTimeout(bg, o.cfg.PersistTimeout)
		defer cancel()
		if err := o.turns.AddMessages(bg, memory.CollectionForUser(userID), req.SessionID, messages); err != nil {
			o.logger.Warn("turn persistence failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
