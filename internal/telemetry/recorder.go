// Package telemetry emits the relay's structured usage and failure records
// and owns tracing setup. Records are logged immediately and, when a store is
// attached, persisted for later analysis.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record kinds emitted by the relay.
const (
	KindMemorySearchFailed = "memory_search_failed"
	KindMemorySearchOK     = "memory_search_ok"
	KindChatCompleted      = "chat_completed"
	KindChatError          = "chat_error"
)

// Event is one structured telemetry record.
type Event struct {
	ID        string
	Kind      string
	RequestID string
	Timestamp time.Time
	Fields    map[string]any
}

// Recorder accepts telemetry records. Implementations must be safe for
// concurrent use; Record must never block the request path for long.
type Recorder interface {
	Record(ctx context.Context, kind string, requestID string, fields map[string]any)
}

// EventStore persists telemetry events. *sqlitestore in this package's
// sibling file implements it; tests use in-memory fakes.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
}

// LogRecorder logs every record through slog and forwards to an optional
// store. The store write happens off the request path; failures are logged,
// never surfaced.
type LogRecorder struct {
	logger *slog.Logger
	store  EventStore
	wg     sync.WaitGroup
}

// NewLogRecorder creates a recorder. store may be nil.
func NewLogRecorder(logger *slog.Logger, store EventStore) *LogRecorder {
	return &LogRecorder{logger: logger, store: store}
}

func (r *LogRecorder) Record(ctx context.Context, kind string, requestID string, fields map[string]any) {
	event := &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	attrs := make([]slog.Attr, 0, len(fields)+2)
	attrs = append(attrs, slog.String("kind", kind))
	if requestID != "" {
		attrs = append(attrs, slog.String("request_id", requestID))
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, "telemetry", attrs...)

	if r.store != nil {
		// Detached from the request context: the request may finish (or be
		// cancelled) before the write lands.
		storeCtx := context.WithoutCancel(ctx)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.store.AppendEvent(storeCtx, event); err != nil {
				r.logger.Warn("telemetry store append failed",
					slog.String("kind", kind),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// Drain waits for in-flight store writes. Called on shutdown and in tests.
func (r *LogRecorder) Drain() {
	r.wg.Wait()
}

// Nop is a Recorder that discards everything. Used in tests and when
// telemetry is disabled.
type Nop struct{}

func (Nop) Record(ctx context.Context, kind string, requestID string, fields map[string]any) {}
