// Package sse manages the outbound Server-Sent-Events stream for one chat
// request: framing, event ordering, heartbeats, and disconnect handling.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

// streamState tracks where the emitter is in its lifecycle.
type streamState int

const (
	stateOpen streamState = iota
	stateUsageSent
	stateClosed
)

var (
	// ErrStreamClosed is returned for any emit after a terminal event or
	// client disconnect.
	ErrStreamClosed = errors.New("sse: stream closed")

	// ErrInvalidTransition is returned when an event is emitted out of
	// order, e.g. Done before Usage.
	ErrInvalidTransition = errors.New("sse: invalid event for stream state")

	// ErrStreamingUnsupported is returned when the ResponseWriter cannot
	// flush.
	ErrStreamingUnsupported = errors.New("sse: response writer does not support streaming")
)

// Option configures an emitter.
type Option func(*Emitter)

// WithHeartbeatInterval overrides the 10s default.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Emitter) {
		e.heartbeatInterval = d
	}
}

// Emitter writes the event stream for one request. Methods are safe for
// concurrent use; the heartbeat goroutine shares the writer with the request
// goroutine.
type Emitter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	heartbeatInterval time.Duration

	mu    sync.Mutex
	state streamState
	done  chan struct{}
}

// NewEmitter prepares the stream and flushes headers immediately, so the
// client sees a live connection before any upstream work begins. The caller
// must eventually reach a terminal event or call Close.
func NewEmitter(w http.ResponseWriter, opts ...Option) (*Emitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	e := &Emitter{
		w:                 w,
		flusher:           flusher,
		heartbeatInterval: 10 * time.Second,
		state:             stateOpen,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	go e.heartbeatLoop()
	return e, nil
}

// heartbeatLoop writes comment-only lines while the stream is open so idle
// proxies keep the connection alive. Heartbeats are not semantic events.
func (e *Emitter) heartbeatLoop() {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.state == stateClosed {
				e.mu.Unlock()
				return
			}
			fmt.Fprint(e.w, ": heartbeat\n\n")
			e.flusher.Flush()
			e.mu.Unlock()
		}
	}
}

// Token emits one text delta. Valid any number of times while open.
func (e *Emitter) Token(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return ErrStreamClosed
	}
	if e.state != stateOpen {
		return ErrInvalidTransition
	}
	return e.write(domain.TokenEvent{Text: text})
}

// Usage emits the usage event. Valid exactly once, while open.
func (e *Emitter) Usage(usage domain.UsageEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return ErrStreamClosed
	}
	if e.state != stateOpen {
		return ErrInvalidTransition
	}
	if err := e.write(usage); err != nil {
		return err
	}
	e.state = stateUsageSent
	return nil
}

// Done emits the terminal done event. Valid only after Usage.
func (e *Emitter) Done(finishReason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return ErrStreamClosed
	}
	if e.state != stateUsageSent {
		return ErrInvalidTransition
	}
	if err := e.write(domain.DoneEvent{FinishReason: finishReason}); err != nil {
		return err
	}
	e.close()
	return nil
}

// Error emits the terminal error event, replacing Usage/Done. Valid only
// while open; tokens already sent remain valid.
func (e *Emitter) Error(message, code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return ErrStreamClosed
	}
	if e.state != stateOpen {
		return ErrInvalidTransition
	}
	if err := e.write(domain.ErrorEvent{Message: message, Code: code}); err != nil {
		return err
	}
	e.close()
	return nil
}

// Close marks the stream closed without emitting anything. Used on client
// disconnect; subsequent emits fail with ErrStreamClosed.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateClosed {
		e.close()
	}
}

// close transitions to closed and stops the heartbeat. Callers hold e.mu.
func (e *Emitter) close() {
	e.state = stateClosed
	close(e.done)
}

// write frames and flushes one event. Callers hold e.mu. The exhaustive
// switch keeps the wire format tied to the closed StreamEvent union.
func (e *Emitter) write(event domain.StreamEvent) error {
	var payload any
	switch ev := event.(type) {
	case domain.TokenEvent:
		payload = ev
	case domain.UsageEvent:
		payload = ev
	case domain.DoneEvent:
		payload = ev
	case domain.ErrorEvent:
		payload = ev
	default:
		return fmt.Errorf("sse: unknown event type %T", event)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event.EventType(), data); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	e.flusher.Flush()
	return nil
}
