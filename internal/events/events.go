// Package events implements MikroDB's change-data-capture hook (spec
// §4.8): synchronous dispatch to local listeners plus best-effort HTTP
// POST to configured targets. The table manager is the only emitter;
// emission failures are logged and never propagate to the caller.
package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Operation names the kind of change-data-capture event (spec §4.8).
type Operation string

const (
	OpItemWritten  Operation = "item.written"
	OpItemDeleted  Operation = "item.deleted"
	OpItemExpired  Operation = "item.expired"
	OpTableDeleted Operation = "table.deleted"
)

// Event is the payload dispatched to listeners and HTTP targets.
type Event struct {
	Operation Operation   `json:"operation"`
	Table     string      `json:"table"`
	Key       string      `json:"key,omitempty"`
	Record    interface{} `json:"record,omitempty"`
}

// Listener receives events synchronously, on the goroutine that calls
// Emit.
type Listener func(Event)

// Hub fans Emit calls out to local listeners and HTTP targets. It is safe
// for concurrent use, mirroring the teacher CDC stream's mutex-guarded
// subscriber map.
type Hub struct {
	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
	targets   []string
	client    *http.Client
	log       *slog.Logger
}

// NewHub creates an event hub that best-effort POSTs to targets (may be
// empty) in addition to dispatching to local listeners.
func NewHub(targets []string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		listeners: make(map[uint64]Listener),
		targets:   targets,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       log.With(slog.String("component", "events")),
	}
}

// Subscribe registers a listener and returns an id usable with
// Unsubscribe.
func (h *Hub) Subscribe(l Listener) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = l
	return id
}

// Unsubscribe removes a previously registered listener.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

// Emit dispatches ev to every local listener synchronously, then fires a
// best-effort POST to every configured HTTP target in the background.
// Per spec §4.8 and §7, failures here never fail the originating
// mutation: listener panics are not recovered from deliberately (a
// listener that panics is a caller bug), but POST failures are only
// logged.
func (h *Hub) Emit(ev Event) {
	h.mu.Lock()
	listeners := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	targets := h.targets
	h.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}

	if len(targets) == 0 {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("failed to marshal event", slog.Any("error", err))
		return
	}
	for _, target := range targets {
		go h.post(target, body)
	}
}

func (h *Hub) post(target string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		h.log.Warn("failed to build event request", slog.String("target", target), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Warn("event dispatch failed", slog.String("target", target), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		h.log.Warn("event target returned non-2xx", slog.String("target", target), slog.Int("status", resp.StatusCode))
	}
}
