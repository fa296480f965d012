package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Event names written to stream clients.
const (
	EventConnected = "connected"
	EventMetric    = "metric"
	EventPing      = "ping"
)

// SetHeaders prepares w for an event stream. Must be called before the
// first write.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SSEWriter writes server-sent events with immediate flushing so each event
// reaches the client without buffering. Safe for concurrent use.
type SSEWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	canFlush bool
}

// NewSSEWriter wraps w. Flushing is skipped if w does not support it.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, canFlush := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher, canFlush: canFlush}
}

// WriteEvent serializes data as JSON and writes one event frame.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), event, payload); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	if s.canFlush {
		s.flusher.Flush()
	}
	return nil
}
