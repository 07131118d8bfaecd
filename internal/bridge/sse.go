package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// commentReplacer keeps multi-line comments inside the comment field.
var commentReplacer = strings.NewReplacer(
	"\n", "\n: ",
	"\r", "\\r",
)

var (
	sseDataPrefix    = []byte("data: ")
	sseCommentPrefix = []byte(": ")
	sseTerminator    = []byte("\n\n")
)

// SSEWriter writes Server-Sent Events to a flushing ResponseWriter.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers. Returns error if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter doesn't implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream;charset=utf-8")
	w.Header().Set("Connection", "keep-alive")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-cache")
	}

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes v as a JSON data field, preceded by an event name when
// name is non-empty.
func (s *SSEWriter) WriteEvent(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", strings.NewReplacer("\n", "", "\r", "").Replace(name)); err != nil {
			return err
		}
	}
	if _, err := s.w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write(sseTerminator); err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}

// WriteComment writes an SSE comment line, ignored by clients.
func (s *SSEWriter) WriteComment(comment string) error {
	if _, err := s.w.Write(sseCommentPrefix); err != nil {
		return err
	}
	if _, err := commentReplacer.WriteString(s.w, comment); err != nil {
		return err
	}
	if _, err := s.w.Write(sseTerminator); err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}

// streamEvents relays bus events until the client goes away.
func (b *Bridge) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeJSONError(ctx, w, err.Error(), http.StatusInternalServerError)
		return
	}

	ch, cancel := b.events.Subscribe()
	defer cancel()

	// Tells the client the subscription is in place.
	if err := sse.WriteComment("connected"); err != nil {
		return
	}

	heartbeat := time.NewTicker(b.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.WriteEvent(string(ev.Kind), ev); err != nil {
				slog.DebugContext(ctx, "event stream closed", "error", err)
				return
			}
		case <-heartbeat.C:
			if err := sse.WriteComment("heartbeat"); err != nil {
				return
			}
		}
	}
}
