package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/durablestreams/dstreamd/internal/framing"
)

// ssePollInterval bounds how often the pump re-checks the store between
// WaitForMessages wakeups, grounded on the teacher's handleSSE loop.
const ssePollInterval = 100 * time.Millisecond

// handleSSE implements GET <path>?offset=&live=sse&cursor= (§6), streaming
// `event: data` / `event: control` frames until the client disconnects or
// the reconnect interval elapses (at which point the connection is closed
// so a CDN can safely collapse concurrent long-lived requests).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, q readQuery) {
	if !r.URL.Query().Has("offset") {
		writeProblem(w, r, errBadRequest)
		return
	}
	meta, err := s.store.Get(r.Context(), r.URL.Path)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	normalized := framing.Normalize(meta.ContentType)
	if !strings.HasPrefix(normalized, "text/") && !framing.IsJSON(normalized) {
		writeProblem(w, r, errBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, r, errInternal)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	reconnectTimer := time.NewTimer(s.cfg.SSEReconnectInterval)
	defer reconnectTimer.Stop()

	currentOffset := q.Offset
	sentInitial := false
	closed := meta.Closed

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconnectTimer.C:
			return
		default:
		}

		read, err := s.store.Read(ctx, r.URL.Path, currentOffset)
		if err != nil {
			return
		}

		if len(read.Messages) > 0 {
			body, err := s.store.FormatResponse(ctx, r.URL.Path, read.Messages)
			if err != nil {
				return
			}
			fmt.Fprint(w, "event: data\n")
			for _, line := range strings.Split(string(body), "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprint(w, "\n")

			currentOffset = read.Messages[len(read.Messages)-1].Offset
		}

		// A closed stream with the client caught up to its tail gets one
		// final control frame announcing the close, then the connection
		// ends; the stream has nothing further to produce.
		if closed && read.UpToDate {
			writeSSEControl(w, currentOffset, q.Cursor, true)
			flusher.Flush()
			return
		}

		if len(read.Messages) > 0 || !sentInitial {
			writeSSEControl(w, currentOffset, q.Cursor, false)
			flusher.Flush()
			sentInitial = true
		}

		waitCtx, cancel := context.WithTimeout(ctx, ssePollInterval)
		wait, _ := s.store.WaitForMessages(waitCtx, r.URL.Path, currentOffset, ssePollInterval)
		cancel()
		closed = wait.StreamClosed
	}
}

func writeSSEControl(w http.ResponseWriter, offset, clientCursor string, streamClosed bool) {
	control := struct {
		StreamNextOffset string `json:"streamNextOffset"`
		StreamCursor     string `json:"streamCursor"`
		StreamClosed     bool   `json:"streamClosed,omitempty"`
	}{
		StreamNextOffset: offset,
		StreamCursor:     generateResponseCursor(clientCursor),
		StreamClosed:     streamClosed,
	}
	payload, _ := json.Marshal(control)
	fmt.Fprint(w, "event: control\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
