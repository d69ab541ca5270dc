package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/streaming"
)

const sseHeartbeatInterval = 15 * time.Second

// handleSSE streams workflow events as Server-Sent Events. Reconnecting
// clients resume from Last-Event-ID (header or last_event_id query param);
// missed events are replayed from the ring buffer before live delivery.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := typeFilter(r.URL.Query().Get("types"))
	since := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.stream.Subscribe(workflowID, 64)
	defer h.stream.Unsubscribe(workflowID, ch)

	h.logger.Debug("SSE subscriber connected",
		zap.String("workflow_id", workflowID),
		zap.Uint64("since", since),
	)

	// Replay history first so a reconnect never loses events; duplicates on
	// the live channel are suppressed by sequence number.
	replayed := uint64(0)
	finished := false
	for _, evt := range h.stream.ReplaySince(workflowID, since) {
		if admits(filter, evt.Type) {
			writeSSE(w, evt)
		}
		replayed = evt.Seq
		finished = finished || evt.Type == streaming.TypeWorkflowFinished
	}
	flusher.Flush()
	if finished {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= replayed || !admits(filter, evt.Type) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Type == streaming.TypeWorkflowFinished {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}

func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
