package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/streaming"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
	wsPongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The engine sits behind the gateway; origin policy is enforced there.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS streams workflow events over a WebSocket. Semantics mirror the
// SSE endpoint: last_event_id replay, optional type filter, per-workflow
// subscription closed when the workflow finishes.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}
	filter := typeFilter(r.URL.Query().Get("types"))
	since := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ch := h.stream.Subscribe(workflowID, 64)
	defer h.stream.Unsubscribe(workflowID, ch)

	h.logger.Debug("WebSocket subscriber connected",
		zap.String("workflow_id", workflowID),
		zap.Uint64("since", since),
	)

	// Reader goroutine: consumes control frames and detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	replayed := uint64(0)
	for _, evt := range h.stream.ReplaySince(workflowID, since) {
		if admits(filter, evt.Type) {
			if writeWS(conn, evt) != nil {
				return
			}
		}
		replayed = evt.Seq
		if evt.Type == streaming.TypeWorkflowFinished {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow finished"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= replayed || !admits(filter, evt.Type) {
				continue
			}
			if writeWS(conn, evt) != nil {
				return
			}
			if evt.Type == streaming.TypeWorkflowFinished {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow finished"),
					time.Now().Add(wsWriteTimeout))
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, evt streaming.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, evt.Marshal())
}
