package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/engine"
	"github.com/probe-labs/deepresearch/internal/streaming"
)

// Handler exposes the research engine over HTTP: workflow submission plus
// the SSE and WebSocket event streams.
type Handler struct {
	engine *engine.Engine
	stream *streaming.Manager
	logger *zap.Logger
}

func NewHandler(e *engine.Engine, m *streaming.Manager, logger *zap.Logger) *Handler {
	return &Handler{engine: e, stream: m, logger: logger}
}

// Register attaches all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /research", h.handleSubmit)
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

type submitRequest struct {
	Query    string `json:"query"`
	Scenario string `json:"scenario,omitempty"`
}

type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// handleSubmit accepts a research request and starts the workflow in the
// background. Progress is observable on the stream endpoints; the terminal
// event carries the report.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	workflowID := uuid.NewString()
	h.logger.Info("Research workflow submitted",
		zap.String("workflow_id", workflowID),
		zap.String("scenario", req.Scenario),
	)

	// The run outlives the submit request.
	go h.engine.Run(context.Background(), engine.Request{
		WorkflowID: workflowID,
		Query:      req.Query,
		Scenario:   req.Scenario,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{WorkflowID: workflowID, Status: "started"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"calls":  h.engine.Stats(),
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// typeFilter parses the optional comma-separated types query parameter.
// An empty filter admits every event type.
func typeFilter(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	allowed := make(map[string]struct{})
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = struct{}{}
		}
	}
	return allowed
}

func admits(filter map[string]struct{}, eventType string) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[eventType]
	return ok
}
