package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/probe-labs/deepresearch/internal/activities"
	"github.com/probe-labs/deepresearch/internal/config"
	"github.com/probe-labs/deepresearch/internal/engine"
	"github.com/probe-labs/deepresearch/internal/streaming"
)

// downCompleter keeps handler tests fast: every engine fallback is local.
type downCompleter struct{}

func (downCompleter) Healthy() bool { return false }
func (downCompleter) Text(context.Context, string, float64, bool) (string, error) {
	return "", errors.New("completion down")
}

type downSearcher struct{}

func (downSearcher) Healthy() bool { return false }
func (downSearcher) Search(context.Context, activities.SearchInput) (activities.SearchOutput, error) {
	return activities.SearchOutput{}, errors.New("search down")
}

type downScraper struct{}

func (downScraper) Healthy() bool { return false }
func (downScraper) Scrape(context.Context, activities.ScrapeInput) (activities.ScrapeResult, error) {
	return activities.ScrapeResult{}, errors.New("scrape down")
}

func newTestHandler(t *testing.T) (*Handler, *streaming.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.SearchBatchTimeout = time.Second
	cfg.EnhanceBatchTimeout = time.Second

	stream := streaming.NewManager(64, nil)
	logger := zaptest.NewLogger(t)
	eng, err := engine.New(cfg, downCompleter{}, downSearcher{}, downScraper{}, stream, logger)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return NewHandler(eng, stream, logger), stream
}

func TestSubmitRejectsEmptyQuery(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"query": "  "}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty query: got status %d", rec.Code)
	}
}

func TestSubmitStartsWorkflow(t *testing.T) {
	h, stream := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"query": "test question"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		WorkflowID string `json:"workflow_id"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.WorkflowID == "" || resp.Status != "started" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The backgrounded run terminates through fallbacks; wait for its
	// terminal event to land in history.
	deadline := time.Now().Add(5 * time.Second)
	for {
		events := stream.ReplaySince(resp.WorkflowID, 0)
		if n := len(events); n > 0 && events[n-1].Type == streaming.TypeWorkflowFinished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("workflow did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSEReplaysHistory(t *testing.T) {
	h, stream := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	stream.Publish(streaming.Event{WorkflowID: "wf-sse", Type: streaming.TypeWorkflowStarted, Message: "q"})
	stream.Publish(streaming.Event{WorkflowID: "wf-sse", Type: streaming.TypeStageCompleted, Stage: "plan"})
	stream.Publish(streaming.Event{WorkflowID: "wf-sse", Type: streaming.TypeWorkflowFinished, Message: "ok"})

	req := httptest.NewRequest(http.MethodGet, "/stream/sse?workflow_id=wf-sse", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type: got %q", ct)
	}
	for _, want := range []string{"id: 1", "event: workflow_started", "event: stage_completed", "event: workflow_finished"} {
		if !strings.Contains(body, want) {
			t.Errorf("SSE body missing %q:\n%s", want, body)
		}
	}
}

func TestSSEResumeSkipsAcknowledged(t *testing.T) {
	h, stream := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	stream.Publish(streaming.Event{WorkflowID: "wf-resume", Type: streaming.TypeWorkflowStarted})
	stream.Publish(streaming.Event{WorkflowID: "wf-resume", Type: streaming.TypeStageCompleted, Stage: "plan"})
	stream.Publish(streaming.Event{WorkflowID: "wf-resume", Type: streaming.TypeWorkflowFinished})

	req := httptest.NewRequest(http.MethodGet, "/stream/sse?workflow_id=wf-resume", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "event: workflow_started") {
		t.Errorf("resume must skip acknowledged events:\n%s", body)
	}
	if !strings.Contains(body, "event: workflow_finished") {
		t.Errorf("resume must deliver events after Last-Event-ID:\n%s", body)
	}
}

func TestSSETypeFilter(t *testing.T) {
	h, stream := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	stream.Publish(streaming.Event{WorkflowID: "wf-filter", Type: streaming.TypeWorkflowStarted})
	stream.Publish(streaming.Event{WorkflowID: "wf-filter", Type: streaming.TypeStageCompleted, Stage: "search"})
	stream.Publish(streaming.Event{WorkflowID: "wf-filter", Type: streaming.TypeWorkflowFinished})

	req := httptest.NewRequest(http.MethodGet, "/stream/sse?workflow_id=wf-filter&types=workflow_finished", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "event: stage_completed") {
		t.Errorf("filter must suppress other types:\n%s", body)
	}
	if !strings.Contains(body, "event: workflow_finished") {
		t.Errorf("filtered type must pass:\n%s", body)
	}
}

func TestSSERequiresWorkflowID(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing workflow_id: got status %d", rec.Code)
	}
}

func TestWebSocketReplaysAndCloses(t *testing.T) {
	h, stream := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	stream.Publish(streaming.Event{WorkflowID: "wf-ws", Type: streaming.TypeWorkflowStarted})
	stream.Publish(streaming.Event{WorkflowID: "wf-ws", Type: streaming.TypeWorkflowFinished, Message: "done"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?workflow_id=wf-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var got []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read failed after %d messages: %v", len(got), err)
		}
		var evt streaming.Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("bad event JSON: %v", err)
		}
		got = append(got, evt.Type)
	}
	if len(got) != 2 || got[0] != streaming.TypeWorkflowStarted || got[1] != streaming.TypeWorkflowFinished {
		t.Fatalf("unexpected event types: %v", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: got status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}
}
