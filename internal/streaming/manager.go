package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/probe-labs/deepresearch/internal/metrics"
)

// Event types emitted by the workflow engine, one per stage transition plus
// a terminal record.
const (
	TypeWorkflowStarted  = "workflow_started"
	TypeStageCompleted   = "stage_completed"
	TypeTaskAdvanced     = "task_advanced"
	TypeForcedCompletion = "forced_completion"
	TypeWorkflowFinished = "workflow_finished"
)

// Event is a discrete stage-completion record. The Seq numbers per workflow
// are assigned at publish time, so the sequence is well ordered and
// replayable.
type Event struct {
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type"`
	Stage      string         `json:"stage,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Seq        uint64         `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for workflow events with per-workflow
// ring-buffer history for replay and Last-Event-ID support. Publishing never
// blocks: slow subscribers drop events and catch up via ReplaySince.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	mirror      *RedisMirror
}

const defaultCapacity = 256

// NewManager creates a streaming manager. Capacity bounds the per-workflow
// replay history; mirror is optional.
func NewManager(capacity int, mirror *RedisMirror) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		mirror:      mirror,
	}
}

// Subscribe adds a subscriber channel for a workflowID; the caller must
// drain it and call Unsubscribe.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workflowID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, workflowID)
		}
	}
}

// Publish assigns the next sequence number, records the event in history,
// and fans it out to subscribers without blocking. The fan-out happens under
// the lock: sends never block, and Unsubscribe closes channels under the
// same lock, so a send can never hit a closed channel.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	rg := m.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.WorkflowID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	for ch := range m.subscribers[evt.WorkflowID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow; ReplaySince covers the gap.
		}
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
	if m.mirror != nil {
		m.mirror.Publish(evt)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity), in sequence order.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[workflowID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
