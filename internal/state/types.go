package state

import (
	"strings"
	"time"
)

// TaskStatus tracks the lifecycle of a research task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskType selects an execution strategy hint for the coordinator.
type TaskType string

const (
	TaskGeneral    TaskType = "general"
	TaskTechnical  TaskType = "technical"
	TaskComparison TaskType = "comparison"
	TaskAnalysis   TaskType = "analysis"
)

// Task is one decomposed research sub-goal with its own cycle budget.
// Created by the planner; only the coordinator mutates Status.
type Task struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	Priority        int        `json:"priority"` // lower = higher priority on tie-break
	Status          TaskStatus `json:"status"`
	TaskType        TaskType   `json:"task_type"`
	EstimatedCycles int        `json:"estimated_cycles"`
	InfoNeeded      bool       `json:"info_needed"`
	SourceHint      string     `json:"source_hint,omitempty"`
}

// Plan is an ordered sequence of tasks plus the active-task pointer.
// The pointer is monotonically non-decreasing; tasks before it are terminal.
type Plan struct {
	Tasks   []Task `json:"tasks"`
	Pointer int    `json:"pointer"`
}

// Current returns the active task, or nil when the plan is exhausted.
func (p *Plan) Current() *Task {
	if p.Pointer < 0 || p.Pointer >= len(p.Tasks) {
		return nil
	}
	return &p.Tasks[p.Pointer]
}

// Exhausted reports whether the pointer has moved past the last task.
func (p *Plan) Exhausted() bool {
	return p.Pointer >= len(p.Tasks)
}

// SearchResult is a single web search hit. URL is the dedup key.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// EnhancedResult augments a SearchResult with deep-scraped content.
// Enhancement never removes the original result; it augments in place.
type EnhancedResult struct {
	SearchResult
	EnhancedContent string  `json:"enhanced_content"`
	SourceLabel     string  `json:"source_label"` // "enhanced" or "raw"
	QualityScore    float64 `json:"quality_score"`
}

// CycleState holds the loop counters compared against configured ceilings.
// TaskLoopCount resets when the pointer advances; CycleCount never resets.
type CycleState struct {
	TaskLoopCount int `json:"task_loop_count"`
	CycleCount    int `json:"cycle_count"`
}

// Reflection is the outcome of a sufficiency check over accumulated results.
type Reflection struct {
	Critique   string `json:"critique"`
	Sufficient bool   `json:"sufficient"`
	Forced     bool   `json:"forced,omitempty"`
}

// WorkflowState is the aggregate owned exclusively by the engine driver.
// Components receive a read view and return partial updates; the driver
// merges them (append for lists, replace for scalars), deduplicating by URL.
type WorkflowState struct {
	WorkflowID string     `json:"workflow_id"`
	Query      string     `json:"query"`
	Plan       Plan       `json:"plan"`
	Cycles     CycleState `json:"cycles"`

	Results  []SearchResult            `json:"results"`
	Enhanced map[string]EnhancedResult `json:"enhanced"` // keyed by URL

	// FindingsByTask counts useful results attributed to each task id.
	FindingsByTask map[string]int `json:"findings_by_task"`
	CompletedTasks []string       `json:"completed_tasks"`

	LastCritique string `json:"last_critique,omitempty"`
	IsComplete   bool   `json:"is_complete"`
	FinalReport  string `json:"final_report,omitempty"`

	StartedAt time.Time `json:"started_at"`

	seen map[string]struct{}
}

// NewWorkflowState initializes the aggregate for a fresh run.
func NewWorkflowState(workflowID, query string) *WorkflowState {
	return &WorkflowState{
		WorkflowID:     workflowID,
		Query:          query,
		Enhanced:       make(map[string]EnhancedResult),
		FindingsByTask: make(map[string]int),
		StartedAt:      time.Now(),
		seen:           make(map[string]struct{}),
	}
}

// MergeResults appends new search results, deduplicated by URL, and returns
// how many were actually added. Results with empty URLs are dropped.
func (s *WorkflowState) MergeResults(taskID string, results []SearchResult) int {
	if s.seen == nil {
		s.seen = make(map[string]struct{}, len(s.Results))
		for _, r := range s.Results {
			s.seen[r.URL] = struct{}{}
		}
	}
	added := 0
	for _, r := range results {
		url := strings.TrimSpace(r.URL)
		if url == "" {
			continue
		}
		if _, dup := s.seen[url]; dup {
			continue
		}
		r.URL = url
		s.seen[url] = struct{}{}
		s.Results = append(s.Results, r)
		added++
	}
	if added > 0 && taskID != "" {
		s.FindingsByTask[taskID] += added
	}
	return added
}

// MergeEnhanced records enhanced content for a URL already in the result set.
func (s *WorkflowState) MergeEnhanced(er EnhancedResult) {
	if er.URL == "" || er.EnhancedContent == "" {
		return
	}
	s.Enhanced[er.URL] = er
}

// CurrentFindings returns the findings count for the active task.
func (s *WorkflowState) CurrentFindings() int {
	t := s.Plan.Current()
	if t == nil {
		return 0
	}
	return s.FindingsByTask[t.ID]
}
