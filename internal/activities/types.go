package activities

import "time"

// CompletionInput is the input for a completion service call
type CompletionInput struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	WantJSON    bool    `json:"want_json"`
}

// CompletionResult is the completion service response
type CompletionResult struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// SearchInput is the input for a web search call
type SearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// SearchHit is a single result returned by the search service
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchOutput is the search service response
type SearchOutput struct {
	Results []SearchHit `json:"results"`
}

// ScrapeInput is the input for a content scrape call
type ScrapeInput struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"-"`
}

// ScrapeResult is the scrape service response after content normalization.
// Usable is false when the page yielded less than the minimum useful length;
// that is a non-result, not an error.
type ScrapeResult struct {
	Success   bool              `json:"success"`
	Content   string            `json:"content"`
	Title     string            `json:"title"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Usable    bool              `json:"usable"`
	Truncated bool              `json:"truncated"`
}

// QueryGenerationInput drives search query generation for the active task
type QueryGenerationInput struct {
	UserQuery   string `json:"user_query"`
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	SourceHint  string `json:"source_hint,omitempty"`
	Critique    string `json:"critique,omitempty"`
	MaxQueries  int    `json:"max_queries"`
}

// ReflectionInput carries the accumulated evidence for a sufficiency check
type ReflectionInput struct {
	UserQuery   string   `json:"user_query"`
	Description string   `json:"description"`
	Summaries   []string `json:"summaries"`
	CycleCount  int      `json:"cycle_count"`
}

// ReportInput is the input for final report composition
type ReportInput struct {
	UserQuery string   `json:"user_query"`
	Findings  []string `json:"findings"`
	Sources   []string `json:"sources"`
}
