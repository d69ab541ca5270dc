package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// TextCompleter is the slice of the completion client the LLM-backed
// operations need. Satisfied by *CompletionClient.
type TextCompleter interface {
	Text(ctx context.Context, prompt string, temperature float64, wantJSON bool) (string, error)
	Healthy() bool
}

type queryListResponse struct {
	Queries []string `json:"queries"`
}

// GenerateQueries asks the completion service for search queries covering
// the active task. It never fails: on any service or parse error it returns
// a deterministic fallback set derived from the task description.
func GenerateQueries(ctx context.Context, tc TextCompleter, in QueryGenerationInput, logger *zap.Logger) []string {
	if in.MaxQueries <= 0 {
		in.MaxQueries = 3
	}

	prompt := buildQueryPrompt(in)
	text, err := tc.Text(ctx, prompt, 0.7, true)
	if err != nil {
		logger.Warn("Query generation failed, using fallback queries",
			zap.String("task_id", in.TaskID),
			zap.Error(err),
		)
		return FallbackQueries(in.Description, in.MaxQueries)
	}

	jsonStr, ok := extractJSONObject(text)
	if !ok {
		logger.Warn("No JSON found in query generation response, using fallback queries",
			zap.String("task_id", in.TaskID),
		)
		return FallbackQueries(in.Description, in.MaxQueries)
	}

	var parsed queryListResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		logger.Warn("Failed to parse query generation response, using fallback queries",
			zap.String("task_id", in.TaskID),
			zap.Error(err),
		)
		return FallbackQueries(in.Description, in.MaxQueries)
	}

	queries := make([]string, 0, in.MaxQueries)
	for _, q := range parsed.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		queries = append(queries, q)
		if len(queries) >= in.MaxQueries {
			break
		}
	}
	if len(queries) == 0 {
		return FallbackQueries(in.Description, in.MaxQueries)
	}

	logger.Info("Generated search queries",
		zap.String("task_id", in.TaskID),
		zap.Int("count", len(queries)),
	)
	return queries
}

// FallbackQueries derives a deterministic query set from a task description.
func FallbackQueries(description string, max int) []string {
	desc := strings.TrimSpace(description)
	queries := []string{
		desc + " latest research",
		desc + " case studies",
		desc + " technology trends",
	}
	if max > 0 && len(queries) > max {
		queries = queries[:max]
	}
	return queries
}

func buildQueryPrompt(in QueryGenerationInput) string {
	var b strings.Builder
	b.WriteString("Generate focused web search queries for a research task.\n\n")
	b.WriteString(fmt.Sprintf("Overall research question: %s\n", in.UserQuery))
	b.WriteString(fmt.Sprintf("Current task: %s\n", in.Description))
	if in.SourceHint != "" {
		b.WriteString(fmt.Sprintf("Suggested starting point: %s\n", in.SourceHint))
	}
	if in.Critique != "" {
		b.WriteString(fmt.Sprintf("Gaps identified last cycle: %s\n", in.Critique))
	}
	b.WriteString(fmt.Sprintf("\nReturn JSON with up to %d queries:\n", in.MaxQueries))
	b.WriteString(`{"queries": ["query 1", "query 2"]}`)
	b.WriteString("\n\nQueries should be specific, non-overlapping, and cover distinct aspects of the task.")
	return b.String()
}

// extractJSONObject pulls the outermost JSON object out of completion text
// that may wrap it in prose or markdown fences.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
