package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/activities"
	"github.com/probe-labs/deepresearch/internal/state"
)

// Planner decomposes a user query into an ordered task plan. It always
// returns at least one task: any planning failure degrades to a single
// catch-all task covering the whole query.
type Planner struct {
	completer activities.TextCompleter
	logger    *zap.Logger
}

func New(completer activities.TextCompleter, logger *zap.Logger) *Planner {
	return &Planner{completer: completer, logger: logger}
}

type plannedTask struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	InfoNeeded      bool   `json:"info_needed"`
	SourceHint      string `json:"source_hint"`
	Priority        int    `json:"priority"`
	TaskType        string `json:"task_type"`
	EstimatedCycles int    `json:"estimated_cycles"`
}

type planResponse struct {
	Tasks []plannedTask `json:"tasks"`
}

// Plan builds the task plan for a user query.
func (p *Planner) Plan(ctx context.Context, userQuery string) state.Plan {
	analysis := Analyze(userQuery)
	p.logger.Info("Analyzed query complexity",
		zap.Float64("score", analysis.Score),
		zap.Int("domains", analysis.DomainCount),
		zap.Bool("temporal", analysis.HasTemporalScope),
		zap.Int("recommended_tasks", analysis.RecommendedTasks),
	)

	prompt := buildPlanPrompt(userQuery, analysis)
	text, err := p.completer.Text(ctx, prompt, 0.5, true)
	if err != nil {
		p.logger.Warn("Planning call failed, using fallback plan", zap.Error(err))
		return fallbackPlan(userQuery)
	}

	tasks, err := parsePlan(text, analysis.RecommendedTasks)
	if err != nil {
		p.logger.Warn("Failed to parse plan response, using fallback plan", zap.Error(err))
		return fallbackPlan(userQuery)
	}

	p.logger.Info("Created research plan", zap.Int("tasks", len(tasks)))
	return state.Plan{Tasks: tasks}
}

func parsePlan(text string, maxTasks int) ([]state.Task, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in plan response")
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("plan response contained no tasks")
	}
	if len(parsed.Tasks) > maxTasks {
		parsed.Tasks = parsed.Tasks[:maxTasks]
	}

	tasks := make([]state.Task, 0, len(parsed.Tasks))
	for i, pt := range parsed.Tasks {
		desc := strings.TrimSpace(pt.Description)
		if desc == "" {
			continue
		}
		id := strings.TrimSpace(pt.ID)
		if id == "" {
			id = fmt.Sprintf("task-%d-%s", i+1, uuid.NewString()[:8])
		}
		cycles := pt.EstimatedCycles
		if cycles < 1 {
			cycles = 1
		}
		priority := pt.Priority
		if priority <= 0 {
			priority = i + 1
		}
		tasks = append(tasks, state.Task{
			ID:              id,
			Description:     desc,
			Priority:        priority,
			Status:          state.TaskPending,
			TaskType:        normalizeTaskType(pt.TaskType),
			EstimatedCycles: cycles,
			InfoNeeded:      pt.InfoNeeded,
			SourceHint:      strings.TrimSpace(pt.SourceHint),
		})
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("plan response contained no usable tasks")
	}
	return tasks, nil
}

func normalizeTaskType(t string) state.TaskType {
	switch state.TaskType(strings.ToLower(strings.TrimSpace(t))) {
	case state.TaskTechnical:
		return state.TaskTechnical
	case state.TaskComparison:
		return state.TaskComparison
	case state.TaskAnalysis:
		return state.TaskAnalysis
	default:
		return state.TaskGeneral
	}
}

// Fallback returns the single-task plan used when the completion service is
// unavailable at planning time.
func Fallback(userQuery string) state.Plan { return fallbackPlan(userQuery) }

// fallbackPlan wraps the whole query into one catch-all task.
func fallbackPlan(userQuery string) state.Plan {
	return state.Plan{
		Tasks: []state.Task{
			{
				ID:              "task-fallback-" + uuid.NewString()[:8],
				Description:     fmt.Sprintf("Research comprehensive information about: %s", userQuery),
				Priority:        1,
				Status:          state.TaskPending,
				TaskType:        state.TaskGeneral,
				EstimatedCycles: 2,
				InfoNeeded:      true,
			},
		},
	}
}

func buildPlanPrompt(userQuery string, analysis ComplexityAnalysis) string {
	var b strings.Builder
	b.WriteString("Decompose the research question into ordered sub-tasks.\n\n")
	b.WriteString(fmt.Sprintf("Question: %s\n\n", userQuery))
	b.WriteString(fmt.Sprintf("Complexity score: %.2f (domains touched: %d, technical depth: %.1f",
		analysis.Score, analysis.DomainCount, analysis.TechnicalDepth))
	if analysis.HasTemporalScope {
		b.WriteString(", time-sensitive")
	}
	b.WriteString(")\n")
	b.WriteString(fmt.Sprintf("Produce exactly %d tasks.\n\n", analysis.RecommendedTasks))
	b.WriteString("Return JSON:\n")
	b.WriteString(`{"tasks": [{"id": "task-1", "description": "...", "info_needed": true, "source_hint": "optional seed", "priority": 1, "task_type": "general|technical|comparison|analysis", "estimated_cycles": 2}]}`)
	b.WriteString("\n\nExample for \"compare react and vue performance\":\n")
	b.WriteString(`{"tasks": [{"id": "task-1", "description": "Benchmark methodology and recent results for React rendering performance", "info_needed": true, "source_hint": "react benchmark", "priority": 1, "task_type": "technical", "estimated_cycles": 2}, {"id": "task-2", "description": "Benchmark methodology and recent results for Vue rendering performance", "info_needed": true, "source_hint": "vue benchmark", "priority": 2, "task_type": "technical", "estimated_cycles": 2}, {"id": "task-3", "description": "Head-to-head comparisons and trade-offs between React and Vue", "info_needed": true, "source_hint": "react vs vue", "priority": 3, "task_type": "comparison", "estimated_cycles": 1}]}`)
	b.WriteString("\n\nTasks must be ordered, non-overlapping, and each answerable by web search.")
	return b.String()
}
