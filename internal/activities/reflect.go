package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/state"
)

type reflectionResponse struct {
	Critique   string `json:"critique"`
	Sufficient bool   `json:"sufficient"`
}

// Reflect asks the completion service whether the accumulated evidence
// answers the task. It never fails: a service or parse error yields a forced
// "sufficient" so a broken judge can't spin the workflow forever.
func Reflect(ctx context.Context, tc TextCompleter, in ReflectionInput, logger *zap.Logger) state.Reflection {
	prompt := buildReflectionPrompt(in)
	text, err := tc.Text(ctx, prompt, 0.3, true)
	if err != nil {
		logger.Warn("Reflection call failed, forcing sufficient",
			zap.Int("cycle", in.CycleCount),
			zap.Error(err),
		)
		return state.Reflection{
			Critique:   "reflection unavailable; proceeding with collected evidence",
			Sufficient: true,
			Forced:     true,
		}
	}

	jsonStr, ok := extractJSONObject(text)
	if !ok {
		logger.Warn("No JSON found in reflection response, forcing sufficient",
			zap.Int("cycle", in.CycleCount),
		)
		return state.Reflection{
			Critique:   "reflection response unparseable; proceeding with collected evidence",
			Sufficient: true,
			Forced:     true,
		}
	}

	var parsed reflectionResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		logger.Warn("Failed to parse reflection response, forcing sufficient",
			zap.Int("cycle", in.CycleCount),
			zap.Error(err),
		)
		return state.Reflection{
			Critique:   "reflection response unparseable; proceeding with collected evidence",
			Sufficient: true,
			Forced:     true,
		}
	}

	return state.Reflection{
		Critique:   strings.TrimSpace(parsed.Critique),
		Sufficient: parsed.Sufficient,
	}
}

func buildReflectionPrompt(in ReflectionInput) string {
	var b strings.Builder
	b.WriteString("Assess whether the collected evidence is sufficient to answer the research task.\n\n")
	b.WriteString(fmt.Sprintf("Research question: %s\n", in.UserQuery))
	b.WriteString(fmt.Sprintf("Current task: %s\n", in.Description))
	b.WriteString(fmt.Sprintf("Cycle: %d\n\n", in.CycleCount))
	b.WriteString("Evidence collected so far:\n")
	if len(in.Summaries) == 0 {
		b.WriteString("(none)\n")
	}
	for i, s := range in.Summaries {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, s))
	}
	b.WriteString("\nReturn JSON:\n")
	b.WriteString(`{"critique": "what is still missing, or empty if nothing", "sufficient": true}`)
	return b.String()
}
