package planner

import "strings"

// ComplexityAnalysis summarizes the heuristics used to size a plan.
type ComplexityAnalysis struct {
	Score            float64
	DomainCount      int
	TechnicalDepth   float64
	HasTemporalScope bool
	RecommendedTasks int
}

// Domain keyword groups; hitting several distinct groups signals a broad,
// multi-faceted question.
var domainKeywords = map[string][]string{
	"technology": {"technology", "software", "hardware", "ai", "machine learning", "algorithm", "computing", "quantum"},
	"science":    {"research", "study", "physics", "chemistry", "biology", "experiment", "climate"},
	"business":   {"market", "industry", "company", "revenue", "investment", "startup", "economy"},
	"health":     {"health", "medical", "disease", "treatment", "drug", "clinical", "vaccine"},
	"policy":     {"policy", "regulation", "law", "government", "legislation", "compliance"},
	"society":    {"social", "culture", "education", "demographic", "community"},
}

var technicalKeywords = []string{
	"architecture", "implementation", "protocol", "benchmark", "performance",
	"internals", "mechanism", "specification", "framework", "infrastructure",
}

var comparisonKeywords = []string{"compare", "versus", " vs ", "difference between", "trade-off", "tradeoff"}

var temporalKeywords = []string{
	"latest", "recent", "2023", "2024", "2025", "2026", "trend", "future",
	"history", "evolution", "over time", "past decade",
}

// Analyze estimates query complexity from length, domain breadth, technical
// depth, and temporal scope, then maps the score to a task count of 2-5.
func Analyze(query string) ComplexityAnalysis {
	lower := strings.ToLower(query)

	lengthFactor := float64(len(query)) / 20.0
	if lengthFactor > 1 {
		lengthFactor = 1
	}

	domains := 0
	for _, words := range domainKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				domains++
				break
			}
		}
	}
	domainFactor := float64(domains) / 3.0
	if domainFactor > 1 {
		domainFactor = 1
	}

	depth := 0.3
	for _, w := range technicalKeywords {
		if strings.Contains(lower, w) {
			depth = 0.8
			break
		}
	}
	for _, w := range comparisonKeywords {
		if strings.Contains(lower, w) {
			if depth < 0.6 {
				depth = 0.6
			}
			break
		}
	}

	temporal := false
	for _, w := range temporalKeywords {
		if strings.Contains(lower, w) {
			temporal = true
			break
		}
	}

	score := lengthFactor*0.3 + domainFactor*0.4 + depth*0.3
	if temporal && score < 1 {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}

	return ComplexityAnalysis{
		Score:            score,
		DomainCount:      domains,
		TechnicalDepth:   depth,
		HasTemporalScope: temporal,
		RecommendedTasks: recommendedTasks(score),
	}
}

// recommendedTasks maps the complexity score to the plan size: higher
// complexity means more tasks, capped at 5.
func recommendedTasks(score float64) int {
	switch {
	case score < 0.3:
		return 2
	case score < 0.6:
		return 3
	case score < 0.8:
		return 4
	default:
		return 5
	}
}
