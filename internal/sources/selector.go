package sources

import (
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/state"
)

// Selector ranks and deduplicates candidate sources by domain-quality
// heuristics to pick a bounded subset worth deep-scraping. Selection is
// deterministic: no randomness, stable ordering on score ties.
type Selector struct {
	excludedDomains []string
	priorityDomains []string
	logger          *zap.Logger
}

// Binary and office formats the scrape service cannot turn into text.
var excludedExtensions = []string{
	".pdf", ".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx",
}

// DefaultPriorityDomains favors institutional and reference sources.
var DefaultPriorityDomains = []string{
	".edu", ".gov", ".org", "wikipedia.org", "arxiv.org",
}

func NewSelector(excludedDomains, priorityDomains []string, logger *zap.Logger) *Selector {
	if len(priorityDomains) == 0 {
		priorityDomains = DefaultPriorityDomains
	}
	return &Selector{
		excludedDomains: excludedDomains,
		priorityDomains: priorityDomains,
		logger:          logger,
	}
}

type scored struct {
	url   string
	score float64
	order int
}

// Select returns up to maxCount URLs, highest quality first, at most one per
// domain (first seen wins, maximizing source diversity).
func (s *Selector) Select(candidates []state.SearchResult, maxCount int) []string {
	if maxCount <= 0 {
		return nil
	}

	seen := make(map[string]struct{})
	ranked := make([]scored, 0, len(candidates))
	for i, c := range candidates {
		raw := strings.TrimSpace(c.URL)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		domain := strings.ToLower(u.Hostname())
		if s.rejected(domain, u.Path) {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		ranked = append(ranked, scored{url: raw, score: s.Score(raw), order: i})
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].order < ranked[b].order
	})

	if len(ranked) > maxCount {
		ranked = ranked[:maxCount]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.url
	}
	s.logger.Debug("Selected sources for enhancement",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(out)),
	)
	return out
}

// Score computes the quality heuristic for a single URL:
// base 0.5, +0.3 for a priority domain (+0.1 extra for .edu/.gov),
// +0.1 for https, -0.2 for URLs longer than 200 chars.
func (s *Selector) Score(raw string) float64 {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return 0
	}
	domain := strings.ToLower(u.Hostname())

	score := 0.5
	for _, p := range s.priorityDomains {
		if matchDomain(domain, p) {
			score += 0.3
			if p == ".edu" || p == ".gov" {
				score += 0.1
			}
			break
		}
	}
	if u.Scheme == "https" {
		score += 0.1
	}
	if len(raw) > 200 {
		score -= 0.2
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (s *Selector) rejected(domain, path string) bool {
	for _, d := range s.excludedDomains {
		if matchDomain(domain, d) {
			return true
		}
	}
	lower := strings.ToLower(path)
	for _, ext := range excludedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// matchDomain matches either a TLD-style suffix (".edu") or a host suffix
// ("wikipedia.org", matching itself and subdomains).
func matchDomain(domain, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(domain, pattern)
	}
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}
