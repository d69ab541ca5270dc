package enhancer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/activities"
	"github.com/probe-labs/deepresearch/internal/parallel"
	"github.com/probe-labs/deepresearch/internal/retry"
	"github.com/probe-labs/deepresearch/internal/sources"
	"github.com/probe-labs/deepresearch/internal/state"
)

// Scraper is the slice of the scrape client the enhancer needs.
type Scraper interface {
	Scrape(ctx context.Context, in activities.ScrapeInput) (activities.ScrapeResult, error)
	Healthy() bool
}

// Config bounds the enhancement fan-out. Scraping is slow and rate-limited
// upstream, so the defaults are deliberately tight.
type Config struct {
	MaxSources        int
	Concurrency       int
	ScrapeTimeout     time.Duration
	BatchTimeout      time.Duration
	FindingsThreshold int     // enhance when fewer findings than this
	QualityThreshold  float64 // enhance when assessed quality is below this
	RetryAttempts     int
	RetryBaseDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSources:        2,
		Concurrency:       1,
		ScrapeTimeout:     10 * time.Second,
		BatchTimeout:      20 * time.Second,
		FindingsThreshold: 3,
		QualityThreshold:  0.75,
		RetryAttempts:     2,
		RetryBaseDelay:    time.Second,
	}
}

// Enhancer deep-scrapes a small, quality-ranked subset of search results.
type Enhancer struct {
	scraper  Scraper
	selector *sources.Selector
	cfg      Config
	stats    *retry.Stats
	logger   *zap.Logger
}

func New(scraper Scraper, selector *sources.Selector, cfg Config, stats *retry.Stats, logger *zap.Logger) *Enhancer {
	if cfg.MaxSources < 1 {
		cfg.MaxSources = 1
	}
	return &Enhancer{scraper: scraper, selector: selector, cfg: cfg, stats: stats, logger: logger}
}

// AssessQuality scores the accumulated evidence 0-1 from findings volume,
// enhanced-source coverage, and content presence. Deterministic; used as the
// cheap judge before spending scrape budget.
func (e *Enhancer) AssessQuality(s *state.WorkflowState) float64 {
	findings := float64(s.CurrentFindings()) / 5.0
	if findings > 1 {
		findings = 1
	}
	enhanced := float64(len(s.Enhanced)) / 2.0
	if enhanced > 1 {
		enhanced = 1
	}
	withContent := 0
	for _, r := range s.Results {
		if len(r.Snippet) > 40 || len(r.Content) > 0 {
			withContent++
		}
	}
	contentRatio := 0.0
	if len(s.Results) > 0 {
		contentRatio = float64(withContent) / float64(len(s.Results))
	}
	return findings*0.5 + enhanced*0.3 + contentRatio*0.2
}

// ShouldEnhance decides whether this cycle warrants deep scraping.
func (e *Enhancer) ShouldEnhance(s *state.WorkflowState) (bool, string) {
	if len(s.Results) == 0 {
		return false, "no results to enhance"
	}
	if !e.scraper.Healthy() {
		return false, "scrape service unavailable"
	}
	if s.CurrentFindings() < e.cfg.FindingsThreshold {
		return true, "few findings for current task"
	}
	if q := e.AssessQuality(s); q < e.cfg.QualityThreshold {
		return true, "low evidence quality"
	}
	return false, "evidence sufficient"
}

// Enhance selects candidate URLs not yet enhanced and scrapes them under the
// concurrency ceiling. It returns only the successful augmentations; the
// engine merges them into state keyed by URL. Scrape failures are logged and
// skipped, never fatal.
func (e *Enhancer) Enhance(ctx context.Context, s *state.WorkflowState) []state.EnhancedResult {
	candidates := make([]state.SearchResult, 0, len(s.Results))
	for _, r := range s.Results {
		if _, done := s.Enhanced[r.URL]; done {
			continue
		}
		candidates = append(candidates, r)
	}
	urls := e.selector.Select(candidates, e.cfg.MaxSources)
	if len(urls) == 0 {
		e.logger.Debug("No enhanceable sources selected")
		return nil
	}

	outcomes := parallel.RunBatch(ctx, urls, func(ctx context.Context, url string) (activities.ScrapeResult, error) {
		return e.scraper.Scrape(ctx, activities.ScrapeInput{URL: url, Timeout: e.cfg.ScrapeTimeout})
	}, parallel.Options{
		Name:         "enhance",
		Concurrency:  e.cfg.Concurrency,
		BatchTimeout: e.cfg.BatchTimeout,
		Retry: retry.Config{
			MaxAttempts:    e.cfg.RetryAttempts,
			BaseDelay:      e.cfg.RetryBaseDelay,
			AttemptTimeout: e.cfg.ScrapeTimeout,
		},
		Stats: e.stats,
	}, e.logger)

	byURL := make(map[string]state.SearchResult, len(s.Results))
	for _, r := range s.Results {
		byURL[r.URL] = r
	}

	enhanced := make([]state.EnhancedResult, 0, len(urls))
	for i, out := range outcomes {
		url := urls[i]
		if !out.Success {
			e.logger.Warn("Enhancement scrape failed",
				zap.String("url", url),
				zap.Error(out.Err),
			)
			continue
		}
		if !out.Value.Usable {
			continue
		}
		base := byURL[url]
		if out.Value.Title != "" && base.Title == "" {
			base.Title = out.Value.Title
		}
		enhanced = append(enhanced, state.EnhancedResult{
			SearchResult:    base,
			EnhancedContent: out.Value.Content,
			SourceLabel:     "enhanced",
			QualityScore:    e.selector.Score(url),
		})
	}
	e.logger.Info("Enhancement cycle finished",
		zap.Int("selected", len(urls)),
		zap.Int("enhanced", len(enhanced)),
	)
	return enhanced
}
