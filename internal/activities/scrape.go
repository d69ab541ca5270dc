package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/probe-labs/deepresearch/internal/circuitbreaker"
	"github.com/probe-labs/deepresearch/internal/metrics"
	"github.com/probe-labs/deepresearch/internal/tracing"
)

const (
	// Pages shorter than this are noise (cookie walls, bot checks), treated
	// as a non-result rather than an error.
	minContentLength = 100
	// Longer content is truncated before it reaches the completion prompts.
	maxContentLength = 3000
	truncationMarker = "..."
)

// ScrapeClient calls the content-scraping service. Scraping is slow and
// rate-limited upstream, so the limiter here is deliberately tight.
type ScrapeClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

type scrapeRequest struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeout_ms"`
}

type scrapeResponse struct {
	Success  bool              `json:"success"`
	Markdown string            `json:"markdown"`
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// NewScrapeClient builds a client against SCRAPE_SERVICE_URL.
func NewScrapeClient(logger *zap.Logger) *ScrapeClient {
	base := os.Getenv("SCRAPE_SERVICE_URL")
	if base == "" {
		base = "http://scrape-service:3002"
	}
	return &ScrapeClient{
		baseURL: base,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(0.5), 1), // one scrape per 2s
		breaker: circuitbreaker.NewCircuitBreaker("scrape", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Healthy reports whether the service's breaker currently admits calls.
func (c *ScrapeClient) Healthy() bool { return !c.breaker.IsOpen() }

// Scrape fetches one URL as text. Content below the minimum length comes
// back with Usable=false; content above the maximum is truncated with an
// explicit marker.
func (c *ScrapeClient) Scrape(ctx context.Context, in ScrapeInput) (ScrapeResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ScrapeResult{}, err
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	url := fmt.Sprintf("%s/v1/scrape", c.baseURL)
	bodyBytes, err := json.Marshal(scrapeRequest{URL: in.URL, TimeoutMs: int(timeout.Milliseconds())})
	if err != nil {
		return ScrapeResult{}, fmt.Errorf("failed to marshal scrape request: %w", err)
	}

	var raw scrapeResponse
	start := time.Now()
	err = c.breaker.Execute(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
		defer span.End()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return fmt.Errorf("failed to create scrape request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, httpReq)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to call scrape service: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("scrape service returned status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode scrape response: %w", err)
		}
		if !raw.Success {
			return fmt.Errorf("scrape failed: %s", raw.Error)
		}
		return nil
	})
	metrics.ServiceCallDuration.WithLabelValues("scrape").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ServiceCalls.WithLabelValues("scrape", "error").Inc()
		return ScrapeResult{}, err
	}
	metrics.ServiceCalls.WithLabelValues("scrape", "ok").Inc()

	return normalizeScrape(raw, in.URL, c.logger), nil
}

func normalizeScrape(raw scrapeResponse, url string, logger *zap.Logger) ScrapeResult {
	content := strings.TrimSpace(raw.Markdown)
	result := ScrapeResult{
		Success:  true,
		Title:    raw.Title,
		Metadata: raw.Metadata,
	}
	if len(content) < minContentLength {
		logger.Debug("Scraped content below minimum length",
			zap.String("url", url),
			zap.Int("length", len(content)),
		)
		result.Usable = false
		return result
	}
	if len(content) > maxContentLength {
		content = content[:maxContentLength] + truncationMarker
		result.Truncated = true
	}
	result.Content = content
	result.Usable = true
	return result
}
