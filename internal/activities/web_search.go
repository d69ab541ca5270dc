package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/probe-labs/deepresearch/internal/circuitbreaker"
	"github.com/probe-labs/deepresearch/internal/metrics"
	"github.com/probe-labs/deepresearch/internal/tracing"
)

// SearchClient calls the web-search service. It tolerates being called once
// per generated query per cycle; a client-side limiter smooths the bursts
// the fan-out produces.
type SearchClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewSearchClient builds a client against SEARCH_SERVICE_URL.
func NewSearchClient(logger *zap.Logger) *SearchClient {
	base := os.Getenv("SEARCH_SERVICE_URL")
	if base == "" {
		base = "http://search-service:8080"
	}
	return &SearchClient{
		baseURL: base,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 4), // 2 rps sustained, burst 4
		breaker: circuitbreaker.NewCircuitBreaker("search", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Healthy reports whether the service's breaker currently admits calls.
func (c *SearchClient) Healthy() bool { return !c.breaker.IsOpen() }

// Search runs one query. On error the caller should treat the result set as
// empty rather than aborting the cycle.
func (c *SearchClient) Search(ctx context.Context, in SearchInput) (SearchOutput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return SearchOutput{}, err
	}
	if in.MaxResults <= 0 {
		in.MaxResults = 5
	}

	url := fmt.Sprintf("%s/search", c.baseURL)
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return SearchOutput{}, fmt.Errorf("failed to marshal search request: %w", err)
	}

	var out SearchOutput
	start := time.Now()
	err = c.breaker.Execute(ctx, func() error {
		ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
		defer span.End()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return fmt.Errorf("failed to create search request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, httpReq)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to call search service: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("search service returned status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode search response: %w", err)
		}
		return nil
	})
	metrics.ServiceCallDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ServiceCalls.WithLabelValues("search", "error").Inc()
		return SearchOutput{}, err
	}
	metrics.ServiceCalls.WithLabelValues("search", "ok").Inc()

	c.logger.Debug("Search completed",
		zap.String("query", in.Query),
		zap.Int("results", len(out.Results)),
	)
	return out, nil
}
