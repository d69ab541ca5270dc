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

	"github.com/probe-labs/deepresearch/internal/circuitbreaker"
	"github.com/probe-labs/deepresearch/internal/metrics"
	"github.com/probe-labs/deepresearch/internal/ratecontrol"
	"github.com/probe-labs/deepresearch/internal/tracing"
)

// CompletionClient calls the text-completion service. Used for task
// planning, query generation, reflection, and report synthesis.
type CompletionClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewCompletionClient builds a client against COMPLETION_SERVICE_URL.
func NewCompletionClient(logger *zap.Logger) *CompletionClient {
	base := os.Getenv("COMPLETION_SERVICE_URL")
	if base == "" {
		base = "http://llm-service:8000"
	}
	return &CompletionClient{
		baseURL: base,
		client:  &http.Client{Timeout: 60 * time.Second},
		breaker: circuitbreaker.NewCircuitBreaker("completion", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Healthy reports whether the service's breaker currently admits calls.
func (c *CompletionClient) Healthy() bool { return !c.breaker.IsOpen() }

// Complete sends a prompt to the completion service and returns its text.
// Callers must treat any returned error as "degrade, don't abort".
func (c *CompletionClient) Complete(ctx context.Context, in CompletionInput) (CompletionResult, error) {
	// Pace the call against the service's RPM/TPM budget.
	if delay := ratecontrol.DelayForRequest("completion", estimateTokens(in.Prompt)); delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return CompletionResult{}, ctx.Err()
		}
	}

	url := fmt.Sprintf("%s/v1/complete", c.baseURL)
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	var result CompletionResult
	start := time.Now()
	err = c.breaker.Execute(ctx, func() error {
		ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
		defer span.End()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return fmt.Errorf("failed to create completion request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, httpReq)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to call completion service: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("completion service returned status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode completion response: %w", err)
		}
		if result.Text == "" {
			return fmt.Errorf("completion service returned empty text")
		}
		return nil
	})
	metrics.ServiceCallDuration.WithLabelValues("completion").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ServiceCalls.WithLabelValues("completion", "error").Inc()
		return CompletionResult{}, err
	}
	metrics.ServiceCalls.WithLabelValues("completion", "ok").Inc()
	return result, nil
}

// Text is a convenience wrapper returning only the completion text.
func (c *CompletionClient) Text(ctx context.Context, prompt string, temperature float64, wantJSON bool) (string, error) {
	res, err := c.Complete(ctx, CompletionInput{Prompt: prompt, Temperature: temperature, WantJSON: wantJSON})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// estimateTokens approximates prompt size for TPM pacing (~4 chars/token).
func estimateTokens(prompt string) int {
	return len(prompt)/4 + 1
}
