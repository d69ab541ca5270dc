package activities

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ComposeReport synthesizes the final report from all accumulated findings.
// The error return lets the engine fall back to a source-list report; the
// run itself never fails on it.
func ComposeReport(ctx context.Context, tc TextCompleter, in ReportInput, logger *zap.Logger) (string, error) {
	prompt := buildReportPrompt(in)
	text, err := tc.Text(ctx, prompt, 0.4, false)
	if err != nil {
		return "", fmt.Errorf("report synthesis failed: %w", err)
	}
	report := strings.TrimSpace(text)
	if report == "" {
		return "", fmt.Errorf("report synthesis returned empty text")
	}
	logger.Info("Composed final report",
		zap.Int("findings", len(in.Findings)),
		zap.Int("sources", len(in.Sources)),
		zap.Int("report_chars", len(report)),
	)
	return report, nil
}

// FallbackReport produces the degraded source-list report used when the
// completion service is unavailable at finalize time. The workflow always
// terminates with a report, never an error.
func FallbackReport(in ReportInput) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Research summary: %s\n\n", in.UserQuery))
	b.WriteString("The report generator was unavailable; the findings below are presented as collected.\n\n")

	if len(in.Findings) > 0 {
		b.WriteString("## Collected findings\n\n")
		for _, f := range in.Findings {
			b.WriteString(fmt.Sprintf("- %s\n", f))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Sources\n\n")
	if len(in.Sources) == 0 {
		b.WriteString("No sources were collected.\n")
		return b.String()
	}
	sources := in.Sources
	if len(sources) > 5 {
		sources = sources[:5]
	}
	for i, s := range sources {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, s))
	}
	return b.String()
}

func buildReportPrompt(in ReportInput) string {
	var b strings.Builder
	b.WriteString("Write a structured research report answering the question below, ")
	b.WriteString("grounded strictly in the provided findings. Cite sources inline by number.\n\n")
	b.WriteString(fmt.Sprintf("Question: %s\n\n", in.UserQuery))
	b.WriteString("Findings:\n")
	for i, f := range in.Findings {
		b.WriteString(fmt.Sprintf("[%d] %s\n", i+1, f))
	}
	b.WriteString("\nSources:\n")
	for i, s := range in.Sources {
		b.WriteString(fmt.Sprintf("[%d] %s\n", i+1, s))
	}
	b.WriteString("\nUse markdown headings. Open with a direct answer, then supporting sections, then a source list.")
	return b.String()
}
