package activities

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

type fakeCompleter struct {
	text    string
	err     error
	prompts []string
}

func (f *fakeCompleter) Text(ctx context.Context, prompt string, temperature float64, wantJSON bool) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.text, f.err
}

func (f *fakeCompleter) Healthy() bool { return f.err == nil }

func TestGenerateQueriesParsesResponse(t *testing.T) {
	tc := &fakeCompleter{text: "Here you go:\n{\"queries\": [\"go scheduler internals\", \"go runtime preemption\", \"\", \"extra\"]}"}
	in := QueryGenerationInput{
		UserQuery:   "how does the go scheduler work",
		TaskID:      "task-1",
		Description: "go scheduler",
		MaxQueries:  3,
	}
	got := GenerateQueries(context.Background(), tc, in, zaptest.NewLogger(t))
	if len(got) != 3 {
		t.Fatalf("expected 3 queries, got %v", got)
	}
	if got[0] != "go scheduler internals" {
		t.Errorf("unexpected first query: %q", got[0])
	}
}

func TestGenerateQueriesFallsBackOnError(t *testing.T) {
	tc := &fakeCompleter{err: errors.New("service down")}
	in := QueryGenerationInput{Description: "solid state batteries", MaxQueries: 3}
	got := GenerateQueries(context.Background(), tc, in, zaptest.NewLogger(t))
	want := []string{
		"solid state batteries latest research",
		"solid state batteries case studies",
		"solid state batteries technology trends",
	}
	if len(got) != len(want) {
		t.Fatalf("expected fallback queries, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fallback query %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestGenerateQueriesFallsBackOnGarbage(t *testing.T) {
	for _, text := range []string{"no json here", "{broken", `{"queries": []}`} {
		tc := &fakeCompleter{text: text}
		got := GenerateQueries(context.Background(), tc, QueryGenerationInput{Description: "x", MaxQueries: 2}, zaptest.NewLogger(t))
		if len(got) != 2 {
			t.Errorf("text %q: expected 2 fallback queries, got %v", text, got)
		}
	}
}

func TestReflectParsesResponse(t *testing.T) {
	tc := &fakeCompleter{text: `{"critique": "missing cost data", "sufficient": false}`}
	r := Reflect(context.Background(), tc, ReflectionInput{UserQuery: "q", CycleCount: 1}, zaptest.NewLogger(t))
	if r.Sufficient || r.Forced {
		t.Errorf("expected insufficient, unforced reflection: %+v", r)
	}
	if r.Critique != "missing cost data" {
		t.Errorf("unexpected critique: %q", r.Critique)
	}
}

func TestReflectForcesSufficientOnFailure(t *testing.T) {
	for _, tc := range []*fakeCompleter{
		{err: errors.New("timeout")},
		{text: "not json at all"},
	} {
		r := Reflect(context.Background(), tc, ReflectionInput{CycleCount: 2}, zaptest.NewLogger(t))
		if !r.Sufficient || !r.Forced {
			t.Errorf("expected forced sufficient reflection, got %+v", r)
		}
	}
}

func TestComposeReportErrorsSurfaceForFallback(t *testing.T) {
	tc := &fakeCompleter{err: errors.New("down")}
	if _, err := ComposeReport(context.Background(), tc, ReportInput{UserQuery: "q"}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected error when completion service fails")
	}
	tc = &fakeCompleter{text: "   "}
	if _, err := ComposeReport(context.Background(), tc, ReportInput{UserQuery: "q"}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected error on empty report text")
	}
}

func TestFallbackReportListsTopSources(t *testing.T) {
	in := ReportInput{
		UserQuery: "quantum error correction progress",
		Findings:  []string{"finding one"},
		Sources:   []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"},
	}
	report := FallbackReport(in)
	if !strings.Contains(report, "quantum error correction progress") {
		t.Error("fallback report should include the query")
	}
	if !strings.Contains(report, "5. s5") || strings.Contains(report, "s6") {
		t.Error("fallback report should list at most 5 sources")
	}
	if report == "" {
		t.Fatal("fallback report must be non-empty")
	}
}

func TestFallbackReportNoSources(t *testing.T) {
	report := FallbackReport(ReportInput{UserQuery: "q"})
	if !strings.Contains(report, "No sources were collected") {
		t.Errorf("expected empty-source note, got:\n%s", report)
	}
}

func TestExtractJSONObject(t *testing.T) {
	if s, ok := extractJSONObject("prefix {\"a\": 1} suffix"); !ok || s != `{"a": 1}` {
		t.Errorf("unexpected extraction: %q ok=%v", s, ok)
	}
	if _, ok := extractJSONObject("no braces"); ok {
		t.Error("expected no extraction from brace-free text")
	}
	if _, ok := extractJSONObject("} {"); ok {
		t.Error("expected no extraction from inverted braces")
	}
}

func TestNormalizeScrapeBounds(t *testing.T) {
	logger := zaptest.NewLogger(t)

	short := normalizeScrape(scrapeResponse{Success: true, Markdown: "tiny page"}, "http://x", logger)
	if short.Usable {
		t.Error("short content should be a non-result")
	}

	long := normalizeScrape(scrapeResponse{Success: true, Markdown: strings.Repeat("a", maxContentLength+500)}, "http://x", logger)
	if !long.Usable || !long.Truncated {
		t.Fatalf("expected usable truncated result, got %+v", long)
	}
	if len(long.Content) != maxContentLength+len(truncationMarker) {
		t.Errorf("unexpected truncated length %d", len(long.Content))
	}
	if !strings.HasSuffix(long.Content, truncationMarker) {
		t.Error("truncated content must end with the marker")
	}

	ok := normalizeScrape(scrapeResponse{Success: true, Markdown: strings.Repeat("b", 500)}, "http://x", logger)
	if !ok.Usable || ok.Truncated {
		t.Fatalf("expected usable untruncated result, got %+v", ok)
	}
}
