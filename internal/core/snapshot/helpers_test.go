package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInvoker(t *testing.T) *retry.Invoker {
	t.Helper()
	inv, err := retry.NewInvoker(
		retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2},
		retry.WithLogger(discardLogger()),
		retry.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	return inv
}

// stubTemplates はすべてのセクションに同じテンプレートを返す
type stubTemplates struct{}

const testTemplate = "Write the {{.Section}} section.\n\nTRANSCRIPT:\n{{.Transcript}}\n\nSECTIONS:\n{{.AllSections}}\n"

func (stubTemplates) TemplateFor(section SectionName) (string, error) {
	if !section.Valid() {
		return "", ErrUnknownSection
	}
	return testTemplate, nil
}

var sectionFromPrompt = regexp.MustCompile(`Write the (.+?) section\.`)

// scriptedLLM はリクエストの種類（解析・検証・セクション）ごとに応答を返す
type scriptedLLM struct {
	mu sync.Mutex

	analysis   func() (string, error)
	validation func() (string, error)
	section    func(ctx context.Context, name SectionName, prompt string) (string, error)

	prompts map[SectionName][]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		analysis:   func() (string, error) { return analysisJSON, nil },
		validation: func() (string, error) { return cleanValidation, nil },
		section: func(ctx context.Context, name SectionName, prompt string) (string, error) {
			return goodContent[name], nil
		},
		prompts: make(map[SectionName][]string),
	}
}

func (l *scriptedLLM) GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	switch {
	case req.ResponseFormat == "json":
		content, err := l.analysis()
		return CompletionResponse{Content: content, Model: "stub"}, err
	case req.SystemPrompt == validationSystemPrompt:
		content, err := l.validation()
		return CompletionResponse{Content: content, Model: "stub"}, err
	}

	m := sectionFromPrompt.FindStringSubmatch(req.Prompt)
	if m == nil {
		return CompletionResponse{}, errors.New("unexpected prompt")
	}
	name := SectionName(m[1])

	l.mu.Lock()
	l.prompts[name] = append(l.prompts[name], req.Prompt)
	l.mu.Unlock()

	content, err := l.section(ctx, name, req.Prompt)
	return CompletionResponse{Content: content, Model: "stub", TokensUsed: len(content) / 4}, err
}

func (l *scriptedLLM) promptsFor(name SectionName) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.prompts[name]...)
}

const analysisJSON = `{
  "entities": {"ORG": ["Acme Corp"], "PERSON": ["Jane Doe"]},
  "topics": ["implementation", "cost"],
  "structure": {"meeting_type": "review"},
  "data_availability": {"Customer Information": 0.9, "Financial Impact": 0.7}
}`

const cleanValidation = `FACTUAL CONSISTENCY:
None

COMPLETENESS:
None

QUALITY ISSUES:
None

IMPROVEMENTS:
None`

// goodContent は欠落・非回答マーカーのないセクション本文
var goodContent = map[SectionName]string{
	SectionCustomerInformation:  "Company Name: Acme Corp\nIndustry: Technology\nAcme Corp builds logistics software for regional carriers.",
	SectionBackground:           "Acme relied on spreadsheets to plan deliveries, which caused frequent scheduling errors and overtime.",
	SectionSolution:             "Product Name: RoutePlanner Cloud\nThe team deployed automated route planning integrated with the dispatch system.",
	SectionEngagementDetails:    "Start Date: 2024-03-01\nThe engagement ran for six months with weekly check-ins between both teams.",
	SectionResults:              "Efficiency Improvement: 40% reduction in planning time across all dispatch teams.",
	SectionAdoption:             "User Count: 500\nAdoption Rate: 95% of dispatchers active within three months of launch.",
	SectionFinancialImpact:      "Cost Savings: $250,000 annually\nROI: 150% return within 18 months of the rollout.",
	SectionLongTermImpact:       "Acme plans to extend route planning to its two new warehouses over the next year.",
	SectionVisuals:              "A before and after chart of weekly planning hours would illustrate the improvement well.",
	SectionAdditionalCommentary: "The dispatch lead praised the onboarding sessions and the responsiveness of the support team.",
	SectionExecutiveSummary:     "Acme Corp cut planning time by 40% and saves $250,000 a year after adopting RoutePlanner Cloud.",
}

func sampleTranscript() *transcript.Transcript {
	text := "Jane Doe: Acme Corp is a technology company.\nBob Smith: We started on 2024-03-01 and saved $250,000."
	return &transcript.Transcript{
		RecordingID: "rec-1",
		Text:        text,
		Speakers:    []string{"Jane Doe", "Bob Smith"},
		Turns: []transcript.Turn{
			{Speaker: "Jane Doe", Text: "Acme Corp is a technology company."},
			{Speaker: "Bob Smith", Text: "We started on 2024-03-01 and saved $250,000."},
		},
		Duration: 90 * time.Second,
		Source:   "inline",
	}
}

func sectionNames(sections []SectionResult) []SectionName {
	out := make([]SectionName, len(sections))
	for i, s := range sections {
		out[i] = s.Section
	}
	return out
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
