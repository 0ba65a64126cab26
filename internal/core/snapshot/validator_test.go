package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, llm LLMClient, resolution ConflictResolution) *Validator {
	t.Helper()
	workflow := DefaultWorkflowConfig()
	workflow.ConflictResolution = resolution
	return NewValidator(llm, newTestInvoker(t), DefaultFieldRegistry(), DefaultStageConfig(), workflow,
		WithValidatorLogger(discardLogger()))
}

func goodSections(names ...SectionName) []SectionResult {
	out := make([]SectionResult, 0, len(names))
	for _, name := range names {
		out = append(out, SectionResult{Section: name, Content: goodContent[name], Confidence: 1.0, MissingFields: []string{}})
	}
	return out
}

func TestValidator_CleanSectionsNeedNoImprovement(t *testing.T) {
	v := newTestValidator(t, newScriptedLLM(), LaterWins)

	report, err := v.Validate(context.Background(), goodSections(CanonicalSections()...))
	require.NoError(t, err)

	assert.True(t, report.FactualConsistency)
	assert.True(t, report.Completeness)
	assert.True(t, report.Quality)
	assert.False(t, report.RequiresImprovement)
	assert.Empty(t, report.Issues)
	assert.Empty(t, report.MissingCriticalInfo)
	assert.False(t, report.Degraded)
}

func TestValidator_ContradictionTieBreak(t *testing.T) {
	sections := []SectionResult{
		{Section: SectionCustomerInformation, Content: "Company Name: Acme Corp\nIndustry: Technology\nA logistics software vendor.", Confidence: 1},
		{Section: SectionBackground, Content: "Company Name: Acme Corporation\nThe customer planned routes by hand for years.", Confidence: 1},
		{Section: SectionSolution, Content: goodContent[SectionSolution], Confidence: 1},
	}

	t.Run("later-wins は正規順で後ろのセクションを正とする", func(t *testing.T) {
		v := newTestValidator(t, newScriptedLLM(), LaterWins)
		report, err := v.Validate(context.Background(), sections)
		require.NoError(t, err)

		require.Len(t, report.Contradictions, 1)
		c := report.Contradictions[0]
		assert.Equal(t, "company_name", c.Fact)
		assert.Equal(t, SectionBackground, c.Authoritative)
		assert.Equal(t, []SectionName{SectionCustomerInformation, SectionBackground}, c.Sections)
		assert.False(t, report.FactualConsistency)
		assert.True(t, report.RequiresImprovement)

		require.Len(t, report.Suggestions[SectionCustomerInformation], 1)
		assert.Contains(t, report.Suggestions[SectionCustomerInformation][0], `"Acme Corporation"`)
		assert.Empty(t, report.Suggestions[SectionBackground])
	})

	t.Run("earlier-wins は正規順で前のセクションを正とする", func(t *testing.T) {
		v := newTestValidator(t, newScriptedLLM(), EarlierWins)
		report, err := v.Validate(context.Background(), sections)
		require.NoError(t, err)

		require.Len(t, report.Contradictions, 1)
		assert.Equal(t, SectionCustomerInformation, report.Contradictions[0].Authoritative)
		require.Len(t, report.Suggestions[SectionBackground], 1)
		assert.Contains(t, report.Suggestions[SectionBackground][0], `"Acme Corp"`)
		assert.Empty(t, report.Suggestions[SectionCustomerInformation])
	})

	t.Run("表記ゆれだけなら矛盾としない", func(t *testing.T) {
		same := []SectionResult{
			{Section: SectionCustomerInformation, Content: "Company Name: Acme Corp\nIndustry: Technology\nA logistics software vendor.", Confidence: 1},
			{Section: SectionBackground, Content: "Company Name: **acme corp**\nThe customer planned routes by hand for years.", Confidence: 1},
		}
		v := newTestValidator(t, newScriptedLLM(), LaterWins)
		report, err := v.Validate(context.Background(), same)
		require.NoError(t, err)
		assert.Empty(t, report.Contradictions)
	})
}

func TestValidator_Heuristics(t *testing.T) {
	v := newTestValidator(t, newScriptedLLM(), LaterWins)

	sections := []SectionResult{
		{Section: SectionCustomerInformation, Content: "Short", Confidence: 1},
		{Section: SectionSolution, Content: "[Section generation failed: boom]", Confidence: 0, Failed: true, MissingFields: []string{FailedFieldMarker}},
	}
	report, err := v.Validate(context.Background(), sections)
	require.NoError(t, err)

	assert.False(t, report.Completeness)
	assert.True(t, report.RequiresImprovement)
	assert.Contains(t, report.Issues, "Missing critical section: Background")
	assert.Contains(t, report.Issues, "Critical section failed to generate: Solution")
	assert.Contains(t, report.Issues, "Section 'Customer Information' is very short (< 50 chars)")
	assert.NotEmpty(t, report.Suggestions[SectionCustomerInformation])
	assert.Equal(t, []SectionName{SectionSolution}, report.LowConfidence)
	assert.NotContains(t, report.MissingCriticalInfo, FailedFieldMarker)
}

func TestValidator_MissingCriticalInfoIsDeduplicatedAndGated(t *testing.T) {
	v := newTestValidator(t, newScriptedLLM(), LaterWins)

	sections := goodSections(SectionBackground, SectionSolution)
	sections = append(sections,
		SectionResult{Section: SectionEngagementDetails, Content: goodContent[SectionEngagementDetails], Confidence: 0.9, MissingFields: []string{"start_date", "completion_date"}},
		SectionResult{Section: SectionCustomerInformation, Content: goodContent[SectionCustomerInformation], Confidence: 0.8, MissingFields: []string{"company_name", "location", "company_name"}},
		SectionResult{Section: SectionFinancialImpact, Content: goodContent[SectionFinancialImpact], Confidence: 0.7, MissingFields: []string{"cost_savings"}},
	)

	report, err := v.Validate(context.Background(), sections)
	require.NoError(t, err)

	assert.Equal(t, []string{"company_name", "start_date"}, report.MissingCriticalInfo)
	assert.False(t, report.Completeness)
}

func TestValidator_DegradesWhenLLMFails(t *testing.T) {
	llm := newScriptedLLM()
	llm.validation = func() (string, error) {
		return "", &TerminalUpstreamError{Op: "validation", Err: errors.New("bad request")}
	}
	v := newTestValidator(t, llm, LaterWins)

	report, err := v.Validate(context.Background(), goodSections(SectionCustomerInformation, SectionBackground, SectionSolution))
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.False(t, report.RequiresImprovement)
}

func TestValidator_ReturnsCancellation(t *testing.T) {
	v := newTestValidator(t, newScriptedLLM(), LaterWins)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Validate(ctx, goodSections(SectionBackground))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseValidationResponse(t *testing.T) {
	content := `**FACTUAL CONSISTENCY:**
- The start date in Engagement Details contradicts the Executive Summary.

COMPLETENESS:
- Missing ROI figures.

QUALITY ISSUES:
None

IMPROVEMENTS:
1. Financial Impact: add the annual savings figure.
2. Make the tone more formal throughout.`

	parsed := parseValidationResponse(content)

	assert.False(t, parsed.factual)
	assert.False(t, parsed.complete)
	assert.True(t, parsed.quality)
	assert.Len(t, parsed.issues, 2)
	require.Len(t, parsed.suggestions, 2)
	assert.Equal(t, SectionFinancialImpact, parsed.suggestions[0].section)
	assert.Equal(t, "add the annual savings figure.", parsed.suggestions[0].text)
	assert.Equal(t, SectionName(""), parsed.suggestions[1].section)
}
