package snapshot

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *FinalDocument {
	return &FinalDocument{
		JobID: uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e7f-901234567890"),
		Sections: []SectionResult{
			{Section: SectionCustomerInformation, Content: goodContent[SectionCustomerInformation], Confidence: 1, MissingFields: []string{}},
			{Section: SectionFinancialImpact, Content: "[Section generation failed: timeout]", Confidence: 0, MissingFields: []string{FailedFieldMarker}, Failed: true},
		},
		Metadata: DocumentMetadata{
			AverageConfidence:     0.5,
			TotalSections:         2,
			Topics:                []string{"implementation", "cost"},
			DegradedSections:      []SectionName{SectionFinancialImpact},
			ImprovementIterations: 2,
			CompletedAt:           time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Validation: &ValidationReport{
			RequiresImprovement: true,
			Issues:              []string{"Section 'Visuals' is very short (< 50 chars)"},
			Contradictions: []Contradiction{{
				Fact:     "start_date",
				Sections: []SectionName{SectionEngagementDetails, SectionResults},
				Values:   []string{"2024-03-01", "2024-04-01"},
			}},
		},
		MissingFields: []string{FailedFieldMarker},
	}
}

func TestRenderMarkdown(t *testing.T) {
	out := RenderMarkdown(sampleDocument())

	assert.True(t, strings.HasPrefix(out, "# Customer Success Snapshot\n"))
	assert.True(t, containsAll(out,
		"- **Average Confidence**: 0.50",
		"- **Improvement Rounds**: 2",
		"- **Topics**: implementation, cost",
		"- **Degraded Sections**: Financial Impact",
		"- **Generated**: 2024-03-01 12:00:00 UTC",
		"*Confidence: 1.00*",
		"*Confidence: 0.00*",
		"## Missing Information\n\n- generation_failed",
		"## Validation Issues",
		"- Conflicting start_date across Engagement Details, Results and Achievements: 2024-03-01 vs 2024-04-01",
	), out)
	assert.Less(t, strings.Index(out, "## Customer Information"), strings.Index(out, "## Financial Impact"))

	t.Run("検証に問題がない場合", func(t *testing.T) {
		doc := sampleDocument()
		doc.Validation = &ValidationReport{}
		doc.MissingFields = []string{}
		out := RenderMarkdown(doc)
		assert.Contains(t, out, "All quality checks passed")
		assert.NotContains(t, out, "## Missing Information")
	})
}

func TestRender(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Render(&buf, sampleDocument(), FormatJSON))

		var decoded FinalDocument
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, sampleDocument().JobID, decoded.JobID)
		assert.Len(t, decoded.Sections, 2)
	})

	t.Run("未対応の形式", func(t *testing.T) {
		err := Render(&bytes.Buffer{}, sampleDocument(), OutputFormat("pdf"))
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("nil の文書", func(t *testing.T) {
		err := Render(&bytes.Buffer{}, nil, FormatMarkdown)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}
