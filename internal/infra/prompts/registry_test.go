package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

func TestRegistry_BuiltInTemplates(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	data := snapshot.PromptData{
		Transcript:  "Jane: We saved $250,000 last year.",
		Entities:    "ORG: Acme Corp",
		Topics:      "cost",
		AllSections: "## Background\nSpreadsheets everywhere.",
	}

	for _, section := range snapshot.CanonicalSections() {
		t.Run(string(section), func(t *testing.T) {
			tmpl, err := r.TemplateFor(section)
			require.NoError(t, err)

			parsed, err := template.New(string(section)).Option("missingkey=zero").Parse(tmpl)
			require.NoError(t, err)

			data.Section = section
			var sb strings.Builder
			require.NoError(t, parsed.Execute(&sb, data))
			assert.Contains(t, sb.String(), string(section))

			if section == snapshot.SectionExecutiveSummary {
				assert.Contains(t, sb.String(), "Spreadsheets everywhere.")
			} else {
				assert.Contains(t, sb.String(), "We saved $250,000 last year.")
			}
		})
	}
}

func TestRegistry_LabelsMatchFieldRegistry(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	// 欠落判定に使うラベルがテンプレートに含まれていること
	tests := map[snapshot.SectionName][]string{
		snapshot.SectionCustomerInformation: {"Company Name:", "Industry:"},
		snapshot.SectionEngagementDetails:   {"Start Date:"},
		snapshot.SectionAdoption:            {"User Count:"},
		snapshot.SectionFinancialImpact:     {"Cost Savings:", "ROI:"},
	}
	for section, labels := range tests {
		tmpl, err := r.TemplateFor(section)
		require.NoError(t, err)
		for _, label := range labels {
			assert.Contains(t, tmpl, label, section)
		}
	}
}

func TestRegistry_Override(t *testing.T) {
	t.Run("同名ファイルで上書きする", func(t *testing.T) {
		r, err := NewRegistryFS(fstest.MapFS{
			"background.tmpl": {Data: []byte("Custom background for {{.Section}}")},
		})
		require.NoError(t, err)

		tmpl, err := r.TemplateFor(snapshot.SectionBackground)
		require.NoError(t, err)
		assert.Equal(t, "Custom background for {{.Section}}", tmpl)

		other, err := r.TemplateFor(snapshot.SectionSolution)
		require.NoError(t, err)
		assert.Contains(t, other, "Product Name:")
	})

	t.Run("ディレクトリから読み込む", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "visuals.tmpl"), []byte("Draw {{.Section}}"), 0o644))

		r, err := NewRegistry(dir)
		require.NoError(t, err)
		tmpl, err := r.TemplateFor(snapshot.SectionVisuals)
		require.NoError(t, err)
		assert.Equal(t, "Draw {{.Section}}", tmpl)
	})

	t.Run("構文エラーは拒否する", func(t *testing.T) {
		_, err := NewRegistryFS(fstest.MapFS{
			"solution.tmpl": {Data: []byte("{{.Section")},
		})
		assert.Error(t, err)
	})

	t.Run("存在しないディレクトリ", func(t *testing.T) {
		_, err := NewRegistry(filepath.Join(t.TempDir(), "missing"))
		assert.Error(t, err)
	})
}

func TestRegistry_UnknownSection(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	_, err = r.TemplateFor(snapshot.SectionName("Pricing"))
	assert.ErrorIs(t, err, snapshot.ErrUnknownSection)
}
