package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Render は最終文書を指定の形式で書き出す
func Render(w io.Writer, doc *FinalDocument, format OutputFormat) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidInput)
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode document: %w", err)
		}
		return nil
	case FormatMarkdown, "":
		_, err := io.WriteString(w, RenderMarkdown(doc))
		return err
	default:
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, format)
	}
}

// RenderMarkdown は最終文書を Markdown に整形する
func RenderMarkdown(doc *FinalDocument) string {
	var b strings.Builder

	b.WriteString("# Customer Success Snapshot\n\n")

	b.WriteString("## Metadata\n\n")
	fmt.Fprintf(&b, "- **Average Confidence**: %.2f\n", doc.Metadata.AverageConfidence)
	fmt.Fprintf(&b, "- **Total Sections**: %d\n", doc.Metadata.TotalSections)
	if doc.Metadata.ImprovementIterations > 0 {
		fmt.Fprintf(&b, "- **Improvement Rounds**: %d\n", doc.Metadata.ImprovementIterations)
	}
	if len(doc.Metadata.Topics) > 0 {
		fmt.Fprintf(&b, "- **Topics**: %s\n", strings.Join(doc.Metadata.Topics, ", "))
	}
	if len(doc.Metadata.DegradedSections) > 0 {
		fmt.Fprintf(&b, "- **Degraded Sections**: %s\n", joinSections(doc.Metadata.DegradedSections))
	}
	if !doc.Metadata.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- **Generated**: %s\n", doc.Metadata.CompletedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	b.WriteString("\n")

	for _, s := range doc.Sections {
		fmt.Fprintf(&b, "## %s\n\n", s.Section)
		b.WriteString(strings.TrimSpace(s.Content))
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "*Confidence: %.2f*\n\n", s.Confidence)
	}

	if len(doc.MissingFields) > 0 {
		b.WriteString("## Missing Information\n\n")
		for _, f := range doc.MissingFields {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	v := doc.Validation
	switch {
	case v == nil:
	case !v.RequiresImprovement:
		b.WriteString("## Validation\n\n")
		b.WriteString("All quality checks passed\n")
	default:
		b.WriteString("## Validation Issues\n\n")
		for _, issue := range v.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
		for _, c := range v.Contradictions {
			fmt.Fprintf(&b, "- Conflicting %s across %s: %s\n",
				c.Fact, joinSections(c.Sections), strings.Join(c.Values, " vs "))
		}
	}

	return b.String()
}
