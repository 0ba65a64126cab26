package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

const (
	analysisSystemPrompt = "You are an expert analyst of customer success conversations. " +
		"Extract facts precisely and never invent information that is not in the transcript."

	sectionSystemPrompt = "You write sections of a Customer Success Snapshot from meeting transcripts. " +
		"Be factual. When information is absent, write \"Not mentioned in transcript\". " +
		"Label reasonable inferences with [INFERRED]."

	validationSystemPrompt = "You review Customer Success Snapshot drafts for factual consistency, " +
		"completeness and professional quality."
)

// PromptData はセクションテンプレートに渡す値
type PromptData struct {
	Section           SectionName
	Transcript        string
	Entities          string
	Topics            string
	AllSections       string
	Feedback          string
	AdditionalContext string
}

// renderSectionPrompt はセクションテンプレートに値を埋め込む。
// 改善時のフィードバックはテンプレートが参照しなくても末尾に付ける。
func renderSectionPrompt(name SectionName, tmpl string, data PromptData) (string, error) {
	t, err := template.New(string(name)).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template for %s: %w", name, err)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render template for %s: %w", name, err)
	}

	if data.Feedback != "" && !strings.Contains(tmpl, ".Feedback") {
		sb.WriteString("\n\nREVIEWER FEEDBACK (address every point in this revision):\n")
		sb.WriteString(data.Feedback)
		sb.WriteString("\n")
	}
	if data.AdditionalContext != "" && !strings.Contains(tmpl, ".AdditionalContext") {
		sb.WriteString("\n\nCONFIRMED INFORMATION (use these values verbatim):\n")
		sb.WriteString(data.AdditionalContext)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// formatEntities はエンティティを種類ごとに最大5件ずつ整形する
func formatEntities(entities map[string][]string) string {
	if len(entities) == 0 {
		return "No entities extracted"
	}

	kinds := make([]string, 0, len(entities))
	for kind := range entities {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var parts []string
	for _, kind := range kinds {
		list := entities[kind]
		if len(list) == 0 {
			continue
		}
		if len(list) > 5 {
			list = list[:5]
		}
		parts = append(parts, fmt.Sprintf("%s: %s", kind, strings.Join(list, ", ")))
	}
	if len(parts) == 0 {
		return "No entities extracted"
	}
	return strings.Join(parts, "; ")
}

// formatTopics は上位10件のトピックを整形する
func formatTopics(topics []string) string {
	if len(topics) == 0 {
		return "No topics identified"
	}
	if len(topics) > 10 {
		topics = topics[:10]
	}
	return strings.Join(topics, ", ")
}

// BuildAnalysisPrompt は解析用のプロンプトを構築する
func BuildAnalysisPrompt(transcriptText string, entities map[string][]string, topics []string, additionalContext string) string {
	var sb strings.Builder

	sb.WriteString("Analyze this meeting transcript and extract structured information.\n\n")
	sb.WriteString("TRANSCRIPT:\n")
	sb.WriteString(transcriptText)
	sb.WriteString("\n\n")

	if len(entities) > 0 {
		encoded, _ := json.MarshalIndent(entities, "", "  ")
		sb.WriteString("ALREADY EXTRACTED ENTITIES:\n")
		sb.Write(encoded)
		sb.WriteString("\n\n")
	}
	if len(topics) > 0 {
		sb.WriteString("ALREADY EXTRACTED TOPICS:\n")
		sb.WriteString(strings.Join(topics, ", "))
		sb.WriteString("\n\n")
	}
	if additionalContext != "" {
		sb.WriteString("ADDITIONAL CONTEXT:\n")
		sb.WriteString(additionalContext)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Return a JSON object with exactly these keys:\n")
	sb.WriteString(`- "entities": object mapping entity type (PERSON, ORG, PRODUCT, LOCATION, TECHNOLOGY, MONEY, PERCENT, DATE) to a list of strings` + "\n")
	sb.WriteString(`- "topics": list of key topics ordered from most to least relevant` + "\n")
	sb.WriteString(`- "structure": object with "meeting_type" (kickoff, review, planning, consultation, ...)` + "\n")
	sb.WriteString(`- "data_availability": object mapping each section name to a number between 0.0 and 1.0 for these sections: `)
	names := make([]string, 0, len(canonicalSections)-1)
	for _, name := range canonicalSections {
		if name != SectionExecutiveSummary {
			names = append(names, string(name))
		}
	}
	sb.WriteString(strings.Join(names, ", "))
	sb.WriteString("\n\nOUTPUT: Valid JSON only, no additional text.\n")

	return sb.String()
}

// BuildValidationPrompt はセクション横断の検証用プロンプトを構築する
func BuildValidationPrompt(sectionsText string) string {
	var sb strings.Builder

	sb.WriteString("Review these Customer Success Snapshot sections for consistency and quality:\n\n")
	sb.WriteString(sectionsText)
	sb.WriteString("\n\nProvide validation feedback in this format:\n\n")
	sb.WriteString("FACTUAL CONSISTENCY:\n[List any contradictions in dates, names, numbers, or facts, or write \"None\"]\n\n")
	sb.WriteString("COMPLETENESS:\n[Note any critical missing information, or write \"None\"]\n\n")
	sb.WriteString("QUALITY ISSUES:\n[Flag tone, clarity, or professionalism problems, or write \"None\"]\n\n")
	sb.WriteString("IMPROVEMENTS:\n[One suggestion per line, starting with the exact section name followed by a colon]\n\n")
	sb.WriteString("OUTPUT: Structured feedback as shown above\n")

	return sb.String()
}

// BuildSectionsText は各セクションを見出し付きで連結する
func BuildSectionsText(sections []SectionResult) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, fmt.Sprintf("## %s\n%s", s.Section, s.Content))
	}
	return strings.Join(parts, "\n\n")
}

// BuildFeedback は改善の反復ごとに異なるフィードバック文を作る
func BuildFeedback(iteration int, section SectionName, result SectionResult, report *ValidationReport, threshold float64) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Revision %d for %s (previous confidence %.2f, target %.2f).\n", iteration, section, result.Confidence, threshold)

	if report != nil {
		if suggestions := report.Suggestions[section]; len(suggestions) > 0 {
			sb.WriteString("Suggestions:\n")
			for _, s := range suggestions {
				sb.WriteString("- ")
				sb.WriteString(s)
				sb.WriteString("\n")
			}
		}
		for _, s := range report.GeneralSuggestions {
			sb.WriteString("- ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
		for _, c := range report.Contradictions {
			for _, name := range c.Sections {
				if name == section && c.Authoritative != section {
					fmt.Fprintf(&sb, "- %s conflicts with %s; use %q.\n", c.Fact, c.Authoritative, authoritativeValue(c))
				}
			}
		}
	}

	if len(result.MissingFields) > 0 {
		fmt.Fprintf(&sb, "Fields still missing: %s. Search the transcript again for them; if they are truly absent say so explicitly.\n",
			strings.Join(result.MissingFields, ", "))
	}

	return sb.String()
}

func authoritativeValue(c Contradiction) string {
	for i, name := range c.Sections {
		if name == c.Authoritative && i < len(c.Values) {
			return c.Values[i]
		}
	}
	return ""
}
