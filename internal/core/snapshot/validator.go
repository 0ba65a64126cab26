package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
)

const (
	// validationCharLimit は検証プロンプトに入れるセクション本文の最大文字数
	validationCharLimit = 4000

	// minSectionLength はこれより短いセクションを品質不足とみなす文字数
	minSectionLength = 50
)

// Validator はすべてのセクションをまとめて検証する唯一のコンポーネント
type Validator struct {
	llm        LLMClient
	invoker    *retry.Invoker
	registry   *StaticFieldRegistry
	cfg        StageConfig
	threshold  float64
	resolution ConflictResolution
	logger     *slog.Logger
	now        func() time.Time
}

// ValidatorOption は Validator のオプション設定
type ValidatorOption func(*Validator)

// WithValidatorLogger は Validator にロガーを設定する
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator は新しい Validator を作成する
func NewValidator(llm LLMClient, invoker *retry.Invoker, registry *StaticFieldRegistry, cfg StageConfig, workflow WorkflowConfig, opts ...ValidatorOption) *Validator {
	if registry == nil {
		registry = DefaultFieldRegistry()
	}
	resolution := workflow.ConflictResolution
	if resolution == "" {
		resolution = LaterWins
	}
	v := &Validator{
		llm:        llm,
		invoker:    invoker,
		registry:   registry,
		cfg:        cfg,
		threshold:  workflow.MinConfidence,
		resolution: resolution,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Validate はセクション間の整合性と網羅性を検証する。
// LLM による検証が失敗した場合はヒューリスティックな検証のみで結果を返す。
// コンテキストのキャンセルだけはエラーとして返す。
func (v *Validator) Validate(ctx context.Context, sections []SectionResult) (*ValidationReport, error) {
	report := &ValidationReport{
		FactualConsistency:  true,
		Completeness:        true,
		Quality:             true,
		Issues:              []string{},
		Suggestions:         make(map[SectionName][]string),
		MissingCriticalInfo: []string{},
		CreatedAt:           v.now(),
	}

	v.logger.Info("starting section validation", "sections", len(sections))

	// 1. LLM による検証
	if err := v.llmValidate(ctx, sections, report); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.logger.Warn("LLM validation failed, using heuristic validation only", "error", err)
		report.Degraded = true
	}

	// 2. ヒューリスティックな検証
	heuristicIssues := v.heuristicValidate(sections, report)

	// 3. セクション間の矛盾検出
	v.detectContradictions(sections, report)

	// 4. 必須フィールドの欠落を集約
	report.MissingCriticalInfo = v.collectMissingCritical(sections)
	if len(report.MissingCriticalInfo) > 0 {
		report.Completeness = false
	}

	// 5. 信頼度の低いセクション
	for _, s := range sections {
		if s.Confidence < v.threshold {
			report.LowConfidence = append(report.LowConfidence, s.Section)
		}
	}

	report.RequiresImprovement = len(report.LowConfidence) > 0 ||
		!report.FactualConsistency ||
		!report.Completeness ||
		!report.Quality ||
		heuristicIssues > 0

	v.logger.Info("validation complete",
		"issues", len(report.Issues),
		"contradictions", len(report.Contradictions),
		"missingCritical", len(report.MissingCriticalInfo),
		"lowConfidence", len(report.LowConfidence),
		"requiresImprovement", report.RequiresImprovement,
		"degraded", report.Degraded,
	)

	return report, nil
}

func (v *Validator) llmValidate(ctx context.Context, sections []SectionResult, report *ValidationReport) error {
	text := BuildSectionsText(sections)
	text = clipBytes(text, validationCharLimit)
	prompt := BuildValidationPrompt(text)

	resp, _, err := retry.Invoke(ctx, v.invoker, "validation", func(ctx context.Context) (CompletionResponse, error) {
		return v.llm.GenerateCompletion(ctx, CompletionRequest{
			SystemPrompt: validationSystemPrompt,
			Prompt:       prompt,
			Temperature:  v.cfg.ValidationTemperature,
			MaxTokens:    v.cfg.ValidationMaxTokens,
			Model:        v.cfg.Model,
		})
	})
	if err != nil {
		return err
	}

	parsed := parseValidationResponse(resp.Content)
	report.FactualConsistency = parsed.factual
	report.Completeness = parsed.complete
	report.Quality = parsed.quality
	report.Issues = append(report.Issues, parsed.issues...)
	for _, s := range parsed.suggestions {
		if s.section == "" {
			report.GeneralSuggestions = append(report.GeneralSuggestions, s.text)
			continue
		}
		report.Suggestions[s.section] = append(report.Suggestions[s.section], s.text)
	}
	return nil
}

// heuristicValidate は重要セクションの有無と極端に短いセクションを検出し、件数を返す
func (v *Validator) heuristicValidate(sections []SectionResult, report *ValidationReport) int {
	present := make(map[SectionName]SectionResult, len(sections))
	for _, s := range sections {
		present[s.Section] = s
	}

	count := 0
	for _, critical := range v.registry.CriticalSections() {
		s, ok := present[critical]
		switch {
		case !ok:
			report.Issues = append(report.Issues, fmt.Sprintf("Missing critical section: %s", critical))
			report.Completeness = false
			count++
		case s.Failed:
			report.Issues = append(report.Issues, fmt.Sprintf("Critical section failed to generate: %s", critical))
			report.Completeness = false
			count++
		}
	}

	for _, s := range sections {
		if s.Failed {
			continue
		}
		if len(strings.TrimSpace(s.Content)) < minSectionLength {
			report.Issues = append(report.Issues, fmt.Sprintf("Section '%s' is very short (< %d chars)", s.Section, minSectionLength))
			addSuggestion(report, s.Section, "Expand this section with concrete details from the transcript.")
			count++
		}
	}
	return count
}

type factValue struct {
	section SectionName
	value   string
	norm    string
}

// detectContradictions はラベル付きの事実（日付・名前・数値）の食い違いを検出する
func (v *Validator) detectContradictions(sections []SectionResult, report *ValidationReport) {
	ordered := sortCanonical(sections)

	for _, def := range v.registry.Fields() {
		var values []factValue
		for _, s := range ordered {
			if s.Failed {
				continue
			}
			pos := def.findLabel(s.Content)
			if pos < 0 {
				continue
			}
			raw := labelValue(s.Content[pos:])
			if valueMissing(raw) {
				continue
			}
			values = append(values, factValue{section: s.Section, value: raw, norm: normalizeFact(raw)})
		}
		if len(values) < 2 || allSame(values) {
			continue
		}

		auth := values[len(values)-1]
		if v.resolution == EarlierWins {
			auth = values[0]
		}

		c := Contradiction{Fact: def.Name, Authoritative: auth.section}
		for _, fv := range values {
			c.Sections = append(c.Sections, fv.section)
			c.Values = append(c.Values, fv.value)
			if fv.norm != auth.norm {
				addSuggestion(report, fv.section, fmt.Sprintf("Align %s with %s: use %q instead of %q.", def.Name, auth.section, auth.value, fv.value))
			}
		}

		report.Contradictions = append(report.Contradictions, c)
		report.FactualConsistency = false
		report.Issues = append(report.Issues, fmt.Sprintf("Contradictory %s across sections: %s", def.Name, joinSections(c.Sections)))
	}
}

// collectMissingCritical は必須として登録されたフィールドの欠落を重複なしで集める
func (v *Validator) collectMissingCritical(sections []SectionResult) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, s := range sortCanonical(sections) {
		for _, field := range s.MissingFields {
			if seen[field] || !v.registry.IsRequired(s.Section, field) {
				continue
			}
			seen[field] = true
			out = append(out, field)
		}
	}
	return out
}

func addSuggestion(report *ValidationReport, section SectionName, text string) {
	for _, existing := range report.Suggestions[section] {
		if existing == text {
			return
		}
	}
	report.Suggestions[section] = append(report.Suggestions[section], text)
}

func allSame(values []factValue) bool {
	for _, fv := range values[1:] {
		if fv.norm != values[0].norm {
			return false
		}
	}
	return true
}

func normalizeFact(v string) string {
	v = strings.ToLower(v)
	v = strings.Trim(v, " \t.;,*_[]()\"'")
	return strings.Join(strings.Fields(v), " ")
}

// sortCanonical はセクションを正規順に並べたコピーを返す
func sortCanonical(sections []SectionResult) []SectionResult {
	out := make([]SectionResult, 0, len(sections))
	for _, name := range canonicalSections {
		for _, s := range sections {
			if s.Section == name {
				out = append(out, s)
			}
		}
	}
	return out
}

type parsedSuggestion struct {
	section SectionName
	text    string
}

type parsedValidation struct {
	factual     bool
	complete    bool
	quality     bool
	issues      []string
	suggestions []parsedSuggestion
}

var bulletPrefix = regexp.MustCompile(`^(?:[-•*]|\d+[.)])\s+`)

var validationHeaders = map[string]string{
	"FACTUAL CONSISTENCY": "factual",
	"COMPLETENESS":        "completeness",
	"QUALITY ISSUES":      "quality",
	"QUALITY":             "quality",
	"IMPROVEMENTS":        "improvements",
}

// parseValidationResponse は FACTUAL CONSISTENCY / COMPLETENESS / QUALITY ISSUES / IMPROVEMENTS の各ブロックを読む
func parseValidationResponse(content string) parsedValidation {
	blocks := splitBlocks(content)
	out := parsedValidation{factual: true, complete: true, quality: true}

	for _, line := range blocks["factual"] {
		if containsAnyFold(line, "contradict", "inconsisten", "conflict", "mismatch", "discrepanc") {
			out.factual = false
			out.issues = append(out.issues, line)
		}
	}
	for _, line := range blocks["completeness"] {
		if containsAnyFold(line, "missing", "lack", "absent", "gap", "not provided", "incomplete") {
			out.complete = false
			out.issues = append(out.issues, line)
		}
	}
	for _, line := range blocks["quality"] {
		if containsAnyFold(line, "problem", "concern", "poor", "unclear", "unprofessional", "issue", "inconsistent tone") {
			out.quality = false
			out.issues = append(out.issues, line)
		}
	}
	for _, line := range blocks["improvements"] {
		out.suggestions = append(out.suggestions, attributeSuggestion(line))
	}

	return out
}

// splitBlocks は見出しごとに本文行をまとめる。否定の行（"None" など）は除く。
func splitBlocks(content string) map[string][]string {
	blocks := make(map[string][]string)
	current := ""

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		header := strings.TrimRight(strings.Trim(line, "#* "), ":")
		header = strings.TrimSpace(strings.TrimLeft(header, "0123456789. "))
		if key, ok := validationHeaders[strings.ToUpper(header)]; ok && strings.HasSuffix(strings.TrimRight(line, "* "), ":") {
			current = key
			continue
		}
		if current == "" {
			continue
		}

		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line == "" || isNegativeLine(line) {
			continue
		}
		blocks[current] = append(blocks[current], line)
	}
	return blocks
}

func isNegativeLine(line string) bool {
	lower := strings.ToLower(strings.Trim(line, " .[]"))
	if lower == "none" || lower == "n/a" || lower == "no" {
		return true
	}
	for _, prefix := range []string{"no ", "none ", "none.", "none,", "there are no ", "there were no ", "nothing "} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// attributeSuggestion は提案文に含まれるセクション名から対象セクションを決める
func attributeSuggestion(line string) parsedSuggestion {
	lower := strings.ToLower(line)
	best := SectionName("")
	bestPos := -1
	for _, name := range canonicalSections {
		pos := strings.Index(lower, strings.ToLower(string(name)))
		if pos >= 0 && (bestPos < 0 || pos < bestPos) {
			best, bestPos = name, pos
		}
	}
	if best == "" {
		return parsedSuggestion{text: line}
	}

	if len(lower) != len(line) {
		return parsedSuggestion{section: best, text: line}
	}
	text := strings.TrimSpace(line[bestPos+len(best):])
	text = strings.TrimSpace(strings.TrimLeft(text, ":-–— "))
	if text == "" {
		text = line
	}
	return parsedSuggestion{section: best, text: text}
}

func containsAnyFold(s string, words ...string) bool {
	lower := strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
