package snapshot

import (
	"strings"
	"unicode/utf8"
)

// MarkerPenalty は非回答マーカー1件あたりの減点
const MarkerPenalty = 0.1

// FailedFieldMarker は生成に失敗したセクションに付ける欠落フィールド
const FailedFieldMarker = "generation_failed"

// NonAnswerMarkers は信頼度を下げる非回答の言い回し（小文字）
var NonAnswerMarkers = []string{
	"not mentioned",
	"not specified",
	"not available",
	"not stated",
	"not discussed",
	"not provided",
	"unclear from transcript",
	"no information provided",
	"[inferred]",
}

// missingValueMarkers はラベル直後にあれば値なしとみなす言い回し
var missingValueMarkers = []string{
	"not mentioned",
	"not specified",
	"not available",
	"not stated",
	"not discussed",
	"not provided",
	"no information",
	"unclear",
	"unknown",
	"n/a",
}

// labelWindow はラベル直後に値を探す最大文字数
const labelWindow = 100

// Score はセクション内容の評価結果
type Score struct {
	Confidence    float64
	MissingFields []string
}

// ScoringPolicy は生成されたセクション本文から信頼度と欠落フィールドを求める
type ScoringPolicy interface {
	Score(section SectionName, content string) Score
}

// MarkerScoringPolicy は非回答マーカーとフィールドラベルによる文字列ベースの評価
type MarkerScoringPolicy struct {
	registry *StaticFieldRegistry
}

// NewMarkerScoringPolicy は新しい MarkerScoringPolicy を作成する
func NewMarkerScoringPolicy(registry *StaticFieldRegistry) *MarkerScoringPolicy {
	if registry == nil {
		registry = DefaultFieldRegistry()
	}
	return &MarkerScoringPolicy{registry: registry}
}

// Score は 1.0 から始め、マーカー出現ごとに MarkerPenalty、
// 欠落したフィールドごとにセクション固有の減点を引き、[0,1] に収める。
func (p *MarkerScoringPolicy) Score(section SectionName, content string) Score {
	lower := strings.ToLower(content)

	score := 1.0
	for _, marker := range NonAnswerMarkers {
		score -= MarkerPenalty * float64(strings.Count(lower, marker))
	}

	missing := p.missingFields(section, content)
	penalties := p.registry.Penalties(section)
	for _, field := range missing {
		score -= penalties[field]
	}

	return Score{
		Confidence:    clamp(score),
		MissingFields: missing,
	}
}

// MissingFields は section の追跡対象フィールドのうち値がないものを返す
func (p *MarkerScoringPolicy) MissingFields(section SectionName, content string) []string {
	return p.missingFields(section, content)
}

// missingFields の判定:
//   - ラベルがある場合、直後に値なしを示す言い回しがあれば欠落
//   - ラベルがない場合、値の存在を示すパターンに一致すれば欠落ではない
//   - それ以外は、必須フィールドまたは減点対象のフィールドのみ欠落とする
func (p *MarkerScoringPolicy) missingFields(section SectionName, content string) []string {
	penalties := p.registry.Penalties(section)
	missing := []string{}

	for _, name := range p.registry.TrackedFields(section) {
		def, ok := p.registry.fields[name]
		if !ok {
			continue
		}

		if pos := def.findLabel(content); pos >= 0 {
			if valueMissing(labelValue(content[pos:])) {
				missing = append(missing, name)
			}
			continue
		}

		if def.hasEvidence(content) {
			continue
		}

		_, penalized := penalties[name]
		if penalized || p.registry.IsRequired(section, name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// labelValue はラベル直後の値部分を取り出す。
// 同じ行に値がなければ、次の箇条書きか空行までの続きの行を値とみなす。
func labelValue(rest string) string {
	rest = clipBytes(rest, labelWindow)

	lines := strings.Split(rest, "\n")
	first := strings.TrimSpace(lines[0])
	if first != "" {
		return first
	}

	var parts []string
	for _, line := range lines[1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isBullet(trimmed) {
			break
		}
		parts = append(parts, trimmed)
	}
	return strings.Join(parts, " ")
}

// clipBytes は s を最大 n バイトに切り詰める。マルチバイト文字の途中では切らない。
func clipBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isBullet(line string) bool {
	for _, prefix := range []string{"•", "-", "*", "#"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func valueMissing(value string) bool {
	value = strings.ToLower(strings.Trim(value, " \t[]()*_."))
	if value == "" {
		return true
	}
	for _, marker := range missingValueMarkers {
		if strings.Contains(value, marker) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

var _ ScoringPolicy = (*MarkerScoringPolicy)(nil)
