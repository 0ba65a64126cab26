package snapshot

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SectionName はスナップショット文書のセクション名
type SectionName string

const (
	SectionCustomerInformation  SectionName = "Customer Information"
	SectionBackground           SectionName = "Background"
	SectionSolution             SectionName = "Solution"
	SectionEngagementDetails    SectionName = "Engagement Details"
	SectionResults              SectionName = "Results and Achievements"
	SectionAdoption             SectionName = "Adoption and Usage"
	SectionFinancialImpact      SectionName = "Financial Impact"
	SectionLongTermImpact       SectionName = "Long-Term Impact"
	SectionVisuals              SectionName = "Visuals"
	SectionAdditionalCommentary SectionName = "Additional Commentary"
	SectionExecutiveSummary     SectionName = "Executive Summary"
)

// canonicalSections は最終文書におけるセクションの並び順
var canonicalSections = []SectionName{
	SectionCustomerInformation,
	SectionBackground,
	SectionSolution,
	SectionEngagementDetails,
	SectionResults,
	SectionAdoption,
	SectionFinancialImpact,
	SectionLongTermImpact,
	SectionVisuals,
	SectionAdditionalCommentary,
	SectionExecutiveSummary,
}

// CanonicalSections は正規順のセクション一覧のコピーを返す
func CanonicalSections() []SectionName {
	out := make([]SectionName, len(canonicalSections))
	copy(out, canonicalSections)
	return out
}

// Valid は既知のセクションかどうかを返す
func (s SectionName) Valid() bool {
	return s.index() >= 0
}

// Slug は URL 用の識別子を返す (例: "long-term-impact")
func (s SectionName) Slug() string {
	return strings.ReplaceAll(strings.ToLower(string(s)), " ", "-")
}

func (s SectionName) index() int {
	for i, name := range canonicalSections {
		if name == s {
			return i
		}
	}
	return -1
}

// ParseSectionName はセクション名またはスラッグを解釈する
func ParseSectionName(v string) (SectionName, bool) {
	v = strings.TrimSpace(v)
	for _, name := range canonicalSections {
		if strings.EqualFold(string(name), v) || name.Slug() == strings.ToLower(v) {
			return name, true
		}
	}
	return "", false
}

// NormalizeSections は要求されたセクションを重複なしの正規順に並べ替える。
// 空の場合は全セクションを返す。Executive Summary は常に含める。
func NormalizeSections(requested []SectionName) []SectionName {
	if len(requested) == 0 {
		return CanonicalSections()
	}

	want := make(map[SectionName]bool, len(requested)+1)
	for _, s := range requested {
		want[s] = true
	}
	want[SectionExecutiveSummary] = true

	out := make([]SectionName, 0, len(want))
	for _, name := range canonicalSections {
		if want[name] {
			out = append(out, name)
		}
	}
	return out
}

// JobStatus はジョブの状態
type JobStatus string

const (
	StatusPending       JobStatus = "pending"
	StatusRunning       JobStatus = "running"
	StatusValidating    JobStatus = "validating"
	StatusImproving     JobStatus = "improving"
	StatusAwaitingInput JobStatus = "awaiting-input"
	StatusComplete      JobStatus = "complete"
	StatusFailed        JobStatus = "failed"
)

// Terminal は終端状態かどうかを返す
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// OutputFormat は最終文書の出力形式
type OutputFormat string

const (
	FormatJSON     OutputFormat = "json"
	FormatMarkdown OutputFormat = "markdown"
)

// ParseOutputFormat は出力形式を解釈する。空文字列は Markdown として扱う。
func ParseOutputFormat(v string) (OutputFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "markdown", "md":
		return FormatMarkdown, true
	case "json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// Job は1回のスナップショット生成要求
type Job struct {
	ID            uuid.UUID            `json:"id"`
	TranscriptRef string               `json:"transcriptRef"`
	Sections      []SectionName        `json:"sections"`
	Format        OutputFormat         `json:"format"`
	Status        JobStatus            `json:"status"`
	Stage         Stage                `json:"stage,omitempty"`
	Failure       *StageError          `json:"failure,omitempty"`
	Elicitation   []ElicitationRequest `json:"elicitation,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// TranscriptStructure は会話の構造情報
type TranscriptStructure struct {
	MeetingType     string         `json:"meetingType"`
	SpeakerCount    int            `json:"speakerCount"`
	TotalTurns      int            `json:"totalTurns"`
	DurationSeconds float64        `json:"durationSeconds"`
	SpeakerTurns    map[string]int `json:"speakerTurns,omitempty"`
}

// AnalysisResult はジョブごとに1回だけ作られる解析結果。
// 作成後は読み取り専用で、すべての Section Generator が共有する。
type AnalysisResult struct {
	Entities         map[string][]string     `json:"entities"`
	Topics           []string                `json:"topics"`
	Structure        TranscriptStructure     `json:"structure"`
	DataAvailability map[SectionName]float64 `json:"dataAvailability"`
	Degraded         bool                    `json:"degraded,omitempty"`
}

// EntityCount はエンティティの総数を返す
func (a *AnalysisResult) EntityCount() int {
	if a == nil {
		return 0
	}
	n := 0
	for _, list := range a.Entities {
		n += len(list)
	}
	return n
}

// SectionResult は1セクションの生成結果。改善時は置き換えられ、変更されない。
type SectionResult struct {
	Section       SectionName `json:"section"`
	Content       string      `json:"content"`
	Confidence    float64     `json:"confidence"`
	MissingFields []string    `json:"missingFields"`
	Iterations    int         `json:"iterations"`
	Failed        bool        `json:"failed,omitempty"`
	Error         string      `json:"error,omitempty"`
	Model         string      `json:"model,omitempty"`
	TokensUsed    int         `json:"tokensUsed,omitempty"`
	GeneratedAt   time.Time   `json:"generatedAt"`
}

// Contradiction はセクション間で食い違う事実
type Contradiction struct {
	Fact          string        `json:"fact"`
	Sections      []SectionName `json:"sections"`
	Values        []string      `json:"values"`
	Authoritative SectionName   `json:"authoritative"`
}

// ValidationReport は Validator の1回分の結果
type ValidationReport struct {
	FactualConsistency  bool                     `json:"factualConsistency"`
	Completeness        bool                     `json:"completeness"`
	Quality             bool                     `json:"quality"`
	Issues              []string                 `json:"issues"`
	Suggestions         map[SectionName][]string `json:"suggestions"`
	GeneralSuggestions  []string                 `json:"generalSuggestions,omitempty"`
	Contradictions      []Contradiction          `json:"contradictions,omitempty"`
	RequiresImprovement bool                     `json:"requiresImprovement"`
	MissingCriticalInfo []string                 `json:"missingCriticalInfo"`
	LowConfidence       []SectionName            `json:"lowConfidence,omitempty"`
	Degraded            bool                     `json:"degraded,omitempty"`
	CreatedAt           time.Time                `json:"createdAt"`
}

// DocumentMetadata は最終文書の生成メタデータ
type DocumentMetadata struct {
	AverageConfidence     float64             `json:"averageConfidence"`
	TotalSections         int                 `json:"totalSections"`
	Entities              map[string][]string `json:"entities"`
	Topics                []string            `json:"topics"`
	DegradedSections      []SectionName       `json:"degradedSections,omitempty"`
	ImprovementIterations int                 `json:"improvementIterations"`
	InputProvided         bool                `json:"inputProvided,omitempty"`
	StartedAt             time.Time           `json:"startedAt"`
	CompletedAt           time.Time           `json:"completedAt"`
}

// FinalDocument はジョブの最終成果物。セクションは常に正規順に並ぶ。
type FinalDocument struct {
	JobID         uuid.UUID         `json:"jobId"`
	Sections      []SectionResult   `json:"sections"`
	Metadata      DocumentMetadata  `json:"metadata"`
	Validation    *ValidationReport `json:"validation,omitempty"`
	MissingFields []string          `json:"missingFields"`
}

// Section は指定したセクションの結果を返す
func (d *FinalDocument) Section(name SectionName) (SectionResult, bool) {
	for _, s := range d.Sections {
		if s.Section == name {
			return s, true
		}
	}
	return SectionResult{}, false
}

// ElicitationField は外部から入力を求めるフィールド
type ElicitationField struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Example     string `json:"example,omitempty"`
	Validation  string `json:"validation,omitempty"`
	Required    bool   `json:"required"`
}

// ElicitationRequest はセクションごとの入力要求
type ElicitationRequest struct {
	Section   SectionName        `json:"section"`
	Fields    []ElicitationField `json:"fields"`
	Skippable bool               `json:"skippable"`
	Message   string             `json:"message"`
}
