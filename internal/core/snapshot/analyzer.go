package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

const (
	// analysisCharLimit は TokenCounter がない場合に解析へ渡す最大文字数
	analysisCharLimit = 3000

	// sectionCharLimit は TokenCounter がない場合にセクション生成へ渡す最大文字数
	sectionCharLimit = 5000
)

// Analyzer はジョブごとに1回、文字起こしを解析する
type Analyzer struct {
	llm       LLMClient
	invoker   *retry.Invoker
	extractor EntityExtractor
	tokens    TokenCounter
	cfg       StageConfig
	logger    *slog.Logger
}

// AnalyzerOption は Analyzer のオプション設定
type AnalyzerOption func(*Analyzer)

// WithAnalyzerLogger は Analyzer にロガーを設定する
func WithAnalyzerLogger(logger *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// WithEntityExtractor はエンティティ抽出器を差し替える
func WithEntityExtractor(extractor EntityExtractor) AnalyzerOption {
	return func(a *Analyzer) {
		a.extractor = extractor
	}
}

// WithAnalyzerTokenCounter はトークン数による切り詰めを有効にする
func WithAnalyzerTokenCounter(tokens TokenCounter) AnalyzerOption {
	return func(a *Analyzer) {
		a.tokens = tokens
	}
}

// NewAnalyzer は新しい Analyzer を作成する
func NewAnalyzer(llm LLMClient, invoker *retry.Invoker, cfg StageConfig, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		llm:       llm,
		invoker:   invoker,
		extractor: KeywordExtractor{},
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.extractor == nil {
		a.extractor = KeywordExtractor{}
	}
	return a
}

type llmAnalysis struct {
	Entities         map[string]json.RawMessage `json:"entities"`
	Topics           []json.RawMessage          `json:"topics"`
	Structure        map[string]any             `json:"structure"`
	DataAvailability map[string]float64         `json:"data_availability"`
}

// Analyze は文字起こしからエンティティ・トピック・セクションごとのデータ量見込みを求める。
// LLM の応答が解析できない場合はエンティティとトピックが空の劣化した結果を返す。
// LLM 呼び出し自体の失敗はエラーとして返す。
func (a *Analyzer) Analyze(ctx context.Context, tr *transcript.Transcript, additionalContext string) (*AnalysisResult, error) {
	if tr == nil || strings.TrimSpace(tr.Text) == "" {
		return nil, fmt.Errorf("%w: transcript text is empty", ErrInvalidInput)
	}

	entities, topics := a.extractor.Extract(tr.Text)
	structure := buildStructure(tr)

	prompt := BuildAnalysisPrompt(
		truncateText(tr.Text, a.tokens, a.cfg.TranscriptTokenBudget, analysisCharLimit),
		entities, topics, additionalContext,
	)

	resp, outcome, err := retry.Invoke(ctx, a.invoker, "analysis", func(ctx context.Context) (CompletionResponse, error) {
		return a.llm.GenerateCompletion(ctx, CompletionRequest{
			SystemPrompt:   analysisSystemPrompt,
			Prompt:         prompt,
			Temperature:    a.cfg.AnalysisTemperature,
			MaxTokens:      a.cfg.AnalysisMaxTokens,
			ResponseFormat: "json",
			Model:          a.cfg.Model,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("analysis LLM call failed: %w", err)
	}

	parsed, perr := parseAnalysisResponse(resp.Content)
	if perr != nil {
		a.logger.Warn("analysis response not parseable, using degraded analysis",
			"error", perr,
			"retries", outcome.Retries,
		)
		return &AnalysisResult{
			Entities:         map[string][]string{},
			Topics:           []string{},
			Structure:        structure,
			DataAvailability: heuristicAvailability(tr.Text, nil),
			Degraded:         true,
		}, nil
	}

	merged := mergeEntities(entities, parsed.entities)
	allTopics := mergeTopics(parsed.topics, topics)
	if parsed.meetingType != "" {
		structure.MeetingType = parsed.meetingType
	}

	availability := parsed.availability
	if len(availability) == 0 {
		availability = heuristicAvailability(tr.Text, merged)
	}

	a.logger.Info("transcript analyzed",
		"entities", countEntities(merged),
		"topics", len(allTopics),
		"meetingType", structure.MeetingType,
		"retries", outcome.Retries,
	)

	return &AnalysisResult{
		Entities:         merged,
		Topics:           allTopics,
		Structure:        structure,
		DataAvailability: availability,
	}, nil
}

type parsedAnalysis struct {
	entities     map[string][]string
	topics       []string
	meetingType  string
	availability map[SectionName]float64
}

func parseAnalysisResponse(content string) (*parsedAnalysis, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, &ParseError{Stage: StageAnalysis, Err: errors.New("no JSON object in response")}
	}

	var decoded llmAnalysis
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, &ParseError{Stage: StageAnalysis, Err: err}
	}
	if decoded.Entities == nil && decoded.Topics == nil && decoded.DataAvailability == nil {
		return nil, &ParseError{Stage: StageAnalysis, Err: errors.New("response has none of entities, topics, data_availability")}
	}

	out := &parsedAnalysis{
		entities:     make(map[string][]string),
		availability: make(map[SectionName]float64),
	}

	for kind, rawList := range decoded.Entities {
		out.entities[strings.ToUpper(kind)] = decodeStringList(rawList)
	}
	for _, t := range decoded.Topics {
		if s := decodeString(t); s != "" {
			out.topics = append(out.topics, s)
		}
	}
	if mt, ok := decoded.Structure["meeting_type"].(string); ok {
		out.meetingType = mt
	}
	for key, v := range decoded.DataAvailability {
		if name, ok := ParseSectionName(key); ok {
			out.availability[name] = clamp(v)
		}
	}

	return out, nil
}

// extractJSONObject はコードフェンスなどを含む応答から JSON オブジェクト部分を取り出す
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// decodeStringList は文字列の配列、または name を持つオブジェクトの配列を文字列に変換する
func decodeStringList(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if s := decodeString(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := decodeString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"name", "topic", "value", "text"} {
			if v, ok := obj[key].(string); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func mergeEntities(base, extra map[string][]string) map[string][]string {
	out := make(map[string][]string, len(base)+len(extra))
	for _, src := range []map[string][]string{base, extra} {
		for kind, list := range src {
			for _, v := range list {
				if !containsFold(out[kind], v) {
					out[kind] = append(out[kind], v)
				}
			}
		}
	}
	return out
}

func mergeTopics(primary, secondary []string) []string {
	out := make([]string, 0, len(primary)+len(secondary))
	for _, list := range [][]string{primary, secondary} {
		for _, t := range list {
			if !containsFold(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func countEntities(entities map[string][]string) int {
	n := 0
	for _, list := range entities {
		n += len(list)
	}
	return n
}

func buildStructure(tr *transcript.Transcript) TranscriptStructure {
	turns := make(map[string]int)
	for _, t := range tr.Turns {
		turns[t.Speaker]++
	}
	return TranscriptStructure{
		MeetingType:     "discussion",
		SpeakerCount:    len(tr.Speakers),
		TotalTurns:      len(tr.Turns),
		DurationSeconds: tr.DurationSeconds(),
		SpeakerTurns:    turns,
	}
}

// heuristicAvailability は LLM がデータ量見込みを返さなかった場合の推定
func heuristicAvailability(text string, entities map[string][]string) map[SectionName]float64 {
	lower := strings.ToLower(text)
	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	pick := func(cond bool, yes, no float64) float64 {
		if cond {
			return yes
		}
		return no
	}

	return map[SectionName]float64{
		SectionCustomerInformation: pick(len(entities["ORG"]) > 0 && len(entities["PERSON"]) > 0, 0.9, 0.5),
		SectionBackground:          pick(containsAny("problem", "challenge", "issue", "pain"), 0.8, 0.3),
		SectionSolution:            pick(containsAny("solution", "implement", "deploy", "product"), 0.7, 0.3),
		SectionResults:             pick(containsAny("result", "improvement", "saved", "increased"), 0.7, 0.2),
		SectionFinancialImpact:     pick(len(entities["MONEY"]) > 0 || len(entities["PERCENT"]) > 0, 0.7, 0.2),
		SectionEngagementDetails:   0.4,
		SectionAdoption:            0.4,
		SectionLongTermImpact:      0.4,
	}
}

// truncateText はプロンプトに入れる文字起こしを切り詰める。
// TokenCounter とトークン予算があればトークン数で、なければ文字数で切る。
func truncateText(text string, tokens TokenCounter, tokenBudget, charLimit int) string {
	if tokens != nil && tokenBudget > 0 {
		return tokens.Truncate(text, tokenBudget)
	}
	if charLimit <= 0 || utf8.RuneCountInString(text) <= charLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:charLimit]) + "..."
}
