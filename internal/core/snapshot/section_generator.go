package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
)

// GenerateInput はセクション生成1回分の入力
type GenerateInput struct {
	Section           SectionName
	TranscriptText    string
	Analysis          *AnalysisResult
	Feedback          string
	AdditionalContext string
	AllSections       string
	Iteration         int
}

// SectionGenerator はテンプレートと LLM でセクションを生成し、信頼度を付ける
type SectionGenerator struct {
	llm       LLMClient
	invoker   *retry.Invoker
	templates TemplateRegistry
	scoring   ScoringPolicy
	tokens    TokenCounter
	cfg       StageConfig
	logger    *slog.Logger
	now       func() time.Time
}

// SectionGeneratorOption は SectionGenerator のオプション設定
type SectionGeneratorOption func(*SectionGenerator)

// WithGeneratorLogger は SectionGenerator にロガーを設定する
func WithGeneratorLogger(logger *slog.Logger) SectionGeneratorOption {
	return func(g *SectionGenerator) {
		g.logger = logger
	}
}

// WithScoringPolicy は信頼度の算出方法を差し替える
func WithScoringPolicy(policy ScoringPolicy) SectionGeneratorOption {
	return func(g *SectionGenerator) {
		g.scoring = policy
	}
}

// WithGeneratorTokenCounter はトークン数による切り詰めを有効にする
func WithGeneratorTokenCounter(tokens TokenCounter) SectionGeneratorOption {
	return func(g *SectionGenerator) {
		g.tokens = tokens
	}
}

// NewSectionGenerator は新しい SectionGenerator を作成する
func NewSectionGenerator(llm LLMClient, invoker *retry.Invoker, templates TemplateRegistry, cfg StageConfig, opts ...SectionGeneratorOption) *SectionGenerator {
	g := &SectionGenerator{
		llm:       llm,
		invoker:   invoker,
		templates: templates,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.scoring == nil {
		g.scoring = NewMarkerScoringPolicy(nil)
	}
	return g
}

// Generate はセクションを1回生成する。
// LLM 呼び出しがリトライを使い切った場合や終端エラーの場合はエラーを返す。
func (g *SectionGenerator) Generate(ctx context.Context, in GenerateInput) (SectionResult, error) {
	tmpl, err := g.templates.TemplateFor(in.Section)
	if err != nil {
		return SectionResult{}, fmt.Errorf("template lookup for %s: %w", in.Section, err)
	}

	data := PromptData{
		Section:           in.Section,
		Transcript:        truncateText(in.TranscriptText, g.tokens, g.cfg.TranscriptTokenBudget, sectionCharLimit),
		AllSections:       in.AllSections,
		Feedback:          in.Feedback,
		AdditionalContext: in.AdditionalContext,
		Entities:          "No entities extracted",
		Topics:            "No topics identified",
	}
	if in.Analysis != nil {
		data.Entities = formatEntities(in.Analysis.Entities)
		data.Topics = formatTopics(in.Analysis.Topics)
	}

	prompt, err := renderSectionPrompt(in.Section, tmpl, data)
	if err != nil {
		return SectionResult{}, err
	}

	op := "section:" + string(in.Section)
	resp, outcome, err := retry.Invoke(ctx, g.invoker, op, func(ctx context.Context) (CompletionResponse, error) {
		return g.llm.GenerateCompletion(ctx, CompletionRequest{
			SystemPrompt: sectionSystemPrompt,
			Prompt:       prompt,
			Temperature:  g.cfg.SectionTemperature,
			MaxTokens:    g.cfg.SectionMaxTokens,
			Model:        g.cfg.Model,
		})
	})
	if err != nil {
		return SectionResult{}, fmt.Errorf("generate %s: %w", in.Section, err)
	}

	score := g.scoring.Score(in.Section, resp.Content)

	g.logger.Info("section generated",
		"section", in.Section,
		"confidence", score.Confidence,
		"missingFields", len(score.MissingFields),
		"iteration", in.Iteration,
		"retries", outcome.Retries,
	)

	return SectionResult{
		Section:       in.Section,
		Content:       resp.Content,
		Confidence:    score.Confidence,
		MissingFields: score.MissingFields,
		Iterations:    in.Iteration,
		Model:         resp.Model,
		TokensUsed:    resp.TokensUsed,
		GeneratedAt:   g.now(),
	}, nil
}

// FailedSection は生成に失敗したセクションの結果を作る（信頼度 0.0）
func FailedSection(section SectionName, iteration int, err error, at time.Time) SectionResult {
	return SectionResult{
		Section:       section,
		Content:       fmt.Sprintf("[Section generation failed: %v]", err),
		Confidence:    0,
		MissingFields: []string{FailedFieldMarker},
		Iterations:    iteration,
		Failed:        true,
		Error:         err.Error(),
		GeneratedAt:   at,
	}
}
