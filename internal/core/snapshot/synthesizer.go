package snapshot

import (
	"context"
	"fmt"
	"log/slog"
)

// Synthesizer は確定した各セクションから Executive Summary を作る
type Synthesizer struct {
	generator SectionStage
	logger    *slog.Logger
}

// NewSynthesizer は新しい Synthesizer を作成する
func NewSynthesizer(generator SectionStage, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{generator: generator, logger: logger}
}

// Synthesize は Executive Summary 以外の確定済みセクションを連結して要約を生成する。
// 生成に失敗したセクションは入力に含めない。
func (s *Synthesizer) Synthesize(ctx context.Context, sections []SectionResult, analysis *AnalysisResult) (SectionResult, error) {
	var inputs []SectionResult
	for _, sec := range sortCanonical(sections) {
		if sec.Section == SectionExecutiveSummary || sec.Failed {
			continue
		}
		inputs = append(inputs, sec)
	}
	if len(inputs) == 0 {
		return SectionResult{}, fmt.Errorf("%w: no completed sections to summarize", ErrInvalidInput)
	}

	res, err := s.generator.Generate(ctx, GenerateInput{
		Section:     SectionExecutiveSummary,
		Analysis:    analysis,
		AllSections: BuildSectionsText(inputs),
	})
	if err != nil {
		return SectionResult{}, fmt.Errorf("synthesize executive summary: %w", err)
	}

	s.logger.Info("executive summary synthesized",
		"inputSections", len(inputs),
		"confidence", res.Confidence,
	)
	return res, nil
}
