package snapshot

import (
	"context"
	"time"

	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

// AnalysisStage はジョブごとに1回の解析を行う
type AnalysisStage interface {
	Analyze(ctx context.Context, tr *transcript.Transcript, additionalContext string) (*AnalysisResult, error)
}

// SectionStage は1セクションを生成する
type SectionStage interface {
	Generate(ctx context.Context, in GenerateInput) (SectionResult, error)
}

// ValidationStage はすべてのセクションをまとめて検証する
type ValidationStage interface {
	Validate(ctx context.Context, sections []SectionResult) (*ValidationReport, error)
}

// RunObserver はパイプラインの進行を受け取る（メトリクス収集用）
type RunObserver interface {
	ObserveStage(stage Stage, elapsed time.Duration, err error)
	ObserveSection(result SectionResult)
	ObserveImprovementRound(round int, sections int)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(Stage, time.Duration, error) {}
func (nopObserver) ObserveSection(SectionResult)             {}
func (nopObserver) ObserveImprovementRound(int, int)         {}

var (
	_ AnalysisStage   = (*Analyzer)(nil)
	_ SectionStage    = (*SectionGenerator)(nil)
	_ ValidationStage = (*Validator)(nil)
)
