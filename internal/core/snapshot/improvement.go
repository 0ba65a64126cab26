package snapshot

import (
	"context"
	"log/slog"
)

// LoopState は改善ループの状態
type LoopState string

const (
	StateValidatedOK      LoopState = "validated-ok"
	StateNeedsImprovement LoopState = "needs-improvement"
	StateImproving        LoopState = "improving"
	StateExhausted        LoopState = "improvement-exhausted"
)

// LoopInput は改善ループの入力
type LoopInput struct {
	TranscriptText    string
	Analysis          *AnalysisResult
	AdditionalContext string
	Sections          []SectionResult
	Report            *ValidationReport
}

// LoopResult は改善ループの結果
type LoopResult struct {
	State    LoopState
	Sections []SectionResult
	Report   *ValidationReport
	Rounds   int
}

// ImprovementLoop は信頼度の低いセクションをフィードバック付きで再生成し、再検証する。
// 改善回数はセクションごとに独立して数え、上限に達したセクションは対象から外す。
type ImprovementLoop struct {
	generator SectionStage
	validator ValidationStage
	workflow  WorkflowConfig
	observer  RunObserver
	logger    *slog.Logger
}

// NewImprovementLoop は新しい ImprovementLoop を作成する
func NewImprovementLoop(generator SectionStage, validator ValidationStage, workflow WorkflowConfig, observer RunObserver, logger *slog.Logger) *ImprovementLoop {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImprovementLoop{
		generator: generator,
		validator: validator,
		workflow:  workflow,
		observer:  observer,
		logger:    logger,
	}
}

// Run は検証結果が改善不要になるか、改善できるセクションがなくなるまで反復する。
// onRound は各反復の開始時に呼ばれる。
func (l *ImprovementLoop) Run(ctx context.Context, in LoopInput, onRound func(round int)) (LoopResult, error) {
	sections := append([]SectionResult(nil), in.Sections...)
	report := in.Report

	state := StateValidatedOK
	if report != nil && report.RequiresImprovement {
		state = StateNeedsImprovement
	}

	// セクションごとの改善回数
	counts := make(map[SectionName]int, len(sections))
	rounds := 0

	for state == StateNeedsImprovement {
		targets := l.selectTargets(sections, report, counts)
		if len(targets) == 0 {
			state = StateExhausted
			break
		}

		state = StateImproving
		rounds++
		if onRound != nil {
			onRound(rounds)
		}
		l.observer.ObserveImprovementRound(rounds, len(targets))
		l.logger.Info("improving sections",
			"round", rounds,
			"sections", joinSections(targets),
		)

		index := make(map[SectionName]int, len(sections))
		for i, s := range sections {
			index[s.Section] = i
		}
		for _, name := range targets {
			counts[name]++
		}

		improved, err := fanOut(ctx, l.workflow.Parallel, l.workflow.MaxParallelSections, targets,
			func(ctx context.Context, name SectionName) (SectionResult, error) {
				prev := sections[index[name]]
				feedback := BuildFeedback(counts[name], name, prev, report, l.workflow.MinConfidence)
				res, err := l.generator.Generate(ctx, GenerateInput{
					Section:           name,
					TranscriptText:    in.TranscriptText,
					Analysis:          in.Analysis,
					Feedback:          feedback,
					AdditionalContext: in.AdditionalContext,
					Iteration:         counts[name],
				})
				if err != nil {
					if ctx.Err() != nil {
						return SectionResult{}, ctx.Err()
					}
					// 改善に失敗した場合は直前の版を残す
					l.logger.Warn("section improvement failed, keeping previous version",
						"section", name,
						"iteration", counts[name],
						"error", err,
					)
					prev.Iterations = counts[name]
					return prev, nil
				}
				return res, nil
			})
		if err != nil {
			return LoopResult{}, err
		}

		for _, res := range improved {
			sections[index[res.Section]] = res
			l.observer.ObserveSection(res)
		}

		report, err = l.validator.Validate(ctx, sections)
		if err != nil {
			return LoopResult{}, err
		}
		if report.RequiresImprovement {
			state = StateNeedsImprovement
		} else {
			state = StateValidatedOK
		}
	}

	l.logger.Info("improvement loop finished", "state", state, "rounds", rounds)

	return LoopResult{
		State:    state,
		Sections: sections,
		Report:   report,
		Rounds:   rounds,
	}, nil
}

// selectTargets は閾値未満または改善提案のあるセクションのうち、改善回数が上限未満のものを正規順で返す
func (l *ImprovementLoop) selectTargets(sections []SectionResult, report *ValidationReport, counts map[SectionName]int) []SectionName {
	var targets []SectionName
	for _, s := range sortCanonical(sections) {
		if s.Section == SectionExecutiveSummary {
			continue
		}
		if counts[s.Section] >= l.workflow.MaxImprovementIterations {
			continue
		}
		suggested := report != nil && len(report.Suggestions[s.Section]) > 0
		if s.Confidence < l.workflow.MinConfidence || suggested {
			targets = append(targets, s.Section)
		}
	}
	return targets
}
