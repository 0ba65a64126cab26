package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

// RunRequest はパイプライン1回分の入力
type RunRequest struct {
	JobID         uuid.UUID
	TranscriptRef string

	// Transcript が指定された場合は TranscriptRef からの取得を行わない
	Transcript *transcript.Transcript

	Sections          []SectionName
	AdditionalContext string
}

// RunState は入力待ちで中断したジョブを再開するための状態
type RunState struct {
	JobID                 uuid.UUID              `json:"jobId"`
	Transcript            *transcript.Transcript `json:"transcript"`
	Analysis              *AnalysisResult        `json:"analysis"`
	Requested             []SectionName          `json:"requested"`
	Sections              []SectionResult        `json:"sections"`
	Report                *ValidationReport      `json:"report"`
	Elicitation           []ElicitationRequest   `json:"elicitation"`
	AdditionalContext     string                 `json:"additionalContext,omitempty"`
	ImprovementIterations int                    `json:"improvementIterations"`
	StartedAt             time.Time              `json:"startedAt"`
}

// RunOutcome はパイプラインの結果。Document か State のどちらか一方が設定される。
type RunOutcome struct {
	Document *FinalDocument
	State    *RunState
}

// AwaitingInput は入力待ちで中断したかどうかを返す
func (o *RunOutcome) AwaitingInput() bool {
	return o != nil && o.Document == nil && o.State != nil
}

// StatusFunc はジョブの状態遷移を通知する
type StatusFunc func(status JobStatus, stage Stage)

// Orchestrator は解析・生成・検証・改善・入力要求・要約を順に実行する
type Orchestrator struct {
	source      transcript.Source
	analyzer    AnalysisStage
	generator   SectionStage
	validator   ValidationStage
	synthesizer *Synthesizer
	gate        *ElicitationGate
	loop        *ImprovementLoop
	workflow    WorkflowConfig
	observer    RunObserver
	redactor    *transcript.Redactor
	logger      *slog.Logger
	now         func() time.Time
}

// OrchestratorOption は Orchestrator のオプション設定
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger は Orchestrator にロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRunObserver はパイプラインの進行の通知先を設定する
func WithRunObserver(observer RunObserver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithRedactor は取得したトランスクリプトを解析前に伏せ字にする Redactor を設定する
func WithRedactor(redactor *transcript.Redactor) OrchestratorOption {
	return func(o *Orchestrator) {
		o.redactor = redactor
	}
}

// WithOrchestratorClock は現在時刻の取得関数を差し替える（テスト用）
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator は新しい Orchestrator を作成する
func NewOrchestrator(
	source transcript.Source,
	analyzer AnalysisStage,
	generator SectionStage,
	validator ValidationStage,
	registry *StaticFieldRegistry,
	workflow WorkflowConfig,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if err := workflow.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}
	if workflow.ConflictResolution == "" {
		workflow.ConflictResolution = LaterWins
	}

	o := &Orchestrator{
		source:    source,
		analyzer:  analyzer,
		generator: generator,
		validator: validator,
		gate:      NewElicitationGate(registry),
		workflow:  workflow,
		observer:  nopObserver{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	o.synthesizer = NewSynthesizer(generator, o.logger)
	o.loop = NewImprovementLoop(generator, validator, workflow, o.observer, o.logger)

	return o, nil
}

// Run はパイプラインを実行する。
// 入力待ちになった場合は State を持つ RunOutcome を返し、完了した場合は Document を返す。
// 失敗は *StageError として返す。
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, onStatus StatusFunc) (*RunOutcome, error) {
	if onStatus == nil {
		onStatus = func(JobStatus, Stage) {}
	}
	startedAt := o.now()
	log := o.logger.With("jobID", req.JobID)

	requested := NormalizeSections(req.Sections)
	for _, s := range requested {
		if !s.Valid() {
			return nil, NewStageError(StageFetch, fmt.Errorf("%w: %q", ErrUnknownSection, s))
		}
	}

	log.Info("Starting snapshot generation flow", "sections", len(requested), "parallel", o.workflow.Parallel)
	onStatus(StatusRunning, StageFetch)

	// 1. 文字起こしの取得（キャッシュ経由）
	log.Info("Step 1: Fetching transcript", "ref", req.TranscriptRef)
	tr, err := o.fetch(ctx, req)
	if err != nil {
		return nil, o.fail(ctx, StageFetch, err, nil)
	}

	// 2. 解析
	log.Info("Step 2: Analyzing transcript")
	onStatus(StatusRunning, StageAnalysis)
	stageStart := o.now()
	analysis, err := o.analyzer.Analyze(ctx, tr, req.AdditionalContext)
	o.observer.ObserveStage(StageAnalysis, o.now().Sub(stageStart), err)
	if err != nil {
		log.Error("Failed to analyze transcript", "error", err)
		return nil, o.fail(ctx, StageAnalysis, err, nil)
	}

	// 3. セクション生成
	log.Info("Step 3: Generating sections")
	onStatus(StatusRunning, StageGeneration)
	stageStart = o.now()
	bodyNames := withoutSummary(requested)
	sections, err := fanOut(ctx, o.workflow.Parallel, o.workflow.MaxParallelSections, bodyNames,
		func(ctx context.Context, name SectionName) (SectionResult, error) {
			return o.generateOrDegrade(ctx, GenerateInput{
				Section:           name,
				TranscriptText:    tr.Text,
				Analysis:          analysis,
				AdditionalContext: req.AdditionalContext,
			})
		})
	o.observer.ObserveStage(StageGeneration, o.now().Sub(stageStart), err)
	if err != nil {
		return nil, o.fail(ctx, StageGeneration, err, nil)
	}

	state := &RunState{
		JobID:             req.JobID,
		Transcript:        tr,
		Analysis:          analysis,
		Requested:         requested,
		Sections:          sections,
		AdditionalContext: req.AdditionalContext,
		StartedAt:         startedAt,
	}

	// 4. 検証と改善
	loopState, err := o.validateAndImprove(ctx, state, onStatus)
	if err != nil {
		return nil, o.fail(ctx, StageValidation, err, state.Sections)
	}

	// 5. 入力要求
	if o.workflow.EnableElicitation && loopState == StateExhausted &&
		state.Report != nil && len(state.Report.MissingCriticalInfo) > 0 {
		requests := o.gate.Requests(state.Sections)
		if len(requests) > 0 {
			state.Elicitation = requests
			log.Info("Step 5: Awaiting external input",
				"requests", len(requests),
				"missingCritical", state.Report.MissingCriticalInfo,
			)
			onStatus(StatusAwaitingInput, StageElicitation)
			return &RunOutcome{State: state}, nil
		}
	}

	// 6. 要約と組み立て
	doc, err := o.finish(ctx, state, onStatus)
	if err != nil {
		return nil, err
	}
	return &RunOutcome{Document: doc}, nil
}

// Resume は入力待ちのジョブに値を与えて再開する。
// 影響を受けるセクションを1回だけ再生成し、改善ループは通さずに要約へ進む。
func (o *Orchestrator) Resume(ctx context.Context, state *RunState, values map[string]string, onStatus StatusFunc) (*FinalDocument, error) {
	if onStatus == nil {
		onStatus = func(JobStatus, Stage) {}
	}
	if state == nil {
		return nil, fmt.Errorf("%w: no run state", ErrNotAwaitingInput)
	}
	log := o.logger.With("jobID", state.JobID)

	bySection, err := o.ValidateInput(state, values)
	if err != nil {
		return nil, err
	}

	log.Info("Resuming with external input", "sections", len(bySection))
	onStatus(StatusRunning, StageGeneration)

	var affected []SectionName
	for _, s := range sortCanonical(state.Sections) {
		if _, ok := bySection[s.Section]; ok {
			affected = append(affected, s.Section)
		}
	}

	index := make(map[SectionName]int, len(state.Sections))
	for i, s := range state.Sections {
		index[s.Section] = i
	}

	regenerated, err := fanOut(ctx, o.workflow.Parallel, o.workflow.MaxParallelSections, affected,
		func(ctx context.Context, name SectionName) (SectionResult, error) {
			prev := state.Sections[index[name]]
			extra := "Values confirmed by the customer:\n" + formatProvidedValues(bySection[name])
			if state.AdditionalContext != "" {
				extra = state.AdditionalContext + "\n\n" + extra
			}
			res, err := o.generator.Generate(ctx, GenerateInput{
				Section:           name,
				TranscriptText:    state.Transcript.Text,
				Analysis:          state.Analysis,
				AdditionalContext: extra,
				Iteration:         prev.Iterations + 1,
			})
			if err != nil {
				if ctx.Err() != nil {
					return SectionResult{}, ctx.Err()
				}
				log.Warn("regeneration with input failed, keeping previous version", "section", name, "error", err)
				return prev, nil
			}
			return res, nil
		})
	if err != nil {
		return nil, o.fail(ctx, StageGeneration, err, state.Sections)
	}

	sections := append([]SectionResult(nil), state.Sections...)
	for _, res := range regenerated {
		sections[index[res.Section]] = res
		o.observer.ObserveSection(res)
	}

	resumed := *state
	resumed.Sections = sections
	resumed.Elicitation = nil

	doc, err := o.finish(ctx, &resumed, onStatus)
	if err != nil {
		return nil, err
	}
	doc.Metadata.InputProvided = true
	return doc, nil
}

// ValidateInput は入力値を入力要求と照合し、セクションごとにまとめて返す
func (o *Orchestrator) ValidateInput(state *RunState, values map[string]string) (map[SectionName]map[string]string, error) {
	if state == nil || len(state.Elicitation) == 0 {
		return nil, ErrNotAwaitingInput
	}
	return o.gate.ValidateInput(state.Elicitation, values)
}

func (o *Orchestrator) fetch(ctx context.Context, req RunRequest) (*transcript.Transcript, error) {
	tr, err := o.fetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	redacted, n := o.redactor.Redact(tr)
	if n > 0 {
		o.logger.Info("redacted secrets from transcript", "jobID", req.JobID, "matches", n)
	}
	return redacted, nil
}

func (o *Orchestrator) fetchRaw(ctx context.Context, req RunRequest) (*transcript.Transcript, error) {
	if req.Transcript != nil {
		if req.Transcript.Text == "" {
			return nil, fmt.Errorf("%w: transcript text is empty", ErrInvalidInput)
		}
		return req.Transcript, nil
	}
	if req.TranscriptRef == "" {
		return nil, fmt.Errorf("%w: transcript reference is required", ErrInvalidInput)
	}
	if o.source == nil {
		return nil, fmt.Errorf("%w: no transcript source configured", ErrInvalidInput)
	}

	tr, err := o.source.Fetch(ctx, req.TranscriptRef)
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			return nil, &ResourceNotFoundError{Resource: "transcript", ID: req.TranscriptRef, Err: err}
		}
		return nil, err
	}
	return tr, nil
}

// generateOrDegrade はセクションを生成し、失敗した場合は信頼度 0.0 の結果に置き換える。
// キャンセルだけはエラーとして返す。
func (o *Orchestrator) generateOrDegrade(ctx context.Context, in GenerateInput) (SectionResult, error) {
	res, err := o.generator.Generate(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return SectionResult{}, ctx.Err()
		}
		o.logger.Warn("section generation failed, continuing with degraded section",
			"section", in.Section,
			"class", Classify(err),
			"error", err,
		)
		res = FailedSection(in.Section, in.Iteration, err, o.now())
	}
	o.observer.ObserveSection(res)
	return res, nil
}

func (o *Orchestrator) validateAndImprove(ctx context.Context, state *RunState, onStatus StatusFunc) (LoopState, error) {
	if !o.workflow.EnableValidation {
		return StateValidatedOK, nil
	}

	o.logger.Info("Step 4: Validating sections", "jobID", state.JobID)
	onStatus(StatusValidating, StageValidation)
	stageStart := o.now()
	report, err := o.validator.Validate(ctx, state.Sections)
	o.observer.ObserveStage(StageValidation, o.now().Sub(stageStart), err)
	if err != nil {
		return "", err
	}
	state.Report = report

	if !report.RequiresImprovement {
		return StateValidatedOK, nil
	}
	if !o.workflow.EnableImprovements || o.workflow.MaxImprovementIterations == 0 {
		return StateExhausted, nil
	}

	stageStart = o.now()
	result, err := o.loop.Run(ctx, LoopInput{
		TranscriptText:    state.Transcript.Text,
		Analysis:          state.Analysis,
		AdditionalContext: state.AdditionalContext,
		Sections:          state.Sections,
		Report:            report,
	}, func(round int) {
		onStatus(StatusImproving, StageImprovement)
	})
	o.observer.ObserveStage(StageImprovement, o.now().Sub(stageStart), err)
	if err != nil {
		return "", err
	}

	state.Sections = result.Sections
	state.Report = result.Report
	state.ImprovementIterations = result.Rounds
	return result.State, nil
}

// finish は要約を生成して最終文書を組み立てる
func (o *Orchestrator) finish(ctx context.Context, state *RunState, onStatus StatusFunc) (*FinalDocument, error) {
	sections := append([]SectionResult(nil), state.Sections...)

	if containsSection(state.Requested, SectionExecutiveSummary) {
		o.logger.Info("Step 6: Synthesizing executive summary", "jobID", state.JobID)
		onStatus(StatusRunning, StageSynthesis)
		stageStart := o.now()
		summary, err := o.synthesizer.Synthesize(ctx, sections, state.Analysis)
		o.observer.ObserveStage(StageSynthesis, o.now().Sub(stageStart), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, o.fail(ctx, StageSynthesis, ctx.Err(), sections)
			}
			o.logger.Warn("executive summary failed, continuing with degraded section", "error", err)
			summary = FailedSection(SectionExecutiveSummary, 0, err, o.now())
		}
		o.observer.ObserveSection(summary)
		sections = append(sections, summary)
	}

	report, err := o.finalValidate(ctx, state, sections, onStatus)
	if err != nil {
		return nil, err
	}

	onStatus(StatusRunning, StageAssembly)
	final := *state
	final.Report = report
	doc := o.assemble(&final, sections)

	o.logger.Info("Snapshot generation flow completed",
		"jobID", state.JobID,
		"sections", len(doc.Sections),
		"averageConfidence", doc.Metadata.AverageConfidence,
		"degraded", len(doc.Metadata.DegradedSections),
	)
	return doc, nil
}

// finalValidate は要約を含む最終版のセクションを検証し直す。
// 検証に失敗した場合は直前の検証結果を残す。
func (o *Orchestrator) finalValidate(ctx context.Context, state *RunState, sections []SectionResult, onStatus StatusFunc) (*ValidationReport, error) {
	if !o.workflow.EnableValidation {
		return state.Report, nil
	}

	o.logger.Info("Step 7: Final validation", "jobID", state.JobID)
	onStatus(StatusValidating, StageValidation)
	stageStart := o.now()
	report, err := o.validator.Validate(ctx, sections)
	o.observer.ObserveStage(StageValidation, o.now().Sub(stageStart), err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.fail(ctx, StageValidation, ctx.Err(), sections)
		}
		o.logger.Warn("final validation failed, keeping previous report", "jobID", state.JobID, "error", err)
		return state.Report, nil
	}
	return report, nil
}

// assemble は正規順に並べた最終文書を作る
func (o *Orchestrator) assemble(state *RunState, sections []SectionResult) *FinalDocument {
	ordered := sortCanonical(sections)

	var total float64
	var degraded []SectionName
	missing := []string{}
	seen := make(map[string]bool)
	for _, s := range ordered {
		total += s.Confidence
		if s.Failed {
			degraded = append(degraded, s.Section)
		}
		for _, f := range s.MissingFields {
			if !seen[f] {
				seen[f] = true
				missing = append(missing, f)
			}
		}
	}
	avg := 0.0
	if len(ordered) > 0 {
		avg = total / float64(len(ordered))
	}

	meta := DocumentMetadata{
		AverageConfidence:     avg,
		TotalSections:         len(ordered),
		Entities:              map[string][]string{},
		Topics:                []string{},
		DegradedSections:      degraded,
		ImprovementIterations: state.ImprovementIterations,
		StartedAt:             state.StartedAt,
		CompletedAt:           o.now(),
	}
	if state.Analysis != nil {
		meta.Entities = state.Analysis.Entities
		meta.Topics = state.Analysis.Topics
	}

	return &FinalDocument{
		JobID:         state.JobID,
		Sections:      ordered,
		Metadata:      meta,
		Validation:    state.Report,
		MissingFields: missing,
	}
}

// fail は err を StageError に変換する。キャンセルは ErrJobCanceled にまとめる。
func (o *Orchestrator) fail(ctx context.Context, stage Stage, err error, sections []SectionResult) *StageError {
	switch {
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrJobCanceled, ctx.Err())
		// キャンセル時は部分的な結果を返さない
		sections = nil
	case errors.Is(err, context.Canceled):
		// ジョブが生きている間の中断は上流側の失敗として扱う
		err = &TerminalUpstreamError{Op: string(stage), Err: err}
	}

	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	se = NewStageError(stage, err)
	for _, s := range sortCanonical(sections) {
		if s.Failed {
			se.Degraded = append(se.Degraded, s.Section)
		} else {
			se.Completed = append(se.Completed, s.Section)
		}
	}

	o.logger.Error("snapshot generation failed",
		"stage", se.Stage,
		"class", se.Class,
		"error", err,
	)
	return se
}

func withoutSummary(names []SectionName) []SectionName {
	out := make([]SectionName, 0, len(names))
	for _, n := range names {
		if n != SectionExecutiveSummary {
			out = append(out, n)
		}
	}
	return out
}

func containsSection(names []SectionName, target SectionName) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}
