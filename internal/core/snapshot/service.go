package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

// recordTimeout はアーカイブへのジョブ状態の記録にかける時間の上限
const recordTimeout = 5 * time.Second

// JobObserver はジョブの終了を受け取る（メトリクス収集用）
type JobObserver interface {
	ObserveJob(status JobStatus, class ErrorClass, elapsed time.Duration)
}

// SubmitParams はジョブ投入のパラメータ
type SubmitParams struct {
	TranscriptRef     string
	Transcript        *transcript.Transcript
	Sections          []string
	Format            string
	AdditionalContext string
}

type jobEntry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
	state  *RunState
	doc    *FinalDocument
	start  time.Time
}

// SnapshotService はジョブの投入・状態取得・結果取得・入力再開を提供する。
// 実行中のジョブはメモリ上に保持し、結果を取得した時点でアーカイブへ移す。
type SnapshotService struct {
	orchestrator *Orchestrator
	archive      Archive
	observer     JobObserver
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobEntry
	wg   sync.WaitGroup
}

// SnapshotServiceOption は SnapshotService のオプション設定
type SnapshotServiceOption func(*SnapshotService)

// WithServiceLogger は SnapshotService にロガーを設定する
func WithServiceLogger(logger *slog.Logger) SnapshotServiceOption {
	return func(s *SnapshotService) {
		s.logger = logger
	}
}

// WithJobObserver はジョブ終了の通知先を設定する
func WithJobObserver(observer JobObserver) SnapshotServiceOption {
	return func(s *SnapshotService) {
		s.observer = observer
	}
}

// WithServiceClock は現在時刻の取得関数を差し替える（テスト用）
func WithServiceClock(now func() time.Time) SnapshotServiceOption {
	return func(s *SnapshotService) {
		s.now = now
	}
}

// NewSnapshotService は新しい SnapshotService を作成する。
// archive が nil の場合はメモリ上のアーカイブを使う。
func NewSnapshotService(orchestrator *Orchestrator, archive Archive, opts ...SnapshotServiceOption) *SnapshotService {
	svc := &SnapshotService{
		orchestrator: orchestrator,
		archive:      archive,
		logger:       slog.Default(),
		now:          time.Now,
		jobs:         make(map[uuid.UUID]*jobEntry),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.archive == nil {
		svc.archive = NewMemoryArchive()
	}
	return svc
}

// Submit はジョブを投入し、バックグラウンドで実行を開始する。
// 呼び出し元の ctx のキャンセルはジョブに伝播しない（Cancel を使う）。
func (s *SnapshotService) Submit(ctx context.Context, params SubmitParams) (Job, error) {
	if params.TranscriptRef == "" && params.Transcript == nil {
		return Job{}, fmt.Errorf("%w: transcript reference is required", ErrInvalidInput)
	}

	sections := make([]SectionName, 0, len(params.Sections))
	for _, raw := range params.Sections {
		name, ok := ParseSectionName(raw)
		if !ok {
			return Job{}, fmt.Errorf("%w: %w: %q", ErrInvalidInput, ErrUnknownSection, raw)
		}
		sections = append(sections, name)
	}
	format, ok := ParseOutputFormat(params.Format)
	if !ok {
		return Job{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, params.Format)
	}

	ref := params.TranscriptRef
	if ref == "" {
		ref = "inline:" + params.Transcript.RecordingID
	}

	now := s.now()
	job := Job{
		ID:            uuid.New(),
		TranscriptRef: ref,
		Sections:      NormalizeSections(sections),
		Format:        format,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &jobEntry{
		job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
		start:  now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = entry
	s.mu.Unlock()

	s.logger.Info("job submitted", "jobID", job.ID, "ref", ref, "sections", len(job.Sections), "format", format)

	req := RunRequest{
		JobID:             job.ID,
		TranscriptRef:     params.TranscriptRef,
		Transcript:        params.Transcript,
		Sections:          job.Sections,
		AdditionalContext: params.AdditionalContext,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		outcome, err := s.orchestrator.Run(runCtx, req, s.statusFunc(job.ID))
		s.finishRun(job.ID, outcome, err)
	}()

	return job, nil
}

// GetStatus はジョブの現在の状態を返す
func (s *SnapshotService) GetStatus(ctx context.Context, id uuid.UUID) (Job, error) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if ok {
		job := entry.job
		s.mu.Unlock()
		return job, nil
	}
	s.mu.Unlock()

	job, err := s.archive.GetJob(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// GetResult は完了したジョブの最終文書を返す。
// 取得したジョブはアーカイブに移り、メモリからは削除される。
// 失敗したジョブの場合は *StageError を返す。
func (s *SnapshotService) GetResult(ctx context.Context, id uuid.UUID) (*FinalDocument, error) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return s.archivedResult(ctx, id)
	}

	job := entry.job
	switch job.Status {
	case StatusComplete, StatusFailed:
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s is %s", ErrResultNotReady, id, job.Status)
	}
	doc := entry.doc
	s.mu.Unlock()

	if err := s.archive.SaveDocument(ctx, job, doc); err != nil {
		return nil, fmt.Errorf("archive job %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	s.logger.Info("job archived", "jobID", id, "status", job.Status)

	if job.Status == StatusFailed {
		return nil, job.Failure
	}
	return doc, nil
}

func (s *SnapshotService) archivedResult(ctx context.Context, id uuid.UUID) (*FinalDocument, error) {
	job, err := s.archive.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if job.Status == StatusFailed {
		return nil, job.Failure
	}
	doc, err := s.archive.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// GetSection は完了したジョブの1セクションを返す
func (s *SnapshotService) GetSection(ctx context.Context, id uuid.UUID, slug string) (SectionResult, error) {
	name, ok := ParseSectionName(slug)
	if !ok {
		return SectionResult{}, fmt.Errorf("%w: %q", ErrUnknownSection, slug)
	}

	s.mu.Lock()
	entry, inMemory := s.jobs[id]
	var doc *FinalDocument
	if inMemory {
		if entry.job.Status != StatusComplete {
			status := entry.job.Status
			s.mu.Unlock()
			return SectionResult{}, fmt.Errorf("%w: job %s is %s", ErrResultNotReady, id, status)
		}
		doc = entry.doc
	}
	s.mu.Unlock()

	if !inMemory {
		var err error
		doc, err = s.archive.GetDocument(ctx, id)
		if err != nil {
			return SectionResult{}, fmt.Errorf("get document %s: %w", id, err)
		}
	}

	result, ok := doc.Section(name)
	if !ok {
		return SectionResult{}, fmt.Errorf("%w: section %q was not requested", ErrUnknownSection, name)
	}
	return result, nil
}

// ResumeWithInput は入力待ちのジョブに値を与えて再開する。
// 入力値の検証はここで同期的に行い、不正な場合はジョブを入力待ちのまま残す。
func (s *SnapshotService) ResumeWithInput(ctx context.Context, id uuid.UUID, values map[string]string) (Job, error) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if entry.job.Status != StatusAwaitingInput {
		status := entry.job.Status
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: job %s is %s", ErrNotAwaitingInput, id, status)
	}
	state := entry.state
	s.mu.Unlock()

	if _, err := s.orchestrator.ValidateInput(state, values); err != nil {
		return Job{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	// 検証中に別の呼び出しが再開した場合
	if entry.job.Status != StatusAwaitingInput {
		s.mu.Unlock()
		cancel()
		return Job{}, fmt.Errorf("%w: job %s was already resumed", ErrNotAwaitingInput, id)
	}
	entry.cancel = cancel
	entry.done = make(chan struct{})
	entry.job.Status = StatusRunning
	entry.job.Elicitation = nil
	entry.job.UpdatedAt = s.now()
	job := entry.job
	s.mu.Unlock()

	s.logger.Info("job resumed with input", "jobID", id, "fields", len(values))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		doc, err := s.orchestrator.Resume(runCtx, state, values, s.statusFunc(id))
		var outcome *RunOutcome
		if err == nil {
			outcome = &RunOutcome{Document: doc}
		}
		s.finishRun(id, outcome, err)
	}()

	return job, nil
}

// Cancel は実行中のジョブをキャンセルする
func (s *SnapshotService) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if entry.job.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if entry.job.Status == StatusAwaitingInput {
		// 入力待ちのジョブは実行中の処理がないため直接失敗にする
		s.failLocked(entry, NewStageError(StageElicitation, ErrJobCanceled))
		job := entry.job
		s.mu.Unlock()
		s.recordJob(job)
		return nil
	}
	entry.cancel()
	s.mu.Unlock()
	return nil
}

// Wait はジョブが完了・失敗・入力待ちのいずれかになるまで待つ
func (s *SnapshotService) Wait(ctx context.Context, id uuid.UUID) (Job, error) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return s.GetStatus(ctx, id)
	}
	done := entry.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	return s.GetStatus(ctx, id)
}

// Shutdown は実行中のすべてのジョブをキャンセルし、終了を待つ
func (s *SnapshotService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, entry := range s.jobs {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListArchived はアーカイブ済みのジョブを返す
func (s *SnapshotService) ListArchived(ctx context.Context, limit, offset int) ([]Job, error) {
	jobs, err := s.archive.ListJobs(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}
	return jobs, nil
}

func (s *SnapshotService) statusFunc(id uuid.UUID) StatusFunc {
	return func(status JobStatus, stage Stage) {
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.jobs[id]
		if !ok || entry.job.Status.Terminal() {
			return
		}
		entry.job.Status = status
		entry.job.Stage = stage
		entry.job.UpdatedAt = s.now()
	}
}

func (s *SnapshotService) finishRun(id uuid.UUID, outcome *RunOutcome, err error) {
	// 入力待ちのジョブは一覧に出るようアーカイブにも記録する。
	// 記録は入力待ちを公開する前に行い、再開後の保存を古い状態で上書きしないようにする。
	if err == nil && outcome.AwaitingInput() {
		s.mu.Lock()
		entry, ok := s.jobs[id]
		var job Job
		if ok {
			job = entry.job
			job.Status = StatusAwaitingInput
			job.Stage = StageElicitation
			job.Elicitation = outcome.State.Elicitation
			job.UpdatedAt = s.now()
		}
		s.mu.Unlock()
		if ok {
			s.recordJob(job)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return
	}
	defer close(entry.done)
	s.settleLocked(entry, outcome, err)
}

// settleLocked は mu を保持した状態で呼び出す
func (s *SnapshotService) settleLocked(entry *jobEntry, outcome *RunOutcome, err error) {
	id := entry.job.ID
	if entry.job.Status.Terminal() {
		return
	}

	switch {
	case err != nil:
		var se *StageError
		if !errors.As(err, &se) {
			se = NewStageError(entry.job.Stage, err)
		}
		s.failLocked(entry, se)
		s.logger.Error("job failed", "jobID", id, "stage", se.Stage, "class", se.Class, "error", se.Message)

	case outcome.AwaitingInput():
		entry.state = outcome.State
		entry.job.Status = StatusAwaitingInput
		entry.job.Stage = StageElicitation
		entry.job.Elicitation = outcome.State.Elicitation
		entry.job.UpdatedAt = s.now()
		s.logger.Info("job awaiting input", "jobID", id, "requests", len(outcome.State.Elicitation))

	default:
		entry.doc = outcome.Document
		entry.state = nil
		entry.job.Status = StatusComplete
		entry.job.Stage = StageAssembly
		entry.job.UpdatedAt = s.now()
		s.observe(entry, "")
		s.logger.Info("job complete", "jobID", id, "averageConfidence", outcome.Document.Metadata.AverageConfidence)
	}
}

// recordJob はジョブの状態をアーカイブに保存する。失敗してもジョブの状態には影響しない。
func (s *SnapshotService) recordJob(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.archive.SaveJob(ctx, job); err != nil {
		s.logger.Warn("failed to record job", "jobID", job.ID, "status", job.Status, "error", err)
	}
}

// failLocked は mu を保持した状態で呼び出す
func (s *SnapshotService) failLocked(entry *jobEntry, se *StageError) {
	entry.job.Status = StatusFailed
	entry.job.Failure = se
	entry.job.Stage = se.Stage
	entry.job.Elicitation = nil
	entry.job.UpdatedAt = s.now()
	entry.state = nil
	s.observe(entry, se.Class)
}

func (s *SnapshotService) observe(entry *jobEntry, class ErrorClass) {
	if s.observer != nil {
		s.observer.ObserveJob(entry.job.Status, class, s.now().Sub(entry.start))
	}
}
