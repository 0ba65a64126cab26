package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

// Stage はパイプラインの処理段階
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageAnalysis    Stage = "analysis"
	StageGeneration  Stage = "generation"
	StageValidation  Stage = "validation"
	StageImprovement Stage = "improvement"
	StageElicitation Stage = "elicitation"
	StageSynthesis   Stage = "synthesis"
	StageAssembly    Stage = "assembly"
)

// ErrorClass は利用者に見せるエラー分類
type ErrorClass string

const (
	ClassTransientUpstream ErrorClass = "transient_upstream"
	ClassTerminalUpstream  ErrorClass = "terminal_upstream"
	ClassParse             ErrorClass = "parse"
	ClassResourceNotFound  ErrorClass = "resource_not_found"
	ClassInvalidInput      ErrorClass = "invalid_input"
	ClassCanceled          ErrorClass = "canceled"
	ClassInternal          ErrorClass = "internal"
)

var (
	// ErrJobNotFound はジョブが存在しない場合のエラー
	ErrJobNotFound = errors.New("job not found")

	// ErrJobCanceled はジョブがキャンセルされた場合のエラー
	ErrJobCanceled = errors.New("job canceled")

	// ErrInvalidInput は入力値が不正な場合のエラー
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotAwaitingInput は入力待ちでないジョブに入力が渡された場合のエラー
	ErrNotAwaitingInput = errors.New("job is not awaiting input")

	// ErrResultNotReady はジョブが完了していない場合のエラー
	ErrResultNotReady = errors.New("job result not ready")

	// ErrUnknownSection は未知のセクション名のエラー
	ErrUnknownSection = errors.New("unknown section")
)

// TransientUpstreamError はリトライで回復しうる上流のエラー（タイムアウト、レート制限、5xx）
type TransientUpstreamError struct {
	Op  string
	Err error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error in %s: %v", e.Op, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// Retryable はリトライ対象であることを示す
func (e *TransientUpstreamError) Retryable() bool { return true }

// TerminalUpstreamError はリトライしない上流のエラー（認証失敗、不正なリクエスト）
type TerminalUpstreamError struct {
	Op  string
	Err error
}

func (e *TerminalUpstreamError) Error() string {
	return fmt.Sprintf("terminal upstream error in %s: %v", e.Op, e.Err)
}

func (e *TerminalUpstreamError) Unwrap() error { return e.Err }

// Retryable はリトライ対象でないことを示す
func (e *TerminalUpstreamError) Retryable() bool { return false }

// ParseError は LLM の応答が想定した形式でない場合のエラー
type ParseError struct {
	Stage Stage
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ResourceNotFoundError はキャッシュにも上流にもリソースが存在しない場合のエラー
type ResourceNotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found: %v", e.Resource, e.ID, e.Err)
}

func (e *ResourceNotFoundError) Unwrap() error { return e.Err }

// StageError は利用者に返す失敗情報。
// 失敗した段階、エラー分類、劣化したセクションと完了したセクションを持つ。
type StageError struct {
	Stage     Stage         `json:"stage"`
	Class     ErrorClass    `json:"class"`
	Message   string        `json:"message"`
	Degraded  []SectionName `json:"degraded,omitempty"`
	Completed []SectionName `json:"completed,omitempty"`
	Err       error         `json:"-"`
}

// NewStageError は err を分類して StageError を作成する
func NewStageError(stage Stage, err error) *StageError {
	return &StageError{
		Stage:   stage,
		Class:   Classify(err),
		Message: err.Error(),
		Err:     err,
	}
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s stage failed (%s): %s", e.Stage, e.Class, e.Message)
	if len(e.Degraded) > 0 {
		fmt.Fprintf(&b, " [degraded: %s]", joinSections(e.Degraded))
	}
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Err }

// Classify はエラーを ErrorClass に分類する
func Classify(err error) ErrorClass {
	var (
		transient *TransientUpstreamError
		terminal  *TerminalUpstreamError
		parse     *ParseError
		notFound  *ResourceNotFoundError
		exhausted *retry.ExhaustedError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrJobCanceled):
		return ClassCanceled
	case errors.As(err, &notFound), errors.Is(err, transcript.ErrNotFound):
		return ClassResourceNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, transcript.ErrInvalidFormat):
		return ClassInvalidInput
	case errors.As(err, &exhausted):
		// リトライを使い切った一時的エラー
		return ClassTransientUpstream
	case errors.As(err, &terminal), errors.Is(err, transcript.ErrUnauthorized):
		return ClassTerminalUpstream
	case errors.As(err, &transient), errors.Is(err, transcript.ErrNotReady), errors.Is(err, context.DeadlineExceeded):
		return ClassTransientUpstream
	case errors.As(err, &parse):
		return ClassParse
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	default:
		return ClassInternal
	}
}

func joinSections(names []SectionName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
