package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

const (
	// DefaultMaxRetries は試行回数の上限（初回を含む）のデフォルト値
	DefaultMaxRetries = 3

	// DefaultBaseDelay は Exponential Backoff の基底時間
	DefaultBaseDelay = time.Second

	// DefaultMultiplier はバックオフの乗数
	DefaultMultiplier = 2.0

	// DefaultTimeout は1回の試行あたりのタイムアウト
	DefaultTimeout = 60 * time.Second
)

var (
	// ErrInvalidPolicy はリトライポリシーが不正な場合のエラー
	ErrInvalidPolicy = errors.New("invalid retry policy")

	// ErrMaxRetriesExceeded は最大試行回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Policy は1つの作業単位に適用するリトライ設定
type Policy struct {
	// MaxRetries は試行回数の上限（初回を含む、1以上）
	MaxRetries int

	// BaseDelay は最初のリトライまでの待機時間（0より大きい）
	BaseDelay time.Duration

	// Multiplier は試行ごとに待機時間へ掛ける乗数（1未満は1として扱う）
	Multiplier float64

	// Timeout は1回の試行に与える時間（0以下は無制限）
	Timeout time.Duration

	// Jitter は待機時間に加えるランダム幅の割合 (0.0-1.0)
	Jitter float64

	// MaxDelay は待機時間の上限（0以下は無制限）
	MaxDelay time.Duration
}

// DefaultPolicy はデフォルトのリトライ設定を返す
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		Timeout:    DefaultTimeout,
		Jitter:     0.1,
		MaxDelay:   32 * time.Second,
	}
}

// Validate はポリシーの入力制約を検証する
func (p Policy) Validate() error {
	if p.MaxRetries < 1 {
		return fmt.Errorf("%w: maxRetries must be >= 1 (got %d)", ErrInvalidPolicy, p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%w: baseDelay must be > 0 (got %s)", ErrInvalidPolicy, p.BaseDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("%w: jitter must be within [0,1] (got %v)", ErrInvalidPolicy, p.Jitter)
	}
	return nil
}

// Delay は attempt 回目（0始まり）の失敗後に待機する時間を返す（ジッターなし）
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExhaustedError は試行回数を使い切った場合の終端エラー
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempts: %v", e.Op, ErrMaxRetriesExceeded, e.Attempts, e.Last)
}

// Unwrap は最後の下位エラーと ErrMaxRetriesExceeded の両方を返す
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.Last}
}

// Outcome は1回の Invoke の実行結果
type Outcome struct {
	// Attempts は実行した試行回数
	Attempts int

	// Retries はリトライ回数（Attempts - 1）
	Retries int
}

// Observer は試行ごとの結果を受け取る（メトリクス収集用）
type Observer interface {
	ObserveAttempt(op string, attempt int, err error, delay time.Duration)
}

// Invoker は作業単位にタイムアウト・Exponential Backoff・回数制限付きリトライを付与する。
// 状態は Invoke 呼び出しごとに独立しているため、複数の goroutine から同時に利用できる。
type Invoker struct {
	policy   Policy
	logger   *slog.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

// InvokerOption は Invoker のオプション設定
type InvokerOption func(*Invoker)

// WithLogger は Invoker にロガーを設定する
func WithLogger(logger *slog.Logger) InvokerOption {
	return func(inv *Invoker) {
		inv.logger = logger
	}
}

// WithObserver は試行結果の通知先を設定する
func WithObserver(observer Observer) InvokerOption {
	return func(inv *Invoker) {
		inv.observer = observer
	}
}

// WithSleep は待機関数を差し替える（テスト用）
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) InvokerOption {
	return func(inv *Invoker) {
		inv.sleep = sleep
	}
}

// NewInvoker は新しい Invoker を作成する
func NewInvoker(policy Policy, opts ...InvokerOption) (*Invoker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	inv := &Invoker{
		policy: policy,
		logger: slog.Default(),
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.logger == nil {
		inv.logger = slog.Default()
	}

	return inv, nil
}

// Policy は設定済みのリトライポリシーを返す
func (inv *Invoker) Policy() Policy {
	return inv.policy
}

// Invoke は work を Invoker のポリシーに従って実行する。
// 一時的なエラーとタイムアウトはリトライし、それ以外のエラーは即座に返す。
// 親コンテキストのキャンセルはリトライせず ctx.Err() を返す。
func Invoke[T any](ctx context.Context, inv *Invoker, op string, work func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	var lastErr error
	policy := inv.policy

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		outcome := Outcome{Attempts: attempt + 1, Retries: attempt}

		if err := ctx.Err(); err != nil {
			return zero, outcome, err
		}

		result, err := runAttempt(ctx, policy.Timeout, work)
		if err == nil {
			inv.notify(op, attempt+1, nil, 0)
			if attempt > 0 {
				inv.logger.Info("LLM call succeeded after retry",
					"op", op,
					"attempt", attempt+1,
				)
			}
			return result, outcome, nil
		}

		// 親コンテキストのキャンセルはリトライ対象外
		if ctx.Err() != nil {
			inv.notify(op, attempt+1, err, 0)
			return zero, outcome, ctx.Err()
		}

		lastErr = err
		if !IsRetryable(err) {
			inv.notify(op, attempt+1, err, 0)
			inv.logger.Warn("LLM call failed with non-retryable error",
				"op", op,
				"attempt", attempt+1,
				"error", err,
			)
			return zero, outcome, err
		}

		if attempt == policy.MaxRetries-1 {
			inv.notify(op, attempt+1, err, 0)
			break
		}

		delay := inv.backoff(attempt)
		inv.notify(op, attempt+1, err, delay)
		inv.logger.Warn("LLM call failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"maxRetries", policy.MaxRetries,
			"delay", delay,
			"error", err,
		)

		if err := inv.sleep(ctx, delay); err != nil {
			return zero, outcome, err
		}
	}

	inv.logger.Error("LLM call exhausted retries",
		"op", op,
		"attempts", policy.MaxRetries,
		"error", lastErr,
	)

	return zero, Outcome{Attempts: policy.MaxRetries, Retries: policy.MaxRetries - 1}, &ExhaustedError{
		Op:       op,
		Attempts: policy.MaxRetries,
		Last:     lastErr,
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, work func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return work(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := work(attemptCtx)
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// タイムアウト後に返された結果は採用しない
		var zero T
		if err == nil {
			return zero, fmt.Errorf("attempt timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return zero, fmt.Errorf("attempt timed out after %s (%v): %w", timeout, err, context.DeadlineExceeded)
	}
	return result, err
}

func (inv *Invoker) backoff(attempt int) time.Duration {
	d := inv.policy.Delay(attempt)
	if inv.policy.Jitter > 0 {
		d += time.Duration(float64(d) * inv.policy.Jitter * inv.jitter())
	}
	return d
}

// notify は1回の試行ごとに1度だけ呼ばれ、試行番号と次の待機時間を記録する
func (inv *Invoker) notify(op string, attempt int, err error, delay time.Duration) {
	inv.logger.Debug("LLM call attempt",
		"op", op,
		"attempt", attempt,
		"maxRetries", inv.policy.MaxRetries,
		"delay", delay,
		"success", err == nil,
	)
	if inv.observer != nil {
		inv.observer.ObserveAttempt(op, attempt, err, delay)
	}
}

// IsRetryable はエラーがリトライ対象の一時的エラーかどうかを判定する。
// Retryable() bool を実装するエラーはその結果に従う。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
