package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifiedErr struct {
	msg       string
	retryable bool
}

func (e *classifiedErr) Error() string   { return e.msg }
func (e *classifiedErr) Retryable() bool { return e.retryable }

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestInvoker(t *testing.T, policy Policy, sleeper *recordingSleep) *Invoker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv, err := NewInvoker(policy, WithLogger(logger), WithSleep(sleeper.sleep))
	require.NoError(t, err)
	inv.jitter = func() float64 { return 0 }
	return inv
}

func TestInvoke_TransientTwiceThenSuccess(t *testing.T) {
	sleeper := &recordingSleep{}
	inv := newTestInvoker(t, Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}, sleeper)

	calls := 0
	result, outcome, err := Invoke(context.Background(), inv, "test", func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", &classifiedErr{msg: "rate limited", retryable: true}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 2, outcome.Retries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestInvoke_TerminalErrorAbortsImmediately(t *testing.T) {
	sleeper := &recordingSleep{}
	inv := newTestInvoker(t, Policy{MaxRetries: 5, BaseDelay: time.Millisecond, Multiplier: 2}, sleeper)

	terminal := &classifiedErr{msg: "authentication failed", retryable: false}
	calls := 0
	_, outcome, err := Invoke(context.Background(), inv, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, terminal
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, outcome.Retries)
	assert.Empty(t, sleeper.delays)
}

func TestInvoke_ExhaustedCarriesLastErrorAndAttempts(t *testing.T) {
	sleeper := &recordingSleep{}
	inv := newTestInvoker(t, Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2}, sleeper)

	calls := 0
	_, outcome, err := Invoke(context.Background(), inv, "section:Background", func(ctx context.Context) (int, error) {
		calls++
		return 0, &classifiedErr{msg: "upstream 503", retryable: true}
	})

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "section:Background", exhausted.Op)
	assert.EqualError(t, exhausted.Last, "upstream 503")
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, outcome.Attempts)
	// 最後の試行の後は待機しない
	assert.Len(t, sleeper.delays, 2)
}

func TestInvoke_AttemptTimeoutIsRetried(t *testing.T) {
	sleeper := &recordingSleep{}
	inv := newTestInvoker(t, Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1, Timeout: 10 * time.Millisecond}, sleeper)

	calls := 0
	result, outcome, err := Invoke(context.Background(), inv, "test", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "second", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "second", result)
	assert.Equal(t, 1, outcome.Retries)
}

func TestInvoke_ParentCancellationStopsRetrying(t *testing.T) {
	sleeper := &recordingSleep{}
	inv := newTestInvoker(t, Policy{MaxRetries: 5, BaseDelay: time.Millisecond, Multiplier: 2}, sleeper)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := Invoke(ctx, inv, "test", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, &classifiedErr{msg: "network", retryable: true}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestInvoke_ConcurrentCallersHaveIndependentState(t *testing.T) {
	sleeper := &recordingSleep{}
	inv := newTestInvoker(t, Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2}, sleeper)

	var wg sync.WaitGroup
	var totalRetries atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			calls := 0
			_, outcome, err := Invoke(context.Background(), inv, "parallel", func(ctx context.Context) (int, error) {
				calls++
				if calls == 1 {
					return 0, &classifiedErr{msg: "timeout", retryable: true}
				}
				return calls, nil
			})
			assert.NoError(t, err)
			totalRetries.Add(int64(outcome.Retries))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8), totalRetries.Load())
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "デフォルト設定", policy: DefaultPolicy(), wantErr: false},
		{name: "試行回数0", policy: Policy{MaxRetries: 0, BaseDelay: time.Second}, wantErr: true},
		{name: "待機時間0", policy: Policy{MaxRetries: 1, BaseDelay: 0}, wantErr: true},
		{name: "ジッター範囲外", policy: Policy{MaxRetries: 1, BaseDelay: time.Second, Jitter: 1.5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_DelayIsExponentialAndCapped(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&classifiedErr{retryable: true}))
}

func TestInvoke_LogsEveryAttemptWithDelay(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		retryable  bool
		wantDelays []string
	}{
		{name: "初回で成功", failures: 0, retryable: true, wantDelays: []string{"0s"}},
		{name: "リトライ後に成功", failures: 1, retryable: true, wantDelays: []string{"100ms", "0s"}},
		{name: "リトライ不可のエラー", failures: 3, retryable: false, wantDelays: []string{"0s"}},
		{name: "リトライを使い切る", failures: 3, retryable: true, wantDelays: []string{"100ms", "200ms", "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			inv, err := NewInvoker(Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2},
				WithLogger(logger), WithSleep((&recordingSleep{}).sleep))
			require.NoError(t, err)
			inv.jitter = func() float64 { return 0 }

			calls := 0
			_, _, _ = Invoke(context.Background(), inv, "test", func(ctx context.Context) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", &classifiedErr{msg: "upstream error", retryable: tt.retryable}
				}
				return "ok", nil
			})

			var delays []string
			var attempts []float64
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var entry map[string]any
				require.NoError(t, json.Unmarshal([]byte(line), &entry))
				if entry["msg"] != "LLM call attempt" {
					continue
				}
				attempts = append(attempts, entry["attempt"].(float64))
				delays = append(delays, time.Duration(entry["delay"].(float64)).String())
			}

			assert.Equal(t, tt.wantDelays, delays)
			for i, a := range attempts {
				assert.Equal(t, float64(i+1), a)
			}
		})
	}
}
