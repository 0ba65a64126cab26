package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
)

// AdvisoryLock は1つの接続に紐づく PostgreSQL のセッションスコープのアドバイザリロック
type AdvisoryLock struct {
	conn   *sql.Conn
	lockID int64
}

// GenerateLockID は文字列からロックIDを生成する
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの先頭8バイトを int64 として使う
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}
	return id
}

// Acquire は専用の接続を確保し、pg_advisory_lock でロックを取得するまで待つ。
// 解放するまで接続はプールに戻らない。
func Acquire(ctx context.Context, db *sql.DB, lockID int64) (*AdvisoryLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	return &AdvisoryLock{conn: conn, lockID: lockID}, nil
}

// Release はロックを解放して接続をプールに戻す
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return closeErr
}

// With はロックを保持したまま fn を実行する
func With(ctx context.Context, db *sql.DB, lockID int64, fn func(ctx context.Context) error) (err error) {
	l, err := Acquire(ctx, db, lockID)
	if err != nil {
		return err
	}
	defer func() {
		// fn のエラーを優先する
		if releaseErr := l.Release(context.WithoutCancel(ctx)); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(ctx)
}
