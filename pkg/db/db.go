package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DB はデータベース接続プールを保持します。
// SQL は同じプールを共有する database/sql のハンドルです。
type DB struct {
	Pool *pgxpool.Pool
	SQL  *sql.DB
}

// ConnectionParams はデータベース接続パラメータ
type ConnectionParams struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// MaxConns はプールの最大接続数（0 の場合は pgxpool のデフォルト）
	MaxConns int32

	// ConnMaxLifetime は接続の最大生存時間（0 の場合は pgxpool のデフォルト）
	ConnMaxLifetime time.Duration

	// PingTimeout は接続確認のタイムアウト（0 の場合は5秒）
	PingTimeout time.Duration
}

// ConnString は pgx の接続文字列を返します
func (p ConnectionParams) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host,
		p.Port,
		p.User,
		p.Password,
		p.DBName,
		p.SSLMode,
	)
}

// New は新しいデータベース接続を作成します
func New(ctx context.Context, params ConnectionParams) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(params.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	if params.MaxConns > 0 {
		cfg.MaxConns = params.MaxConns
	}
	if params.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = params.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingTimeout := params.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	// 接続テスト
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool, SQL: stdlib.OpenDBFromPool(pool)}, nil
}

// Close はデータベース接続を閉じます
func (db *DB) Close() {
	if db.SQL != nil {
		_ = db.SQL.Close()
	}
	db.Pool.Close()
}
