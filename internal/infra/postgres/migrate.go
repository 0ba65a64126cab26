package postgres

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/jinford/meeting-snapshot/pkg/lock"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockID は複数インスタンスが同時にマイグレーションしないためのロック
var migrationLockID = lock.GenerateLockID("meeting-snapshot", "migrations")

// RunMigrations は埋め込みの SQL マイグレーションを goose で適用する。database が nil の場合は何もしない。
func RunMigrations(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return nil
	}
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return lock.With(ctx, database, migrationLockID, func(ctx context.Context) error {
		return goose.UpContext(ctx, database, "migrations")
	})
}
