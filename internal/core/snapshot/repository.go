package snapshot

import (
	"context"

	"github.com/google/uuid"
)

// Archive は取得済みジョブと最終文書の永続化インターフェース
type Archive interface {
	// SaveJob はジョブの状態を保存する（存在する場合は上書き）
	SaveJob(ctx context.Context, job Job) error

	// SaveDocument はジョブと最終文書をまとめて保存する
	SaveDocument(ctx context.Context, job Job, doc *FinalDocument) error

	// GetJob はジョブを取得する。存在しない場合は ErrJobNotFound を返す
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)

	// GetDocument は最終文書を取得する。存在しない場合は ErrJobNotFound を返す
	GetDocument(ctx context.Context, id uuid.UUID) (*FinalDocument, error)

	// ListJobs は作成日時の新しい順にジョブを返す
	ListJobs(ctx context.Context, limit, offset int) ([]Job, error)
}
