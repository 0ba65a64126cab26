package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	"github.com/jinford/meeting-snapshot/internal/platform/database"
)

// ArchiveRepository は snapshot.Archive を PostgreSQL で実装する
type ArchiveRepository struct {
	db *sql.DB
}

// NewArchiveRepository は新しい ArchiveRepository を作成する
func NewArchiveRepository(db *sql.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// コンパイル時の型チェック
var _ snapshot.Archive = (*ArchiveRepository)(nil)

// execer は *sql.DB と *sql.Tx の共通部分
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertJobQuery = `
INSERT INTO snapshot_jobs (
	id, transcript_ref, sections, format, status, stage, failure, elicitation, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	stage = EXCLUDED.stage,
	failure = EXCLUDED.failure,
	elicitation = EXCLUDED.elicitation,
	updated_at = EXCLUDED.updated_at`

const upsertDocumentQuery = `
INSERT INTO snapshot_documents (job_id, average_confidence, document)
VALUES ($1, $2, $3)
ON CONFLICT (job_id) DO UPDATE SET
	average_confidence = EXCLUDED.average_confidence,
	document = EXCLUDED.document`

const selectJobColumns = `
SELECT id, transcript_ref, sections, format, status, stage, failure, elicitation, created_at, updated_at
FROM snapshot_jobs`

// SaveJob はジョブを保存する（存在する場合は状態を更新する）
func (r *ArchiveRepository) SaveJob(ctx context.Context, job snapshot.Job) error {
	if err := upsertJob(ctx, r.db, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// SaveDocument はジョブと最終文書を1つのトランザクションで保存する
func (r *ArchiveRepository) SaveDocument(ctx context.Context, job snapshot.Job, doc *snapshot.FinalDocument) error {
	_, err := database.Transact(ctx, r.db, func(tx *sql.Tx) (struct{}, error) {
		if err := upsertJob(ctx, tx, job); err != nil {
			return struct{}{}, fmt.Errorf("failed to save job %s: %w", job.ID, err)
		}
		if doc == nil {
			return struct{}{}, nil
		}

		payload, err := json.Marshal(doc)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to encode document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsertDocumentQuery, job.ID, doc.Metadata.AverageConfidence, payload); err != nil {
			return struct{}{}, fmt.Errorf("failed to save document %s: %w", job.ID, err)
		}
		return struct{}{}, nil
	})
	return err
}

// GetJob はジョブを取得する
func (r *ArchiveRepository) GetJob(ctx context.Context, id uuid.UUID) (snapshot.Job, error) {
	row := r.db.QueryRowContext(ctx, selectJobColumns+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot.Job{}, snapshot.ErrJobNotFound
		}
		return snapshot.Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// GetDocument は最終文書を取得する
func (r *ArchiveRepository) GetDocument(ctx context.Context, id uuid.UUID) (*snapshot.FinalDocument, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT document FROM snapshot_documents WHERE job_id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, snapshot.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}

	var doc snapshot.FinalDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return &doc, nil
}

// ListJobs は作成日時の新しい順にジョブを返す。limit が 0 以下の場合は件数を制限しない。
func (r *ArchiveRepository) ListJobs(ctx context.Context, limit, offset int) ([]snapshot.Job, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, selectJobColumns+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []snapshot.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func upsertJob(ctx context.Context, db execer, job snapshot.Job) error {
	sections, err := json.Marshal(job.Sections)
	if err != nil {
		return fmt.Errorf("failed to encode sections: %w", err)
	}
	failure, err := marshalNullable(job.Failure != nil, job.Failure)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	elicitation, err := marshalNullable(len(job.Elicitation) > 0, job.Elicitation)
	if err != nil {
		return fmt.Errorf("failed to encode elicitation: %w", err)
	}

	_, err = db.ExecContext(ctx, upsertJobQuery,
		job.ID,
		job.TranscriptRef,
		sections,
		string(job.Format),
		string(job.Status),
		string(job.Stage),
		failure,
		elicitation,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// marshalNullable は present が false の場合に SQL の NULL を返す
func marshalNullable(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (snapshot.Job, error) {
	var (
		job         snapshot.Job
		sections    []byte
		format      string
		status      string
		stage       string
		failure     []byte
		elicitation []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.TranscriptRef,
		&sections,
		&format,
		&status,
		&stage,
		&failure,
		&elicitation,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return snapshot.Job{}, err
	}

	job.Format = snapshot.OutputFormat(format)
	job.Status = snapshot.JobStatus(status)
	job.Stage = snapshot.Stage(stage)

	if err := json.Unmarshal(sections, &job.Sections); err != nil {
		return snapshot.Job{}, fmt.Errorf("failed to decode sections: %w", err)
	}
	if len(failure) > 0 {
		job.Failure = &snapshot.StageError{}
		if err := json.Unmarshal(failure, job.Failure); err != nil {
			return snapshot.Job{}, fmt.Errorf("failed to decode failure: %w", err)
		}
	}
	if len(elicitation) > 0 {
		if err := json.Unmarshal(elicitation, &job.Elicitation); err != nil {
			return snapshot.Job{}, fmt.Errorf("failed to decode elicitation: %w", err)
		}
	}
	return job, nil
}
