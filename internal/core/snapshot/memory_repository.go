package snapshot

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryArchive はメモリ上の Archive 実装。並行利用に対して安全。
type MemoryArchive struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]Job
	docs map[uuid.UUID]*FinalDocument
}

// NewMemoryArchive は新しい MemoryArchive を作成する
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		jobs: make(map[uuid.UUID]Job),
		docs: make(map[uuid.UUID]*FinalDocument),
	}
}

var _ Archive = (*MemoryArchive)(nil)

func (a *MemoryArchive) SaveJob(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs[job.ID] = job
	return nil
}

func (a *MemoryArchive) SaveDocument(ctx context.Context, job Job, doc *FinalDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs[job.ID] = job
	if doc != nil {
		a.docs[job.ID] = doc
	}
	return nil
}

func (a *MemoryArchive) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	job, ok := a.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (a *MemoryArchive) GetDocument(ctx context.Context, id uuid.UUID) (*FinalDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	doc, ok := a.docs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return doc, nil
}

func (a *MemoryArchive) ListJobs(ctx context.Context, limit, offset int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}

	a.mu.RLock()
	jobs := make([]Job, 0, len(a.jobs))
	for _, j := range a.jobs {
		jobs = append(jobs, j)
	}
	a.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if offset >= len(jobs) {
		return []Job{}, nil
	}
	end := len(jobs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return jobs[offset:end], nil
}
