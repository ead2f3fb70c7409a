// Package dreaming implements the Dreaming Worker (spec.md §4.8): the
// scheduler that drives offline enrichment (entity extraction, moment
// generation, affinity) per tenant, in direct (synchronous LLM) or batch
// (submit + poll) mode, with durable job tracking through models.Job.
// Adapted from the teacher's internal/inference.Pool (worker pool, queue,
// bounded concurrency) and internal/agent.AgentOrchestrator (routing
// between sequential and parallel execution paths).
package dreaming

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/storage"
	"github.com/p8fs/p8fs-core/internal/tenantrepo"
)

// jobsTable is the SQL table models.Job rows live in (spec.md §3).
const jobsTable = "jobs"

// JobStore persists models.Job rows through storage.Provider's SQL
// substrate. Unlike internal/tenantrepo.Repository, JobStore is not bound
// to one tenant: the scheduler's poll tick must find in-progress batch
// jobs across every tenant in one query, which a per-tenant facade can't
// express.
type JobStore struct {
	provider storage.Provider
	logger   logr.Logger
}

// NewJobStore constructs a JobStore. EnsureSchema must be called once
// before use.
func NewJobStore(provider storage.Provider, logger logr.Logger) *JobStore {
	return &JobStore{provider: provider, logger: logger}
}

// EnsureSchema creates the jobs table if it doesn't already exist. Jobs
// declare no embedding fields, so no parallel embeddings table is created.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	return s.provider.EnsureTable(ctx, tenantrepo.JobDescriptor())
}

// FindByIdempotenceKey looks up an existing job for (tenantID, mode,
// window), the idempotence tuple spec.md §4.8 requires: a repeat
// submission observes the existing job rather than duplicating work.
func (s *JobStore) FindByIdempotenceKey(ctx context.Context, tenantID string, mode models.JobMode, window string) (*models.Job, bool, error) {
	rows, err := s.provider.Select(ctx, jobsTable, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": tenantID, "mode": string(mode), "window": window},
		OrderBy: storage.OrderBy{"created_at DESC"},
		Limit:   1,
	})
	if err != nil {
		return nil, false, fmt.Errorf("dreaming: find job by idempotence key: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	job := &models.Job{}
	if err := job.FromRow(rows[0]); err != nil {
		return nil, false, fmt.Errorf("dreaming: decode job row: %w", err)
	}
	return job, true, nil
}

// Get fetches one job by id, tenant-scoped.
func (s *JobStore) Get(ctx context.Context, tenantID, id string) (*models.Job, bool, error) {
	rows, err := s.provider.Select(ctx, jobsTable, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": tenantID, "id": id},
		Limit:   1,
	})
	if err != nil {
		return nil, false, fmt.Errorf("dreaming: get job: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	job := &models.Job{}
	if err := job.FromRow(rows[0]); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Save upserts job, validating the tenant isolation invariant first.
func (s *JobStore) Save(ctx context.Context, job *models.Job) error {
	if job.TenantID == "" {
		return apperrors.ErrTenantMissing
	}
	if job.ID.String() == "00000000-0000-0000-0000-000000000000" {
		job.ID = models.NewID()
	}
	job.UpdatedAt = now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := s.provider.Upsert(ctx, jobsTable, []map[string]interface{}{job.ToRow()}, "id"); err != nil {
		return fmt.Errorf("dreaming: save job: %w", err)
	}
	return nil
}

// PendingBatch returns every job across every tenant currently waiting on
// an external batch result (mode=batch, status=in_progress), bounded by
// limit. This is the scheduler's own maintenance read, not a tenant-scoped
// caller operation, so it deliberately does not inject a tenant_id filter.
func (s *JobStore) PendingBatch(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.provider.Select(ctx, jobsTable, storage.SelectOptions{
		Filters: storage.Filter{"mode": string(models.JobModeBatch), "status": string(models.JobStatusInProgress)},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("dreaming: list pending batch jobs: %w", err)
	}
	out := make([]*models.Job, 0, len(rows))
	for _, row := range rows {
		job := &models.Job{}
		if err := job.FromRow(row); err != nil {
			return nil, fmt.Errorf("dreaming: decode job row: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

// now is the single clock read in this package: the current time in UTC.
func now() time.Time { return time.Now().UTC() }
