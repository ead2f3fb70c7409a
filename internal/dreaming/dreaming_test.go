package dreaming

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/p8fs/p8fs-core/internal/affinity"
	"github.com/p8fs/p8fs-core/internal/config"
	"github.com/p8fs/p8fs-core/internal/embedding"
	"github.com/p8fs/p8fs-core/internal/extract"
	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/reverseindex"
	"github.com/p8fs/p8fs-core/internal/storage"
	"github.com/p8fs/p8fs-core/internal/telemetry"
	"github.com/p8fs/p8fs-core/internal/tenantrepo"
)

const tenantA = "tenant-a"

type fixture struct {
	provider  storage.Provider
	embedding *embedding.Service
	index     *reverseindex.Index
	resources *tenantrepo.Repository[*models.Resource]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	p, err := storage.New(&config.Config{
		SQLiteDSN:          filepath.Join(dir, "test.db"),
		BadgerPath:         filepath.Join(dir, "badger"),
		CompactionInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	svc := embedding.NewService(nil)
	svc.Register(embedding.NewLocalTextProvider("local-text", 16), 0)

	resDesc := tenantrepo.ResourceDescriptor("local-text")
	if err := p.EnsureTable(context.Background(), resDesc); err != nil {
		t.Fatalf("EnsureTable resources: %v", err)
	}
	momDesc := tenantrepo.MomentDescriptor()
	if err := p.EnsureTable(context.Background(), momDesc); err != nil {
		t.Fatalf("EnsureTable moments: %v", err)
	}
	jobStore := NewJobStore(p, telemetry.Discard())
	if err := jobStore.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema jobs: %v", err)
	}

	idx := reverseindex.New(p, []string{"resources", "moments"}, 100, telemetry.Discard())
	resRepo := tenantrepo.New[*models.Resource](p, svc, idx, resDesc, tenantA,
		func() *models.Resource { return &models.Resource{} }, telemetry.Discard())

	return &fixture{provider: p, embedding: svc, index: idx, resources: resRepo}
}

// fakeExtractor returns the same single project-alpha entity for any content
// and no moments, avoiding a live LLM dependency in tests.
type fakeExtractor struct {
	entityCalls int
	momentCalls int
}

func (f *fakeExtractor) ExtractEntities(ctx context.Context, content, tenantID string) ([]models.EntityDescriptor, error) {
	f.entityCalls++
	return []models.EntityDescriptor{
		{EntityID: "project-alpha", EntityType: models.EntityTypeProject, EntityName: "Project Alpha", Confidence: 0.9},
	}, nil
}

func (f *fakeExtractor) ExtractMoments(ctx context.Context, content, tenantID string, resource *models.Resource) ([]*models.Moment, []string, error) {
	f.momentCalls++
	return nil, nil, nil
}

// fakeBatchLLM simulates an external batch endpoint: SubmitBatch records
// the requests and immediately marks the batch completed with a canned
// entity-extraction response for every request, so PollBatch returns a
// stable result without any real provider call.
type fakeBatchLLM struct {
	submitted [][]llm.Request
}

func (f *fakeBatchLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	panic("fakeBatchLLM.Complete should not be called directly in batch mode")
}
func (f *fakeBatchLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	panic("not used")
}
func (f *fakeBatchLLM) SubmitBatch(ctx context.Context, reqs []llm.Request) (string, error) {
	f.submitted = append(f.submitted, reqs)
	return "batch-1", nil
}
func (f *fakeBatchLLM) PollBatch(ctx context.Context, batchID string) (llm.BatchStatus, error) {
	results := make([]llm.Response, len(f.submitted[0]))
	for i := range results {
		results[i] = llm.Response{Text: `[{"entity_type":"Project","entity_name":"Project Alpha","context":"","confidence":0.9}]`}
	}
	return llm.BatchStatus{BatchID: batchID, Status: llm.BatchCompleted, Results: results}, nil
}

func newScheduler(fx *fixture, extractor interface {
	ExtractEntities(ctx context.Context, content, tenantID string) ([]models.EntityDescriptor, error)
	ExtractMoments(ctx context.Context, content, tenantID string, resource *models.Resource) ([]*models.Moment, []string, error)
}, client llm.Client) *Scheduler {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.ResourceProvider = "local-text"
	cfg.AffinityConfig = affinity.Config{K: 2, Threshold: 0, EmbeddingField: "content", Provider: "local-text"}
	return New(cfg, fx.provider, fx.embedding, fx.index, extractor, client, nil, telemetry.Discard())
}

func TestSchedulerDirectModeIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	a := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "a", Content: "discussed project alpha with the team today"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{a}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	fe := &fakeExtractor{}
	s := newScheduler(fx, fe, nil)
	defer s.Stop()

	job1, err := s.SubmitDirect(ctx, tenantA, "2026-07")
	if err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}
	if job1.Status != models.JobStatusCompleted {
		t.Fatalf("expected job completed, got %s (last error: %s)", job1.Status, job1.LastError)
	}
	if fe.entityCalls != 1 {
		t.Fatalf("expected 1 entity extraction call, got %d", fe.entityCalls)
	}

	job2, err := s.SubmitDirect(ctx, tenantA, "2026-07")
	if err != nil {
		t.Fatalf("second SubmitDirect: %v", err)
	}
	if job2.ID != job1.ID {
		t.Fatalf("expected same job id on repeat submission, got %s vs %s", job2.ID, job1.ID)
	}
	if fe.entityCalls != 1 {
		t.Fatalf("expected no additional entity extraction call on repeat submission, got %d calls", fe.entityCalls)
	}

	got, found, err := fx.resources.Get(ctx, a.ID.String())
	if err != nil || !found {
		t.Fatalf("Get a: found=%v err=%v", found, err)
	}
	if len(got.RelatedEntities) != 1 || got.RelatedEntities[0].EntityID != "project-alpha" {
		t.Fatalf("expected related_entities to carry project-alpha, got %+v", got.RelatedEntities)
	}
}

func TestSchedulerDirectModeWithNoMatchingContentSkipsExtraction(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	a := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "a", Content: "xyzzy plugh"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{a}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	fe := &fakeExtractor{}
	s := newScheduler(fx, fe, nil)
	defer s.Stop()

	job, err := s.SubmitDirect(ctx, tenantA, "2026-07")
	if err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if fe.entityCalls != 0 {
		t.Fatalf("expected classifier to skip extraction for content with no keyword matches, got %d calls", fe.entityCalls)
	}
}

func TestSchedulerBatchModeSubmitAndPoll(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	a := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "a", Content: "the client project alpha team met today"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{a}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	client := &fakeBatchLLM{}
	s := newScheduler(fx, extract.NewLLMExtractor(client), client)
	defer s.Stop()

	job, err := s.SubmitBatch(ctx, tenantA, "2026-07")
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if job.Status != models.JobStatusInProgress {
		t.Fatalf("expected in_progress after submit, got %s", job.Status)
	}
	if job.BatchID == "" {
		t.Fatalf("expected a batch id to be recorded")
	}
	if len(client.submitted) != 1 {
		t.Fatalf("expected exactly one SubmitBatch call, got %d", len(client.submitted))
	}

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// Tick enqueues poll tasks asynchronously; give the single worker a
	// moment to process it before asserting on persisted state.
	deadline := time.Now().Add(2 * time.Second)
	var reloaded *models.Job
	for time.Now().Before(deadline) {
		j, found, err := s.jobs.Get(ctx, tenantA, job.ID.String())
		if err != nil {
			t.Fatalf("Get job: %v", err)
		}
		if found && j.Status == models.JobStatusCompleted {
			reloaded = j
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reloaded == nil {
		t.Fatalf("expected batch job to complete after Tick")
	}

	got, found, err := fx.resources.Get(ctx, a.ID.String())
	if err != nil || !found {
		t.Fatalf("Get a: found=%v err=%v", found, err)
	}
	if len(got.RelatedEntities) != 1 || got.RelatedEntities[0].EntityID != "project-alpha" {
		t.Fatalf("expected batch poll to apply entity extraction results, got %+v", got.RelatedEntities)
	}
}

func TestFinishJobRetriesThenFailsAfterMaxAttempts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	s := New(cfg, fx.provider, fx.embedding, fx.index, &fakeExtractor{}, nil, nil, telemetry.Discard())
	defer s.Stop()

	job := &models.Job{Base: models.Base{TenantID: tenantA}, Mode: models.JobModeDirect, Status: models.JobStatusInProgress, Window: "2026-07"}
	if err := s.jobs.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	boom := context.DeadlineExceeded

	job, err := s.finishJob(ctx, job, nil, boom)
	if err == nil {
		t.Fatalf("expected finishJob to propagate the run error")
	}
	if job.Status != models.JobStatusPending {
		t.Fatalf("expected job requeued to pending after attempt 1/2, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected Attempts=1, got %d", job.Attempts)
	}

	job, err = s.finishJob(ctx, job, nil, boom)
	if err == nil {
		t.Fatalf("expected finishJob to propagate the run error")
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected job failed after exceeding MaxAttempts=2, got %s", job.Status)
	}
	if job.Attempts != 2 {
		t.Fatalf("expected Attempts=2, got %d", job.Attempts)
	}
	if job.LastError == "" {
		t.Fatalf("expected LastError to be preserved")
	}
}
