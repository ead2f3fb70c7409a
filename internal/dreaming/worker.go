package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p8fs/p8fs-core/internal/affinity"
	"github.com/p8fs/p8fs-core/internal/extract"
	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/storage"
)

// newAffinityBuilder binds an affinity.Builder to the resources table with
// this Scheduler's configured k/threshold and embedding provider. The LLM
// typed-edge pass (spec.md §4.7 step 3) only runs when cfg.TypedEdgePass
// is set and an llm.Client was supplied to New.
func newAffinityBuilder(s *Scheduler) *affinity.Builder {
	cfg := s.cfg.AffinityConfig
	if cfg.Provider == "" {
		cfg.Provider = s.cfg.ResourceProvider
	}
	client := s.llmClient
	if !cfg.TypedEdgePass {
		client = nil
	}
	return affinity.NewBuilder(s.provider, s.embedding, client, "resources", cfg)
}

// mentionsRelType is the graph_paths edge type the entity extractor
// mirrors its output as (spec.md §4.6).
const mentionsRelType = "mentions"

// runDirect is the synchronous mode: one job per tenant, the LLM calls
// happen inline, the result lands on the Job record before it returns.
// Idempotent on (tenantID, JobModeDirect, window).
func (s *Scheduler) runDirect(ctx context.Context, tenantID, window string) (*models.Job, error) {
	if existing, ok, err := s.jobs.FindByIdempotenceKey(ctx, tenantID, models.JobModeDirect, window); err != nil {
		return nil, err
	} else if ok && existing.Status != models.JobStatusFailed {
		return existing, nil
	}

	job := &models.Job{
		Base:   models.Base{TenantID: tenantID},
		Mode:   models.JobModeDirect,
		Status: models.JobStatusPending,
		Window: window,
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, err
	}

	started := now()
	job.Status = models.JobStatusInProgress
	job.StartedAt = &started
	if err := s.jobs.Save(ctx, job); err != nil {
		return job, err
	}

	result, err := s.enrichTenant(ctx, tenantID)
	return s.finishJob(ctx, job, result, err)
}

// finishJob records the outcome of one job attempt: success completes it,
// failure increments Attempts, records LastError, and sets the status back
// to pending while Attempts is below cfg.MaxAttempts, or to failed once it
// reaches it. Nothing in this package re-runs a pending job: Tick only polls
// in-progress batch jobs, and a repeat SubmitDirect/SubmitBatch returns the
// pending job as it is. No backoff delay is applied between attempts.
func (s *Scheduler) finishJob(ctx context.Context, job *models.Job, result map[string]interface{}, runErr error) (*models.Job, error) {
	finished := now()
	if runErr == nil {
		job.Status = models.JobStatusCompleted
		job.Result = result
		job.FinishedAt = &finished
		if err := s.jobs.Save(ctx, job); err != nil {
			return job, err
		}
		return job, nil
	}

	job.Attempts++
	job.LastError = runErr.Error()
	if job.Attempts >= s.cfg.MaxAttempts {
		job.Status = models.JobStatusFailed
		job.FinishedAt = &finished
	} else {
		job.Status = models.JobStatusPending
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return job, fmt.Errorf("dreaming: save failed job state: %w (run error: %w)", err, runErr)
	}
	return job, runErr
}

// enrichTenant is the actual enrichment pass shared by direct mode and a
// completed batch's downstream dispatch: classify each un-enriched
// resource's content, run entity/moment extraction as the classifier
// calls for, mirror entities as graph_paths edges, persist any extracted
// moments, then run the Affinity Builder over the tenant's resources.
func (s *Scheduler) enrichTenant(ctx context.Context, tenantID string) (map[string]interface{}, error) {
	resources := s.resourceRepo(tenantID)
	moments := s.momentRepo(tenantID)

	rows, err := resources.Select(ctx, storage.SelectOptions{})
	if err != nil {
		return nil, fmt.Errorf("dreaming: select resources: %w", err)
	}

	var entitiesFound, momentsFound int
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.Content == "" {
			continue
		}

		mode := s.classifier.Classify(r.Content).Mode
		if mode == extract.ModeNone {
			continue
		}

		if mode == extract.ModeEntities || mode == extract.ModeBoth {
			entities, err := s.extractor.ExtractEntities(ctx, r.Content, tenantID)
			if err == nil && len(entities) > 0 {
				r.RelatedEntities = mergeEntities(r.RelatedEntities, entities)
				r.GraphPaths = mergeMentionEdges(r.GraphPaths, entities)
				entitiesFound += len(entities)
			}
		}

		if mode == extract.ModeMoments || mode == extract.ModeBoth {
			found, _, err := s.extractor.ExtractMoments(ctx, r.Content, tenantID, r)
			if err == nil && len(found) > 0 {
				if err := moments.Upsert(ctx, found); err == nil {
					momentsFound += len(found)
				}
			}
		}

		if err := resources.Upsert(ctx, []*models.Resource{r}); err != nil {
			return nil, fmt.Errorf("dreaming: upsert enriched resource %s: %w", r.ID, err)
		}
	}

	builder := newAffinityBuilder(s)
	report, err := builder.Run(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dreaming: affinity pass: %w", err)
	}

	return map[string]interface{}{
		"resources_scanned": report.ResourcesScanned,
		"entities_found":    entitiesFound,
		"moments_found":     momentsFound,
		"edges_proposed":    report.EdgesProposed,
		"edges_replaced":    report.EdgesReplaced,
	}, nil
}

func mergeEntities(existing []models.EntityDescriptor, found []models.EntityDescriptor) []models.EntityDescriptor {
	seen := make(map[string]bool, len(existing))
	out := append([]models.EntityDescriptor(nil), existing...)
	for _, e := range out {
		seen[e.EntityID] = true
	}
	for _, e := range found {
		if seen[e.EntityID] {
			continue
		}
		seen[e.EntityID] = true
		out = append(out, e)
	}
	return out
}

func mergeMentionEdges(existing []models.GraphEdge, found []models.EntityDescriptor) []models.GraphEdge {
	out := append([]models.GraphEdge(nil), existing...)
	for _, e := range found {
		dup := false
		for _, edge := range out {
			if edge.Dst == e.EntityID && edge.RelType == mentionsRelType {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		out = append(out, models.GraphEdge{
			Dst:       e.EntityID,
			RelType:   mentionsRelType,
			Weight:    e.Confidence,
			CreatedAt: now(),
			Properties: map[string]interface{}{
				"entity_type": e.EntityType,
				"context":     e.Context,
			},
		})
	}
	return out
}

// batchPayload is what SubmitBatch's job.Result carries while a batch is
// in flight: enough to dispatch each PollBatch result back to the
// resource it came from once the external batch completes.
type batchPayload struct {
	Tasks []batchTaskRef `json:"tasks"`
}

type batchTaskRef struct {
	ResourceID string `json:"resource_id"`
	Kind       string `json:"kind"` // "entities" or "moments"
}

// runBatchSubmit builds one llm.Request per (resource, extraction-kind)
// pair the classifier calls for, submits them as a single external batch,
// and persists the batch id on the job. The job stays in_progress until a
// later Tick's PollBatch call observes completion.
func (s *Scheduler) runBatchSubmit(ctx context.Context, tenantID, window string) (*models.Job, error) {
	if existing, ok, err := s.jobs.FindByIdempotenceKey(ctx, tenantID, models.JobModeBatch, window); err != nil {
		return nil, err
	} else if ok && existing.Status != models.JobStatusFailed {
		return existing, nil
	}

	job := &models.Job{
		Base:   models.Base{TenantID: tenantID},
		Mode:   models.JobModeBatch,
		Status: models.JobStatusPending,
		Window: window,
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, err
	}

	resources := s.resourceRepo(tenantID)
	rows, err := resources.Select(ctx, storage.SelectOptions{})
	if err != nil {
		return s.finishJob(ctx, job, nil, fmt.Errorf("dreaming: select resources: %w", err))
	}

	var reqs []llm.Request
	var refs []batchTaskRef
	for _, r := range rows {
		if r.Content == "" {
			continue
		}
		mode := s.classifier.Classify(r.Content).Mode
		if mode == extract.ModeEntities || mode == extract.ModeBoth {
			reqs = append(reqs, llm.Request{Prompt: entityPrompt(r.Content), Schema: extract.EntitySchema})
			refs = append(refs, batchTaskRef{ResourceID: r.ID.String(), Kind: "entities"})
		}
		if mode == extract.ModeMoments || mode == extract.ModeBoth {
			reqs = append(reqs, llm.Request{Prompt: momentPrompt(r), Schema: extract.MomentSchema})
			refs = append(refs, batchTaskRef{ResourceID: r.ID.String(), Kind: "moments"})
		}
	}

	if len(reqs) == 0 {
		return s.finishJob(ctx, job, map[string]interface{}{"resources_scanned": len(rows), "tasks": 0}, nil)
	}

	batchID, err := s.llmClient.SubmitBatch(ctx, reqs)
	if err != nil {
		return s.finishJob(ctx, job, nil, fmt.Errorf("dreaming: submit batch: %w", err))
	}

	payload := batchPayload{Tasks: refs}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return s.finishJob(ctx, job, nil, fmt.Errorf("dreaming: encode batch payload: %w", err))
	}

	started := now()
	job.BatchID = batchID
	job.Status = models.JobStatusInProgress
	job.StartedAt = &started
	job.Result = map[string]interface{}{"pending_tasks": string(encoded)}
	if err := s.jobs.Save(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// runPollBatch checks one in-progress batch job against llm.Client and, if
// the external batch has finished, parses each response into the
// extraction output it represents and writes it back through the same
// paths runDirect uses, then runs the Affinity Builder.
func (s *Scheduler) runPollBatch(ctx context.Context, job *models.Job) (*models.Job, error) {
	status, err := s.llmClient.PollBatch(ctx, job.BatchID)
	if err != nil {
		return s.finishJob(ctx, job, nil, fmt.Errorf("dreaming: poll batch %s: %w", job.BatchID, err))
	}

	switch status.Status {
	case llm.BatchPending, llm.BatchRunning:
		return job, nil // not our turn yet, leave in_progress

	case llm.BatchFailed:
		return s.finishJob(ctx, job, nil, fmt.Errorf("dreaming: batch %s failed: %s", job.BatchID, status.Error))
	}

	var payload batchPayload
	if raw, _ := job.Result["pending_tasks"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return s.finishJob(ctx, job, nil, fmt.Errorf("dreaming: decode pending tasks: %w", err))
		}
	}
	if len(payload.Tasks) != len(status.Results) {
		return s.finishJob(ctx, job, nil, fmt.Errorf("dreaming: batch %s result count %d does not match %d submitted tasks",
			job.BatchID, len(status.Results), len(payload.Tasks)))
	}

	result, err := s.applyBatchResults(ctx, job.TenantID, payload.Tasks, status.Results)
	if err != nil {
		return s.finishJob(ctx, job, nil, err)
	}
	return s.finishJob(ctx, job, result, nil)
}

func (s *Scheduler) applyBatchResults(ctx context.Context, tenantID string, refs []batchTaskRef, results []llm.Response) (map[string]interface{}, error) {
	resources := s.resourceRepo(tenantID)
	moments := s.momentRepo(tenantID)

	var entitiesFound, momentsFound int
	byResource := make(map[string]*models.Resource)

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, ok := byResource[ref.ResourceID]
		if !ok {
			fetched, found, err := resources.Get(ctx, ref.ResourceID)
			if err != nil || !found {
				continue
			}
			r = fetched
			byResource[ref.ResourceID] = r
		}

		switch ref.Kind {
		case "entities":
			entities, err := extract.ParseEntitiesResponse(results[i].Text)
			if err == nil && len(entities) > 0 {
				r.RelatedEntities = mergeEntities(r.RelatedEntities, entities)
				r.GraphPaths = mergeMentionEdges(r.GraphPaths, entities)
				entitiesFound += len(entities)
			}
		case "moments":
			found, _, err := extract.ParseMomentsResponse(results[i].Text, tenantID, r)
			if err == nil && len(found) > 0 {
				if err := moments.Upsert(ctx, found); err == nil {
					momentsFound += len(found)
				}
			}
		}
	}

	changed := make([]*models.Resource, 0, len(byResource))
	for _, r := range byResource {
		changed = append(changed, r)
	}
	if len(changed) > 0 {
		if err := resources.Upsert(ctx, changed); err != nil {
			return nil, fmt.Errorf("dreaming: upsert batch-enriched resources: %w", err)
		}
	}

	builder := newAffinityBuilder(s)
	report, err := builder.Run(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dreaming: affinity pass: %w", err)
	}

	return map[string]interface{}{
		"resources_updated": len(changed),
		"entities_found":    entitiesFound,
		"moments_found":     momentsFound,
		"edges_proposed":    report.EdgesProposed,
		"edges_replaced":    report.EdgesReplaced,
	}, nil
}

func entityPrompt(content string) string {
	return fmt.Sprintf(`Extract all named entities (people, organizations, projects, concepts, locations) from the following text. Return a JSON array of objects with entity_type, entity_name, context, and confidence (0-1).

Text:
%s

JSON:`, content)
}

func momentPrompt(r *models.Resource) string {
	end := r.ResourceTimestamp
	return fmt.Sprintf(`Identify distinct temporal moments (meetings, conversations, decisions) within the following text, bounded by %s and %s. Return a JSON array of objects with name, moment_type, starts_at, ends_at (RFC3339), location, present_persons, and speakers.

Text:
%s

JSON:`, r.ResourceTimestamp.Format(time.RFC3339), end.Format(time.RFC3339), r.Content)
}
