package dreaming

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/p8fs/p8fs-core/internal/affinity"
	"github.com/p8fs/p8fs-core/internal/embedding"
	"github.com/p8fs/p8fs-core/internal/extract"
	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/notify"
	"github.com/p8fs/p8fs-core/internal/reverseindex"
	"github.com/p8fs/p8fs-core/internal/storage"
	"github.com/p8fs/p8fs-core/internal/tenantrepo"
)

// Config bounds a Scheduler: how often the poll tick fires, how many job
// executors run concurrently, how many failed attempts mark a job failed, and
// which embedding provider/table the Affinity Builder's k-NN pass uses.
type Config struct {
	TickInterval      time.Duration
	Workers           int // 0 -> runtime.NumCPU(), the teacher's DefaultPoolConfig.Workers rule
	MaxAttempts       int
	AffinityConfig    affinity.Config
	ResourceProvider  string // embedding.Provider id bound to the resources table
}

// DefaultConfig mirrors the teacher's DefaultPoolConfig scaling rule
// (Workers = NumCPU) and spec.md §4.8's "retried up to N times" default.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Minute,
		Workers:          runtime.NumCPU(),
		MaxAttempts:      3,
		AffinityConfig:   affinity.DefaultConfig(),
		ResourceProvider: "local-text",
	}
}

// task is one unit of scheduler work, queued either by a direct Submit
// call or by the poll tick discovering an in-progress batch job.
type task struct {
	kind     taskKind
	tenantID string
	window   string
	job      *models.Job // set for taskPollBatch
	done     chan *models.Job
	errOut   chan error
}

type taskKind int

const (
	taskDirect taskKind = iota
	taskBatchSubmit
	taskPollBatch
)

// Scheduler runs one goroutine per poll tick plus a bounded pool of job
// executors, adapted from the teacher's internal/inference.Pool
// (worker/queue/semaphore shape) and internal/agent.AgentOrchestrator
// (deciding which path — direct vs batch — a job takes).
type Scheduler struct {
	cfg Config

	provider  storage.Provider
	embedding *embedding.Service
	index     *reverseindex.Index
	extractor extract.Extractor
	classifier *extract.ModeClassifier
	llmClient llm.Client
	notifier  notify.Sink
	logger    logr.Logger

	jobs *JobStore

	queue  chan *task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Scheduler and starts its worker pool. notifier may be
// nil (no fire-and-forget reporting). Call Start to begin the poll tick
// loop and Stop to shut everything down.
func New(
	cfg Config,
	provider storage.Provider,
	embeddingSvc *embedding.Service,
	index *reverseindex.Index,
	extractor extract.Extractor,
	llmClient llm.Client,
	notifier notify.Sink,
	logger logr.Logger,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		provider:   provider,
		embedding:  embeddingSvc,
		index:      index,
		extractor:  extractor,
		classifier: extract.NewModeClassifier(),
		llmClient:  llmClient,
		notifier:   notifier,
		logger:     logger,
		jobs:       NewJobStore(provider, logger),
		queue:      make(chan *task, 256),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t, ok := <-s.queue:
			if !ok {
				return
			}
			s.execute(t)
		}
	}
}

func (s *Scheduler) execute(t *task) {
	var job *models.Job
	var err error
	switch t.kind {
	case taskDirect:
		job, err = s.runDirect(s.ctx, t.tenantID, t.window)
	case taskBatchSubmit:
		job, err = s.runBatchSubmit(s.ctx, t.tenantID, t.window)
	case taskPollBatch:
		job, err = s.runPollBatch(s.ctx, t.job)
	}
	if t.done != nil {
		t.done <- job
	}
	if t.errOut != nil {
		t.errOut <- err
	}
	if err != nil {
		s.logger.V(0).Info("dreaming: job failed", "tenant", t.tenantID, "kind", t.kind, "error", err.Error())
	}
	s.report(job, err)
}

func (s *Scheduler) report(job *models.Job, err error) {
	if s.notifier == nil || job == nil {
		return
	}
	kind := notify.EventKind("dreaming.job." + string(job.Status))
	msg := fmt.Sprintf("dreaming job %s (%s) tenant=%s status=%s", job.ID, job.Mode, job.TenantID, job.Status)
	if err != nil {
		msg += ": " + err.Error()
	}
	_ = s.notifier.Notify(s.ctx, notify.Event{Kind: kind, TenantID: job.TenantID, Message: msg})
}

// SubmitDirect enqueues a synchronous enrichment pass for tenantID over
// data-window window, blocking until it completes. Idempotent: a repeat
// call with the same (tenantID, window) observes the job already in
// flight or already completed instead of starting a new one.
func (s *Scheduler) SubmitDirect(ctx context.Context, tenantID, window string) (*models.Job, error) {
	return s.submit(ctx, taskDirect, tenantID, window, nil)
}

// SubmitBatch enqueues a batch submission for tenantID over window,
// blocking only until the external batch request is accepted (not until
// it completes — that happens on a later poll Tick).
func (s *Scheduler) SubmitBatch(ctx context.Context, tenantID, window string) (*models.Job, error) {
	return s.submit(ctx, taskBatchSubmit, tenantID, window, nil)
}

func (s *Scheduler) submit(ctx context.Context, kind taskKind, tenantID, window string, job *models.Job) (*models.Job, error) {
	t := &task{kind: kind, tenantID: tenantID, window: window, job: job,
		done: make(chan *models.Job, 1), errOut: make(chan error, 1)}
	select {
	case s.queue <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-t.done:
		return result, <-t.errOut
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tick runs one scheduler poll: every in-progress batch job is checked
// against llm.Client.PollBatch and advanced if the external batch
// completed or failed. Intended to be called on a timer (see Start) or
// directly by tests.
func (s *Scheduler) Tick(ctx context.Context) error {
	pending, err := s.jobs.PendingBatch(ctx, 100)
	if err != nil {
		return err
	}
	for _, job := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		t := &task{kind: taskPollBatch, tenantID: job.TenantID, job: job,
			done: make(chan *models.Job, 1), errOut: make(chan error, 1)}
		select {
		case s.queue <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Start runs Tick on cfg.TickInterval until ctx is cancelled or Stop is
// called. Run this in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.V(0).Info("dreaming: tick failed", "error", err.Error())
			}
		}
	}
}

// Stop cancels the scheduler's context, closes the queue and waits for the
// workers to exit. A worker returns as soon as it sees the cancellation, so
// tasks still waiting in the queue are not run.
func (s *Scheduler) Stop() {
	s.cancel()
	close(s.queue)
	s.wg.Wait()
}

// resourceRepo builds a tenantrepo.Repository[*models.Resource] bound to
// tenantID, the composition every runDirect/runBatch* path needs to read
// and write resources.
func (s *Scheduler) resourceRepo(tenantID string) *tenantrepo.Repository[*models.Resource] {
	desc := tenantrepo.ResourceDescriptor(s.cfg.ResourceProvider)
	return tenantrepo.New[*models.Resource](s.provider, s.embedding, s.index, desc, tenantID,
		func() *models.Resource { return &models.Resource{} }, s.logger)
}

func (s *Scheduler) momentRepo(tenantID string) *tenantrepo.Repository[*models.Moment] {
	desc := tenantrepo.MomentDescriptor()
	return tenantrepo.New[*models.Moment](s.provider, nil, s.index, desc, tenantID,
		func() *models.Moment { return &models.Moment{} }, s.logger)
}
