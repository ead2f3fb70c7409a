// Package llm defines the LLM collaborator contract (spec.md §6b): a
// narrow interface every core component that needs text generation depends
// on, plus one concrete adapter (OllamaClient). Vendor protocol
// translation for other providers is out of scope (spec.md NON-GOALS).
package llm

import (
	"context"
	"time"

	"github.com/p8fs/p8fs-core/internal/models"
)

// Request is one generation call. Schema, when non-nil, asks the provider
// for JSON output matching it (used by internal/extract and
// internal/affinity's typed-edge pass); providers that can't enforce a
// schema natively fall back to prompting for it.
type Request struct {
	Model       string
	Prompt      string
	Messages    []models.Message
	Schema      map[string]interface{}
	Temperature float64
}

// Response is a completed, non-streaming generation result.
type Response struct {
	Text         string
	TokensPerSec float64
	Latency      time.Duration
}

// Delta is one incremental chunk of a streamed generation.
type Delta struct {
	Text string
	Done bool
	Err  error
}

// BatchStatus reports the disposition of a previously submitted batch.
type BatchStatus struct {
	BatchID string
	Status  string // "pending", "running", "completed", "failed"
	Results []Response
	Error   string
}

const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// Client is the collaborator contract every core component programs
// against (spec.md §6b).
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
	SubmitBatch(ctx context.Context, reqs []Request) (batchID string, err error)
	PollBatch(ctx context.Context, batchID string) (BatchStatus, error)
}
