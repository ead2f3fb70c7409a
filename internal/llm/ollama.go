package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OllamaConfig mirrors the teacher's inference.Config (internal/inference
// in the teacher repo) — base URL, default model, context window,
// temperature, and request timeout.
type OllamaConfig struct {
	BaseURL       string
	Model         string
	ContextSize   int
	Temperature   float64
	Timeout       time.Duration
	MaxConcurrent int // batch worker concurrency, teacher's PoolConfig.MaxConcurrent
}

// DefaultOllamaConfig mirrors the teacher's DefaultConfig/DefaultPoolConfig.
func DefaultOllamaConfig() *OllamaConfig {
	return &OllamaConfig{
		BaseURL:       "http://localhost:11434",
		Model:         "qwen2.5-coder:7b",
		ContextSize:   32768,
		Temperature:   0.7,
		Timeout:       15 * time.Minute,
		MaxConcurrent: 4,
	}
}

// OllamaClient is the one concrete llm.Client adapter this repository
// ships, adapted from the teacher's internal/inference.Client (non-batch
// methods) and internal/inference.Pool (SubmitBatch's bounded concurrency).
type OllamaClient struct {
	cfg        *OllamaConfig
	httpClient *http.Client

	mu      sync.Mutex
	batches map[string]*batchState
	sem     chan struct{}
}

type batchState struct {
	status  string
	results []Response
	err     string
}

// NewOllamaClient constructs an OllamaClient; a nil cfg uses
// DefaultOllamaConfig.
func NewOllamaClient(cfg *OllamaConfig) *OllamaClient {
	if cfg == nil {
		cfg = DefaultOllamaConfig()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &OllamaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		batches:    make(map[string]*batchState),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}
}

type generateRequest struct {
	Model       string                 `json:"model"`
	Prompt      string                 `json:"prompt"`
	Stream      bool                   `json:"stream"`
	Temperature float64                `json:"temperature,omitempty"`
	Format      map[string]interface{} `json:"format,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
	EvalDur   int64  `json:"eval_duration,omitempty"`
}

func (c *OllamaClient) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

func (c *OllamaClient) toGenerateRequest(req Request, stream bool) generateRequest {
	temp := req.Temperature
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	return generateRequest{
		Model:       c.model(req),
		Prompt:      req.Prompt,
		Stream:      stream,
		Temperature: temp,
		Format:      req.Schema,
		Options:     map[string]interface{}{"num_ctx": c.cfg.ContextSize},
	}
}

// Complete performs a synchronous generation, mirroring the teacher's
// GenerateSync against /api/generate.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	body, err := json.Marshal(c.toGenerateRequest(req, false))
	if err != nil {
		return Response{}, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Response{}, fmt.Errorf("llm: ollama returned status %d: %s", resp.StatusCode, string(b))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return Response{}, fmt.Errorf("llm: decode response: %w", err)
	}

	latency := time.Since(start)
	tps := 0.0
	if gr.EvalDur > 0 && gr.EvalCount > 0 {
		tps = float64(gr.EvalCount) / (float64(gr.EvalDur) / 1e9)
	}
	return Response{Text: gr.Response, TokensPerSec: tps, Latency: latency}, nil
}

// Stream performs a streaming generation against /api/generate, pushing
// each chunk's text onto the returned channel until Ollama reports "done"
// or ctx is cancelled, mirroring the teacher's generate().
func (c *OllamaClient) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	body, err := json.Marshal(c.toGenerateRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("llm: ollama returned status %d: %s", resp.StatusCode, string(b))
	}

	out := make(chan Delta, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var gr generateResponse
			if err := json.Unmarshal(scanner.Bytes(), &gr); err != nil {
				continue
			}
			if gr.Response != "" {
				select {
				case out <- Delta{Text: gr.Response}:
				case <-ctx.Done():
					return
				}
			}
			if gr.Done {
				select {
				case out <- Delta{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- Delta{Err: err, Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// SubmitBatch fans each request out to a bounded pool of goroutines
// (MaxConcurrent slots, the teacher's Pool.semaphore pattern) and returns
// immediately with a batch id; results land via PollBatch.
func (c *OllamaClient) SubmitBatch(ctx context.Context, reqs []Request) (string, error) {
	batchID := uuid.NewString()
	state := &batchState{status: BatchRunning, results: make([]Response, len(reqs))}

	c.mu.Lock()
	c.batches[batchID] = state
	c.mu.Unlock()

	go func() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		failed := false

		for i, req := range reqs {
			wg.Add(1)
			go func(i int, req Request) {
				defer wg.Done()
				select {
				case c.sem <- struct{}{}:
					defer func() { <-c.sem }()
				case <-ctx.Done():
					mu.Lock()
					failed = true
					mu.Unlock()
					return
				}
				resp, err := c.Complete(ctx, req)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed = true
					state.err = err.Error()
					return
				}
				state.results[i] = resp
			}(i, req)
		}
		wg.Wait()

		c.mu.Lock()
		defer c.mu.Unlock()
		if failed {
			state.status = BatchFailed
		} else {
			state.status = BatchCompleted
		}
	}()

	return batchID, nil
}

// PollBatch reports the current status of a batch submitted via
// SubmitBatch.
func (c *OllamaClient) PollBatch(ctx context.Context, batchID string) (BatchStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.batches[batchID]
	if !ok {
		return BatchStatus{}, fmt.Errorf("llm: unknown batch %q", batchID)
	}
	return BatchStatus{BatchID: batchID, Status: state.status, Results: state.results, Error: state.err}, nil
}
