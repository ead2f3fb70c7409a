package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/p8fs/p8fs-core/internal/apperrors"
)

// RemoteTextProvider calls an HTTP embedding endpoint, modeled on the
// teacher's HuggingFaceEmbedding (internal/memory/embedding.go): POST a
// batch of texts, decode a matching batch of vectors.
type RemoteTextProvider struct {
	id             string
	endpoint       string
	dim            int
	requiresAPIKey bool
	apiKey         string
	httpClient     *http.Client
}

// NewRemoteTextProvider constructs a remote provider bound to endpoint. If
// apiKey is non-empty it is sent as a bearer token.
func NewRemoteTextProvider(id, endpoint string, dimension int, requiresAPIKey bool, apiKey string) *RemoteTextProvider {
	return &RemoteTextProvider{
		id: id, endpoint: endpoint, dim: dimension,
		requiresAPIKey: requiresAPIKey, apiKey: apiKey,
		httpClient: &http.Client{},
	}
}

func (p *RemoteTextProvider) ID() string          { return p.id }
func (p *RemoteTextProvider) Dimension() int       { return p.dim }
func (p *RemoteTextProvider) RequiresAPIKey() bool { return p.requiresAPIKey }

func (p *RemoteTextProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return postEmbed(ctx, p.httpClient, p.endpoint, p.apiKey, texts)
}

// RemoteImageProvider currently consumes the caption string for an image,
// not image bytes, per spec.md §4.3's explicit "reserves a future
// content-based path" note. It shares the same wire shape as
// RemoteTextProvider so both can hit the same kind of embedding endpoint.
type RemoteImageProvider struct {
	id             string
	endpoint       string
	dim            int
	requiresAPIKey bool
	apiKey         string
	httpClient     *http.Client
}

func NewRemoteImageProvider(id, endpoint string, dimension int, requiresAPIKey bool, apiKey string) *RemoteImageProvider {
	return &RemoteImageProvider{
		id: id, endpoint: endpoint, dim: dimension,
		requiresAPIKey: requiresAPIKey, apiKey: apiKey,
		httpClient: &http.Client{},
	}
}

func (p *RemoteImageProvider) ID() string          { return p.id }
func (p *RemoteImageProvider) Dimension() int       { return p.dim }
func (p *RemoteImageProvider) RequiresAPIKey() bool { return p.requiresAPIKey }

// Encode takes the image's caption text, not the image bytes.
func (p *RemoteImageProvider) Encode(ctx context.Context, captions []string) ([][]float32, error) {
	return postEmbed(ctx, p.httpClient, p.endpoint, p.apiKey, captions)
}

func postEmbed(ctx context.Context, client *http.Client, endpoint, apiKey string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]interface{}{"inputs": texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embedding: request: %w", apperrors.ErrDeadlineExceeded)
		}
		return nil, fmt.Errorf("embedding: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: provider returned %d: %s", resp.StatusCode, string(detail))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	return vectors, nil
}
