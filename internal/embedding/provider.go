// Package embedding implements the Embedding Service (spec.md §4.3):
// pluggable named providers that turn text (or an image caption) into a
// fixed-width vector, with per-provider rate limiting and a cache in front
// of remote calls.
package embedding

import "context"

// Provider produces vectors for a fixed dimension. Callers address a
// provider by its string id (a model id, e.g. "local-text" or
// "clip-vit-b32"), never by type.
type Provider interface {
	ID() string
	Dimension() int
	RequiresAPIKey() bool
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}
