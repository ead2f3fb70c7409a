package embedding

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/p8fs/p8fs-core/internal/apperrors"
)

// Service holds every registered Provider and fronts them with a per-
// provider rate limiter and an optional cache.
type Service struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	cache     *Cache
	fallback  string // provider id used when the requested provider errors
}

// NewService constructs an empty Service. Providers are registered with
// Register; a fallback provider id, if set via SetFallback, is used when the
// primary provider call fails for a reason other than dimension mismatch.
func NewService(cache *Cache) *Service {
	return &Service{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
		cache:     cache,
	}
}

// Register adds a provider, rate-limited at requestsPerSec (0 means
// unlimited — the local provider has no external call to throttle).
func (s *Service) Register(p Provider, requestsPerSec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID()] = p
	if requestsPerSec > 0 {
		s.limiters[p.ID()] = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
	}
}

// SetFallback names the provider id used when a call to the primary
// provider fails for a reason other than a dimension mismatch (e.g. the
// remote endpoint is unreachable).
func (s *Service) SetFallback(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = providerID
}

func (s *Service) provider(id string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

func (s *Service) limiter(id string) *rate.Limiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[id]
}

// Encode produces one vector per text using the named provider. Cache hits
// short-circuit the provider call; cache misses are written back after a
// successful encode. If the primary provider fails and a fallback is
// configured, the fallback is tried — but only when its declared dimension
// matches the primary's, since a silent dimension change is exactly what
// this method must never do (spec.md §4.3).
func (s *Service) Encode(ctx context.Context, providerID string, texts []string) ([][]float32, error) {
	p, ok := s.provider(providerID)
	if !ok {
		return nil, fmt.Errorf("embedding: unknown provider %q: %w", providerID, apperrors.ErrNotFound)
	}

	out := make([][]float32, len(texts))
	var toFetch []string
	var toFetchIdx []int

	for i, text := range texts {
		if s.cache != nil {
			if vec, hit, err := s.cache.Get(ctx, providerID, text); err == nil && hit {
				out[i] = vec
				continue
			}
		}
		toFetch = append(toFetch, text)
		toFetchIdx = append(toFetchIdx, i)
	}
	if len(toFetch) == 0 {
		return out, nil
	}

	vectors, err := s.encodeVia(ctx, p, toFetch)
	if err != nil {
		fb, hasFallback := s.fallbackProvider(p)
		if !hasFallback {
			return nil, err
		}
		vectors, err = s.encodeVia(ctx, fb, toFetch)
		if err != nil {
			return nil, err
		}
		p = fb
	}

	for j, vec := range vectors {
		if len(vec) != p.Dimension() {
			return nil, fmt.Errorf("embedding: provider %q returned dimension %d, declared %d: %w",
				p.ID(), len(vec), p.Dimension(), apperrors.ErrDimensionMismatch)
		}
		idx := toFetchIdx[j]
		out[idx] = vec
		if s.cache != nil {
			_ = s.cache.Set(ctx, providerID, toFetch[j], vec)
		}
	}
	return out, nil
}

func (s *Service) fallbackProvider(primary Provider) (Provider, bool) {
	s.mu.RLock()
	id := s.fallback
	s.mu.RUnlock()
	if id == "" || id == primary.ID() {
		return nil, false
	}
	fb, ok := s.provider(id)
	if !ok || fb.Dimension() != primary.Dimension() {
		return nil, false
	}
	return fb, true
}

func (s *Service) encodeVia(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if lim := s.limiter(p.ID()); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding: rate limit wait for %q: %w", p.ID(), apperrors.ErrRateLimited)
		}
	}
	vectors, err := p.Encode(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding: provider %q: %w", p.ID(), err)
	}
	return vectors, nil
}

// Dimension exposes a registered provider's declared width, used by the
// Tenant Repository at table-creation time to size the embedding column.
func (s *Service) Dimension(providerID string) (int, error) {
	p, ok := s.provider(providerID)
	if !ok {
		return 0, fmt.Errorf("embedding: unknown provider %q: %w", providerID, apperrors.ErrNotFound)
	}
	return p.Dimension(), nil
}
