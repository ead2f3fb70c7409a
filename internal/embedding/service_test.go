package embedding

import (
	"context"
	"testing"

	"github.com/p8fs/p8fs-core/internal/apperrors"
)

func TestLocalTextProviderDeterministic(t *testing.T) {
	p := NewLocalTextProvider("local-text", 16)
	a, err := p.Encode(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := p.Encode(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(a[0]) != 16 || len(b[0]) != 16 {
		t.Fatalf("expected dimension 16, got %d and %d", len(a[0]), len(b[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("encoding not deterministic at %d: %v != %v", i, a[0][i], b[0][i])
		}
	}
}

func TestServiceEncodeUnknownProvider(t *testing.T) {
	s := NewService(nil)
	_, err := s.Encode(context.Background(), "nope", []string{"x"})
	if apperrors.Classify(err) != apperrors.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestServiceEncodeRoundTrip(t *testing.T) {
	s := NewService(nil)
	s.Register(NewLocalTextProvider("local-text", 8), 0)

	vectors, err := s.Encode(context.Background(), "local-text", []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 8 {
		t.Fatalf("unexpected result shape: %#v", vectors)
	}
}

func TestServiceDimension(t *testing.T) {
	s := NewService(nil)
	s.Register(NewLocalTextProvider("local-text", 32), 0)
	dim, err := s.Dimension("local-text")
	if err != nil {
		t.Fatalf("Dimension: %v", err)
	}
	if dim != 32 {
		t.Errorf("dim = %d, want 32", dim)
	}
}

// dimMismatchProvider always returns vectors of the wrong width, to exercise
// the fail-fast path.
type dimMismatchProvider struct{ declared int }

func (d dimMismatchProvider) ID() string          { return "bad" }
func (d dimMismatchProvider) Dimension() int       { return d.declared }
func (d dimMismatchProvider) RequiresAPIKey() bool { return false }
func (d dimMismatchProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, d.declared+1)
	}
	return out, nil
}

func TestServiceEncodeDimensionMismatchFailsFast(t *testing.T) {
	s := NewService(nil)
	s.Register(dimMismatchProvider{declared: 8}, 0)

	_, err := s.Encode(context.Background(), "bad", []string{"x"})
	if apperrors.Classify(err) != apperrors.KindDimensionMismatch {
		t.Fatalf("expected embedding_dimension_mismatch, got %v", err)
	}
}
