package tenantrepo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/telemetry"
)

func TestSessionReloadWithCompression(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	desc := SessionDescriptor()
	if err := p.EnsureTable(ctx, desc); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	repo := New[*models.Session](p, nil, nil, desc, "tenant-a",
		func() *models.Session { return &models.Session{} }, telemetry.Discard())
	sessRepo := NewSessionRepository(repo)

	long := strings.Repeat("x", 1000)
	sess := &models.Session{
		Base:     models.Base{TenantID: "tenant-a"},
		ThreadID: "thread-1",
		Messages: []models.Message{
			{Role: "user", Content: "hi", Timestamp: time.Now()},
			{Role: "assistant", Content: long, Timestamp: time.Now()},
		},
	}
	if err := sessRepo.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	reloaded, err := sessRepo.Reload(ctx, sess.ID.String(), false)
	if err != nil {
		t.Fatalf("Reload (no decompress): %v", err)
	}
	if len(reloaded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(reloaded.Messages))
	}
	msg := reloaded.Messages[1]
	if !msg.Compressed {
		t.Fatalf("expected long message to be compressed")
	}
	if !strings.HasPrefix(msg.Content, "REM LOOKUP session-") {
		t.Fatalf("expected REM LOOKUP placeholder, got %q", msg.Content)
	}
	if msg.OriginalLen != 1000 {
		t.Fatalf("expected _original_length=1000, got %d", msg.OriginalLen)
	}

	decompressed, err := sessRepo.Reload(ctx, sess.ID.String(), true)
	if err != nil {
		t.Fatalf("Reload (decompress): %v", err)
	}
	if decompressed.Messages[1].Content != long {
		t.Fatalf("expected original content restored exactly")
	}
	if decompressed.Messages[0].Content != "hi" {
		t.Fatalf("short message should be untouched")
	}
}
