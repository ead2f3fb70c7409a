package tenantrepo

import (
	"context"
	"fmt"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/storage"
)

// SessionRepository wraps the generic Repository with the message
// compression behavior spec.md §3 assigns to Session: long messages are
// relocated out of the row into a KV sidecar entry the Session owns but
// does not delete. The entry is written with no TTL, so it does not expire.
// This lives outside Repository[T] because no other entity type
// has a KV side effect on Upsert.
type SessionRepository struct {
	*Repository[*models.Session]
	provider storage.Provider
}

// NewSessionRepository adapts an already-constructed Repository.
func NewSessionRepository(repo *Repository[*models.Session]) *SessionRepository {
	return &SessionRepository{Repository: repo, provider: repo.provider}
}

// UpsertSession compresses any message over models.CompressionThreshold,
// writes its original content to the KV sidecar at its entity key, then
// upserts the (now-compressed) Session row.
func (sr *SessionRepository) UpsertSession(ctx context.Context, sess *models.Session) error {
	if sess.ID.String() == "00000000-0000-0000-0000-000000000000" {
		sess.ID = models.NewID()
	}
	for i := range sess.Messages {
		original, didCompress := sess.Messages[i].Compress(sess.ID, i)
		if !didCompress {
			continue
		}
		sidecar := map[string]interface{}{"content": original}
		if err := sr.provider.Put(ctx, sess.Messages[i].EntityKey, sidecar, 0); err != nil {
			return fmt.Errorf("tenantrepo: write session message sidecar: %w", err)
		}
	}
	return sr.Repository.Upsert(ctx, []*models.Session{sess})
}

// Reload fetches a Session by id. When decompress is true, every compressed
// message's content is restored from its KV sidecar entry; when false, the
// REM LOOKUP placeholder and _compressed/_entity_key/_original_length
// markers are left as stored (spec.md testable property 6 / scenario S6).
func (sr *SessionRepository) Reload(ctx context.Context, id string, decompress bool) (*models.Session, error) {
	sess, ok, err := sr.Repository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if !decompress {
		return sess, nil
	}
	for i := range sess.Messages {
		if !sess.Messages[i].Compressed {
			continue
		}
		val, found, err := sr.provider.Get(ctx, sess.Messages[i].EntityKey)
		if err != nil {
			return nil, fmt.Errorf("tenantrepo: read session message sidecar: %w", err)
		}
		if !found {
			continue
		}
		content, _ := val["content"].(string)
		sess.Messages[i].Decompress(content)
	}
	return sess, nil
}
