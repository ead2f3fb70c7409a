// Package tenantrepo implements the Tenant Repository (spec.md §4.4): a
// facade bound to (ModelDescriptor, tenant_id) that performs row upsert,
// automatic embedding generation, and Reverse Key Index population as one
// logical write, tolerating partial substrate failure per the documented
// eventually-consistent model (spec.md §4.4, §9).
package tenantrepo

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/embedding"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/reverseindex"
	"github.com/p8fs/p8fs-core/internal/storage"
)

// Repository is a facade bound to one tenant and one entity type. T is
// always a pointer to a models.Entity implementation (*models.Resource,
// *models.Moment, ...); newFn constructs a zero value for FromRow to
// populate, replacing the reflection a generic New(T) would otherwise need.
type Repository[T models.Entity] struct {
	provider  storage.Provider
	embedding *embedding.Service
	index     *reverseindex.Index
	desc      *models.ModelDescriptor
	tenantID  string
	newFn     func() T
	logger    logr.Logger
}

// New binds a Repository to desc and tenantID. embeddingSvc and idx may be
// nil for entity types with no embedding fields / no nameable fields
// respectively (e.g. Job has neither).
func New[T models.Entity](
	provider storage.Provider,
	embeddingSvc *embedding.Service,
	idx *reverseindex.Index,
	desc *models.ModelDescriptor,
	tenantID string,
	newFn func() T,
	logger logr.Logger,
) *Repository[T] {
	return &Repository[T]{
		provider:  provider,
		embedding: embeddingSvc,
		index:     idx,
		desc:      desc,
		tenantID:  tenantID,
		newFn:     newFn,
		logger:    logger,
	}
}

// RegisterModel ensures (or, with plan=true, just plans) the DDL for this
// repository's table and its parallel embeddings table.
func (r *Repository[T]) RegisterModel(ctx context.Context, plan bool) (string, error) {
	if plan {
		return r.provider.PlanDDL(r.desc)
	}
	return "", r.provider.EnsureTable(ctx, r.desc)
}

// Upsert validates tenant_id on every row, performs the row upsert, then
// for each declared embedding field whose source text is non-empty,
// generates and stores an embedding, and finally writes Reverse Key Index
// entries for every configured nameable field. A row-upsert failure is
// returned; an embedding or reverse-index failure is logged and Upsert
// still returns nil. Earlier steps are never rolled back: spec.md §4.4 requires
// callers to treat repository writes as eventually consistent across
// substrates, which LOOKUP/SEARCH's self-healing makes safe.
func (r *Repository[T]) Upsert(ctx context.Context, rows []T) error {
	if r.tenantID == "" {
		return apperrors.ErrTenantMissing
	}
	if len(rows) == 0 {
		return nil
	}

	rawRows := make([]map[string]interface{}, len(rows))
	for i, e := range rows {
		base := e.GetBase()
		if base.TenantID == "" {
			base.TenantID = r.tenantID
		}
		if base.TenantID != r.tenantID {
			return fmt.Errorf("tenantrepo: row tenant %q does not match repository tenant %q: %w",
				base.TenantID, r.tenantID, apperrors.ErrTenantMissing)
		}
		if base.ID.String() == "00000000-0000-0000-0000-000000000000" {
			base.ID = models.NewID()
		}
		rawRows[i] = e.ToRow()
	}

	if err := r.provider.Upsert(ctx, r.desc.TableName, rawRows, r.desc.PrimaryKey); err != nil {
		return fmt.Errorf("tenantrepo: upsert %s: %w", r.desc.TableName, err)
	}

	for i, e := range rows {
		row := rawRows[i]
		if err := r.embedRow(ctx, e.GetBase(), row); err != nil {
			r.logger.V(0).Info("tenantrepo: embedding step failed, substrate now eventually-consistent",
				"table", r.desc.TableName, "id", e.GetBase().ID.String(), "error", err.Error())
		}
		if err := r.indexRow(ctx, row); err != nil {
			r.logger.V(0).Info("tenantrepo: reverse-index step failed, substrate now eventually-consistent",
				"table", r.desc.TableName, "id", e.GetBase().ID.String(), "error", err.Error())
		}
	}
	return nil
}

func (r *Repository[T]) embedRow(ctx context.Context, base *models.Base, row map[string]interface{}) error {
	if r.embedding == nil || len(r.desc.EmbeddingFields) == 0 {
		return nil
	}
	for _, ef := range r.desc.EmbeddingFields {
		text, _ := row[ef.SourceField].(string)
		if text == "" {
			continue
		}
		vectors, err := r.embedding.Encode(ctx, ef.ProviderID, []string{text})
		if err != nil {
			return fmt.Errorf("tenantrepo: embed %s.%s: %w", r.desc.TableName, ef.SourceField, err)
		}
		dim, err := r.embedding.Dimension(ef.ProviderID)
		if err != nil {
			return err
		}
		rec := &models.EmbeddingRecord{
			Base:              models.Base{TenantID: base.TenantID},
			EntityID:          base.ID.String(),
			FieldName:         ef.SourceField,
			EmbeddingProvider: ef.ProviderID,
			EmbeddingVector:   vectors[0],
			VectorDimension:   dim,
		}
		if err := r.provider.UpsertEmbedding(ctx, r.desc.TableName, rec); err != nil {
			return fmt.Errorf("tenantrepo: upsert embedding %s.%s: %w", r.desc.TableName, ef.SourceField, err)
		}
	}
	return nil
}

func (r *Repository[T]) indexRow(ctx context.Context, row map[string]interface{}) error {
	if r.index == nil || len(r.desc.NameableFields) == 0 {
		return nil
	}
	id, _ := row["id"].(string)
	tenantID, _ := row["tenant_id"].(string)
	if id == "" || tenantID == "" {
		return nil
	}
	for _, field := range r.desc.NameableFields {
		name, _ := row[field].(string)
		if name == "" {
			continue
		}
		if err := r.index.Put(ctx, tenantID, name, r.desc.TableName, r.desc.TableName, id); err != nil {
			return fmt.Errorf("tenantrepo: reverse-index %s: %w", r.desc.TableName, err)
		}
	}
	return nil
}

// Get fetches one row by primary key, tenant-scoped.
func (r *Repository[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	if r.tenantID == "" {
		return zero, false, apperrors.ErrTenantMissing
	}
	rows, err := r.provider.Select(ctx, r.desc.TableName, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": r.tenantID, "id": id},
		Limit:   1,
	})
	if err != nil {
		return zero, false, fmt.Errorf("tenantrepo: get %s: %w", r.desc.TableName, err)
	}
	if len(rows) == 0 {
		return zero, false, nil
	}
	out := r.newFn()
	if err := out.FromRow(rows[0]); err != nil {
		return zero, false, fmt.Errorf("tenantrepo: decode %s row: %w", r.desc.TableName, err)
	}
	return out, true, nil
}

// Select runs a tenant-scoped, filtered query and decodes every matching
// row into T.
func (r *Repository[T]) Select(ctx context.Context, opts storage.SelectOptions) ([]T, error) {
	if r.tenantID == "" {
		return nil, apperrors.ErrTenantMissing
	}
	if opts.Filters == nil {
		opts.Filters = storage.Filter{}
	}
	opts.Filters["tenant_id"] = r.tenantID

	rows, err := r.provider.Select(ctx, r.desc.TableName, opts)
	if err != nil {
		return nil, fmt.Errorf("tenantrepo: select %s: %w", r.desc.TableName, err)
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		e := r.newFn()
		if err := e.FromRow(row); err != nil {
			return nil, fmt.Errorf("tenantrepo: decode %s row: %w", r.desc.TableName, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// TenantID exposes the bound tenant, used by callers (e.g. the session
// compression helper) that need it outside Upsert/Select.
func (r *Repository[T]) TenantID() string { return r.tenantID }

// Descriptor exposes the bound ModelDescriptor, used by callers that need
// to inspect embedding/nameable field configuration (e.g. internal/rem's
// SEARCH planner resolving which provider to embed the query text with).
func (r *Repository[T]) Descriptor() *models.ModelDescriptor { return r.desc }

// Provider exposes the bound storage.Provider for callers that need
// lower-level access alongside the typed facade (e.g. internal/affinity's
// SimilaritySearch calls).
func (r *Repository[T]) Provider() storage.Provider { return r.provider }
