package tenantrepo

import "github.com/p8fs/p8fs-core/internal/models"

// These descriptors are the explicit, data-driven stand-in for the
// reflective schema discovery spec.md §9 replaces: every table's shape is
// declared once here, not derived from struct tags at runtime.

func ResourceDescriptor(embeddingProvider string) *models.ModelDescriptor {
	return &models.ModelDescriptor{
		TableName:  "resources",
		PrimaryKey: "id",
		Fields: []models.FieldDescriptor{
			{Name: "name", Kind: models.FieldText},
			{Name: "category", Kind: models.FieldText, Nullable: true},
			{Name: "content", Kind: models.FieldText, Nullable: true},
			{Name: "summary", Kind: models.FieldText, Nullable: true},
			{Name: "uri", Kind: models.FieldText, Nullable: true},
			{Name: "resource_type", Kind: models.FieldText, Nullable: true},
			{Name: "resource_timestamp", Kind: models.FieldTimestamp, Nullable: true},
			{Name: "related_entities", Kind: models.FieldJSON, Nullable: true},
			{Name: "graph_paths", Kind: models.FieldJSON, Nullable: true},
		},
		EmbeddingFields: []models.EmbeddingFieldDescriptor{
			{SourceField: "content", ProviderID: embeddingProvider},
		},
		NameableFields: []string{"name"},
		TenantIsolated: true,
		UniqueConstraints: [][]string{{"tenant_id", "name"}},
	}
}

func MomentDescriptor() *models.ModelDescriptor {
	return &models.ModelDescriptor{
		TableName:  "moments",
		PrimaryKey: "id",
		Fields: []models.FieldDescriptor{
			{Name: "name", Kind: models.FieldText},
			{Name: "moment_type", Kind: models.FieldText},
			{Name: "resource_timestamp", Kind: models.FieldTimestamp},
			{Name: "resource_ends_timestamp", Kind: models.FieldTimestamp},
			{Name: "emotion_tags", Kind: models.FieldJSON, Nullable: true},
			{Name: "topic_tags", Kind: models.FieldJSON, Nullable: true},
			{Name: "present_persons", Kind: models.FieldJSON, Nullable: true},
			{Name: "speakers", Kind: models.FieldJSON, Nullable: true},
			{Name: "location", Kind: models.FieldText, Nullable: true},
			{Name: "graph_paths", Kind: models.FieldJSON, Nullable: true},
		},
		NameableFields:    []string{"name"},
		TenantIsolated:    true,
		UniqueConstraints: [][]string{{"tenant_id", "name"}},
	}
}

func SessionDescriptor() *models.ModelDescriptor {
	return &models.ModelDescriptor{
		TableName:  "sessions",
		PrimaryKey: "id",
		Fields: []models.FieldDescriptor{
			{Name: "thread_id", Kind: models.FieldText},
			{Name: "userid", Kind: models.FieldText, Nullable: true},
			{Name: "query", Kind: models.FieldText, Nullable: true},
			{Name: "agent", Kind: models.FieldText, Nullable: true},
			{Name: "session_type", Kind: models.FieldText, Nullable: true},
			{Name: "moment_id", Kind: models.FieldText, Nullable: true},
			{Name: "graph_paths", Kind: models.FieldJSON, Nullable: true},
		},
		// Sessions are not name-addressable (spec.md §3).
		TenantIsolated: true,
	}
}

func ImageDescriptor(embeddingProvider string) *models.ModelDescriptor {
	return &models.ModelDescriptor{
		TableName:  "images",
		PrimaryKey: "id",
		Fields: []models.FieldDescriptor{
			{Name: "name", Kind: models.FieldText},
			{Name: "uri", Kind: models.FieldText, Nullable: true},
			{Name: "caption", Kind: models.FieldText, Nullable: true},
			{Name: "source", Kind: models.FieldText, Nullable: true},
			{Name: "width", Kind: models.FieldInteger, Nullable: true},
			{Name: "height", Kind: models.FieldInteger, Nullable: true},
			{Name: "mime_type", Kind: models.FieldText, Nullable: true},
			{Name: "tags", Kind: models.FieldJSON, Nullable: true},
		},
		EmbeddingFields: []models.EmbeddingFieldDescriptor{
			{SourceField: "caption", ProviderID: embeddingProvider},
		},
		NameableFields: []string{"name"},
		TenantIsolated: true,
	}
}

func JobDescriptor() *models.ModelDescriptor {
	return &models.ModelDescriptor{
		TableName:  "jobs",
		PrimaryKey: "id",
		Fields: []models.FieldDescriptor{
			{Name: "mode", Kind: models.FieldText},
			{Name: "status", Kind: models.FieldText},
			{Name: "batch_id", Kind: models.FieldText, Nullable: true},
			{Name: "window", Kind: models.FieldText},
			{Name: "result", Kind: models.FieldJSON, Nullable: true},
			{Name: "attempts", Kind: models.FieldInteger},
			{Name: "last_error", Kind: models.FieldText, Nullable: true},
			{Name: "started_at", Kind: models.FieldTimestamp, Nullable: true},
			{Name: "finished_at", Kind: models.FieldTimestamp, Nullable: true},
		},
		TenantIsolated: true,
	}
}
