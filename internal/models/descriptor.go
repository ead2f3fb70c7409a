package models

// FieldKind is the SQL column type a ModelDescriptor field maps to.
type FieldKind string

const (
	FieldText      FieldKind = "TEXT"
	FieldInteger   FieldKind = "INTEGER"
	FieldReal      FieldKind = "REAL"
	FieldTimestamp FieldKind = "TIMESTAMP"
	FieldJSON      FieldKind = "JSON" // stored as TEXT, marshaled/unmarshaled at the boundary
)

// FieldDescriptor describes one column of a model's main table.
type FieldDescriptor struct {
	Name     string
	Kind     FieldKind
	Nullable bool
}

// EmbeddingFieldDescriptor names a text field whose content is embedded and
// stored in the model's parallel embeddings table.
type EmbeddingFieldDescriptor struct {
	SourceField string // field on the main table whose text is embedded
	ProviderID  string // embedding.Provider id used to encode it
}

// ModelDescriptor replaces reflective schema discovery: everything the
// Storage Provider and Tenant Repository need to create and address a
// table is explicit data, not runtime introspection (spec.md §9).
type ModelDescriptor struct {
	TableName        string
	PrimaryKey       string // always "id" in this repository, kept explicit
	Fields           []FieldDescriptor
	EmbeddingFields  []EmbeddingFieldDescriptor
	NameableFields   []string // fields that populate the Reverse Key Index
	TenantIsolated   bool     // always true for entities in this spec
	UniqueConstraints [][]string
}
