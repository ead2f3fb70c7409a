package storage

import (
	"fmt"
	"strings"

	"github.com/p8fs/p8fs-core/internal/models"
)

// embeddingsTableName maps a main table to its parallel embeddings table.
// SQLite has no schema namespaces, so the spec's "embeddings.<table>_embeddings"
// becomes a single underscore-joined table name (see SPEC_FULL.md §4.1).
func embeddingsTableName(table string) string {
	return fmt.Sprintf("embeddings_%s_embeddings", table)
}

func baseColumns() []models.FieldDescriptor {
	return []models.FieldDescriptor{
		{Name: "id", Kind: models.FieldText},
		{Name: "tenant_id", Kind: models.FieldText},
		{Name: "created_at", Kind: models.FieldTimestamp},
		{Name: "updated_at", Kind: models.FieldTimestamp},
		{Name: "metadata", Kind: models.FieldJSON, Nullable: true},
	}
}

func sqlColumnType(k models.FieldKind) string {
	switch k {
	case models.FieldInteger:
		return "INTEGER"
	case models.FieldReal:
		return "REAL"
	case models.FieldTimestamp:
		return "TIMESTAMP"
	case models.FieldJSON:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// mainTableDDL renders the CREATE TABLE statement for desc's main table.
func mainTableDDL(desc *models.ModelDescriptor) string {
	var cols []string
	for _, f := range append(baseColumns(), desc.Fields...) {
		nullable := ""
		if !f.Nullable && f.Name != "id" {
			nullable = " NOT NULL"
		}
		cols = append(cols, fmt.Sprintf("%s %s%s", f.Name, sqlColumnType(f.Kind), nullable))
	}
	cols = append(cols, "PRIMARY KEY (id)")

	var uniques []string
	for _, uc := range desc.UniqueConstraints {
		uniques = append(uniques, fmt.Sprintf("UNIQUE (%s)", strings.Join(uc, ", ")))
	}
	all := append(cols, uniques...)

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);",
		desc.TableName, strings.Join(all, ",\n  "))
}

// embeddingsTableDDL renders the CREATE TABLE statement for desc's parallel
// embeddings table (spec.md §6b).
func embeddingsTableDDL(desc *models.ModelDescriptor) string {
	table := embeddingsTableName(desc.TableName)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  entity_id TEXT NOT NULL,
  field_name TEXT NOT NULL,
  embedding_provider TEXT NOT NULL,
  embedding_vector BLOB NOT NULL,
  vector_dimension INTEGER NOT NULL,
  tenant_id TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL,
  UNIQUE (entity_id, field_name, tenant_id)
);`, table)
}

// planDDL renders both CREATE TABLE statements for desc, in the order
// EnsureTable would execute them.
func planDDL(desc *models.ModelDescriptor) string {
	stmts := []string{mainTableDDL(desc)}
	if len(desc.EmbeddingFields) > 0 {
		stmts = append(stmts, embeddingsTableDDL(desc))
	}
	return strings.Join(stmts, "\n\n")
}
