package models

import "fmt"

// Image is a stored image reference with caption-derived embedding input.
type Image struct {
	Base

	Name     string   `json:"name" db:"name"`
	URI      string   `json:"uri" db:"uri"`
	Caption  string   `json:"caption" db:"caption"`
	Source   string   `json:"source" db:"source"`
	Width    int      `json:"width" db:"width"`
	Height   int      `json:"height" db:"height"`
	MimeType string   `json:"mime_type" db:"mime_type"`
	Tags     []string `json:"tags" db:"tags"`
}

func (i *Image) TableName() string { return "images" }

// GetBase exposes the embedded Base fields for code that is generic over
// every entity type (internal/tenantrepo).
func (i *Image) GetBase() *Base { return &i.Base }

// ToRow renders the Image into the generic column map storage.Provider
// consumes.
func (i *Image) ToRow() map[string]interface{} {
	return mergeRow(baseRow(i.Base), map[string]interface{}{
		"name":      i.Name,
		"uri":       i.URI,
		"caption":   i.Caption,
		"source":    i.Source,
		"width":     i.Width,
		"height":    i.Height,
		"mime_type": i.MimeType,
		"tags":      i.Tags,
	})
}

// FromRow populates the Image from a generic storage row.
func (i *Image) FromRow(row map[string]interface{}) error {
	base, err := ParseBase(row)
	if err != nil {
		return err
	}
	i.Base = base
	i.Name, _ = row["name"].(string)
	i.URI, _ = row["uri"].(string)
	i.Caption, _ = row["caption"].(string)
	i.Source, _ = row["source"].(string)
	i.Width = toInt(row["width"])
	i.Height = toInt(row["height"])
	i.MimeType, _ = row["mime_type"].(string)
	if err := decodeJSONField(row["tags"], &i.Tags); err != nil {
		return fmt.Errorf("models: image tags: %w", err)
	}
	return nil
}

// toInt coerces a driver-returned numeric value (int64 from sqlite, or a
// JSON float64 if it round-tripped through an interface{} decode) to int.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// UploadRef documents the presigned-upload contract shape an external
// object-store collaborator would use to hand a Resource to the ingest
// watcher (spec.md §6). Not exercised by this repository's code paths;
// kept as the documented shape of that boundary.
type UploadRef struct {
	Bucket string `json:"bucket"` // == tenant_id
	Key    string `json:"key"`    // uploads/YYYY/MM/DD/<name>
}
