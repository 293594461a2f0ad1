// Package segmentation compiles audience filters into predicates that can be
// rendered as Postgres boolean expressions or evaluated against a loaded
// contact, and serves segment previews.
package segmentation

import "github.com/ignite/automation-engine/internal/domain"

// ==========================================
// FIELD TYPES
// ==========================================

// FieldType is the value shape a filter field expects.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldTags     FieldType = "tags"
	FieldReserved FieldType = "reserved"
)

// FieldMetadata describes one filterable contact field.
type FieldMetadata struct {
	Field      domain.FilterField       `json:"field"`
	Label      string                   `json:"label"`
	Type       FieldType                `json:"type"`
	Column     string                   `json:"-"`
	Operations []domain.FilterOperation `json:"operations"`
}

var stringOperations = []domain.FilterOperation{
	domain.OpEq,
	domain.OpGte,
	domain.OpLte,
	domain.OpStartsWith,
	domain.OpEndsWith,
	domain.OpContains,
	domain.OpNotContains,
}

var tagOperations = []domain.FilterOperation{
	domain.OpEq,
	domain.OpContains,
	domain.OpNotContains,
}

var fieldMetadata = map[domain.FilterField]FieldMetadata{
	domain.FieldEmail:        {domain.FieldEmail, "Email", FieldString, "c.email", stringOperations},
	domain.FieldFirstName:    {domain.FieldFirstName, "First name", FieldString, "c.first_name", stringOperations},
	domain.FieldLastName:     {domain.FieldLastName, "Last name", FieldString, "c.last_name", stringOperations},
	domain.FieldTags:         {domain.FieldTags, "Tags", FieldTags, "", tagOperations},
	domain.FieldSubscribedAt: {domain.FieldSubscribedAt, "Subscribed at", FieldReserved, "", nil},
}

// GetFieldMetadata returns the metadata for a field, or nil if unknown.
func GetFieldMetadata(field domain.FilterField) *FieldMetadata {
	meta, ok := fieldMetadata[field]
	if !ok {
		return nil
	}
	return &meta
}

// Allows reports whether op is valid for the field.
func (m *FieldMetadata) Allows(op domain.FilterOperation) bool {
	for _, o := range m.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// ==========================================
// PREVIEW
// ==========================================

// Preview is the result of a segment or ad-hoc filter preview.
type Preview struct {
	AudienceID  string           `json:"audience_id"`
	Fingerprint string           `json:"fingerprint"`
	Count       int64            `json:"count"`
	Contacts    []domain.Contact `json:"contacts"`
	Errors      []string         `json:"errors,omitempty"`
	Cached      bool             `json:"cached"`
}
