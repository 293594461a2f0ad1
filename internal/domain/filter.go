package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FilterField is the closed set of contact fields a condition may target.
type FilterField string

const (
	FieldEmail     FilterField = "email"
	FieldFirstName FilterField = "firstName"
	FieldLastName  FilterField = "lastName"
	FieldTags      FilterField = "tags"
	// FieldSubscribedAt is reserved and currently matches every contact.
	FieldSubscribedAt FilterField = "subscribedAt"
)

// FilterOperation is the closed set of comparison operators.
type FilterOperation string

const (
	OpEq          FilterOperation = "eq"
	OpGte         FilterOperation = "gte"
	OpLte         FilterOperation = "lte"
	OpStartsWith  FilterOperation = "startsWith"
	OpEndsWith    FilterOperation = "endsWith"
	OpContains    FilterOperation = "contains"
	OpNotContains FilterOperation = "notContains"
)

// Condition is one atomic test against a contact field. Value is whatever
// the JSON decoder produced: string, float64, []any, or nil. Callers
// building conditions in code may also use []string and int.
type Condition struct {
	Field     FilterField     `json:"field"`
	Operation FilterOperation `json:"operation"`
	Value     any             `json:"value"`
}

// FilterGroup is a conjunction of conditions.
type FilterGroup struct {
	Conditions []Condition `json:"conditions"`
}

// UnmarshalJSON accepts both {"conditions": [...]} and a bare condition array.
func (g *FilterGroup) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		g.Conditions = nil
		return nil
	}
	if data[0] == '[' {
		return json.Unmarshal(data, &g.Conditions)
	}
	var raw struct {
		Conditions []Condition `json:"conditions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Conditions = raw.Conditions
	return nil
}

// FilterSpecVersion is the current persisted filter format.
const FilterSpecVersion = 1

// FilterSpec is the versioned wrapper persisted for segments, triggers and
// rules. Groups are combined with OR.
type FilterSpec struct {
	Version int           `json:"version"`
	Groups  []FilterGroup `json:"groups"`
}

// UnmarshalJSON accepts the versioned object form and the legacy bare array
// of groups, which is treated as version 1.
func (f *FilterSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = NewFilterSpec()
		return nil
	}
	if data[0] == '[' {
		var groups []FilterGroup
		if err := json.Unmarshal(data, &groups); err != nil {
			return fmt.Errorf("decode filter groups: %w", err)
		}
		*f = NewFilterSpec(groups...)
		return nil
	}
	var raw struct {
		Version int           `json:"version"`
		Groups  []FilterGroup `json:"groups"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode filter spec: %w", err)
	}
	if raw.Version == 0 {
		raw.Version = FilterSpecVersion
	}
	*f = FilterSpec{Version: raw.Version, Groups: raw.Groups}
	return nil
}

// IsEmpty reports whether the spec has no conditions at all.
func (f FilterSpec) IsEmpty() bool {
	for _, g := range f.Groups {
		if len(g.Conditions) > 0 {
			return false
		}
	}
	return true
}

// NewFilterSpec wraps groups in a current-version spec.
func NewFilterSpec(groups ...FilterGroup) FilterSpec {
	return FilterSpec{Version: FilterSpecVersion, Groups: groups}
}
