package segmentation

import "github.com/ignite/automation-engine/internal/domain"

// Compile turns a stored filter into a predicate. Conditions inside a group
// are ANDed and groups are ORed. Groups without conditions are ignored, so
// an empty filter matches the whole audience. A filter written by a newer
// format version than this build understands matches nobody.
func Compile(spec domain.FilterSpec) Predicate {
	if spec.Version > domain.FilterSpecVersion {
		return False
	}
	if spec.IsEmpty() {
		return True
	}
	return CompileGroups(spec.Groups)
}

// CompileGroups compiles a bare group list.
func CompileGroups(groups []domain.FilterGroup) Predicate {
	var alternatives []Predicate
	for _, group := range groups {
		if len(group.Conditions) == 0 {
			continue
		}
		parts := make([]Predicate, len(group.Conditions))
		for i, cond := range group.Conditions {
			parts[i] = Evaluate(cond)
		}
		alternatives = append(alternatives, and(parts))
	}
	if len(alternatives) == 0 {
		return True
	}
	return or(alternatives)
}
