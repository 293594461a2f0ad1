package segmentation

import (
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
)

// Validate reports every problem that would make part of the filter compile
// to False. It is meant for write paths; Compile itself stays tolerant.
func Validate(spec domain.FilterSpec) []string {
	var errors []string

	if spec.Version > domain.FilterSpecVersion {
		errors = append(errors, fmt.Sprintf("unsupported filter version %d", spec.Version))
	}

	for gi, group := range spec.Groups {
		for ci, cond := range group.Conditions {
			at := fmt.Sprintf("group %d condition %d", gi, ci)

			meta := GetFieldMetadata(cond.Field)
			if meta == nil {
				errors = append(errors, fmt.Sprintf("%s: unknown field %q", at, cond.Field))
				continue
			}
			if meta.Type == FieldReserved {
				continue
			}
			if !meta.Allows(cond.Operation) {
				errors = append(errors, fmt.Sprintf("%s: operation %q is not supported for field %s", at, cond.Operation, cond.Field))
				continue
			}

			switch meta.Type {
			case FieldString:
				if _, ok := cond.Value.(string); !ok {
					errors = append(errors, fmt.Sprintf("%s: field %s requires a string value", at, cond.Field))
				}
			case FieldTags:
				ids, ok := tagIDs(cond.Value)
				if !ok {
					errors = append(errors, fmt.Sprintf("%s: field %s requires a list of tag ids", at, cond.Field))
				} else if len(ids) == 0 && cond.Operation != domain.OpNotContains {
					errors = append(errors, fmt.Sprintf("%s: operation %s requires at least one tag id", at, cond.Operation))
				}
			}
		}
	}

	return errors
}
