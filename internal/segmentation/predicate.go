package segmentation

import (
	"strings"

	"github.com/ignite/automation-engine/internal/domain"
)

// Predicate is a compiled filter. The set of implementations is closed to
// this package: a predicate can only be produced by Evaluate or Compile.
type Predicate interface {
	// Match evaluates the predicate against a loaded contact.
	Match(c *domain.Contact) bool

	build(qb *QueryBuilder) string
}

var (
	// True matches every contact.
	True Predicate = constPredicate(true)
	// False matches no contact.
	False Predicate = constPredicate(false)
)

type constPredicate bool

func (p constPredicate) Match(*domain.Contact) bool { return bool(p) }

func (p constPredicate) build(*QueryBuilder) string {
	if p {
		return "TRUE"
	}
	return "FALSE"
}

type andPredicate []Predicate

func (p andPredicate) Match(c *domain.Contact) bool {
	for _, part := range p {
		if !part.Match(c) {
			return false
		}
	}
	return true
}

func (p andPredicate) build(qb *QueryBuilder) string {
	return qb.join(p, " AND ")
}

type orPredicate []Predicate

func (p orPredicate) Match(c *domain.Contact) bool {
	for _, part := range p {
		if part.Match(c) {
			return true
		}
	}
	return false
}

func (p orPredicate) build(qb *QueryBuilder) string {
	return qb.join(p, " OR ")
}

// and folds constants: any False wins, True parts drop out.
func and(parts []Predicate) Predicate {
	kept := make([]Predicate, 0, len(parts))
	for _, part := range parts {
		if c, ok := part.(constPredicate); ok {
			if !c {
				return False
			}
			continue
		}
		kept = append(kept, part)
	}
	switch len(kept) {
	case 0:
		return True
	case 1:
		return kept[0]
	}
	return andPredicate(kept)
}

// or folds constants: any True wins, False parts drop out.
func or(parts []Predicate) Predicate {
	kept := make([]Predicate, 0, len(parts))
	for _, part := range parts {
		if c, ok := part.(constPredicate); ok {
			if c {
				return True
			}
			continue
		}
		kept = append(kept, part)
	}
	switch len(kept) {
	case 0:
		return False
	case 1:
		return kept[0]
	}
	return orPredicate(kept)
}

// stringPredicate compares one text column of the contact.
type stringPredicate struct {
	field domain.FilterField
	op    domain.FilterOperation
	value string
}

func (p stringPredicate) fieldValue(c *domain.Contact) string {
	switch p.field {
	case domain.FieldEmail:
		return c.Email
	case domain.FieldFirstName:
		return c.FirstName
	case domain.FieldLastName:
		return c.LastName
	}
	return ""
}

func (p stringPredicate) Match(c *domain.Contact) bool {
	v := p.fieldValue(c)
	lv, lp := strings.ToLower(v), strings.ToLower(p.value)
	switch p.op {
	case domain.OpEq:
		return v == p.value
	case domain.OpGte:
		return v >= p.value
	case domain.OpLte:
		return v <= p.value
	case domain.OpStartsWith:
		return strings.HasPrefix(lv, lp)
	case domain.OpEndsWith:
		return strings.HasSuffix(lv, lp)
	case domain.OpContains:
		return strings.Contains(lv, lp)
	case domain.OpNotContains:
		return !strings.Contains(lv, lp)
	}
	return false
}

func (p stringPredicate) build(qb *QueryBuilder) string {
	column := fieldMetadata[p.field].Column
	switch p.op {
	case domain.OpEq:
		return column + " = " + qb.nextArg(p.value)
	case domain.OpGte:
		return column + ` COLLATE "C" >= ` + qb.nextArg(p.value)
	case domain.OpLte:
		return column + ` COLLATE "C" <= ` + qb.nextArg(p.value)
	case domain.OpStartsWith:
		return column + " ILIKE " + qb.nextArg(escapeLike(p.value)+"%")
	case domain.OpEndsWith:
		return column + " ILIKE " + qb.nextArg("%"+escapeLike(p.value))
	case domain.OpContains:
		return column + " ILIKE " + qb.nextArg("%"+escapeLike(p.value)+"%")
	case domain.OpNotContains:
		return column + " NOT ILIKE " + qb.nextArg("%"+escapeLike(p.value)+"%")
	}
	return "FALSE"
}

// tagPredicate tests membership in the contact_tags join table.
type tagPredicate struct {
	tagIDs []string
	negate bool
}

func (p tagPredicate) Match(c *domain.Contact) bool {
	has := false
	for _, id := range p.tagIDs {
		if c.HasTag(id) {
			has = true
			break
		}
	}
	return has != p.negate
}

func (p tagPredicate) build(qb *QueryBuilder) string {
	exists := "EXISTS (SELECT 1 FROM contact_tags ct WHERE ct.contact_id = c.id AND ct.tag_id = ANY(" +
		qb.nextArrayArg(p.tagIDs) + "))"
	if p.negate {
		return "NOT " + exists
	}
	return exists
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
