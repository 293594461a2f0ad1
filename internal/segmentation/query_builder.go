package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ignite/automation-engine/internal/domain"
)

// QueryBuilder renders predicates as parameterised Postgres expressions over
// the contacts table aliased as "c".
type QueryBuilder struct {
	args       []interface{}
	argCounter int
}

// NewQueryBuilder creates a builder whose first placeholder is $startArg.
// Callers embedding the predicate after their own arguments pass
// len(theirArgs)+1.
func NewQueryBuilder(startArg int) *QueryBuilder {
	if startArg < 1 {
		startArg = 1
	}
	return &QueryBuilder{
		args:       make([]interface{}, 0),
		argCounter: startArg,
	}
}

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

func (qb *QueryBuilder) nextArrayArg(values []string) string {
	return qb.nextArg(pq.Array(values))
}

func (qb *QueryBuilder) join(parts []Predicate, operator string) string {
	rendered := make([]string, len(parts))
	for i, part := range parts {
		rendered[i] = "(" + part.build(qb) + ")"
	}
	return strings.Join(rendered, operator)
}

// Where renders the predicate and records its arguments.
func (qb *QueryBuilder) Where(p Predicate) string {
	if p == nil {
		p = True
	}
	return p.build(qb)
}

// Args returns the arguments collected so far.
func (qb *QueryBuilder) Args() []interface{} {
	return qb.args
}

// Render is shorthand for a fresh builder rendering one predicate.
func Render(p Predicate, startArg int) (string, []interface{}) {
	qb := NewQueryBuilder(startArg)
	sql := qb.Where(p)
	return sql, qb.Args()
}

// BuildCountQuery returns a count of audience contacts matching p.
func BuildCountQuery(audienceID string, p Predicate) (string, []interface{}) {
	qb := NewQueryBuilder(2)
	where := qb.Where(p)
	query := "SELECT COUNT(*) FROM contacts c WHERE c.audience_id = $1 AND (" + where + ")"
	return query, append([]interface{}{audienceID}, qb.Args()...)
}

// BuildListQuery returns a page of audience contacts matching p, ordered by
// creation so pagination is stable. columns is the select list over alias c.
func BuildListQuery(columns, audienceID string, p Predicate, limit, offset int) (string, []interface{}) {
	qb := NewQueryBuilder(2)
	where := qb.Where(p)
	limitArg := qb.nextArg(limit)
	offsetArg := qb.nextArg(offset)
	query := fmt.Sprintf(`SELECT %s FROM contacts c WHERE c.audience_id = $1 AND (%s)
		ORDER BY c.created_at, c.id LIMIT %s OFFSET %s`, columns, where, limitArg, offsetArg)
	return query, append([]interface{}{audienceID}, qb.Args()...)
}

// BuildExistsQuery checks whether one contact of the audience matches p.
func BuildExistsQuery(audienceID, contactID string, p Predicate) (string, []interface{}) {
	qb := NewQueryBuilder(3)
	where := qb.Where(p)
	query := "SELECT EXISTS (SELECT 1 FROM contacts c WHERE c.id = $1 AND c.audience_id = $2 AND (" + where + "))"
	return query, append([]interface{}{contactID, audienceID}, qb.Args()...)
}

// Fingerprint is a deterministic hash of a filter, used as a cache key and
// to tell whether two stored filters compile to the same predicate.
func Fingerprint(spec domain.FilterSpec) string {
	jsonBytes, _ := json.Marshal(spec)
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:])
}
