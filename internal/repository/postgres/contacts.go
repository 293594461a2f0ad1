package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/segmentation"
)

const contactColumns = `c.id, c.audience_id, c.email, c.first_name, c.last_name, c.attributes,
	COALESCE((SELECT array_agg(ct.tag_id ORDER BY ct.tag_id) FROM contact_tags ct WHERE ct.contact_id = c.id), '{}') AS tag_ids,
	c.subscribed_at, c.created_at, c.updated_at`

func scanContact(row rowScanner) (*domain.Contact, error) {
	var (
		c      domain.Contact
		attrs  []byte
		tagIDs pq.StringArray
	)
	if err := row.Scan(&c.ID, &c.AudienceID, &c.Email, &c.FirstName, &c.LastName, &attrs, &tagIDs,
		&c.SubscribedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Attributes = map[string]any{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of contact %s: %w", c.ID, err)
		}
	}
	c.TagIDs = []string(tagIDs)
	return &c, nil
}

func (s *Store) GetContact(ctx context.Context, contactID string) (*domain.Contact, error) {
	c, err := scanContact(s.q.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.id = $1`, contactID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (s *Store) ContactMatches(ctx context.Context, audienceID, contactID string, p segmentation.Predicate) (bool, error) {
	query, args := segmentation.BuildExistsQuery(audienceID, contactID, p)
	var matched bool
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&matched); err != nil {
		return false, fmt.Errorf("contact matches: %w", err)
	}
	return matched, nil
}

func (s *Store) ListEntryCandidates(ctx context.Context, audienceID string, p segmentation.Predicate, firstStepID, afterID string, limit int) ([]string, error) {
	qb := segmentation.NewQueryBuilder(5)
	where := qb.Where(p)
	query := `
		SELECT c.id FROM contacts c
		WHERE c.audience_id = $1
		  AND c.id > $2
		  AND NOT EXISTS (
		      SELECT 1 FROM contact_automation_steps cas
		      WHERE cas.contact_id = c.id AND cas.automation_step_id = $3)
		  AND (` + where + `)
		ORDER BY c.id
		LIMIT $4`
	args := append([]interface{}{audienceID, afterID, firstStepID, limit}, qb.Args()...)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entry candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) MergeContactAttributes(ctx context.Context, contactID string, attrs map[string]any) error {
	body, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE contacts
		SET attributes = COALESCE(attributes, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`, contactID, body)
	if err != nil {
		return fmt.Errorf("merge attributes: %w", err)
	}
	return nil
}

// CountContacts implements segmentation.Store.
func (s *Store) CountContacts(ctx context.Context, audienceID string, p segmentation.Predicate) (int64, error) {
	query, args := segmentation.BuildCountQuery(audienceID, p)
	var n int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// ListContacts implements segmentation.Store.
func (s *Store) ListContacts(ctx context.Context, audienceID string, p segmentation.Predicate, limit, offset int) ([]domain.Contact, error) {
	query, args := segmentation.BuildListQuery(contactColumns, audienceID, p, limit, offset)
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetSegment implements segmentation.Store.
func (s *Store) GetSegment(ctx context.Context, segmentID string) (*domain.Segment, error) {
	var (
		seg    domain.Segment
		filter []byte
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, audience_id, name, filter, created_at, updated_at
		FROM segments WHERE id = $1
	`, segmentID).Scan(&seg.ID, &seg.AudienceID, &seg.Name, &filter, &seg.CreatedAt, &seg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	if err := json.Unmarshal(filter, &seg.Filter); err != nil {
		return nil, fmt.Errorf("decode filter of segment %s: %w", seg.ID, err)
	}
	return &seg, nil
}

func (s *Store) FindAudience(ctx context.Context, audienceID string) (*domain.Audience, error) {
	var a domain.Audience
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM audiences WHERE id = $1
	`, audienceID).Scan(&a.ID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find audience: %w", err)
	}
	return &a, nil
}

// CreateContact inserts c with a fresh id. An existing contact with the same
// email in the audience wins and false is returned.
func (s *Store) CreateContact(ctx context.Context, c *domain.Contact) (bool, error) {
	attrs := c.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	body, err := json.Marshal(attrs)
	if err != nil {
		return false, fmt.Errorf("encode attributes: %w", err)
	}
	id := uuid.New().String()

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO contacts (id, audience_id, email, first_name, last_name, attributes, subscribed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (audience_id, email) DO NOTHING
	`, id, c.AudienceID, c.Email, c.FirstName, c.LastName, body, c.SubscribedAt)
	if err != nil {
		return false, fmt.Errorf("create contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create contact: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	c.ID = id
	return true, nil
}

func (s *Store) ExistingTagIDs(ctx context.Context, tagIDs []string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM tags WHERE id = ANY($1)`, pq.Array(tagIDs))
	if err != nil {
		return nil, fmt.Errorf("existing tags: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(tagIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tag id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(found))
	for _, id := range tagIDs {
		if found[id] {
			out = append(out, id)
			delete(found, id)
		}
	}
	return out, nil
}

func (s *Store) AttachTags(ctx context.Context, contactID string, tagIDs []string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO contact_tags (contact_id, tag_id, created_at)
		SELECT $1, t, NOW() FROM unnest($2::text[]) AS t
		ON CONFLICT (contact_id, tag_id) DO NOTHING
	`, contactID, pq.Array(tagIDs))
	if err != nil {
		return fmt.Errorf("attach tags: %w", err)
	}
	return nil
}

func (s *Store) DetachTags(ctx context.Context, contactID string, tagIDs []string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM contact_tags WHERE contact_id = $1 AND tag_id = ANY($2)
	`, contactID, pq.Array(tagIDs))
	if err != nil {
		return fmt.Errorf("detach tags: %w", err)
	}
	return nil
}
