package domain

import "time"

// Audience is a tenant-scoped collection of contacts.
type Audience struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Contact is a single member of an audience. The same email address in two
// audiences is two fully independent contacts.
type Contact struct {
	ID         string         `json:"id" db:"id"`
	AudienceID string         `json:"audience_id" db:"audience_id"`
	Email      string         `json:"email" db:"email"`
	FirstName  string         `json:"first_name" db:"first_name"`
	LastName   string         `json:"last_name" db:"last_name"`
	Attributes map[string]any `json:"attributes" db:"attributes"`

	// TagIDs is loaded from the contact_tags join table.
	TagIDs []string `json:"tag_ids" db:"-"`

	SubscribedAt time.Time `json:"subscribed_at" db:"subscribed_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HasTag reports whether the contact carries the given tag id.
func (c *Contact) HasTag(tagID string) bool {
	for _, id := range c.TagIDs {
		if id == tagID {
			return true
		}
	}
	return false
}

// Tag is an audience-scoped label that can be attached to contacts.
type Tag struct {
	ID         string    `json:"id" db:"id"`
	AudienceID string    `json:"audience_id" db:"audience_id"`
	Name       string    `json:"name" db:"name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Segment is a named, persisted filter scoped to an audience.
type Segment struct {
	ID         string     `json:"id" db:"id"`
	AudienceID string     `json:"audience_id" db:"audience_id"`
	Name       string     `json:"name" db:"name"`
	Filter     FilterSpec `json:"filter" db:"filter"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
