package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StepType enumerates the node kinds of an automation graph.
type StepType string

const (
	StepTrigger StepType = "TRIGGER"
	StepAction  StepType = "ACTION"
	StepRule    StepType = "RULE"
)

// StepSubtype selects both the configuration payload and the runner.
type StepSubtype string

const (
	SubtypeTriggerFilter           StepSubtype = "TRIGGER_FILTER"
	SubtypeAddTag                  StepSubtype = "ACTION_ADD_TAG"
	SubtypeRemoveTag               StepSubtype = "ACTION_REMOVE_TAG"
	SubtypeUpdateContactAttributes StepSubtype = "ACTION_UPDATE_CONTACT_ATTRIBUTES"
	SubtypeSubscribeToAudience     StepSubtype = "ACTION_SUBSCRIBE_TO_AUDIENCE"
	SubtypeSendEmail               StepSubtype = "ACTION_SEND_EMAIL"
	SubtypeRuleIfElse              StepSubtype = "RULE_IF_ELSE"
)

// Branch indexes on the children of a RULE step.
const (
	BranchMatch   = 0
	BranchNoMatch = 1
)

// Automation belongs to an audience and owns a forest of steps rooted at
// exactly one trigger.
type Automation struct {
	ID         string    `json:"id" db:"id"`
	AudienceID string    `json:"audience_id" db:"audience_id"`
	Name       string    `json:"name" db:"name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// AutomationStep is one node of an automation graph. ParentID is nil only
// for the trigger. BranchIndex is set only on children of a RULE step.
type AutomationStep struct {
	ID            string          `json:"id" db:"id"`
	AutomationID  string          `json:"automation_id" db:"automation_id"`
	ParentID      *string         `json:"parent_id,omitempty" db:"parent_id"`
	Type          StepType        `json:"type" db:"type"`
	Subtype       StepSubtype     `json:"subtype" db:"subtype"`
	Configuration json.RawMessage `json:"configuration" db:"configuration"`
	BranchIndex   *int            `json:"branch_index,omitempty" db:"branch_index"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// DecodeConfig unmarshals the step configuration into dst. An empty
// configuration leaves dst untouched.
func (s *AutomationStep) DecodeConfig(dst any) error {
	raw := bytes.TrimSpace(s.Configuration)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s configuration for step %s: %w", s.Subtype, s.ID, err)
	}
	return nil
}

// HasBranch reports whether the step sits on the given branch of its parent.
func (s *AutomationStep) HasBranch(index int) bool {
	return s.BranchIndex != nil && *s.BranchIndex == index
}

// RefID is an identifier that may arrive as a JSON string or number.
type RefID string

// UnmarshalJSON accepts "42" and 42 alike.
func (r *RefID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RefID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("ref id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*r = RefID(strconv.FormatInt(i, 10))
		return nil
	}
	*r = RefID(n.String())
	return nil
}

// TriggerConfig configures TRIGGER_FILTER.
type TriggerConfig struct {
	Filter FilterSpec `json:"filter"`
}

// TagsConfig configures ACTION_ADD_TAG and ACTION_REMOVE_TAG.
type TagsConfig struct {
	TagIDs []RefID `json:"tagIds"`
}

// IDs returns the configured tag ids as plain strings.
func (c TagsConfig) IDs() []string {
	ids := make([]string, 0, len(c.TagIDs))
	for _, id := range c.TagIDs {
		if id != "" {
			ids = append(ids, string(id))
		}
	}
	return ids
}

// AttributesConfig configures ACTION_UPDATE_CONTACT_ATTRIBUTES.
type AttributesConfig struct {
	Attributes map[string]any `json:"attributes"`
}

// SubscribeConfig configures ACTION_SUBSCRIBE_TO_AUDIENCE.
type SubscribeConfig struct {
	AudienceID RefID `json:"audienceId"`
}

// SendEmailConfig configures ACTION_SEND_EMAIL.
type SendEmailConfig struct {
	ContentID RefID `json:"contentId"`
}

// RuleConfig configures RULE_IF_ELSE.
type RuleConfig struct {
	Filter FilterSpec `json:"filter"`
}
