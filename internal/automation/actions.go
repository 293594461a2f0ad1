package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/worker"
)

func decodeConfig(step *domain.AutomationStep, dst any) error {
	if err := step.DecodeConfig(dst); err != nil {
		return worker.Permanent(err)
	}
	return nil
}

// existingTags resolves configured tag ids, dropping tags deleted since the
// automation was authored.
func existingTags(ctx context.Context, step *domain.AutomationStep, ec ExecutionContext) ([]string, error) {
	var cfg domain.TagsConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	configured := cfg.IDs()
	if len(configured) == 0 {
		return nil, nil
	}
	ids, err := ec.Store.ExistingTagIDs(ctx, configured)
	if err != nil {
		return nil, fmt.Errorf("resolve tags: %w", err)
	}
	if skipped := len(configured) - len(ids); skipped > 0 {
		logger.Debug("skipping deleted tags", "step_id", step.ID, "skipped", skipped)
	}
	return ids, nil
}

func runAddTag(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error) {
	ids, err := existingTags(ctx, step, ec)
	if err != nil || len(ids) == 0 {
		return Outcome{}, err
	}
	if err := ec.Store.AttachTags(ctx, contact.ID, ids); err != nil {
		return Outcome{}, fmt.Errorf("attach tags: %w", err)
	}
	return Outcome{}, nil
}

func runRemoveTag(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error) {
	ids, err := existingTags(ctx, step, ec)
	if err != nil || len(ids) == 0 {
		return Outcome{}, err
	}
	if err := ec.Store.DetachTags(ctx, contact.ID, ids); err != nil {
		return Outcome{}, fmt.Errorf("detach tags: %w", err)
	}
	return Outcome{}, nil
}

func runUpdateAttributes(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error) {
	var cfg domain.AttributesConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if len(cfg.Attributes) == 0 {
		return Outcome{}, nil
	}
	if err := ec.Store.MergeContactAttributes(ctx, contact.ID, cfg.Attributes); err != nil {
		return Outcome{}, fmt.Errorf("merge attributes: %w", err)
	}
	return Outcome{}, nil
}

// runSubscribeToAudience copies the contact into another audience. The copy
// is an independent contact and enters that audience's automations.
func runSubscribeToAudience(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error) {
	var cfg domain.SubscribeConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if cfg.AudienceID == "" {
		return Outcome{}, nil
	}

	audience, err := ec.Store.FindAudience(ctx, string(cfg.AudienceID))
	if err != nil {
		return Outcome{}, fmt.Errorf("find audience: %w", err)
	}
	if audience == nil {
		logger.Debug("target audience deleted, skipping", "step_id", step.ID, "audience_id", cfg.AudienceID)
		return Outcome{}, nil
	}

	attrs := make(map[string]any, len(contact.Attributes))
	for k, v := range contact.Attributes {
		attrs[k] = v
	}
	copied := &domain.Contact{
		AudienceID:   audience.ID,
		Email:        contact.Email,
		FirstName:    contact.FirstName,
		LastName:     contact.LastName,
		Attributes:   attrs,
		SubscribedAt: time.Now().UTC(),
	}
	created, err := ec.Store.CreateContact(ctx, copied)
	if err != nil {
		return Outcome{}, fmt.Errorf("create contact: %w", err)
	}
	if !created {
		return Outcome{}, nil
	}
	if err := ContactCreated(ctx, ec.Store, ec.Jobs, copied); err != nil {
		return Outcome{}, err
	}
	return Outcome{}, nil
}
