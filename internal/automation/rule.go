package automation

import (
	"context"
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/segmentation"
)

// runIfElse selects branch 0 for a matching contact and branch 1 otherwise.
func runIfElse(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error) {
	var cfg domain.RuleConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}

	matched, err := ec.Store.ContactMatches(ctx, contact.AudienceID, contact.ID, segmentation.Compile(cfg.Filter))
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate rule: %w", err)
	}
	if matched {
		return branch(domain.BranchMatch), nil
	}
	return branch(domain.BranchNoMatch), nil
}
