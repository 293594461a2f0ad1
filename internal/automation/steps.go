package automation

import (
	"context"
	"sort"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/mailing"
	"github.com/ignite/automation-engine/internal/worker"
)

// ExecutionContext is what a runner may touch: the transactional store and
// the dispatcher whose jobs commit with it.
type ExecutionContext struct {
	Store Store
	Jobs  worker.Dispatcher
}

// Outcome is the result of running a step. Branch is set only by branch
// selectors and names the child branch index to follow.
type Outcome struct {
	Branch *int
}

// Runner executes one step subtype for one contact. Errors marked with
// worker.Permanent fail the job; any other error is retried.
type Runner interface {
	Run(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error) {
	return f(ctx, step, contact, ec)
}

// Registry is the static subtype to runner dispatch table.
type Registry struct {
	runners map[domain.StepSubtype]Runner
}

// Dependencies are the collaborators runners need beyond the store.
type Dependencies struct {
	Sender    mailing.Sender
	Templates *mailing.TemplateService
}

// NewRegistry builds the dispatch table for every known subtype.
func NewRegistry(deps Dependencies) *Registry {
	if deps.Templates == nil {
		deps.Templates = mailing.NewTemplateService()
	}
	return &Registry{runners: map[domain.StepSubtype]Runner{
		domain.SubtypeTriggerFilter:           RunnerFunc(runTrigger),
		domain.SubtypeAddTag:                  RunnerFunc(runAddTag),
		domain.SubtypeRemoveTag:               RunnerFunc(runRemoveTag),
		domain.SubtypeUpdateContactAttributes: RunnerFunc(runUpdateAttributes),
		domain.SubtypeSubscribeToAudience:     RunnerFunc(runSubscribeToAudience),
		domain.SubtypeSendEmail:               &sendEmailRunner{sender: deps.Sender, templates: deps.Templates},
		domain.SubtypeRuleIfElse:              RunnerFunc(runIfElse),
	}}
}

// Lookup returns the runner for a subtype.
func (r *Registry) Lookup(subtype domain.StepSubtype) (Runner, bool) {
	runner, ok := r.runners[subtype]
	return runner, ok
}

// Subtypes lists the registered subtypes in sorted order.
func (r *Registry) Subtypes() []domain.StepSubtype {
	out := make([]domain.StepSubtype, 0, len(r.runners))
	for s := range r.runners {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// The trigger's filter is applied when the contact enters the automation;
// running the trigger as a step has no side effect.
func runTrigger(context.Context, *domain.AutomationStep, *domain.Contact, ExecutionContext) (Outcome, error) {
	return Outcome{}, nil
}

func branch(i int) Outcome {
	return Outcome{Branch: &i}
}
