package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/parapheur/internal/definition"
	"github.com/pitabwire/parapheur/model"
)

// InstanceStore persists workflow instances and their action history.
type InstanceStore interface {
	// Create persists a new instance. Returns CONFLICT if the id exists.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves an instance by id. Returns NOT_FOUND if absent.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// ApplyAction writes the updated instance and appends entry in one
	// atomic step. instance.Version must equal the stored version; the
	// stored version is then incremented. Returns CONFLICT on mismatch.
	ApplyAction(ctx context.Context, instance model.WorkflowInstance, entry model.WorkflowActionEntry) (model.WorkflowInstance, error)

	// History returns the action entries of an instance ordered by creation.
	History(ctx context.Context, instanceID string) ([]model.WorkflowActionEntry, error)

	// List returns one page of instances matching q and the total count.
	List(ctx context.Context, q ListQuery) ([]model.WorkflowInstance, int, error)

	// EscalateOverdue marks every pending or in_progress instance whose
	// deadline is strictly before now as escalated with urgent priority,
	// appends a system escalate entry for each, and returns their ids.
	EscalateOverdue(ctx context.Context, now time.Time) ([]string, error)
}

// ListQuery filters an instance listing at the store level.
type ListQuery struct {
	Status      model.Status
	DossierType string
	Priority    model.Priority
	CreatedBy   string

	// When RestrictToSteps is set only instances whose (definition,
	// current step) pair is in Steps match. An empty Steps matches nothing.
	RestrictToSteps bool
	Steps           []definition.StepAssignment

	Limit  int
	Offset int
}

func (q ListQuery) matches(inst model.WorkflowInstance) bool {
	if q.Status != "" && inst.Status != q.Status {
		return false
	}
	if q.DossierType != "" && inst.DossierType != q.DossierType {
		return false
	}
	if q.Priority != "" && inst.Priority != q.Priority {
		return false
	}
	if q.CreatedBy != "" && inst.CreatedBy != q.CreatedBy {
		return false
	}
	if q.RestrictToSteps {
		for _, s := range q.Steps {
			if s.DefinitionID == inst.DefinitionID && s.StepIndex == inst.CurrentStep {
				return true
			}
		}
		return false
	}
	return true
}

// escalationComment is recorded on system escalate entries.
const escalationComment = "deadline passed"
