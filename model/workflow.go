package model

import "time"

// Status is the lifecycle state of a workflow instance.
type Status string

// Workflow instance status constants.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusEscalated  Status = "escalated"
)

// IsTerminal reports whether no further actions are accepted in this status.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCancelled, StatusEscalated:
		return true
	}
	return false
}

// Priority is the urgency of a workflow instance.
type Priority string

// Priority constants.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ActionKind is the kind of action an actor performs on an instance.
type ActionKind string

// Action kinds.
const (
	ActionSubmit   ActionKind = "submit"
	ActionApprove  ActionKind = "approve"
	ActionReject   ActionKind = "reject"
	ActionReturn   ActionKind = "return"
	ActionEscalate ActionKind = "escalate"
	ActionCancel   ActionKind = "cancel"
	ActionComment  ActionKind = "comment"
)

// Valid reports whether a is one of the seven action kinds.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionSubmit, ActionApprove, ActionReject, ActionReturn, ActionEscalate, ActionCancel, ActionComment:
		return true
	}
	return false
}

// SystemActorID identifies history entries written by the engine itself.
const SystemActorID = "system"

// WorkflowStep is one stage of a workflow definition.
type WorkflowStep struct {
	Index          int      `yaml:"index"            json:"index"`
	Name           string   `yaml:"name"             json:"name"`
	Description    string   `yaml:"description"      json:"description,omitempty"`
	RequiredRoles  []string `yaml:"required_roles"   json:"required_roles,omitempty"`
	RequiredUserID string   `yaml:"required_user_id" json:"required_user_id,omitempty"`
	Optional       bool     `yaml:"optional"         json:"optional,omitempty"`
	DeadlineHours  int      `yaml:"deadline_hours"   json:"deadline_hours,omitempty"`
	ActionLabel    string   `yaml:"action_label"     json:"action_label"`
}

// Rule returns the authorization rule gating this step.
func (s WorkflowStep) Rule() AuthorizationRule {
	return RuleFor(s.RequiredRoles, s.RequiredUserID)
}

// Deadline returns the step's deadline duration, if it has one.
func (s WorkflowStep) Deadline() (time.Duration, bool) {
	if s.DeadlineHours <= 0 {
		return 0, false
	}
	return time.Duration(s.DeadlineHours) * time.Hour, true
}

// Summary returns the step-summary shape exposed to callers.
func (s WorkflowStep) Summary() *StepSummary {
	return &StepSummary{
		Index:          s.Index,
		Name:           s.Name,
		ActionLabel:    s.ActionLabel,
		RequiredRoles:  s.RequiredRoles,
		RequiredUserID: s.RequiredUserID,
		DeadlineHours:  s.DeadlineHours,
	}
}

// StepSummary is a lightweight view of a step returned after transitions.
type StepSummary struct {
	Index          int      `json:"index"`
	Name           string   `json:"name"`
	ActionLabel    string   `json:"action_label"`
	RequiredRoles  []string `json:"required_roles,omitempty"`
	RequiredUserID string   `json:"required_user_id,omitempty"`
	DeadlineHours  int      `json:"deadline_hours,omitempty"`
}

// WorkflowDefinition is an immutable, ordered approval circuit.
type WorkflowDefinition struct {
	ID          string         `yaml:"id"          json:"id"`
	Type        string         `yaml:"type"        json:"type"`
	Name        string         `yaml:"name"        json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Steps       []WorkflowStep `yaml:"steps"       json:"steps"`
	CreatedBy   string         `yaml:"created_by"  json:"created_by"`
	CreatedAt   time.Time      `yaml:"created_at"  json:"created_at"`
}

// StepAt returns the step at index. ok is false once index has moved past
// the last step, which is how a completed run is represented.
func (d WorkflowDefinition) StepAt(index int) (step WorkflowStep, ok bool) {
	if index < 0 || index >= len(d.Steps) {
		return WorkflowStep{}, false
	}
	return d.Steps[index], true
}

// WorkflowInstance is one run of a definition bound to a dossier.
type WorkflowInstance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	DossierID    string         `json:"dossier_id"`
	DossierType  string         `json:"dossier_type"`
	CurrentStep  int            `json:"current_step"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	DueBy        *time.Time     `json:"due_by,omitempty"` // caller-supplied deadline, fallback for steps without hours
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CreatedBy    string         `json:"created_by"`
	Version      int            `json:"version"`
}

// WorkflowActionEntry is an immutable audit record of one action.
type WorkflowActionEntry struct {
	ID          string     `json:"id"`
	InstanceID  string     `json:"instance_id"`
	StepIndex   int        `json:"step_index"`
	Action      ActionKind `json:"action"`
	ActorID     string     `json:"actor_id"`
	ActorEmail  string     `json:"actor_email,omitempty"`
	ActorRole   string     `json:"actor_role,omitempty"`
	Comment     string     `json:"comment,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Actor is the identity performing an action.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// StartInput carries the parameters for starting an instance.
type StartInput struct {
	DefinitionID string         `json:"definition_id"`
	DossierID    string         `json:"dossier_id"`
	DossierType  string         `json:"dossier_type"`
	Priority     Priority       `json:"priority,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	CreatedBy    string         `json:"created_by"`
}

// ActionInput carries the parameters of one actor action.
type ActionInput struct {
	Action      ActionKind `json:"action"`
	Comment     string     `json:"comment,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
}

// ActionResult is returned by the action processor.
type ActionResult struct {
	Success     bool         `json:"success"`
	NextStep    *StepSummary `json:"next_step,omitempty"`
	Status      Status       `json:"status"`
	CurrentStep int          `json:"current_step"`
}

// InstanceDetail is an instance with its resolved definition and history.
type InstanceDetail struct {
	Instance     WorkflowInstance      `json:"instance"`
	WorkflowName string                `json:"workflow_name"`
	Steps        []WorkflowStep        `json:"steps"`
	CurrentStep  *StepSummary          `json:"current_step_detail,omitempty"`
	History      []WorkflowActionEntry `json:"history"`
}

// InstanceFilters narrow an instance listing.
type InstanceFilters struct {
	Status      Status
	DossierType string
	Priority    Priority
	Role        string
	CreatedBy   string
	Limit       int
	Offset      int
}

// Listing page size bounds.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize applies the default limit, the limit cap and a non-negative offset.
func (f InstanceFilters) Normalize() InstanceFilters {
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// InstancePage is one page of an instance listing.
type InstancePage struct {
	Items  []WorkflowInstance `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}
