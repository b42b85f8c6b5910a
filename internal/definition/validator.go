package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/parapheur/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions structurally before they enter the
// catalog.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a single definition and returns every problem found.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if strings.TrimSpace(def.Type) == "" {
		errs = append(errs, VError{Path: "type", Code: "REQUIRED", Message: "type is required"})
	}
	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	for i, step := range def.Steps {
		errs = append(errs, v.validateStep(fmt.Sprintf("steps[%d]", i), i, step)...)
	}
	return errs
}

// ValidateAll checks several definitions and prefixes each error path with
// the definition position. Duplicate ids are reported too.
func (v *Validator) ValidateAll(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]int, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.ID != "" {
			if first, dup := seen[def.ID]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".id",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("id %q already used by definitions[%d]", def.ID, first),
				})
			} else {
				seen[def.ID] = i
			}
		}
		for _, e := range v.Validate(def) {
			e.Path = prefix + "." + e.Path
			errs = append(errs, e)
		}
	}
	return errs
}

func (v *Validator) validateStep(prefix string, position int, step model.WorkflowStep) []VError {
	var errs []VError

	if step.Index != position {
		errs = append(errs, VError{
			Path:    prefix + ".index",
			Code:    "NOT_CONTIGUOUS",
			Message: fmt.Sprintf("step index %d must equal its position %d", step.Index, position),
		})
	}
	if strings.TrimSpace(step.Name) == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
	}
	if !hasRole(step.RequiredRoles) && strings.TrimSpace(step.RequiredUserID) == "" {
		errs = append(errs, VError{
			Path:    prefix + ".required_roles",
			Code:    "NO_AUTHORIZATION",
			Message: "step needs required_roles or required_user_id",
		})
	}
	if step.DeadlineHours < 0 {
		errs = append(errs, VError{
			Path:    prefix + ".deadline_hours",
			Code:    "INVALID_VALUE",
			Message: "deadline_hours must not be negative",
		})
	}
	return errs
}

func hasRole(roles []string) bool {
	for _, r := range roles {
		if strings.TrimSpace(r) != "" {
			return true
		}
	}
	return false
}

// AsValidationError converts validation errors into the VALIDATION_ERROR
// envelope returned to callers.
func AsValidationError(errs []VError) *model.ErrorEnvelope {
	details := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		details = append(details, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return model.NewValidationError(details)
}
