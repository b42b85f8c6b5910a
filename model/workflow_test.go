package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusInProgress: false,
		StatusEscalated:  false,
		StatusApproved:   true,
		StatusRejected:   true,
		StatusCancelled:  true,
	}
	for status, want := range terminal {
		assert.Equal(t, want, status.IsTerminal(), string(status))
		assert.True(t, status.Valid(), string(status))
	}
	assert.False(t, Status("archived").Valid())
}

func TestPriority_Valid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent} {
		assert.True(t, p.Valid(), string(p))
	}
	assert.False(t, Priority("critical").Valid())
	assert.False(t, Priority("").Valid())
}

func TestActionKind_Valid(t *testing.T) {
	kinds := []ActionKind{
		ActionSubmit, ActionApprove, ActionReject, ActionReturn,
		ActionEscalate, ActionCancel, ActionComment,
	}
	for _, k := range kinds {
		assert.True(t, k.Valid(), string(k))
	}
	assert.False(t, ActionKind("delete").Valid())
}

func TestWorkflowDefinition_StepAt(t *testing.T) {
	def := WorkflowDefinition{Steps: []WorkflowStep{
		{Index: 0, Name: "Drafting"},
		{Index: 1, Name: "Signature"},
	}}

	step, ok := def.StepAt(1)
	assert.True(t, ok)
	assert.Equal(t, "Signature", step.Name)

	_, ok = def.StepAt(2)
	assert.False(t, ok, "index == len(steps) is the completed sentinel")

	_, ok = def.StepAt(-1)
	assert.False(t, ok)
}

func TestWorkflowStep_Deadline(t *testing.T) {
	d, ok := WorkflowStep{DeadlineHours: 48}.Deadline()
	assert.True(t, ok)
	assert.Equal(t, 48*time.Hour, d)

	_, ok = WorkflowStep{}.Deadline()
	assert.False(t, ok)
}

func TestWorkflowStep_Summary(t *testing.T) {
	step := WorkflowStep{
		Index: 2, Name: "Countersignature", ActionLabel: "Countersign",
		RequiredRoles: []string{"ministry"}, DeadlineHours: 24,
	}
	s := step.Summary()
	assert.Equal(t, 2, s.Index)
	assert.Equal(t, "Countersignature", s.Name)
	assert.Equal(t, "Countersign", s.ActionLabel)
	assert.Equal(t, []string{"ministry"}, s.RequiredRoles)
	assert.Equal(t, 24, s.DeadlineHours)
}

func TestInstanceFilters_Normalize(t *testing.T) {
	tests := []struct {
		name       string
		in         InstanceFilters
		wantLimit  int
		wantOffset int
	}{
		{"defaults", InstanceFilters{}, DefaultPageLimit, 0},
		{"capped", InstanceFilters{Limit: 1000}, MaxPageLimit, 0},
		{"kept", InstanceFilters{Limit: 10, Offset: 20}, 10, 20},
		{"negative offset", InstanceFilters{Limit: 5, Offset: -3}, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.wantLimit, got.Limit)
			assert.Equal(t, tt.wantOffset, got.Offset)
		})
	}
}
