package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/parapheur/model"
)

// MemoryStore is an in-memory InstanceStore. A single mutex makes every
// operation, including ApplyAction and EscalateOverdue, atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance      // key: instance ID
	history   map[string][]model.WorkflowActionEntry // key: instance ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		history:   make(map[string][]model.WorkflowActionEntry),
	}
}

// Create persists a new workflow instance.
func (s *MemoryStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, notFound(instanceID)
	}
	return cloneInstance(inst), nil
}

// ApplyAction persists an updated instance with optimistic locking and
// appends its history entry under the same lock.
func (s *MemoryStore) ApplyAction(_ context.Context, inst model.WorkflowInstance, entry model.WorkflowActionEntry) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.WorkflowInstance{}, notFound(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	s.instances[inst.ID] = cloneInstance(inst)
	s.history[inst.ID] = append(s.history[inst.ID], entry)
	return cloneInstance(inst), nil
}

// History returns the entries of an instance ordered by creation time.
func (s *MemoryStore) History(_ context.Context, instanceID string) ([]model.WorkflowActionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, notFound(instanceID)
	}

	entries := s.history[instanceID]
	result := make([]model.WorkflowActionEntry, len(entries))
	copy(result, entries)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// List returns matching instances, newest first.
func (s *MemoryStore) List(_ context.Context, q ListQuery) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if q.matches(inst) {
			result = append(result, inst)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})

	total := len(result)
	if q.Offset > 0 {
		if q.Offset >= len(result) {
			return []model.WorkflowInstance{}, total, nil
		}
		result = result[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}

	page := make([]model.WorkflowInstance, len(result))
	for i, inst := range result {
		page[i] = cloneInstance(inst)
	}
	return page, total, nil
}

// EscalateOverdue escalates overdue instances and records a system entry
// for each one.
func (s *MemoryStore) EscalateOverdue(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, inst := range s.instances {
		if inst.Status != model.StatusPending && inst.Status != model.StatusInProgress {
			continue
		}
		if inst.Deadline == nil || !inst.Deadline.Before(now) {
			continue
		}

		inst.Status = model.StatusEscalated
		inst.Priority = model.PriorityUrgent
		inst.UpdatedAt = now
		inst.Version++
		s.instances[id] = inst
		s.history[id] = append(s.history[id], systemEscalation(inst, now))
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the total number of instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func systemEscalation(inst model.WorkflowInstance, now time.Time) model.WorkflowActionEntry {
	return model.WorkflowActionEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		StepIndex:  inst.CurrentStep,
		Action:     model.ActionEscalate,
		ActorID:    model.SystemActorID,
		Comment:    escalationComment,
		CreatedAt:  now,
	}
}

func notFound(instanceID string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	if inst.Metadata != nil {
		md := make(map[string]any, len(inst.Metadata))
		for k, v := range inst.Metadata {
			md[k] = v
		}
		inst.Metadata = md
	}
	if inst.Deadline != nil {
		d := *inst.Deadline
		inst.Deadline = &d
	}
	if inst.DueBy != nil {
		d := *inst.DueBy
		inst.DueBy = &d
	}
	if inst.CompletedAt != nil {
		c := *inst.CompletedAt
		inst.CompletedAt = &c
	}
	return inst
}
