package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/parapheur/internal/definition"
	"github.com/pitabwire/parapheur/internal/notify"
	"github.com/pitabwire/parapheur/internal/observability"
	"github.com/pitabwire/parapheur/model"
)

// DefinitionSource resolves workflow definitions for the engine.
type DefinitionSource interface {
	Lookup(id string) (model.WorkflowDefinition, error)
	AssignmentsForRole(role string) []definition.StepAssignment
}

// Engine starts workflow instances and drives them through their steps.
type Engine struct {
	definitions DefinitionSource
	store       InstanceStore
	sink        notify.EventSink
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	locks       instanceLocks
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEventSink sets where workflow events are published.
func WithEventSink(sink notify.EventSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(definitions DefinitionSource, store InstanceStore, opts ...EngineOption) *Engine {
	e := &Engine{
		definitions: definitions,
		store:       store,
		sink:        notify.NopSink{},
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a pending instance of a definition positioned on its first
// step.
func (e *Engine) Start(ctx context.Context, in model.StartInput) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrDefinitionID.String(in.DefinitionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}
	if fieldErrs := validateStart(in); len(fieldErrs) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(fieldErrs)
	}

	def, err := e.definitions.Lookup(in.DefinitionID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	first, ok := def.StepAt(0)
	if !ok {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow definition %q has no steps", def.ID),
		)
	}

	now := e.now()
	inst = model.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		DossierID:    in.DossierID,
		DossierType:  in.DossierType,
		CurrentStep:  0,
		Status:       model.StatusPending,
		Priority:     in.Priority,
		Metadata:     in.Metadata,
		Deadline:     in.Deadline,
		DueBy:        in.Deadline,
		StartedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    in.CreatedBy,
		Version:      1,
	}
	if inst.DueBy == nil {
		enterStep(&inst, first, now)
	}

	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowStart(def.Type)
	logger := observability.RequestLogger(ctx, e.logger)
	logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.String("dossier_id", inst.DossierID),
		zap.String("priority", string(inst.Priority)),
	)
	if logger.Core().Enabled(zap.DebugLevel) && inst.Metadata != nil {
		logger.Debug("workflow metadata",
			zap.String("instance_id", inst.ID),
			zap.Any("metadata", observability.RedactBody(inst.Metadata, nil)),
		)
	}

	e.publish(ctx, notify.EventWorkflowStarted, notify.StartedPayload{
		InstanceID:    inst.ID,
		WorkflowName:  def.Name,
		DossierID:     inst.DossierID,
		DossierType:   inst.DossierType,
		NextStepName:  first.Name,
		RequiredRoles: first.RequiredRoles,
		Priority:      string(inst.Priority),
	})
	return inst, nil
}

func validateStart(in model.StartInput) []model.FieldError {
	var errs []model.FieldError
	if in.DefinitionID == "" {
		errs = append(errs, model.FieldError{Field: "definition_id", Code: "REQUIRED", Message: "definition_id is required"})
	}
	if in.DossierID == "" {
		errs = append(errs, model.FieldError{Field: "dossier_id", Code: "REQUIRED", Message: "dossier_id is required"})
	}
	if in.DossierType == "" {
		errs = append(errs, model.FieldError{Field: "dossier_type", Code: "REQUIRED", Message: "dossier_type is required"})
	}
	if in.CreatedBy == "" {
		errs = append(errs, model.FieldError{Field: "created_by", Code: "REQUIRED", Message: "created_by is required"})
	}
	if !in.Priority.Valid() {
		errs = append(errs, model.FieldError{
			Field: "priority", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("unknown priority %q", in.Priority),
		})
	}
	return errs
}

// ProcessAction applies one actor action to an instance. Authorization is
// checked before anything is written; a rejected actor leaves no trace.
func (e *Engine) ProcessAction(ctx context.Context, instanceID string, actor model.Actor, in model.ActionInput) (result model.ActionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.process_action",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrAction.String(string(in.Action)),
		observability.AttrActorID.String(actor.ID),
	)
	started := time.Now()
	defer func() {
		if err != nil {
			e.metrics.RecordWorkflowActionFailure(string(in.Action), errorCodeOf(err))
		}
		observability.EndSpanWithError(span, err)
	}()

	if !in.Action.Valid() {
		return model.ActionResult{}, model.NewValidationError([]model.FieldError{{
			Field: "action", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("unknown action %q", in.Action),
		}})
	}

	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.ActionResult{}, err
	}
	def, err := e.definitions.Lookup(inst.DefinitionID)
	if err != nil {
		return model.ActionResult{}, err
	}

	if inst.Status.IsTerminal() {
		return model.ActionResult{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status),
		)
	}
	step, ok := def.StepAt(inst.CurrentStep)
	if !ok {
		return model.ActionResult{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q has no current step", inst.ID),
		)
	}

	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("instance_id", inst.ID),
		zap.String("action", string(in.Action)),
	)

	if !model.Authorize(step.Rule(), actor) {
		logger.Warn("action forbidden",
			zap.String("step", step.Name),
			zap.String("actor_id", actor.ID),
			zap.String("actor_role", actor.Role),
		)
		return model.ActionResult{}, model.NewForbiddenError(
			fmt.Sprintf("actor is not authorized to act on step %q", step.Name),
		)
	}

	now := e.now()
	entry := model.WorkflowActionEntry{
		ID:          uuid.New().String(),
		InstanceID:  inst.ID,
		StepIndex:   inst.CurrentStep,
		Action:      in.Action,
		ActorID:     actor.ID,
		ActorEmail:  actor.Email,
		ActorRole:   actor.Role,
		Comment:     in.Comment,
		Attachments: in.Attachments,
		CreatedAt:   now,
	}

	next, nextStep := transition(def, inst, in.Action, now)

	saved, err := e.store.ApplyAction(ctx, next, entry)
	if err != nil {
		if model.IsErrorCode(err, model.ErrConflict) {
			logger.Warn("action lost a concurrent update", zap.Error(err))
		} else {
			logger.Error("persist action failed", zap.Error(err))
		}
		return model.ActionResult{}, err
	}

	e.metrics.RecordWorkflowAction(string(in.Action), string(saved.Status), time.Since(started))
	if saved.Status.IsTerminal() {
		e.metrics.RecordWorkflowCompletion(def.Type, string(saved.Status))
	}
	span.SetAttributes(observability.AttrStatus.String(string(saved.Status)))
	logger.Info("workflow action processed",
		zap.String("step", step.Name),
		zap.Int("step_index", entry.StepIndex),
		zap.String("status", string(saved.Status)),
		zap.Int("current_step", saved.CurrentStep),
	)

	result = model.ActionResult{
		Success:     true,
		Status:      saved.Status,
		CurrentStep: saved.CurrentStep,
	}
	payload := notify.ActionPayload{
		InstanceID:   saved.ID,
		WorkflowName: def.Name,
		Action:       string(in.Action),
		ActorEmail:   actor.Email,
		StepName:     step.Name,
		Status:       string(saved.Status),
	}
	if nextStep != nil {
		result.NextStep = nextStep.Summary()
		payload.NextStepName = nextStep.Name
	}
	e.publish(ctx, notify.EventWorkflowAction, payload)
	return result, nil
}

// transition computes the instance state after action. It returns the step
// the instance moved onto, if the action moved it onto one.
func transition(def model.WorkflowDefinition, inst model.WorkflowInstance, action model.ActionKind, now time.Time) (model.WorkflowInstance, *model.WorkflowStep) {
	inst.UpdatedAt = now

	switch action {
	case model.ActionSubmit, model.ActionApprove:
		inst.CurrentStep++
		next, ok := def.StepAt(inst.CurrentStep)
		if !ok {
			inst.CurrentStep = len(def.Steps)
			inst.Status = model.StatusApproved
			inst.CompletedAt = &now
			return inst, nil
		}
		inst.Status = model.StatusInProgress
		enterStep(&inst, next, now)
		return inst, &next

	case model.ActionReturn:
		inst.CurrentStep = max(inst.CurrentStep-1, 0)
		inst.Status = model.StatusInProgress
		prev, _ := def.StepAt(inst.CurrentStep)
		enterStep(&inst, prev, now)
		return inst, &prev

	case model.ActionReject:
		inst.Status = model.StatusRejected
		inst.CompletedAt = &now

	case model.ActionCancel:
		inst.Status = model.StatusCancelled
		inst.CompletedAt = &now

	case model.ActionEscalate:
		inst.Status = model.StatusEscalated
		inst.Priority = model.PriorityUrgent

	case model.ActionComment:
	}
	return inst, nil
}

// enterStep sets the instance deadline for step: now plus the step's hours,
// or the caller's deadline when the step has none.
func enterStep(inst *model.WorkflowInstance, step model.WorkflowStep, now time.Time) {
	if d, ok := step.Deadline(); ok {
		deadline := now.Add(d)
		inst.Deadline = &deadline
		return
	}
	inst.Deadline = nil
	if inst.DueBy != nil {
		dueBy := *inst.DueBy
		inst.Deadline = &dueBy
	}
}

// Get returns an instance with its definition steps and history.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.InstanceDetail, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	def, err := e.definitions.Lookup(inst.DefinitionID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	history, err := e.store.History(ctx, instanceID)
	if err != nil {
		return model.InstanceDetail{}, err
	}

	detail := model.InstanceDetail{
		Instance:     inst,
		WorkflowName: def.Name,
		Steps:        def.Steps,
		History:      history,
	}
	if step, ok := def.StepAt(inst.CurrentStep); ok {
		detail.CurrentStep = step.Summary()
	}
	return detail, nil
}

// List returns a page of instances. A role filter matches instances whose
// current step requires that role.
func (e *Engine) List(ctx context.Context, filters model.InstanceFilters) (model.InstancePage, error) {
	var fieldErrs []model.FieldError
	if filters.Status != "" && !filters.Status.Valid() {
		fieldErrs = append(fieldErrs, model.FieldError{
			Field: "status", Code: "INVALID_VALUE", Message: fmt.Sprintf("unknown status %q", filters.Status),
		})
	}
	if filters.Priority != "" && !filters.Priority.Valid() {
		fieldErrs = append(fieldErrs, model.FieldError{
			Field: "priority", Code: "INVALID_VALUE", Message: fmt.Sprintf("unknown priority %q", filters.Priority),
		})
	}
	if len(fieldErrs) > 0 {
		return model.InstancePage{}, model.NewValidationError(fieldErrs)
	}

	filters = filters.Normalize()
	q := ListQuery{
		Status:      filters.Status,
		DossierType: filters.DossierType,
		Priority:    filters.Priority,
		CreatedBy:   filters.CreatedBy,
		Limit:       filters.Limit,
		Offset:      filters.Offset,
	}
	if filters.Role != "" {
		q.RestrictToSteps = true
		q.Steps = e.definitions.AssignmentsForRole(filters.Role)
	}

	items, total, err := e.store.List(ctx, q)
	if err != nil {
		return model.InstancePage{}, err
	}
	if items == nil {
		items = []model.WorkflowInstance{}
	}
	return model.InstancePage{Items: items, Total: total, Limit: filters.Limit, Offset: filters.Offset}, nil
}

// SweepOverdue escalates every active instance whose deadline has passed
// and returns how many were escalated.
func (e *Engine) SweepOverdue(ctx context.Context) (count int, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.sweep_overdue")
	started := time.Now()
	defer func() {
		e.metrics.RecordSweep(count, time.Since(started), err)
		observability.EndSpanWithError(span, err)
	}()

	ids, err := e.store.EscalateOverdue(ctx, e.now())
	if err != nil {
		e.logger.Error("escalation sweep failed", zap.Error(err))
		return 0, err
	}
	count = len(ids)
	span.SetAttributes(observability.AttrEscalated.Int(count))
	if count == 0 {
		return 0, nil
	}

	e.logger.Info("escalated overdue instances", zap.Int("count", count), zap.Strings("instance_ids", ids))
	e.publish(ctx, notify.EventWorkflowEscalated, notify.EscalatedPayload{Count: count, InstanceIDs: ids})
	return count, nil
}

// publish hands an event to the sink. Failures never reach the caller.
func (e *Engine) publish(ctx context.Context, event string, payload any) {
	if err := e.sink.Publish(ctx, event, payload); err != nil {
		observability.LoggerFrom(ctx, e.logger).Warn("notification failed",
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func errorCodeOf(err error) string {
	if code := model.ErrorCode(err); code != "" {
		return code
	}
	return model.ErrInternalError
}

// instanceLocks serializes in-process actions per instance id.
type instanceLocks struct {
	mu    sync.Mutex
	byKey map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (l *instanceLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.byKey == nil {
		l.byKey = make(map[string]*refLock)
	}
	rl, ok := l.byKey[id]
	if !ok {
		rl = &refLock{}
		l.byKey[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.byKey, id)
		}
		l.mu.Unlock()
	}
}
