package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/parapheur/model"
)

// Persister stores registered definitions durably so they survive restarts.
type Persister interface {
	SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error
	ListDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error)
}

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	byID     map[string]model.WorkflowDefinition
	checksum string
}

// Catalog is a read-optimized, thread-safe store of workflow definitions.
// Reads are lock-free via atomic pointer swap; writers are serialized.
type Catalog struct {
	snap      atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	validator *Validator
	persister Persister
	logger    *zap.Logger
	now       func() time.Time
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithPersister makes Register write definitions through p.
func WithPersister(p Persister) CatalogOption {
	return func(c *Catalog) { c.persister = p }
}

// WithLogger sets the catalog logger.
func WithLogger(l *zap.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = l }
}

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) { c.now = now }
}

// NewCatalog creates an empty Catalog.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		validator: NewValidator(),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(buildSnapshot(nil))
	return c
}

func buildSnapshot(defs map[string]model.WorkflowDefinition) *snapshot {
	s := &snapshot{byID: make(map[string]model.WorkflowDefinition, len(defs))}
	ids := make([]string, 0, len(defs))
	for id, d := range defs {
		s.byID[id] = d
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(ids, ":"))))
	return s
}

func (c *Catalog) current() *snapshot {
	return c.snap.Load()
}

// Register validates def, assigns an id and creation time when missing,
// persists it when a Persister is configured, and publishes it to readers.
func (c *Catalog) Register(ctx context.Context, def model.WorkflowDefinition) (string, error) {
	if errs := c.validator.Validate(def); len(errs) > 0 {
		return "", AsValidationError(errs)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = c.now()
	}
	def.Steps = cloneSteps(def.Steps)

	cur := c.current()
	if _, exists := cur.byID[def.ID]; exists {
		return "", model.NewConflictError(fmt.Sprintf("workflow definition %q already exists", def.ID))
	}

	if c.persister != nil {
		if err := c.persister.SaveDefinition(ctx, def); err != nil {
			return "", err
		}
	}

	c.install(cur, def)
	c.logger.Info("workflow definition registered",
		zap.String("definition_id", def.ID),
		zap.String("type", def.Type),
		zap.Int("steps", len(def.Steps)),
	)
	return def.ID, nil
}

// Load installs definitions that come from configuration or a persister.
// Every definition is validated first and nothing is installed on error.
// Definitions whose id is already present are skipped.
func (c *Catalog) Load(defs []model.WorkflowDefinition) error {
	if errs := c.validator.ValidateAll(defs); len(errs) > 0 {
		return fmt.Errorf("invalid workflow definitions: %w", AsValidationError(errs))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	next := make(map[string]model.WorkflowDefinition, len(cur.byID)+len(defs))
	for id, d := range cur.byID {
		next[id] = d
	}
	for _, def := range defs {
		if def.ID == "" {
			return model.NewBadRequestError(fmt.Sprintf("workflow definition %q has no id", def.Name))
		}
		if _, exists := next[def.ID]; exists {
			continue
		}
		if def.CreatedAt.IsZero() {
			def.CreatedAt = c.now()
		}
		def.Steps = cloneSteps(def.Steps)
		next[def.ID] = def
	}
	c.snap.Store(buildSnapshot(next))
	return nil
}

// Restore loads every definition the persister holds.
func (c *Catalog) Restore(ctx context.Context) (int, error) {
	if c.persister == nil {
		return 0, nil
	}
	defs, err := c.persister.ListDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted definitions: %w", err)
	}
	if err := c.Load(defs); err != nil {
		return 0, err
	}
	return len(defs), nil
}

func (c *Catalog) install(cur *snapshot, def model.WorkflowDefinition) {
	next := make(map[string]model.WorkflowDefinition, len(cur.byID)+1)
	for id, d := range cur.byID {
		next[id] = d
	}
	next[def.ID] = def
	c.snap.Store(buildSnapshot(next))
}

// Lookup returns the definition with the given id or a NOT_FOUND error.
func (c *Catalog) Lookup(id string) (model.WorkflowDefinition, error) {
	d, ok := c.current().byID[id]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", id),
		)
	}
	return d, nil
}

// List returns definitions sorted by type then name. An empty defType
// returns every definition.
func (c *Catalog) List(defType string) []model.WorkflowDefinition {
	s := c.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.byID))
	for _, d := range s.byID {
		if defType != "" && d.Type != defType {
			continue
		}
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Type != defs[j].Type {
			return defs[i].Type < defs[j].Type
		}
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].ID < defs[j].ID
	})
	return defs
}

// StepAssignment identifies one step of one definition.
type StepAssignment struct {
	DefinitionID string
	StepIndex    int
}

// AssignmentsForRole returns every (definition, step) pair whose required
// roles contain role. Listing uses it to find instances awaiting a role.
func (c *Catalog) AssignmentsForRole(role string) []StepAssignment {
	if role == "" {
		return nil
	}
	var out []StepAssignment
	for _, d := range c.List("") {
		for _, s := range d.Steps {
			for _, r := range s.RequiredRoles {
				if r == role {
					out = append(out, StepAssignment{DefinitionID: d.ID, StepIndex: s.Index})
					break
				}
			}
		}
	}
	return out
}

// Len returns the number of loaded definitions.
func (c *Catalog) Len() int {
	return len(c.current().byID)
}

// Checksum returns a digest of the loaded definition ids.
func (c *Catalog) Checksum() string {
	return c.current().checksum
}

func cloneSteps(steps []model.WorkflowStep) []model.WorkflowStep {
	out := make([]model.WorkflowStep, len(steps))
	for i, s := range steps {
		s.RequiredRoles = append([]string(nil), s.RequiredRoles...)
		out[i] = s
	}
	return out
}
