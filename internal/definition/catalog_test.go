package definition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/parapheur/model"
)

// recordingPersister keeps saved definitions in memory.
type recordingPersister struct {
	mu    sync.Mutex
	saved []model.WorkflowDefinition
	err   error
}

func (p *recordingPersister) SaveDefinition(_ context.Context, def model.WorkflowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saved = append(p.saved, def)
	return nil
}

func (p *recordingPersister) ListDefinitions(context.Context) ([]model.WorkflowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.WorkflowDefinition(nil), p.saved...), p.err
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

// --- Register ---

func TestCatalog_Register_assigns_id(t *testing.T) {
	c := NewCatalog(WithClock(fixedClock))
	def := validDefinition()
	def.ID = ""

	id, err := c.Register(context.Background(), def)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := c.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, fixedClock(), got.CreatedAt)
	assert.Equal(t, "Decree circuit", got.Name)
}

func TestCatalog_Register_validation(t *testing.T) {
	c := NewCatalog()
	def := validDefinition()
	def.Steps[1].Index = 3

	_, err := c.Register(context.Background(), def)
	require.Error(t, err)
	assert.True(t, model.IsErrorCode(err, model.ErrValidationError))
	assert.Equal(t, 0, c.Len())
}

func TestCatalog_Register_duplicate(t *testing.T) {
	c := NewCatalog()
	_, err := c.Register(context.Background(), validDefinition())
	require.NoError(t, err)

	_, err = c.Register(context.Background(), validDefinition())
	assert.True(t, model.IsErrorCode(err, model.ErrConflict))
}

func TestCatalog_Register_persists(t *testing.T) {
	p := &recordingPersister{}
	c := NewCatalog(WithPersister(p))

	id, err := c.Register(context.Background(), validDefinition())
	require.NoError(t, err)
	require.Len(t, p.saved, 1)
	assert.Equal(t, id, p.saved[0].ID)
}

func TestCatalog_Register_persist_failure(t *testing.T) {
	p := &recordingPersister{err: errors.New("db down")}
	c := NewCatalog(WithPersister(p))

	_, err := c.Register(context.Background(), validDefinition())
	require.Error(t, err)
	_, lookupErr := c.Lookup("wf-1")
	assert.True(t, model.IsErrorCode(lookupErr, model.ErrNotFound), "failed persist must not publish")
}

func TestCatalog_Register_isolated_from_caller(t *testing.T) {
	c := NewCatalog()
	def := validDefinition()
	_, err := c.Register(context.Background(), def)
	require.NoError(t, err)

	def.Steps[0].RequiredRoles[0] = "tampered"
	got, _ := c.Lookup("wf-1")
	assert.Equal(t, "ministry", got.Steps[0].RequiredRoles[0])
}

// --- Lookup / List ---

func TestCatalog_Lookup_not_found(t *testing.T) {
	_, err := NewCatalog().Lookup("missing")
	assert.True(t, model.IsErrorCode(err, model.ErrNotFound))
}

func TestCatalog_List(t *testing.T) {
	c := NewCatalog()
	builtins, err := NewLoader().LoadBuiltins()
	require.NoError(t, err)
	require.NoError(t, c.Load(builtins))

	all := c.List("")
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Type, all[i].Type)
	}

	decrees := c.List("decret")
	require.Len(t, decrees, 1)
	assert.Equal(t, "builtin-decret", decrees[0].ID)

	assert.Empty(t, c.List("unknown"))
}

// --- Load / Restore ---

func TestCatalog_Load_rejects_invalid_batch(t *testing.T) {
	c := NewCatalog()
	bad := validDefinition()
	bad.ID = "bad"
	bad.Steps = nil

	err := c.Load([]model.WorkflowDefinition{validDefinition(), bad})
	require.Error(t, err)
	assert.True(t, model.IsErrorCode(err, model.ErrValidationError))
	assert.Equal(t, 0, c.Len())
}

func TestCatalog_Load_skips_existing(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Load([]model.WorkflowDefinition{validDefinition()}))

	again := validDefinition()
	again.Name = "Renamed"
	require.NoError(t, c.Load([]model.WorkflowDefinition{again}))

	got, _ := c.Lookup("wf-1")
	assert.Equal(t, "Decree circuit", got.Name)
}

func TestCatalog_Restore(t *testing.T) {
	p := &recordingPersister{saved: []model.WorkflowDefinition{validDefinition()}}
	c := NewCatalog(WithPersister(p))

	n, err := c.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = c.Lookup("wf-1")
	assert.NoError(t, err)
}

func TestCatalog_AssignmentsForRole(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Load([]model.WorkflowDefinition{validDefinition()}))

	got := c.AssignmentsForRole("legal_advisor")
	assert.Equal(t, []StepAssignment{{DefinitionID: "wf-1", StepIndex: 1}}, got)
	assert.Empty(t, c.AssignmentsForRole("presidency"))
	assert.Nil(t, c.AssignmentsForRole(""))
}

func TestCatalog_Checksum_changes(t *testing.T) {
	c := NewCatalog()
	before := c.Checksum()
	require.NoError(t, c.Load([]model.WorkflowDefinition{validDefinition()}))
	assert.NotEqual(t, before, c.Checksum())
}

func TestCatalog_concurrent_access(t *testing.T) {
	c := NewCatalog()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			def := validDefinition()
			def.ID = fmt.Sprintf("wf-%d", n)
			_, _ = c.Register(context.Background(), def)
		}(i)
		go func() {
			defer wg.Done()
			_ = c.List("")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, c.Len())
}
