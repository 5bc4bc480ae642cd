package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

type memTemplates struct {
	mu        sync.Mutex
	templates map[int64]*workflow.WorkflowTemplate
	running   map[int64]int
	nextID    int64
}

func newMemTemplates() *memTemplates {
	return &memTemplates{
		templates: make(map[int64]*workflow.WorkflowTemplate),
		running:   make(map[int64]int),
	}
}

func (m *memTemplates) Create(_ context.Context, tpl *workflow.WorkflowTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tpl.ID = m.nextID
	c := *tpl
	m.templates[tpl.ID] = &c
	return nil
}

func (m *memTemplates) GetByID(_ context.Context, id int64) (*workflow.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, nil
	}
	c := *tpl
	return &c, nil
}

func (m *memTemplates) GetActiveByName(_ context.Context, name string) (*workflow.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tpl := range m.templates {
		if tpl.Name == name && tpl.Active {
			c := *tpl
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memTemplates) Update(_ context.Context, tpl *workflow.WorkflowTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tpl
	m.templates[tpl.ID] = &c
	return nil
}

func (m *memTemplates) Deactivate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tpl, ok := m.templates[id]; ok {
		tpl.Active = false
	}
	return nil
}

func (m *memTemplates) List(_ context.Context, limit, offset int) ([]*workflow.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.WorkflowTemplate
	for _, tpl := range m.templates {
		c := *tpl
		out = append(out, &c)
	}
	return out, nil
}

func (m *memTemplates) CountRunningByTemplate(_ context.Context, templateID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[templateID], nil
}

func validTemplate() *workflow.WorkflowTemplate {
	return &workflow.WorkflowTemplate{
		Name:       "tender-approval",
		EntityType: "tender",
		Steps: []workflow.StepBlueprint{
			{Order: 1, Name: "Department review", ApproverIDs: []string{"alice"}},
			{Order: 2, Name: "Finance review", ApproverRole: "FINANCE"},
		},
	}
}

func newService() (*TemplateService, *memTemplates) {
	store := newMemTemplates()
	return NewTemplateService(store, store, zap.NewNop()), store
}

func TestCreateTemplate(t *testing.T) {
	t.Run("stores a valid template as active version 1", func(t *testing.T) {
		svc, _ := newService()

		tpl, err := svc.Create(context.Background(), validTemplate())
		require.NoError(t, err)
		assert.NotZero(t, tpl.ID)
		assert.Equal(t, 1, tpl.Version)
		assert.True(t, tpl.Active)
	})

	t.Run("rejects an invalid template", func(t *testing.T) {
		svc, _ := newService()
		bad := validTemplate()
		bad.Steps[1].Order = 5 // gap in ordering

		_, err := svc.Create(context.Background(), bad)
		assert.ErrorIs(t, err, workflow.ErrValidation)
	})

	t.Run("deactivates a previous active template with the same name", func(t *testing.T) {
		svc, store := newService()

		first, err := svc.Create(context.Background(), validTemplate())
		require.NoError(t, err)
		second, err := svc.Create(context.Background(), validTemplate())
		require.NoError(t, err)

		old, err := store.GetByID(context.Background(), first.ID)
		require.NoError(t, err)
		assert.False(t, old.Active)

		current, err := store.GetActiveByName(context.Background(), "tender-approval")
		require.NoError(t, err)
		assert.Equal(t, second.ID, current.ID)
	})
}

func TestUpdateTemplate(t *testing.T) {
	t.Run("updates in place without running instances", func(t *testing.T) {
		svc, _ := newService()
		created, err := svc.Create(context.Background(), validTemplate())
		require.NoError(t, err)

		edit := validTemplate()
		edit.Steps = edit.Steps[:1]
		updated, err := svc.Update(context.Background(), created.ID, edit)
		require.NoError(t, err)

		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, 1, updated.Version)
		assert.Len(t, updated.Steps, 1)
	})

	t.Run("creates a new version when instances are running", func(t *testing.T) {
		svc, store := newService()
		created, err := svc.Create(context.Background(), validTemplate())
		require.NoError(t, err)
		store.running[created.ID] = 3

		edit := validTemplate()
		updated, err := svc.Update(context.Background(), created.ID, edit)
		require.NoError(t, err)

		assert.NotEqual(t, created.ID, updated.ID)
		assert.Equal(t, 2, updated.Version)
		assert.True(t, updated.Active)

		// The pinned version survives, retired
		old, err := store.GetByID(context.Background(), created.ID)
		require.NoError(t, err)
		assert.False(t, old.Active)
		assert.Equal(t, 1, old.Version)
	})

	t.Run("fails for an unknown template", func(t *testing.T) {
		svc, _ := newService()
		_, err := svc.Update(context.Background(), 404, validTemplate())
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})
}

func TestDeactivateTemplate(t *testing.T) {
	svc, store := newService()
	created, err := svc.Create(context.Background(), validTemplate())
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(context.Background(), created.ID))
	tpl, err := store.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, tpl.Active)

	assert.ErrorIs(t, svc.Deactivate(context.Background(), 404), workflow.ErrNotFound)
}
