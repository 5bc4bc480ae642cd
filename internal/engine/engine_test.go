package engine

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/directory"
	"github.com/procurio/tender-workflow/internal/domain/event"
	"github.com/procurio/tender-workflow/internal/domain/workflow"
	"github.com/procurio/tender-workflow/internal/notification"
)

// memStore is an in-memory implementation of all engine stores. Reads return
// clones so mutations only persist through Update, matching the repositories.
type memStore struct {
	mu        sync.Mutex
	templates map[int64]*workflow.WorkflowTemplate
	instances map[int64]*workflow.WorkflowInstance
	steps     map[int64]*workflow.WorkflowStep
	actions   []*workflow.WorkflowAction
	timers    map[int64]*workflow.StepTimer
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		templates: make(map[int64]*workflow.WorkflowTemplate),
		instances: make(map[int64]*workflow.WorkflowInstance),
		steps:     make(map[int64]*workflow.WorkflowStep),
		timers:    make(map[int64]*workflow.StepTimer),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func cloneStep(src *workflow.WorkflowStep) *workflow.WorkflowStep {
	c := *src
	c.ApproverIDs = append([]string(nil), src.ApproverIDs...)
	if src.Metadata != nil {
		c.Metadata = maps.Clone(src.Metadata)
	}
	return &c
}

func cloneInstance(src *workflow.WorkflowInstance) *workflow.WorkflowInstance {
	c := *src
	if src.Context != nil {
		c.Context = maps.Clone(src.Context)
	}
	return &c
}

func (s *memStore) GetByID(ctx context.Context, id int64) (*workflow.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	c := *tpl
	return &c, nil
}

type instanceStore struct{ *memStore }

func (s instanceStore) Create(ctx context.Context, inst *workflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.ID = s.id()
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s instanceStore) GetByID(ctx context.Context, id int64) (*workflow.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return cloneInstance(inst), nil
}

func (s instanceStore) Update(ctx context.Context, inst *workflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

type stepStore struct{ *memStore }

func (s stepStore) CreateBatch(ctx context.Context, steps []*workflow.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps {
		step.ID = s.id()
		s.steps[step.ID] = cloneStep(step)
	}
	return nil
}

func (s stepStore) GetByID(ctx context.Context, id int64) (*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, nil
	}
	return cloneStep(step), nil
}

func (s stepStore) GetByInstanceAndOrder(ctx context.Context, instanceID int64, order int) (*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps {
		if step.InstanceID == instanceID && step.Order == order {
			return cloneStep(step), nil
		}
	}
	return nil, nil
}

func (s stepStore) ListByInstance(ctx context.Context, instanceID int64) ([]*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.WorkflowStep
	for _, step := range s.steps {
		if step.InstanceID == instanceID {
			out = append(out, cloneStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s stepStore) ListActive(ctx context.Context) ([]*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.WorkflowStep
	for _, step := range s.steps {
		if step.Status == workflow.StepActive {
			out = append(out, cloneStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s stepStore) Update(ctx context.Context, step *workflow.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ID] = cloneStep(step)
	return nil
}

type actionStore struct{ *memStore }

func (s actionStore) Create(ctx context.Context, action *workflow.WorkflowAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	action.ID = s.id()
	c := *action
	s.actions = append(s.actions, &c)
	return nil
}

func (s actionStore) ListByInstance(ctx context.Context, instanceID int64) ([]*workflow.WorkflowAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.WorkflowAction
	for _, a := range s.actions {
		if a.InstanceID == instanceID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s actionStore) ListByStep(ctx context.Context, stepID int64) ([]*workflow.WorkflowAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.WorkflowAction
	for _, a := range s.actions {
		if a.StepID == stepID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

type timerStore struct{ *memStore }

func (s timerStore) Create(ctx context.Context, timer *workflow.StepTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer.ID = s.id()
	c := *timer
	s.timers[timer.ID] = &c
	return nil
}

func (s timerStore) DeleteByStep(ctx context.Context, stepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		if t.StepID == stepID && t.FiredAt == nil {
			delete(s.timers, id)
		}
	}
	return nil
}

func (s timerStore) DeleteByInstance(ctx context.Context, instanceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		if t.InstanceID == instanceID && t.FiredAt == nil {
			delete(s.timers, id)
		}
	}
	return nil
}

func (s *memStore) pendingTimers(instanceID int64) []*workflow.StepTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.StepTimer
	for _, t := range s.timers {
		if t.InstanceID == instanceID && t.FiredAt == nil {
			out = append(out, t)
		}
	}
	return out
}

// capturePublisher records every published event in order
type capturePublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *capturePublisher) Publish(ctx context.Context, evt *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) PublishAsync(ctx context.Context, evt *event.Event) {
	_ = p.Publish(ctx, evt)
}

func (p *capturePublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type delivery struct {
	PrincipalID string
	Channel     notification.Channel
	Subject     string
}

type captureSink struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (s *captureSink) Notify(_ context.Context, p *directory.Principal, channel notification.Channel, subject, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{PrincipalID: p.ID, Channel: channel, Subject: subject})
	return nil
}

func (s *captureSink) recipients() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, d := range s.deliveries {
		out[d.PrincipalID] = true
	}
	return out
}

type captureWebhook struct {
	mu    sync.Mutex
	calls []string
}

func (w *captureWebhook) Dispatch(_ context.Context, url string, _ map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, url)
	return nil
}

type staticDirectory struct {
	principals map[string]*directory.Principal
}

func (d *staticDirectory) FindByID(_ context.Context, id string) (*directory.Principal, error) {
	return d.principals[id], nil
}

func (d *staticDirectory) FindByRole(_ context.Context, role string) ([]*directory.Principal, error) {
	var out []*directory.Principal
	for _, p := range d.principals {
		if p.Role == role {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store   *memStore
	pub     *capturePublisher
	sink    *captureSink
	webhook *captureWebhook
	clock   *fakeClock
	engine  *Engine
}

func newFixture(t *testing.T, principals ...*directory.Principal) *fixture {
	t.Helper()

	dir := &staticDirectory{principals: make(map[string]*directory.Principal)}
	for _, p := range principals {
		dir.principals[p.ID] = p
	}

	f := &fixture{
		store:   newMemStore(),
		pub:     &capturePublisher{},
		sink:    &captureSink{},
		webhook: &captureWebhook{},
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.engine = New(Deps{
		Templates: f.store,
		Instances: instanceStore{f.store},
		Steps:     stepStore{f.store},
		Actions:   actionStore{f.store},
		Timers:    timerStore{f.store},
		Directory: dir,
		Notifier:  f.sink,
		Webhook:   f.webhook,
		Publisher: f.pub,
		Logger:    zap.NewNop(),
	}, WithClock(f.clock.Now))
	return f
}

func (f *fixture) addTemplate(tpl *workflow.WorkflowTemplate) *workflow.WorkflowTemplate {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	tpl.ID = f.store.id()
	f.store.templates[tpl.ID] = tpl
	return tpl
}

func twoStepTemplate() *workflow.WorkflowTemplate {
	return &workflow.WorkflowTemplate{
		Name:       "tender-approval",
		EntityType: "tender",
		Active:     true,
		Version:    1,
		Steps: []workflow.StepBlueprint{
			{Order: 1, Name: "Department review", ApproverIDs: []string{"alice"}},
			{Order: 2, Name: "Finance review", ApproverIDs: []string{"bob"}},
		},
	}
}

func mustStart(t *testing.T, f *fixture, tpl *workflow.WorkflowTemplate, contextMap map[string]any) *workflow.WorkflowInstance {
	t.Helper()
	inst, err := f.engine.StartWorkflow(context.Background(), tpl.ID, tpl.EntityType, "T-1001", "carol", contextMap)
	require.NoError(t, err)
	return inst
}

func activeStep(t *testing.T, f *fixture, instanceID int64, order int) *workflow.WorkflowStep {
	t.Helper()
	step, err := stepStore{f.store}.GetByInstanceAndOrder(context.Background(), instanceID, order)
	require.NoError(t, err)
	require.NotNil(t, step)
	return step
}

func TestStartWorkflow(t *testing.T) {
	t.Run("activates first step and notifies its approvers", func(t *testing.T) {
		f := newFixture(t, &directory.Principal{ID: "alice", Email: "alice@example.com"})
		tpl := f.addTemplate(twoStepTemplate())

		inst := mustStart(t, f, tpl, nil)

		assert.Equal(t, workflow.InstanceActive, inst.Status)
		assert.Equal(t, 1, inst.CurrentStepOrder)
		assert.Equal(t, tpl.Version, inst.TemplateVersion)

		step1 := activeStep(t, f, inst.ID, 1)
		assert.Equal(t, workflow.StepActive, step1.Status)
		require.NotNil(t, step1.StartedAt)

		step2 := activeStep(t, f, inst.ID, 2)
		assert.Equal(t, workflow.StepPending, step2.Status)
		assert.Nil(t, step2.StartedAt)

		assert.True(t, f.sink.recipients()["alice"])
		assert.Contains(t, f.pub.types(), event.TypeWorkflowStarted)
	})

	t.Run("fails when template is missing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.StartWorkflow(context.Background(), 99, "tender", "T-1", "carol", nil)
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("fails when template is inactive", func(t *testing.T) {
		f := newFixture(t)
		tpl := twoStepTemplate()
		tpl.Active = false
		f.addTemplate(tpl)

		_, err := f.engine.StartWorkflow(context.Background(), tpl.ID, "tender", "T-1", "carol", nil)
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("fails when entity type does not match", func(t *testing.T) {
		f := newFixture(t)
		tpl := f.addTemplate(twoStepTemplate())

		_, err := f.engine.StartWorkflow(context.Background(), tpl.ID, "contract", "C-1", "carol", nil)
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})
}

func TestApproveAdvancesToCompletion(t *testing.T) {
	f := newFixture(t,
		&directory.Principal{ID: "alice"},
		&directory.Principal{ID: "bob"})
	tpl := f.addTemplate(twoStepTemplate())
	inst := mustStart(t, f, tpl, nil)

	step1 := activeStep(t, f, inst.ID, 1)
	approved, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "looks good")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepApproved, approved.Status)
	assert.Equal(t, "alice", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	got, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceActive, got.Status)
	assert.Equal(t, 2, got.CurrentStepOrder)

	step2 := activeStep(t, f, inst.ID, 2)
	assert.Equal(t, workflow.StepActive, step2.Status)
	assert.True(t, f.sink.recipients()["bob"])

	_, err = f.engine.ApproveStep(context.Background(), step2.ID, "bob", "")
	require.NoError(t, err)

	got, err = f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	types := f.pub.types()
	assert.Contains(t, types, event.TypeStepApproved)
	assert.Contains(t, types, event.TypeStepActivated)
	assert.Equal(t, event.TypeWorkflowCompleted, types[len(types)-1])
}

func TestApproveAuthorization(t *testing.T) {
	f := newFixture(t,
		&directory.Principal{ID: "alice"},
		&directory.Principal{ID: "mallory"})
	tpl := f.addTemplate(twoStepTemplate())
	inst := mustStart(t, f, tpl, nil)
	step1 := activeStep(t, f, inst.ID, 1)

	t.Run("rejects a principal outside the approver set", func(t *testing.T) {
		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "mallory", "")
		assert.ErrorIs(t, err, workflow.ErrUnauthorized)
	})

	t.Run("fails on a step that is no longer active", func(t *testing.T) {
		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
		require.NoError(t, err)

		_, err = f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
		assert.ErrorIs(t, err, workflow.ErrInvalidState)
	})

	t.Run("fails on an unknown step", func(t *testing.T) {
		_, err := f.engine.ApproveStep(context.Background(), 9999, "alice", "")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})
}

func TestRoleBasedApproval(t *testing.T) {
	f := newFixture(t,
		&directory.Principal{ID: "frank", Role: "FINANCE"},
		&directory.Principal{ID: "fiona", Role: "FINANCE"})
	tpl := f.addTemplate(&workflow.WorkflowTemplate{
		Name:       "tender-approval",
		EntityType: "tender",
		Active:     true,
		Version:    1,
		Steps: []workflow.StepBlueprint{
			{Order: 1, Name: "Finance review", ApproverRole: "FINANCE"},
		},
	})
	inst := mustStart(t, f, tpl, nil)
	step1 := activeStep(t, f, inst.ID, 1)

	recipients := f.sink.recipients()
	assert.True(t, recipients["frank"])
	assert.True(t, recipients["fiona"])

	_, err := f.engine.ApproveStep(context.Background(), step1.ID, "fiona", "")
	require.NoError(t, err)

	got, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, got.Status)
}

func TestRejectTerminatesInstance(t *testing.T) {
	f := newFixture(t, &directory.Principal{ID: "alice"})
	tpl := f.addTemplate(twoStepTemplate())
	inst := mustStart(t, f, tpl, nil)
	step1 := activeStep(t, f, inst.ID, 1)

	rejected, err := f.engine.RejectStep(context.Background(), step1.ID, "alice", "budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepRejected, rejected.Status)
	assert.Equal(t, "alice", rejected.RejectedBy)
	assert.Equal(t, "budget exceeded", rejected.RejectionReason)

	got, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRejected, got.Status)
	require.NotNil(t, got.CompletedAt)

	// The never-reached second step stays pending
	step2 := activeStep(t, f, inst.ID, 2)
	assert.Equal(t, workflow.StepPending, step2.Status)

	assert.Contains(t, f.pub.types(), event.TypeWorkflowRejected)

	// Rejecting again is an invalid state, not a second termination
	_, err = f.engine.RejectStep(context.Background(), step1.ID, "alice", "again")
	assert.ErrorIs(t, err, workflow.ErrInvalidState)
}

func TestConditionalSkip(t *testing.T) {
	f := newFixture(t,
		&directory.Principal{ID: "alice"},
		&directory.Principal{ID: "bob"},
		&directory.Principal{ID: "dana"})
	tpl := f.addTemplate(&workflow.WorkflowTemplate{
		Name:       "tender-approval",
		EntityType: "tender",
		Active:     true,
		Version:    1,
		Steps: []workflow.StepBlueprint{
			{Order: 1, Name: "Department review", ApproverIDs: []string{"alice"}},
			{
				Order: 2, Name: "Executive review", ApproverIDs: []string{"bob"},
				Conditions: []workflow.Condition{{Field: "amount", Operator: workflow.OpGt, Value: 100000}},
			},
			{Order: 3, Name: "Procurement signoff", ApproverIDs: []string{"dana"}},
		},
	})

	t.Run("skips when conditions fail and continues the chain", func(t *testing.T) {
		inst := mustStart(t, f, tpl, map[string]any{"amount": 5000})
		step1 := activeStep(t, f, inst.ID, 1)

		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
		require.NoError(t, err)

		step2 := activeStep(t, f, inst.ID, 2)
		assert.Equal(t, workflow.StepSkipped, step2.Status)
		assert.Equal(t, "Conditions not met", step2.Comments)

		step3 := activeStep(t, f, inst.ID, 3)
		assert.Equal(t, workflow.StepActive, step3.Status)

		got, err := f.engine.GetInstance(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.CurrentStepOrder)
		assert.Contains(t, f.pub.types(), event.TypeStepSkipped)
	})

	t.Run("runs the step when conditions pass", func(t *testing.T) {
		inst := mustStart(t, f, tpl, map[string]any{"amount": 250000})
		step1 := activeStep(t, f, inst.ID, 1)

		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
		require.NoError(t, err)

		step2 := activeStep(t, f, inst.ID, 2)
		assert.Equal(t, workflow.StepActive, step2.Status)
	})
}

func TestAutoApproveChain(t *testing.T) {
	f := newFixture(t, &directory.Principal{ID: "dana"})
	tpl := f.addTemplate(&workflow.WorkflowTemplate{
		Name:       "tender-approval",
		EntityType: "tender",
		Active:     true,
		Version:    1,
		Steps: []workflow.StepBlueprint{
			{Order: 1, Name: "Intake check", AutoApprove: true},
			{Order: 2, Name: "Compliance check", AutoApprove: true},
			{Order: 3, Name: "Procurement signoff", ApproverIDs: []string{"dana"}},
		},
	})

	inst := mustStart(t, f, tpl, nil)

	// Steps 1 and 2 resolve synchronously inside StartWorkflow
	assert.Equal(t, workflow.InstanceActive, inst.Status)
	assert.Equal(t, 3, inst.CurrentStepOrder)

	for _, order := range []int{1, 2} {
		step := activeStep(t, f, inst.ID, order)
		assert.Equal(t, workflow.StepApproved, step.Status)
		assert.Equal(t, workflow.SystemPrincipal, step.ApprovedBy)
		assert.Equal(t, "Auto-approved", step.Comments)
	}
	step3 := activeStep(t, f, inst.ID, 3)
	assert.Equal(t, workflow.StepActive, step3.Status)
}

func TestAutoApproveOnlyTemplateCompletesOnStart(t *testing.T) {
	f := newFixture(t)
	tpl := f.addTemplate(&workflow.WorkflowTemplate{
		Name:       "tender-approval",
		EntityType: "tender",
		Active:     true,
		Version:    1,
		Steps: []workflow.StepBlueprint{
			{Order: 1, Name: "Intake check", AutoApprove: true},
		},
	})

	inst := mustStart(t, f, tpl, nil)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)
}

func TestRevert(t *testing.T) {
	f := newFixture(t,
		&directory.Principal{ID: "alice"},
		&directory.Principal{ID: "bob"})
	tpl := f.addTemplate(twoStepTemplate())

	t.Run("rewinds one step and clears the previous approval", func(t *testing.T) {
		inst := mustStart(t, f, tpl, nil)
		step1 := activeStep(t, f, inst.ID, 1)
		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "ok")
		require.NoError(t, err)

		got, err := f.engine.Revert(context.Background(), inst.ID, "carol")
		require.NoError(t, err)
		assert.Equal(t, 1, got.CurrentStepOrder)

		step1 = activeStep(t, f, inst.ID, 1)
		assert.Equal(t, workflow.StepActive, step1.Status)
		assert.Empty(t, step1.ApprovedBy)
		assert.Nil(t, step1.ApprovedAt)
		assert.Empty(t, step1.Comments)

		step2 := activeStep(t, f, inst.ID, 2)
		assert.Equal(t, workflow.StepPending, step2.Status)
		assert.Nil(t, step2.StartedAt)

		assert.Contains(t, f.pub.types(), event.TypeWorkflowReverted)

		// The reactivated step can be decided again
		_, err = f.engine.ApproveStep(context.Background(), step1.ID, "alice", "confirmed")
		require.NoError(t, err)
	})

	t.Run("fails at the first step", func(t *testing.T) {
		inst := mustStart(t, f, tpl, nil)
		_, err := f.engine.Revert(context.Background(), inst.ID, "carol")
		assert.ErrorIs(t, err, workflow.ErrInvalidState)
	})

	t.Run("fails on a completed instance", func(t *testing.T) {
		inst := mustStart(t, f, tpl, nil)
		for _, who := range []struct {
			order int
			id    string
		}{{1, "alice"}, {2, "bob"}} {
			step := activeStep(t, f, inst.ID, who.order)
			_, err := f.engine.ApproveStep(context.Background(), step.ID, who.id, "")
			require.NoError(t, err)
		}

		_, err := f.engine.Revert(context.Background(), inst.ID, "carol")
		assert.ErrorIs(t, err, workflow.ErrInvalidState)
	})
}

func TestCancelWorkflow(t *testing.T) {
	f := newFixture(t, &directory.Principal{ID: "alice"})
	tpl := f.addTemplate(twoStepTemplate())

	t.Run("cancels an active instance", func(t *testing.T) {
		inst := mustStart(t, f, tpl, nil)

		got, err := f.engine.CancelWorkflow(context.Background(), inst.ID, "carol", "tender withdrawn")
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceCancelled, got.Status)
		assert.Equal(t, "tender withdrawn", got.CancelReason)
		require.NotNil(t, got.CompletedAt)
		assert.Contains(t, f.pub.types(), event.TypeWorkflowCancelled)
	})

	t.Run("closes all unresolved steps so the instance cannot be driven further", func(t *testing.T) {
		inst := mustStart(t, f, tpl, nil)
		step1 := activeStep(t, f, inst.ID, 1)

		_, err := f.engine.CancelWorkflow(context.Background(), inst.ID, "carol", "tender withdrawn")
		require.NoError(t, err)

		step1 = activeStep(t, f, inst.ID, 1)
		assert.Equal(t, workflow.StepCancelled, step1.Status)
		step2 := activeStep(t, f, inst.ID, 2)
		assert.Equal(t, workflow.StepCancelled, step2.Status)

		_, err = f.engine.ApproveStep(context.Background(), step1.ID, "alice", "too late")
		assert.ErrorIs(t, err, workflow.ErrInvalidState)

		got, err := f.engine.GetInstance(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceCancelled, got.Status)
		assert.Equal(t, 1, got.CurrentStepOrder)

		pending, err := f.engine.ListPendingForPrincipal(context.Background(), "alice")
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("fails on a terminal instance", func(t *testing.T) {
		inst := mustStart(t, f, tpl, nil)
		_, err := f.engine.CancelWorkflow(context.Background(), inst.ID, "carol", "first")
		require.NoError(t, err)

		_, err = f.engine.CancelWorkflow(context.Background(), inst.ID, "carol", "second")
		assert.ErrorIs(t, err, workflow.ErrInvalidState)
	})

	t.Run("fails on an unknown instance", func(t *testing.T) {
		_, err := f.engine.CancelWorkflow(context.Background(), 4242, "carol", "")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})
}

func TestDecisionsRequireActiveInstance(t *testing.T) {
	f := newFixture(t, &directory.Principal{ID: "alice"})
	tpl := f.addTemplate(twoStepTemplate())
	inst := mustStart(t, f, tpl, nil)
	step1 := activeStep(t, f, inst.ID, 1)

	// Park the instance while its step is still active
	f.store.mu.Lock()
	f.store.instances[inst.ID].Status = workflow.InstanceSuspended
	f.store.mu.Unlock()

	_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = f.engine.RejectStep(context.Background(), step1.ID, "alice", "no")
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	// Nothing moved
	step1 = activeStep(t, f, inst.ID, 1)
	assert.Equal(t, workflow.StepActive, step1.Status)
	step2 := activeStep(t, f, inst.ID, 2)
	assert.Equal(t, workflow.StepPending, step2.Status)
}

func TestConcurrentApprovalsOnOneStep(t *testing.T) {
	f := newFixture(t, &directory.Principal{ID: "alice"})
	tpl := f.addTemplate(twoStepTemplate())
	inst := mustStart(t, f, tpl, nil)
	step1 := activeStep(t, f, inst.ID, 1)

	// Race two approvals for the same step; the per-instance lock serializes
	// them and the reload under the lock turns the loser into InvalidState
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "ok")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, invalid int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, workflow.ErrInvalidState):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one approval must win")
	assert.Equal(t, 1, invalid, "the losing approval must fail InvalidState")

	// The instance advanced exactly one step
	got, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceActive, got.Status)
	assert.Equal(t, 2, got.CurrentStepOrder)

	history, err := f.engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	decisions := 0
	for _, a := range history.Actions {
		if a.ActionType == "approve" {
			decisions++
		}
	}
	assert.Equal(t, 1, decisions, "only the winning approval is audited")
}

func TestStepTimers(t *testing.T) {
	timedTemplate := func(esc *workflow.EscalationSpec) *workflow.WorkflowTemplate {
		return &workflow.WorkflowTemplate{
			Name:       "tender-approval",
			EntityType: "tender",
			Active:     true,
			Version:    1,
			Steps: []workflow.StepBlueprint{
				{Order: 1, Name: "Department review", ApproverIDs: []string{"alice"}, TimeoutHours: 24, Escalation: esc},
			},
		}
	}

	t.Run("arms a timer on activation and disarms it on approval", func(t *testing.T) {
		f := newFixture(t, &directory.Principal{ID: "alice"})
		tpl := f.addTemplate(timedTemplate(nil))
		inst := mustStart(t, f, tpl, nil)

		timers := f.store.pendingTimers(inst.ID)
		require.Len(t, timers, 1)
		assert.Equal(t, f.clock.Now().Add(24*time.Hour), timers[0].FireAt)

		step1 := activeStep(t, f, inst.ID, 1)
		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
		require.NoError(t, err)

		assert.Empty(t, f.store.pendingTimers(inst.ID))
	})

	t.Run("timeout without escalation auto-rejects as system", func(t *testing.T) {
		f := newFixture(t, &directory.Principal{ID: "alice"})
		tpl := f.addTemplate(timedTemplate(nil))
		inst := mustStart(t, f, tpl, nil)
		step1 := activeStep(t, f, inst.ID, 1)

		f.clock.Advance(25 * time.Hour)
		require.NoError(t, f.engine.HandleStepTimeout(context.Background(), step1.ID))

		step1 = activeStep(t, f, inst.ID, 1)
		assert.Equal(t, workflow.StepRejected, step1.Status)
		assert.Equal(t, workflow.SystemPrincipal, step1.RejectedBy)
		assert.Equal(t, "Step timeout exceeded", step1.RejectionReason)

		got, err := f.engine.GetInstance(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceRejected, got.Status)
		assert.Contains(t, f.pub.types(), event.TypeStepExpired)
	})

	t.Run("timeout with a due escalation reassigns approvers", func(t *testing.T) {
		f := newFixture(t,
			&directory.Principal{ID: "alice"},
			&directory.Principal{ID: "mira", Role: "MANAGER"})
		tpl := f.addTemplate(timedTemplate(&workflow.EscalationSpec{AfterHours: 24, ToRole: "MANAGER"}))
		inst := mustStart(t, f, tpl, nil)
		step1 := activeStep(t, f, inst.ID, 1)

		f.clock.Advance(25 * time.Hour)
		require.NoError(t, f.engine.HandleStepTimeout(context.Background(), step1.ID))

		step1 = activeStep(t, f, inst.ID, 1)
		assert.Equal(t, workflow.StepActive, step1.Status)
		assert.Equal(t, "MANAGER", step1.ApproverRole)
		assert.Empty(t, step1.ApproverIDs)
		assert.Equal(t, true, step1.Metadata["escalated"])
		assert.True(t, f.sink.recipients()["mira"])
		assert.Contains(t, f.pub.types(), event.TypeWorkflowEscalated)
		assert.NotContains(t, f.pub.types(), event.TypeStepExpired,
			"an escalated step stays active and is not expired")

		// The original approver lost access; the escalation target gained it
		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
		assert.ErrorIs(t, err, workflow.ErrUnauthorized)

		_, err = f.engine.ApproveStep(context.Background(), step1.ID, "mira", "")
		require.NoError(t, err)
	})

	t.Run("second timeout after escalation auto-rejects", func(t *testing.T) {
		f := newFixture(t,
			&directory.Principal{ID: "alice"},
			&directory.Principal{ID: "mira", Role: "MANAGER"})
		tpl := f.addTemplate(timedTemplate(&workflow.EscalationSpec{AfterHours: 24, ToRole: "MANAGER"}))
		inst := mustStart(t, f, tpl, nil)
		step1 := activeStep(t, f, inst.ID, 1)

		f.clock.Advance(25 * time.Hour)
		require.NoError(t, f.engine.HandleStepTimeout(context.Background(), step1.ID))
		f.clock.Advance(25 * time.Hour)
		require.NoError(t, f.engine.HandleStepTimeout(context.Background(), step1.ID))

		step1 = activeStep(t, f, inst.ID, 1)
		assert.Equal(t, workflow.StepRejected, step1.Status)
		assert.Equal(t, workflow.SystemPrincipal, step1.RejectedBy)
	})

	t.Run("timeout on an already resolved step is a no-op", func(t *testing.T) {
		f := newFixture(t, &directory.Principal{ID: "alice"})
		tpl := f.addTemplate(timedTemplate(nil))
		inst := mustStart(t, f, tpl, nil)
		step1 := activeStep(t, f, inst.ID, 1)

		_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "")
		require.NoError(t, err)

		f.clock.Advance(25 * time.Hour)
		require.NoError(t, f.engine.HandleStepTimeout(context.Background(), step1.ID))

		step1 = activeStep(t, f, inst.ID, 1)
		assert.Equal(t, workflow.StepApproved, step1.Status)

		got, err := f.engine.GetInstance(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceCompleted, got.Status)
	})
}

func TestManualEscalate(t *testing.T) {
	f := newFixture(t,
		&directory.Principal{ID: "alice"},
		&directory.Principal{ID: "mira", Role: "MANAGER"})
	tpl := f.addTemplate(&workflow.WorkflowTemplate{
		Name:       "tender-approval",
		EntityType: "tender",
		Active:     true,
		Version:    1,
		Steps: []workflow.StepBlueprint{
			{
				Order: 1, Name: "Department review",
				ApproverIDs: []string{"alice"},
				Escalation:  &workflow.EscalationSpec{AfterHours: 24, ToRole: "MANAGER"},
			},
		},
	})

	t.Run("reassigns the current step's approvers", func(t *testing.T) {
		inst := mustStart(t, f, tpl, nil)

		_, err := f.engine.Escalate(context.Background(), inst.ID, "carol")
		require.NoError(t, err)

		step1 := activeStep(t, f, inst.ID, 1)
		assert.Equal(t, "MANAGER", step1.ApproverRole)
		assert.Equal(t, []string{"alice"}, step1.Metadata["previous_approver_ids"])
	})

	t.Run("fails without an escalation config", func(t *testing.T) {
		plain := f.addTemplate(twoStepTemplate())
		inst := mustStart(t, f, plain, nil)

		_, err := f.engine.Escalate(context.Background(), inst.ID, "carol")
		assert.ErrorIs(t, err, workflow.ErrInvalidState)
	})
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t, &directory.Principal{ID: "alice"}, &directory.Principal{ID: "bob"})
	tpl := f.addTemplate(twoStepTemplate())
	inst := mustStart(t, f, tpl, nil)

	step1 := activeStep(t, f, inst.ID, 1)
	_, err := f.engine.ApproveStep(context.Background(), step1.ID, "alice", "ok")
	require.NoError(t, err)
	step2 := activeStep(t, f, inst.ID, 2)
	_, err = f.engine.RejectStep(context.Background(), step2.ID, "bob", "no budget")
	require.NoError(t, err)

	history, err := f.engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRejected, history.Instance.Status)
	assert.Len(t, history.Steps, 2)

	decisions := make(map[string]string)
	for _, a := range history.Actions {
		decisions[a.ActionType] = a.ExecutedBy
	}
	assert.Equal(t, "alice", decisions["approve"])
	assert.Equal(t, "bob", decisions["reject"])
}

func TestListPendingForPrincipal(t *testing.T) {
	f := newFixture(t,
		&directory.Principal{ID: "alice"},
		&directory.Principal{ID: "frank", Role: "FINANCE"})
	tplByID := f.addTemplate(twoStepTemplate())
	tplByRole := f.addTemplate(&workflow.WorkflowTemplate{
		Name:       "contract-approval",
		EntityType: "tender",
		Active:     true,
		Version:    1,
		Steps: []workflow.StepBlueprint{
			{Order: 1, Name: "Finance review", ApproverRole: "FINANCE"},
		},
	})

	instA := mustStart(t, f, tplByID, nil)
	instB := mustStart(t, f, tplByRole, nil)

	byID, err := f.engine.ListPendingForPrincipal(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, instA.ID, byID[0].InstanceID)

	byRole, err := f.engine.ListPendingForPrincipal(context.Background(), "frank")
	require.NoError(t, err)
	require.Len(t, byRole, 1)
	assert.Equal(t, instB.ID, byRole[0].InstanceID)

	none, err := f.engine.ListPendingForPrincipal(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetInstanceNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetInstance(context.Background(), 777)
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}
