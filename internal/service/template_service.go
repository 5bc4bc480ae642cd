// Package service holds the administrative operations around workflow
// templates: authoring, versioning and lifecycle.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// TemplateStore is the template persistence the service manages
type TemplateStore interface {
	Create(ctx context.Context, tpl *workflow.WorkflowTemplate) error
	GetByID(ctx context.Context, id int64) (*workflow.WorkflowTemplate, error)
	GetActiveByName(ctx context.Context, name string) (*workflow.WorkflowTemplate, error)
	Update(ctx context.Context, tpl *workflow.WorkflowTemplate) error
	Deactivate(ctx context.Context, id int64) error
	List(ctx context.Context, limit, offset int) ([]*workflow.WorkflowTemplate, error)
}

// InstanceCounter reports how many instances of a template are still running
type InstanceCounter interface {
	CountRunningByTemplate(ctx context.Context, templateID int64) (int, error)
}

// TemplateService manages workflow template definitions. Templates are
// versioned: editing a template with running instances produces a new
// version so in-flight instances keep the step list they started with.
type TemplateService struct {
	templates TemplateStore
	instances InstanceCounter
	logger    *zap.Logger
}

// NewTemplateService creates a template service
func NewTemplateService(templates TemplateStore, instances InstanceCounter, logger *zap.Logger) *TemplateService {
	return &TemplateService{
		templates: templates,
		instances: instances,
		logger:    logger,
	}
}

// Create validates and stores a new template as version 1. Only one active
// template per name is allowed; an existing active one is deactivated first.
func (s *TemplateService) Create(ctx context.Context, tpl *workflow.WorkflowTemplate) (*workflow.WorkflowTemplate, error) {
	if err := tpl.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.templates.GetActiveByName(ctx, tpl.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.templates.Deactivate(ctx, existing.ID); err != nil {
			return nil, err
		}
		s.logger.Info("Deactivated previous active template",
			zap.String("name", tpl.Name),
			zap.Int64("template_id", existing.ID))
	}

	tpl.Version = 1
	tpl.Active = true
	if err := s.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}

	s.logger.Info("Template created",
		zap.Int64("template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.Int("steps", len(tpl.Steps)))
	return tpl, nil
}

// Get loads one template
func (s *TemplateService) Get(ctx context.Context, id int64) (*workflow.WorkflowTemplate, error) {
	tpl, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, fmt.Errorf("%w: template %d", workflow.ErrNotFound, id)
	}
	return tpl, nil
}

// List returns a page of templates
func (s *TemplateService) List(ctx context.Context, limit, offset int) ([]*workflow.WorkflowTemplate, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.templates.List(ctx, limit, offset)
}

// Update applies a new step definition to a template. With running instances
// the current version is deactivated and the edit lands as a new template row
// with a bumped version; otherwise the template is updated in place.
func (s *TemplateService) Update(ctx context.Context, id int64, updated *workflow.WorkflowTemplate) (*workflow.WorkflowTemplate, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated.Name = current.Name
	updated.EntityType = current.EntityType
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	running, err := s.instances.CountRunningByTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	if running == 0 {
		updated.ID = current.ID
		updated.Version = current.Version
		updated.Active = current.Active
		if err := s.templates.Update(ctx, updated); err != nil {
			return nil, err
		}
		return updated, nil
	}

	// In-flight instances pin the old version; the edit becomes a new one
	if err := s.templates.Deactivate(ctx, current.ID); err != nil {
		return nil, err
	}

	updated.ID = 0
	updated.Version = current.Version + 1
	updated.Active = true
	if err := s.templates.Create(ctx, updated); err != nil {
		return nil, err
	}

	s.logger.Info("Template versioned",
		zap.String("name", updated.Name),
		zap.Int("version", updated.Version),
		zap.Int("running_instances", running))
	return updated, nil
}

// Deactivate retires a template so no new instances can start from it.
// Running instances are unaffected.
func (s *TemplateService) Deactivate(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.templates.Deactivate(ctx, id)
}
