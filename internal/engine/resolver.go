package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/directory"
	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// ApproverResolver resolves a step's configured approver role and principal
// IDs into a concrete, deduplicated set of principals.
type ApproverResolver struct {
	directory directory.Directory
	logger    *zap.Logger
}

// NewApproverResolver creates an approver resolver
func NewApproverResolver(dir directory.Directory, logger *zap.Logger) *ApproverResolver {
	return &ApproverResolver{
		directory: dir,
		logger:    logger,
	}
}

// Resolve unions the step's explicit approver IDs with all principals holding
// the step's approver role, deduplicated by ID. An ID configured on the step
// stays authorized even when the directory has no record for it.
func (r *ApproverResolver) Resolve(ctx context.Context, step *workflow.WorkflowStep) ([]*directory.Principal, error) {
	seen := make(map[string]bool)
	var principals []*directory.Principal

	for _, id := range step.ApproverIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		p, err := r.directory.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			r.logger.Warn("Configured approver not in directory",
				zap.Int64("step_id", step.ID),
				zap.String("principal_id", id))
			p = &directory.Principal{ID: id}
		}
		principals = append(principals, p)
	}

	if step.ApproverRole != "" {
		roleHolders, err := r.directory.FindByRole(ctx, step.ApproverRole)
		if err != nil {
			return nil, err
		}
		for _, p := range roleHolders {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			principals = append(principals, p)
		}
	}

	return principals, nil
}

// IsAuthorized reports whether principalID is in the resolved approver set.
// The system principal bypasses authorization.
func (r *ApproverResolver) IsAuthorized(ctx context.Context, step *workflow.WorkflowStep, principalID string) (bool, error) {
	if principalID == workflow.SystemPrincipal {
		return true, nil
	}

	principals, err := r.Resolve(ctx, step)
	if err != nil {
		return false, err
	}
	for _, p := range principals {
		if p.ID == principalID {
			return true, nil
		}
	}
	return false, nil
}
