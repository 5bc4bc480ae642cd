// Package directory provides the principal directory collaborator: lookup of
// approver principals by ID or role.
package directory

import "context"

// Principal is a user or service account eligible to act on workflow steps
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Directory resolves principals from an external identity source
type Directory interface {
	// FindByID returns the principal with the given ID, or (nil, nil) when absent
	FindByID(ctx context.Context, id string) (*Principal, error)

	// FindByRole returns all principals holding the given role
	FindByRole(ctx context.Context, role string) ([]*Principal, error)
}
