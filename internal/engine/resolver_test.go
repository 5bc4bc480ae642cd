package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/directory"
	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

func testResolver(principals ...*directory.Principal) *ApproverResolver {
	dir := &staticDirectory{principals: make(map[string]*directory.Principal)}
	for _, p := range principals {
		dir.principals[p.ID] = p
	}
	return NewApproverResolver(dir, zap.NewNop())
}

func TestResolve(t *testing.T) {
	t.Run("unions explicit IDs with role holders, deduplicated", func(t *testing.T) {
		r := testResolver(
			&directory.Principal{ID: "alice", Role: "FINANCE"},
			&directory.Principal{ID: "frank", Role: "FINANCE"},
			&directory.Principal{ID: "zoe", Role: "LEGAL"})

		step := &workflow.WorkflowStep{
			ApproverIDs:  []string{"alice", "alice"},
			ApproverRole: "FINANCE",
		}

		principals, err := r.Resolve(context.Background(), step)
		require.NoError(t, err)

		ids := make([]string, len(principals))
		for i, p := range principals {
			ids[i] = p.ID
		}
		assert.ElementsMatch(t, []string{"alice", "frank"}, ids)
	})

	t.Run("keeps IDs missing from the directory", func(t *testing.T) {
		r := testResolver()

		step := &workflow.WorkflowStep{ApproverIDs: []string{"ghost"}}
		principals, err := r.Resolve(context.Background(), step)
		require.NoError(t, err)
		require.Len(t, principals, 1)
		assert.Equal(t, "ghost", principals[0].ID)
		assert.Empty(t, principals[0].Email)
	})

	t.Run("empty config resolves to nobody", func(t *testing.T) {
		r := testResolver(&directory.Principal{ID: "alice"})
		principals, err := r.Resolve(context.Background(), &workflow.WorkflowStep{})
		require.NoError(t, err)
		assert.Empty(t, principals)
	})
}

func TestIsAuthorized(t *testing.T) {
	r := testResolver(
		&directory.Principal{ID: "frank", Role: "FINANCE"},
		&directory.Principal{ID: "zoe", Role: "LEGAL"})

	step := &workflow.WorkflowStep{
		ApproverIDs:  []string{"alice"},
		ApproverRole: "FINANCE",
	}

	tests := []struct {
		name        string
		principalID string
		want        bool
	}{
		{"explicit approver ID", "alice", true},
		{"role holder", "frank", true},
		{"system principal bypasses", workflow.SystemPrincipal, true},
		{"wrong role", "zoe", false},
		{"unknown principal", "mallory", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.IsAuthorized(context.Background(), step, tt.principalID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
