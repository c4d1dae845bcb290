package services

import (
	"context"

	"github.com/idp-studio/engine/internal/provider"
	"github.com/idp-studio/engine/internal/workflow"
)

type workflowListRunner struct {
	orgs  *workflow.OrganizationWorkflows
	users *workflow.UserWorkflows
}

// NewWorkflowListRunner adapts the workflow layer's list pass-throughs to the
// orchestrator's ListRunner.
func NewWorkflowListRunner(orgs *workflow.OrganizationWorkflows, users *workflow.UserWorkflows) ListRunner {
	return &workflowListRunner{orgs: orgs, users: users}
}

func (r *workflowListRunner) ListOrganizations(ctx context.Context, in workflow.ListInput) (*workflow.ListOutput[provider.Organization], error) {
	return r.orgs.List(ctx, in)
}

func (r *workflowListRunner) ListUsers(ctx context.Context, in workflow.ListInput) (*workflow.ListOutput[provider.User], error) {
	return r.users.List(ctx, in)
}
