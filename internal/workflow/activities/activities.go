// Package activities exposes the engine's gateways as idempotent,
// individually retryable units of work. Workflows never touch the provider,
// the store, or the notifier directly; everything non-deterministic goes
// through here.
package activities

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/internal/notifier"
	"github.com/idp-studio/engine/internal/provider"
	"github.com/idp-studio/engine/internal/repository"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
)

// Set wires the three gateways behind the activity contract.
type Set struct {
	provider provider.Client
	orgs     repository.OrganizationRepository
	users    repository.UserRepository
	notifier notifier.Notifier
	policy   RetryPolicy
	timeout  time.Duration
}

type Options struct {
	Provider provider.Client
	Orgs     repository.OrganizationRepository
	Users    repository.UserRepository
	Notifier notifier.Notifier
	Policy   RetryPolicy
	Timeout  time.Duration
}

func New(opts Options) *Set {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	return &Set{
		provider: opts.Provider,
		orgs:     opts.Orgs,
		users:    opts.Users,
		notifier: opts.Notifier,
		policy:   policy,
		timeout:  timeout,
	}
}

// --- provider activities: organizations ---

func (s *Set) CreateRemoteOrganization(ctx context.Context, p provider.CreateOrganizationParams) (string, error) {
	var id string
	err := s.policy.Do(ctx, "provider.create_organization", s.timeout, func(ctx context.Context) error {
		var err error
		id, err = s.provider.CreateOrganization(ctx, p)
		return err
	})
	return id, err
}

func (s *Set) UpdateRemoteOrganization(ctx context.Context, providerID string, p provider.UpdateOrganizationParams) error {
	return s.policy.Do(ctx, "provider.update_organization", s.timeout, func(ctx context.Context) error {
		return s.provider.UpdateOrganization(ctx, providerID, p)
	})
}

// DeleteRemoteOrganization treats a provider 404 as a completed deletion.
func (s *Set) DeleteRemoteOrganization(ctx context.Context, providerID string) error {
	err := s.policy.Do(ctx, "provider.delete_organization", s.timeout, func(ctx context.Context) error {
		return s.provider.DeleteOrganization(ctx, providerID)
	})
	if appErr.IsCode(err, appErr.CodeNotFound) {
		logger.L().Info("remote organization already absent", zap.String("provider_id", providerID))
		return nil
	}
	return err
}

func (s *Set) ListRemoteOrganizations(ctx context.Context, p provider.ListParams) (*provider.ListResult[provider.Organization], error) {
	var res *provider.ListResult[provider.Organization]
	err := s.policy.Do(ctx, "provider.list_organizations", s.timeout, func(ctx context.Context) error {
		var err error
		res, err = s.provider.ListOrganizations(ctx, p)
		return err
	})
	return res, err
}

// --- provider activities: users ---

func (s *Set) CreateRemoteUser(ctx context.Context, p provider.CreateUserParams) (string, error) {
	var id string
	err := s.policy.Do(ctx, "provider.create_user", s.timeout, func(ctx context.Context) error {
		var err error
		id, err = s.provider.CreateUser(ctx, p)
		return err
	})
	return id, err
}

func (s *Set) UpdateRemoteUser(ctx context.Context, providerID string, p provider.UpdateUserParams) error {
	return s.policy.Do(ctx, "provider.update_user", s.timeout, func(ctx context.Context) error {
		return s.provider.UpdateUser(ctx, providerID, p)
	})
}

// DeleteRemoteUser treats a provider 404 as a completed deletion.
func (s *Set) DeleteRemoteUser(ctx context.Context, providerID string) error {
	err := s.policy.Do(ctx, "provider.delete_user", s.timeout, func(ctx context.Context) error {
		return s.provider.DeleteUser(ctx, providerID)
	})
	if appErr.IsCode(err, appErr.CodeNotFound) {
		logger.L().Info("remote user already absent", zap.String("provider_id", providerID))
		return nil
	}
	return err
}

func (s *Set) ListRemoteUsers(ctx context.Context, p provider.ListParams) (*provider.ListResult[provider.User], error) {
	var res *provider.ListResult[provider.User]
	err := s.policy.Do(ctx, "provider.list_users", s.timeout, func(ctx context.Context) error {
		var err error
		res, err = s.provider.ListUsers(ctx, p)
		return err
	})
	return res, err
}

// --- store activities: organizations ---

func (s *Set) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := s.policy.Do(ctx, "store.get_organization", s.timeout, func(ctx context.Context) error {
		return s.orgs.GetByID(ctx, id, &org)
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// SaveOrganizationProviderID persists the provider-assigned id. The id is
// written at most once; the workflow runs this only from the create path.
func (s *Set) SaveOrganizationProviderID(ctx context.Context, id uuid.UUID, providerID string) error {
	if providerID == "" {
		return appErr.New(appErr.CodeRequestSetup, "provider id must not be empty")
	}
	return s.policy.Do(ctx, "store.save_org_provider_id", s.timeout, func(ctx context.Context) error {
		return s.orgs.UpdateFields(ctx, id, map[string]any{"provider_id": providerID})
	})
}

func (s *Set) MarkOrganizationStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.policy.Do(ctx, "store.mark_org_status", s.timeout, func(ctx context.Context) error {
		return s.orgs.UpdateStatus(ctx, id, status)
	})
}

func (s *Set) UpdateOrganizationFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return s.policy.Do(ctx, "store.update_org_fields", s.timeout, func(ctx context.Context) error {
		return s.orgs.UpdateFields(ctx, id, fields)
	})
}

func (s *Set) DeleteOrganizationRecord(ctx context.Context, id uuid.UUID) error {
	return s.policy.Do(ctx, "store.delete_org_record", s.timeout, func(ctx context.Context) error {
		return s.orgs.Delete(ctx, id)
	})
}

// --- store activities: users ---

func (s *Set) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.policy.Do(ctx, "store.get_user", s.timeout, func(ctx context.Context) error {
		return s.users.GetByID(ctx, id, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Set) SaveUserProviderID(ctx context.Context, id uuid.UUID, providerID string) error {
	if providerID == "" {
		return appErr.New(appErr.CodeRequestSetup, "provider id must not be empty")
	}
	return s.policy.Do(ctx, "store.save_user_provider_id", s.timeout, func(ctx context.Context) error {
		return s.users.UpdateFields(ctx, id, map[string]any{"provider_id": providerID})
	})
}

func (s *Set) MarkUserStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.policy.Do(ctx, "store.mark_user_status", s.timeout, func(ctx context.Context) error {
		return s.users.UpdateStatus(ctx, id, status)
	})
}

func (s *Set) UpdateUserFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return s.policy.Do(ctx, "store.update_user_fields", s.timeout, func(ctx context.Context) error {
		return s.users.UpdateFields(ctx, id, fields)
	})
}

func (s *Set) DeleteUserRecord(ctx context.Context, id uuid.UUID) error {
	return s.policy.Do(ctx, "store.delete_user_record", s.timeout, func(ctx context.Context) error {
		return s.users.Delete(ctx, id)
	})
}

// --- notification activity ---

// SendLifecycleNotification is fire-and-forget: failures are logged here and
// never surface to the workflow.
func (s *Set) SendLifecycleNotification(ctx context.Context, ev notifier.Event) {
	err := s.policy.Do(ctx, "notifier.send", s.timeout, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, ev)
	})
	if err != nil {
		logger.L().Warn("lifecycle notification failed",
			zap.String("recipient", ev.RecipientEmail),
			zap.String("resource", ev.ResourceName),
			zap.String("kind", ev.EventKind),
			zap.Error(err),
		)
	}
}
