package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/internal/notifier"
	"github.com/idp-studio/engine/internal/provider"
	appErr "github.com/idp-studio/engine/pkg/errors"
)

func TestCreateOrganizationWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path settles success and notifies owner", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		acts.On("CreateRemoteOrganization", mock.Anything, provider.CreateOrganizationParams{Name: "Acme", Slug: "acme"}).
			Return("org_123", nil)
		acts.On("SaveOrganizationProviderID", mock.Anything, recordID, "org_123").Return(nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusSuccess).Return(nil)
		acts.On("SendLifecycleNotification", mock.Anything, notifier.Event{
			RecipientEmail: "owner@acme.test",
			ResourceName:   "Acme",
			ResourceType:   models.ResourceOrganization,
			EventKind:      notifier.EventCreated,
		}).Return()

		err := wf.Create(ctx, resumeRun(t, store), CreateOrganizationInput{
			RecordID:   recordID,
			Name:       "Acme",
			Identifier: "acme",
			OwnerEmail: "owner@acme.test",
		})
		require.NoError(t, err)

		exec := store.snapshot()
		require.Equal(t, models.ExecutionCompleted, exec.Status)
		var out CreateOutput
		require.NoError(t, json.Unmarshal(exec.Output, &out))
		require.Equal(t, "org_123", out.ProviderID)
		require.Equal(t, models.StatusSuccess, out.Status)
		acts.AssertExpectations(t)
	})

	t.Run("remote failure marks record failed and fails execution", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		cause := appErr.New(appErr.CodeClient, "slug already taken")
		acts.On("CreateRemoteOrganization", mock.Anything, mock.Anything).Return("", cause)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusFailed).Return(nil)

		err := wf.Create(ctx, resumeRun(t, store), CreateOrganizationInput{RecordID: recordID, Name: "Acme", Identifier: "acme"})
		require.ErrorIs(t, err, cause)

		exec := store.snapshot()
		require.Equal(t, models.ExecutionFailed, exec.Status)
		require.Equal(t, string(appErr.CodeClient), exec.ErrorCode)
		acts.AssertNotCalled(t, "SendLifecycleNotification", mock.Anything, mock.Anything)
		acts.AssertExpectations(t)
	})

	t.Run("redelivery after crash skips completed steps", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		acts.On("CreateRemoteOrganization", mock.Anything, mock.Anything).Return("org_123", nil).Once()
		// First delivery dies between persisting the provider id and marking
		// success.
		acts.On("SaveOrganizationProviderID", mock.Anything, recordID, "org_123").Return(nil).Once()
		crash := appErr.New(appErr.CodeNetwork, "worker lost database")
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusSuccess).Return(crash).Once()
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusFailed).Return(nil).Once()

		err := wf.Create(ctx, resumeRun(t, store), CreateOrganizationInput{RecordID: recordID, Name: "Acme", Identifier: "acme"})
		require.Error(t, err)

		// Redelivered task: create_remote and persist_provider_id replay from
		// checkpoints, only the failed step runs again.
		store.exec.Status = models.ExecutionRunning
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusSuccess).Return(nil).Once()
		acts.On("SendLifecycleNotification", mock.Anything, mock.Anything).Return()

		err = wf.Create(ctx, resumeRun(t, store), CreateOrganizationInput{RecordID: recordID, Name: "Acme", Identifier: "acme"})
		require.NoError(t, err)
		require.Equal(t, models.ExecutionCompleted, store.snapshot().Status)
		acts.AssertNumberOfCalls(t, "CreateRemoteOrganization", 1)
		acts.AssertExpectations(t)
	})

	t.Run("signals in the post-success window are recorded", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		signals := &stubSignals{queue: []*Signal{
			{Kind: SignalUpdate, Payload: json.RawMessage(`{"name":"Acme 2"}`)},
			{Kind: SignalTerminate},
		}}
		wf := NewOrganizationWorkflows(acts, signals, 0, time.Second)

		acts.On("CreateRemoteOrganization", mock.Anything, mock.Anything).Return("org_123", nil)
		acts.On("SaveOrganizationProviderID", mock.Anything, recordID, "org_123").Return(nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusSuccess).Return(nil)
		acts.On("SendLifecycleNotification", mock.Anything, mock.Anything).Return()

		err := wf.Create(ctx, resumeRun(t, store), CreateOrganizationInput{RecordID: recordID, Name: "Acme", Identifier: "acme"})
		require.NoError(t, err)

		exec := store.snapshot()
		// Terminate exits the window; the update payload was recorded but the
		// record was never re-patched.
		require.Equal(t, SignalTerminate, exec.LastSignal)
		require.Equal(t, models.ExecutionCompleted, exec.Status)
		acts.AssertNotCalled(t, "UpdateOrganizationFields", mock.Anything, mock.Anything, mock.Anything)
		require.Empty(t, signals.queue)

		// The window expiry was persisted while open and cleared on exit, so
		// signal delivery tracked the window exactly.
		require.Len(t, store.windowSets, 2)
		require.NotNil(t, store.windowSets[0])
		require.Nil(t, store.windowSets[1])
		require.Nil(t, exec.WindowOpenUntil)
	})
}

func TestUpdateOrganizationWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("patches only changed fields remotely and locally", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpUpdate, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		providerID := "org_123"
		acts.On("GetOrganization", mock.Anything, recordID).Return(&models.Organization{
			ID:         recordID,
			ProviderID: &providerID,
			Name:       "Acme",
			Identifier: "acme",
			OwnerEmail: "owner@acme.test",
		}, nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusUpdating).Return(nil)
		acts.On("UpdateRemoteOrganization", mock.Anything, providerID, provider.UpdateOrganizationParams{
			Name: strPtr("Acme Inc"),
		}).Return(nil)
		acts.On("UpdateOrganizationFields", mock.Anything, recordID, map[string]any{
			"status": models.StatusUpdated,
			"name":   "Acme Inc",
		}).Return(nil)
		acts.On("SendLifecycleNotification", mock.Anything, notifier.Event{
			RecipientEmail: "owner@acme.test",
			ResourceName:   "Acme Inc",
			ResourceType:   models.ResourceOrganization,
			EventKind:      notifier.EventUpdated,
		}).Return()

		err := wf.Update(ctx, resumeRun(t, store), UpdateOrganizationInput{RecordID: recordID, Name: strPtr("Acme Inc")})
		require.NoError(t, err)
		require.Equal(t, models.ExecutionCompleted, store.snapshot().Status)
		acts.AssertExpectations(t)
	})

	t.Run("missing provider id is a terminal setup error", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpUpdate, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		acts.On("GetOrganization", mock.Anything, recordID).Return(&models.Organization{ID: recordID, Name: "Acme"}, nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusUpdating).Return(nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusFailed).Return(nil)

		err := wf.Update(ctx, resumeRun(t, store), UpdateOrganizationInput{RecordID: recordID, Name: strPtr("Acme Inc")})
		require.True(t, appErr.IsCode(err, appErr.CodeRequestSetup))
		require.Equal(t, models.ExecutionFailed, store.snapshot().Status)
		acts.AssertNotCalled(t, "UpdateRemoteOrganization", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestDeleteOrganizationWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes provider then store", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpDelete, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		providerID := "org_123"
		acts.On("GetOrganization", mock.Anything, recordID).Return(&models.Organization{
			ID: recordID, ProviderID: &providerID, Name: "Acme", OwnerEmail: "owner@acme.test",
		}, nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusDeleting).Return(nil)
		acts.On("DeleteRemoteOrganization", mock.Anything, providerID).Return(nil)
		acts.On("DeleteOrganizationRecord", mock.Anything, recordID).Return(nil)
		acts.On("SendLifecycleNotification", mock.Anything, mock.Anything).Return()

		err := wf.Delete(ctx, resumeRun(t, store), DeleteOrganizationInput{RecordID: recordID})
		require.NoError(t, err)

		exec := store.snapshot()
		require.Equal(t, models.ExecutionCompleted, exec.Status)
		var out DeleteOutput
		require.NoError(t, json.Unmarshal(exec.Output, &out))
		require.True(t, out.Deleted)
		require.Equal(t, []string{"provider", "store"}, out.DeletedFrom)
		acts.AssertExpectations(t)
	})

	t.Run("terminal provider failure is swallowed, record kept failed", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpDelete, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		providerID := "org_123"
		acts.On("GetOrganization", mock.Anything, recordID).Return(&models.Organization{
			ID: recordID, ProviderID: &providerID, Name: "Acme",
		}, nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusDeleting).Return(nil)
		acts.On("DeleteRemoteOrganization", mock.Anything, providerID).
			Return(appErr.New(appErr.CodeClient, "organization has active subscriptions"))
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusFailed).Return(nil)

		err := wf.Delete(ctx, resumeRun(t, store), DeleteOrganizationInput{RecordID: recordID})
		require.NoError(t, err)

		exec := store.snapshot()
		require.Equal(t, models.ExecutionCompleted, exec.Status)
		var out DeleteOutput
		require.NoError(t, json.Unmarshal(exec.Output, &out))
		require.False(t, out.Deleted)
		require.Contains(t, out.Reason, "active subscriptions")
		acts.AssertNotCalled(t, "DeleteOrganizationRecord", mock.Anything, mock.Anything)
	})

	t.Run("retryable failure still fails the execution", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpDelete, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		providerID := "org_123"
		cause := appErr.New(appErr.CodeServer, "provider melting")
		acts.On("GetOrganization", mock.Anything, recordID).Return(&models.Organization{
			ID: recordID, ProviderID: &providerID, Name: "Acme",
		}, nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusDeleting).Return(nil)
		acts.On("DeleteRemoteOrganization", mock.Anything, providerID).Return(cause)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusFailed).Return(nil)

		err := wf.Delete(ctx, resumeRun(t, store), DeleteOrganizationInput{RecordID: recordID})
		require.ErrorIs(t, err, cause)
		require.Equal(t, models.ExecutionFailed, store.snapshot().Status)
	})

	t.Run("record without provider id skips the provider call", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpDelete, models.ResourceOrganization, recordID)
		acts := &mockOrgActivities{}
		wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

		acts.On("GetOrganization", mock.Anything, recordID).Return(&models.Organization{ID: recordID, Name: "Acme"}, nil)
		acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusDeleting).Return(nil)
		acts.On("DeleteOrganizationRecord", mock.Anything, recordID).Return(nil)
		acts.On("SendLifecycleNotification", mock.Anything, mock.Anything).Return()

		err := wf.Delete(ctx, resumeRun(t, store), DeleteOrganizationInput{RecordID: recordID})
		require.NoError(t, err)

		var out DeleteOutput
		require.NoError(t, json.Unmarshal(store.snapshot().Output, &out))
		require.Equal(t, []string{"store"}, out.DeletedFrom)
		acts.AssertNotCalled(t, "DeleteRemoteOrganization", mock.Anything, mock.Anything)
	})
}

func TestListOrganizationsWorkflow(t *testing.T) {
	acts := &mockOrgActivities{}
	wf := NewOrganizationWorkflows(acts, &stubSignals{}, 0, 0)

	acts.On("ListRemoteOrganizations", mock.Anything, provider.ListParams{Page: 1, PerPage: 10}).
		Return(&provider.ListResult[provider.Organization]{
			Items: []provider.Organization{{ID: "org_1", Name: "Acme", Slug: "acme"}},
			Total: 25,
		}, nil)

	out, err := wf.List(context.Background(), ListInput{Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	require.Equal(t, 25, out.Total)
	require.True(t, out.HasMore)
}
