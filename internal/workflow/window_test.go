package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/idp-studio/engine/internal/models"
)

func TestSignalWindowCancel(t *testing.T) {
	ctx := context.Background()
	recordID := uuid.New()
	store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)
	acts := &mockOrgActivities{}
	signals := &stubSignals{queue: []*Signal{{Kind: SignalCancel}}}
	wf := NewOrganizationWorkflows(acts, signals, 0, time.Second)

	acts.On("CreateRemoteOrganization", mock.Anything, mock.Anything).Return("org_123", nil)
	acts.On("SaveOrganizationProviderID", mock.Anything, recordID, "org_123").Return(nil)
	acts.On("MarkOrganizationStatus", mock.Anything, recordID, models.StatusSuccess).Return(nil)
	acts.On("SendLifecycleNotification", mock.Anything, mock.Anything).Return()

	err := wf.Create(ctx, resumeRun(t, store), CreateOrganizationInput{RecordID: recordID, Name: "Acme", Identifier: "acme"})
	require.NoError(t, err)

	exec := store.snapshot()
	require.Equal(t, models.ExecutionCancelled, exec.Status)
	require.Equal(t, SignalCancel, exec.LastSignal)
	require.Nil(t, exec.WindowOpenUntil)
}

func TestSignalWindowResume(t *testing.T) {
	ctx := context.Background()

	t.Run("re-enters an open window and consumes buffered signals", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)
		until := time.Now().Add(time.Second)
		store.exec.Status = models.ExecutionCompleted
		store.exec.WindowOpenUntil = &until

		signals := &stubSignals{queue: []*Signal{{Kind: SignalTerminate}}}
		sw := NewSignalWindow(signals, time.Second)

		require.True(t, sw.Resume(ctx, resumeRun(t, store)))

		exec := store.snapshot()
		require.Equal(t, SignalTerminate, exec.LastSignal)
		require.Equal(t, models.ExecutionCompleted, exec.Status)
		require.Nil(t, exec.WindowOpenUntil)
		require.Empty(t, signals.queue)
	})

	t.Run("expired window is not re-entered", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)
		until := time.Now().Add(-time.Second)
		store.exec.Status = models.ExecutionCompleted
		store.exec.WindowOpenUntil = &until

		sw := NewSignalWindow(&stubSignals{}, time.Second)
		require.False(t, sw.Resume(ctx, resumeRun(t, store)))
	})

	t.Run("running execution has no window to re-enter", func(t *testing.T) {
		recordID := uuid.New()
		store := newMemExecStore(models.OpCreate, models.ResourceOrganization, recordID)

		sw := NewSignalWindow(&stubSignals{}, time.Second)
		require.False(t, sw.Resume(ctx, resumeRun(t, store)))
	})
}
