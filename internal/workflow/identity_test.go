package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/idp-studio/engine/internal/models"
)

func TestIdentity(t *testing.T) {
	t.Run("safe key passes through", func(t *testing.T) {
		require.Equal(t, "create-org-acme-corp", Identity(models.OpCreate, models.ResourceOrganization, "acme-corp"))
	})

	t.Run("casing and whitespace folded", func(t *testing.T) {
		require.Equal(t,
			Identity(models.OpDelete, models.ResourceOrganization, "Acme-Corp"),
			Identity(models.OpDelete, models.ResourceOrganization, "  acme-corp  "),
		)
	})

	t.Run("email key hashed stably", func(t *testing.T) {
		a := Identity(models.OpCreate, models.ResourceUser, "jane@example.com")
		b := Identity(models.OpCreate, models.ResourceUser, "jane@example.com")
		require.Equal(t, a, b)
		require.NotContains(t, a, "@")
		require.Regexp(t, `^create-user-[0-9a-f]{16}$`, a)
	})

	t.Run("distinct operations yield distinct identities", func(t *testing.T) {
		require.NotEqual(t,
			Identity(models.OpCreate, models.ResourceUser, "jane@example.com"),
			Identity(models.OpDelete, models.ResourceUser, "jane@example.com"),
		)
	})
}

func TestTaskType(t *testing.T) {
	require.Equal(t, "lifecycle:create:org", TaskCreateOrganization)
	require.Equal(t, "lifecycle:delete:user", TaskDeleteUser)
}

func TestHasMore(t *testing.T) {
	cases := []struct {
		name    string
		page    int
		perPage int
		total   int
		want    bool
	}{
		{"first of many", 0, 10, 25, true},
		{"middle page", 1, 10, 25, true},
		{"last partial page", 2, 10, 25, false},
		{"exact boundary", 1, 10, 20, false},
		{"empty result", 0, 10, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, HasMore(tc.page, tc.perPage, tc.total))
		})
	}
}
