package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/idp-studio/engine/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, SecretKey: "sk_test"})
}

func TestCreateOrganizationReturnsProviderID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/organizations", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "Acme", body["name"])
		require.Equal(t, "acme", body["slug"])

		json.NewEncoder(w).Encode(map[string]string{"id": "org_1"})
	})

	id, err := c.CreateOrganization(context.Background(), CreateOrganizationParams{Name: "Acme", Slug: "acme"})
	require.NoError(t, err)
	require.Equal(t, "org_1", id)
}

func TestCreateOrganizationRequiresName(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://unused", SecretKey: "sk"})
	_, err := c.CreateOrganization(context.Background(), CreateOrganizationParams{})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeRequestSetup))
	require.False(t, appErr.Retryable(err))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCode  appErr.Code
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, appErr.CodeClient, false},
		{"unprocessable", http.StatusUnprocessableEntity, appErr.CodeClient, false},
		{"not found", http.StatusNotFound, appErr.CodeNotFound, false},
		{"server error", http.StatusInternalServerError, appErr.CodeServer, true},
		{"bad gateway", http.StatusBadGateway, appErr.CodeServer, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]string{{"code": "x", "message": "boom"}},
				})
			})
			err := c.DeleteOrganization(context.Background(), "org_1")
			require.Error(t, err)
			require.True(t, appErr.IsCode(err, tc.wantCode), "got %v", err)
			require.Equal(t, tc.retryable, appErr.Retryable(err))
		})
	}
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on
	c := NewClient(Options{BaseURL: srv.URL, SecretKey: "sk"})

	err := c.DeleteUser(context.Background(), "user_1")
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeNetwork))
	require.True(t, appErr.Retryable(err))
}

func TestListUsersPagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/users", r.URL.Path)
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		require.Equal(t, "50", r.URL.Query().Get("offset"))
		require.Equal(t, "smith", r.URL.Query().Get("query"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"id": "user_1", "email_address": "a@x.com", "name": "A Smith"},
			},
			"total_count": 120,
		})
	})

	res, err := c.ListUsers(context.Background(), ListParams{Page: 1, PerPage: 50, Query: "smith"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "user_1", res.Items[0].ID)
	require.Equal(t, 120, res.Total)
}

func TestListQueryIsEscaped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "acme corp&limit=999", r.URL.Query().Get("query"))
		require.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{}, "total_count": 0})
	})

	// A raw space or & in the search term must round-trip, not break the URL
	// or inject extra parameters.
	_, err := c.ListOrganizations(context.Background(), ListParams{Query: "acme corp&limit=999"})
	require.NoError(t, err)
}

func TestUpdateOrganizationSendsOnlyChangedFields(t *testing.T) {
	name := "Acme2"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "Acme2", body["name"])
		_, hasSlug := body["slug"]
		require.False(t, hasSlug, "unchanged fields must not be sent")
		w.WriteHeader(http.StatusOK)
	})

	err := c.UpdateOrganization(context.Background(), "org_1", UpdateOrganizationParams{Name: &name})
	require.NoError(t, err)
}
