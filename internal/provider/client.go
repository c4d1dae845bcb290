package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appErr "github.com/idp-studio/engine/pkg/errors"
)

// Client performs lifecycle calls against the identity-provider HTTP API.
// Every failure carries a classification (client/server/network/not_found)
// that the activity layer keys its retry decisions off.
type Client interface {
	CreateOrganization(ctx context.Context, p CreateOrganizationParams) (string, error)
	UpdateOrganization(ctx context.Context, providerID string, p UpdateOrganizationParams) error
	DeleteOrganization(ctx context.Context, providerID string) error
	ListOrganizations(ctx context.Context, p ListParams) (*ListResult[Organization], error)

	CreateUser(ctx context.Context, p CreateUserParams) (string, error)
	UpdateUser(ctx context.Context, providerID string, p UpdateUserParams) error
	DeleteUser(ctx context.Context, providerID string) error
	ListUsers(ctx context.Context, p ListParams) (*ListResult[User], error)
}

type CreateOrganizationParams struct {
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}

// UpdateOrganizationParams carries only the changed fields; nil pointers are
// omitted from the request body entirely.
type UpdateOrganizationParams struct {
	Name           *string `json:"name,omitempty"`
	Slug           *string `json:"slug,omitempty"`
	CredentialsRef *string `json:"credentials_ref,omitempty"`
}

type CreateUserParams struct {
	EmailAddress string `json:"email_address"`
	Name         string `json:"name,omitempty"`
}

type UpdateUserParams struct {
	EmailAddress *string `json:"email_address,omitempty"`
	Name         *string `json:"name,omitempty"`
}

type ListParams struct {
	Page    int
	PerPage int
	Query   string
}

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type User struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
	Name         string `json:"name"`
}

// ListResult is one page of remote records plus the provider's total count.
type ListResult[T any] struct {
	Items []T
	Total int
}

type Options struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
	UserAgent  string
}

type httpClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	userAgent string
}

func NewClient(opts Options) Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return &httpClient{
		baseURL:   base,
		secretKey: opts.SecretKey,
		client:    hc,
		userAgent: strings.TrimSpace(opts.UserAgent),
	}
}

type createdResource struct {
	ID string `json:"id"`
}

type listEnvelope[T any] struct {
	Data       []T `json:"data"`
	TotalCount int `json:"total_count"`
}

type apiErrorBody struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Message string `json:"message"`
}

func (c *httpClient) CreateOrganization(ctx context.Context, p CreateOrganizationParams) (string, error) {
	if p.Name == "" {
		return "", appErr.New(appErr.CodeRequestSetup, "organization name is required")
	}
	var out createdResource
	if err := c.do(ctx, http.MethodPost, "/v1/organizations", p, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *httpClient) UpdateOrganization(ctx context.Context, providerID string, p UpdateOrganizationParams) error {
	if providerID == "" {
		return appErr.New(appErr.CodeRequestSetup, "organization provider id is required")
	}
	return c.do(ctx, http.MethodPatch, "/v1/organizations/"+providerID, p, nil)
}

func (c *httpClient) DeleteOrganization(ctx context.Context, providerID string) error {
	if providerID == "" {
		return appErr.New(appErr.CodeRequestSetup, "organization provider id is required")
	}
	return c.do(ctx, http.MethodDelete, "/v1/organizations/"+providerID, nil, nil)
}

func (c *httpClient) ListOrganizations(ctx context.Context, p ListParams) (*ListResult[Organization], error) {
	var out listEnvelope[Organization]
	if err := c.do(ctx, http.MethodGet, "/v1/organizations"+listQuery(p), nil, &out); err != nil {
		return nil, err
	}
	return &ListResult[Organization]{Items: out.Data, Total: out.TotalCount}, nil
}

func (c *httpClient) CreateUser(ctx context.Context, p CreateUserParams) (string, error) {
	if p.EmailAddress == "" {
		return "", appErr.New(appErr.CodeRequestSetup, "user email address is required")
	}
	var out createdResource
	if err := c.do(ctx, http.MethodPost, "/v1/users", p, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *httpClient) UpdateUser(ctx context.Context, providerID string, p UpdateUserParams) error {
	if providerID == "" {
		return appErr.New(appErr.CodeRequestSetup, "user provider id is required")
	}
	return c.do(ctx, http.MethodPatch, "/v1/users/"+providerID, p, nil)
}

func (c *httpClient) DeleteUser(ctx context.Context, providerID string) error {
	if providerID == "" {
		return appErr.New(appErr.CodeRequestSetup, "user provider id is required")
	}
	return c.do(ctx, http.MethodDelete, "/v1/users/"+providerID, nil, nil)
}

func (c *httpClient) ListUsers(ctx context.Context, p ListParams) (*ListResult[User], error) {
	var out listEnvelope[User]
	if err := c.do(ctx, http.MethodGet, "/v1/users"+listQuery(p), nil, &out); err != nil {
		return nil, err
	}
	return &ListResult[User]{Items: out.Data, Total: out.TotalCount}, nil
}

func listQuery(p ListParams) string {
	limit := p.PerPage
	if limit <= 0 {
		limit = 10
	}
	offset := p.Page * limit
	if offset < 0 {
		offset = 0
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if p.Query != "" {
		q.Set("query", p.Query)
	}
	return "?" + q.Encode()
}

func (c *httpClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeRequestSetup, "marshal request body failed")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeRequestSetup, "build request failed")
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return appErr.Wrap(err, appErr.CodeDeadline, "provider call timed out")
		}
		return appErr.Wrap(err, appErr.CodeNetwork, "provider unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeNetwork, "read provider response failed")
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return appErr.Wrap(err, appErr.CodeServer, "decode provider response failed")
			}
		}
		return nil
	}

	msg := providerMessage(respBody)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return appErr.New(appErr.CodeNotFound, msg).WithMeta("status", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return appErr.New(appErr.CodeClient, msg).WithMeta("status", resp.StatusCode)
	default:
		return appErr.New(appErr.CodeServer, msg).WithMeta("status", resp.StatusCode)
	}
}

func providerMessage(body []byte) string {
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		if len(parsed.Errors) > 0 && parsed.Errors[0].Message != "" {
			return parsed.Errors[0].Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		s = "provider request failed"
	}
	return s
}
