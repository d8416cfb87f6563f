// Package controlplane is a client for the hosted-Postgres management API
// that creates per-tenant projects and hands out their connection strings.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/tenantdb/internal/breaker"
)

const (
	pageLimit = 100
	maxPages  = 50
	maxBody   = 4 << 10
)

// Config holds configuration for the control-plane client.
type Config struct {
	APIKey            string
	BaseURL           string        // default: https://console.neon.tech/api/v2
	Timeout           time.Duration // per call (default: 20s)
	RequestsPerSecond float64       // default: 5
	HTTPClient        *http.Client
	Breaker           *breaker.Breaker
}

// Client talks to the control-plane API. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker.Breaker
	limiter *rate.Limiter
}

// New creates a client. Returns ErrMissingCredentials without an API key.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://console.neon.tech/api/v2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	br := cfg.Breaker
	if br == nil {
		br = breaker.New(breaker.Config{Name: "controlplane"})
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		breaker: br,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
	}, nil
}

// ListProjects returns every project visible to the API key, following
// pagination cursors.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var (
		all    []Project
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		q := url.Values{"limit": {strconv.Itoa(pageLimit)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp listProjectsResponse
		if err := c.do(ctx, "list_projects", http.MethodGet, "/projects", q, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Projects...)

		if len(resp.Projects) == 0 || resp.Pagination == nil || resp.Pagination.Cursor == "" || resp.Pagination.Cursor == cursor {
			return all, nil
		}
		cursor = resp.Pagination.Cursor
	}
	return all, nil
}

// FindProject returns the project with exactly the given name.
func (c *Client) FindProject(ctx context.Context, name string) (*Project, bool, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i], true, nil
		}
	}
	return nil, false, nil
}

// CreateProject creates a project. A name collision surfaces as an error
// matching ErrConflict.
func (c *Client) CreateProject(ctx context.Context, name, region string, pgVersion int) (*Project, error) {
	body := createProjectRequest{Project: createProjectSpec{
		Name:      name,
		RegionID:  region,
		PGVersion: pgVersion,
	}}
	var resp projectResponse
	if err := c.do(ctx, "create_project", http.MethodPost, "/projects", nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.Project.ID == "" {
		return nil, &StepError{Step: "create_project", Err: errors.New("response carried no project id")}
	}
	return &resp.Project, nil
}

// ListBranches returns the branches of a project.
func (c *Client) ListBranches(ctx context.Context, projectID string) ([]Branch, error) {
	var resp listBranchesResponse
	path := "/projects/" + url.PathEscape(projectID) + "/branches"
	if err := c.do(ctx, "list_branches", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Branches, nil
}

// ListEndpoints returns the compute endpoints attached to a branch.
func (c *Client) ListEndpoints(ctx context.Context, projectID, branchID string) ([]Endpoint, error) {
	var resp listEndpointsResponse
	path := "/projects/" + url.PathEscape(projectID) + "/branches/" + url.PathEscape(branchID) + "/endpoints"
	if err := c.do(ctx, "list_endpoints", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}

// ConnectionURI fetches the connection string for a branch endpoint.
func (c *Client) ConnectionURI(ctx context.Context, projectID, branchID, endpointID, database, role string) (string, error) {
	q := url.Values{
		"branch_id":     {branchID},
		"endpoint_id":   {endpointID},
		"database_name": {database},
		"role_name":     {role},
	}
	var resp connectionURIResponse
	path := "/projects/" + url.PathEscape(projectID) + "/connection_uri"
	if err := c.do(ctx, "connection_uri", http.MethodGet, path, q, nil, &resp); err != nil {
		return "", err
	}
	if resp.URI == "" {
		return "", &StepError{Step: "connection_uri", Err: errors.New("response carried no uri")}
	}
	return resp.URI, nil
}

// BreakerState reports the client's circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// do runs one call through the rate limiter and the breaker. Client-side
// (4xx) failures are returned as results so they do not trip the breaker.
func (c *Client) do(ctx context.Context, step, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &StepError{Step: step, Err: err}
	}

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.roundTrip(ctx, step, method, path, query, body, out)
	})
	if err != nil {
		var se *StepError
		if errors.As(err, &se) {
			return err
		}
		return &StepError{Step: step, Err: err}
	}
	if se, ok := result.(*StepError); ok && se != nil {
		return se
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, step, method, path string, query url.Values, body, out any) (*StepError, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		se := &StepError{Step: step, Status: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, se
		}
		return se, nil
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, &StepError{Step: step, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil, nil
}
