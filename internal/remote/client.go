// Package remote is the authenticated client for the sync backend. It is
// the only component that talks to the network; every failure it returns
// is classified so the synchronizer can decide between "retry later via
// the pending queue" and "stay local-only".
package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/quickswitch/quickswitch/internal/infrastructure/resilience"
	"github.com/quickswitch/quickswitch/internal/shared/id"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// IdentityFunc supplies the current auth identity, or nil when logged out.
type IdentityFunc func() *types.AuthIdentity

// Client talks to the sync backend.
type Client struct {
	resty    *resty.Client
	breaker  *resilience.Breaker
	identity IdentityFunc
}

// envelope is the common response wrapper of every backend endpoint.
type envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	ID       string          `json:"id,omitempty"`
	Email    string          `json:"email,omitempty"`
	Token    string          `json:"token,omitempty"`
	Sessions []types.Session `json:"sessions,omitempty"`
}

// New creates a client for the backend at baseURL.
func New(baseURL string, timeout time.Duration, identity IdentityFunc) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 15 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "QuickSwitch/1.0").
		SetTransport(retryClient.StandardClient().Transport).
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			req.SetHeader("X-Request-ID", id.Request())
			return nil
		})

	breaker := resilience.New("remote-store", resilience.Settings{
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{resty: restyClient, breaker: breaker, identity: identity}
}

// Register creates an account and returns the resulting identity.
func (c *Client) Register(ctx context.Context, email, password string) (*types.AuthIdentity, error) {
	body := map[string]string{"email": email, "password": password}
	env, err := c.do(ctx, http.MethodPost, "/api/auth/register", body, false)
	if err != nil {
		return nil, err
	}
	return &types.AuthIdentity{UserID: env.ID, Email: email, Token: env.Token}, nil
}

// Login authenticates and returns the resulting identity.
func (c *Client) Login(ctx context.Context, email, password string) (*types.AuthIdentity, error) {
	body := map[string]string{"email": email, "password": password}
	env, err := c.do(ctx, http.MethodPost, "/api/auth/login", body, false)
	if err != nil {
		return nil, err
	}
	return &types.AuthIdentity{UserID: env.ID, Email: env.Email, Token: env.Token}, nil
}

// Me validates the stored token against the backend.
func (c *Client) Me(ctx context.Context) (*types.AuthIdentity, error) {
	ident := c.identity()
	if !ident.Valid() {
		return nil, types.ErrUnauthenticated
	}
	env, err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, true)
	if err != nil {
		return nil, err
	}
	return &types.AuthIdentity{UserID: env.ID, Email: env.Email, Token: ident.Token}, nil
}

// List fetches the remote session set.
func (c *Client) List(ctx context.Context) ([]types.Session, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, true)
	if err != nil {
		return nil, err
	}
	if env.Sessions == nil {
		return []types.Session{}, nil
	}
	return env.Sessions, nil
}

// Create upserts one session by its ID.
func (c *Client) Create(ctx context.Context, session *types.Session) error {
	_, err := c.do(ctx, http.MethodPost, "/api/sessions", session, true)
	return err
}

// Update is an alias of Create: the backend upserts by session ID.
func (c *Client) Update(ctx context.Context, session *types.Session) error {
	return c.Create(ctx, session)
}

// Delete removes one session.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID, nil, true)
	return err
}

// BulkSync pushes a change set and returns the authoritative session list.
func (c *Client) BulkSync(ctx context.Context, changes types.ChangeSet) ([]types.Session, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/sessions/sync", changes, true)
	if err != nil {
		return nil, err
	}
	if env.Sessions == nil {
		return []types.Session{}, nil
	}
	return env.Sessions, nil
}

// do executes one call through the circuit breaker and maps transport and
// status failures onto the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, authed bool) (*envelope, error) {
	req := c.resty.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if authed {
		ident := c.identity()
		if !ident.Valid() {
			return nil, types.ErrUnauthenticated
		}
		req.SetAuthToken(ident.Token)
	}

	env := &envelope{}
	req.SetResult(env).SetError(env)

	var resp *resty.Response
	err := c.breaker.Execute(func() error {
		var execErr error
		resp, execErr = req.Execute(method, path)
		if execErr != nil {
			return execErr
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return fmt.Errorf("server returned %s", resp.Status())
		}
		return nil
	})
	if err != nil {
		return nil, &types.NetworkError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", env.Message, types.ErrUnauthenticated)
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", env.Message, types.ErrNotFound)
	case resp.IsError():
		return nil, fmt.Errorf("%s: %w", env.Message, types.ErrValidation)
	}
	return env, nil
}
