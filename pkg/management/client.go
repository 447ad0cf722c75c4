// Package management implements the HTTP client for the management
// service's task wire protocol: polling for work, heartbeating, and
// reporting completion/failure.
package management

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/types"
)

// BearerSource supplies the current discovery bearer for outgoing
// requests.
type BearerSource interface {
	GetAccess(ctx context.Context) (string, error)
	OnUnauthorized()
}

// Client is the management service HTTP client.
type Client struct {
	baseURL string
	http    *http.Client
	bearer  BearerSource
}

// New builds a management Client rooted at baseURL, authenticating every
// request with bearer.
func New(baseURL string, bearer BearerSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient, bearer: bearer}
}

// Poll requests the next available task for capability, per
// GET /tasks?capability=. A nil envelope with a nil error means no task is
// currently available.
func (c *Client) Poll(ctx context.Context, capability types.CapabilitySelector) (*types.LeaseEnvelope, error) {
	u, err := url.Parse(c.baseURL + "/tasks")
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.Configuration, "parse management url", err)
	}
	q := u.Query()
	q.Set("capability", capability.Capability)
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusToError(resp.StatusCode, "poll for task")
	}

	var env types.LeaseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, cnerrors.Wrap(cnerrors.TransportTerminal, "decode poll response", err)
	}
	return &env, nil
}

// PostHeartbeat implements heartbeat.Transport.
func (c *Client) PostHeartbeat(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.HeartbeatResponse{}, cnerrors.Wrap(cnerrors.LocalLogic, "encode heartbeat", err)
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/tasks/%s/heartbeat", c.baseURL, req.LeaseID), body)
	if err != nil {
		return types.HeartbeatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.HeartbeatResponse{}, statusToError(resp.StatusCode, "post heartbeat")
	}

	var hr types.HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return types.HeartbeatResponse{}, cnerrors.Wrap(cnerrors.TransportTerminal, "decode heartbeat response", err)
	}
	return hr, nil
}

// Complete reports a successful task outcome.
func (c *Client) Complete(ctx context.Context, leaseID string, req types.CompleteTaskRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "encode complete request", err)
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/tasks/%s/complete", c.baseURL, leaseID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusToError(resp.StatusCode, "report task completion")
	}
	return nil
}

// Fail reports a task failure.
func (c *Client) Fail(ctx context.Context, leaseID string, req types.FailTaskRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "encode fail request", err)
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/tasks/%s/fail", c.baseURL, leaseID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusToError(resp.StatusCode, "report task failure")
	}
	return nil
}

// do issues an authenticated request, retrying exactly once with a forced
// bearer refresh if the server returns 401.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	resp, err := c.doOnce(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.bearer.OnUnauthorized()
		return c.doOnce(ctx, method, url, body)
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.LocalLogic, "build management request", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.bearer.GetAccess(ctx)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.AuthExpired, "acquire bearer for management request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.TransportTransient, "management request", err)
	}
	return resp, nil
}

func statusToError(status int, action string) error {
	switch {
	case status == http.StatusUnauthorized:
		return cnerrors.New(cnerrors.AuthExpired, action)
	case status == http.StatusConflict || status == http.StatusGone:
		return cnerrors.New(cnerrors.ServerReject, action)
	case status >= 500:
		return cnerrors.New(cnerrors.TransportTransient, fmt.Sprintf("%s: http %d", action, status))
	default:
		return cnerrors.New(cnerrors.TransportTerminal, fmt.Sprintf("%s: http %d", action, status))
	}
}
