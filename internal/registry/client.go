// Package registry is the proxy-side REST client for the control plane's
// application instance contract.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NoModifyHeader marks a request as observe-only: the proxy must not PUT
// or DELETE on its behalf, so one request's failure cannot race-delete an
// instance another request is using.
const NoModifyHeader = "x-data-workspace-no-modify-application-instance"

var (
	ErrNotFound = errors.New("registry: application not found")
	ErrConflict = errors.New("registry: application already exists")
)

// Instance is the wire shape the control plane returns per public_host.
type Instance struct {
	State        string `json:"state"`
	ProxyURL     string `json:"proxy_url"`
	TemplateName string `json:"template_name"`
	UserHash     string `json:"user_hash"`
}

// Identity carries the four sso-profile values to forward, binding control
// plane writes to the calling user.
type Identity struct {
	Email     string
	UserID    string
	FirstName string
	LastName  string
}

func (id Identity) apply(h http.Header) {
	h.Set("sso-profile-email", id.Email)
	h.Set("sso-profile-user-id", id.UserID)
	h.Set("sso-profile-first-name", id.FirstName)
	h.Set("sso-profile-last-name", id.LastName)
}

type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Get(ctx context.Context, publicHost string, id Identity) (*Instance, error) {
	return c.do(ctx, http.MethodGet, publicHost, id)
}

// Put creates the instance in SPAWNING. ErrConflict means another request
// won the slot; callers should re-Get and use the winner.
func (c *Client) Put(ctx context.Context, publicHost string, id Identity) (*Instance, error) {
	return c.do(ctx, http.MethodPut, publicHost, id)
}

// SetRunning promotes SPAWNING to RUNNING once the application has served
// a successful response.
func (c *Client) SetRunning(ctx context.Context, publicHost string, id Identity) error {
	body, _ := json.Marshal(map[string]string{"state": "RUNNING"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.url(publicHost), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	id.apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: PATCH %s returned %d", publicHost, resp.StatusCode)
	}
	return nil
}

// Delete is idempotent: deleting an absent or stopped instance succeeds.
func (c *Client) Delete(ctx context.Context, publicHost string, id Identity) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(publicHost), nil)
	if err != nil {
		return err
	}
	id.apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: DELETE %s returned %d", publicHost, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, publicHost string, id Identity) (*Instance, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(publicHost), nil)
	if err != nil {
		return nil, err
	}
	id.apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	case http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrConflict
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("registry: %s %s returned %d", method, publicHost, resp.StatusCode)
	}

	var inst Instance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", publicHost, err)
	}
	return &inst, nil
}

func (c *Client) url(publicHost string) string {
	return c.base + "/api/v1/application/" + publicHost
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
