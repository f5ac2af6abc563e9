// Package crmapi is the HTTP client for the CRM collaborator endpoints the
// call core reads: agent availability, ICE configuration and tickets.
package crmapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

// DefaultTimeout bounds every request
const DefaultTimeout = 5 * time.Second

var ErrUnsuccessful = errors.New("crmapi: request unsuccessful")

// envelope is the {success, data, message} wrapper of every endpoint
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Client talks to the CRM REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. token may be empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// AvailableAgents lists agents the server reports as available
func (c *Client) AvailableAgents(ctx context.Context) ([]types.AgentInfo, error) {
	var data types.AgentList
	if err := c.get(ctx, "/api/agents/available", &data); err != nil {
		return nil, err
	}
	return data.Agents, nil
}

// AgentStatuses lists all agents with their status
func (c *Client) AgentStatuses(ctx context.Context) ([]types.AgentInfo, error) {
	var data types.AgentList
	if err := c.get(ctx, "/api/agents/status", &data); err != nil {
		return nil, err
	}
	return data.Agents, nil
}

// DemoAgents lists the demo agent pool, the available subset when the
// server provides one
func (c *Client) DemoAgents(ctx context.Context) ([]types.AgentInfo, error) {
	var data types.AgentList
	if err := c.get(ctx, "/api/call/demo/agents", &data); err != nil {
		return nil, err
	}
	if len(data.Available) > 0 {
		return data.Available, nil
	}
	return data.Agents, nil
}

// ICEConfig fetches the ICE servers for peer connections
func (c *Client) ICEConfig(ctx context.Context) (types.ICEConfig, error) {
	var cfg types.ICEConfig
	err := c.get(ctx, "/api/webrtc/config", &cfg)
	return cfg, err
}

// FetchTicket loads one ticket by id
func (c *Client) FetchTicket(ctx context.Context, id string) (*types.Ticket, error) {
	var t types.Ticket
	if err := c.get(ctx, "/api/tickets/"+url.PathEscape(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// get performs a GET and decodes the envelope's data into out
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("crmapi: build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crmapi: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("crmapi: read %s: %w", path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: GET %s returned %d: %s", ErrUnsuccessful, path, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return fmt.Errorf("crmapi: decode %s: %w", path, decodeErr)
	}
	if !env.Success {
		return fmt.Errorf("%w: GET %s: %s", ErrUnsuccessful, path, env.Message)
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("crmapi: decode %s data: %w", path, err)
	}
	return nil
}
