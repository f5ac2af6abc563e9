// Package client is a Go client for the softphone control API
package client

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
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/discovery"
	"github.com/dennisdiepolder/monti/callcore/internal/softphone"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

var (
	// ErrConflict is returned when the phone's call state does not allow the command
	ErrConflict   = errors.New("client: command not allowed in current state")
	ErrBadRequest = errors.New("client: bad request")
)

// Client provides interface to the softphone control API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new control API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// DialRequest describes an outbound call
type DialRequest struct {
	From         string              `json:"from,omitempty"`
	To           string              `json:"to,omitempty"`
	Priority     types.Priority      `json:"priority,omitempty"`
	CustomerInfo *types.CustomerInfo `json:"customerInfo,omitempty"`
}

// CommandResult is the phone state right after a command was sent
type CommandResult struct {
	Message   string             `json:"message"`
	CallState types.CallState    `json:"callState"`
	Call      *types.CallSession `json:"call,omitempty"`
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status retrieves the phone's connection and call state
func (c *Client) Status(ctx context.Context) (*softphone.Status, error) {
	var status softphone.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Dial(ctx context.Context, req DialRequest) (*CommandResult, error) {
	return c.command(ctx, "/dial", req)
}

func (c *Client) Accept(ctx context.Context) (*CommandResult, error) {
	return c.command(ctx, "/accept", nil)
}

func (c *Client) Decline(ctx context.Context, reason string) (*CommandResult, error) {
	return c.command(ctx, "/decline", map[string]string{"reason": reason})
}

func (c *Client) Hold(ctx context.Context) (*CommandResult, error) {
	return c.command(ctx, "/hold", nil)
}

func (c *Client) Resume(ctx context.Context) (*CommandResult, error) {
	return c.command(ctx, "/resume", nil)
}

func (c *Client) End(ctx context.Context, reason string) (*CommandResult, error) {
	return c.command(ctx, "/end", map[string]string{"reason": reason})
}

// SendTone sends one DTMF tone on the connected call
func (c *Client) SendTone(ctx context.Context, tone string) (*CommandResult, error) {
	return c.command(ctx, "/tone", map[string]string{"tone": tone})
}

func (c *Client) Transfer(ctx context.Context, targetAgentID, reason string) (*CommandResult, error) {
	return c.command(ctx, "/transfer", map[string]string{"targetAgentId": targetAgentID, "reason": reason})
}

func (c *Client) Mute(ctx context.Context) (*CommandResult, error) {
	return c.command(ctx, "/mute", nil)
}

func (c *Client) Unmute(ctx context.Context) (*CommandResult, error) {
	return c.command(ctx, "/unmute", nil)
}

// History returns the calls finished by the phone process
func (c *Client) History(ctx context.Context) ([]types.CallSession, error) {
	var out []types.CallSession
	if err := c.do(ctx, http.MethodGet, "/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerHistory returns call records kept by the call-control server
func (c *Client) ServerHistory(ctx context.Context, limit int) ([]types.CallRecord, error) {
	path := "/history/server"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out struct {
		Calls []types.CallRecord `json:"calls"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

func (c *Client) QueueStatus(ctx context.Context) (*types.QueueStatusReply, error) {
	var out types.QueueStatusReply
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Availability runs agent discovery on the phone
func (c *Client) Availability(ctx context.Context) (*discovery.Result, error) {
	var out discovery.Result
	if err := c.do(ctx, http.MethodGet, "/agents/availability", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) command(ctx context.Context, path string, body interface{}) (*CommandResult, error) {
	var out CommandResult
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		text := strings.TrimSpace(string(msg))
		switch resp.StatusCode {
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, text)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrBadRequest, text)
		}
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, text)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
