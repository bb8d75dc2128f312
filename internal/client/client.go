// Package client is the HTTP client for the toshtogo API, used by
// worker agents and by client-side tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/api/dto"
	"github.com/no-man-is-an-island/toshtogo/internal/core"
)

// Config holds client configuration.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Agent      core.AgentDetails
}

// Client talks JSON over HTTP to a toshtogo server.
type Client struct {
	baseURL string
	http    *http.Client
	agent   core.AgentDetails
}

// New creates a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		agent:   cfg.Agent,
	}
}

// PutJob submits a job graph under the given id.
func (c *Client) PutJob(ctx context.Context, jobID uuid.UUID, req core.JobRequest) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/jobs/%s", jobID), req, nil)
}

// RequestWork claims one contract matching the filter. Returns nil when
// the server has no matching work.
func (c *Client) RequestWork(ctx context.Context, commitmentID uuid.UUID, filter core.WorkFilter) (*core.ContractView, error) {
	req := dto.ClaimRequest{
		CommitmentID: commitmentID,
		Filter:       dto.WorkFilter{JobType: filter.JobType, Tags: filter.Tags},
		Agent:        c.agent,
	}

	var view core.ContractView
	status, err := c.doStatus(ctx, http.MethodPut, "/api/commitments", req, &view)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &view, nil
}

// Heartbeat reports liveness and returns the server's instruction.
func (c *Client) Heartbeat(ctx context.Context, commitmentID uuid.UUID) (core.Instruction, error) {
	var resp dto.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/commitments/%s/heartbeat", commitmentID), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Instruction, nil
}

// Complete reports the result of claimed work.
func (c *Client) Complete(ctx context.Context, commitmentID uuid.UUID, result dto.CompleteRequest) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/commitments/%s", commitmentID), result, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError maps the wire error codes back onto the engine's sentinel
// errors so callers can use errors.Is across the HTTP boundary.
func decodeError(resp *http.Response) error {
	var envelope dto.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	switch envelope.Error.Code {
	case "conflict":
		return fmt.Errorf("%s: %w", envelope.Error.Message, core.ErrConflict)
	case "stale-commitment":
		return fmt.Errorf("%s: %w", envelope.Error.Message, core.ErrStaleCommitment)
	case "not-found":
		return fmt.Errorf("%s: %w", envelope.Error.Message, core.ErrJobNotFound)
	case "invalid-payload":
		return fmt.Errorf("%s: %w", envelope.Error.Message, core.ErrInvalidJobRequest)
	default:
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, envelope.Error.Message)
	}
}
