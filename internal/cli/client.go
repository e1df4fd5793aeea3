// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/orchestrator/services"
	"github.com/noldarim/launchpad/internal/protocol"
	"github.com/noldarim/launchpad/internal/server"

	"github.com/gorilla/websocket"
)

// APIError is a non-2xx response of the server.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Field, e.Message, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client talks to the launchpad API. Identity travels in the header a
// trusted proxy would set.
type Client struct {
	base  *url.URL
	email string
	http  *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, email string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	return &Client{base: u, email: email, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + "/api/v1" + path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.email != "" {
		req.Header.Set("X-Forwarded-Email", c.email)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Field = payload.Field
		}
		return apiErr
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v, err = io.ReadAll(resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

// Me returns the caller as the server sees it.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var u models.User
	if err := c.do(ctx, http.MethodGet, "/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListPipelines returns every pipeline.
func (c *Client) ListPipelines(ctx context.Context) ([]models.Pipeline, error) {
	var out []models.Pipeline
	if err := c.do(ctx, http.MethodGet, "/pipelines", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePipeline stores a new pipeline.
func (c *Client) CreatePipeline(ctx context.Context, params services.CreatePipelineParams) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := c.do(ctx, http.MethodPost, "/pipelines", params, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPipeline returns one pipeline.
func (c *Client) GetPipeline(ctx context.Context, id uint) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/pipelines/%d", id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePipeline removes a pipeline with its runs and workspace.
func (c *Client) DeletePipeline(ctx context.Context, id uint) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/pipelines/%d", id), nil, nil)
}

// TriggerRun starts a run of the pipeline.
func (c *Client) TriggerRun(ctx context.Context, pipelineID uint) (*server.TriggerResponse, error) {
	var tr server.TriggerResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/pipelines/%d/runs", pipelineID), nil, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// ListRuns returns the newest runs of a pipeline.
func (c *Client) ListRuns(ctx context.Context, pipelineID uint, limit int) ([]models.Run, error) {
	var out []models.Run
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/pipelines/%d/runs?limit=%d", pipelineID, limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRun returns one run.
func (c *Client) GetRun(ctx context.Context, id uint) (*models.Run, error) {
	var r models.Run
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/runs/%d", id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PipelineLog returns the log file of the pipeline's latest run.
func (c *Client) PipelineLog(ctx context.Context, pipelineID uint) ([]byte, error) {
	var data []byte
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/pipelines/%d/logs", pipelineID), nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// EventStream delivers the events of one run over a websocket.
type EventStream struct {
	conn      *websocket.Conn
	runID     uint
	closeOnce sync.Once
	closeErr  error
}

// Watch subscribes to the events of a run. The stream replays what the
// server still holds and ends after the terminal event.
func (c *Client) Watch(ctx context.Context, runID uint) (*EventStream, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"

	header := http.Header{}
	if c.email != "" {
		header.Set("X-Forwarded-Email", c.email)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err := conn.WriteJSON(server.WSRequest{Action: "subscribe", RunID: runID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to run %d: %w", runID, err)
	}
	return &EventStream{conn: conn, runID: runID}, nil
}

// Next blocks for the next event. Callers stop after the terminal event;
// io.EOF means the server closed the connection.
func (s *EventStream) Next() (protocol.Event, error) {
	for {
		var msg server.WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch msg.Type {
		case "error":
			return nil, fmt.Errorf("server: %s", msg.Message)
		case "event":
			if msg.RunID != s.runID {
				continue
			}
			return protocol.Unmarshal(msg.Event)
		}
	}
}

// Close ends the subscription.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
