// Package agentclient provides HTTP client for invoking external agents with SSE streaming.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the agent.
type EventHandler func(event SSEEvent) error

// InvokeRequest is the body posted to an agent's /invoke endpoint.
type InvokeRequest struct {
	AgentID     string          `json:"agent_id"`
	RunID       string          `json:"run_id"`
	TrialID     string          `json:"trial_id"`
	Question    string          `json:"question"`
	Datasource  string          `json:"datasource,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// AgentError is an error event reported by the agent itself.
type AgentError struct {
	Code    string
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error %s: %s", e.Code, e.Message)
}

// Asker is the contract the trial executor depends on.
type Asker interface {
	Ask(ctx context.Context, endpoint string, req *InvokeRequest) (*domain.AgentResponse, error)
}

// Client is an HTTP client for invoking agents.
type Client struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new agent client.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout, // Long timeout for streaming
		},
		now: time.Now,
	}
}

// Ask sends one question to the agent and collects its typed events. The
// call fails as a whole: an error event, a malformed message or a transport
// error discard everything received so far.
func (c *Client) Ask(ctx context.Context, endpoint string, req *InvokeRequest) (*domain.AgentResponse, error) {
	now := c.now
	if now == nil {
		now = time.Now
	}
	start := now()
	resp := &domain.AgentResponse{}

	err := c.Invoke(ctx, endpoint, req, func(event SSEEvent) error {
		if resp.TTFRMs == nil {
			ttfr := now().Sub(start).Milliseconds()
			resp.TTFRMs = &ttfr
		}
		switch event.Event {
		case "message", "":
			msg, err := ParseMessageEvent(event.Data)
			if err != nil {
				return err
			}
			resp.Messages = append(resp.Messages, *msg)
		case "error":
			evt, err := ParseErrorEvent(event.Data)
			if err != nil {
				return err
			}
			return &AgentError{Code: evt.Code, Message: evt.Message}
		case "done":
			// Duration is measured locally; the agent's own figure is not trusted.
			if event.Data != "" {
				if _, err := ParseDoneEvent(event.Data); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp.DurationMs = now().Sub(start).Milliseconds()
	return resp, nil
}

// Invoke calls an agent's /invoke endpoint and streams SSE events.
func (c *Client) Invoke(ctx context.Context, endpoint string, req *InvokeRequest, handler EventHandler) error {
	// Prepare request body
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	// Create HTTP request
	url := strings.TrimSuffix(endpoint, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Run-ID", req.RunID)
	httpReq.Header.Set("X-Trial-ID", req.TrialID)

	// Execute request
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// Parse SSE stream
	return c.parseSSE(resp.Body, handler)
}

// parseSSE parses an SSE stream and calls the handler for each event.
func (c *Client) parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	// Data results can be large.
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		// Parse event/data lines
		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	// Handle any remaining event
	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// ParseMessageEvent parses a message event data.
func ParseMessageEvent(data string) (*domain.SystemMessage, error) {
	var msg domain.SystemMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message event: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message event: missing type")
	}
	return &msg, nil
}

// ParseDoneEvent parses a done event data.
func ParseDoneEvent(data string) (*domain.AgentDoneData, error) {
	var done domain.AgentDoneData
	if err := json.Unmarshal([]byte(data), &done); err != nil {
		return nil, fmt.Errorf("failed to parse done event: %w", err)
	}
	return &done, nil
}

// ParseErrorEvent parses an error event data.
func ParseErrorEvent(data string) (*domain.AgentErrorData, error) {
	var errEvt domain.AgentErrorData
	if err := json.Unmarshal([]byte(data), &errEvt); err != nil {
		return nil, fmt.Errorf("failed to parse error event: %w", err)
	}
	return &errEvt, nil
}
