package cli

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

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

// Client speaks the gateway's streaming chat API. One Client holds one
// conversation; the id is assigned by the gateway on the first turn and
// reused afterwards.
type Client struct {
	baseURL    string
	deployment string
	system     string
	convID     string
	httpc      *http.Client
}

func NewClient(baseURL, deployment, systemPrompt string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		deployment: deployment,
		system:     systemPrompt,
		// No overall timeout: turns stream for a while. Dial problems
		// surface through the transport's own timeouts.
		httpc: &http.Client{},
	}
}

// Conversation returns the active conversation id, empty before the first turn.
func (c *Client) Conversation() string { return c.convID }

// SetConversation pins the id used for subsequent turns. The TUI calls it
// when the start event announces the id the gateway chose.
func (c *Client) SetConversation(id string) { c.convID = id }

type streamRequest struct {
	Prompt         string `json:"prompt"`
	Deployment     string `json:"deployment,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
}

type errorReply struct {
	Error string `json:"error"`
}

// Stream posts one prompt and returns the event stream. The channel closes
// when the gateway finishes the turn or the connection drops.
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan entity.ChatEvent, error) {
	body, err := json.Marshal(streamRequest{
		Prompt:         prompt,
		Deployment:     c.deployment,
		ConversationID: c.convID,
		SystemPrompt:   c.system,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	events := make(chan entity.ChatEvent, 32)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev entity.ChatEvent
			if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// Clear resets the active conversation on the gateway. Clearing before any
// turn ran is a no-op.
func (c *Client) Clear(ctx context.Context) error {
	if c.convID == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"conversation_id": c.convID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/clear", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		// Gone either way.
		c.convID = ""
		return nil
	default:
		return decodeError(resp)
	}
}

// Health pings the gateway so the TUI can fail fast on a bad --server flag.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	hc := &http.Client{Timeout: 3 * time.Second}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway health check returned %d", resp.StatusCode)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var reply errorReply
	if err := json.Unmarshal(data, &reply); err == nil && reply.Error != "" {
		return fmt.Errorf("%s", reply.Error)
	}
	return fmt.Errorf("gateway returned %d", resp.StatusCode)
}
