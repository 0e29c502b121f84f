package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/model"
)

const (
	requestTimeout = 15 * time.Second
	redialDelay    = 2 * time.Second
)

// APIError is a command rejection decoded from the server, carrying the
// taxonomy kind alongside the message.
type APIError struct {
	StatusCode int
	Kind       conversation.ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (%d %s)", e.Message, e.StatusCode, e.Kind)
}

// Client drives one viewer's side of a project conversation: commands go
// over HTTP and their responses land in the log immediately, deltas stream
// in over WebSocket, and every reconnect starts with a full reload.
type Client struct {
	baseURL   string
	token     string
	projectID string
	http      *http.Client
	log       *Log
}

func New(baseURL, token, projectID string, viewer model.Role) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		projectID: projectID,
		http:      &http.Client{Timeout: requestTimeout},
		log:       NewLog(viewer),
	}
}

// Log exposes the reconciled local view.
func (c *Client) Log() *Log { return c.log }

// Reload replaces the local log with the authoritative conversation fetch.
func (c *Client) Reload(ctx context.Context) error {
	var messages []model.Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/projects/%s/messages", c.projectID), nil, &messages)
	if err != nil {
		return fmt.Errorf("client.Reload: %w", err)
	}
	c.log.Seed(messages)
	return nil
}

// Pinned fetches the server-side pinned view directly.
func (c *Client) Pinned(ctx context.Context) ([]model.Message, error) {
	var messages []model.Message
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/projects/%s/pinned", c.projectID), nil, &messages); err != nil {
		return nil, fmt.Errorf("client.Pinned: %w", err)
	}
	return messages, nil
}

// Send posts a top-level message and inserts the response into the log, so
// the author sees it before the broadcast echo arrives.
func (c *Client) Send(ctx context.Context, body string) (model.Message, error) {
	var m model.Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%s/messages", c.projectID),
		map[string]string{"body": body}, &m)
	if err != nil {
		return model.Message{}, fmt.Errorf("client.Send: %w", err)
	}
	c.log.Insert(m)
	return m, nil
}

// Reply posts a threaded message under parentID.
func (c *Client) Reply(ctx context.Context, parentID, body string) (model.Message, error) {
	var m model.Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%s/messages/%s/replies", c.projectID, parentID),
		map[string]string{"body": body}, &m)
	if err != nil {
		return model.Message{}, fmt.Errorf("client.Reply: %w", err)
	}
	c.log.Insert(m)
	return m, nil
}

// Edit replaces the body of the caller's own message.
func (c *Client) Edit(ctx context.Context, messageID, body string) (model.Message, error) {
	var m model.Message
	err := c.do(ctx, http.MethodPut, "/api/messages/"+messageID,
		map[string]string{"body": body}, &m)
	if err != nil {
		return model.Message{}, fmt.Errorf("client.Edit: %w", err)
	}
	if m.EditedAt != nil {
		c.log.Apply(conversation.Delta{
			Kind:      conversation.DeltaEdited,
			ProjectID: m.ProjectID,
			Edit: &conversation.EditDelta{
				MessageID: m.ID,
				Body:      m.Body,
				EditedAt:  *m.EditedAt,
				EditCount: len(m.EditHistory),
			},
		})
	}
	return m, nil
}

// React toggles the caller's emoji reaction on a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) (model.Message, error) {
	var m model.Message
	err := c.do(ctx, http.MethodPost, "/api/messages/"+messageID+"/reactions",
		map[string]string{"emoji": emoji}, &m)
	if err != nil {
		return model.Message{}, fmt.Errorf("client.React: %w", err)
	}
	c.log.setReactions(m.ID, m.Reactions)
	return m, nil
}

// SetPinned pins or unpins a message.
func (c *Client) SetPinned(ctx context.Context, messageID string, pinned bool) (model.Message, error) {
	var m model.Message
	err := c.do(ctx, http.MethodPut, "/api/messages/"+messageID+"/pin",
		map[string]bool{"pinned": pinned}, &m)
	if err != nil {
		return model.Message{}, fmt.Errorf("client.SetPinned: %w", err)
	}
	c.log.setPin(m.ID, m.IsPinned, m.PinnedAt, m.PinnedBy)
	return m, nil
}

// MarkRead flips read state for the given counterpart messages and returns
// the ids that actually changed.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) ([]string, error) {
	var resp struct {
		Marked []string `json:"marked"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%s/read", c.projectID),
		map[string][]string{"message_ids": messageIDs}, &resp)
	if err != nil {
		return nil, fmt.Errorf("client.MarkRead: %w", err)
	}
	c.log.Apply(conversation.Delta{
		Kind:      conversation.DeltaRead,
		ProjectID: c.projectID,
		Read:      &conversation.ReadDelta{MessageIDs: resp.Marked},
	})
	return resp.Marked, nil
}

// SetTyping publishes the ephemeral typing signal. The server auto-stops
// after its quiet period, so only keystrokes need to call this.
func (c *Client) SetTyping(ctx context.Context, typing bool) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%s/typing", c.projectID),
		map[string]bool{"typing": typing}, nil)
	if err != nil {
		return fmt.Errorf("client.SetTyping: %w", err)
	}
	return nil
}

// Subscribe dials the delta stream and applies everything it receives until
// ctx is cancelled. Each (re)connect reloads the full log first; the stream
// never replays missed deltas. Dial and read failures redial after a short
// delay instead of returning.
func (c *Client) Subscribe(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runStream(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf("client.Subscribe: stream lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redialDelay):
		}
	}
}

func (c *Client) runStream(ctx context.Context) error {
	if err := c.Reload(ctx); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		delta, err := conversation.DecodeDelta(payload)
		if err != nil {
			logger.Errorf("client: drop malformed delta: %v", err)
			continue
		}
		c.log.Apply(delta)
	}
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?project_id=" + url.QueryEscape(c.projectID) + "&token=" + url.QueryEscape(c.token)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Kind:       conversation.ErrorKind(apiErr.Kind),
			Message:    apiErr.Error,
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
