package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adi-253/Haven/backend/internal/models"
	"go.uber.org/zap"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsAuthError reports whether err is a 401 or 403 from the API.
func IsAuthError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
	}
	return false
}

// Client is a wrapper around the upstream conversation REST API.
// Every request carries the viewer's bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new API client.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// doRequest executes an HTTP request against the API.
// It adds authentication headers and returns the raw body of 2xx responses.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.logger.Debug("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// ListConversations handles GET /conversations.
func (c *Client) ListConversations(ctx context.Context) ([]map[string]any, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil)
	if err != nil {
		return nil, err
	}
	return decodeList(body, "conversations")
}

// GetConversation handles GET /conversations/{id}.
func (c *Client) GetConversation(ctx context.Context, id int64) (map[string]any, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d", id), nil)
	if err != nil {
		return nil, err
	}
	return decodeObject(body, "conversation")
}

// CreateConversation handles POST /conversations.
func (c *Client) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (map[string]any, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/conversations", req)
	if err != nil {
		return nil, err
	}
	return decodeObject(body, "conversation")
}

// ListMessages handles GET /conversations/{id}/messages.
// The list may be unordered; the reconciler sorts.
func (c *Client) ListMessages(ctx context.Context, id int64) ([]map[string]any, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d/messages", id), nil)
	if err != nil {
		return nil, err
	}
	return decodeList(body, "messages")
}

// SendMessage handles POST /conversations/{id}/messages and returns the
// created message with its server id.
func (c *Client) SendMessage(ctx context.Context, id int64, req models.SendMessageRequest) (map[string]any, error) {
	body, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", id), req)
	if err != nil {
		return nil, err
	}
	return decodeObject(body, "message")
}

// MarkRead handles POST /conversations/{id}/read.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	_, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/read", id), nil)
	return err
}

// SetTyping handles POST /conversations/{id}/typing.
func (c *Client) SetTyping(ctx context.Context, id int64, isTyping bool) error {
	_, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/typing", id), models.TypingRequest{IsTyping: isTyping})
	return err
}

// SetStatus handles PATCH /conversations/{id}.
func (c *Client) SetStatus(ctx context.Context, id int64, status models.ConversationStatus) error {
	_, err := c.doRequest(ctx, http.MethodPatch, fmt.Sprintf("/conversations/%d", id), models.StatusRequest{Status: status})
	return err
}

// DeleteConversation handles DELETE /conversations/{id}.
func (c *Client) DeleteConversation(ctx context.Context, id int64) error {
	_, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/conversations/%d", id), nil)
	return err
}
