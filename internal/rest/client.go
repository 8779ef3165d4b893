// Package rest implements the HTTP client for the chat API. It translates
// HTTP status codes into the shared error taxonomy and routes forbidden
// responses through the access gate.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/tandemapp/chatkit/internal/access"
	"github.com/tandemapp/chatkit/internal/chaterr"
	"github.com/tandemapp/chatkit/internal/wire"
)

const maxErrorBody = 16 << 10

// Client calls the chat REST API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	gate    *access.Gate
	logger  *zap.Logger
}

// NewClient creates a client for the API at baseURL. gate may be nil.
func NewClient(baseURL, token string, gate *access.Gate, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", chaterr.ErrInvalidURL, baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: u,
		token:   token,
		http:    &http.Client{},
		gate:    gate,
		logger:  logger,
	}, nil
}

// Pagination describes a history page.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// HistoryPage is the response of the message-history endpoint.
type HistoryPage struct {
	Messages   []wire.Message `json:"messages"`
	Pagination Pagination     `json:"pagination"`
}

// SendMessage posts a text message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, receiverID, content string) (*wire.Message, error) {
	body := map[string]string{"receiverId": receiverID, "content": content}
	var msg wire.Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendImageMessage posts an image message whose content references an
// already-uploaded URL.
func (c *Client) SendImageMessage(ctx context.Context, receiverID, imageURL string) (*wire.Message, error) {
	body := map[string]string{"receiverId": receiverID, "imageUrl": imageURL}
	var msg wire.Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/messages/image", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UploadImage uploads a chat image as multipart form data and returns the
// URL the server stored it at.
func (c *Client) UploadImage(ctx context.Context, filename string, image io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat/uploads", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		URL string `json:"url"`
	}
	if err := c.roundTrip(req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// History fetches one page of the conversation with userID.
func (c *Client) History(ctx context.Context, userID string, page, limit int) (*HistoryPage, error) {
	path := "/api/chat/messages/" + url.PathEscape(userID) +
		"?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)
	var out HistoryPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations fetches the conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]wire.Conversation, error) {
	var out struct {
		Conversations []wire.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// MarkMessageRead reports a single message as read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	path := "/api/chat/messages/" + url.PathEscape(messageID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// MarkConversationRead reports a whole conversation as read.
func (c *Client) MarkConversationRead(ctx context.Context, userID string) error {
	path := "/api/chat/conversations/" + url.PathEscape(userID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", chaterr.ErrInvalidURL, path)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrInvalidURL, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransport(req.Context(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", chaterr.ErrDecoding, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := chaterr.FromResponse(resp.StatusCode, raw)
	if errors.Is(apiErr, chaterr.ErrForbidden) && c.gate != nil {
		c.gate.Trip()
	}
	c.logger.Debug("api error",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode))
	return apiErr
}

func (c *Client) classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrCancelled, ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", chaterr.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", chaterr.ErrNoConnection, err)
}
