// Package chatsync is a client for real-time chat delivery: a STOMP over
// WebSocket connection with automatic resubscription, a paginated message
// cache with optimistic sends, and a room list kept fresh by pushes.
//
// Example:
//
//	session, _ := chatsync.NewSession(chatsync.SessionConfig{
//		BaseURL: "http://localhost:8080",
//		Token:   token,
//	})
//	defer session.Close()
//	_ = session.Start(ctx)
//
//	session.Chat.Open(ctx, 42, func(m chatsync.Message) { fmt.Println(m.Content) })
//	session.Chat.Send(ctx, 42, "hello", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultTimeout      = 30 * time.Second
	DefaultFetchRetries = 2
	DefaultRetryDelay   = 500 * time.Millisecond

	MessagePageSize = 50
	RoomPageSize    = 10
)

// Client is the REST collaborator used for sends and history fetches.
type Client struct {
	token        string
	baseURL      string
	httpClient   *http.Client
	fetchRetries int
	retryDelay   time.Duration
	logger       *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithFetchRetries sets how many times a failed fetch is retried.
func WithFetchRetries(n int) ClientOption {
	return func(c *Client) { c.fetchRetries = n }
}

func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryDelay = d }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new REST client. token may be empty.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		fetchRetries: DefaultFetchRetries,
		retryDelay:   DefaultRetryDelay,
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return data, nil
}

// fetch issues a GET and retries transport failures and 5xx responses.
func (c *Client) fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.fetchRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying fetch", "path", path, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		data, err := c.doRequest(ctx, http.MethodGet, path, nil, "", query)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, err
		}
	}
	return nil, lastErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages
// ============================================================================

// Upload is a file attached to an outgoing message.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// SendMessageRequest is the multipart body of a message send.
type SendMessageRequest struct {
	RoomID          int64
	Content         string
	ReplyTargetID   int64
	ReplyTargetType string
	Files           []Upload
}

// SendMessage posts a message and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessagePayload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	_ = w.WriteField("roomId", strconv.FormatInt(req.RoomID, 10))
	_ = w.WriteField("content", req.Content)
	if req.ReplyTargetID != 0 {
		_ = w.WriteField("repliedTargetId", strconv.FormatInt(req.ReplyTargetID, 10))
		_ = w.WriteField("repliedTargetType", req.ReplyTargetType)
	}
	for _, f := range req.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "multipartFiles",
			"filename": f.Name,
		}))
		ct := f.ContentType
		if ct == "" {
			ct = guessMimeType(f.Name)
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/messages", &buf, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePayload](data)
}

// PageRequest selects one page of a listing.
type PageRequest struct {
	Page int
	Size int
}

func (p PageRequest) query() url.Values {
	size := p.Size
	if size <= 0 {
		size = MessagePageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(p.Page))
	q.Set("size", strconv.Itoa(size))
	q.Set("sort", "createdAt,desc")
	return q
}

// FetchMessages returns one page of a room's history. The server orders
// pages newest first; the returned page content is oldest first.
func (c *Client) FetchMessages(ctx context.Context, roomID, selfID int64, page PageRequest) (*Page[*Message], error) {
	q := page.query()
	q.Set("roomId", strconv.FormatInt(roomID, 10))
	q.Set("paged", "true")

	data, err := c.fetch(ctx, "/messages", q)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of room %d: %w", roomID, err)
	}
	raw, err := decodeJSON[Page[MessagePayload]](data)
	if err != nil {
		return nil, err
	}

	out := &Page[*Message]{
		Number:        raw.Number,
		TotalPages:    raw.TotalPages,
		TotalElements: raw.TotalElements,
		Last:          raw.Last,
		Content:       make([]*Message, 0, len(raw.Content)),
	}
	for i := range raw.Content {
		m, err := raw.Content[i].ToMessage(roomID, selfID)
		if err != nil {
			c.logger.Warn("skipping message", "room", roomID, "error", err)
			continue
		}
		out.Content = append(out.Content, m)
	}
	slices.Reverse(out.Content)
	return out, nil
}

// FetchLatestMessage returns the newest message of a room, or nil if the
// room is empty.
func (c *Client) FetchLatestMessage(ctx context.Context, roomID int64) (*MessagePayload, error) {
	q := PageRequest{Page: 0, Size: 1}.query()
	q.Set("roomId", strconv.FormatInt(roomID, 10))
	q.Set("paged", "true")

	data, err := c.fetch(ctx, "/messages", q)
	if err != nil {
		return nil, fmt.Errorf("fetch latest message of room %d: %w", roomID, err)
	}
	page, err := decodeJSON[Page[MessagePayload]](data)
	if err != nil {
		return nil, err
	}
	if len(page.Content) == 0 {
		return nil, nil
	}
	return &page.Content[0], nil
}

// ============================================================================
// Chat rooms
// ============================================================================

// FetchChatRooms returns one page of the rooms memberID belongs to.
func (c *Client) FetchChatRooms(ctx context.Context, memberID int64, page PageRequest) (*Page[ChatRoom], error) {
	if page.Size <= 0 {
		page.Size = RoomPageSize
	}
	q := page.query()
	if memberID != 0 {
		q.Set("memberId", strconv.FormatInt(memberID, 10))
	}

	data, err := c.fetch(ctx, "/chat-rooms", q)
	if err != nil {
		return nil, fmt.Errorf("fetch chat rooms: %w", err)
	}
	return decodeJSON[Page[ChatRoom]](data)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
