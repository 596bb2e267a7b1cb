// Package restapi is the client of the platform's chat REST API.
package restapi

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
	"time"

	"github.com/sony/gobreaker"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
)

const maxErrorBody = 512

// ErrStatus is wrapped by every non-2xx response.
var ErrStatus = errors.New("unexpected status")

// StatusError carries the status code of a failed call.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

type Options struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	MaxFailures  int
	BreakerReset time.Duration
	HTTPClient   *http.Client
}

type Client struct {
	base  string
	token string
	http  *http.Client
	cb    *gobreaker.CircuitBreaker
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	maxFailures := uint32(opts.MaxFailures)
	st := gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Timeout:     opts.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("circuit breaker %s: %s -> %s", name, from, to)
		},
	}
	return &Client{
		base:  opts.BaseURL,
		token: opts.Token,
		http:  hc,
		cb:    gobreaker.NewCircuitBreaker(st),
	}
}

// do performs one request through the breaker and decodes a 2xx body into out (if non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	defer func() { metrics.RESTLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	_, err := c.cb.Execute(func() (any, error) {
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		metrics.RESTErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("restapi.%s: %w", op, err)
	}
	return nil
}

type historyResponse struct {
	Messages []model.Message `json:"messages"`
}

// History fetches one page of a conversation. skip counts messages already loaded;
// page order is whatever the server returns.
func (c *Client) History(ctx context.Context, friendID model.UserID, skip, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/chat/history/" + strconv.FormatInt(int64(friendID), 10) + "?" + q.Encode()
	var resp historyResponse
	if err := c.do(ctx, "History", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := resp.Messages[:0]
	for _, m := range resp.Messages {
		if err := m.Validate(); err != nil {
			logger.Errorf("history friend=%d: skipping invalid message: %v", friendID, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type sendRequest struct {
	ReceiverID model.UserID      `json:"receiver_id"`
	Type       model.MessageType `json:"type"`
	Content    string            `json:"content,omitempty"`
	File       string            `json:"file,omitempty"`
	LocalID    string            `json:"local_id,omitempty"`
}

// messageResponse accepts both a bare message and {"message": {...}}.
type messageResponse struct {
	model.Message
}

func (r *messageResponse) UnmarshalJSON(b []byte) error {
	var wrapped struct {
		Message *model.Message `json:"message"`
	}
	if err := json.Unmarshal(b, &wrapped); err == nil && wrapped.Message != nil {
		r.Message = *wrapped.Message
		return nil
	}
	return json.Unmarshal(b, &r.Message)
}

// SendMessage submits a message. Media types carry a file reference, text and promotion a content body.
func (c *Client) SendMessage(ctx context.Context, receiverID model.UserID, d model.Draft, localID string) (model.Message, error) {
	req := sendRequest{ReceiverID: receiverID, Type: d.Type, LocalID: localID}
	switch d.Type {
	case model.MessageTypeImage, model.MessageTypeVoice:
		req.File = d.Payload
	default:
		req.Content = d.Payload
	}
	var resp messageResponse
	if err := c.do(ctx, "SendMessage", http.MethodPost, "/api/chat/send", req, &resp); err != nil {
		return model.Message{}, err
	}
	if err := resp.Message.Validate(); err != nil {
		return model.Message{}, fmt.Errorf("restapi.SendMessage: %w", err)
	}
	return resp.Message, nil
}

type wireFriend struct {
	ID        model.FlexUserID `json:"id"`
	Username  string           `json:"username"`
	AvatarURL string           `json:"avatar_url"`
	IsOnline  bool             `json:"is_online"`
	LastSeen  model.FlexTime   `json:"last_seen"`
}

func (w wireFriend) friend() model.Friend {
	return model.Friend{
		ID:        model.UserID(w.ID),
		Username:  w.Username,
		AvatarURL: w.AvatarURL,
		IsOnline:  w.IsOnline,
		LastSeen:  time.Time(w.LastSeen),
	}
}

type wireConversation struct {
	RoomID       model.RoomID   `json:"room_id"`
	Friend       wireFriend     `json:"friend"`
	LastMessage  *model.Message `json:"last_message"`
	UnreadCount  int            `json:"unread_count"`
	LastActivity model.FlexTime `json:"last_activity"`
}

// Conversations returns the conversation list with server unread counters.
func (c *Client) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var rows []wireConversation
	if err := c.do(ctx, "Conversations", http.MethodGet, "/api/chat/conversations", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		s := model.ConversationSummary{
			RoomID:       r.RoomID,
			Friend:       r.Friend.friend(),
			UnreadCount:  r.UnreadCount,
			LastActivity: time.Time(r.LastActivity),
		}
		if r.LastMessage != nil && r.LastMessage.Validate() == nil {
			s.LastMessage = r.LastMessage
		}
		out = append(out, s)
	}
	return out, nil
}

type readRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead tells the server the local user has read ids. An empty list issues no request.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, "MarkRead", http.MethodPut, "/api/chat/read", readRequest{MessageIDs: ids}, nil)
}

// Friends returns the friend records with their static presence.
func (c *Client) Friends(ctx context.Context) ([]model.Friend, error) {
	var rows []wireFriend
	if err := c.do(ctx, "Friends", http.MethodGet, "/api/friends", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.Friend, 0, len(rows))
	for _, r := range rows {
		if r.ID > 0 {
			out = append(out, r.friend())
		}
	}
	return out, nil
}

type presenceRequest struct {
	UserIDs []model.UserID `json:"user_ids"`
}

type wirePresence struct {
	UserID   model.FlexUserID `json:"user_id"`
	IsOnline bool             `json:"is_online"`
	LastSeen model.FlexTime   `json:"last_seen"`
}

// PresenceSnapshot fetches the presence of ids in one request.
func (c *Client) PresenceSnapshot(ctx context.Context, ids []model.UserID) ([]model.PresenceEntry, error) {
	var rows []wirePresence
	if err := c.do(ctx, "PresenceSnapshot", http.MethodPost, "/api/presence/snapshot", presenceRequest{UserIDs: ids}, &rows); err != nil {
		return nil, err
	}
	out := make([]model.PresenceEntry, 0, len(rows))
	for _, r := range rows {
		if r.UserID <= 0 {
			continue
		}
		out = append(out, model.PresenceEntry{
			UserID:   model.UserID(r.UserID),
			IsOnline: r.IsOnline,
			LastSeen: time.Time(r.LastSeen),
			Live:     true,
		})
	}
	return out, nil
}
