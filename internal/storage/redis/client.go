package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

// Поля хеша checkpoint:{self_id}; каждое поле — JSON, чтобы частичные записи не ломали чтение остальных.
const (
	fieldUnread        = "unread"
	fieldConversations = "conversations"
	fieldPresence      = "presence"
	fieldSavedAt       = "saved_at"
)

type Client struct {
	cli *redis.Client
	ttl time.Duration
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, ttl: storage.CheckpointTTL}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func key(self model.UserID) string {
	return "checkpoint:" + strconv.FormatInt(int64(self), 10)
}

// SaveCheckpoint записывает все поля и TTL одной транзакцией MULTI/EXEC.
func (c *Client) SaveCheckpoint(ctx context.Context, self model.UserID, cp storage.Checkpoint) error {
	unread, err := json.Marshal(cp.Unread)
	if err != nil {
		return fmt.Errorf("redis.SaveCheckpoint unread: %w", err)
	}
	conv, err := json.Marshal(cp.Conversations)
	if err != nil {
		return fmt.Errorf("redis.SaveCheckpoint conversations: %w", err)
	}
	pres, err := json.Marshal(cp.Presence)
	if err != nil {
		return fmt.Errorf("redis.SaveCheckpoint presence: %w", err)
	}
	k := key(self)
	_, err = c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k,
			fieldUnread, unread,
			fieldConversations, conv,
			fieldPresence, pres,
			fieldSavedAt, cp.SavedAt.UTC().Format(time.RFC3339Nano),
		)
		p.Expire(ctx, k, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis.SaveCheckpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint читает хеш; отсутствующий ключ — storage.ErrNoCheckpoint.
func (c *Client) LoadCheckpoint(ctx context.Context, self model.UserID) (storage.Checkpoint, error) {
	vals, err := c.cli.HGetAll(ctx, key(self)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return storage.Checkpoint{}, storage.ErrNoCheckpoint
	}
	if err != nil {
		return storage.Checkpoint{}, fmt.Errorf("redis.LoadCheckpoint: %w", err)
	}
	var cp storage.Checkpoint
	if v := vals[fieldUnread]; v != "" {
		if err := json.Unmarshal([]byte(v), &cp.Unread); err != nil {
			return storage.Checkpoint{}, fmt.Errorf("redis.LoadCheckpoint unread: %w", err)
		}
	}
	if v := vals[fieldConversations]; v != "" {
		if err := json.Unmarshal([]byte(v), &cp.Conversations); err != nil {
			return storage.Checkpoint{}, fmt.Errorf("redis.LoadCheckpoint conversations: %w", err)
		}
	}
	if v := vals[fieldPresence]; v != "" {
		if err := json.Unmarshal([]byte(v), &cp.Presence); err != nil {
			return storage.Checkpoint{}, fmt.Errorf("redis.LoadCheckpoint presence: %w", err)
		}
	}
	if v := vals[fieldSavedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			cp.SavedAt = t
		}
	}
	return cp, nil
}

func (c *Client) DeleteCheckpoint(ctx context.Context, self model.UserID) error {
	return c.cli.Del(ctx, key(self)).Err()
}

// FlushDB очищает текущую БД Redis (сброс чекпойнтов при тестах/перезапуске).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
