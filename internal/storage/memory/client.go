package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

type item struct {
	cp  storage.Checkpoint
	exp time.Time
}

// Client хранит чекпойнты в памяти процесса (режим без Redis). Переживает только переподключения, не рестарт.
type Client struct {
	mu    sync.RWMutex
	items map[model.UserID]item
	ttl   time.Duration
	now   func() time.Time
}

func New() *Client {
	return &Client{
		items: make(map[model.UserID]item),
		ttl:   storage.CheckpointTTL,
		now:   time.Now,
	}
}

func (c *Client) Close() error { return nil }

// SaveCheckpoint копирует срезы и карты, чтобы вызывающий мог дальше их менять.
func (c *Client) SaveCheckpoint(ctx context.Context, self model.UserID, cp storage.Checkpoint) error {
	cp.Unread = maps.Clone(cp.Unread)
	cp.Conversations = slices.Clone(cp.Conversations)
	cp.Presence = slices.Clone(cp.Presence)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[self] = item{cp: cp, exp: c.now().Add(c.ttl)}
	return nil
}

func (c *Client) LoadCheckpoint(ctx context.Context, self model.UserID) (storage.Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[self]
	if !ok || c.now().After(v.exp) {
		return storage.Checkpoint{}, storage.ErrNoCheckpoint
	}
	cp := v.cp
	cp.Unread = maps.Clone(cp.Unread)
	cp.Conversations = slices.Clone(cp.Conversations)
	cp.Presence = slices.Clone(cp.Presence)
	return cp, nil
}

func (c *Client) DeleteCheckpoint(ctx context.Context, self model.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, self)
	return nil
}
