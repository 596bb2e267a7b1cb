package devstore

import (
	"context"
	"errors"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
)

// Client реализует CheckpointStore для режима -dev: чтение из памяти, запись в память и в БД —
// чекпойнт переживает перезапуск демона без Redis.
type Client struct {
	mem  *memory.Client
	repo *repository.CheckpointRepository
}

func New(repo *repository.CheckpointRepository) *Client {
	return &Client{mem: memory.New(), repo: repo}
}

func (c *Client) Close() error { return c.mem.Close() }

func (c *Client) SaveCheckpoint(ctx context.Context, self model.UserID, cp storage.Checkpoint) error {
	if err := c.mem.SaveCheckpoint(ctx, self, cp); err != nil {
		return err
	}
	return c.repo.Save(ctx, self, cp)
}

// LoadCheckpoint отдаёт копию из памяти, а после рестарта — из БД (и прогревает память).
func (c *Client) LoadCheckpoint(ctx context.Context, self model.UserID) (storage.Checkpoint, error) {
	cp, err := c.mem.LoadCheckpoint(ctx, self)
	if err == nil {
		return cp, nil
	}
	cp, err = c.repo.Load(ctx, self)
	if errors.Is(err, repository.ErrNotFound) {
		return storage.Checkpoint{}, storage.ErrNoCheckpoint
	}
	if err != nil {
		return storage.Checkpoint{}, err
	}
	if err := c.mem.SaveCheckpoint(ctx, self, cp); err != nil {
		logger.Errorf("devstore: warm memory: %v", err)
	}
	return cp, nil
}

func (c *Client) DeleteCheckpoint(ctx context.Context, self model.UserID) error {
	if err := c.mem.DeleteCheckpoint(ctx, self); err != nil {
		return err
	}
	return c.repo.Delete(ctx, self)
}
