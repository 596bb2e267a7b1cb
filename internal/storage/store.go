package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chatsync/internal/model"
)

// ErrNoCheckpoint возвращается LoadCheckpoint, если для пользователя ничего не сохранено (или истёк TTL).
var ErrNoCheckpoint = errors.New("no checkpoint")

// CheckpointTTL — сколько живёт чекпойнт; старше него состояние всё равно будет перезагружено с сервера.
const CheckpointTTL = 7 * 24 * time.Hour

// Checkpoint — снимок производного состояния сессии, чтобы UI после перезапуска
// сразу показал список бесед и счётчики, не дожидаясь REST.
type Checkpoint struct {
	Unread        map[model.RoomID]int        `json:"unread"`
	Conversations []model.ConversationSummary `json:"conversations"`
	Presence      []model.PresenceEntry       `json:"presence"`
	SavedAt       time.Time                   `json:"saved_at"`
}

// CheckpointStore — хранилище чекпойнтов.
// Реализации: redis.Client, memory.Client (без Redis), devstore.Client (-dev: память + Postgres).
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, self model.UserID, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, self model.UserID) (Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, self model.UserID) error
	Close() error
}
