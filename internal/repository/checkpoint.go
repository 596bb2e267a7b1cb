package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

// CheckpointRepository хранит чекпойнты сессии в Postgres (режим -dev, где Redis нет).
type CheckpointRepository struct {
	pool *pgxpool.Pool
}

func NewCheckpointRepository(pool *pgxpool.Pool) *CheckpointRepository {
	return &CheckpointRepository{pool: pool}
}

func (r *CheckpointRepository) Save(ctx context.Context, self model.UserID, cp storage.Checkpoint) error {
	defer logger.DeferLogDuration("checkpoint.Save", time.Now())()
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpointRepo.Save marshal: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_checkpoints (self_id, payload, saved_at) VALUES ($1, $2, $3)
		 ON CONFLICT (self_id) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
		int64(self), payload, cp.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("checkpointRepo.Save: %w", err)
	}
	return nil
}

// Load возвращает ErrNotFound, если чекпойнта нет или он старше storage.CheckpointTTL.
func (r *CheckpointRepository) Load(ctx context.Context, self model.UserID) (storage.Checkpoint, error) {
	defer logger.DeferLogDuration("checkpoint.Load", time.Now())()
	var payload []byte
	var savedAt time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT payload, saved_at FROM session_checkpoints WHERE self_id = $1`, int64(self),
	).Scan(&payload, &savedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return storage.Checkpoint{}, fmt.Errorf("checkpointRepo.Load: %w", err)
	}
	if time.Since(savedAt) > storage.CheckpointTTL {
		return storage.Checkpoint{}, ErrNotFound
	}
	var cp storage.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return storage.Checkpoint{}, fmt.Errorf("checkpointRepo.Load unmarshal: %w", err)
	}
	return cp, nil
}

func (r *CheckpointRepository) Delete(ctx context.Context, self model.UserID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM session_checkpoints WHERE self_id = $1`, int64(self)); err != nil {
		return fmt.Errorf("checkpointRepo.Delete: %w", err)
	}
	return nil
}
