package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

var ErrNotFound = errors.New("not found")

// archiveCols — порядок колонок для SELECT (соответствует scanMessage).
const archiveCols = `room_id, id, sender_id, receiver_id, type, payload, status, local_id, created_at`

// ArchiveRepository — локальный архив подтверждённых сообщений. Открытая комната
// сначала заполняется из него, затем история догружается с сервера.
type ArchiveRepository struct {
	pool *pgxpool.Pool
}

func NewArchiveRepository(pool *pgxpool.Pool) *ArchiveRepository {
	return &ArchiveRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var sender, receiver int64
	if err := s.Scan(&m.RoomID, &m.ID, &sender, &receiver, &m.Type, &m.Payload, &m.Status, &m.LocalID, &m.CreatedAt); err != nil {
		return err
	}
	m.SenderID = model.UserID(sender)
	m.ReceiverID = model.UserID(receiver)
	return nil
}

// Upsert сохраняет сообщения одним батчем. Повторная запись не понижает статус:
// при конфликте остаётся статус с большим рангом. Черновики (local-*) не архивируются.
func (r *ArchiveRepository) Upsert(ctx context.Context, msgs []model.Message) error {
	defer logger.DeferLogDuration("archive.Upsert", time.Now())()
	batch := &pgx.Batch{}
	for _, m := range msgs {
		if m.ID == "" || m.IsLocal() || m.RoomID == "" {
			continue
		}
		batch.Queue(
			`INSERT INTO archived_messages (room_id, id, sender_id, receiver_id, type, payload, status, status_rank, local_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (room_id, id) DO UPDATE SET
			     status      = CASE WHEN EXCLUDED.status_rank > archived_messages.status_rank THEN EXCLUDED.status ELSE archived_messages.status END,
			     status_rank = GREATEST(EXCLUDED.status_rank, archived_messages.status_rank),
			     local_id    = CASE WHEN archived_messages.local_id = '' THEN EXCLUDED.local_id ELSE archived_messages.local_id END`,
			string(m.RoomID), m.ID, int64(m.SenderID), int64(m.ReceiverID), string(m.Type), m.Payload,
			string(m.Status), m.Status.Rank(), m.LocalID, m.CreatedAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archiveRepo.Upsert: %w", err)
	}
	return nil
}

// Recent возвращает последние limit сообщений комнаты в порядке (created_at, id).
func (r *ArchiveRepository) Recent(ctx context.Context, room model.RoomID, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("archive.Recent", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+archiveCols+` FROM archived_messages
		 WHERE room_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, string(room), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archiveRepo.Recent query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("archiveRepo.Recent scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archiveRepo.Recent rows: %w", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return model.Less(&msgs[i], &msgs[j]) })
	return msgs, nil
}

// Get возвращает одно сообщение или ErrNotFound.
func (r *ArchiveRepository) Get(ctx context.Context, room model.RoomID, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("archive.Get", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+archiveCols+` FROM archived_messages WHERE room_id = $1 AND id = $2`, string(room), id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archiveRepo.Get: %w", err)
	}
	return m, nil
}

// MarkRead поднимает статус перечисленных сообщений до read.
func (r *ArchiveRepository) MarkRead(ctx context.Context, room model.RoomID, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	defer logger.DeferLogDuration("archive.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE archived_messages SET status = 'read', status_rank = $3
		 WHERE room_id = $1 AND id = ANY($2) AND status_rank < $3`,
		string(room), slices.Clone(ids), model.MessageStatusRead.Rank(),
	)
	if err != nil {
		return fmt.Errorf("archiveRepo.MarkRead: %w", err)
	}
	return nil
}

// Count — количество сообщений комнаты в архиве.
func (r *ArchiveRepository) Count(ctx context.Context, room model.RoomID) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM archived_messages WHERE room_id = $1`, string(room)).Scan(&n); err != nil {
		return 0, fmt.Errorf("archiveRepo.Count: %w", err)
	}
	return n, nil
}

// RunMigrations выполняет встроенные миграции по порядку имён файлов.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, files fs.FS) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied: %d", len(names))
	return nil
}
