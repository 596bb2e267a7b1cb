package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

func TestSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	c := New()
	if _, err := c.LoadCheckpoint(ctx, 3); !errors.Is(err, storage.ErrNoCheckpoint) {
		t.Fatalf("empty store: %v", err)
	}

	unread := map[model.RoomID]int{"3_7": 2}
	cp := storage.Checkpoint{
		Unread:        unread,
		Conversations: []model.ConversationSummary{{RoomID: "3_7", Friend: model.Friend{ID: 7}}},
		SavedAt:       time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := c.SaveCheckpoint(ctx, 3, cp); err != nil {
		t.Fatal(err)
	}
	unread["3_7"] = 99

	got, err := c.LoadCheckpoint(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.Unread["3_7"] != 2 || len(got.Conversations) != 1 || !got.SavedAt.Equal(cp.SavedAt) {
		t.Fatalf("checkpoint = %+v", got)
	}
	if _, err := c.LoadCheckpoint(ctx, 4); !errors.Is(err, storage.ErrNoCheckpoint) {
		t.Fatalf("other user: %v", err)
	}

	if err := c.DeleteCheckpoint(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := c.LoadCheckpoint(ctx, 3); !errors.Is(err, storage.ErrNoCheckpoint) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }
	if err := c.SaveCheckpoint(ctx, 3, storage.Checkpoint{}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(storage.CheckpointTTL + time.Second)
	if _, err := c.LoadCheckpoint(ctx, 3); !errors.Is(err, storage.ErrNoCheckpoint) {
		t.Fatalf("expired checkpoint returned: %v", err)
	}
}
