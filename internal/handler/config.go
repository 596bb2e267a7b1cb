package handler

import (
	"net/http"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/push"
)

// ConfigHandler отдаёт UI публичные параметры демона.
type ConfigHandler struct {
	cfg      *config.Config
	notifier *push.Notifier
}

// NewConfigHandler создаёт обработчик конфигурации. notifier может быть nil.
func NewConfigHandler(cfg *config.Config, notifier *push.Notifier) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, notifier: notifier}
}

type syncConfigResponse struct {
	SelfID          int64 `json:"self_id"`
	TypingWindowMS  int64 `json:"typing_window_ms"`
	TypingTTLMS     int64 `json:"typing_ttl_ms"`
	HistoryPageSize int   `json:"history_page_size"`
	UnreadResyncSec int64 `json:"unread_resync_sec"`
}

// GetSyncConfig возвращает параметры синхронизации, полезные клиенту.
func (h *ConfigHandler) GetSyncConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, syncConfigResponse{
		SelfID:          h.cfg.SelfID,
		TypingWindowMS:  h.cfg.Typing.Window.Milliseconds(),
		TypingTTLMS:     h.cfg.Typing.TTL.Milliseconds(),
		HistoryPageSize: h.cfg.Sync.HistoryPageSize,
		UnreadResyncSec: int64(h.cfg.Sync.UnreadResyncInterval.Seconds()),
	})
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if !h.notifier.Enabled() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":          true,
		"vapid_public_key": h.notifier.PublicKey(),
	})
}
