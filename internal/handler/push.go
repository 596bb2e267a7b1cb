package handler

import (
	"errors"
	"net/http"

	"github.com/chatsync/internal/push"
)

// PushHandler обрабатывает подписку локального UI на пуш-уведомления.
type PushHandler struct {
	notifier *push.Notifier
}

// NewPushHandler создаёт обработчик push.
func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

// Subscribe сохраняет подписку браузера.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !h.notifier.Enabled() {
		writeError(w, http.StatusNotFound, "push disabled")
		return
	}
	var req SubscribeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.notifier.Subscribe(req.Subscription); err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe удаляет подписку.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	h.notifier.Unsubscribe(req.Endpoint)
	w.WriteHeader(http.StatusNoContent)
}
