package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/model"
)

// Session — то, что локальный API вызывает у сессии синхронизации.
type Session interface {
	Conversations() []model.ConversationSummary
	Messages(room model.RoomID) []model.Message
	OpenRoom(ctx context.Context, friendID model.UserID) (model.RoomID, error)
	CloseRoom(ctx context.Context) error
	LoadOlder(ctx context.Context, friendID model.UserID) (int, error)
	Send(ctx context.Context, friendID model.UserID, d model.Draft) (string, error)
	Resend(ctx context.Context, room model.RoomID, localID string) error
	NotifyTyping(room model.RoomID) error
	Presence(user model.UserID) model.PresenceEntry
	Typing(room model.RoomID) []model.UserID
	UnreadSnapshot() map[model.RoomID]int
	UnreadTotal() int
	ActiveRoom() model.RoomID
	ConnState() conn.State
	Resync(ctx context.Context) error
}

type SyncHandler struct {
	sess Session
}

func NewSyncHandler(sess Session) *SyncHandler {
	return &SyncHandler{sess: sess}
}

// Routes регистрирует маршруты локального API.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Get("/api/status", h.Status)
	r.Get("/api/conversations", h.GetConversations)
	r.Get("/api/unread", h.GetUnread)
	r.Post("/api/resync", h.Resync)
	r.Get("/api/presence/{userId}", h.GetPresence)

	r.Post("/api/friends/{friendId}/open", h.OpenRoom)
	r.Post("/api/friends/{friendId}/older", h.LoadOlder)
	r.Post("/api/friends/{friendId}/messages", h.Send)
	r.Post("/api/rooms/close", h.CloseRoom)
	r.Get("/api/rooms/{roomId}/messages", h.GetMessages)
	r.Get("/api/rooms/{roomId}/typing", h.GetTyping)
	r.Post("/api/rooms/{roomId}/typing", h.NotifyTyping)
	r.Post("/api/rooms/{roomId}/messages/{localId}/resend", h.Resend)
}

type statusResponse struct {
	Connection  string       `json:"connection"`
	ActiveRoom  model.RoomID `json:"active_room,omitempty"`
	UnreadTotal int          `json:"unread_total"`
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connection:  h.sess.ConnState().String(),
		ActiveRoom:  h.sess.ActiveRoom(),
		UnreadTotal: h.sess.UnreadTotal(),
	})
}

func (h *SyncHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sess.Conversations())
}

type unreadResponse struct {
	Rooms map[model.RoomID]int `json:"rooms"`
	Total int                  `json:"total"`
}

func (h *SyncHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, unreadResponse{Rooms: h.sess.UnreadSnapshot(), Total: h.sess.UnreadTotal()})
}

func (h *SyncHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if err := h.sess.Resync(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id, ok := userParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	writeJSON(w, http.StatusOK, h.sess.Presence(id))
}

type openResponse struct {
	RoomID   model.RoomID    `json:"room_id"`
	Messages []model.Message `json:"messages"`
	Error    string          `json:"error,omitempty"`
}

// OpenRoom делает беседу активной. Ошибка загрузки истории не мешает открыть комнату:
// отдаём 200 с тем, что есть, и текстом ошибки.
func (h *SyncHandler) OpenRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := userParam(r, "friendId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid friend id")
		return
	}
	room, err := h.sess.OpenRoom(r.Context(), id)
	if room == "" {
		writeErr(w, err)
		return
	}
	resp := openResponse{RoomID: room, Messages: h.sess.Messages(room)}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SyncHandler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.sess.CloseRoom(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type olderResponse struct {
	Added int  `json:"added"`
	More  bool `json:"more"`
}

func (h *SyncHandler) LoadOlder(w http.ResponseWriter, r *http.Request) {
	id, ok := userParam(r, "friendId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid friend id")
		return
	}
	n, err := h.sess.LoadOlder(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, olderResponse{Added: n, More: n > 0})
}

func (h *SyncHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	room := model.RoomID(chi.URLParam(r, "roomId"))
	msgs := h.sess.Messages(room)
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendResponse struct {
	LocalID string `json:"local_id"`
	Error   string `json:"error,omitempty"`
}

// Send отправляет сообщение. При ошибке REST черновик остаётся в комнате как failed,
// local_id возвращается вместе с ошибкой для повторной отправки.
func (h *SyncHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := userParam(r, "friendId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid friend id")
		return
	}
	var d model.Draft
	if err := decodeBody(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if d.Type == "" {
		d.Type = model.MessageTypeText
	}
	localID, err := h.sess.Send(r.Context(), id, d)
	if err != nil {
		if localID == "" {
			writeErr(w, err)
			return
		}
		writeJSON(w, errorStatus(err), sendResponse{LocalID: localID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{LocalID: localID})
}

func (h *SyncHandler) Resend(w http.ResponseWriter, r *http.Request) {
	room := model.RoomID(chi.URLParam(r, "roomId"))
	localID := chi.URLParam(r, "localId")
	if err := h.sess.Resend(r.Context(), room, localID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) GetTyping(w http.ResponseWriter, r *http.Request) {
	users := h.sess.Typing(model.RoomID(chi.URLParam(r, "roomId")))
	if users == nil {
		users = []model.UserID{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *SyncHandler) NotifyTyping(w http.ResponseWriter, r *http.Request) {
	if err := h.sess.NotifyTyping(model.RoomID(chi.URLParam(r, "roomId"))); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
