package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/uistream"
)

// WSHandler поднимает поток состояния сессии для локального UI.
type WSHandler struct {
	hub      *uistream.Hub
	anyOrig  bool
	origins  map[string]struct{}
	upgrader websocket.Upgrader
}

// NewWSHandler создаёт обработчик потока UI. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *uistream.Hub, allowedOrigins string) *WSHandler {
	h := &WSHandler{hub: hub, origins: make(map[string]struct{})}
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			h.anyOrig = true
		default:
			h.origins[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(h.origins) == 0 {
		h.anyOrig = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin пропускает запросы без Origin (не из браузера), со страниц самого демона
// и из списка CORS.
func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if h.anyOrig || origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	_, ok := h.origins[strings.ToLower(strings.TrimSuffix(origin, "/"))]
	return ok
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		logger.Errorf("ui ws: origin %q rejected", r.Header.Get("Origin"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ui ws upgrade: %v", err)
		return
	}

	// Жизнь клиента не привязана к запросу: после Upgrade r.Context() уже не отслеживает соединение.
	ctx, cancel := context.WithCancel(context.Background())
	client := uistream.NewClient(h.hub, conn, uuid.NewString())
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
